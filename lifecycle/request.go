// Package lifecycle owns the announcement request state machine: submission,
// approval, scheduling, optional early execution or cancellation, and
// finalization into bounded history.
package lifecycle

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/sayonatsu/herald/errors"
)

// Request states. The lifecycle is linear with a small number of branch
// points; posted, cancelled and expired are terminal and never re-entered.
const (
	StatePending   = "pending"   // submitted, awaiting approval
	StateQueued    = "queued"    // approved, timer armed
	StatePosted    = "posted"    // announcement went out
	StateCancelled = "cancelled" // booking withdrawn before posting
	StateExpired   = "expired"   // posting window missed
)

// Store collections per partition. The scheduler's own job records live in
// the shared partition (see package scheduler).
const (
	colPending  = "pending"  // active Request records (pending and queued)
	colQueued   = "queued"   // job cross-reference per queued request
	colHistory  = "history"  // finalized Requests, bounded
	colCalendar = "calendar" // request id -> calendar entry id
)

// Extracted is the structured payload produced by the AI extraction step.
// Absent until extraction succeeds; immutable afterwards.
type Extracted struct {
	Title      string     `json:"title"`
	Content    string     `json:"content"`
	PostAt     time.Time  `json:"post_at"`
	EventTitle string     `json:"event_title,omitempty"`
	EventStart *time.Time `json:"event_start,omitempty"`
	EventEnd   *time.Time `json:"event_end,omitempty"`
}

// HasEventWindow reports whether both event boundary times were extracted,
// the precondition for creating a calendar entry.
func (e *Extracted) HasEventWindow() bool {
	return e != nil && e.EventStart != nil && e.EventEnd != nil
}

// Request is one announcement request tracked end-to-end.
//
// Origin is an opaque reference to the originating message/channel; the core
// never interprets it, only hands it back to the notifier. Requester is the
// submitting actor's id, kept for the early-execution permission check.
type Request struct {
	ID          string     `json:"id"`
	Partition   string     `json:"partition"`
	Origin      string     `json:"origin"`
	Requester   string     `json:"requester"`
	RawText     string     `json:"raw_text"`
	Extracted   *Extracted `json:"extracted,omitempty"`
	State       string     `json:"state"`
	JobID       string     `json:"job_id,omitempty"`
	CalendarRef string     `json:"calendar_ref,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Validate checks the record invariants. Called after every transition;
// a violation is a programming error, not a runtime condition.
func (r *Request) Validate() error {
	switch r.State {
	case StatePending, StateQueued, StatePosted, StateCancelled, StateExpired:
	default:
		return errors.AssertionFailedf("request %s has unknown state %q", r.ID, r.State)
	}

	if (r.JobID != "") != (r.State == StateQueued) {
		return errors.AssertionFailedf("request %s: job_id must be set iff queued (state=%s, job_id=%q)", r.ID, r.State, r.JobID)
	}
	// Cancellation from pending legitimately carries no payload; queued,
	// posted and expired always pass through extraction first.
	if (r.State == StateQueued || r.State == StatePosted || r.State == StateExpired) && r.Extracted == nil {
		return errors.AssertionFailedf("request %s: extracted payload missing in state %s", r.ID, r.State)
	}
	if r.CalendarRef != "" && !r.Extracted.HasEventWindow() {
		return errors.AssertionFailedf("request %s: calendar_ref set without event window", r.ID)
	}
	return nil
}

// Terminal reports whether the request has been finalized.
func (r *Request) Terminal() bool {
	switch r.State {
	case StatePosted, StateCancelled, StateExpired:
		return true
	}
	return false
}

// Marshal serializes the request for the durable store.
func (r *Request) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}
	return data, nil
}

// UnmarshalRequest deserializes a request record.
func UnmarshalRequest(data []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal request")
	}
	return &r, nil
}

// queuedJob is the per-request job cross-reference persisted while queued.
// The lifecycle writes it; the scheduler's own record is separate and
// scheduler-owned.
type queuedJob struct {
	JobID       string    `json:"job_id"`
	DueAt       time.Time `json:"due_at"`
	CallbackKey string    `json:"callback_key"`
}

func marshalQueued(x *queuedJob) ([]byte, error) {
	data, err := json.Marshal(x)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal queued job reference")
	}
	return data, nil
}

func unmarshalQueued(data []byte, x *queuedJob) error {
	if err := json.Unmarshal(data, x); err != nil {
		return errors.Wrap(err, "failed to unmarshal queued job reference")
	}
	return nil
}

// CallbackKey encodes the owner of a scheduler job so a fire can be routed
// back to the right partition and request.
func CallbackKey(partition, requestID string) string {
	return partition + "/" + requestID
}

// ParseCallbackKey splits a callback key back into partition and request id.
func ParseCallbackKey(key string) (partition, requestID string, err error) {
	partition, requestID, ok := strings.Cut(key, "/")
	if !ok || partition == "" || requestID == "" {
		return "", "", errors.Newf("malformed callback key %q", key)
	}
	return partition, requestID, nil
}
