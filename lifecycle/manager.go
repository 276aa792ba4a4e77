package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sayonatsu/herald/db"
	"github.com/sayonatsu/herald/errors"
	"github.com/sayonatsu/herald/notify"
	"github.com/sayonatsu/herald/scheduler"
	"github.com/sayonatsu/herald/store"
)

// Extractor turns free text into structured announcement fields.
// Failures must wrap errors.ErrExtractionFailed.
type Extractor interface {
	Extract(ctx context.Context, rawText string) (*Extracted, error)
}

// Poster performs the external group-communication actions.
type Poster interface {
	PostAnnouncement(ctx context.Context, title, content string) (postID string, err error)
	CreateCalendarEvent(ctx context.Context, title string, start, end time.Time) (calendarRef string, err error)
	DeleteCalendarEvent(ctx context.Context, calendarRef string) (bool, error)
}

// Authorizer answers whether an actor may approve requests in a partition.
type Authorizer interface {
	IsApprover(partition, actor string) bool
}

// Broadcaster receives lifecycle transitions for live observers (admin UI).
// Optional; implementations must not block.
type Broadcaster interface {
	BroadcastTransition(partition, requestID, fromState, toState string)
}

// Config bounds the manager's collaborator calls and history retention.
type Config struct {
	HistoryCapacity int           // finalized records kept per partition
	PostRetries     int           // additional attempts after the first post/calendar failure
	RetryBackoff    time.Duration // linear backoff unit between attempts
	CallTimeout     time.Duration // per-call bound on collaborator calls
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HistoryCapacity: 1000,
		PostRetries:     2,
		RetryBackoff:    5 * time.Second,
		CallTimeout:     60 * time.Second,
	}
}

// Manager owns Request records and drives the state machine. All
// collaborators are injected; there are no ambient singletons.
//
// Events are serialized per partition: a partition lock guarantees that a
// request's transitions never interleave, while long collaborator calls for
// one partition do not block unrelated partitions.
type Manager struct {
	store     *store.Store
	sched     *scheduler.Scheduler
	extractor Extractor
	poster    Poster
	notifier  notify.Notifier
	auth      Authorizer
	broadcast Broadcaster
	cfg       Config
	logger    *zap.SugaredLogger
	now       func() time.Time

	locks sync.Map // partition -> *sync.Mutex
}

// NewManager wires the lifecycle manager. The scheduler's fire callback is
// bound here so every timer fire routes through the state machine.
func NewManager(st *store.Store, sched *scheduler.Scheduler, extractor Extractor, poster Poster, notifier notify.Notifier, auth Authorizer, cfg Config, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = DefaultConfig().HistoryCapacity
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}

	m := &Manager{
		store:     st,
		sched:     sched,
		extractor: extractor,
		poster:    poster,
		notifier:  notifier,
		auth:      auth,
		cfg:       cfg,
		logger:    log,
		now:       time.Now,
	}
	sched.BindFire(m.HandleFire)
	return m
}

// SetBroadcaster attaches an optional transition broadcaster.
func (m *Manager) SetBroadcaster(b Broadcaster) {
	m.broadcast = b
}

// partitionLock returns the serialization lock for a partition.
func (m *Manager) partitionLock(partition string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(partition, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Dispatch applies one external event to the state machine. Events for the
// same partition are applied in the order they are accepted. A returned
// error means the event was not processed and is safe to retry; recoverable
// collaborator failures are surfaced to the origin instead and return nil.
func (m *Manager) Dispatch(ctx context.Context, ev Event) error {
	if ev.Partition == "" {
		return errors.New("event missing partition")
	}

	mu := m.partitionLock(ev.Partition)
	mu.Lock()
	defer mu.Unlock()

	switch ev.Kind {
	case EventSubmitted:
		return m.handleSubmitted(ctx, ev)
	case EventApprovalAdded:
		return m.handleApprovalAdded(ctx, ev)
	case EventApprovalRemoved:
		return m.handleApprovalRemoved(ctx, ev)
	case EventOriginRemoved:
		return m.handleOriginRemoved(ctx, ev)
	case EventEarlyExecRequest:
		return m.handleEarlyExec(ctx, ev)
	case EventCalendarRequested:
		return m.handleCalendarRequested(ctx, ev)
	case EventCalendarRevoked:
		return m.handleCalendarRevoked(ctx, ev)
	case EventManualCancel:
		return m.handleManualCancel(ctx, ev)
	default:
		return errors.Newf("unknown event kind %q", ev.Kind)
	}
}

// handleSubmitted creates a new pending request and acknowledges the origin.
func (m *Manager) handleSubmitted(ctx context.Context, ev Event) error {
	id := ev.RequestID
	if id == "" {
		id = "req_" + uuid.NewString()
	}

	// A re-submission under the same id is acknowledged, not duplicated.
	if existing, err := m.loadRequest(ev.Partition, id); err == nil {
		m.logger.Debugw("Duplicate submission ignored", "partition", ev.Partition, "request_id", id, "state", existing.State)
		return nil
	} else if !errors.IsNotFound(err) {
		return err
	}

	now := m.now()
	req := &Request{
		ID:        id,
		Partition: ev.Partition,
		Origin:    ev.Origin,
		Requester: ev.Requester,
		RawText:   ev.RawText,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.persistRequest(req); err != nil {
		return err
	}

	m.logger.Infow("Request submitted",
		"partition", ev.Partition,
		"request_id", req.ID,
		"requester", req.Requester)

	m.notifier.Notify(ctx, req.Origin, notify.KindReceived, "")
	m.broadcastTransition(req.Partition, req.ID, "", StatePending)
	return nil
}

// handleApprovalAdded runs extraction and arms the timer. Extraction failure
// and a post time already in the past both leave the request pending with the
// error surfaced to the origin; the approver may fix the text and retry.
func (m *Manager) handleApprovalAdded(ctx context.Context, ev Event) error {
	req, err := m.loadRequest(ev.Partition, ev.RequestID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil // approval on an untracked or finalized message
		}
		return err
	}
	if req.State != StatePending {
		m.logger.Debugw("Approval on non-pending request ignored",
			"request_id", req.ID, "state", req.State)
		return nil
	}

	if m.auth != nil && !m.auth.IsApprover(ev.Partition, ev.Actor) {
		m.logger.Warnw("Approval from unauthorized actor",
			"partition", ev.Partition, "request_id", req.ID, "actor", ev.Actor)
		m.notifier.Notify(ctx, req.Origin, notify.KindUnauthorized, ev.Actor)
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	extracted, err := m.extractor.Extract(cctx, req.RawText)
	cancel()
	if err != nil {
		m.logger.Warnw("Extraction failed",
			"partition", ev.Partition, "request_id", req.ID, "error", err)
		m.notifier.Notify(ctx, req.Origin, notify.KindExtractionError, err.Error())
		return nil // recoverable, request stays pending
	}

	key := CallbackKey(req.Partition, req.ID)
	jobID, err := m.sched.Schedule(extracted.PostAt, key)
	if err != nil {
		if errors.Is(err, errors.ErrInvalidSchedule) {
			m.notifier.Notify(ctx, req.Origin, notify.KindInvalidSchedule, extracted.PostAt.Format(time.RFC3339))
			return nil
		}
		return errors.Wrap(err, "failed to schedule announcement")
	}

	req.Extracted = extracted
	req.State = StateQueued
	req.JobID = jobID
	req.UpdatedAt = m.now()

	xref := &queuedJob{JobID: jobID, DueAt: extracted.PostAt, CallbackKey: key}
	if err := m.persistQueued(req, xref); err != nil {
		// Undo the armed timer so a failed write cannot fire later.
		m.sched.Cancel(jobID)
		return err
	}

	m.logger.Infow("Request queued",
		"partition", req.Partition,
		"request_id", req.ID,
		"job_id", jobID,
		"due_at", extracted.PostAt.Format(time.RFC3339),
		"title", extracted.Title)

	m.notifier.Notify(ctx, req.Origin, notify.KindQueued, extracted.Title)
	m.broadcastTransition(req.Partition, req.ID, StatePending, StateQueued)
	return nil
}

// handleApprovalRemoved cancels a queued booking. The scheduler's mutual
// exclusion decides a race against the timer: if the fire already won, the
// request is no longer queued and this is a no-op.
func (m *Manager) handleApprovalRemoved(ctx context.Context, ev Event) error {
	req, err := m.loadRequest(ev.Partition, ev.RequestID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if req.State != StateQueued {
		return nil // approval removal only affects queued bookings
	}
	return m.cancelQueued(ctx, req, "approval removed")
}

// handleOriginRemoved finalizes a request whose originating message is gone.
// A pending request is simply closed; a queued one is a full cancellation.
func (m *Manager) handleOriginRemoved(ctx context.Context, ev Event) error {
	req, err := m.loadRequest(ev.Partition, ev.RequestID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}

	switch req.State {
	case StatePending:
		req.Reason = "origin message removed"
		if err := m.finalize(ctx, req, StateCancelled); err != nil {
			return err
		}
		m.notifier.Notify(ctx, req.Origin, notify.KindCancelled, req.Reason)
		return nil
	case StateQueued:
		return m.cancelQueued(ctx, req, "origin message removed")
	default:
		return nil
	}
}

// handleEarlyExec posts a queued announcement immediately. The armed timer
// is cancelled first; if cancellation reports the timer already fired, the
// regular fire path owns the request and this is a no-op.
func (m *Manager) handleEarlyExec(ctx context.Context, ev Event) error {
	req, err := m.loadRequest(ev.Partition, ev.RequestID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if req.State != StateQueued {
		return nil
	}

	authorized := ev.Actor != "" && ev.Actor == req.Requester
	if !authorized && m.auth != nil {
		authorized = m.auth.IsApprover(ev.Partition, ev.Actor)
	}
	if !authorized {
		m.notifier.Notify(ctx, req.Origin, notify.KindUnauthorized, ev.Actor)
		return nil
	}

	if !m.sched.Cancel(req.JobID) {
		m.logger.Debugw("Early execution lost race against timer fire",
			"request_id", req.ID, "job_id", req.JobID)
		return nil
	}

	m.logger.Infow("Early execution requested",
		"partition", req.Partition, "request_id", req.ID, "actor", ev.Actor)

	return m.post(ctx, req)
}

// handleCalendarRequested creates a calendar entry for a queued request.
// Requires both event boundary times from extraction.
func (m *Manager) handleCalendarRequested(ctx context.Context, ev Event) error {
	req, err := m.loadRequest(ev.Partition, ev.RequestID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if req.State != StateQueued || req.CalendarRef != "" {
		return nil
	}
	if !req.Extracted.HasEventWindow() {
		m.notifier.Notify(ctx, req.Origin, notify.KindCalendarError, "no event start/end times were extracted")
		return nil
	}

	title := req.Extracted.EventTitle
	if title == "" {
		title = req.Extracted.Title
	}

	ref, err := m.calendarCreateWithRetry(ctx, title, *req.Extracted.EventStart, *req.Extracted.EventEnd)
	if err != nil {
		m.logger.Warnw("Calendar entry creation failed",
			"request_id", req.ID, "error", err)
		m.notifier.Notify(ctx, req.Origin, notify.KindCalendarError, err.Error())
		return nil // recoverable, request unchanged
	}

	req.CalendarRef = ref
	req.UpdatedAt = m.now()
	if err := m.persistRequest(req); err != nil {
		return err
	}
	if err := m.store.Put(req.Partition, colCalendar, req.ID, []byte(`"`+ref+`"`)); err != nil {
		return err
	}

	m.logger.Infow("Calendar entry created",
		"partition", req.Partition, "request_id", req.ID, "calendar_ref", ref)
	return nil
}

// handleCalendarRevoked reverses a previously created calendar entry.
func (m *Manager) handleCalendarRevoked(ctx context.Context, ev Event) error {
	req, err := m.loadRequest(ev.Partition, ev.RequestID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if req.State != StateQueued || req.CalendarRef == "" {
		return nil
	}

	if err := m.reverseCalendar(ctx, req); err != nil {
		m.notifier.Notify(ctx, req.Origin, notify.KindCalendarError, err.Error())
		return nil
	}

	req.UpdatedAt = m.now()
	if err := m.persistRequest(req); err != nil {
		return err
	}
	m.logger.Infow("Calendar entry reversed",
		"partition", req.Partition, "request_id", req.ID)
	return nil
}

// handleManualCancel cancels the queued request owning the given job id.
func (m *Manager) handleManualCancel(ctx context.Context, ev Event) error {
	req, err := m.findByJobID(ev.Partition, ev.JobID)
	if err != nil {
		return err
	}
	return m.cancelQueued(ctx, req, "cancelled by operator")
}

// HandleFire is the scheduler's callback. It resolves the owning request and
// posts the announcement. The current state is checked first so a fire that
// lost a race against a concurrent cancellation is a strict no-op.
func (m *Manager) HandleFire(jobID, callbackKey string) {
	partition, requestID, err := ParseCallbackKey(callbackKey)
	if err != nil {
		m.logger.Errorw("Fired job carries malformed callback key",
			"job_id", jobID, "callback_key", callbackKey, "error", err)
		return
	}

	mu := m.partitionLock(partition)
	mu.Lock()
	defer mu.Unlock()

	ctx := context.Background()

	req, err := m.loadRequest(partition, requestID)
	if err != nil {
		if errors.IsNotFound(err) {
			m.logger.Debugw("Fired job owner already finalized",
				"partition", partition, "request_id", requestID, "job_id", jobID)
			return
		}
		if db.IsDatabaseClosed(err) {
			// Timer fired during shutdown. Recovery re-arms the job on the
			// next start, so this is not a loss.
			m.logger.Infow("Fire skipped, database already closed",
				"partition", partition, "request_id", requestID, "job_id", jobID)
			return
		}
		m.logger.Errorw("Failed to load request for fired job",
			"partition", partition, "request_id", requestID, "error", err)
		return
	}

	if req.State != StateQueued || req.JobID != jobID {
		m.logger.Debugw("Fire on non-queued request ignored",
			"request_id", req.ID, "state", req.State, "job_id", jobID)
		return
	}

	if err := m.post(ctx, req); err != nil {
		m.logger.Errorw("Posting on timer fire failed",
			"partition", partition, "request_id", requestID, "error", err)
	}
}

// post performs the announcement with bounded retries and finalizes the
// request. The caller must hold the partition lock and must have already
// removed the armed timer. After exhausted retries the request is finalized
// as expired with the failure recorded, so no request silently drops out of
// tracking.
func (m *Manager) post(ctx context.Context, req *Request) error {
	postID, err := m.postWithRetry(ctx, req.Extracted.Title, req.Extracted.Content)
	if err != nil {
		m.logger.Errorw("Posting failed after retries",
			"request_id", req.ID, "attempts", m.cfg.PostRetries+1, "error", err)

		req.Reason = "post failed: " + err.Error()
		if ferr := m.finalize(ctx, req, StateExpired); ferr != nil {
			return ferr
		}
		m.notifier.Notify(ctx, req.Origin, notify.KindPostError, err.Error())
		return nil
	}

	m.logger.Infow("Announcement posted",
		"partition", req.Partition,
		"request_id", req.ID,
		"post_id", postID,
		"title", req.Extracted.Title)

	if err := m.finalize(ctx, req, StatePosted); err != nil {
		return err
	}
	m.notifier.Notify(ctx, req.Origin, notify.KindPosted, postID)
	return nil
}

// cancelQueued runs the shared cancellation path: disarm the timer, reverse
// the calendar entry if present, finalize as cancelled.
func (m *Manager) cancelQueued(ctx context.Context, req *Request, reason string) error {
	if !m.sched.Cancel(req.JobID) {
		// Timer already fired; the fire path owns the request now.
		m.logger.Debugw("Cancellation lost race against timer fire",
			"request_id", req.ID, "job_id", req.JobID)
		return nil
	}

	if req.CalendarRef != "" {
		if err := m.reverseCalendar(ctx, req); err != nil {
			m.logger.Warnw("Failed to reverse calendar entry during cancellation",
				"request_id", req.ID, "error", err)
		}
	}

	req.Reason = reason
	if err := m.finalize(ctx, req, StateCancelled); err != nil {
		return err
	}

	m.logger.Infow("Request cancelled",
		"partition", req.Partition, "request_id", req.ID, "reason", reason)
	m.notifier.Notify(ctx, req.Origin, notify.KindCancelled, reason)
	return nil
}

// ExpireMissed finalizes a request whose posting window passed while the
// process was down. Used only by startup recovery; the announcement is not
// posted. Idempotent: a request already moved to history is a no-op.
func (m *Manager) ExpireMissed(ctx context.Context, partition, requestID string) error {
	mu := m.partitionLock(partition)
	mu.Lock()
	defer mu.Unlock()

	req, err := m.loadRequest(partition, requestID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil // already expired by a previous recovery pass
		}
		return err
	}
	if req.State != StateQueued {
		return nil
	}

	if req.CalendarRef != "" {
		if err := m.reverseCalendar(ctx, req); err != nil {
			m.logger.Warnw("Failed to reverse calendar entry for expired request",
				"request_id", req.ID, "error", err)
		}
	}

	req.Reason = "posting window missed during downtime"
	if err := m.finalize(ctx, req, StateExpired); err != nil {
		return err
	}

	m.logger.Warnw("Request expired",
		"partition", partition, "request_id", requestID,
		"due_at", req.Extracted.PostAt.Format(time.RFC3339))
	m.notifier.Notify(ctx, req.Origin, notify.KindExpired, req.Extracted.PostAt.Format(time.RFC3339))
	return nil
}

// ActiveRequest is the administrative view of one tracked request.
type ActiveRequest struct {
	RequestID string     `json:"request_id"`
	State     string     `json:"state"`
	Title     string     `json:"title,omitempty"`
	JobID     string     `json:"job_id,omitempty"`
	DueAt     *time.Time `json:"due_at,omitempty"`
}

// ListActive returns the partition's tracked requests sorted by due time
// ascending; pending requests (no due time yet) sort last.
func (m *Manager) ListActive(partition string) ([]ActiveRequest, error) {
	entries, err := m.store.List(partition, colPending)
	if err != nil {
		return nil, err
	}

	active := make([]ActiveRequest, 0, len(entries))
	for _, entry := range entries {
		req, err := UnmarshalRequest(entry.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt request record %s", entry.Key)
		}
		ar := ActiveRequest{RequestID: req.ID, State: req.State, JobID: req.JobID}
		if req.Extracted != nil {
			ar.Title = req.Extracted.Title
			due := req.Extracted.PostAt
			ar.DueAt = &due
		}
		active = append(active, ar)
	}

	sort.SliceStable(active, func(i, j int) bool {
		di, dj := active[i].DueAt, active[j].DueAt
		switch {
		case di == nil && dj == nil:
			return active[i].RequestID < active[j].RequestID
		case di == nil:
			return false
		case dj == nil:
			return true
		default:
			return di.Before(*dj)
		}
	})
	return active, nil
}

// QueuedJobs returns the scheduler jobs referenced by the partition's queued
// requests, reconstructed from durable cross-references. Used by recovery.
//
// A cross-reference whose request already holds a terminal history record is
// a leftover of an interrupted finalization; it is never handed back for
// re-arming. The remaining cleanup is completed here instead.
func (m *Manager) QueuedJobs(partition string) (map[string]*scheduler.Job, error) {
	entries, err := m.store.List(partition, colQueued)
	if err != nil {
		return nil, err
	}

	jobs := make(map[string]*scheduler.Job, len(entries))
	for _, entry := range entries {
		var xref queuedJob
		if err := unmarshalQueued(entry.Value, &xref); err != nil {
			return nil, errors.Wrapf(err, "corrupt queued record %s", entry.Key)
		}

		if _, err := m.store.Get(partition, colHistory, entry.Key); err == nil {
			m.logger.Warnw("Completing interrupted finalization",
				"partition", partition, "request_id", entry.Key, "job_id", xref.JobID)
			for _, col := range []string{colPending, colQueued, colCalendar} {
				if derr := m.store.Delete(partition, col, entry.Key); derr != nil {
					return nil, derr
				}
			}
			continue
		} else if !errors.IsNotFound(err) {
			return nil, err
		}

		jobs[entry.Key] = &scheduler.Job{
			ID:          xref.JobID,
			DueAt:       xref.DueAt,
			CallbackKey: xref.CallbackKey,
		}
	}
	return jobs, nil
}

// History returns the partition's finalized requests, newest first.
func (m *Manager) History(partition string) ([]*Request, error) {
	entries, err := m.store.List(partition, colHistory)
	if err != nil {
		return nil, err
	}

	hist := make([]*Request, 0, len(entries))
	for _, entry := range entries {
		req, err := UnmarshalRequest(entry.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt history record %s", entry.Key)
		}
		hist = append(hist, req)
	}
	sort.Slice(hist, func(i, j int) bool { return hist[i].UpdatedAt.After(hist[j].UpdatedAt) })
	return hist, nil
}

// --- internals ---

func (m *Manager) loadRequest(partition, requestID string) (*Request, error) {
	data, err := m.store.Get(partition, colPending, requestID)
	if err != nil {
		return nil, err
	}
	return UnmarshalRequest(data)
}

func (m *Manager) findByJobID(partition, jobID string) (*Request, error) {
	entries, err := m.store.List(partition, colPending)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		req, err := UnmarshalRequest(entry.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt request record %s", entry.Key)
		}
		if req.State == StateQueued && req.JobID == jobID {
			return req, nil
		}
	}
	return nil, errors.Wrapf(errors.ErrNotFound, "no queued request owns job %s", jobID)
}

func (m *Manager) persistRequest(req *Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	data, err := req.Marshal()
	if err != nil {
		return err
	}
	return m.store.Put(req.Partition, colPending, req.ID, data)
}

func (m *Manager) persistQueued(req *Request, xref *queuedJob) error {
	if err := m.persistRequest(req); err != nil {
		return err
	}
	data, err := marshalQueued(xref)
	if err != nil {
		return err
	}
	return m.store.Put(req.Partition, colQueued, req.ID, data)
}

// finalize moves a request into bounded history and removes it from active
// tracking. Terminal states are never re-entered.
//
// The job cross-reference is removed first: the timer and the scheduler's
// record are already gone by the time finalize runs, and a store failure
// partway through must leave at worst a stuck record, never one recovery
// would re-arm and post.
func (m *Manager) finalize(ctx context.Context, req *Request, state string) error {
	from := req.State
	req.State = state
	req.JobID = ""
	req.UpdatedAt = m.now()
	if err := req.Validate(); err != nil {
		return err
	}

	if err := m.store.Delete(req.Partition, colQueued, req.ID); err != nil {
		return err
	}

	data, err := req.Marshal()
	if err != nil {
		return err
	}
	if err := m.store.Put(req.Partition, colHistory, req.ID, data); err != nil {
		return err
	}

	for _, col := range []string{colPending, colCalendar} {
		if err := m.store.Delete(req.Partition, col, req.ID); err != nil {
			return err
		}
	}

	if err := m.evictHistory(req.Partition); err != nil {
		m.logger.Warnw("History eviction failed", "partition", req.Partition, "error", err)
	}

	m.broadcastTransition(req.Partition, req.ID, from, state)
	return nil
}

// evictHistory trims the partition's history to the configured capacity,
// oldest finalizations first.
func (m *Manager) evictHistory(partition string) error {
	entries, err := m.store.List(partition, colHistory)
	if err != nil {
		return err
	}
	if len(entries) <= m.cfg.HistoryCapacity {
		return nil
	}

	type dated struct {
		key string
		at  time.Time
	}
	all := make([]dated, 0, len(entries))
	for _, entry := range entries {
		req, err := UnmarshalRequest(entry.Value)
		if err != nil {
			return errors.Wrapf(err, "corrupt history record %s", entry.Key)
		}
		all = append(all, dated{key: entry.Key, at: req.UpdatedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })

	for _, d := range all[:len(all)-m.cfg.HistoryCapacity] {
		if err := m.store.Delete(partition, colHistory, d.key); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) reverseCalendar(ctx context.Context, req *Request) error {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	if _, err := m.poster.DeleteCalendarEvent(cctx, req.CalendarRef); err != nil {
		return errors.Wrapf(err, "failed to delete calendar entry %s", req.CalendarRef)
	}
	req.CalendarRef = ""
	return m.store.Delete(req.Partition, colCalendar, req.ID)
}

// postWithRetry posts with bounded linear-backoff retries.
func (m *Manager) postWithRetry(ctx context.Context, title, content string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.PostRetries; attempt++ {
		if attempt > 0 {
			m.logger.Warnw("Retrying announcement post",
				"attempt", attempt, "max_retries", m.cfg.PostRetries, "error", lastErr)
			select {
			case <-ctx.Done():
				return "", errors.Wrap(errors.ErrPostFailed, ctx.Err().Error())
			case <-time.After(time.Duration(attempt) * m.cfg.RetryBackoff):
			}
		}

		cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		postID, err := m.poster.PostAnnouncement(cctx, title, content)
		cancel()
		if err == nil {
			return postID, nil
		}
		lastErr = err
	}
	return "", lastErr
}

// calendarCreateWithRetry mirrors postWithRetry for calendar creation.
func (m *Manager) calendarCreateWithRetry(ctx context.Context, title string, start, end time.Time) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.PostRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", errors.Wrap(errors.ErrCalendarFailed, ctx.Err().Error())
			case <-time.After(time.Duration(attempt) * m.cfg.RetryBackoff):
			}
		}

		cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		ref, err := m.poster.CreateCalendarEvent(cctx, title, start, end)
		cancel()
		if err == nil {
			return ref, nil
		}
		lastErr = err
	}
	return "", lastErr
}

func (m *Manager) broadcastTransition(partition, requestID, from, to string) {
	if m.broadcast != nil {
		m.broadcast.BroadcastTransition(partition, requestID, from, to)
	}
}
