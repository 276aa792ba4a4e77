// Package scheduler provides durable one-shot job timers for herald.
//
// The scheduler has zero lifecycle knowledge: jobs are addressed by opaque id
// and carry an opaque callback key that the owner uses to resolve what to run.
// Job records are data in the durable store, not live timer objects, until
// Reconcile re-arms them after a restart.
package scheduler

import (
	"encoding/json"
	"time"

	"github.com/sayonatsu/herald/errors"
)

// Collection is the shared-partition collection holding scheduler job records.
const Collection = "jobs"

// Job is a scheduler-level timer record. It is created when a timer is armed
// and destroyed on fire or explicit cancellation; reschedule is always
// cancel-and-recreate, never mutation in place.
type Job struct {
	ID          string    `json:"id"`
	DueAt       time.Time `json:"due_at"`
	CallbackKey string    `json:"callback_key"`
	CreatedAt   time.Time `json:"created_at"`
}

// Marshal serializes the job for the durable store.
func (j *Job) Marshal() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal job")
	}
	return data, nil
}

// UnmarshalJob deserializes a job record from the durable store.
func UnmarshalJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal job")
	}
	return &job, nil
}
