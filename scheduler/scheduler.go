package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sayonatsu/herald/errors"
	"github.com/sayonatsu/herald/store"
)

// FireFunc is invoked exactly once per armed timer when its due time
// elapses. It is never invoked for a cancelled timer and never invoked twice
// for the same job id: cancellation and firing are mutually exclusive, and
// whichever wins first is final.
type FireFunc func(jobID, callbackKey string)

type armedJob struct {
	job   *Job
	timer *time.Timer
}

// Scheduler maintains the in-memory set of armed timers and is the sole
// writer of Job records in the durable store.
type Scheduler struct {
	store  *store.Store
	logger *zap.SugaredLogger
	now    func() time.Time

	mu     sync.Mutex
	armed  map[string]*armedJob
	onFire FireFunc
	closed bool
}

// New creates a scheduler over the durable store. Callers must register a
// fire callback with BindFire before arming timers.
func New(st *store.Store, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{
		store:  st,
		logger: log,
		now:    time.Now,
		armed:  make(map[string]*armedJob),
	}
}

// BindFire registers the callback invoked when a timer fires. It must be
// called once, before Schedule or Reconcile.
func (s *Scheduler) BindFire(fn FireFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFire = fn
}

// Schedule persists a job record and arms a timer for it. The due time must
// be in the future; a past due time is rejected with errors.ErrInvalidSchedule.
// The record is written and read back before the timer is armed, so a timer
// never exists without its durable counterpart.
func (s *Scheduler) Schedule(dueAt time.Time, callbackKey string) (string, error) {
	if !dueAt.After(s.now()) {
		return "", errors.Wrapf(errors.ErrInvalidSchedule, "due time %s is not in the future", dueAt.Format(time.RFC3339))
	}

	job := &Job{
		ID:          "job_" + uuid.NewString(),
		DueAt:       dueAt,
		CallbackKey: callbackKey,
		CreatedAt:   s.now(),
	}

	data, err := job.Marshal()
	if err != nil {
		return "", err
	}
	if err := s.store.Put(store.SharedPartition, Collection, job.ID, data); err != nil {
		return "", errors.Wrap(err, "failed to persist job")
	}

	// Confirm the write landed before arming. A store failure may have
	// partially applied; the timer must only exist for a durable record.
	if _, err := s.store.Get(store.SharedPartition, Collection, job.ID); err != nil {
		return "", errors.Wrap(err, "failed to confirm persisted job")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errors.New("scheduler is stopped")
	}
	s.arm(job)

	s.logger.Infow("Scheduled job",
		"job_id", job.ID,
		"due_at", job.DueAt.Format(time.RFC3339),
		"due_in", time.Until(job.DueAt).Round(time.Second))

	return job.ID, nil
}

// Cancel disarms the timer for jobID and removes its record. It is
// idempotent: the return value reports whether a timer was actually armed
// and is now removed. A job that has already fired (or was already
// cancelled) returns false with no side effect.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	aj, ok := s.armed[jobID]
	if ok {
		aj.timer.Stop()
		delete(s.armed, jobID)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	if err := s.store.Delete(store.SharedPartition, Collection, jobID); err != nil {
		// The timer is gone either way; a stale record is cleaned up on the
		// next reconcile pass.
		s.logger.Warnw("Failed to delete cancelled job record", "job_id", jobID, "error", err)
	}

	s.logger.Infow("Cancelled job", "job_id", jobID)
	return true
}

// Reconcile is used only by startup recovery. It re-arms timers for every
// job whose due time is still in the future and returns the subset already
// past due (missed jobs) without arming them, along with the number of
// timers actually armed by this call. Re-arming an already armed job id is
// a no-op (and not counted), so running reconcile twice yields the same
// armed set.
func (s *Scheduler) Reconcile(jobs []*Job) (missed []*Job, rearmed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, 0, errors.New("scheduler is stopped")
	}

	now := s.now()

	for _, job := range jobs {
		if !job.DueAt.After(now) {
			missed = append(missed, job)
			if err := s.store.Delete(store.SharedPartition, Collection, job.ID); err != nil {
				s.logger.Warnw("Failed to delete missed job record", "job_id", job.ID, "error", err)
			}
			continue
		}

		if _, already := s.armed[job.ID]; already {
			continue
		}

		data, err := job.Marshal()
		if err != nil {
			return nil, 0, err
		}
		if err := s.store.Put(store.SharedPartition, Collection, job.ID, data); err != nil {
			return nil, 0, errors.Wrapf(err, "failed to re-persist job %s", job.ID)
		}
		s.arm(job)
		rearmed++
	}

	s.logger.Infow("Reconciled jobs",
		"total", len(jobs),
		"rearmed", rearmed,
		"missed", len(missed))

	return missed, rearmed, nil
}

// LoadJobs reads every persisted job record. Exposed for recovery and for
// administrative listing; the scheduler remains the only writer.
func (s *Scheduler) LoadJobs() ([]*Job, error) {
	entries, err := s.store.List(store.SharedPartition, Collection)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load job records")
	}

	jobs := make([]*Job, 0, len(entries))
	for _, entry := range entries {
		job, err := UnmarshalJob(entry.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt job record %s", entry.Key)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ArmedCount returns the number of currently armed timers.
func (s *Scheduler) ArmedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.armed)
}

// NextDue returns the earliest due time among armed timers, or nil when
// nothing is armed. Used by the daemon status log.
func (s *Scheduler) NextDue() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *time.Time
	for _, aj := range s.armed {
		due := aj.job.DueAt
		if next == nil || due.Before(*next) {
			next = &due
		}
	}
	return next
}

// Stop disarms all in-memory timers without touching their durable records,
// so they re-arm on the next start. The scheduler accepts no further work.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, aj := range s.armed {
		aj.timer.Stop()
		delete(s.armed, id)
	}
	s.closed = true
	s.logger.Infow("Scheduler stopped")
}

// arm registers an in-memory timer for the job. Caller must hold s.mu.
func (s *Scheduler) arm(job *Job) {
	jobID := job.ID
	s.armed[jobID] = &armedJob{
		job:   job,
		timer: time.AfterFunc(time.Until(job.DueAt), func() { s.fire(jobID) }),
	}
}

// fire runs when a timer elapses. Membership in the armed set is checked and
// cleared under the mutex, which makes firing and cancellation mutually
// exclusive: if Cancel won the race the job is gone and fire is a no-op.
func (s *Scheduler) fire(jobID string) {
	s.mu.Lock()
	aj, ok := s.armed[jobID]
	if ok {
		delete(s.armed, jobID)
	}
	onFire := s.onFire
	s.mu.Unlock()

	if !ok {
		return
	}

	if err := s.store.Delete(store.SharedPartition, Collection, jobID); err != nil {
		s.logger.Warnw("Failed to delete fired job record", "job_id", jobID, "error", err)
	}

	s.logger.Infow("Job fired", "job_id", jobID, "callback_key", aj.job.CallbackKey)

	if onFire != nil {
		onFire(jobID, aj.job.CallbackKey)
	}
}
