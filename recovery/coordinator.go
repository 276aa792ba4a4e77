// Package recovery rebuilds the scheduler's armed timers from durable state
// at process startup. It runs before any new events are accepted so a
// restart never loses a booking silently: future jobs are re-armed, jobs
// whose window passed during downtime are expired with notification.
package recovery

import (
	"context"

	"go.uber.org/zap"

	"github.com/sayonatsu/herald/errors"
	"github.com/sayonatsu/herald/lifecycle"
	"github.com/sayonatsu/herald/scheduler"
	"github.com/sayonatsu/herald/store"
)

// Coordinator walks every partition's queued cross-references and reconciles
// them against the scheduler.
type Coordinator struct {
	store   *store.Store
	sched   *scheduler.Scheduler
	manager *lifecycle.Manager
	logger  *zap.SugaredLogger
}

// NewCoordinator wires a recovery pass over the given components.
func NewCoordinator(st *store.Store, sched *scheduler.Scheduler, manager *lifecycle.Manager, log *zap.SugaredLogger) *Coordinator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Coordinator{store: st, sched: sched, manager: manager, logger: log}
}

// Result summarizes one recovery pass.
type Result struct {
	Partitions int
	Rearmed    int
	Expired    int
	Orphaned   int
}

// Run performs the recovery pass. Idempotent: a second run over the same
// state re-arms nothing new and expires nothing new.
//
// The per-partition cross-references written by the lifecycle are the source
// of truth for which requests hold bookings; scheduler job records with no
// owning request are orphans from an interrupted shutdown and are dropped.
func (c *Coordinator) Run(ctx context.Context) (*Result, error) {
	partitions, err := c.store.Partitions()
	if err != nil {
		return nil, errors.Wrap(err, "failed to enumerate partitions")
	}

	res := &Result{Partitions: len(partitions)}
	owned := make(map[string]bool)

	for _, partition := range partitions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		xrefs, err := c.manager.QueuedJobs(partition)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load queued jobs for partition %s", partition)
		}
		if len(xrefs) == 0 {
			continue
		}

		jobs := make([]*scheduler.Job, 0, len(xrefs))
		for _, job := range xrefs {
			jobs = append(jobs, job)
			owned[job.ID] = true
		}

		missed, rearmed, err := c.sched.Reconcile(jobs)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to reconcile partition %s", partition)
		}
		res.Rearmed += rearmed

		for _, job := range missed {
			_, requestID, err := lifecycle.ParseCallbackKey(job.CallbackKey)
			if err != nil {
				c.logger.Errorw("Missed job carries malformed callback key",
					"job_id", job.ID, "callback_key", job.CallbackKey, "error", err)
				continue
			}
			if err := c.manager.ExpireMissed(ctx, partition, requestID); err != nil {
				return nil, errors.Wrapf(err, "failed to expire missed request %s/%s", partition, requestID)
			}
			res.Expired++
		}
	}

	orphaned, err := c.dropOrphans(owned)
	if err != nil {
		return nil, err
	}
	res.Orphaned = orphaned

	c.logger.Infow("Recovery complete",
		"partitions", res.Partitions,
		"rearmed", res.Rearmed,
		"expired", res.Expired,
		"orphaned", res.Orphaned)
	return res, nil
}

// dropOrphans deletes scheduler job records no request references. Armed
// in-memory timers cannot be orphans here because recovery runs before any
// new scheduling; only durable leftovers qualify.
func (c *Coordinator) dropOrphans(owned map[string]bool) (int, error) {
	jobs, err := c.sched.LoadJobs()
	if err != nil {
		return 0, err
	}

	dropped := 0
	for _, job := range jobs {
		if owned[job.ID] {
			continue
		}
		if !c.sched.Cancel(job.ID) {
			// Not armed; remove the stale record directly.
			if err := c.store.Delete(store.SharedPartition, scheduler.Collection, job.ID); err != nil {
				return dropped, errors.Wrapf(err, "failed to drop orphaned job %s", job.ID)
			}
		}
		c.logger.Warnw("Dropped orphaned job record",
			"job_id", job.ID, "callback_key", job.CallbackKey)
		dropped++
	}
	return dropped, nil
}
