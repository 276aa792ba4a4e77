package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sayonatsu/herald/errors"
	heraldtest "github.com/sayonatsu/herald/internal/testing"
	"github.com/sayonatsu/herald/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	st := store.NewStore(heraldtest.CreateTestDB(t))
	s := New(st, nil)
	t.Cleanup(s.Stop)
	return s, st
}

func TestScheduleRejectsPastDueTime(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.BindFire(func(string, string) {})

	_, err := s.Schedule(time.Now().Add(-time.Minute), "srv_1/req_1")
	assert.True(t, errors.Is(err, errors.ErrInvalidSchedule))
	assert.Equal(t, 0, s.ArmedCount())
}

func TestSchedulePersistsJobRecord(t *testing.T) {
	s, st := newTestScheduler(t)
	s.BindFire(func(string, string) {})

	jobID, err := s.Schedule(time.Now().Add(time.Hour), "srv_1/req_1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.ArmedCount())

	data, err := st.Get(store.SharedPartition, Collection, jobID)
	require.NoError(t, err)

	job, err := UnmarshalJob(data)
	require.NoError(t, err)
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, "srv_1/req_1", job.CallbackKey)
}

func TestFireInvokesCallbackExactlyOnce(t *testing.T) {
	s, st := newTestScheduler(t)

	var fires atomic.Int32
	done := make(chan struct{})
	s.BindFire(func(jobID, callbackKey string) {
		assert.Equal(t, "srv_1/req_1", callbackKey)
		if fires.Add(1) == 1 {
			close(done)
		}
	})

	jobID, err := s.Schedule(time.Now().Add(20*time.Millisecond), "srv_1/req_1")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}

	// Give any erroneous second fire a chance to show up
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fires.Load())
	assert.Equal(t, 0, s.ArmedCount())

	// Record destroyed on fire
	_, err = st.Get(store.SharedPartition, Collection, jobID)
	assert.True(t, errors.IsNotFound(err))
}

func TestCancelIsIdempotent(t *testing.T) {
	s, st := newTestScheduler(t)
	s.BindFire(func(string, string) { t.Error("cancelled job must not fire") })

	jobID, err := s.Schedule(time.Now().Add(time.Hour), "srv_1/req_1")
	require.NoError(t, err)

	assert.True(t, s.Cancel(jobID))
	assert.False(t, s.Cancel(jobID), "second cancel must return false")
	assert.False(t, s.Cancel("job_unknown"))
	assert.Equal(t, 0, s.ArmedCount())

	_, err = st.Get(store.SharedPartition, Collection, jobID)
	assert.True(t, errors.IsNotFound(err))
}

// TestCancelFireRace exercises the mutual-exclusion guarantee: a concurrent
// cancel and fire of the same job id yields exactly one winner, never both,
// never neither.
func TestCancelFireRace(t *testing.T) {
	for i := 0; i < 100; i++ {
		s, _ := newTestScheduler(t)

		var fired atomic.Int32
		s.BindFire(func(string, string) { fired.Add(1) })

		jobID, err := s.Schedule(time.Now().Add(time.Hour), "srv_1/req_race")
		require.NoError(t, err)

		var cancelled atomic.Bool
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			cancelled.Store(s.Cancel(jobID))
		}()
		go func() {
			defer wg.Done()
			s.fire(jobID)
		}()
		wg.Wait()

		if cancelled.Load() {
			assert.Equal(t, int32(0), fired.Load(), "cancel won, fire must be a no-op")
		} else {
			assert.Equal(t, int32(1), fired.Load(), "fire won, it must have run exactly once")
		}
		assert.Equal(t, 0, s.ArmedCount())
		s.Stop()
	}
}

func TestReconcileSplitsFutureAndMissed(t *testing.T) {
	s, st := newTestScheduler(t)
	s.BindFire(func(string, string) {})

	now := time.Now()
	jobs := []*Job{
		{ID: "job_past", DueAt: now.Add(-24 * time.Hour), CallbackKey: "srv_1/req_past", CreatedAt: now.Add(-48 * time.Hour)},
		{ID: "job_future", DueAt: now.Add(time.Hour), CallbackKey: "srv_1/req_future", CreatedAt: now.Add(-time.Hour)},
	}

	missed, rearmed, err := s.Reconcile(jobs)
	require.NoError(t, err)

	require.Len(t, missed, 1)
	assert.Equal(t, "job_past", missed[0].ID)
	assert.Equal(t, 1, rearmed)
	assert.Equal(t, 1, s.ArmedCount())

	// Future job record is durable again, missed record is gone
	_, err = st.Get(store.SharedPartition, Collection, "job_future")
	assert.NoError(t, err)
	_, err = st.Get(store.SharedPartition, Collection, "job_past")
	assert.True(t, errors.IsNotFound(err))
}

// Running reconcile twice in a row produces the same armed set: already
// armed jobs are skipped and not counted as re-armed, missed jobs are
// reported again without arming.
func TestReconcileIsIdempotent(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.BindFire(func(string, string) {})

	now := time.Now()
	jobs := []*Job{
		{ID: "job_a", DueAt: now.Add(time.Hour), CallbackKey: "srv_1/req_a", CreatedAt: now},
		{ID: "job_b", DueAt: now.Add(2 * time.Hour), CallbackKey: "srv_1/req_b", CreatedAt: now},
		{ID: "job_late", DueAt: now.Add(-time.Hour), CallbackKey: "srv_1/req_late", CreatedAt: now},
	}

	missed1, rearmed1, err := s.Reconcile(jobs)
	require.NoError(t, err)
	armed1 := s.ArmedCount()

	missed2, rearmed2, err := s.Reconcile(jobs)
	require.NoError(t, err)
	armed2 := s.ArmedCount()

	assert.Equal(t, armed1, armed2)
	assert.Equal(t, 2, armed2)
	assert.Equal(t, 2, rearmed1)
	assert.Zero(t, rearmed2, "already armed jobs are not work done again")
	assert.Len(t, missed1, 1)
	assert.Len(t, missed2, 1)
	assert.Equal(t, missed1[0].ID, missed2[0].ID)
}

func TestLoadJobsRoundTrip(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.BindFire(func(string, string) {})

	_, err := s.Schedule(time.Now().Add(time.Hour), "srv_1/req_1")
	require.NoError(t, err)
	_, err = s.Schedule(time.Now().Add(2*time.Hour), "srv_2/req_2")
	require.NoError(t, err)

	jobs, err := s.LoadJobs()
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestNextDue(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.BindFire(func(string, string) {})

	assert.Nil(t, s.NextDue())

	soon := time.Now().Add(time.Hour)
	later := time.Now().Add(3 * time.Hour)
	_, err := s.Schedule(later, "srv_1/req_later")
	require.NoError(t, err)
	_, err = s.Schedule(soon, "srv_1/req_soon")
	require.NoError(t, err)

	next := s.NextDue()
	require.NotNil(t, next)
	assert.WithinDuration(t, soon, *next, time.Second)
}

func TestStopDisarmsWithoutDeletingRecords(t *testing.T) {
	s, st := newTestScheduler(t)
	s.BindFire(func(string, string) { t.Error("must not fire after stop") })

	jobID, err := s.Schedule(time.Now().Add(50*time.Millisecond), "srv_1/req_1")
	require.NoError(t, err)

	s.Stop()
	assert.Equal(t, 0, s.ArmedCount())

	time.Sleep(100 * time.Millisecond)

	// Record survives for the next start's reconcile
	_, err = st.Get(store.SharedPartition, Collection, jobID)
	assert.NoError(t, err)

	_, err = s.Schedule(time.Now().Add(time.Hour), "srv_1/req_2")
	assert.Error(t, err)
}
