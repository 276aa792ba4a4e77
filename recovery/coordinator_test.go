package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sayonatsu/herald/errors"
	herotesting "github.com/sayonatsu/herald/internal/testing"
	"github.com/sayonatsu/herald/lifecycle"
	"github.com/sayonatsu/herald/notify"
	"github.com/sayonatsu/herald/scheduler"
	"github.com/sayonatsu/herald/store"
)

type fixedExtractor struct{ postAt time.Time }

func (f *fixedExtractor) Extract(_ context.Context, _ string) (*lifecycle.Extracted, error) {
	return &lifecycle.Extracted{Title: "Meetup", Content: "Details", PostAt: f.postAt}, nil
}

type countingPoster struct{ posts int }

func (p *countingPoster) PostAnnouncement(_ context.Context, _, _ string) (string, error) {
	p.posts++
	return "post-1", nil
}

func (p *countingPoster) CreateCalendarEvent(_ context.Context, _ string, _, _ time.Time) (string, error) {
	return "cal-1", nil
}

func (p *countingPoster) DeleteCalendarEvent(_ context.Context, _ string) (bool, error) {
	return true, nil
}

type openAuth struct{}

func (openAuth) IsApprover(_, _ string) bool { return true }

// session bundles one process lifetime's components over a shared database.
type session struct {
	sched   *scheduler.Scheduler
	manager *lifecycle.Manager
	poster  *countingPoster
}

func newSession(t *testing.T, st *store.Store, extractor *fixedExtractor) *session {
	t.Helper()
	log := zap.NewNop().Sugar()
	sched := scheduler.New(st, log)
	poster := &countingPoster{}
	cfg := lifecycle.Config{HistoryCapacity: 10, PostRetries: 0, RetryBackoff: time.Millisecond, CallTimeout: time.Second}
	m := lifecycle.NewManager(st, sched, extractor, poster, notify.NewLogNotifier(log), openAuth{}, cfg, log)
	return &session{sched: sched, manager: m, poster: poster}
}

func (s *session) book(t *testing.T, partition, requestID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.manager.Dispatch(ctx, lifecycle.Event{
		Kind: lifecycle.EventSubmitted, Partition: partition, RequestID: requestID,
		Origin: "chan/" + requestID, Requester: "user-1", RawText: "announce",
	}))
	require.NoError(t, s.manager.Dispatch(ctx, lifecycle.Event{
		Kind: lifecycle.EventApprovalAdded, Partition: partition, RequestID: requestID, Actor: "approver-1",
	}))
}

func TestRecoveryRearmsFutureJobs(t *testing.T) {
	conn := herotesting.CreateTestDB(t)
	st := store.NewStore(conn)

	first := newSession(t, st, &fixedExtractor{postAt: time.Now().Add(time.Hour)})
	first.book(t, "guild-100", "req_1")
	first.sched.Stop() // simulated shutdown; durable records remain

	second := newSession(t, st, &fixedExtractor{postAt: time.Now().Add(time.Hour)})
	t.Cleanup(second.sched.Stop)

	coord := NewCoordinator(st, second.sched, second.manager, zap.NewNop().Sugar())
	res, err := coord.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Rearmed)
	assert.Zero(t, res.Expired)
	assert.Equal(t, 1, second.sched.ArmedCount())
	assert.Zero(t, second.poster.posts)
}

func TestRecoveryExpiresMissedJobs(t *testing.T) {
	conn := herotesting.CreateTestDB(t)
	st := store.NewStore(conn)

	first := newSession(t, st, &fixedExtractor{postAt: time.Now().Add(30 * time.Millisecond)})
	first.book(t, "guild-100", "req_1")
	first.sched.Stop()

	// Let the posting window pass while "down".
	time.Sleep(60 * time.Millisecond)

	second := newSession(t, st, &fixedExtractor{})
	t.Cleanup(second.sched.Stop)

	coord := NewCoordinator(st, second.sched, second.manager, zap.NewNop().Sugar())
	res, err := coord.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Expired)
	assert.Zero(t, res.Rearmed)
	assert.Zero(t, second.sched.ArmedCount())
	assert.Zero(t, second.poster.posts, "missed announcements are never posted late")

	hist, err := second.manager.History("guild-100")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, lifecycle.StateExpired, hist[0].State)
}

func TestRecoveryIsIdempotent(t *testing.T) {
	conn := herotesting.CreateTestDB(t)
	st := store.NewStore(conn)

	first := newSession(t, st, &fixedExtractor{postAt: time.Now().Add(20 * time.Millisecond)})
	first.book(t, "guild-100", "req_missed")
	first.sched.Stop()

	time.Sleep(40 * time.Millisecond)

	second := newSession(t, st, &fixedExtractor{postAt: time.Now().Add(time.Hour)})
	second.book(t, "guild-200", "req_future")
	t.Cleanup(second.sched.Stop)

	coord := NewCoordinator(st, second.sched, second.manager, zap.NewNop().Sugar())

	res1, err := coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res1.Expired)
	armedAfterFirst := second.sched.ArmedCount()

	res2, err := coord.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res2.Expired)
	assert.Zero(t, res2.Rearmed, "second pass arms nothing new")
	assert.Equal(t, armedAfterFirst, second.sched.ArmedCount())

	hist, err := second.manager.History("guild-100")
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

// A store failure can interrupt a cancellation after the history record
// lands but before the active records are removed. The surviving
// cross-reference must never be re-armed: a booking recorded cancelled in
// history must not post after a restart.
func TestRecoveryNeverRearmsFinalizedRequests(t *testing.T) {
	conn := herotesting.CreateTestDB(t)
	st := store.NewStore(conn)

	first := newSession(t, st, &fixedExtractor{postAt: time.Now().Add(50 * time.Millisecond)})
	first.book(t, "guild-100", "req_1")

	// Reconstruct the torn state: timer disarmed and scheduler record gone,
	// cancellation written to history, active record and cross-reference
	// still present.
	data, err := st.Get("guild-100", "pending", "req_1")
	require.NoError(t, err)
	req, err := lifecycle.UnmarshalRequest(data)
	require.NoError(t, err)
	require.True(t, first.sched.Cancel(req.JobID))

	hist := *req
	hist.State = lifecycle.StateCancelled
	hist.JobID = ""
	hist.Reason = "approval removed"
	histData, err := hist.Marshal()
	require.NoError(t, err)
	require.NoError(t, st.Put("guild-100", "history", "req_1", histData))
	first.sched.Stop()

	// Retrying the cancellation is a no-op; the timer is already gone.
	require.NoError(t, first.manager.Dispatch(context.Background(), lifecycle.Event{
		Kind: lifecycle.EventApprovalRemoved, Partition: "guild-100", RequestID: "req_1",
	}))

	second := newSession(t, st, &fixedExtractor{})
	t.Cleanup(second.sched.Stop)

	coord := NewCoordinator(st, second.sched, second.manager, zap.NewNop().Sugar())
	res, err := coord.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, res.Rearmed, "a cancelled booking must never re-arm")
	assert.Zero(t, second.sched.ArmedCount())

	// The window passes; nothing posts.
	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, second.poster.posts)
	assert.Zero(t, first.poster.posts)

	// The interrupted cleanup was completed.
	_, err = st.Get("guild-100", "pending", "req_1")
	assert.True(t, errors.IsNotFound(err))
	_, err = st.Get("guild-100", "queued", "req_1")
	assert.True(t, errors.IsNotFound(err))

	hist2, err := second.manager.History("guild-100")
	require.NoError(t, err)
	require.Len(t, hist2, 1)
	assert.Equal(t, lifecycle.StateCancelled, hist2[0].State)
}

func TestRecoveryDropsOrphanedJobRecords(t *testing.T) {
	conn := herotesting.CreateTestDB(t)
	st := store.NewStore(conn)

	second := newSession(t, st, &fixedExtractor{})
	t.Cleanup(second.sched.Stop)

	// A job record with no owning request, as left by an interrupted
	// shutdown between the scheduler write and the lifecycle write.
	_, err := second.sched.Schedule(time.Now().Add(time.Hour), "guild-999/req_ghost")
	require.NoError(t, err)

	coord := NewCoordinator(st, second.sched, second.manager, zap.NewNop().Sugar())
	res, err := coord.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Orphaned)
	assert.Zero(t, second.sched.ArmedCount())

	jobs, err := second.sched.LoadJobs()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
