package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sayonatsu/herald/errors"
	herotesting "github.com/sayonatsu/herald/internal/testing"
	"github.com/sayonatsu/herald/lifecycle"
	"github.com/sayonatsu/herald/store"
)

type fakeLifecycle struct {
	active    []lifecycle.ActiveRequest
	history   []*lifecycle.Request
	cancelled []string
	cancelErr error
}

func (f *fakeLifecycle) ListActive(_ string) ([]lifecycle.ActiveRequest, error) {
	return f.active, nil
}

func (f *fakeLifecycle) History(_ string) ([]*lifecycle.Request, error) {
	return f.history, nil
}

func (f *fakeLifecycle) Dispatch(_ context.Context, ev lifecycle.Event) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, ev.JobID)
	return nil
}

type fakeSchedule struct {
	armed int
	next  *time.Time
}

func (f *fakeSchedule) ArmedCount() int     { return f.armed }
func (f *fakeSchedule) NextDue() *time.Time { return f.next }

func newTestServer(t *testing.T, manager *fakeLifecycle, sched *fakeSchedule) (*Server, *httptest.Server) {
	t.Helper()
	conn := herotesting.CreateTestDB(t)
	st := store.NewStore(conn)

	s := New("127.0.0.1:0", manager, sched, st, zap.NewNop().Sugar())
	ts := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(ts.Close)
	t.Cleanup(s.hub.Close)
	return s, ts
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t, &fakeLifecycle{}, &fakeSchedule{})

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	due := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	_, ts := newTestServer(t, &fakeLifecycle{}, &fakeSchedule{armed: 2, next: &due})

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, float64(2), status["armed_timers"])
	assert.Equal(t, "2026-09-01T12:00:00Z", status["next_due"])
}

func TestListRequestsRequiresPartition(t *testing.T) {
	_, ts := newTestServer(t, &fakeLifecycle{}, &fakeSchedule{})

	resp, err := http.Get(ts.URL + "/api/requests")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListRequests(t *testing.T) {
	due := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	manager := &fakeLifecycle{
		active: []lifecycle.ActiveRequest{
			{RequestID: "req_1", State: "queued", Title: "Meetup", JobID: "job_1", DueAt: &due},
		},
	}
	_, ts := newTestServer(t, manager, &fakeSchedule{})

	resp, err := http.Get(ts.URL + "/api/requests?partition=guild-100")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Partition string                    `json:"partition"`
		Requests  []lifecycle.ActiveRequest `json:"requests"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "guild-100", body.Partition)
	require.Len(t, body.Requests, 1)
	assert.Equal(t, "req_1", body.Requests[0].RequestID)
}

func TestCancelEndpoint(t *testing.T) {
	manager := &fakeLifecycle{}
	_, ts := newTestServer(t, manager, &fakeSchedule{})

	body, _ := json.Marshal(cancelRequest{Partition: "guild-100", JobID: "job_1"})
	resp, err := http.Post(ts.URL+"/api/cancel", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"job_1"}, manager.cancelled)
}

func TestCancelUnknownJobReturns404(t *testing.T) {
	manager := &fakeLifecycle{cancelErr: errors.Wrap(errors.ErrNotFound, "no queued request owns job")}
	_, ts := newTestServer(t, manager, &fakeSchedule{})

	body, _ := json.Marshal(cancelRequest{Partition: "guild-100", JobID: "job_gone"})
	resp, err := http.Post(ts.URL+"/api/cancel", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelValidation(t *testing.T) {
	_, ts := newTestServer(t, &fakeLifecycle{}, &fakeSchedule{})

	resp, err := http.Post(ts.URL+"/api/cancel", "application/json", strings.NewReader(`{"partition":""}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketReceivesTransitions(t *testing.T) {
	s, ts := newTestServer(t, &fakeLifecycle{}, &fakeSchedule{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Wait until the hub has registered the client.
	require.Eventually(t, func() bool {
		return s.Hub().ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	s.Hub().BroadcastTransition("guild-100", "req_1", "pending", "queued")

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var msg TransitionMessage
	require.NoError(t, conn.ReadJSON(&msg))

	assert.Equal(t, "transition", msg.Type)
	assert.Equal(t, "guild-100", msg.Partition)
	assert.Equal(t, "req_1", msg.RequestID)
	assert.Equal(t, "pending", msg.From)
	assert.Equal(t, "queued", msg.To)
}

func TestHubDropsMessagesForSlowClients(t *testing.T) {
	hub := NewHub(zap.NewNop().Sugar())

	// A client that never drains its channel.
	c := &wsClient{hub: hub, send: make(chan *TransitionMessage, 1), id: "ws_slow"}
	hub.clients[c] = struct{}{}

	// Second broadcast overflows the buffer without blocking.
	done := make(chan struct{})
	go func() {
		hub.BroadcastTransition("g", "r1", "pending", "queued")
		hub.BroadcastTransition("g", "r2", "pending", "queued")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}
	assert.Len(t, c.send, 1)
}
