package vrchat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sayonatsu/herald/errors"
)

func writeSessionFile(t *testing.T, s *session) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, saveSession(path, s))
	return path
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		GroupID:     "grp_123",
		SessionFile: writeSessionFile(t, &session{AuthCookie: "authcookie-abc", TwoFactorAuthCookie: "tfa-xyz"}),
		BaseURL:     srv.URL,
		RatePerMin:  6000, // effectively unthrottled for tests
	})
	require.NoError(t, err)
	c.SetHTTPClient(srv.Client())
	return c
}

func cookieValue(r *http.Request, name string) string {
	if c, err := r.Cookie(name); err == nil {
		return c.Value
	}
	return ""
}

func TestPostAnnouncement(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/groups/grp_123/posts", r.URL.Path)
		assert.Equal(t, "authcookie-abc", cookieValue(r, "auth"))
		assert.Equal(t, "tfa-xyz", cookieValue(r, "twoFactorAuth"))
		assert.NotContains(t, r.Header.Get("User-Agent"), "Go-http-client")

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Summer Meetup", body["title"])
		assert.Equal(t, true, body["sendNotification"])

		w.Write([]byte(`{"id":"gpos_1"}`))
	})

	id, err := c.PostAnnouncement(context.Background(), "Summer Meetup", "Join us.")
	require.NoError(t, err)
	assert.Equal(t, "gpos_1", id)
}

func TestPostAnnouncementFailureWrapsSentinel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"upstream broke"}`))
	})

	_, err := c.PostAnnouncement(context.Background(), "T", "C")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPostFailed))
}

func TestExpiredSessionSurfacesUnauthorized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.PostAnnouncement(context.Background(), "T", "C")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
	assert.False(t, errors.Is(err, errors.ErrPostFailed))
}

func TestCreateCalendarEvent(t *testing.T) {
	start := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calendar/grp_123/event", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "2026-09-01T12:00:00Z", body["startsAt"])
		assert.Equal(t, "2026-09-01T14:00:00Z", body["endsAt"])

		w.Write([]byte(`{"id":"cal_1"}`))
	})

	ref, err := c.CreateCalendarEvent(context.Background(), "Dance Night", start, end)
	require.NoError(t, err)
	assert.Equal(t, "cal_1", ref)
}

func TestDeleteCalendarEvent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/calendar/grp_123/event/cal_1", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})

	deleted, err := c.DeleteCalendarEvent(context.Background(), "cal_1")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestDeleteCalendarEventAlreadyGone(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	deleted, err := c.DeleteCalendarEvent(context.Background(), "cal_gone")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestVerify(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/user", r.URL.Path)
		w.Write([]byte(`{"displayName":"HeraldBot"}`))
	})
	assert.NoError(t, c.Verify(context.Background()))
}

func TestSessionRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, saveSession(path, &session{AuthCookie: "abc", TwoFactorAuthCookie: "def"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	s, err := loadSession(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", s.AuthCookie)
	assert.Equal(t, "def", s.TwoFactorAuthCookie)
}

func TestLoadSessionMissingFile(t *testing.T) {
	_, err := loadSession(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
}

func TestLoadSessionWithoutAuthCookie(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"twoFactorAuthCookie":"only"}`), 0o600))

	_, err := loadSession(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
}
