// Package vrchat posts group announcements and manages group calendar
// entries through the VRChat HTTP API. Implements lifecycle.Poster.
//
// The API rate-limits aggressively, so every call passes through a token
// bucket. Authentication rides on saved session cookies; an expired session
// surfaces as errors.ErrUnauthorized and requires a fresh interactive login.
package vrchat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sayonatsu/herald/errors"
	"github.com/sayonatsu/herald/internal/httpclient"
)

const (
	defaultBaseURL   = "https://api.vrchat.cloud/api/1"
	defaultUserAgent = "herald/1.0 announcement-scheduler"
)

// Config holds the posting client configuration.
type Config struct {
	GroupID     string
	SessionFile string
	BaseURL     string  // override for tests
	UserAgent   string  // the API rejects default Go user agents
	RatePerMin  float64 // API calls per minute; 0 = 30
	Logger      *zap.SugaredLogger
}

// Client talks to the group API.
type Client struct {
	groupID     string
	baseURL     string
	userAgent   string
	sessionFile string
	sess        *session
	limiter     *rate.Limiter
	httpClient  *httpclient.SaferClient
	logger      *zap.SugaredLogger
}

// NewClient builds the client and loads the saved session. A missing or
// cookie-less session file is an errors.ErrUnauthorized.
func NewClient(cfg Config) (*Client, error) {
	if cfg.GroupID == "" {
		return nil, errors.New("group id not configured")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 30
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	sess, err := loadSession(cfg.SessionFile)
	if err != nil {
		return nil, err
	}

	return &Client{
		groupID:     cfg.GroupID,
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		userAgent:   cfg.UserAgent,
		sessionFile: cfg.SessionFile,
		sess:        sess,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerMin/60.0), 1),
		httpClient:  httpclient.NewSaferClient(30 * time.Second),
		logger:      cfg.Logger,
	}, nil
}

// Verify checks that the saved session is still accepted by the API.
// Called once at startup so an expired session fails fast.
func (c *Client) Verify(ctx context.Context) error {
	var user struct {
		DisplayName string `json:"displayName"`
	}
	if err := c.call(ctx, http.MethodGet, "/auth/user", nil, &user); err != nil {
		return err
	}
	c.logger.Infow("Session verified", "display_name", user.DisplayName)
	return nil
}

// PostAnnouncement publishes a group post with member notification.
func (c *Client) PostAnnouncement(ctx context.Context, title, content string) (string, error) {
	body := map[string]any{
		"title":            title,
		"text":             content,
		"sendNotification": true,
		"visibility":       "group",
	}

	var post struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, "/groups/"+c.groupID+"/posts", body, &post); err != nil {
		if errors.Is(err, errors.ErrUnauthorized) {
			return "", err
		}
		return "", errors.Wrapf(errors.ErrPostFailed, "group post failed: %v", err)
	}

	c.logger.Infow("Group post published", "group_id", c.groupID, "post_id", post.ID, "title", title)
	return post.ID, nil
}

// CreateCalendarEvent creates a public group calendar entry.
func (c *Client) CreateCalendarEvent(ctx context.Context, title string, start, end time.Time) (string, error) {
	body := map[string]any{
		"title":                    title,
		"startsAt":                 start.UTC().Format(time.RFC3339),
		"endsAt":                   end.UTC().Format(time.RFC3339),
		"accessType":               "public",
		"category":                 "other",
		"sendCreationNotification": false,
	}

	var event struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, "/calendar/"+c.groupID+"/event", body, &event); err != nil {
		if errors.Is(err, errors.ErrUnauthorized) {
			return "", err
		}
		return "", errors.Wrapf(errors.ErrCalendarFailed, "calendar event creation failed: %v", err)
	}

	c.logger.Infow("Calendar event created",
		"group_id", c.groupID, "event_id", event.ID,
		"starts_at", start.UTC().Format(time.RFC3339))
	return event.ID, nil
}

// DeleteCalendarEvent removes a group calendar entry. Deleting an already
// deleted entry reports false without error.
func (c *Client) DeleteCalendarEvent(ctx context.Context, calendarRef string) (bool, error) {
	err := c.call(ctx, http.MethodDelete, "/calendar/"+c.groupID+"/event/"+calendarRef, nil, nil)
	if err != nil {
		if errors.IsNotFound(err) {
			return false, nil
		}
		if errors.Is(err, errors.ErrUnauthorized) {
			return false, err
		}
		return false, errors.Wrapf(errors.ErrCalendarFailed, "calendar event deletion failed: %v", err)
	}

	c.logger.Infow("Calendar event deleted", "group_id", c.groupID, "event_id", calendarRef)
	return true, nil
}

// call performs one rate-limited API request with session cookies attached.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter interrupted")
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to marshal request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.AddCookie(&http.Cookie{Name: "auth", Value: c.sess.AuthCookie})
	if c.sess.TwoFactorAuthCookie != "" {
		req.AddCookie(&http.Cookie{Name: "twoFactorAuth", Value: c.sess.TwoFactorAuthCookie})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s failed", method, path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.Wrapf(errors.ErrUnauthorized, "session rejected by API (status %d)", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrapf(errors.ErrNotFound, "%s %s returned 404", method, path)
	case resp.StatusCode >= 400:
		return errors.Newf("%s %s failed with status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errors.Wrap(err, "failed to unmarshal response")
		}
	}
	return nil
}

// SetHTTPClient overrides the HTTP client. Only for tests against httptest
// servers on loopback.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = httpclient.WrapClient(client)
}
