// Package extract turns free-form announcement text into the structured
// fields the lifecycle needs, using an OpenRouter-hosted model. The model is
// asked for strict JSON; responses wrapped in markdown code fences are
// unwrapped before parsing.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/sayonatsu/herald/errors"
	"github.com/sayonatsu/herald/internal/httpclient"
	"github.com/sayonatsu/herald/lifecycle"
)

// DefaultModel is the fallback model when none is configured.
const DefaultModel = "openai/gpt-4o-mini"

const defaultBaseURL = "https://openrouter.ai/api/v1"

// Config holds extraction client configuration.
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string             // override for tests; defaults to OpenRouter
	Timezone    string             // IANA zone the announcement times are written in
	Temperature float64
	MaxTokens   int
	Logger      *zap.SugaredLogger // nil = nop logger
}

// Client calls the extraction model. Implements lifecycle.Extractor.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	loc         *time.Location
	httpClient  *httpclient.SaferClient
	logger      *zap.SugaredLogger
	now         func() time.Time
}

// NewClient builds the extraction client. The timezone must be a valid IANA
// zone name; announcement times in submitted text are interpreted in it.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("extraction API key not configured")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Asia/Tokyo"
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.2
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid timezone %q", cfg.Timezone)
	}

	return &Client{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		loc:         loc,
		httpClient:  httpclient.NewSaferClient(120 * time.Second),
		logger:      cfg.Logger,
		now:         time.Now,
	}, nil
}

const systemPrompt = `You extract announcement details from chat messages.
Reply with ONLY a JSON object, no markdown and no explanation:
{
  "date": "YYYY-MM-DD",
  "time": "HH:MM",
  "title": "announcement title",
  "content": "announcement body",
  "event_title": "optional in-world event name, empty if none",
  "event_start": "optional YYYY-MM-DD HH:MM, empty if none",
  "event_end": "optional YYYY-MM-DD HH:MM, empty if none"
}
date and time are when the announcement should be posted. All times are
local to the community's timezone. If the message names an event with its
own start and end, fill the event_* fields; otherwise leave them empty.`

// payload is the JSON shape the model is instructed to return.
type payload struct {
	Date       string `json:"date"`
	Time       string `json:"time"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	EventTitle string `json:"event_title"`
	EventStart string `json:"event_start"`
	EventEnd   string `json:"event_end"`
}

// Extract implements lifecycle.Extractor. All failures wrap
// errors.ErrExtractionFailed so callers can treat them as recoverable.
func (c *Client) Extract(ctx context.Context, rawText string) (*lifecycle.Extracted, error) {
	content, err := c.chat(ctx, rawText)
	if err != nil {
		return nil, err
	}

	cleaned := stripCodeFence(content)

	var p payload
	if err := json.Unmarshal([]byte(cleaned), &p); err != nil {
		c.logger.Warnw("Model returned non-JSON payload",
			"model", c.model, "response", truncate(content, 200))
		return nil, errors.Wrapf(errors.ErrExtractionFailed, "model response is not valid JSON: %v", err)
	}
	if p.Title == "" || p.Content == "" {
		return nil, errors.Wrap(errors.ErrExtractionFailed, "model response missing title or content")
	}

	postAt, err := c.parseLocalTime(p.Date, p.Time)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrExtractionFailed, "bad post time %q %q: %v", p.Date, p.Time, err)
	}

	extracted := &lifecycle.Extracted{
		Title:      p.Title,
		Content:    p.Content,
		PostAt:     postAt,
		EventTitle: p.EventTitle,
	}

	if p.EventStart != "" && p.EventEnd != "" {
		start, err := c.parseEventTime(p.EventStart)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrExtractionFailed, "bad event start %q: %v", p.EventStart, err)
		}
		end, err := c.parseEventTime(p.EventEnd)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrExtractionFailed, "bad event end %q: %v", p.EventEnd, err)
		}
		if !end.After(start) {
			return nil, errors.Wrap(errors.ErrExtractionFailed, "event end not after event start")
		}
		extracted.EventStart = &start
		extracted.EventEnd = &end
	}

	c.logger.Debugw("Extraction complete",
		"title", extracted.Title,
		"post_at", extracted.PostAt.Format(time.RFC3339),
		"has_event", extracted.HasEventWindow())
	return extracted, nil
}

func (c *Client) parseLocalTime(date, clock string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02 15:04", date+" "+clock, c.loc)
}

func (c *Client) parseEventTime(s string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02 15:04", s, c.loc)
}

// --- chat completion plumbing ---

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

const maxAttempts = 3

// chat sends the completion request with retries on network errors.
func (c *Client) chat(ctx context.Context, rawText string) (string, error) {
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: rawText},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	var resp *chatResponse
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * time.Second
			c.logger.Debugw("Retrying extraction request",
				"attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return "", errors.Wrap(errors.ErrExtractionFailed, ctx.Err().Error())
			case <-time.After(delay):
			}
		}

		resp, err = c.createChatCompletion(ctx, req)
		if err == nil {
			break
		}

		c.logger.Warnw("Extraction API error",
			"attempt", attempt+1, "model", c.model, "error", err)
		if !isRetryableError(err) {
			return "", errors.Wrapf(errors.ErrExtractionFailed, "extraction API error: %v", err)
		}
	}
	if err != nil {
		return "", errors.Wrapf(errors.ErrExtractionFailed, "extraction API error after %d attempts: %v", maxAttempts, err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.Wrap(errors.ErrExtractionFailed, "no response choices from model")
	}

	c.logger.Debugw("Extraction response",
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (c *Client) createChatCompletion(ctx context.Context, req chatRequest) (*chatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("X-Title", "herald/extraction")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("API request failed with status %d: %s", resp.StatusCode, truncate(string(respBody), 300))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	return &chatResp, nil
}

// isRetryableError checks if an error is worth retrying (network-related).
func isRetryableError(err error) bool {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	if opErr, ok := err.(*net.OpError); ok {
		if errno, ok := opErr.Err.(syscall.Errno); ok {
			switch errno {
			case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT:
				return true
			}
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection reset by peer",
		"connection refused",
		"timeout",
		"temporary failure",
		"network is unreachable",
		"i/o timeout",
	} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

// stripCodeFence unwraps a JSON object from markdown code fences. Models
// sometimes wrap output in ```json blocks despite instructions.
func stripCodeFence(s string) string {
	if !strings.Contains(s, "```") {
		return strings.TrimSpace(s)
	}
	for _, block := range strings.Split(s, "```") {
		if strings.Contains(block, "{") && strings.Contains(block, "}") {
			block = strings.TrimSpace(block)
			block = strings.TrimPrefix(block, "json")
			return strings.TrimSpace(block)
		}
	}
	return strings.TrimSpace(s)
}

// truncate caps s at n bytes without splitting a multi-byte rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// SetHTTPClient overrides the HTTP client. Only for tests against httptest
// servers on loopback.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = httpclient.WrapClient(client)
}
