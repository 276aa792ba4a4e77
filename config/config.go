// Package config loads herald configuration from TOML files and
// environment variables, with sane defaults for everything that has one.
//
// Precedence (lowest to highest): defaults < /etc/herald/herald.toml <
// ~/.herald/herald.toml < project herald.toml (found by walking up from the
// working directory) < HERALD_* environment variables.
package config

import (
	"time"

	"github.com/sayonatsu/herald/errors"
)

// Config is the root herald configuration.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database" toml:"database"`
	Server     ServerConfig     `mapstructure:"server" toml:"server"`
	Lifecycle  LifecycleConfig  `mapstructure:"lifecycle" toml:"lifecycle"`
	OpenRouter OpenRouterConfig `mapstructure:"openrouter" toml:"openrouter"`
	VRChat     VRChatConfig     `mapstructure:"vrchat" toml:"vrchat"`
	Authz      AuthzConfig      `mapstructure:"authz" toml:"authz"`
	Log        LogConfig        `mapstructure:"log" toml:"log"`
}

// AuthzConfig lists who may approve requests. Empty lists authorize
// everyone, for deployments where the event source already gates reactions.
type AuthzConfig struct {
	Approvers          []string            `mapstructure:"approvers" toml:"approvers"`
	PartitionApprovers map[string][]string `mapstructure:"partition_approvers" toml:"partition_approvers"`
}

// DatabaseConfig configures the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Addr    string `mapstructure:"addr" toml:"addr"`
}

// LifecycleConfig bounds the request state machine.
type LifecycleConfig struct {
	// HistoryCapacity is the number of finalized records kept per partition.
	HistoryCapacity int `mapstructure:"history_capacity" toml:"history_capacity"`
	// PostRetries is the number of retries after the first post failure.
	PostRetries        int `mapstructure:"post_retries" toml:"post_retries"`
	RetryBackoffSecs   int `mapstructure:"retry_backoff_seconds" toml:"retry_backoff_seconds"`
	CallTimeoutSecs    int `mapstructure:"call_timeout_seconds" toml:"call_timeout_seconds"`
	StatusIntervalSecs int `mapstructure:"status_interval_seconds" toml:"status_interval_seconds"`
}

// RetryBackoff returns the backoff unit as a duration.
func (c LifecycleConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSecs) * time.Second
}

// CallTimeout returns the per-call bound as a duration.
func (c LifecycleConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSecs) * time.Second
}

// StatusInterval returns the status log period as a duration.
func (c LifecycleConfig) StatusInterval() time.Duration {
	return time.Duration(c.StatusIntervalSecs) * time.Second
}

// OpenRouterConfig configures OpenRouter.ai API access for extraction.
type OpenRouterConfig struct {
	APIKey      string  `mapstructure:"api_key" toml:"api_key"`
	Model       string  `mapstructure:"model" toml:"model"`
	Temperature float64 `mapstructure:"temperature" toml:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" toml:"max_tokens"`
	Timezone    string  `mapstructure:"timezone" toml:"timezone"` // zone announcement times are written in
}

// VRChatConfig configures the group posting client.
type VRChatConfig struct {
	GroupID     string  `mapstructure:"group_id" toml:"group_id"`
	SessionFile string  `mapstructure:"session_file" toml:"session_file"`
	RatePerMin  float64 `mapstructure:"rate_per_minute" toml:"rate_per_minute"`
	UserAgent   string  `mapstructure:"user_agent" toml:"user_agent"`
}

// LogConfig configures log output.
type LogConfig struct {
	JSON bool `mapstructure:"json" toml:"json"` // JSON output for log aggregation; console otherwise
}

// Validate checks the fields that have no usable default.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.OpenRouter.APIKey == "" {
		return errors.New("openrouter.api_key is required (set HERALD_OPENROUTER_API_KEY)")
	}
	if c.VRChat.GroupID == "" {
		return errors.New("vrchat.group_id is required")
	}
	if c.Lifecycle.HistoryCapacity <= 0 {
		return errors.Newf("lifecycle.history_capacity must be positive, got %d", c.Lifecycle.HistoryCapacity)
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		return errors.New("server.addr is required when server.enabled")
	}
	return nil
}
