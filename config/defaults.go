package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "herald.db")

	// Admin server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", "127.0.0.1:7410")

	// Lifecycle defaults
	v.SetDefault("lifecycle.history_capacity", 1000)
	v.SetDefault("lifecycle.post_retries", 2)
	v.SetDefault("lifecycle.retry_backoff_seconds", 5)
	v.SetDefault("lifecycle.call_timeout_seconds", 60)
	v.SetDefault("lifecycle.status_interval_seconds", 300)

	// OpenRouter defaults
	v.SetDefault("openrouter.model", "openai/gpt-4o-mini") // Cost-effective default
	v.SetDefault("openrouter.temperature", 0.2)            // Deterministic
	v.SetDefault("openrouter.max_tokens", 1000)
	v.SetDefault("openrouter.timezone", "Asia/Tokyo")

	// Group platform defaults
	v.SetDefault("vrchat.session_file", "vrchat_session.json")
	v.SetDefault("vrchat.rate_per_minute", 30)
	v.SetDefault("vrchat.user_agent", "herald/1.0 announcement-scheduler")

	// Log defaults
	v.SetDefault("log.json", false)
}
