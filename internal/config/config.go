// Package config provides configuration management for the paper
// orchestration engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the engine. It is assembled once at
// startup and passed into components immutably; there is no ambient global
// configuration state.
type Config struct {
	// Orchestrator contains pipeline and filtering settings.
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	// Budget contains per-provider rate budget settings.
	Budget BudgetConfig `mapstructure:"budget"`
	// Backoff contains retry policy settings.
	Backoff BackoffConfig `mapstructure:"backoff"`
	// LLM contains provider settings.
	LLM LLMConfig `mapstructure:"llm"`
	// Index contains document index (arXiv) settings.
	Index IndexConfig `mapstructure:"index"`
	// Store contains result persistence settings.
	Store StoreConfig `mapstructure:"store"`
	// Server contains status server settings.
	Server ServerConfig `mapstructure:"server"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
}

// OrchestratorConfig holds pipeline settings.
type OrchestratorConfig struct {
	// MaxConcurrency is the task pool worker count.
	MaxConcurrency int `mapstructure:"max_concurrency" validate:"gt=0"`
	// MaxPapersPerTopic is the discovery fan-out limit per topic.
	MaxPapersPerTopic int `mapstructure:"max_papers_per_topic" validate:"gt=0"`
	// RelevanceThreshold is the filter cutoff in [0,1]; papers scoring below
	// it are never analyzed.
	RelevanceThreshold float64 `mapstructure:"relevance_threshold" validate:"gte=0,lte=1"`
	// TopicProviders optionally maps a topic query to a provider name.
	TopicProviders map[string]string `mapstructure:"topic_providers"`
}

// BudgetConfig holds per-provider rate budget settings.
type BudgetConfig struct {
	// TokensPerMinute is the per-provider rolling-window token capacity.
	TokensPerMinute int `mapstructure:"tokens_per_minute" validate:"gt=0"`
	// Window is the rolling window length.
	Window time.Duration `mapstructure:"window" validate:"gt=0"`
}

// BackoffConfig holds retry policy settings.
type BackoffConfig struct {
	// MaxRetries is the attempt ceiling after which a task is exhausted.
	MaxRetries int `mapstructure:"max_retries" validate:"gt=0"`
	// BaseDelay is the first-retry delay.
	BaseDelay time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration `mapstructure:"max_delay" validate:"gt=0"`
}

// LLMConfig holds provider settings.
type LLMConfig struct {
	// Provider is the default LLM provider (openai, anthropic, gemini).
	Provider string `mapstructure:"provider" validate:"oneof=openai anthropic gemini"`
	// Temperature is the sampling temperature.
	Temperature float64 `mapstructure:"temperature" validate:"gte=0,lte=2"`
	// Timeout is the timeout for LLM API calls.
	Timeout time.Duration `mapstructure:"timeout"`
	// OpenAI contains OpenAI-specific settings.
	OpenAI ProviderConfig `mapstructure:"openai"`
	// Anthropic contains Anthropic-specific settings.
	Anthropic ProviderConfig `mapstructure:"anthropic"`
	// Gemini contains Gemini-specific settings.
	Gemini ProviderConfig `mapstructure:"gemini"`
}

// ProviderConfig holds settings for one LLM backend.
type ProviderConfig struct {
	// APIKey is the provider API key, loaded exclusively from the
	// environment (e.g. PAPERSCOUT_LLM_OPENAI_API_KEY).
	APIKey string `mapstructure:"-"`
	// Model is the model identifier.
	Model string `mapstructure:"model"`
	// BaseURL is the API base URL (empty means the provider default).
	BaseURL string `mapstructure:"base_url"`
}

// IndexConfig holds document index settings.
type IndexConfig struct {
	// BaseURL is the index API base URL.
	BaseURL string `mapstructure:"base_url"`
	// FullTextBaseURL is the base URL for full-text retrieval.
	FullTextBaseURL string `mapstructure:"full_text_base_url"`
	// Timeout is the timeout for index API calls.
	Timeout time.Duration `mapstructure:"timeout"`
	// RateLimit is the maximum requests per second to the index.
	RateLimit float64 `mapstructure:"rate_limit" validate:"gt=0"`
	// MaxResults is the maximum results per search request.
	MaxResults int `mapstructure:"max_results" validate:"gt=0"`
}

// StoreConfig holds result persistence settings.
type StoreConfig struct {
	// DatabasePath is the SQLite results database path.
	DatabasePath string `mapstructure:"database_path" validate:"required"`
	// ExportDir is the directory for per-run JSON exports; empty disables
	// export.
	ExportDir string `mapstructure:"export_dir"`
}

// ServerConfig holds status server settings.
type ServerConfig struct {
	// Enabled controls whether the status HTTP server runs.
	Enabled bool `mapstructure:"enabled"`
	// Address is the listen address.
	Address string `mapstructure:"address"`
	// ReadTimeout is the maximum duration for reading a request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing a response. Zero
	// means no limit, which the progress stream relies on.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout is the maximum duration for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error, fatal, panic).
	Level string `mapstructure:"level"`
	// Format is the log format (json, console).
	Format string `mapstructure:"format"`
	// Output is the log output destination (stdout, stderr).
	Output string `mapstructure:"output"`
	// AddSource adds source file and line to log output.
	AddSource bool `mapstructure:"add_source"`
	// TimeFormat is the timestamp format.
	TimeFormat string `mapstructure:"time_format"`
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PAPERSCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/paperscout")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine; env vars and defaults apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	loadSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// loadSecrets populates secret fields exclusively from environment variables.
// These fields carry mapstructure:"-" so they can never come from a file.
func loadSecrets(cfg *Config) {
	cfg.LLM.OpenAI.APIKey = os.Getenv("PAPERSCOUT_LLM_OPENAI_API_KEY")
	cfg.LLM.Anthropic.APIKey = os.Getenv("PAPERSCOUT_LLM_ANTHROPIC_API_KEY")
	cfg.LLM.Gemini.APIKey = os.Getenv("PAPERSCOUT_LLM_GEMINI_API_KEY")
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("orchestrator.max_concurrency", 5)
	v.SetDefault("orchestrator.max_papers_per_topic", 10)
	v.SetDefault("orchestrator.relevance_threshold", 0.5)

	v.SetDefault("budget.tokens_per_minute", 80000)
	v.SetDefault("budget.window", "60s")

	v.SetDefault("backoff.max_retries", 3)
	v.SetDefault("backoff.base_delay", "1s")
	v.SetDefault("backoff.max_delay", "30s")

	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.timeout", "60s")
	// API keys come exclusively from the environment (see loadSecrets).
	v.SetDefault("llm.openai.model", "gpt-4o-mini")
	v.SetDefault("llm.openai.base_url", "")
	v.SetDefault("llm.anthropic.model", "claude-3-5-sonnet-20241022")
	v.SetDefault("llm.anthropic.base_url", "")
	v.SetDefault("llm.gemini.model", "gemini-1.5-flash")
	v.SetDefault("llm.gemini.base_url", "")

	v.SetDefault("index.base_url", "https://export.arxiv.org/api")
	v.SetDefault("index.full_text_base_url", "https://arxiv.org/abs")
	v.SetDefault("index.timeout", "30s")
	v.SetDefault("index.rate_limit", 3.0) // arXiv recommends max 3 req/sec
	v.SetDefault("index.max_results", 25)

	v.SetDefault("store.database_path", "paperscout.db")
	v.SetDefault("store.export_dir", "results")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.address", "127.0.0.1:8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Validate validates the configuration. A configuration with no usable
// provider credential is fatal here, before any task is created.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.APIKeyFor(c.LLM.Provider) == "" {
		return fmt.Errorf("provider %q requires PAPERSCOUT_LLM_%s_API_KEY to be set",
			c.LLM.Provider, strings.ToUpper(c.LLM.Provider))
	}
	for query, provider := range c.Orchestrator.TopicProviders {
		switch provider {
		case "openai", "anthropic", "gemini":
			if c.APIKeyFor(provider) == "" {
				return fmt.Errorf("topic %q maps to provider %q which has no API key set", query, provider)
			}
		default:
			return fmt.Errorf("topic %q maps to unknown provider %q", query, provider)
		}
	}

	return nil
}

// APIKeyFor returns the configured API key for a provider name, or empty.
func (c *Config) APIKeyFor(provider string) string {
	switch strings.ToLower(provider) {
	case "openai":
		return c.LLM.OpenAI.APIKey
	case "anthropic":
		return c.LLM.Anthropic.APIKey
	case "gemini":
		return c.LLM.Gemini.APIKey
	default:
		return ""
	}
}

// Providers returns the set of provider names referenced by the
// configuration: the default provider plus any topic-mapped ones.
func (c *Config) Providers() []string {
	seen := map[string]bool{c.LLM.Provider: true}
	names := []string{c.LLM.Provider}
	for _, provider := range c.Orchestrator.TopicProviders {
		if !seen[provider] {
			seen[provider] = true
			names = append(names, provider)
		}
	}
	return names
}
