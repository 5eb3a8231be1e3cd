// Package config provides application configuration management.
package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// DefaultBaseURL is used when no override is configured.
const DefaultBaseURL = "http://localhost:8000/api/v1"

// Config holds all application configuration.
type Config struct {
	// Backend API
	BaseURL        string        `env:"AGENTDESK_API_BASE_URL" envDefault:"http://localhost:8000/api/v1"`
	RequestTimeout time.Duration `env:"AGENTDESK_REQUEST_TIMEOUT" envDefault:"10s"`
	RetryAttempts  int           `env:"AGENTDESK_RETRY_ATTEMPTS" envDefault:"3"`
	RetryDelay     time.Duration `env:"AGENTDESK_RETRY_DELAY" envDefault:"1s"`

	// Streaming
	StreamTotalTimeout time.Duration `env:"AGENTDESK_STREAM_TOTAL_TIMEOUT" envDefault:"30s"`
	StreamIdleTimeout  time.Duration `env:"AGENTDESK_STREAM_IDLE_TIMEOUT" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"AGENTDESK_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"AGENTDESK_LOG_FORMAT" envDefault:"console"`

	// Local transcript cache
	DataStoreDSN string `env:"AGENTDESK_DATASTORE_DSN"`

	// Credential persistence: memory, file or redis
	CredentialBackend string `env:"AGENTDESK_CREDENTIAL_BACKEND" envDefault:"file"`

	// Redis / events configuration
	RedisAddr        string `env:"AGENTDESK_REDIS_ADDR"`
	RedisUsername    string `env:"AGENTDESK_REDIS_USERNAME"`
	RedisPassword    string `env:"AGENTDESK_REDIS_PASSWORD"`
	RedisDB          int    `env:"AGENTDESK_REDIS_DB" envDefault:"0"`
	RedisTLSEnabled  bool   `env:"AGENTDESK_REDIS_TLS_ENABLED" envDefault:"false"`
	RedisTLSInsecure bool   `env:"AGENTDESK_REDIS_TLS_INSECURE_SKIP_VERIFY" envDefault:"false"`
	EventsChannel    string `env:"AGENTDESK_EVENTS_CHANNEL" envDefault:"agentdesk-events"`
	RedisKeyPrefix   string `env:"AGENTDESK_REDIS_KEY_PREFIX" envDefault:"agentdesk"`

	// Ops server + tracing
	MetricsAddr      string  `env:"AGENTDESK_METRICS_ADDR"`
	OtelEnabled      bool    `env:"AGENTDESK_OTEL_ENABLED" envDefault:"false"`
	OtelSamplerRatio float64 `env:"AGENTDESK_OTEL_SAMPLER_RATIO" envDefault:"0.1"`
}

// Load loads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.RequestTimeout <= 0 {
		return errors.Errorf("AGENTDESK_REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.StreamTotalTimeout <= 0 || c.StreamIdleTimeout <= 0 {
		return errors.New("stream timeouts must be positive")
	}
	if c.RetryAttempts < 1 {
		return errors.Errorf("AGENTDESK_RETRY_ATTEMPTS must be at least 1, got %d", c.RetryAttempts)
	}
	if c.RetryDelay < 0 {
		return errors.New("AGENTDESK_RETRY_DELAY must not be negative")
	}
	switch c.CredentialBackend {
	case "memory", "file", "redis":
	default:
		return errors.Errorf("unsupported credential backend %q", c.CredentialBackend)
	}
	return nil
}
