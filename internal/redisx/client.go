// Package redisx connects agentdesk processes that share a Redis: the
// credential of a context and the client signal channel live there.
package redisx

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/oremus-labs/agentdesk/config"
)

const (
	defaultKeyPrefix     = "agentdesk"
	defaultEventsChannel = "agentdesk-events"
	pingTimeout          = 5 * time.Second
)

// Config configures the shared Redis.
type Config struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	TLSEnabled  bool
	TLSInsecure bool
	// KeyPrefix namespaces credential keys so several installs can share one DB.
	KeyPrefix string
	// EventsChannel carries session expiry, assignment and exchange outcomes.
	EventsChannel string
}

// FromAppConfig extracts the Redis settings from the application config.
func FromAppConfig(cfg *config.Config) Config {
	if cfg == nil {
		return Config{}
	}
	return Config{
		Addr:          cfg.RedisAddr,
		Username:      cfg.RedisUsername,
		Password:      cfg.RedisPassword,
		DB:            cfg.RedisDB,
		TLSEnabled:    cfg.RedisTLSEnabled,
		TLSInsecure:   cfg.RedisTLSInsecure,
		KeyPrefix:     cfg.RedisKeyPrefix,
		EventsChannel: cfg.EventsChannel,
	}
}

// CredentialKey is the key holding the bearer token of a CLI context.
func (c Config) CredentialKey(contextName string) string {
	prefix := c.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if contextName == "" {
		contextName = "default"
	}
	return prefix + ":credential:" + contextName
}

// Channel is the pub/sub channel the event bus mirrors client signals on.
func (c Config) Channel() string {
	if c.EventsChannel != "" {
		return c.EventsChannel
	}
	return defaultEventsChannel
}

// NewClient returns a connected client, or nil when no address is set: the
// CLI then keeps credentials in a local file and signals in process.
func NewClient(ctx context.Context, cfg Config) (redis.UniversalClient, error) {
	if cfg.Addr == "" {
		return nil, nil
	}

	opts := &redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			InsecureSkipVerify: cfg.TLSInsecure, // #nosec G402 – intentional opt-in
		}
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "connect to shared redis at %s", cfg.Addr)
	}
	return client, nil
}
