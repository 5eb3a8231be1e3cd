package agentcli

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/oremus-labs/agentdesk/internal/backend"
	"github.com/oremus-labs/agentdesk/internal/conversation"
	"github.com/oremus-labs/agentdesk/internal/credentials"
	"github.com/oremus-labs/agentdesk/internal/events"
	"github.com/oremus-labs/agentdesk/internal/observability"
	"github.com/oremus-labs/agentdesk/internal/redisx"
	"github.com/oremus-labs/agentdesk/internal/store"
	"github.com/oremus-labs/agentdesk/internal/stream"
	"github.com/oremus-labs/agentdesk/internal/transport"
)

// Client bundles everything a command needs to talk to one backend.
type Client struct {
	Context *Context
	Bus     *events.Bus
	Guard   *credentials.Guard
	API     *transport.Client
	Backend *backend.Client
	Engine  *stream.Engine
	// Cache is nil when the transcript cache could not be opened.
	Cache *store.Store

	redis    redis.UniversalClient
	cancel   context.CancelFunc
	shutdown func(context.Context) error
}

func mustClient(cmd *cobra.Command) (*Client, error) {
	cliCtx, err := resolvedContext()
	if err != nil {
		return nil, err
	}
	cfg := envConfig
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Client{Context: cliCtx, cancel: cancel}

	shared := redisx.FromAppConfig(cfg)
	c.redis, err = redisx.NewClient(ctx, shared)
	if err != nil {
		cancel()
		return nil, err
	}
	c.Bus = events.NewBus(ctx, events.Options{Client: c.redis, Channel: shared.Channel()})

	var creds credentials.Store
	switch {
	case cliCtx.Token != "":
		creds = credentials.NewMemory(cliCtx.Token)
	case cfg.CredentialBackend == "redis":
		if c.redis == nil {
			c.Close()
			return nil, errors.New("credential backend redis requires AGENTDESK_REDIS_ADDR")
		}
		creds = credentials.NewRedis(c.redis, shared.CredentialKey(cliCtx.Name), 0)
	case cfg.CredentialBackend == "memory":
		creds = credentials.NewMemory("")
	default:
		creds = credentials.NewFile(credentialsFile, cliCtx.Name)
	}
	c.Guard = credentials.NewGuard(creds, c.Bus)

	c.API = transport.New(transport.Options{
		BaseURL:       cliCtx.Server,
		Credentials:   c.Guard,
		Timeout:       cfg.RequestTimeout,
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    cfg.RetryDelay,
	})
	c.Backend = backend.New(c.API, c.Guard)
	c.Engine = stream.NewEngine(stream.Options{
		API:          c.API,
		TotalTimeout: cfg.StreamTotalTimeout,
		IdleTimeout:  cfg.StreamIdleTimeout,
	})

	dsn := cfg.DataStoreDSN
	if dsn == "" {
		dsn = defaultCachePath()
	}
	if c.Cache, err = store.Open(dsn, "sqlite"); err != nil {
		log.Warn().Err(err).Str("dsn", dsn).Msg("transcript cache unavailable; continuing without it")
		c.Cache = nil
	}

	c.shutdown, err = observability.InitOTel(ctx, observability.OtelConfig{
		Enabled:     cfg.OtelEnabled,
		ServiceName: "agentdesk",
		Version:     Version,
		SampleRatio: cfg.OtelSamplerRatio,
		Writer:      cmd.ErrOrStderr(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("tracing disabled")
	}
	return c, nil
}

// Registry returns a conversation registry over this client.
func (c *Client) Registry(onEvent func(*conversation.Conversation, stream.Event)) *conversation.Registry {
	return conversation.NewRegistry(conversation.Options{
		Engine:        c.Engine,
		Backend:       c.Backend,
		Cache:         c.Cache,
		Bus:           c.Bus,
		RefetchOnDone: c.Context.Refetch,
		OnEvent:       onEvent,
	})
}

// Close releases the cache, Redis and tracing resources.
func (c *Client) Close() {
	if c.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.shutdown(ctx); err != nil {
			log.Debug().Err(err).Msg("tracer shutdown")
		}
		cancel()
	}
	if c.Cache != nil {
		_ = c.Cache.Close()
	}
	if c.redis != nil {
		_ = c.redis.Close()
	}
	c.cancel()
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "agentdesk", "transcripts.db")
	}
	return filepath.Join(dir, "agentdesk", "transcripts.db")
}
