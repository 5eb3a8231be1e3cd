package redisx

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oremus-labs/agentdesk/config"
)

func TestNewClientWithoutAddrReturnsNil(t *testing.T) {
	t.Parallel()

	client, err := NewClient(context.Background(), Config{})
	require.NoError(t, err)
	require.Nil(t, client)
}

func TestNewClientPingFailure(t *testing.T) {
	t.Parallel()

	// Port 1 is reserved and refuses connections.
	client, err := NewClient(context.Background(), Config{Addr: "127.0.0.1:1"})
	require.Error(t, err)
	require.Nil(t, client)
}

func TestFromAppConfig(t *testing.T) {
	t.Parallel()

	require.Equal(t, Config{}, FromAppConfig(nil))
	got := FromAppConfig(&config.Config{RedisAddr: "redis:6379", RedisDB: 2, RedisTLSEnabled: true, RedisKeyPrefix: "team", EventsChannel: "team-events"})
	require.Equal(t, Config{Addr: "redis:6379", DB: 2, TLSEnabled: true, KeyPrefix: "team", EventsChannel: "team-events"}, got)
}

func TestSharedNames(t *testing.T) {
	t.Parallel()

	require.Equal(t, "agentdesk:credential:default", Config{}.CredentialKey(""))
	require.Equal(t, "agentdesk-events", Config{}.Channel())

	cfg := Config{KeyPrefix: "team", EventsChannel: "team-events"}
	require.Equal(t, "team:credential:staging", cfg.CredentialKey("staging"))
	require.Equal(t, "team-events", cfg.Channel())
}

func TestNewClientLive(t *testing.T) {
	addr := os.Getenv("AGENTDESK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AGENTDESK_TEST_REDIS_ADDR not set")
	}
	client, err := NewClient(context.Background(), Config{Addr: addr})
	require.NoError(t, err)
	require.NotNil(t, client)
	require.NoError(t, client.Close())
}
