package backend_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oremus-labs/agentdesk/internal/backend"
	"github.com/oremus-labs/agentdesk/internal/backend/backendtest"
	"github.com/oremus-labs/agentdesk/internal/credentials"
	"github.com/oremus-labs/agentdesk/internal/events"
	"github.com/oremus-labs/agentdesk/internal/transport"
)

func newClient(t *testing.T, token string) (*backend.Client, *backendtest.Server, *credentials.Guard) {
	t.Helper()
	srv := backendtest.New()
	t.Cleanup(srv.Close)
	guard := credentials.NewGuard(credentials.NewMemory(token), nil)
	api := transport.New(transport.Options{
		BaseURL:       srv.URL,
		Credentials:   guard,
		Timeout:       2 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    5 * time.Millisecond,
	})
	return backend.New(api, guard), srv, guard
}

func TestLoginStoresTokenAndMeUsesIt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, _, guard := newClient(t, "")

	_, err := client.Me(ctx)
	require.ErrorIs(t, err, transport.ErrAuthExpired)
	require.Empty(t, guard.Token(ctx))

	tok, err := client.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)
	require.Equal(t, "bearer", tok.TokenType)
	require.Equal(t, tok.AccessToken, guard.Token(ctx))

	claims, err := credentials.Inspect(tok.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)

	me, err := client.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, "alice", me.Username)
	require.Equal(t, transport.ID("1"), me.ID)

	require.NoError(t, client.Logout(ctx))
	require.Empty(t, guard.Token(ctx))
}

func TestLoginFailureIsNotAnExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := backendtest.New()
	t.Cleanup(srv.Close)
	bus := events.NewBus(ctx, events.Options{})
	sub, unsubscribe, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	defer unsubscribe()

	guard := credentials.NewGuard(credentials.NewMemory("stale"), bus)
	client := backend.New(transport.New(transport.Options{BaseURL: srv.URL, Credentials: guard}), guard)

	_, err = client.Login(ctx, "alice", "wrong")
	var apiErr *backend.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
	require.Equal(t, "Incorrect username or password", apiErr.Message)
	require.Equal(t, "stale", guard.Token(ctx))

	select {
	case ev := <-sub:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegisterReportsValidationDetail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, _, _ := newClient(t, "")

	err := client.Register(ctx, backend.Registration{Email: "bob@example.com", Password: "short"})
	require.EqualError(t, err, "password: ensure this value has at least 8 characters")

	require.NoError(t, client.Register(ctx, backend.Registration{Email: "bob@example.com", Password: "long-enough"}))
	_, err = client.Login(ctx, "bob", "long-enough")
	require.NoError(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, srv, _ := newClient(t, "")
	_, err := client.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)
	seeded := srv.AddSession("seeded", "Hi", "Hello")

	created, err := client.CreateSession(ctx, "Weekly report")
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.False(t, created.CreatedAt.IsZero())

	renamed, err := client.RenameSession(ctx, created.ID.String(), "Quarterly report")
	require.NoError(t, err)
	require.Equal(t, "Quarterly report", renamed.Title)

	sessions, err := client.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	full, err := client.GetSession(ctx, seeded)
	require.NoError(t, err)
	require.Len(t, full.Messages, 2)

	msgs, err := client.SessionMessages(ctx, seeded)
	require.NoError(t, err)
	require.Equal(t, backend.RoleUser, msgs[0].Role)
	require.Equal(t, "Hello", msgs[1].Content)

	require.NoError(t, client.DeleteSession(ctx, created.ID.String()))
	_, err = client.GetSession(ctx, created.ID.String())
	require.EqualError(t, err, "Session not found")
}

func TestListSessionsRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, srv, _ := newClient(t, "")
	_, err := client.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)

	srv.FailNext("/chat/sessions", http.StatusServiceUnavailable, http.StatusBadGateway)
	sessions, err := client.ListSessions(ctx)
	require.NoError(t, err)
	require.Empty(t, sessions)

	srv.FailNext("/chat/sessions", http.StatusServiceUnavailable)
	_, err = client.CreateSession(ctx, "not retried")
	require.ErrorIs(t, err, transport.ErrStatus)
}

func TestSessionMutationsAreSentOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, srv, _ := newClient(t, "")
	_, err := client.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)
	id := srv.AddSession("keep")

	srv.FailNext("/chat/sessions/"+id, http.StatusServiceUnavailable)
	_, err = client.RenameSession(ctx, id, "renamed")
	require.ErrorIs(t, err, transport.ErrStatus)

	srv.FailNext("/chat/sessions/"+id, http.StatusBadGateway)
	require.ErrorIs(t, client.DeleteSession(ctx, id), transport.ErrStatus)

	srv.FailNext("/chat/stop", http.StatusServiceUnavailable)
	require.ErrorIs(t, client.StopGeneration(ctx, id), transport.ErrStatus)
	require.Empty(t, srv.Stops())

	sess, err := client.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "keep", sess.Title)
}

func TestWrappedResponsesAreUnwrapped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, srv, _ := newClient(t, "")
	_, err := client.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)
	srv.AddSession("one")
	srv.WrapResponses(true)

	sessions, err := client.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "one", sessions[0].Title)
}

func TestRevokedTokenExpiresOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := backendtest.New()
	t.Cleanup(srv.Close)
	bus := events.NewBus(ctx, events.Options{})
	sub, unsubscribe, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	defer unsubscribe()

	guard := credentials.NewGuard(credentials.NewMemory(srv.IssueToken("alice")), bus)
	client := backend.New(transport.New(transport.Options{BaseURL: srv.URL, Credentials: guard}), guard)
	srv.RevokeTokens()

	_, err = client.ListSessions(ctx)
	require.ErrorIs(t, err, transport.ErrAuthExpired)
	_, err = client.ListLLMConfigs(ctx)
	require.Error(t, err)

	select {
	case ev := <-sub:
		require.Equal(t, events.TypeSessionExpired, ev.Type)
		require.Equal(t, "alice", ev.Data["subject"])
	case <-time.After(time.Second):
		t.Fatal("expected session.expired")
	}
	select {
	case ev := <-sub:
		t.Fatalf("second expiry signal %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopGenerationSendsSessionID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, srv, _ := newClient(t, "")
	_, err := client.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)

	require.NoError(t, client.StopGeneration(ctx, "s42"))
	require.Equal(t, []string{"s42"}, srv.Stops())
}

func TestSendMessageReturnsReply(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, _, _ := newClient(t, "")
	_, err := client.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)

	reply, err := client.SendMessage(ctx, "", "Hi")
	require.NoError(t, err)
	require.Equal(t, "Hello", reply.Message)
	require.Equal(t, transport.ID("s1"), reply.SessionID)
}

func TestLLMConfigCRUD(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, _, _ := newClient(t, "")
	_, err := client.Login(ctx, "alice", "wonderland")
	require.NoError(t, err)

	_, err = client.DefaultLLMConfig(ctx)
	require.EqualError(t, err, "No default configuration")

	created, err := client.CreateLLMConfig(ctx, backend.LLMConfig{
		Name:      "primary",
		Provider:  "openai",
		ModelName: "gpt-4o",
		APIKey:    "sk-test-123456",
		IsDefault: true,
	})
	require.NoError(t, err)
	require.Equal(t, "****3456", created.MaskedKey())

	def, err := client.DefaultLLMConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, created.ID, def.ID)

	model := "gpt-4o-mini"
	updated, err := client.UpdateLLMConfig(ctx, created.ID.String(), backend.LLMConfigUpdate{ModelName: &model})
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini", updated.ModelName)
	require.Equal(t, "primary", updated.Name)

	got, err := client.GetLLMConfig(ctx, created.ID.String())
	require.NoError(t, err)
	require.Equal(t, "gpt-4o-mini", got.ModelName)

	all, err := client.ListLLMConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	providers, err := client.LLMProviders(ctx)
	require.NoError(t, err)
	require.Contains(t, providers, "openai")

	require.NoError(t, client.DeleteLLMConfig(ctx, created.ID.String()))
	_, err = client.GetLLMConfig(ctx, created.ID.String())
	require.EqualError(t, err, "Configuration not found")
}

func TestTimestampAcceptsZonelessValues(t *testing.T) {
	t.Parallel()

	var ts backend.Timestamp
	require.NoError(t, ts.UnmarshalJSON([]byte(`"2024-05-01T10:20:30.123456"`)))
	require.Equal(t, time.Date(2024, 5, 1, 10, 20, 30, 123456000, time.UTC), ts.Time)

	require.NoError(t, ts.UnmarshalJSON([]byte(`"2024-05-01T10:20:30+02:00"`)))
	require.Equal(t, 8, ts.Hour())

	require.NoError(t, ts.UnmarshalJSON([]byte(`null`)))
	require.True(t, ts.IsZero())

	require.Error(t, ts.UnmarshalJSON([]byte(`"yesterday"`)))
}
