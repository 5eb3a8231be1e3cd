package backend

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/oremus-labs/agentdesk/internal/credentials"
	"github.com/oremus-labs/agentdesk/internal/transport"
)

// APIError is a failed envelope surfaced as an error. Message is the
// user-facing text; Err keeps the transport failure class for errors.Is.
type APIError struct {
	Status  int
	Message string
	Err     error
}

func (e *APIError) Error() string { return e.Message }

func (e *APIError) Unwrap() error { return e.Err }

func result[T any](env transport.Envelope[T]) (T, error) {
	if !env.Success {
		var zero T
		return zero, &APIError{Status: env.Status, Message: env.Message, Err: env.Err}
	}
	return *env.Data, nil
}

// Client is the typed view of the chat backend.
type Client struct {
	api   *transport.Client
	guard *credentials.Guard
}

// New wraps api. guard receives the token on login and is cleared on logout;
// it may be nil when the caller manages credentials itself.
func New(api *transport.Client, guard *credentials.Guard) *Client {
	return &Client{api: api, guard: guard}
}

// API exposes the underlying envelope client.
func (c *Client) API() *transport.Client { return c.api }

// Login exchanges a username and password for a bearer token and stores it.
func (c *Client) Login(ctx context.Context, username, password string) (Token, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	tok, err := result(transport.Do[Token](ctx, c.api, transport.Request{
		Method: http.MethodPost,
		Path:   "/auth/token",
		Form:   form,
		NoAuth: true,
	}))
	if err != nil {
		return Token{}, err
	}
	if strings.TrimSpace(tok.AccessToken) == "" {
		return Token{}, &APIError{Message: "login response carried no token", Err: transport.ErrDecode}
	}
	if c.guard != nil {
		if err := c.guard.Set(ctx, tok.AccessToken); err != nil {
			return Token{}, errors.Wrap(err, "store credential")
		}
	}
	return tok, nil
}

// Register creates an account. The backend reads the fields from the query
// string; they are also sent as JSON for deployments that expect a body.
func (c *Client) Register(ctx context.Context, reg Registration) error {
	if reg.Username == "" {
		reg.Username = usernameFromEmail(reg.Email)
	}
	query := url.Values{}
	query.Set("username", reg.Username)
	query.Set("email", reg.Email)
	query.Set("password", reg.Password)
	_, err := result(transport.Do[map[string]interface{}](ctx, c.api, transport.Request{
		Method: http.MethodPost,
		Path:   "/auth/register",
		Query:  query,
		Body:   reg,
		NoAuth: true,
	}))
	return err
}

func usernameFromEmail(email string) string {
	if idx := strings.Index(email, "@"); idx > 0 {
		return email[:idx]
	}
	return email
}

// Me returns the authenticated account.
func (c *Client) Me(ctx context.Context) (User, error) {
	return result(transport.Do[User](ctx, c.api, transport.Request{Path: "/auth/me"}))
}

// Logout forgets the stored credential without raising the expiry signal.
func (c *Client) Logout(ctx context.Context) error {
	if c.guard == nil {
		return nil
	}
	return c.guard.Clear(ctx)
}

// ListSessions returns the caller's sessions.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	return result(transport.Do[[]Session](ctx, c.api, transport.Request{Path: "/chat/sessions"}))
}

// GetSession returns one session with its messages.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	return result(transport.Do[Session](ctx, c.api, transport.Request{
		Path:  "/chat/sessions/" + url.PathEscape(id),
		Route: "/chat/sessions/{id}",
	}))
}

// CreateSession starts an empty session.
func (c *Client) CreateSession(ctx context.Context, title string) (Session, error) {
	return result(transport.Do[Session](ctx, c.api, transport.Request{
		Method: http.MethodPost,
		Path:   "/chat/sessions",
		Body:   map[string]string{"title": title},
	}))
}

// RenameSession changes a session title.
func (c *Client) RenameSession(ctx context.Context, id, title string) (Session, error) {
	return result(transport.Do[Session](ctx, c.api, transport.Request{
		Method: http.MethodPut,
		Path:   "/chat/sessions/" + url.PathEscape(id),
		Route:  "/chat/sessions/{id}",
		Body:   map[string]string{"title": title},
	}))
}

// DeleteSession removes a session and its messages.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	_, err := result(transport.Do[struct{}](ctx, c.api, transport.Request{
		Method: http.MethodDelete,
		Path:   "/chat/sessions/" + url.PathEscape(id),
		Route:  "/chat/sessions/{id}",
	}))
	return err
}

// SessionMessages returns the persisted transcript of a session.
func (c *Client) SessionMessages(ctx context.Context, id string) ([]Message, error) {
	return result(c.SessionMessagesEnvelope(ctx, id))
}

// SessionMessagesEnvelope is SessionMessages without the error conversion,
// for callers that fall back on failure and want the envelope message.
func (c *Client) SessionMessagesEnvelope(ctx context.Context, id string) transport.Envelope[[]Message] {
	return transport.Do[[]Message](ctx, c.api, transport.Request{
		Path:  "/chat/sessions/" + url.PathEscape(id) + "/messages",
		Route: "/chat/sessions/{id}/messages",
	})
}

// SendMessage performs a non-streamed exchange and returns the full reply.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) (Reply, error) {
	body := map[string]string{"message": text}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	return result(transport.Do[Reply](ctx, c.api, transport.Request{
		Method:  http.MethodPost,
		Path:    "/chat/send",
		Body:    body,
		NoRetry: true,
	}))
}

// StopGeneration asks the backend to stop generating for a session. The
// session id travels as a query parameter and in the body.
func (c *Client) StopGeneration(ctx context.Context, sessionID string) error {
	query := url.Values{}
	query.Set("session_id", sessionID)
	_, err := result(transport.Do[map[string]interface{}](ctx, c.api, transport.Request{
		Method: http.MethodPost,
		Path:   "/chat/stop",
		Query:  query,
		Body:   map[string]string{"session_id": sessionID},
	}))
	return err
}

// ListLLMConfigs returns the caller's provider configurations.
func (c *Client) ListLLMConfigs(ctx context.Context) ([]LLMConfig, error) {
	return result(transport.Do[[]LLMConfig](ctx, c.api, transport.Request{Path: "/llm-config/"}))
}

// DefaultLLMConfig returns the configuration marked as default.
func (c *Client) DefaultLLMConfig(ctx context.Context) (LLMConfig, error) {
	return result(transport.Do[LLMConfig](ctx, c.api, transport.Request{Path: "/llm-config/default"}))
}

// GetLLMConfig returns one configuration.
func (c *Client) GetLLMConfig(ctx context.Context, id string) (LLMConfig, error) {
	return result(transport.Do[LLMConfig](ctx, c.api, transport.Request{
		Path:  "/llm-config/" + url.PathEscape(id),
		Route: "/llm-config/{id}",
	}))
}

// CreateLLMConfig stores a new configuration.
func (c *Client) CreateLLMConfig(ctx context.Context, cfg LLMConfig) (LLMConfig, error) {
	cfg.ID = ""
	cfg.UserID = ""
	return result(transport.Do[LLMConfig](ctx, c.api, transport.Request{
		Method: http.MethodPost,
		Path:   "/llm-config/",
		Body:   cfg,
	}))
}

// UpdateLLMConfig applies a partial update.
func (c *Client) UpdateLLMConfig(ctx context.Context, id string, update LLMConfigUpdate) (LLMConfig, error) {
	return result(transport.Do[LLMConfig](ctx, c.api, transport.Request{
		Method: http.MethodPut,
		Path:   "/llm-config/" + url.PathEscape(id),
		Route:  "/llm-config/{id}",
		Body:   update,
	}))
}

// DeleteLLMConfig removes a configuration.
func (c *Client) DeleteLLMConfig(ctx context.Context, id string) error {
	_, err := result(transport.Do[struct{}](ctx, c.api, transport.Request{
		Method: http.MethodDelete,
		Path:   "/llm-config/" + url.PathEscape(id),
		Route:  "/llm-config/{id}",
	}))
	return err
}

// LLMProviders lists the providers and models the backend can serve.
func (c *Client) LLMProviders(ctx context.Context) (map[string]interface{}, error) {
	return result(transport.Do[map[string]interface{}](ctx, c.api, transport.Request{Path: "/llm-config/providers"}))
}
