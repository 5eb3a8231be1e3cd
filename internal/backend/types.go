package backend

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/oremus-labs/agentdesk/internal/transport"
)

// Role values carried by transcript messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Timestamp accepts the backend's datetimes, which may omit the zone.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// UnmarshalJSON parses RFC3339 or zone-less datetimes; zone-less values are UTC.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "timestamp")
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return errors.Errorf("unrecognised timestamp %q", raw)
}

// MarshalJSON renders RFC3339, or null for the zero time.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// Session is a backend chat session.
type Session struct {
	ID        transport.ID `json:"id"`
	Title     string       `json:"title"`
	UserID    transport.ID `json:"user_id,omitempty"`
	CreatedAt Timestamp    `json:"created_at"`
	UpdatedAt Timestamp    `json:"updated_at"`
	Messages  []Message    `json:"messages,omitempty"`
}

// Message is one transcript entry.
type Message struct {
	ID        transport.ID `json:"id"`
	SessionID transport.ID `json:"session_id"`
	Role      string       `json:"role"`
	Content   string       `json:"content"`
	CreatedAt Timestamp    `json:"created_at"`
}

// User is the authenticated account.
type User struct {
	ID       transport.ID `json:"id"`
	Username string       `json:"username,omitempty"`
	Email    string       `json:"email"`
	IsActive bool         `json:"is_active"`
}

// Token is the result of a password login.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Registration carries the fields of a new account.
type Registration struct {
	Username string `json:"username,omitempty"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LLMConfig is a stored model provider configuration.
type LLMConfig struct {
	ID         transport.ID `json:"id,omitempty"`
	Name       string       `json:"name"`
	Provider   string       `json:"provider"`
	ModelName  string       `json:"model_name"`
	APIKey     string       `json:"api_key,omitempty"`
	APIBaseURL string       `json:"api_base_url,omitempty"`
	IsDefault  bool         `json:"is_default"`
	UserID     transport.ID `json:"user_id,omitempty"`
}

// LLMConfigUpdate is a partial update; nil fields are left unchanged.
type LLMConfigUpdate struct {
	Name       *string `json:"name,omitempty"`
	Provider   *string `json:"provider,omitempty"`
	ModelName  *string `json:"model_name,omitempty"`
	APIKey     *string `json:"api_key,omitempty"`
	APIBaseURL *string `json:"api_base_url,omitempty"`
	IsDefault  *bool   `json:"is_default,omitempty"`
}

// MaskedKey hides all but the last four characters of the API key.
func (c LLMConfig) MaskedKey() string {
	if c.APIKey == "" {
		return ""
	}
	if len(c.APIKey) <= 4 {
		return "****"
	}
	return "****" + c.APIKey[len(c.APIKey)-4:]
}

// Reply is the result of a non-streamed send.
type Reply struct {
	Message   string       `json:"message"`
	SessionID transport.ID `json:"session_id"`
}
