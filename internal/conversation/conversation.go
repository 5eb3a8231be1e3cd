package conversation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/oremus-labs/agentdesk/internal/backend"
	"github.com/oremus-labs/agentdesk/internal/stream"
	"github.com/oremus-labs/agentdesk/internal/transport"
)

// ErrExchangeActive is returned by Send while the conversation is generating.
var ErrExchangeActive = errors.New("conversation: an exchange is already in progress")

// ErrorPrefix starts the assistant text that replaces a failed reply.
const ErrorPrefix = "Sorry, an error occurred: "

const (
	userPlaceholder      = "temp-"
	assistantPlaceholder = "assistant-"
)

// IsPlaceholder reports whether id was generated locally and has not yet been
// replaced by a server id.
func IsPlaceholder(id string) bool {
	return strings.HasPrefix(id, userPlaceholder) || strings.HasPrefix(id, assistantPlaceholder)
}

// Conversation is the transcript of one session as seen by this client.
type Conversation struct {
	registry *Registry

	mu         sync.Mutex
	sessionID  string
	messages   []backend.Message
	generating bool
	handle     *stream.Handle
	finished   chan struct{}
	lastErr    error
}

func newConversation(r *Registry, sessionID string) *Conversation {
	return &Conversation{registry: r, sessionID: sessionID}
}

// SessionID is the backend session, or "" until the first exchange assigns one.
func (c *Conversation) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Messages returns a snapshot of the transcript.
func (c *Conversation) Messages() []backend.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]backend.Message(nil), c.messages...)
}

// Generating reports whether an exchange is in progress.
func (c *Conversation) Generating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generating
}

// Wait blocks until the current exchange has been folded in, including any
// refetch, and returns its terminal error. It returns nil when idle.
func (c *Conversation) Wait(ctx context.Context) error {
	c.mu.Lock()
	finished := c.finished
	c.mu.Unlock()
	if finished == nil {
		return nil
	}
	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Stop cancels the local exchange and, once a session is known, asks the
// backend to stop generating.
func (c *Conversation) Stop(ctx context.Context) error {
	if id := c.SessionID(); id != "" {
		return c.registry.Stop(ctx, id)
	}
	c.cancel()
	return nil
}

func (c *Conversation) cancel() {
	c.mu.Lock()
	h := c.handle
	c.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

// begin appends the optimistic user message and marks the conversation busy.
// The returned channel identifies the exchange and is closed by release.
func (c *Conversation) begin(text string) (chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generating {
		return nil, ErrExchangeActive
	}
	c.messages = append(c.messages, backend.Message{
		ID:        transport.ID(userPlaceholder + uuid.NewString()),
		SessionID: transport.ID(c.sessionID),
		Role:      backend.RoleUser,
		Content:   text,
		CreatedAt: backend.Timestamp{Time: time.Now().UTC()},
	})
	c.generating = true
	c.lastErr = nil
	c.finished = make(chan struct{})
	return c.finished, nil
}

func (c *Conversation) attach(h *stream.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handle = h
}

// appendContent extends the trailing assistant message or starts one.
func (c *Conversation) appendContent(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.messages); n > 0 && c.messages[n-1].Role == backend.RoleAssistant {
		c.messages[n-1].Content += text
		return
	}
	c.messages = append(c.messages, c.assistantLocked(text))
}

func (c *Conversation) assistantLocked(text string) backend.Message {
	return backend.Message{
		ID:        transport.ID(assistantPlaceholder + uuid.NewString()),
		SessionID: transport.ID(c.sessionID),
		Role:      backend.RoleAssistant,
		Content:   text,
		CreatedAt: backend.Timestamp{Time: time.Now().UTC()},
	}
}

// adopt switches the conversation to id and returns the previous id.
func (c *Conversation) adopt(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous := c.sessionID
	c.sessionID = id
	for i := range c.messages {
		if c.messages[i].SessionID == "" || IsPlaceholder(c.messages[i].ID.String()) {
			c.messages[i].SessionID = transport.ID(id)
		}
	}
	return previous
}

// fail replaces the in-progress assistant reply with the error text. When the
// reply has not started yet, one is created.
func (c *Conversation) fail(message string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	text := ErrorPrefix + message
	if n := len(c.messages); n > 0 && c.messages[n-1].Role == backend.RoleAssistant {
		c.messages[n-1].Content = text
	} else {
		c.messages = append(c.messages, c.assistantLocked(text))
	}
	c.lastErr = &backend.APIError{Message: message, Err: err}
	c.generating = false
}

func (c *Conversation) complete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generating = false
}

// release ends the bookkeeping of the exchange identified by finished and
// wakes Wait. A later exchange that already began is left untouched.
func (c *Conversation) release(finished chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished == finished {
		c.generating = false
		c.handle = nil
	}
	close(finished)
}

// replace swaps in a server transcript. It is skipped while generating so a
// refresh cannot clobber an exchange in flight.
func (c *Conversation) replace(msgs []backend.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generating {
		return false
	}
	c.messages = append([]backend.Message(nil), msgs...)
	return true
}
