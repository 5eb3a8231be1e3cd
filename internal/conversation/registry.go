package conversation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/oremus-labs/agentdesk/internal/backend"
	"github.com/oremus-labs/agentdesk/internal/events"
	"github.com/oremus-labs/agentdesk/internal/store"
	"github.com/oremus-labs/agentdesk/internal/stream"
	"github.com/oremus-labs/agentdesk/internal/transport"
)

const refetchTimeout = 10 * time.Second

// Options configures a Registry.
type Options struct {
	Engine  *stream.Engine
	Backend *backend.Client
	// Cache persists transcripts for offline reads. Optional.
	Cache *store.Store
	// Bus receives session.assigned and exchange outcome signals. Optional.
	Bus *events.Bus
	// RefetchOnDone reloads the transcript after a completed exchange so
	// server ids replace the placeholders.
	RefetchOnDone bool
	// OnEvent observes every delivery event after it has been folded in.
	OnEvent func(*Conversation, stream.Event)
	Logger  *zerolog.Logger
}

// Registry owns the conversations of one client and their exchanges.
type Registry struct {
	opts   Options
	logger zerolog.Logger

	mu            sync.Mutex
	conversations map[string]*Conversation
}

// NewRegistry constructs a Registry.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		opts:          opts,
		logger:        log.With().Str("component", "conversation").Logger(),
		conversations: make(map[string]*Conversation),
	}
	if opts.Logger != nil {
		r.logger = *opts.Logger
	}
	return r
}

// Conversation returns the conversation for sessionID, creating it when
// unknown. An empty id always yields a fresh conversation.
func (r *Registry) Conversation(sessionID string) *Conversation {
	if sessionID == "" {
		return newConversation(r, "")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.conversations[sessionID]
	if !ok {
		conv = newConversation(r, sessionID)
		r.conversations[sessionID] = conv
	}
	return conv
}

func (r *Registry) lookup(sessionID string) *Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conversations[sessionID]
}

func (r *Registry) register(sessionID string, conv *Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[sessionID] = conv
}

// Send appends the user message, opens the streamed exchange and returns at
// once; events are folded in on a background goroutine. ctx bounds the
// exchange: cancelling it stops the stream.
func (r *Registry) Send(ctx context.Context, sessionID, text string) (*Conversation, error) {
	return r.SendTo(ctx, r.Conversation(sessionID), text)
}

// SendTo is Send on an existing conversation, which is how a conversation
// started without a session keeps its transcript across exchanges.
func (r *Registry) SendTo(ctx context.Context, conv *Conversation, text string) (*Conversation, error) {
	if strings.TrimSpace(text) == "" {
		return conv, stream.ErrEmptyPrompt
	}
	finished, err := conv.begin(text)
	if err != nil {
		return conv, err
	}

	h, err := r.opts.Engine.Open(ctx, text, conv.SessionID())
	if err != nil {
		conv.fail(err.Error(), err)
		r.publishOutcome(ctx, conv, events.TypeExchangeFailed, err.Error())
		conv.release(finished)
		return conv, err
	}
	conv.attach(h)
	go r.fold(ctx, conv, h, finished)
	return conv, nil
}

// fold consumes the exchange events in arrival order.
func (r *Registry) fold(ctx context.Context, conv *Conversation, h *stream.Handle, finished chan struct{}) {
	defer conv.release(finished)
	completed := false
	for ev := range h.Events() {
		switch ev.Kind {
		case stream.KindContent:
			conv.appendContent(ev.Text)
		case stream.KindSessionAssigned:
			r.assign(ctx, conv, ev.SessionID)
		case stream.KindDone:
			conv.complete()
			completed = true
		case stream.KindError:
			conv.fail(ev.Message, ev.Err)
		}
		if r.opts.OnEvent != nil {
			r.opts.OnEvent(conv, ev)
		}
		if ev.Kind == stream.KindError {
			r.publishOutcome(ctx, conv, events.TypeExchangeFailed, ev.Message)
		}
	}

	if !completed {
		if h.State() == stream.StateCancelled {
			r.logger.Info().Str("session_id", conv.SessionID()).Msg("exchange cancelled")
		}
		return
	}
	r.publishOutcome(ctx, conv, events.TypeExchangeCompleted, "")
	r.settle(ctx, conv)
}

// settle refreshes or caches the transcript of a completed exchange.
func (r *Registry) settle(ctx context.Context, conv *Conversation) {
	sessionID := conv.SessionID()
	if sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refetchTimeout)
	defer cancel()
	if r.opts.RefetchOnDone && r.opts.Backend != nil {
		if _, err := r.Load(ctx, sessionID); err != nil {
			r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("transcript refetch failed")
		}
		return
	}
	r.persist(ctx, sessionID, conv.Messages())
}

func (r *Registry) assign(ctx context.Context, conv *Conversation, id string) {
	previous := conv.adopt(id)
	if previous == id {
		return
	}
	if previous != "" && r.lookup(previous) == conv {
		r.mu.Lock()
		delete(r.conversations, previous)
		r.mu.Unlock()
	}
	r.register(id, conv)
	r.logger.Debug().Str("session_id", id).Str("previous", previous).Msg("session assigned")
	if err := r.opts.Bus.Publish(context.WithoutCancel(ctx), events.Event{
		Type: events.TypeSessionAssigned,
		Data: map[string]string{"session_id": id, "previous": previous},
	}); err != nil {
		r.logger.Warn().Err(err).Msg("failed to publish session assignment")
	}
}

func (r *Registry) publishOutcome(ctx context.Context, conv *Conversation, kind, reason string) {
	data := map[string]string{"session_id": conv.SessionID()}
	if reason != "" {
		data["reason"] = reason
	}
	if err := r.opts.Bus.Publish(context.WithoutCancel(ctx), events.Event{Type: kind, Data: data}); err != nil {
		r.logger.Warn().Err(err).Str("type", kind).Msg("failed to publish exchange outcome")
	}
}

// Stop cancels the live exchange of sessionID and asks the backend to stop
// generating, concurrently. The local cancel always happens; the backend
// error, if any, is returned.
func (r *Registry) Stop(ctx context.Context, sessionID string) error {
	var g errgroup.Group
	g.Go(func() error {
		if conv := r.lookup(sessionID); conv != nil {
			conv.cancel()
		}
		return nil
	})
	g.Go(func() error {
		if r.opts.Backend == nil || sessionID == "" {
			return nil
		}
		return errors.Wrap(r.opts.Backend.StopGeneration(ctx, sessionID), "stop generation")
	})
	return g.Wait()
}

// Load fetches the transcript of sessionID, replaces the cached one and
// persists it. When the fetch fails the local cache is served instead; the
// failure is returned only when the cache has nothing.
func (r *Registry) Load(ctx context.Context, sessionID string) ([]backend.Message, error) {
	if sessionID == "" {
		return nil, errors.New("session id required")
	}
	conv := r.Conversation(sessionID)

	var env transport.Envelope[[]backend.Message]
	if r.opts.Backend != nil {
		env = r.opts.Backend.SessionMessagesEnvelope(ctx, sessionID)
	} else {
		env = transport.Envelope[[]backend.Message]{Message: "no backend configured"}
	}
	if env.Success {
		msgs := *env.Data
		if !conv.replace(msgs) {
			r.logger.Debug().Str("session_id", sessionID).Msg("exchange in progress; transcript refresh deferred")
		}
		r.persist(ctx, sessionID, msgs)
		return msgs, nil
	}

	cached := r.cached(ctx, sessionID)
	if len(cached) == 0 {
		return nil, &backend.APIError{Status: env.Status, Message: env.Message, Err: env.Err}
	}
	r.logger.Warn().Str("session_id", sessionID).Str("reason", env.Message).Msg("serving cached transcript")
	conv.replace(cached)
	return cached, nil
}

func (r *Registry) persist(ctx context.Context, sessionID string, msgs []backend.Message) {
	if r.opts.Cache == nil {
		return
	}
	if err := r.opts.Cache.ReplaceTranscript(ctx, sessionID, toRecords(sessionID, msgs)); err != nil {
		r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to cache transcript")
	}
}

func (r *Registry) cached(ctx context.Context, sessionID string) []backend.Message {
	if r.opts.Cache == nil {
		return nil
	}
	records, err := r.opts.Cache.Transcript(ctx, sessionID)
	if err != nil {
		r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("transcript cache read failed")
		return nil
	}
	return fromRecords(records)
}

func toRecords(sessionID string, msgs []backend.Message) []store.Message {
	out := make([]store.Message, 0, len(msgs))
	for i, m := range msgs {
		out = append(out, store.Message{
			ID:        m.ID.String(),
			SessionID: sessionID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt.Time,
			Position:  i,
		})
	}
	return out
}

func fromRecords(records []store.Message) []backend.Message {
	out := make([]backend.Message, 0, len(records))
	for _, rec := range records {
		out = append(out, backend.Message{
			ID:        transport.ID(rec.ID),
			SessionID: transport.ID(rec.SessionID),
			Role:      rec.Role,
			Content:   rec.Content,
			CreatedAt: backend.Timestamp{Time: rec.CreatedAt},
		})
	}
	return out
}
