package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Client-side signals published by the agentdesk core.
const (
	TypeSessionExpired    = "session.expired"
	TypeSessionAssigned   = "session.assigned"
	TypeExchangeCompleted = "exchange.completed"
	TypeExchangeFailed    = "exchange.failed"
)

// Event represents a signal emitted by the client core.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// Bus multiplexes events to local subscribers, mirrored through Redis when configured.
type Bus struct {
	client redis.UniversalClient
	logger zerolog.Logger
	ch     string
	source string

	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// Options configure the bus.
type Options struct {
	Client  redis.UniversalClient
	Logger  *zerolog.Logger
	Channel string
}

// NewBus creates a new event bus. When a Redis client is supplied the bus
// listens on the channel until ctx is done.
func NewBus(ctx context.Context, opts Options) *Bus {
	channel := opts.Channel
	if channel == "" {
		channel = "agentdesk-events"
	}
	logger := log.With().Str("component", "events").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	bus := &Bus{
		client:      opts.Client,
		logger:      logger,
		ch:          channel,
		source:      uuid.NewString(),
		subscribers: make(map[chan Event]struct{}),
	}
	if bus.client != nil {
		go bus.observeRedis(ctx)
	}
	return bus
}

// Publish broadcasts an event to all subscribers and Redis. Local subscribers
// are always notified, even when the Redis publish fails.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	if b == nil {
		return nil
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.Source = b.source

	b.broadcast(evt)

	if b.client != nil {
		payload, err := json.Marshal(evt)
		if err != nil {
			return errors.Wrap(err, "marshal event")
		}
		if err := b.client.Publish(ctx, b.ch, payload).Err(); err != nil {
			return errors.Wrap(err, "redis publish")
		}
	}
	return nil
}

// Subscribe registers a subscriber and returns a channel plus a cancel func.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	if b == nil {
		return nil, nil, errors.New("events: bus not configured")
	}
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, ch)
			close(ch)
			b.mu.Unlock()
			close(done)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return ch, cancel, nil
}

func (b *Bus) broadcast(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.logger.Warn().Str("event_id", evt.ID).Str("type", evt.Type).Msg("dropping event (subscriber backlog)")
		}
	}
}

func (b *Bus) observeRedis(ctx context.Context) {
	pubsub := b.client.Subscribe(ctx, b.ch)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn().Err(err).Msg("redis subscriber error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		var evt Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			b.logger.Warn().Err(err).Msg("invalid payload")
			continue
		}
		// Our own publishes were already delivered locally.
		if evt.Source == b.source {
			continue
		}
		b.broadcast(evt)
	}
}
