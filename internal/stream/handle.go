package stream

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle position of a Handle.
type State int

const (
	StateStreaming State = iota
	StateCompleted
	StateErrored
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Handle is one in-flight streamed exchange. Events are pulled with Next or
// ranged over with Events; both stop after the terminal event.
type Handle struct {
	sessionID   string
	idleTimeout time.Duration

	events   chan Event
	stopped  chan struct{} // closed by Cancel while streaming
	finished chan struct{} // closed when the reader exits
	abort    context.CancelFunc

	mu     sync.Mutex
	state  State
	reason error // abort cause recorded by a timer
	err    error
	idle   *time.Timer
	total  *time.Timer

	cancelled atomic.Bool
}

func newHandle(sessionID string, idle time.Duration, abort context.CancelFunc) *Handle {
	return &Handle{
		sessionID:   sessionID,
		idleTimeout: idle,
		events:      make(chan Event, 64),
		stopped:     make(chan struct{}),
		finished:    make(chan struct{}),
		abort:       abort,
	}
}

// Next blocks until the next event is available. It returns false once the
// stream has ended, after Cancel, or when ctx is done.
func (h *Handle) Next(ctx context.Context) (Event, bool) {
	if h.cancelled.Load() {
		return Event{}, false
	}
	select {
	case ev, ok := <-h.events:
		if !ok || h.cancelled.Load() {
			return Event{}, false
		}
		return ev, true
	case <-ctx.Done():
		return Event{}, false
	}
}

// Events returns the remaining events as a sequence. Breaking out of the
// loop cancels the exchange.
func (h *Handle) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			ev, ok := h.Next(context.Background())
			if !ok {
				return
			}
			if !yield(ev) {
				h.Cancel()
				return
			}
		}
	}
}

// Cancel aborts the exchange. It is idempotent and a no-op once a terminal
// event has been produced. No events are delivered after it returns.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.state != StateStreaming {
		h.mu.Unlock()
		return
	}
	h.state = StateCancelled
	h.stopTimersLocked()
	h.mu.Unlock()

	h.cancelled.Store(true)
	close(h.stopped)
	h.abort()
}

// State reports the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the terminal error of an errored exchange.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// SessionID is the session the exchange was started with.
func (h *Handle) SessionID() string { return h.sessionID }

// Done is closed once the reader has exited and all resources are released.
func (h *Handle) Done() <-chan struct{} { return h.finished }

func (h *Handle) startTimers(total time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total = time.AfterFunc(total, func() { h.expire(ErrTotalTimeout) })
	h.idle = time.AfterFunc(h.idleTimeout, func() { h.expire(ErrIdleTimeout) })
}

// touch re-arms the idle timer after bytes arrive.
func (h *Handle) touch() {
	h.mu.Lock()
	if h.state == StateStreaming && h.idle != nil {
		h.idle.Reset(h.idleTimeout)
	}
	h.mu.Unlock()
}

// expire is the timer path: the first abort reason wins.
func (h *Handle) expire(reason error) {
	h.mu.Lock()
	if h.state != StateStreaming {
		h.mu.Unlock()
		return
	}
	h.state = StateErrored
	h.reason = reason
	h.err = reason
	h.stopTimersLocked()
	h.mu.Unlock()
	h.abort()
}

// settle moves a streaming handle into a terminal state. It reports false
// when another path got there first.
func (h *Handle) settle(state State, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateStreaming {
		return false
	}
	h.state = state
	h.err = err
	h.stopTimersLocked()
	return true
}

func (h *Handle) snapshot() (State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, h.reason
}

func (h *Handle) streaming() bool {
	return h.State() == StateStreaming
}

func (h *Handle) stopTimersLocked() {
	if h.idle != nil {
		h.idle.Stop()
	}
	if h.total != nil {
		h.total.Stop()
	}
}

// emit hands ev to the consumer unless the handle was cancelled.
func (h *Handle) emit(ev Event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.stopped:
		return false
	}
}
