package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/oremus-labs/agentdesk/internal/metrics"
	"github.com/oremus-labs/agentdesk/internal/observability"
	"github.com/oremus-labs/agentdesk/internal/transport"
)

const (
	defaultPath         = "/chat/stream"
	defaultTotalTimeout = 30 * time.Second
	defaultIdleTimeout  = 15 * time.Second
	readBufferSize      = 4096
	maxErrorBody        = 64 << 10
)

// Options configures an Engine.
type Options struct {
	// API supplies the base URL and the credential source.
	API          *transport.Client
	Path         string
	TotalTimeout time.Duration
	IdleTimeout  time.Duration
	Logger       *zerolog.Logger
}

// Engine opens streamed exchanges against the chat endpoint.
type Engine struct {
	api          *transport.Client
	path         string
	totalTimeout time.Duration
	idleTimeout  time.Duration
	logger       zerolog.Logger
}

// NewEngine constructs an Engine.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		api:          opts.API,
		path:         opts.Path,
		totalTimeout: opts.TotalTimeout,
		idleTimeout:  opts.IdleTimeout,
		logger:       log.With().Str("component", "stream").Logger(),
	}
	if opts.Logger != nil {
		e.logger = *opts.Logger
	}
	if e.api == nil {
		e.api = transport.New(transport.Options{})
	}
	if e.path == "" {
		e.path = defaultPath
	}
	if e.totalTimeout <= 0 {
		e.totalTimeout = defaultTotalTimeout
	}
	if e.idleTimeout <= 0 {
		e.idleTimeout = defaultIdleTimeout
	}
	return e
}

type streamRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// Open issues the streamed request and returns immediately; the exchange runs
// on its own goroutine and its events are pulled from the Handle. Both timers
// start before the request is sent.
func (e *Engine) Open(ctx context.Context, prompt, sessionID string) (*Handle, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	payload, err := json.Marshal(streamRequest{Message: prompt, SessionID: sessionID})
	if err != nil {
		return nil, errors.Wrap(err, "encode stream request")
	}

	reqCtx, abort := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.api.BaseURL()+e.path, bytes.NewReader(payload))
	if err != nil {
		abort()
		return nil, errors.Wrap(err, "build stream request")
	}
	req.Close = true
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if token := e.api.Token(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	_, span := observability.Tracer().Start(ctx, "stream.exchange", trace.WithAttributes(
		attribute.String("session.id", sessionID),
	))

	h := newHandle(sessionID, e.idleTimeout, abort)
	h.startTimers(e.totalTimeout)
	stop := context.AfterFunc(ctx, h.Cancel)
	go func() {
		defer stop()
		e.run(ctx, h, req, span)
	}()
	return h, nil
}

// OpenStream is the callback form of Open. onEvent receives content,
// sessionAssigned and done events in order; onError receives the terminal
// error of a failed exchange, or the reason it could not be opened. The
// returned func cancels the exchange and is safe to call more than once.
func (e *Engine) OpenStream(ctx context.Context, prompt, sessionID string, onEvent func(Event), onError func(error)) func() {
	h, err := e.Open(ctx, prompt, sessionID)
	if err != nil {
		if onError != nil {
			onError(err)
		}
		return func() {}
	}
	go func() {
		for ev := range h.Events() {
			if ev.Kind == KindError {
				if onError != nil {
					err := ev.Err
					if err == nil {
						err = errors.New(ev.Message)
					}
					onError(err)
				}
				continue
			}
			if onEvent != nil {
				onEvent(ev)
			}
		}
	}()
	return h.Cancel
}

func (e *Engine) run(parent context.Context, h *Handle, req *http.Request, span trace.Span) {
	start := time.Now()
	logger := e.logger.With().Str("session_id", h.sessionID).Logger()
	// A private transport per exchange so no connection is ever reused.
	rt := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		DialContext:       (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		DisableKeepAlives: true,
	}
	client := &http.Client{Transport: rt}

	defer func() {
		if r := recover(); r != nil {
			err := errors.Errorf("stream reader panic: %v", r)
			if h.settle(StateErrored, err) {
				h.emit(errorEvent(err.Error(), err))
			}
		}
		if h.settle(StateCompleted, nil) {
			h.emit(doneEvent(true))
		}
		// A timer abort is reported here, once, whichever path noticed it.
		state, reason := h.snapshot()
		if state == StateErrored && reason != nil {
			h.emit(errorEvent(e.timeoutMessage(reason), reason))
		}
		h.abort()
		rt.CloseIdleConnections()
		close(h.events)
		close(h.finished)

		outcome := outcomeFor(state, h.Err())
		metrics.ObserveExchange(outcome, time.Since(start))
		span.SetAttributes(attribute.String("stream.outcome", outcome))
		if state == StateErrored {
			span.SetStatus(codes.Error, fmt.Sprint(h.Err()))
		}
		span.End()
		logger.Debug().Str("outcome", outcome).Dur("elapsed", time.Since(start)).Msg("exchange finished")
	}()

	resp, err := client.Do(req)
	if err != nil {
		e.fail(parent, h, errors.Wrap(transport.ErrTransport, err.Error()), fmt.Sprintf("connection failed: %v", err))
		return
	}
	defer resp.Body.Close()
	h.touch()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		message := transport.ExtractMessage(resp.StatusCode, body)
		cause := errors.Wrapf(transport.ErrStatus, "status %d", resp.StatusCode)
		if resp.StatusCode == http.StatusUnauthorized {
			e.api.Expire(parent, "401 from "+e.path)
			cause = errors.Wrap(transport.ErrAuthExpired, e.path)
		}
		e.fail(parent, h, cause, message)
		return
	}

	p := newParser(h.sessionID, logger)
	buf := make([]byte, readBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			h.touch()
			if e.deliver(h, p.feed(buf[:n])) {
				return
			}
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			if e.deliver(h, p.close()) {
				return
			}
			if h.settle(StateCompleted, nil) {
				h.emit(doneEvent(true))
			}
			return
		}
		e.fail(parent, h, errors.Wrap(transport.ErrTransport, readErr.Error()), fmt.Sprintf("stream interrupted: %v", readErr))
		return
	}
}

// deliver emits parsed events in order and reports whether the exchange is over.
func (e *Engine) deliver(h *Handle, evs []Event) bool {
	for _, ev := range evs {
		if ev.Terminal() {
			state := StateCompleted
			if ev.Kind == KindError {
				state = StateErrored
			}
			if h.settle(state, ev.Err) {
				h.emit(ev)
			}
			return true
		}
		if !h.streaming() {
			return true
		}
		if !h.emit(ev) {
			return true
		}
	}
	return !h.streaming()
}

// fail reports a transport-level failure unless a timer or the caller
// already ended the exchange.
func (e *Engine) fail(parent context.Context, h *Handle, cause error, message string) {
	if !h.streaming() {
		return
	}
	if parent.Err() != nil {
		// The caller's context ended the exchange; treat it as a cancel.
		h.Cancel()
		return
	}
	if h.settle(StateErrored, cause) {
		e.logger.Warn().Err(cause).Str("session_id", h.sessionID).Msg("stream failed")
		h.emit(errorEvent(message, cause))
	}
}

func (e *Engine) timeoutMessage(reason error) string {
	if errors.Is(reason, ErrIdleTimeout) {
		return fmt.Sprintf("stream stalled: no data received for %s", e.idleTimeout)
	}
	return fmt.Sprintf("response timed out after %s", e.totalTimeout)
}

func outcomeFor(state State, err error) string {
	switch {
	case state == StateCompleted:
		return "completed"
	case state == StateCancelled:
		return "cancelled"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}
