package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oremus-labs/agentdesk/internal/credentials"
	"github.com/oremus-labs/agentdesk/internal/transport"
)

func writeFrames(w http.ResponseWriter, frames ...string) {
	flusher := w.(http.Flusher)
	for _, f := range frames {
		_, _ = io.WriteString(w, "data: "+f+"\n\n")
		flusher.Flush()
	}
}

func newEngine(t *testing.T, handler http.HandlerFunc, creds transport.Credentials, total, idle time.Duration) *Engine {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	api := transport.New(transport.Options{BaseURL: srv.URL + "/api/v1", Credentials: creds})
	return NewEngine(Options{API: api, TotalTimeout: total, IdleTimeout: idle})
}

func collect(t *testing.T, h *Handle) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []Event
	for {
		ev, ok := h.Next(ctx)
		if !ok {
			require.NoError(t, ctx.Err(), "stream did not terminate")
			return out
		}
		out = append(out, ev)
	}
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("handle was not released")
	}
}

func TestOpenDeliversEventsInOrder(t *testing.T) {
	t.Parallel()

	engine := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/chat/stream", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.True(t, r.Close, "stream requests must not keep the connection alive")

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "Hi", body["message"])
		_, hasSession := body["session_id"]
		require.False(t, hasSession)

		w.Header().Set("Content-Type", "text/event-stream")
		writeFrames(w, `{"chunk": "He"}`, `{"chunk": "llo"}`, `{"session_id": "s1"}`, `{"done": true}`)
	}, credentials.NewGuard(credentials.NewMemory("tok"), nil), time.Second, time.Second)

	h, err := engine.Open(context.Background(), "Hi", "")
	require.NoError(t, err)

	evs := collect(t, h)
	require.Equal(t, []Event{
		contentEvent("He"),
		contentEvent("llo"),
		sessionEvent("s1"),
		doneEvent(false),
	}, evs)
	waitDone(t, h)
	require.Equal(t, StateCompleted, h.State())
	require.NoError(t, h.Err())
}

func TestEOFSynthesizesSingleDone(t *testing.T) {
	t.Parallel()

	engine := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, `{"session_id": "s9"}`, `{"chunk": "partial answer"}`)
	}, nil, time.Second, time.Second)

	h, err := engine.Open(context.Background(), "question", "s9")
	require.NoError(t, err)

	evs := collect(t, h)
	require.Equal(t, []Event{contentEvent("partial answer"), doneEvent(true)}, evs)
}

func TestIdleTimeoutEmitsSingleError(t *testing.T) {
	t.Parallel()

	engine := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, `{"chunk": "first"}`)
		<-r.Context().Done()
	}, nil, 5*time.Second, 80*time.Millisecond)

	h, err := engine.Open(context.Background(), "hello", "")
	require.NoError(t, err)

	evs := collect(t, h)
	require.Len(t, evs, 2)
	require.Equal(t, contentEvent("first"), evs[0])
	require.Equal(t, KindError, evs[1].Kind)
	require.ErrorIs(t, evs[1].Err, ErrIdleTimeout)
	require.ErrorIs(t, evs[1].Err, ErrTimeout)
	require.Contains(t, evs[1].Message, "stalled")
	waitDone(t, h)
	require.Equal(t, StateErrored, h.State())
}

func TestTotalTimeoutDespiteActivity(t *testing.T) {
	t.Parallel()

	engine := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				_, _ = io.WriteString(w, ": ping\n\n")
				flusher.Flush()
			}
		}
	}, nil, 150*time.Millisecond, time.Second)

	h, err := engine.Open(context.Background(), "slow", "")
	require.NoError(t, err)

	evs := collect(t, h)
	require.Len(t, evs, 1)
	require.ErrorIs(t, evs[0].Err, ErrTotalTimeout)
	require.Contains(t, evs[0].Message, "timed out")
}

func TestCancelIsIdempotentAndSilences(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	engine := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, `{"chunk": "one"}`)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, nil, 5*time.Second, 5*time.Second)
	defer close(release)

	h, err := engine.Open(context.Background(), "hello", "")
	require.NoError(t, err)

	ev, ok := h.Next(context.Background())
	require.True(t, ok)
	require.Equal(t, contentEvent("one"), ev)

	h.Cancel()
	h.Cancel()
	waitDone(t, h)

	_, ok = h.Next(context.Background())
	require.False(t, ok)
	require.Equal(t, StateCancelled, h.State())
	require.NoError(t, h.Err())
}

func TestCancelAfterDoneIsNoop(t *testing.T) {
	t.Parallel()

	engine := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, `{"chunk": "x"}`, `{"done": true}`)
	}, nil, time.Second, time.Second)

	h, err := engine.Open(context.Background(), "hello", "")
	require.NoError(t, err)
	waitDone(t, h)

	h.Cancel()
	h.Cancel()
	require.Equal(t, StateCompleted, h.State())

	// Buffered events stay readable after a late cancel.
	evs := collect(t, h)
	require.Equal(t, []Event{contentEvent("x"), doneEvent(false)}, evs)
}

func TestServerErrorRecordStopsReading(t *testing.T) {
	t.Parallel()

	engine := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, `{"session_id": "s2"}`, `{"error": "agent failed"}`)
		<-r.Context().Done()
	}, nil, 5*time.Second, 5*time.Second)

	h, err := engine.Open(context.Background(), "hello", "")
	require.NoError(t, err)

	evs := collect(t, h)
	require.Len(t, evs, 2)
	require.Equal(t, sessionEvent("s2"), evs[0])
	require.Equal(t, "agent failed", evs[1].Message)
	require.ErrorIs(t, evs[1].Err, ErrServer)
	require.ErrorIs(t, h.Err(), ErrServer)
}

func TestNon2xxBecomesErrorEvent(t *testing.T) {
	t.Parallel()

	engine := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"detail": "invalid session id"}`)
	}, nil, time.Second, time.Second)

	h, err := engine.Open(context.Background(), "hello", "bogus")
	require.NoError(t, err)

	evs := collect(t, h)
	require.Len(t, evs, 1)
	require.Equal(t, "invalid session id", evs[0].Message)
	require.ErrorIs(t, evs[0].Err, transport.ErrStatus)
}

func TestUnauthorizedStreamExpiresCredential(t *testing.T) {
	t.Parallel()

	guard := credentials.NewGuard(credentials.NewMemory("expired"), nil)
	engine := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"detail": "Not authenticated"}`)
	}, guard, time.Second, time.Second)

	h, err := engine.Open(context.Background(), "hello", "")
	require.NoError(t, err)

	evs := collect(t, h)
	require.Len(t, evs, 1)
	require.ErrorIs(t, evs[0].Err, transport.ErrAuthExpired)
	require.Empty(t, guard.Token(context.Background()))
}

func TestTransportFailureBecomesErrorEvent(t *testing.T) {
	t.Parallel()

	api := transport.New(transport.Options{BaseURL: "http://127.0.0.1:1"})
	engine := NewEngine(Options{API: api, TotalTimeout: time.Second, IdleTimeout: time.Second})

	h, err := engine.Open(context.Background(), "hello", "")
	require.NoError(t, err)
	evs := collect(t, h)
	require.Len(t, evs, 1)
	require.ErrorIs(t, evs[0].Err, transport.ErrTransport)
	require.Contains(t, evs[0].Message, "connection failed")
}

func TestOpenRejectsEmptyPrompt(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(Options{}).Open(context.Background(), "   ", "")
	require.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestParentContextCancelActsAsCancel(t *testing.T) {
	t.Parallel()

	engine := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, `{"chunk": "a"}`)
		<-r.Context().Done()
	}, nil, 5*time.Second, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	h, err := engine.Open(ctx, "hello", "")
	require.NoError(t, err)
	_, ok := h.Next(context.Background())
	require.True(t, ok)

	cancel()
	waitDone(t, h)
	require.Equal(t, StateCancelled, h.State())
	_, ok = h.Next(context.Background())
	require.False(t, ok)
}

func TestEventsSequenceAndCallbacks(t *testing.T) {
	t.Parallel()

	engine := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 3; i++ {
			writeFrames(w, fmt.Sprintf(`{"chunk": "%d"}`, i))
		}
		writeFrames(w, `{"error": "quota exceeded"}`)
	}, nil, time.Second, time.Second)

	h, err := engine.Open(context.Background(), "count", "")
	require.NoError(t, err)
	var texts []string
	for ev := range h.Events() {
		if ev.Kind == KindContent {
			texts = append(texts, ev.Text)
		}
	}
	require.Equal(t, []string{"0", "1", "2"}, texts)

	var (
		mu      sync.Mutex
		got     []Event
		gotErr  error
		errored = make(chan struct{})
	)
	cancel := engine.OpenStream(context.Background(), "count", "", func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}, func(err error) {
		mu.Lock()
		gotErr = err
		mu.Unlock()
		close(errored)
	})
	defer cancel()

	select {
	case <-errored:
	case <-time.After(5 * time.Second):
		t.Fatal("onError not called")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	require.ErrorIs(t, gotErr, ErrServer)
	require.EqualError(t, gotErr, "quota exceeded: server reported an error")
}

func TestOpenStreamReportsTimeoutOnce(t *testing.T) {
	t.Parallel()

	engine := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, `{"chunk": "first"}`)
		<-r.Context().Done()
	}, nil, 5*time.Second, 80*time.Millisecond)

	errs := make(chan error, 2)
	cancel := engine.OpenStream(context.Background(), "hello", "", nil, func(err error) { errs <- err })
	defer cancel()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrIdleTimeout)
		require.Equal(t, 1, strings.Count(err.Error(), "stream stalled"))
	case <-time.After(5 * time.Second):
		t.Fatal("onError not called")
	}
	select {
	case err := <-errs:
		t.Fatalf("second error: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOpenStreamReportsOpenFailure(t *testing.T) {
	t.Parallel()

	var gotErr error
	cancel := NewEngine(Options{}).OpenStream(context.Background(), "", "", nil, func(err error) { gotErr = err })
	cancel()
	require.ErrorIs(t, gotErr, ErrEmptyPrompt)
}
