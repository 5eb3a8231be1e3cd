package stream

import "github.com/pkg/errors"

var (
	// ErrProtocol marks a malformed frame. It is logged and skipped, never terminal.
	ErrProtocol = errors.New("malformed stream frame")
	// ErrServer marks an error record sent by the backend. Terminal.
	ErrServer = errors.New("server reported an error")
	// ErrTimeout is the parent of both timeout kinds.
	ErrTimeout = errors.New("stream timeout")
	// ErrTotalTimeout fires when the exchange outlives its total budget.
	ErrTotalTimeout = errors.Wrap(ErrTimeout, "response timed out")
	// ErrIdleTimeout fires when no bytes arrive within the idle window.
	ErrIdleTimeout = errors.Wrap(ErrTimeout, "stream stalled")
	// ErrEmptyPrompt is returned by Open for a blank message.
	ErrEmptyPrompt = errors.New("message must not be empty")
)
