package stream

// Kind tags a delivery event.
type Kind string

const (
	KindContent         Kind = "content"
	KindSessionAssigned Kind = "sessionAssigned"
	KindDone            Kind = "done"
	KindError           Kind = "error"
)

// Event is one application-level delivery produced from the stream.
type Event struct {
	Kind Kind `json:"kind"`
	// Text is set for content events.
	Text string `json:"text,omitempty"`
	// SessionID is set for sessionAssigned events.
	SessionID string `json:"sessionId,omitempty"`
	// Message is the human-readable reason for error events.
	Message string `json:"message,omitempty"`
	// Err classifies error events (ErrServer, ErrIdleTimeout, transport.ErrAuthExpired, ...).
	Err error `json:"-"`
	// Synthesized marks a done event produced by stream closure rather than a done record.
	Synthesized bool `json:"synthesized,omitempty"`
}

// Terminal reports whether no events follow this one.
func (e Event) Terminal() bool {
	return e.Kind == KindDone || e.Kind == KindError
}

func contentEvent(text string) Event { return Event{Kind: KindContent, Text: text} }

func sessionEvent(id string) Event { return Event{Kind: KindSessionAssigned, SessionID: id} }

func doneEvent(synthesized bool) Event { return Event{Kind: KindDone, Synthesized: synthesized} }

func errorEvent(message string, err error) Event {
	return Event{Kind: KindError, Message: message, Err: err}
}
