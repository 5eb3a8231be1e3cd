package stream

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/oremus-labs/agentdesk/internal/metrics"
	"github.com/oremus-labs/agentdesk/internal/transport"
)

const dataMarker = "data:"

const frameSchemaJSON = `{
  "type": "object",
  "properties": {
    "chunk": {"type": ["string", "null"]},
    "session_id": {"type": ["string", "integer", "null"]},
    "done": {"type": ["boolean", "null"]},
    "error": {"type": ["string", "null"]}
  }
}`

var frameSchema = mustSchema(frameSchemaJSON)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(err)
	}
	return schema
}

// utf8Decoder decodes a byte stream incrementally. An incomplete trailing
// rune is held back until the next chunk; every invalid byte becomes U+FFFD
// so the output does not depend on where chunks were split.
type utf8Decoder struct {
	tail []byte
}

func (d *utf8Decoder) decode(p []byte) string {
	buf := make([]byte, 0, len(d.tail)+len(p))
	buf = append(buf, d.tail...)
	buf = append(buf, p...)

	cut := len(buf)
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax; i-- {
		if utf8.RuneStart(buf[i]) {
			if !utf8.FullRune(buf[i:]) {
				cut = i
			}
			break
		}
	}
	d.tail = append(d.tail[:0], buf[cut:]...)
	return toValid(buf[:cut])
}

func (d *utf8Decoder) flush() string {
	out := toValid(d.tail)
	d.tail = d.tail[:0]
	return out
}

func toValid(p []byte) string {
	if utf8.Valid(p) {
		return string(p)
	}
	var sb strings.Builder
	sb.Grow(len(p))
	for len(p) > 0 {
		r, size := utf8.DecodeRune(p)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
		} else {
			sb.Write(p[:size])
		}
		p = p[size:]
	}
	return sb.String()
}

// framer buffers decoded text and yields data payloads of frames terminated
// by a blank line.
type framer struct {
	residue string
}

func (f *framer) push(text string) []string {
	f.residue += strings.ReplaceAll(text, "\r", "")
	var payloads []string
	for {
		idx := strings.Index(f.residue, "\n\n")
		if idx < 0 {
			break
		}
		frame := f.residue[:idx]
		f.residue = f.residue[idx+2:]
		if payload, ok := framePayload(frame); ok {
			payloads = append(payloads, payload)
		}
	}
	return payloads
}

// discard drops an unterminated frame left at end of stream and reports
// how many bytes were lost.
func (f *framer) discard() int {
	n := len(strings.Trim(f.residue, "\n"))
	f.residue = ""
	return n
}

func framePayload(frame string) (string, bool) {
	var (
		lines []string
		found bool
	)
	for _, line := range strings.Split(frame, "\n") {
		if !strings.HasPrefix(line, dataMarker) {
			// Comments, event: and id: lines carry no payload.
			continue
		}
		found = true
		lines = append(lines, strings.TrimPrefix(line[len(dataMarker):], " "))
	}
	if !found {
		return "", false
	}
	return strings.Join(lines, "\n"), true
}

type record struct {
	Chunk     string       `json:"chunk"`
	SessionID transport.ID `json:"session_id"`
	Done      bool         `json:"done"`
	Error     string       `json:"error"`
}

// parser turns raw body bytes into delivery events. It stops producing
// events once a terminal event has been produced.
type parser struct {
	dec     utf8Decoder
	frames  framer
	known   string
	stopped bool
	logger  zerolog.Logger
}

func newParser(sessionID string, logger zerolog.Logger) *parser {
	return &parser{known: sessionID, logger: logger}
}

// feed consumes one chunk of body bytes.
func (p *parser) feed(chunk []byte) []Event {
	if p.stopped {
		return nil
	}
	return p.translateAll(p.frames.push(p.dec.decode(chunk)))
}

// close flushes buffered input at end of stream. A frame without its
// terminator is dropped. It does not synthesize done.
func (p *parser) close() []Event {
	if p.stopped {
		return nil
	}
	out := p.translateAll(p.frames.push(p.dec.flush()))
	if n := p.frames.discard(); n > 0 && !p.stopped {
		p.logger.Debug().Int("bytes", n).Msg("dropping unterminated frame at end of stream")
	}
	return out
}

func (p *parser) translateAll(payloads []string) []Event {
	var out []Event
	for _, payload := range payloads {
		if p.stopped {
			break
		}
		out = append(out, p.translate(payload)...)
	}
	return out
}

// translate maps one record to events in field order: error, session,
// content, done. An error record ends the exchange on its own.
func (p *parser) translate(payload string) []Event {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		metrics.ObserveFrame("empty")
		return nil
	}
	rec, err := decodeRecord([]byte(trimmed))
	if err != nil {
		metrics.ObserveFrame("malformed")
		p.logger.Warn().Err(err).Str("payload", truncate(trimmed, 200)).Msg("skipping malformed frame")
		return nil
	}
	metrics.ObserveFrame("ok")

	if rec.Error != "" {
		p.stopped = true
		return []Event{errorEvent(rec.Error, errors.Wrap(ErrServer, rec.Error))}
	}
	var out []Event
	if id := rec.SessionID.String(); id != "" && id != p.known {
		p.known = id
		out = append(out, sessionEvent(id))
	}
	if rec.Chunk != "" {
		out = append(out, contentEvent(rec.Chunk))
	}
	if rec.Done {
		p.stopped = true
		out = append(out, doneEvent(false))
	}
	return out
}

func decodeRecord(payload []byte) (record, error) {
	var rec record
	result, err := frameSchema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return rec, errors.Wrap(ErrProtocol, err.Error())
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return rec, errors.Wrap(ErrProtocol, strings.Join(msgs, "; "))
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&rec); err != nil {
		return rec, errors.Wrap(ErrProtocol, err.Error())
	}
	return rec, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
