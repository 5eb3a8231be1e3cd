package stream

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const sampleBody = "data: {\"session_id\": \"s1\"}\r\n\r\n" +
	": keep-alive\n\n" +
	"data: {\"chunk\": \"你好，\"}\n\n" +
	"data: {\"chunk\": \"世界 🌍\"}\n\n" +
	"data: not json\n\n" +
	"event: message\nid: 7\ndata: {\"chunk\": \"é\"}\n\n" +
	"data: {\"done\": true}\n\n"

func parseChunks(sessionID string, chunks ...[]byte) []Event {
	p := newParser(sessionID, zerolog.Nop())
	var out []Event
	for _, c := range chunks {
		out = append(out, p.feed(c)...)
	}
	return append(out, p.close()...)
}

func TestParserWholeBody(t *testing.T) {
	t.Parallel()

	evs := parseChunks("", []byte(sampleBody))
	require.Equal(t, []Event{
		sessionEvent("s1"),
		contentEvent("你好，"),
		contentEvent("世界 🌍"),
		contentEvent("é"),
		doneEvent(false),
	}, evs)
}

func TestParserChunkSplitInvariance(t *testing.T) {
	t.Parallel()

	body := []byte(sampleBody)
	want := parseChunks("", body)

	for i := 0; i <= len(body); i++ {
		require.Equal(t, want, parseChunks("", body[:i], body[i:]), "split at %d", i)
	}
	for i := 0; i < len(body); i += 3 {
		for j := i; j <= len(body); j += 5 {
			require.Equal(t, want, parseChunks("", body[:i], body[i:j], body[j:]), "split at %d/%d", i, j)
		}
	}

	single := make([][]byte, 0, len(body))
	for i := range body {
		single = append(single, body[i:i+1])
	}
	require.Equal(t, want, parseChunks("", single...))
}

func TestDecoderReplacesInvalidBytesConsistently(t *testing.T) {
	t.Parallel()

	raw := []byte{'a', 0xE2, 0x82, 0xE2, 0x82, 0xAC, 0x80, 'b'}
	var whole utf8Decoder
	want := whole.decode(raw) + whole.flush()
	require.Equal(t, "a\uFFFD\uFFFD€\uFFFDb", want)

	for i := 0; i <= len(raw); i++ {
		var d utf8Decoder
		got := d.decode(raw[:i]) + d.decode(raw[i:]) + d.flush()
		require.Equal(t, want, got, "split at %d", i)
	}

	var trailing utf8Decoder
	require.Equal(t, "x", trailing.decode([]byte{'x', 0xF0, 0x9F}))
	require.Equal(t, "\uFFFD\uFFFD", trailing.flush())
}

func TestParserErrorRecordTerminates(t *testing.T) {
	t.Parallel()

	evs := parseChunks("", []byte(
		"data: {\"chunk\": \"partial\"}\n\n"+
			"data: {\"error\": \"model unavailable\", \"chunk\": \"ignored\"}\n\n"+
			"data: {\"chunk\": \"after\"}\n\n"+
			"data: {\"done\": true}\n\n"))
	require.Len(t, evs, 2)
	require.Equal(t, contentEvent("partial"), evs[0])
	require.Equal(t, KindError, evs[1].Kind)
	require.Equal(t, "model unavailable", evs[1].Message)
	require.ErrorIs(t, evs[1].Err, ErrServer)
}

func TestParserSuppressesKnownSessionIDs(t *testing.T) {
	t.Parallel()

	evs := parseChunks("s1", []byte(
		"data: {\"session_id\": \"s1\"}\n\n"+
			"data: {\"session_id\": 42, \"chunk\": \"a\"}\n\n"+
			"data: {\"session_id\": 42, \"chunk\": \"b\", \"done\": true}\n\n"))
	require.Equal(t, []Event{
		sessionEvent("42"),
		contentEvent("a"),
		contentEvent("b"),
		doneEvent(false),
	}, evs)
}

func TestParserSkipsSchemaViolations(t *testing.T) {
	t.Parallel()

	evs := parseChunks("", []byte(
		"data: {\"chunk\": 12}\n\n"+
			"data: [1, 2]\n\n"+
			"data:\n\n"+
			"data: {\"chunk\":\n"+
			"data:  \"multi\"}\n\n"))
	require.Equal(t, []Event{contentEvent("multi")}, evs)
}

func TestParserDropsUnterminatedFrame(t *testing.T) {
	t.Parallel()

	evs := parseChunks("", []byte("data: {\"chunk\": \"head\"}\n\ndata: {\"chunk\": \"tail\"}"))
	require.Equal(t, []Event{contentEvent("head")}, evs)

	evs = parseChunks("", []byte("data: {\"chunk\": \"tail\"}\n"))
	require.Empty(t, evs)
}
