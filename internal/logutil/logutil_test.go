package logutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// Not parallel: Setup mutates the global logger.
func TestSetupJSONWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Setup("debug", "json", &buf))
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	Error("call failed", errors.New("boom"), map[string]interface{}{"path": "/chat/sessions"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "error", entry["level"])
	require.Equal(t, "call failed", entry["message"])
	require.Equal(t, "boom", entry["error"])
	require.Equal(t, "/chat/sessions", entry["path"])
}

func TestSetupRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Setup("warn", "json", &buf))
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	Info("hidden", nil)
	Debug("hidden", nil)
	require.Zero(t, buf.Len())

	Warn("shown", map[string]interface{}{"attempt": 2})
	require.Contains(t, buf.String(), "shown")
}

func TestSetupRejectsUnknownValues(t *testing.T) {
	require.Error(t, Setup("loud", "json", &bytes.Buffer{}))
	require.Error(t, Setup("info", "xml", &bytes.Buffer{}))
}
