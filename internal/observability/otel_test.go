package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitOTelDisabledIsNoop(t *testing.T) {
	t.Parallel()

	shutdown, err := InitOTel(context.Background(), OtelConfig{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	require.NotNil(t, Tracer())
}

func TestClampRatio(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0.0, clampRatio(-1))
	require.Equal(t, 1.0, clampRatio(4))
	require.Equal(t, 0.25, clampRatio(0.25))
}

// Not parallel: installs the global tracer provider.
func TestInitOTelExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitOTel(context.Background(), OtelConfig{Enabled: true, SampleRatio: 1, Writer: &buf})
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "test.span")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	require.Contains(t, buf.String(), "test.span")
}
