package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveAPICallIncrementsCounter(t *testing.T) {
	t.Parallel()

	counter := apiRequestsTotal.WithLabelValues("GET", "/metrics-test", "success")
	before := testutil.ToFloat64(counter)
	ObserveAPICall("GET", "/metrics-test", "success", 20*time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestObserveExchangeDefaultsOutcome(t *testing.T) {
	t.Parallel()

	counter := streamExchangesTotal.WithLabelValues("unknown")
	before := testutil.ToFloat64(counter)
	ObserveExchange("", time.Second)
	require.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestObserveSessionExpired(t *testing.T) {
	t.Parallel()

	before := testutil.ToFloat64(sessionExpiredTotal)
	ObserveSessionExpired()
	require.GreaterOrEqual(t, testutil.ToFloat64(sessionExpiredTotal), before+1)
}
