package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollectorWithRegistry("test", prometheus.NewRegistry())
}

func TestCollector_Dispatch(t *testing.T) {
	c := newTestCollector(t)

	c.RecordDispatch("direct", "success", 120*time.Millisecond)
	c.RecordDispatch("direct", "success", 80*time.Millisecond)
	c.RecordDispatch("", "config_error", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.dispatchTotal.WithLabelValues("direct", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dispatchTotal.WithLabelValues("none", "config_error")))
}

func TestCollector_AttemptsAndSelections(t *testing.T) {
	c := newTestCollector(t)

	c.RecordAttempt("proxy", false)
	c.RecordAttempt("direct", true)
	c.RecordSelection("rotated")
	c.RecordSelection("rotated")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.transportAttempts.WithLabelValues("proxy", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transportAttempts.WithLabelValues("direct", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.keySelections.WithLabelValues("rotated")))
}

func TestCollector_Gauges(t *testing.T) {
	c := newTestCollector(t)

	c.SetPoolKeys(3)
	c.SetBreakerState("direct", 2)
	c.RecordTokens("grok-3-beta", 150)
	c.RecordTokens("grok-3-beta", 0)
	c.RecordProbe(false, true)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.poolKeys))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.breakerState.WithLabelValues("direct")))
	assert.Equal(t, 150.0, testutil.ToFloat64(c.tokensUsed.WithLabelValues("grok-3-beta")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.probes.WithLabelValues("unavailable_cached")))
}

func TestCollector_HTTP(t *testing.T) {
	c := newTestCollector(t)
	c.RecordHTTPRequest("GET", "/api/status", 200, 5*time.Millisecond)

	n, err := testutil.GatherAndCount(c.Registry(), "test_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordDispatch("direct", "success", time.Second)
		c.RecordAttempt("direct", true)
		c.RecordSelection("current")
		c.RecordTokens("m", 1)
		c.RecordProbe(true, false)
		c.SetBreakerState("direct", 0)
		c.SetPoolKeys(1)
		c.RecordHTTPRequest("GET", "/", 200, 0)
	})
	assert.Nil(t, c.Registry())
}
