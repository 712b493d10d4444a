package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.QueryCompleted("query", "success", 10*time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	// a second registry must not collide
	assert.NotPanics(t, func() { New(prometheus.NewRegistry()) })
}

func TestCircuitChanged(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.CircuitChanged(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitOpen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitTrips))

	m.CircuitChanged(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitOpen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitTrips))
}

func TestRecorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.QueryRetried("query_range")
	m.CacheAccessed(true)
	m.CacheAccessed(false)
	m.CacheAccessed(false)
	m.RuleEvaluated("high_errors", "anomaly", time.Millisecond)
	m.RuleCount(3)
	m.Observed("latency")
	m.BreachDetected("latency")
	m.SnapshotCompleted("save", nil)
	m.SnapshotCompleted("save", errors.New("disk full"))
	m.HTTPRequest("GET", "/health", 200, time.Millisecond)
	m.HTTPRequest("POST", "/api/v1/rules", 409, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueryRetries.WithLabelValues("query_range")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheRequests.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleEvaluations.WithLabelValues("high_errors", "anomaly")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RulesRegistered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BaselineBreaches.WithLabelValues("latency")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SnapshotOperations.WithLabelValues("save", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/v1/rules", "4xx")))
}
