package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLogLevel("debug"))
	assert.Equal(t, LogLevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, LogLevelInfo, ParseLogLevel("bogus"))
}

func TestStandardLoggerLevelFiltering(t *testing.T) {
	l := NewStandardLoggerWithLevel("test", LogLevelWarn).(*StandardLogger)
	assert.False(t, l.enabled(LogLevelDebug))
	assert.False(t, l.enabled(LogLevelInfo))
	assert.True(t, l.enabled(LogLevelWarn))
	assert.True(t, l.enabled(LogLevelError))
}

func TestFormatFieldsDeterministic(t *testing.T) {
	fields := map[string]interface{}{"b": 2, "a": 1, "c": "x"}
	assert.Equal(t, " a=1 b=2 c=x", formatFields(fields))
	assert.Equal(t, "", formatFields(nil))
}

func TestPrometheusMetricsRegistersLazily(t *testing.T) {
	m := NewPrometheusMetrics("ragmesh")

	m.IncrementCounter("events_total", map[string]string{"event": "retry.attempt"})
	m.IncrementCounter("events_total", map[string]string{"event": "retry.attempt"})
	m.RecordDuration("query_duration_seconds", 120*time.Millisecond, map[string]string{"mode": "NAIVE"})
	m.RecordGauge("pool_in_use", 3, map[string]string{"backend": "postgres"})

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.Len(t, families, 3)
}

func TestLogEmitter(t *testing.T) {
	m := NewPrometheusMetrics("ragmesh")
	e := NewLogEmitter(NewNoopLogger(), m)

	e.Emit(context.Background(), EventQueryCompleted, map[string]interface{}{
		"project_id": "p1",
		"mode":       "HYBRID",
	})

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, float64(1), families[0].GetMetric()[0].GetCounter().GetValue())
}
