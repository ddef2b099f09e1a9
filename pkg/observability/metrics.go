package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsClient is the metrics interface all components accept.
type MetricsClient interface {
	IncrementCounter(name string, labels map[string]string)
	RecordDuration(name string, d time.Duration, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
}

// PrometheusMetrics implements MetricsClient on prometheus collectors,
// registering each metric lazily on first use.
type PrometheusMetrics struct {
	registry   *prometheus.Registry
	namespace  string
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheusMetrics creates a PrometheusMetrics with its own registry.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	return &PrometheusMetrics{
		registry:   prometheus.NewRegistry(),
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// Registry exposes the underlying registry for the application to serve.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	return keys
}

// IncrementCounter bumps the named counter.
func (m *PrometheusMetrics) IncrementCounter(name string, labels map[string]string) {
	m.mu.Lock()
	c, ok := m.counters[name]
	if !ok {
		c = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      name,
		}, labelKeys(labels))
		m.registry.MustRegister(c)
		m.counters[name] = c
	}
	m.mu.Unlock()
	c.With(labels).Inc()
}

// RecordDuration observes a duration in seconds on the named histogram.
func (m *PrometheusMetrics) RecordDuration(name string, d time.Duration, labels map[string]string) {
	m.mu.Lock()
	h, ok := m.histograms[name]
	if !ok {
		h = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      name,
			Buckets:   prometheus.DefBuckets,
		}, labelKeys(labels))
		m.registry.MustRegister(h)
		m.histograms[name] = h
	}
	m.mu.Unlock()
	h.With(labels).Observe(d.Seconds())
}

// RecordGauge sets the named gauge.
func (m *PrometheusMetrics) RecordGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	g, ok := m.gauges[name]
	if !ok {
		g = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      name,
		}, labelKeys(labels))
		m.registry.MustRegister(g)
		m.gauges[name] = g
	}
	m.mu.Unlock()
	g.With(labels).Set(value)
}

// NoopMetrics discards all metrics.
type NoopMetrics struct{}

func (NoopMetrics) IncrementCounter(string, map[string]string)               {}
func (NoopMetrics) RecordDuration(string, time.Duration, map[string]string) {}
func (NoopMetrics) RecordGauge(string, float64, map[string]string)          {}

// NewNoopMetrics creates a MetricsClient that discards everything.
func NewNoopMetrics() MetricsClient { return NoopMetrics{} }
