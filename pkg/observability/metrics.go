package observability

import (
	"sort"
	"sync"
	"time"
)

// MetricsClient defines the interface for metrics collection
type MetricsClient interface {
	IncrementCounter(name string, value float64)
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
	// RecordOperation records one component operation's outcome and latency.
	RecordOperation(component string, operation string, success bool, durationSeconds float64, labels map[string]string)
	Close() error
}

// InMemoryMetricsClient keeps running counters and gauges keyed by metric
// name, inspectable through Counter and Gauge. Exporting to an external
// metrics system is a deployment concern outside this library.
type InMemoryMetricsClient struct {
	mu       sync.RWMutex
	enabled  bool
	counters map[string]float64
	gauges   map[string]float64
}

// MetricsOptions contains configuration options for creating a metrics client
type MetricsOptions struct {
	Enabled bool
}

// NewMetricsClient creates a new metrics client with default options
func NewMetricsClient() *InMemoryMetricsClient {
	return NewMetricsClientWithOptions(MetricsOptions{Enabled: true})
}

// NewMetricsClientWithOptions creates a new metrics client with specific options
func NewMetricsClientWithOptions(options MetricsOptions) *InMemoryMetricsClient {
	return &InMemoryMetricsClient{
		enabled:  options.Enabled,
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

// IncrementCounter increments a counter metric by a given value
func (m *InMemoryMetricsClient) IncrementCounter(name string, value float64) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	m.counters[name] += value
	m.mu.Unlock()
}

// IncrementCounterWithLabels increments a counter metric, folding labels into the key
func (m *InMemoryMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	m.IncrementCounter(metricKey(name, labels), value)
}

// RecordGauge records a gauge metric
func (m *InMemoryMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	m.gauges[metricKey(name, labels)] = value
	m.mu.Unlock()
}

// RecordHistogram records a histogram observation
func (m *InMemoryMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	// In-memory client keeps only a count and running sum per histogram.
	m.IncrementCounter(metricKey(name+"_count", labels), 1)
	m.IncrementCounter(metricKey(name+"_sum", labels), value)
}

// RecordOperation records one component operation's outcome and latency
func (m *InMemoryMetricsClient) RecordOperation(component string, operation string, success bool, durationSeconds float64, labels map[string]string) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.IncrementCounter(component+"_"+operation+"_"+status, 1)
	m.RecordHistogram(component+"_"+operation+"_duration_seconds", durationSeconds, labels)
}

// Counter returns the current value of a counter, zero when never written.
func (m *InMemoryMetricsClient) Counter(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name]
}

// Gauge returns the last recorded value of a gauge, zero when never written.
func (m *InMemoryMetricsClient) Gauge(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gauges[name]
}

// Close implements MetricsClient.Close
func (m *InMemoryMetricsClient) Close() error { return nil }

var _ MetricsClient = (*InMemoryMetricsClient)(nil)

func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	key := name
	for _, k := range keys {
		key += "," + k + "=" + labels[k]
	}
	return key
}

// NoopMetricsClient is a metrics client that does nothing
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a new NoopMetricsClient
func NewNoopMetricsClient() MetricsClient {
	return &NoopMetricsClient{}
}

// IncrementCounter implements MetricsClient.IncrementCounter
func (m *NoopMetricsClient) IncrementCounter(name string, value float64) {}

// IncrementCounterWithLabels implements MetricsClient.IncrementCounterWithLabels
func (m *NoopMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}

// RecordGauge implements MetricsClient.RecordGauge
func (m *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {}

// RecordHistogram implements MetricsClient.RecordHistogram
func (m *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}

// RecordOperation implements MetricsClient.RecordOperation
func (m *NoopMetricsClient) RecordOperation(component string, operation string, success bool, durationSeconds float64, labels map[string]string) {
}

// Close implements MetricsClient.Close
func (m *NoopMetricsClient) Close() error { return nil }

// Timed returns a closure recording one operation's outcome and elapsed time
// since start. Callers defer it around a call:
//
//	done := observability.Timed(metrics, "vectorstore", "search", time.Now())
//	...
//	done(err == nil)
func Timed(metrics MetricsClient, component, operation string, start time.Time) func(success bool) {
	return func(success bool) {
		if metrics == nil {
			return
		}
		metrics.RecordOperation(component, operation, success, time.Since(start).Seconds(), nil)
	}
}
