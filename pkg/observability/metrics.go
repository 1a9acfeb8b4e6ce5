package observability

import "time"

// MetricsClient is the interface for recording operational metrics.
// Implementations must be safe for concurrent use.
type MetricsClient interface {
	IncrementCounter(name string, value float64)
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
	RecordTimer(name string, duration time.Duration, labels map[string]string)
	Close() error
}

// noopMetricsClient discards every metric. Used when metrics are disabled
// and as the default when no client is injected.
type noopMetricsClient struct{}

// NewNoopMetricsClient returns a MetricsClient that discards all metrics.
func NewNoopMetricsClient() MetricsClient {
	return &noopMetricsClient{}
}

func (n *noopMetricsClient) IncrementCounter(name string, value float64) {}
func (n *noopMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}
func (n *noopMetricsClient) RecordGauge(name string, value float64, labels map[string]string)     {}
func (n *noopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}
func (n *noopMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
}
func (n *noopMetricsClient) Close() error { return nil }
