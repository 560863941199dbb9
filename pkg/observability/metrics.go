package observability

// MetricType distinguishes how a measurement is aggregated.
type MetricType string

const (
	// MetricCounter accumulates monotonically increasing values.
	MetricCounter MetricType = "counter"
	// MetricHistogram records a distribution of observations.
	MetricHistogram MetricType = "histogram"
	// MetricGauge records the latest value of a quantity.
	MetricGauge MetricType = "gauge"
)

// Metric is a single measurement emitted by the coordinator components.
type Metric struct {
	Name        string
	Type        MetricType
	Value       float64
	Labels      map[string]string
	Description string
	Unit        string
}

// MetricsCollector receives measurements.
type MetricsCollector interface {
	Collect(Metric)
}

// MetricsCollectorFunc adapts a function into a MetricsCollector.
type MetricsCollectorFunc func(Metric)

// Collect implements MetricsCollector.
func (f MetricsCollectorFunc) Collect(metric Metric) {
	f(metric)
}
