package telemetry

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusTracker exposes the observability surface as Prometheus series.
// Known metric names map to dedicated instruments; anything else lands in a
// catch-all gauge vector keyed by name.
type PrometheusTracker struct {
	logger *slog.Logger

	events      *prometheus.CounterVec
	exceptions  prometheus.Counter
	queueDepth  prometheus.Gauge
	jobDuration prometheus.Histogram
	gauges      *prometheus.GaugeVec
}

// NewPrometheus registers the crosscheck instruments with reg and returns the
// tracker. Pass prometheus.NewRegistry() in tests to avoid collisions with the
// default registerer.
func NewPrometheus(reg prometheus.Registerer, logger *slog.Logger) *PrometheusTracker {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = slog.Default()
	}
	factory := promauto.With(reg)

	return &PrometheusTracker{
		logger: logger,
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crosscheck_events_total",
			Help: "Observability events by name.",
		}, []string{"event"}),
		exceptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "crosscheck_exceptions_total",
			Help: "Recorded exceptions.",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crosscheck_queue_depth",
			Help: "Global admission depth, queued plus active across tenants.",
		}),
		jobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "crosscheck_job_duration_milliseconds",
			Help:    "Reasoning pipeline duration per completed job.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 12),
		}),
		gauges: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crosscheck_metric",
			Help: "Uncategorized metrics by name.",
		}, []string{"name"}),
	}
}

// TrackMetric routes known metric names to their instruments.
func (t *PrometheusTracker) TrackMetric(name string, value float64, props map[string]string) {
	switch name {
	case MetricQueueDepth:
		t.queueDepth.Set(value)
	case MetricJobDuration:
		t.jobDuration.Observe(value)
	default:
		t.gauges.WithLabelValues(name).Set(value)
	}
	t.logger.Debug("Metric", append([]any{"name", name, "value", value}, propArgs(props)...)...)
}

// TrackEvent increments the event counter for name.
func (t *PrometheusTracker) TrackEvent(name string, props map[string]string) {
	t.events.WithLabelValues(name).Inc()
	t.logger.Debug("Event", append([]any{"name", name}, propArgs(props)...)...)
}

// TrackException counts the exception and logs it with its context.
func (t *PrometheusTracker) TrackException(err error, props map[string]string) {
	t.exceptions.Inc()
	t.logger.Error("Exception recorded", append([]any{"error", err}, propArgs(props)...)...)
}
