// Package telemetry is the observability surface for the orchestrator: a
// typed metric/event/exception sink with a no-op mode so callers never branch
// on whether telemetry is configured.
package telemetry

import (
	"log/slog"
	"sort"
)

// Canonical event and metric names emitted by the admission and worker sides.
const (
	EventQueueEnqueued     = "reasoning.queue.enqueued"
	EventQueueDispatched   = "reasoning.queue.dispatched"
	EventQueueBackpressure = "reasoning.queue.backpressure"
	EventJobStarted        = "reasoning.job.started"
	EventJobCompleted      = "reasoning.job.completed"
	EventJobFailed         = "reasoning.job.failed"
	EventJobRejected       = "reasoning.job.rejected"

	MetricQueueDepth  = "reasoning.queue.depth"
	MetricJobDuration = "reasoning.job.duration_ms"
)

// Tracker records metrics, events, and exceptions. Implementations must be
// safe for concurrent use.
type Tracker interface {
	TrackMetric(name string, value float64, props map[string]string)
	TrackEvent(name string, props map[string]string)
	TrackException(err error, props map[string]string)
}

type nopTracker struct{}

// NewNop returns the tracker selected when no telemetry target is configured.
func NewNop() Tracker {
	return nopTracker{}
}

func (nopTracker) TrackMetric(string, float64, map[string]string) {}
func (nopTracker) TrackEvent(string, map[string]string)           {}
func (nopTracker) TrackException(error, map[string]string)        {}

type logTracker struct {
	logger *slog.Logger
}

// NewLog returns a tracker that writes everything to the structured log.
func NewLog(logger *slog.Logger) Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &logTracker{logger: logger}
}

func (t *logTracker) TrackMetric(name string, value float64, props map[string]string) {
	t.logger.Debug("Metric", append([]any{"name", name, "value", value}, propArgs(props)...)...)
}

func (t *logTracker) TrackEvent(name string, props map[string]string) {
	t.logger.Debug("Event", append([]any{"name", name}, propArgs(props)...)...)
}

func (t *logTracker) TrackException(err error, props map[string]string) {
	t.logger.Error("Exception", append([]any{"error", err}, propArgs(props)...)...)
}

// propArgs flattens props into slog key-value pairs in stable order.
func propArgs(props map[string]string) []any {
	if len(props) == 0 {
		return nil
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, k, props[k])
	}
	return args
}
