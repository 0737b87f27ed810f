package metrics

import (
	"time"
)

// ProjectionRecorder reports projection progress into the collector
type ProjectionRecorder struct {
	metrics *Metrics
}

// NewProjectionRecorder creates a projection metrics sink backed by m
func NewProjectionRecorder(m *Metrics) *ProjectionRecorder {
	return &ProjectionRecorder{metrics: m}
}

// RecordEventProcessed counts one applied event
func (r *ProjectionRecorder) RecordEventProcessed(projection string) {
	r.metrics.IncrementCounter("projection." + projection + ".events_processed")
	r.metrics.RecordSuccess("projection." + projection)
}

// RecordProcessingTime records how long one event took to apply
func (r *ProjectionRecorder) RecordProcessingTime(projection string, d time.Duration) {
	r.metrics.RecordDuration("projection."+projection+".processing_time", d)
}

// RecordError counts one failed apply attempt
func (r *ProjectionRecorder) RecordError(projection string) {
	r.metrics.IncrementCounter("projection." + projection + ".errors")
	r.metrics.RecordError("projection." + projection)
}

// RecordLag records the number of events the projection has yet to apply
func (r *ProjectionRecorder) RecordLag(projection string, lag int64) {
	r.metrics.SetGauge("projection."+projection+".lag", lag)
}

// RecordHealth records whether the projection is within its lag thresholds
func (r *ProjectionRecorder) RecordHealth(projection string, healthy bool) {
	r.metrics.SetHealth("projection."+projection, healthy)
}

// CommandRecorder reports command outcomes into the collector
type CommandRecorder struct {
	metrics *Metrics
}

// NewCommandRecorder creates a command metrics sink backed by m
func NewCommandRecorder(m *Metrics) *CommandRecorder {
	return &CommandRecorder{metrics: m}
}

// RecordCommand records the outcome and latency of one command
func (r *CommandRecorder) RecordCommand(commandType, outcome string, d time.Duration) {
	r.metrics.IncrementCounter("command." + commandType + "." + outcome)
	r.metrics.RecordDuration("command."+commandType+".duration", d)
	if outcome == "error" {
		r.metrics.RecordError("command." + commandType)
	} else {
		r.metrics.RecordSuccess("command." + commandType)
	}
}
