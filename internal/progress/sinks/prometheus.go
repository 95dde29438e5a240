package sinks

import (
	"context"

	"github.com/sagastream/canon-crawler/internal/metrics"
	"github.com/sagastream/canon-crawler/internal/progress"
)

// PrometheusSink mirrors the run's stage into the stage gauge and counts
// terminal outcomes.
type PrometheusSink struct{}

// NewPrometheusSink returns a sink over the package-level collectors;
// metrics.Init must have been called.
func NewPrometheusSink() *PrometheusSink {
	return &PrometheusSink{}
}

// Consume updates the stage gauge and, on terminal stages, the run counter.
func (s *PrometheusSink) Consume(_ context.Context, evt progress.Event) error {
	metrics.SetPrefetchStage(string(evt.Stage), progress.Stages())
	if evt.Stage.Terminal() {
		status := "completed"
		if evt.Stage == progress.StageFailed {
			status = "failed"
		}
		metrics.ObservePrefetchRun(status)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
