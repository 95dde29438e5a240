// Package sinks provides progress.Sink implementations backed by zap and
// Prometheus.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/sagastream/canon-crawler/internal/progress"
)

// LogSink emits structured logs for each progress event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the event using structured fields.
func (s *LogSink) Consume(_ context.Context, evt progress.Event) error {
	fields := []zap.Field{
		zap.String("run_id", evt.RunID.String()),
		zap.String("universe", evt.Universe),
		zap.String("stage", string(evt.Stage)),
		zap.Int("articles_found", evt.ArticlesFound),
		zap.Int("articles_written", evt.ArticlesWritten),
		zap.Int("images_downloaded", evt.ImagesDownloaded),
		zap.Int("images_cached", evt.ImagesCached),
		zap.Int("images_failed", evt.ImagesFailed),
	}
	if evt.Error != "" {
		fields = append(fields, zap.String("error", evt.Error))
	}
	s.logger.Info("prefetch progress", fields...)
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
