// Package sinks provides ready-made progress sinks.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/rmarchant/webextract/internal/progress"
)

// LogSink writes every progress event through a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink logging at debug level, terminal events at
// info.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume implements progress.Sink.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
			zap.Int("step", evt.Step),
			zap.Int("total", evt.Total),
		}
		if evt.Message != "" {
			fields = append(fields, zap.String("message", evt.Message))
		}
		if evt.Terminal() {
			fields = append(fields, zap.Duration("duration", evt.Dur))
			s.logger.Info("pipeline "+string(evt.Stage), fields...)
			continue
		}
		s.logger.Debug("pipeline progress", fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error { return nil }
