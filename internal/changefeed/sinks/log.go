// Package sinks provides changefeed.Sink implementations.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/mostpan/tbgdb/internal/changefeed"
)

// LogSink emits structured logs for debugging the change stream. It is useful
// during development or audits where no downstream projection is wired.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []changefeed.Event) error {
	for _, evt := range batch {
		s.logger.Info("store change",
			zap.String("kind", string(evt.Kind)),
			zap.Int64("id", evt.ID),
			zap.String("op", string(evt.Op)),
			zap.Time("at", evt.At),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
