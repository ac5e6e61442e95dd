package events

import (
	"context"
	"log/slog"

	"github.com/dwsmith1983/runguard/pkg/types"
)

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Name returns the sink identifier.
func (s *LogSink) Name() string { return "log" }

// Send logs the event at info level.
func (s *LogSink) Send(ctx context.Context, evt types.Event) error {
	s.logger.InfoContext(ctx, "run event",
		"kind", evt.Kind,
		"campaign", evt.CampaignID,
		"runID", evt.RunID,
		"status", evt.Status,
		"message", evt.Message,
	)
	return nil
}
