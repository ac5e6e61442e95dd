package events

import (
	"context"
	"fmt"

	"github.com/fatih/color"

	"github.com/dwsmith1983/runguard/pkg/types"
)

// ConsoleSink writes events to the terminal with color.
type ConsoleSink struct{}

// NewConsoleSink creates a new console event sink.
func NewConsoleSink() *ConsoleSink {
	return &ConsoleSink{}
}

// Name returns the sink identifier.
func (s *ConsoleSink) Name() string { return "console" }

// Send writes an event line colored by kind.
func (s *ConsoleSink) Send(_ context.Context, evt types.Event) error {
	var prefix string
	switch evt.Kind {
	case types.EventRunReleased:
		prefix = color.YellowString("[%s]", evt.Kind)
	case types.EventRunCompleted:
		if evt.Status == types.RunFailed {
			prefix = color.RedString("[%s]", evt.Kind)
		} else {
			prefix = color.GreenString("[%s]", evt.Kind)
		}
	default:
		prefix = color.CyanString("[%s]", evt.Kind)
	}

	line := fmt.Sprintf("%s [%s]", prefix, evt.CampaignID)
	if evt.RunID != "" {
		line += " run=" + evt.RunID
	}
	if evt.Message != "" {
		line += " " + evt.Message
	}
	fmt.Println(line)
	return nil
}
