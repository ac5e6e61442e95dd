// Package events publishes run lifecycle events to the configured sinks.
// Delivery is best-effort: a failing sink is logged and counted but never
// fails the run operation that produced the event.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dwsmith1983/runguard/internal/metrics"
	"github.com/dwsmith1983/runguard/pkg/types"
)

const sendTimeout = 5 * time.Second

// Sink is an event destination.
type Sink interface {
	Send(ctx context.Context, evt types.Event) error
	Name() string
}

// Publisher fans events out to every sink. A nil *Publisher drops events.
type Publisher struct {
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher creates a publisher over the given sinks.
func NewPublisher(logger *slog.Logger, sinks ...Sink) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{sinks: sinks, logger: logger, now: time.Now}
}

// New builds a publisher from configuration. No sinks configured means a
// single log sink.
func New(ctx context.Context, cfg *types.EventsConfig, logger *slog.Logger, opts ...Option) (*Publisher, error) {
	o := &options{}
	for _, fn := range opts {
		fn(o)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil || len(cfg.Sinks) == 0 {
		return NewPublisher(logger, NewLogSink(logger)), nil
	}

	p := NewPublisher(logger)
	for _, sc := range cfg.Sinks {
		sink, err := newSink(ctx, sc, logger, o)
		if err != nil {
			return nil, fmt.Errorf("creating %s sink: %w", sc.Type, err)
		}
		p.sinks = append(p.sinks, sink)
	}
	return p, nil
}

// Publish sends evt to every sink. Timestamp is filled in when zero.
func (p *Publisher) Publish(ctx context.Context, evt types.Event) {
	if p == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = p.now()
	}
	// Delivery must not be cut short by a request context that ends as soon
	// as the response is written.
	ctx = context.WithoutCancel(ctx)
	for _, sink := range p.sinks {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := sink.Send(sendCtx, evt)
		cancel()
		if err != nil {
			metrics.EventsPublished.WithLabelValues(sink.Name(), "error").Inc()
			p.logger.Error("failed to publish event",
				"sink", sink.Name(), "kind", evt.Kind, "campaign", evt.CampaignID, "error", err)
			continue
		}
		metrics.EventsPublished.WithLabelValues(sink.Name(), "ok").Inc()
	}
}

// Sinks returns the names of the configured sinks.
func (p *Publisher) Sinks() []string {
	if p == nil {
		return nil
	}
	names := make([]string, len(p.sinks))
	for i, s := range p.sinks {
		names[i] = s.Name()
	}
	return names
}
