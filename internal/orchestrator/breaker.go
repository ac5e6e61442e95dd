package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dwsmith1983/runguard/pkg/types"
)

// Breaker defaults.
const (
	defaultBreakerMaxFailures = 5
	defaultBreakerOpenTimeout = 30 * time.Second
)

// BreakerAdapter wraps an Adapter with a circuit breaker. While the breaker
// is open calls fail fast with gobreaker.ErrOpenState, which classifies as
// UpstreamUnavailable.
type BreakerAdapter struct {
	next Adapter
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next. Zero maxFailures or openTimeout use the defaults.
func NewBreaker(next Adapter, name string, maxFailures uint32, openTimeout time.Duration, logger *slog.Logger) *BreakerAdapter {
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	if openTimeout <= 0 {
		openTimeout = defaultBreakerOpenTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("orchestrator circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		// Caller cancellations and per-run answers say nothing about upstream health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrUnknownRun)
		},
	})
	return &BreakerAdapter{next: next, cb: cb}
}

// State returns the breaker state name.
func (b *BreakerAdapter) State() string {
	return b.cb.State().String()
}

func (b *BreakerAdapter) StartRun(ctx context.Context, campaignID string) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.StartRun(ctx, campaignID)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (b *BreakerAdapter) GetRunStatus(ctx context.Context, runID string) (types.OrchestratorStatus, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.GetRunStatus(ctx, runID)
	})
	if err != nil {
		return types.OrchestratorStatus{}, err
	}
	return out.(types.OrchestratorStatus), nil
}
