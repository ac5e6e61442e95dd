// Package reconciler periodically sweeps run records the server is waiting
// on. In-flight runs are refreshed from the orchestrator so runs nobody is
// watching still complete, finished runs settle into cooldown and idle, and
// claims abandoned by a crashed trigger are reverted.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/dwsmith1983/runguard/internal/events"
	"github.com/dwsmith1983/runguard/internal/provider"
	"github.com/dwsmith1983/runguard/internal/telemetry"
	"github.com/dwsmith1983/runguard/pkg/types"
)

// Defaults.
const (
	DefaultInterval   = 15 * time.Second
	DefaultResultHold = 2 * time.Minute
	DefaultBatchSize  = 500
	DefaultRate       = 20.0

	lockKey = "reconcile"
)

// sweptStatuses are the statuses that can still change without a request.
var sweptStatuses = []types.RunStatus{
	types.RunPending, types.RunRunning, types.RunSuccess, types.RunFailed, types.RunCooldown,
}

// Refresher polls the orchestrator for an in-flight run and stores the answer.
// *gateway.Gateway implements it.
type Refresher interface {
	RefreshRun(ctx context.Context, st types.RunState) (types.RunState, error)
}

// Config holds the sweep policy.
type Config struct {
	Interval   time.Duration
	ResultHold time.Duration
	// MaxChecksPerSecond caps orchestrator status calls per sweep.
	MaxChecksPerSecond float64
	BatchSize          int
}

// NewConfig parses the YAML reconciler section over the defaults.
func NewConfig(rc *types.ReconcilerConfig) (Config, error) {
	cfg := Config{
		Interval:           DefaultInterval,
		ResultHold:         DefaultResultHold,
		MaxChecksPerSecond: DefaultRate,
		BatchSize:          DefaultBatchSize,
	}
	if rc == nil {
		return cfg, nil
	}
	if rc.Interval != "" {
		d, err := time.ParseDuration(rc.Interval)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("reconciler.interval %q must be a positive duration", rc.Interval)
		}
		cfg.Interval = d
	}
	if rc.ResultHold != "" {
		d, err := time.ParseDuration(rc.ResultHold)
		if err != nil || d < 0 {
			return cfg, fmt.Errorf("reconciler.resultHold %q must be a non-negative duration", rc.ResultHold)
		}
		cfg.ResultHold = d
	}
	if rc.MaxChecksPerSecond > 0 {
		cfg.MaxChecksPerSecond = rc.MaxChecksPerSecond
	}
	if rc.BatchSize > 0 {
		cfg.BatchSize = rc.BatchSize
	}
	return cfg, nil
}

// Result summarizes one sweep.
type Result struct {
	Scanned   int
	Pages     int
	Refreshed int
	Settled   int
	Errors    int
	// Skipped is true when another instance held the sweep lock.
	Skipped bool
}

// Reconciler runs sweeps on an interval.
type Reconciler struct {
	store     provider.Provider
	refresher Refresher
	events    *events.Publisher
	logger    *slog.Logger
	config    Config
	limiter   *rate.Limiter
	now       func() time.Time
	tracer    trace.Tracer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a reconciler.
func New(store provider.Provider, refresher Refresher, logger *slog.Logger, cfg Config) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxChecksPerSecond <= 0 {
		cfg.MaxChecksPerSecond = DefaultRate
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Reconciler{
		store:     store,
		refresher: refresher,
		logger:    logger,
		config:    cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.MaxChecksPerSecond), 1),
		now:       time.Now,
		tracer:    otel.Tracer(telemetry.ScopeReconciler),
	}
}

// SetEvents sets the lifecycle event publisher.
func (r *Reconciler) SetEvents(p *events.Publisher) { r.events = p }

// SetClock overrides the reconciler clock.
func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }

// Start begins the sweep loop.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.logger.Info("reconciler started", "interval", r.config.Interval)

		ticker := time.NewTicker(r.config.Interval)
		defer ticker.Stop()

		r.runSweep(ctx)
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("reconciler stopping")
				return
			case <-ticker.C:
				r.runSweep(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the current sweep to finish.
func (r *Reconciler) Stop(ctx context.Context) {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("reconciler stopped")
	case <-ctx.Done():
		r.logger.Warn("reconciler stop timed out")
	}
}

func (r *Reconciler) runSweep(ctx context.Context) {
	res, err := r.Sweep(ctx)
	if err != nil {
		r.logger.Error("reconcile sweep failed", "error", err)
		return
	}
	if res.Refreshed > 0 || res.Settled > 0 || res.Errors > 0 {
		r.logger.Info("reconcile sweep",
			"scanned", res.Scanned, "refreshed", res.Refreshed, "settled", res.Settled, "errors", res.Errors)
	}
}
