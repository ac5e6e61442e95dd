// Package gateway implements the server side of campaign run control: the
// trigger path that claims, starts and releases runs, the status read with a
// bounded refresh, and the completion path fed by orchestrator callbacks and
// the reconciler.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/dwsmith1983/runguard/internal/campaign"
	"github.com/dwsmith1983/runguard/internal/events"
	"github.com/dwsmith1983/runguard/internal/lifecycle"
	"github.com/dwsmith1983/runguard/internal/orchestrator"
	"github.com/dwsmith1983/runguard/internal/provider"
	"github.com/dwsmith1983/runguard/internal/telemetry"
	"github.com/dwsmith1983/runguard/pkg/types"
)

// Timing defaults.
const (
	DefaultStartTimeout   = 30 * time.Second
	DefaultRefreshTimeout = 5 * time.Second
	DefaultClaimTTL       = 45 * time.Second
	releaseTimeout        = 5 * time.Second
)

// Config holds the gateway timing policy.
type Config struct {
	StartTimeout   time.Duration
	RefreshTimeout time.Duration
	// ClaimTTL must exceed StartTimeout so a live trigger never sees its
	// claim treated as stale.
	ClaimTTL  time.Duration
	Cooldowns lifecycle.Cooldowns
}

// DefaultConfig returns the default timing policy.
func DefaultConfig() Config {
	return Config{
		StartTimeout:   DefaultStartTimeout,
		RefreshTimeout: DefaultRefreshTimeout,
		ClaimTTL:       DefaultClaimTTL,
		Cooldowns:      lifecycle.DefaultCooldowns(),
	}
}

// NewConfig parses the YAML gateway section over the defaults.
func NewConfig(gc *types.GatewayConfig) (Config, error) {
	cfg := DefaultConfig()
	if gc == nil {
		return cfg, nil
	}
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"startTimeout", gc.StartTimeout, &cfg.StartTimeout},
		{"statusRefreshTimeout", gc.StatusRefreshTimeout, &cfg.RefreshTimeout},
		{"claimTtl", gc.ClaimTTL, &cfg.ClaimTTL},
		{"successCooldown", gc.SuccessCooldown, &cfg.Cooldowns.Success},
		{"errorCooldown", gc.ErrorCooldown, &cfg.Cooldowns.Error},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return cfg, fmt.Errorf("gateway.%s: %w", f.name, err)
		}
		if d < 0 {
			return cfg, fmt.Errorf("gateway.%s must not be negative", f.name)
		}
		*f.dst = d
	}
	if cfg.ClaimTTL <= cfg.StartTimeout {
		return cfg, fmt.Errorf("gateway.claimTtl (%s) must exceed startTimeout (%s)", cfg.ClaimTTL, cfg.StartTimeout)
	}
	return cfg, nil
}

// Gateway serves trigger, status and completion requests.
type Gateway struct {
	store     provider.Provider
	campaigns campaign.Store
	adapter   orchestrator.Adapter
	events    *events.Publisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	refreshes singleflight.Group
	tracer    trace.Tracer
	triggerMs metric.Float64Histogram
}

// New creates a gateway.
func New(store provider.Provider, campaigns campaign.Store, adapter orchestrator.Adapter, cfg Config) *Gateway {
	meter := otel.Meter(telemetry.ScopeGateway)
	hist, err := meter.Float64Histogram("runguard.trigger.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Trigger request latency by outcome."))
	if err != nil {
		otel.Handle(err)
	}
	return &Gateway{
		store:     store,
		campaigns: campaigns,
		adapter:   adapter,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
		tracer:    otel.Tracer(telemetry.ScopeGateway),
		triggerMs: hist,
	}
}

// SetLogger overrides the default logger.
func (g *Gateway) SetLogger(l *slog.Logger) {
	if l != nil {
		g.logger = l
	}
}

// SetEvents sets the lifecycle event publisher.
func (g *Gateway) SetEvents(p *events.Publisher) { g.events = p }

// SetClock overrides the gateway clock.
func (g *Gateway) SetClock(now func() time.Time) { g.now = now }

// Config returns the timing policy in effect.
func (g *Gateway) Config() Config { return g.cfg }

func (g *Gateway) publish(ctx context.Context, kind types.EventKind, st types.RunState, msg string) {
	g.events.Publish(ctx, types.Event{
		Kind:       kind,
		CampaignID: st.CampaignID,
		RunID:      st.RunID,
		Status:     st.Status,
		Message:    msg,
		Timestamp:  g.now(),
	})
}
