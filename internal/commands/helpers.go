// Package commands implements the CLI subcommands for the runguard binary.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/dwsmith1983/runguard/internal/campaign"
	"github.com/dwsmith1983/runguard/internal/config"
	"github.com/dwsmith1983/runguard/internal/coordinator"
	"github.com/dwsmith1983/runguard/internal/events"
	"github.com/dwsmith1983/runguard/internal/gateway"
	"github.com/dwsmith1983/runguard/internal/orchestrator"
	"github.com/dwsmith1983/runguard/internal/provider"
	ddbprov "github.com/dwsmith1983/runguard/internal/provider/dynamodb"
	"github.com/dwsmith1983/runguard/internal/provider/memory"
	pgstore "github.com/dwsmith1983/runguard/internal/provider/postgres"
	"github.com/dwsmith1983/runguard/internal/provider/redis"
	"github.com/dwsmith1983/runguard/pkg/types"
)

// loadConfig reads runguard.yaml from dir and resolves Secrets Manager
// references.
func loadConfig(ctx context.Context, dir string) (*types.ProjectConfig, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if config.HasSecretRefs(cfg) {
		region := ""
		if cfg.DynamoDB != nil {
			region = cfg.DynamoDB.Region
		}
		client, err := config.NewSecretsClient(ctx, region)
		if err != nil {
			return nil, err
		}
		if err := config.ResolveSecrets(ctx, cfg, client); err != nil {
			return nil, fmt.Errorf("resolving secrets: %w", err)
		}
	}
	return cfg, nil
}

// newProvider creates the configured storage provider.
func newProvider(ctx context.Context, cfg *types.ProjectConfig) (provider.Provider, error) {
	switch cfg.Provider {
	case "memory":
		return memory.New(), nil
	case "redis":
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis config is required when provider is redis")
		}
		return redis.New(cfg.Redis), nil
	case "dynamodb":
		if cfg.DynamoDB == nil {
			return nil, fmt.Errorf("dynamodb config is required when provider is dynamodb")
		}
		return ddbprov.New(cfg.DynamoDB)
	case "postgres":
		if cfg.Postgres == nil {
			return nil, fmt.Errorf("postgres config is required when provider is postgres")
		}
		pg, err := pgstore.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		if cfg.Postgres.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, fmt.Errorf("migrating postgres: %w", err)
			}
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// buildGateway wires the campaign store and orchestrator adapter into a
// gateway over prov.
func buildGateway(ctx context.Context, cfg *types.ProjectConfig, prov provider.Provider, pub *events.Publisher, logger *slog.Logger) (*gateway.Gateway, error) {
	campaigns, err := campaign.New(cfg.Campaigns)
	if err != nil {
		return nil, fmt.Errorf("loading campaigns: %w", err)
	}
	adapter, err := orchestrator.New(ctx, cfg.Orchestrator, orchestrator.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator adapter: %w", err)
	}
	gwCfg, err := gateway.NewConfig(cfg.Gateway)
	if err != nil {
		return nil, err
	}
	gw := gateway.New(prov, campaigns, adapter, gwCfg)
	gw.SetLogger(logger)
	gw.SetEvents(pub)
	return gw, nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// clientOptions are the connection flags shared by the client commands.
type clientOptions struct {
	url     string
	user    string
	role    string
	apiKey  string
	verbose bool
}

func defaultClientOptions() clientOptions {
	return clientOptions{
		url:    envOr("RUNGUARD_URL", "http://localhost:8080"),
		user:   envOr("RUNGUARD_USER", os.Getenv("USER")),
		role:   os.Getenv("RUNGUARD_ROLE"),
		apiKey: os.Getenv("RUNGUARD_API_KEY"),
	}
}

func (o clientOptions) client() *coordinator.Client {
	who := types.Identity{UserID: o.user, Role: types.Role(strings.ToLower(o.role))}
	var opts []coordinator.ClientOption
	if o.apiKey != "" {
		opts = append(opts, coordinator.WithAPIKey(o.apiKey))
	}
	return coordinator.NewClient(o.url, who, opts...)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func statusString(s types.RunStatus) string {
	str := strings.ToUpper(string(s))
	switch s {
	case types.RunSuccess:
		return color.GreenString(str)
	case types.RunFailed:
		return color.RedString(str)
	case types.RunPending, types.RunRunning:
		return color.CyanString(str)
	case types.RunCooldown:
		return color.YellowString(str)
	}
	return str
}

func stateString(s coordinator.State) string {
	str := strings.ToUpper(string(s))
	switch s {
	case coordinator.StateSuccess:
		return color.GreenString(str)
	case coordinator.StateError, coordinator.StateTriggerFailed, coordinator.StateStatusUnknown:
		return color.RedString(str)
	case coordinator.StateTriggering, coordinator.StatePending, coordinator.StatePolling:
		return color.CyanString(str)
	case coordinator.StateConflict, coordinator.StateCooldownBlocked, coordinator.StateCooldownDisplay:
		return color.YellowString(str)
	}
	return str
}

// viewLine renders a coordinator view as one line.
func viewLine(v coordinator.View, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-14s %s", v.CampaignID, stateString(v.State))
	if v.Optimistic {
		b.WriteString(" (unconfirmed)")
	}
	if v.RunID != "" {
		fmt.Fprintf(&b, "  run=%s", v.RunID)
	}
	if v.JobCount != nil {
		fmt.Fprintf(&b, "  jobs=%d", *v.JobCount)
	}
	if v.CooldownUntil != nil && now.Before(*v.CooldownUntil) {
		fmt.Fprintf(&b, "  retry in %s", v.CooldownUntil.Sub(now).Round(time.Second))
	}
	if v.ErrorMessage != "" {
		fmt.Fprintf(&b, "  error=%q", v.ErrorMessage)
	}
	if v.Reason != "" {
		fmt.Fprintf(&b, "  [%s] %s", v.ErrKind, v.Reason)
	}
	return b.String()
}

// settled reports whether a watched view needs no further updates.
func settled(s coordinator.State) bool {
	switch s {
	case coordinator.StateTriggering, coordinator.StatePending, coordinator.StatePolling:
		return false
	}
	return true
}
