// Package lambda provides shared initialization and handlers for the
// runguard Lambda functions.
package lambda

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dwsmith1983/runguard/internal/campaign"
	"github.com/dwsmith1983/runguard/internal/config"
	"github.com/dwsmith1983/runguard/internal/events"
	"github.com/dwsmith1983/runguard/internal/gateway"
	"github.com/dwsmith1983/runguard/internal/orchestrator"
	"github.com/dwsmith1983/runguard/internal/provider"
	"github.com/dwsmith1983/runguard/internal/provider/dynamodb"
	"github.com/dwsmith1983/runguard/internal/reconciler"
	"github.com/dwsmith1983/runguard/pkg/types"
)

// Deps holds shared dependencies for Lambda handlers.
type Deps struct {
	Provider   provider.Provider
	Gateway    *gateway.Gateway
	Reconciler *reconciler.Reconciler
	Logger     *slog.Logger
}

// Init creates shared dependencies. The bundled runguard.yaml in CONFIG_DIR
// (default /var/task) supplies orchestrator, campaign, gateway and event
// settings; the run store is always DynamoDB.
// Reads: TABLE_NAME, AWS_REGION, CONFIG_DIR, SNS_TOPIC_ARN
func Init(ctx context.Context) (*Deps, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	tableName := os.Getenv("TABLE_NAME")
	region := os.Getenv("AWS_REGION")
	if tableName == "" {
		return nil, fmt.Errorf("TABLE_NAME environment variable required")
	}
	if region == "" {
		return nil, fmt.Errorf("AWS_REGION environment variable required")
	}

	cfg, err := config.Load(envOrDefault("CONFIG_DIR", "/var/task"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if config.HasSecretRefs(cfg) {
		client, err := config.NewSecretsClient(ctx, region)
		if err != nil {
			return nil, err
		}
		if err := config.ResolveSecrets(ctx, cfg, client); err != nil {
			return nil, fmt.Errorf("resolving secrets: %w", err)
		}
	}
	if topicARN := os.Getenv("SNS_TOPIC_ARN"); topicARN != "" {
		if cfg.Events == nil {
			cfg.Events = &types.EventsConfig{Sinks: []types.EventSinkConfig{{Type: types.EventSinkLog}}}
		}
		cfg.Events.Sinks = append(cfg.Events.Sinks, types.EventSinkConfig{
			Type: types.EventSinkSNS, TopicARN: topicARN, Region: region,
		})
	}

	prov, err := dynamodb.New(&types.DynamoDBConfig{TableName: tableName, Region: region})
	if err != nil {
		return nil, fmt.Errorf("creating DynamoDB provider: %w", err)
	}
	prov.SetLogger(logger)

	pub, err := events.New(ctx, cfg.Events, logger)
	if err != nil {
		return nil, fmt.Errorf("creating event publisher: %w", err)
	}

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

	rcfg, err := reconciler.NewConfig(cfg.Reconciler)
	if err != nil {
		return nil, err
	}
	rec := reconciler.New(prov, gw, logger, rcfg)
	rec.SetEvents(pub)

	return &Deps{
		Provider:   prov,
		Gateway:    gw,
		Reconciler: rec,
		Logger:     logger,
	}, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
