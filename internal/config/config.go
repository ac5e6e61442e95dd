// Package config handles loading and validation of runguard.yaml project configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/dwsmith1983/runguard/internal/gateway"
	"github.com/dwsmith1983/runguard/internal/reconciler"
	"github.com/dwsmith1983/runguard/pkg/types"
)

// FileName is the project configuration file looked up by Load.
const FileName = "runguard.yaml"

// Load reads and parses runguard.yaml from the given directory.
func Load(dir string) (*types.ProjectConfig, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a configuration document.
func Parse(data []byte) (*types.ProjectConfig, error) {
	var cfg types.ProjectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *types.ProjectConfig) {
	if cfg.Orchestrator == nil {
		cfg.Orchestrator = &types.OrchestratorConfig{Type: types.OrchestratorStub}
	}
	if cfg.Campaigns == nil {
		cfg.Campaigns = &types.CampaignsConfig{Source: "yaml", Dir: "campaigns"}
	}
	if cfg.Campaigns.Source == "" {
		cfg.Campaigns.Source = "yaml"
	}
	if cfg.Server == nil {
		cfg.Server = &types.ServerConfig{}
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Redis != nil && cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "runguard:"
	}
}

func validate(cfg *types.ProjectConfig) error {
	switch cfg.Provider {
	case "":
		return fmt.Errorf("provider is required")
	case "memory":
	case "redis":
		if cfg.Redis == nil {
			return fmt.Errorf("redis config is required when provider is redis")
		}
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required")
		}
	case "dynamodb":
		if cfg.DynamoDB == nil {
			return fmt.Errorf("dynamodb config is required when provider is dynamodb")
		}
		if cfg.DynamoDB.TableName == "" {
			return fmt.Errorf("dynamodb.tableName is required")
		}
	case "postgres":
		if cfg.Postgres == nil || cfg.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required when provider is postgres")
		}
	default:
		return fmt.Errorf("unknown provider %q", cfg.Provider)
	}

	if err := validateOrchestrator(cfg.Orchestrator); err != nil {
		return err
	}

	switch cfg.Campaigns.Source {
	case "yaml":
	case "sql":
		if cfg.Campaigns.Dialect != "mysql" && cfg.Campaigns.Dialect != "postgres" {
			return fmt.Errorf("campaigns.dialect must be mysql or postgres, got %q", cfg.Campaigns.Dialect)
		}
		if cfg.Campaigns.DSN == "" {
			return fmt.Errorf("campaigns.dsn is required when campaigns.source is sql")
		}
	default:
		return fmt.Errorf("unknown campaigns.source %q", cfg.Campaigns.Source)
	}

	if _, err := gateway.NewConfig(cfg.Gateway); err != nil {
		return err
	}
	if _, err := reconciler.NewConfig(cfg.Reconciler); err != nil {
		return err
	}
	if cfg.Events != nil {
		for i, sc := range cfg.Events.Sinks {
			if err := validateSink(sc); err != nil {
				return fmt.Errorf("events.sinks[%d]: %w", i, err)
			}
		}
	}
	if t := cfg.Telemetry; t != nil {
		if t.Exporter != "" && t.Exporter != "otlp" && t.Exporter != "stdout" {
			return fmt.Errorf("telemetry.exporter must be otlp or stdout, got %q", t.Exporter)
		}
		if t.SampleRatio < 0 || t.SampleRatio > 1 {
			return fmt.Errorf("telemetry.sampleRatio must be within [0, 1]")
		}
	}
	return nil
}

func validateOrchestrator(oc *types.OrchestratorConfig) error {
	switch oc.Type {
	case types.OrchestratorStub:
	case types.OrchestratorAirflow:
		if oc.Airflow == nil || oc.Airflow.URL == "" || oc.Airflow.DagID == "" {
			return fmt.Errorf("orchestrator.airflow.url and dagId are required")
		}
	case types.OrchestratorStepFunction:
		if oc.StepFunction == nil || oc.StepFunction.StateMachineARN == "" {
			return fmt.Errorf("orchestrator.stepFunction.stateMachineArn is required")
		}
	case types.OrchestratorGlue:
		if oc.Glue == nil || oc.Glue.JobName == "" {
			return fmt.Errorf("orchestrator.glue.jobName is required")
		}
	case types.OrchestratorEMRServerless:
		if oc.EMRServerless == nil || oc.EMRServerless.ApplicationID == "" ||
			oc.EMRServerless.ExecutionRoleARN == "" || oc.EMRServerless.EntryPoint == "" {
			return fmt.Errorf("orchestrator.emrServerless.applicationId, executionRoleArn and entryPoint are required")
		}
	case "":
		return fmt.Errorf("orchestrator.type is required")
	default:
		return fmt.Errorf("unknown orchestrator.type %q", oc.Type)
	}
	return nil
}

func validateSink(sc types.EventSinkConfig) error {
	switch sc.Type {
	case types.EventSinkLog, types.EventSinkConsole:
	case types.EventSinkFile:
		if sc.Path == "" {
			return fmt.Errorf("file sink requires path")
		}
	case types.EventSinkWebhook:
		if sc.URL == "" {
			return fmt.Errorf("webhook sink requires url")
		}
	case types.EventSinkEventBridge:
		if sc.BusName == "" {
			return fmt.Errorf("eventbridge sink requires busName")
		}
	case types.EventSinkSQS:
		if sc.QueueURL == "" {
			return fmt.Errorf("sqs sink requires queueUrl")
		}
	case types.EventSinkSNS:
		if sc.TopicARN == "" {
			return fmt.Errorf("sns sink requires topicArn")
		}
	case types.EventSinkS3:
		if sc.Bucket == "" {
			return fmt.Errorf("s3 sink requires bucket")
		}
	default:
		return fmt.Errorf("unknown sink type %q", sc.Type)
	}
	return nil
}
