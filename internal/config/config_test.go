package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/runguard/pkg/types"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	content := `provider: redis
redis:
  addr: localhost:6379
  keyPrefix: "rg:"
server:
  addr: ":3000"
orchestrator:
  type: airflow
  callbackUrl: https://runguard.internal/campaigns
  airflow:
    url: http://airflow:8080
    dagId: campaign_scrape
campaigns:
  source: yaml
  dir: ./campaigns
gateway:
  startTimeout: 30s
  errorCooldown: 5m
events:
  sinks:
    - type: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Provider)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "rg:", cfg.Redis.KeyPrefix)
	assert.Equal(t, ":3000", cfg.Server.Addr)
	assert.Equal(t, types.OrchestratorAirflow, cfg.Orchestrator.Type)
	assert.Equal(t, "campaign_scrape", cfg.Orchestrator.Airflow.DagID)
	assert.Equal(t, "5m", cfg.Gateway.ErrorCooldown)
	assert.Len(t, cfg.Events.Sinks, 1)
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("provider: memory\n"))
	require.NoError(t, err)
	assert.Equal(t, types.OrchestratorStub, cfg.Orchestrator.Type)
	assert.Equal(t, "yaml", cfg.Campaigns.Source)
	assert.Equal(t, "campaigns", cfg.Campaigns.Dir)
	assert.Equal(t, ":8080", cfg.Server.Addr)

	cfg, err = Parse([]byte("provider: redis\nredis:\n  addr: localhost:6379\n"))
	require.NoError(t, err)
	assert.Equal(t, "runguard:", cfg.Redis.KeyPrefix)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent")
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("invalid: [yaml"), 0o644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"missing provider", "server:\n  addr: :1\n", "provider is required"},
		{"unknown provider", "provider: etcd\n", "unknown provider"},
		{"missing redis", "provider: redis\n", "redis config is required"},
		{"missing redis addr", "provider: redis\nredis:\n  db: 1\n", "redis.addr is required"},
		{"missing table", "provider: dynamodb\ndynamodb:\n  region: us-east-1\n", "dynamodb.tableName is required"},
		{"missing postgres dsn", "provider: postgres\n", "postgres.dsn is required"},
		{"airflow without dag", "provider: memory\norchestrator:\n  type: airflow\n  airflow:\n    url: http://a\n", "airflow.url and dagId"},
		{"sfn without arn", "provider: memory\norchestrator:\n  type: step-function\n", "stateMachineArn"},
		{"glue without job", "provider: memory\norchestrator:\n  type: glue\n", "jobName"},
		{"emr incomplete", "provider: memory\norchestrator:\n  type: emr-serverless\n  emrServerless:\n    applicationId: app\n", "executionRoleArn"},
		{"unknown orchestrator", "provider: memory\norchestrator:\n  type: luigi\n", "unknown orchestrator.type"},
		{"sql without dialect", "provider: memory\ncampaigns:\n  source: sql\n  dsn: x\n", "campaigns.dialect"},
		{"sql without dsn", "provider: memory\ncampaigns:\n  source: sql\n  dialect: mysql\n", "campaigns.dsn is required"},
		{"claim ttl too short", "provider: memory\ngateway:\n  startTimeout: 30s\n  claimTtl: 10s\n", "must exceed"},
		{"bad reconciler interval", "provider: memory\nreconciler:\n  interval: soon\n", "reconciler.interval"},
		{"sink without url", "provider: memory\nevents:\n  sinks:\n    - type: webhook\n", "events.sinks[0]: webhook sink requires url"},
		{"unknown sink", "provider: memory\nevents:\n  sinks:\n    - type: pager\n", "unknown sink type"},
		{"bad exporter", "provider: memory\ntelemetry:\n  exporter: zipkin\n", "telemetry.exporter"},
		{"bad ratio", "provider: memory\ntelemetry:\n  sampleRatio: 2\n", "sampleRatio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

type fakeSecrets struct {
	values map[string]string
	calls  int
}

func (f *fakeSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	v, ok := f.values[aws.ToString(in.SecretId)]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func TestResolveSecrets(t *testing.T) {
	cfg, err := Parse([]byte(`provider: postgres
postgres:
  dsn: secretsmanager:runguard/db#dsn
server:
  apiKey: secretsmanager:runguard/api
campaigns:
  source: sql
  dialect: postgres
  dsn: secretsmanager:runguard/db#campaigns
orchestrator:
  type: airflow
  airflow:
    url: http://airflow
    dagId: scrape
    headers:
      Authorization: secretsmanager:runguard/airflow
      X-Team: growth
`))
	require.NoError(t, err)
	require.True(t, HasSecretRefs(cfg))

	sm := &fakeSecrets{values: map[string]string{
		"runguard/db":      `{"dsn":"postgres://run","campaigns":"postgres://camp"}`,
		"runguard/api":     "k3y",
		"runguard/airflow": "Bearer tok",
	}}
	require.NoError(t, ResolveSecrets(context.Background(), cfg, sm))

	assert.Equal(t, "postgres://run", cfg.Postgres.DSN)
	assert.Equal(t, "postgres://camp", cfg.Campaigns.DSN)
	assert.Equal(t, "k3y", cfg.Server.APIKey)
	assert.Equal(t, "Bearer tok", cfg.Orchestrator.Airflow.Headers["Authorization"])
	assert.Equal(t, "growth", cfg.Orchestrator.Airflow.Headers["X-Team"])
	assert.Equal(t, 3, sm.calls, "each secret id is fetched once")
	assert.False(t, HasSecretRefs(cfg))
}

func TestResolveSecrets_Errors(t *testing.T) {
	sm := &fakeSecrets{values: map[string]string{"plain": "not-json"}}

	cfg := &types.ProjectConfig{Server: &types.ServerConfig{APIKey: "secretsmanager:missing"}}
	assert.ErrorContains(t, ResolveSecrets(context.Background(), cfg, sm), "reading secret missing")

	cfg = &types.ProjectConfig{Server: &types.ServerConfig{APIKey: "secretsmanager:plain#key"}}
	assert.ErrorContains(t, ResolveSecrets(context.Background(), cfg, sm), "not a JSON object")

	cfg = &types.ProjectConfig{Server: &types.ServerConfig{APIKey: "secretsmanager:"}}
	assert.ErrorContains(t, ResolveSecrets(context.Background(), cfg, sm), "empty secret reference")
}
