package config

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/dwsmith1983/runguard/pkg/types"
)

// SecretPrefix marks a config value to be read from AWS Secrets Manager:
// "secretsmanager:<secret-id>" or "secretsmanager:<secret-id>#<json-key>".
const SecretPrefix = "secretsmanager:"

// SecretsAPI is the subset of the Secrets Manager client used here.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewSecretsClient creates a Secrets Manager client from the default AWS
// credential chain.
func NewSecretsClient(ctx context.Context, region string) (*secretsmanager.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(awsCfg), nil
}

// HasSecretRefs reports whether any secret-capable field uses SecretPrefix.
func HasSecretRefs(cfg *types.ProjectConfig) bool {
	for _, p := range secretFields(cfg) {
		if strings.HasPrefix(*p, SecretPrefix) {
			return true
		}
	}
	if cfg.Orchestrator != nil && cfg.Orchestrator.Airflow != nil {
		for _, v := range cfg.Orchestrator.Airflow.Headers {
			if strings.HasPrefix(v, SecretPrefix) {
				return true
			}
		}
	}
	return false
}

// ResolveSecrets replaces every secretsmanager: reference in cfg with the
// secret value. Each secret id is fetched once.
func ResolveSecrets(ctx context.Context, cfg *types.ProjectConfig, client SecretsAPI) error {
	r := &resolver{client: client, cache: make(map[string]string)}
	for _, p := range secretFields(cfg) {
		v, err := r.resolve(ctx, *p)
		if err != nil {
			return err
		}
		*p = v
	}
	if cfg.Orchestrator != nil && cfg.Orchestrator.Airflow != nil {
		for k, ref := range cfg.Orchestrator.Airflow.Headers {
			v, err := r.resolve(ctx, ref)
			if err != nil {
				return fmt.Errorf("orchestrator.airflow.headers.%s: %w", k, err)
			}
			cfg.Orchestrator.Airflow.Headers[k] = v
		}
	}
	return nil
}

type resolver struct {
	client SecretsAPI
	cache  map[string]string
}

func (r *resolver) resolve(ctx context.Context, value string) (string, error) {
	ref, ok := strings.CutPrefix(value, SecretPrefix)
	if !ok {
		return value, nil
	}
	id, key, _ := strings.Cut(ref, "#")
	if id == "" {
		return "", fmt.Errorf("empty secret reference %q", value)
	}

	raw, ok := r.cache[id]
	if !ok {
		out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
		if err != nil {
			return "", fmt.Errorf("reading secret %s: %w", id, err)
		}
		raw = aws.ToString(out.SecretString)
		r.cache[id] = raw
	}
	if key == "" {
		return raw, nil
	}

	var fields map[string]string
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", fmt.Errorf("secret %s is not a JSON object: %w", id, err)
	}
	v, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("secret %s has no key %q", id, key)
	}
	return v, nil
}

func secretFields(cfg *types.ProjectConfig) []*string {
	var out []*string
	if cfg.Redis != nil {
		out = append(out, &cfg.Redis.Password)
	}
	if cfg.Postgres != nil {
		out = append(out, &cfg.Postgres.DSN)
	}
	if cfg.Campaigns != nil {
		out = append(out, &cfg.Campaigns.DSN)
	}
	if cfg.Server != nil {
		out = append(out, &cfg.Server.APIKey)
	}
	return out
}
