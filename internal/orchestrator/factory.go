package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/emrserverless"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/aws/aws-sdk-go-v2/service/sfn"

	"github.com/dwsmith1983/runguard/pkg/types"
)

// options holds injectable clients for New.
type options struct {
	httpClient  *http.Client
	sfnClient   SFNAPI
	glueClient  GlueAPI
	emrSLClient EMRServerlessAPI
	logger      *slog.Logger
}

// Option configures New.
type Option func(*options)

// WithHTTPClient sets a custom HTTP client for REST-based adapters.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithSFNClient sets a custom Step Functions client (useful for testing).
func WithSFNClient(c SFNAPI) Option {
	return func(o *options) { o.sfnClient = c }
}

// WithGlueClient sets a custom Glue client.
func WithGlueClient(c GlueAPI) Option {
	return func(o *options) { o.glueClient = c }
}

// WithEMRServerlessClient sets a custom EMR Serverless client.
func WithEMRServerlessClient(c EMRServerlessAPI) Option {
	return func(o *options) { o.emrSLClient = c }
}

// WithLogger sets the logger used by adapters and the breaker.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New builds the configured adapter wrapped in a circuit breaker.
func New(ctx context.Context, cfg *types.OrchestratorConfig, opts ...Option) (Adapter, error) {
	if cfg == nil {
		return nil, fmt.Errorf("no orchestrator configured")
	}
	o := &options{logger: slog.Default()}
	for _, fn := range opts {
		fn(o)
	}

	inner, err := build(ctx, cfg, o)
	if err != nil {
		return nil, err
	}

	var maxFailures uint32
	var openTimeout time.Duration
	if b := cfg.Breaker; b != nil {
		maxFailures = b.MaxFailures
		if b.OpenTimeout != "" {
			if openTimeout, err = time.ParseDuration(b.OpenTimeout); err != nil {
				return nil, fmt.Errorf("orchestrator breaker: invalid openTimeout %q: %w", b.OpenTimeout, err)
			}
		}
	}
	return NewBreaker(inner, string(cfg.Type), maxFailures, openTimeout, o.logger), nil
}

func build(ctx context.Context, cfg *types.OrchestratorConfig, o *options) (Adapter, error) {
	switch cfg.Type {
	case types.OrchestratorAirflow:
		if cfg.Airflow == nil {
			return nil, fmt.Errorf("airflow orchestrator config is nil")
		}
		a, err := NewAirflow(*cfg.Airflow, cfg.CallbackURL, o.httpClient)
		if err != nil {
			return nil, err
		}
		a.SetLogger(o.logger)
		return a, nil
	case types.OrchestratorStepFunction:
		if cfg.StepFunction == nil {
			return nil, fmt.Errorf("step-function orchestrator config is nil")
		}
		client := o.sfnClient
		if client == nil {
			awsCfg, err := loadAWSConfig(ctx, cfg.StepFunction.Region)
			if err != nil {
				return nil, err
			}
			client = sfn.NewFromConfig(awsCfg)
		}
		return NewSFN(client, cfg.StepFunction.StateMachineARN, cfg.CallbackURL)
	case types.OrchestratorGlue:
		if cfg.Glue == nil {
			return nil, fmt.Errorf("glue orchestrator config is nil")
		}
		client := o.glueClient
		if client == nil {
			awsCfg, err := loadAWSConfig(ctx, cfg.Glue.Region)
			if err != nil {
				return nil, err
			}
			client = glue.NewFromConfig(awsCfg)
		}
		return NewGlue(client, *cfg.Glue, cfg.CallbackURL)
	case types.OrchestratorEMRServerless:
		if cfg.EMRServerless == nil {
			return nil, fmt.Errorf("emr-serverless orchestrator config is nil")
		}
		client := o.emrSLClient
		if client == nil {
			awsCfg, err := loadAWSConfig(ctx, cfg.EMRServerless.Region)
			if err != nil {
				return nil, err
			}
			client = emrserverless.NewFromConfig(awsCfg)
		}
		return NewEMRServerless(client, *cfg.EMRServerless, cfg.CallbackURL)
	case types.OrchestratorStub:
		sc := types.StubConfig{}
		if cfg.Stub != nil {
			sc = *cfg.Stub
		}
		return NewStub(sc)
	default:
		return nil, fmt.Errorf("unknown orchestrator type: %s", cfg.Type)
	}
}

func loadAWSConfig(ctx context.Context, region string) (awsCfg aws.Config, err error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err = awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return awsCfg, fmt.Errorf("loading AWS config: %w", err)
	}
	return awsCfg, nil
}
