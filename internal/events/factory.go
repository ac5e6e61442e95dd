package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/dwsmith1983/runguard/pkg/types"
)

type options struct {
	eventBridge EventBridgeAPI
	sqs         SQSAPI
	sns         SNSAPI
	s3          S3API
}

// Option configures New.
type Option func(*options)

// WithEventBridgeClient sets a custom EventBridge client (useful for testing).
func WithEventBridgeClient(c EventBridgeAPI) Option {
	return func(o *options) { o.eventBridge = c }
}

// WithSQSClient sets a custom SQS client.
func WithSQSClient(c SQSAPI) Option {
	return func(o *options) { o.sqs = c }
}

// WithSNSClient sets a custom SNS client.
func WithSNSClient(c SNSAPI) Option {
	return func(o *options) { o.sns = c }
}

// WithS3Client sets a custom S3 client.
func WithS3Client(c S3API) Option {
	return func(o *options) { o.s3 = c }
}

func newSink(ctx context.Context, cfg types.EventSinkConfig, logger *slog.Logger, o *options) (Sink, error) {
	switch cfg.Type {
	case types.EventSinkLog:
		return NewLogSink(logger), nil
	case types.EventSinkConsole:
		return NewConsoleSink(), nil
	case types.EventSinkFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("file path required")
		}
		return NewFileSink(cfg.Path)
	case types.EventSinkWebhook:
		if cfg.URL == "" {
			return nil, fmt.Errorf("webhook URL required")
		}
		return NewWebhookSink(cfg.URL), nil
	case types.EventSinkEventBridge:
		client := o.eventBridge
		if client == nil {
			awsCfg, err := loadAWS(ctx, cfg.Region)
			if err != nil {
				return nil, err
			}
			client = eventbridge.NewFromConfig(awsCfg)
		}
		return NewEventBridgeSink(client, cfg.BusName, cfg.Source)
	case types.EventSinkSQS:
		client := o.sqs
		if client == nil {
			awsCfg, err := loadAWS(ctx, cfg.Region)
			if err != nil {
				return nil, err
			}
			client = sqs.NewFromConfig(awsCfg)
		}
		return NewSQSSink(client, cfg.QueueURL)
	case types.EventSinkSNS:
		client := o.sns
		if client == nil {
			awsCfg, err := loadAWS(ctx, cfg.Region)
			if err != nil {
				return nil, err
			}
			client = sns.NewFromConfig(awsCfg)
		}
		return NewSNSSink(client, cfg.TopicARN)
	case types.EventSinkS3:
		client := o.s3
		if client == nil {
			awsCfg, err := loadAWS(ctx, cfg.Region)
			if err != nil {
				return nil, err
			}
			client = s3.NewFromConfig(awsCfg)
		}
		return NewS3Sink(client, cfg.Bucket, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown event sink type %q", cfg.Type)
	}
}

func loadAWS(ctx context.Context, region string) (cfg aws.Config, err error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err = awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return cfg, fmt.Errorf("loading AWS config: %w", err)
	}
	return cfg, nil
}
