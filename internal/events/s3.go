package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dwsmith1983/runguard/pkg/types"
)

// S3API is the subset of the S3 client used by S3Sink.
type S3API interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink archives events to S3, one object per event.
type S3Sink struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Sink creates an S3 archive sink.
func NewS3Sink(client S3API, bucket, prefix string) (*S3Sink, error) {
	if bucket == "" {
		return nil, fmt.Errorf("S3 bucket name required")
	}
	return &S3Sink{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// Name returns the sink identifier.
func (s *S3Sink) Name() string { return "s3" }

// Send writes the event as JSON.
// Key format: {prefix}/{date}/{campaignID}/{unix_millis}-{kind}.json
func (s *S3Sink) Send(ctx context.Context, evt types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	campaignID := evt.CampaignID
	if campaignID == "" {
		campaignID = "system"
	}
	key := fmt.Sprintf("%s/%s/%s/%d-%s.json",
		s.prefix, evt.Timestamp.UTC().Format("2006-01-02"), campaignID,
		evt.Timestamp.UnixMilli(), evt.Kind)
	key = strings.TrimLeft(key, "/")

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("putting event to S3: %w", err)
	}
	return nil
}
