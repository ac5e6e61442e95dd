package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/dwsmith1983/runguard/pkg/types"
)

// defaultSource is the EventBridge source when none is configured.
const defaultSource = "runguard"

// EventBridgeAPI is the subset of the EventBridge client used by EventBridgeSink.
type EventBridgeAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgeSink puts events on an EventBridge bus with the event kind as
// the detail type.
type EventBridgeSink struct {
	client  EventBridgeAPI
	busName string
	source  string
}

// NewEventBridgeSink creates an EventBridge sink.
func NewEventBridgeSink(client EventBridgeAPI, busName, source string) (*EventBridgeSink, error) {
	if busName == "" {
		return nil, fmt.Errorf("EventBridge bus name required")
	}
	if source == "" {
		source = defaultSource
	}
	return &EventBridgeSink{client: client, busName: busName, source: source}, nil
}

// Name returns the sink identifier.
func (s *EventBridgeSink) Name() string { return "eventbridge" }

// Send puts the event on the bus.
func (s *EventBridgeSink) Send(ctx context.Context, evt types.Event) error {
	detail, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	out, err := s.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []ebtypes.PutEventsRequestEntry{{
			EventBusName: aws.String(s.busName),
			Source:       aws.String(s.source),
			DetailType:   aws.String(string(evt.Kind)),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(evt.Timestamp),
		}},
	})
	if err != nil {
		return fmt.Errorf("putting event: %w", err)
	}
	if out.FailedEntryCount > 0 {
		msg := "unknown"
		if len(out.Entries) > 0 && out.Entries[0].ErrorMessage != nil {
			msg = *out.Entries[0].ErrorMessage
		}
		return fmt.Errorf("EventBridge rejected event: %s", msg)
	}
	return nil
}

// SQSAPI is the subset of the SQS client used by SQSSink.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSink sends events to an SQS queue. On FIFO queues events for one
// campaign share a message group so consumers see them in order.
type SQSSink struct {
	client   SQSAPI
	queueURL string
	fifo     bool
}

// NewSQSSink creates an SQS sink.
func NewSQSSink(client SQSAPI, queueURL string) (*SQSSink, error) {
	if queueURL == "" {
		return nil, fmt.Errorf("SQS queue URL required")
	}
	return &SQSSink{client: client, queueURL: queueURL, fifo: strings.HasSuffix(queueURL, ".fifo")}, nil
}

// Name returns the sink identifier.
func (s *SQSSink) Name() string { return "sqs" }

// Send enqueues the event as JSON.
func (s *SQSSink) Send(ctx context.Context, evt types.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"kind": {DataType: aws.String("String"), StringValue: aws.String(string(evt.Kind))},
		},
	}
	if s.fifo {
		in.MessageGroupId = aws.String(evt.CampaignID)
		in.MessageDeduplicationId = aws.String(evt.CampaignID + "-" + string(evt.Kind) + "-" +
			strconv.FormatInt(evt.Timestamp.UnixNano(), 10))
	}
	if _, err := s.client.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("sending to SQS: %w", err)
	}
	return nil
}

// SNSAPI is the subset of the SNS client used by SNSSink.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSink publishes events to an SNS topic.
type SNSSink struct {
	client   SNSAPI
	topicARN string
}

// NewSNSSink creates an SNS sink.
func NewSNSSink(client SNSAPI, topicARN string) (*SNSSink, error) {
	if topicARN == "" {
		return nil, fmt.Errorf("SNS topic ARN required")
	}
	return &SNSSink{client: client, topicARN: topicARN}, nil
}

// Name returns the sink identifier.
func (s *SNSSink) Name() string { return "sns" }

// Send publishes the event as JSON with the kind as a message attribute for
// subscription filtering.
func (s *SNSSink) Send(ctx context.Context, evt types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	subject := fmt.Sprintf("[%s] %s", evt.Kind, evt.CampaignID)
	if len(subject) > 100 {
		subject = subject[:100]
	}
	_, err = s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(string(data)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"kind": {DataType: aws.String("String"), StringValue: aws.String(string(evt.Kind))},
		},
	})
	if err != nil {
		return fmt.Errorf("publishing to SNS: %w", err)
	}
	return nil
}
