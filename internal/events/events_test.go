package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/runguard/pkg/types"
)

func testEvent() types.Event {
	return types.Event{
		Kind:       types.EventRunStarted,
		CampaignID: "c1",
		RunID:      "run-1",
		Status:     types.RunPending,
		Message:    "orchestrator accepted run",
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

type recordingSink struct {
	name string
	got  []types.Event
	err  error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(ctx context.Context, evt types.Event) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("send without deadline")
	}
	s.got = append(s.got, evt)
	return s.err
}

func TestPublisher_FansOutAndSurvivesFailures(t *testing.T) {
	bad := &recordingSink{name: "bad", err: errors.New("down")}
	good := &recordingSink{name: "good"}
	p := NewPublisher(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), bad, good)

	p.Publish(context.Background(), testEvent())

	assert.Len(t, bad.got, 1)
	require.Len(t, good.got, 1)
	assert.Equal(t, "c1", good.got[0].CampaignID)
	assert.Equal(t, []string{"bad", "good"}, p.Sinks())
}

func TestPublisher_FillsTimestamp(t *testing.T) {
	s := &recordingSink{name: "s"}
	p := NewPublisher(nil, s)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	evt := testEvent()
	evt.Timestamp = time.Time{}
	p.Publish(context.Background(), evt)
	require.Len(t, s.got, 1)
	assert.Equal(t, fixed, s.got[0].Timestamp)
}

func TestPublisher_CanceledRequestStillDelivers(t *testing.T) {
	s := &recordingSink{name: "s"}
	p := NewPublisher(nil, s)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Publish(ctx, testEvent())
	assert.Len(t, s.got, 1)
}

func TestPublisher_NilIsNoop(t *testing.T) {
	var p *Publisher
	assert.NotPanics(t, func() { p.Publish(context.Background(), testEvent()) })
	assert.Nil(t, p.Sinks())
}

func TestNew_DefaultsToLogSink(t *testing.T) {
	p, err := New(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"log"}, p.Sinks())
}

func TestNew_UnknownSink(t *testing.T) {
	_, err := New(context.Background(), &types.EventsConfig{Sinks: []types.EventSinkConfig{{Type: "carrier-pigeon"}}}, nil)
	assert.ErrorContains(t, err, "unknown event sink type")
}

func TestNew_AWSSinksWithInjectedClients(t *testing.T) {
	cfg := &types.EventsConfig{Sinks: []types.EventSinkConfig{
		{Type: types.EventSinkEventBridge, BusName: "runs"},
		{Type: types.EventSinkSQS, QueueURL: "https://sqs.us-east-1.amazonaws.com/123/runs"},
		{Type: types.EventSinkSNS, TopicARN: "arn:aws:sns:us-east-1:123:runs"},
		{Type: types.EventSinkS3, Bucket: "run-archive"},
	}}
	p, err := New(context.Background(), cfg, nil,
		WithEventBridgeClient(&mockEventBridge{}), WithSQSClient(&mockSQS{}), WithSNSClient(&mockSNS{}),
		WithS3Client(&mockS3{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"eventbridge", "sqs", "sns", "s3"}, p.Sinks())
}

func TestLogSink_Send(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, sink.Send(context.Background(), testEvent()))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "RUN_STARTED", line["kind"])
	assert.Equal(t, "c1", line["campaign"])
	assert.Equal(t, "run-1", line["runID"])
}

func TestConsoleSink_Send(t *testing.T) {
	sink := NewConsoleSink()
	assert.Equal(t, "console", sink.Name())
	for _, kind := range []types.EventKind{types.EventRunStarted, types.EventRunReleased, types.EventRunCompleted} {
		evt := testEvent()
		evt.Kind = kind
		assert.NoError(t, sink.Send(context.Background(), evt))
	}
}

func TestFileSink_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, testEvent()))
	require.NoError(t, sink.Send(ctx, testEvent()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var decoded types.Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &decoded))
	assert.Equal(t, types.EventRunStarted, decoded.Kind)
}

func TestWebhookSink(t *testing.T) {
	var received types.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL)
	require.NoError(t, sink.Send(context.Background(), testEvent()))
	assert.Equal(t, "run-1", received.RunID)
}

func TestWebhookSink_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL).Send(context.Background(), testEvent())
	assert.ErrorContains(t, err, "status 502")
}

type mockEventBridge struct {
	inputs []*eventbridge.PutEventsInput
	failed int32
}

func (m *mockEventBridge) PutEvents(_ context.Context, in *eventbridge.PutEventsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	m.inputs = append(m.inputs, in)
	out := &eventbridge.PutEventsOutput{FailedEntryCount: m.failed}
	if m.failed > 0 {
		msg := "throttled"
		out.Entries = []ebtypes.PutEventsResultEntry{{ErrorMessage: &msg}}
	}
	return out, nil
}

func TestEventBridgeSink(t *testing.T) {
	mock := &mockEventBridge{}
	sink, err := NewEventBridgeSink(mock, "runs", "")
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), testEvent()))

	require.Len(t, mock.inputs, 1)
	entry := mock.inputs[0].Entries[0]
	assert.Equal(t, "runs", *entry.EventBusName)
	assert.Equal(t, "runguard", *entry.Source)
	assert.Equal(t, "RUN_STARTED", *entry.DetailType)

	mock.failed = 1
	err = sink.Send(context.Background(), testEvent())
	assert.ErrorContains(t, err, "throttled")

	_, err = NewEventBridgeSink(mock, "", "")
	assert.Error(t, err)
}

type mockSQS struct {
	inputs []*sqs.SendMessageInput
}

func (m *mockSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.inputs = append(m.inputs, in)
	return &sqs.SendMessageOutput{}, nil
}

func TestSQSSink_Standard(t *testing.T) {
	mock := &mockSQS{}
	sink, err := NewSQSSink(mock, "https://sqs.us-east-1.amazonaws.com/123/runs")
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), testEvent()))

	require.Len(t, mock.inputs, 1)
	in := mock.inputs[0]
	assert.Nil(t, in.MessageGroupId)
	assert.Equal(t, "RUN_STARTED", *in.MessageAttributes["kind"].StringValue)

	var decoded types.Event
	require.NoError(t, json.Unmarshal([]byte(*in.MessageBody), &decoded))
	assert.Equal(t, "c1", decoded.CampaignID)
}

func TestSQSSink_FIFOGroupsByCampaign(t *testing.T) {
	mock := &mockSQS{}
	sink, err := NewSQSSink(mock, "https://sqs.us-east-1.amazonaws.com/123/runs.fifo")
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), testEvent()))

	in := mock.inputs[0]
	require.NotNil(t, in.MessageGroupId)
	assert.Equal(t, "c1", *in.MessageGroupId)
	assert.Contains(t, *in.MessageDeduplicationId, "c1-RUN_STARTED-")
}

type mockSNS struct {
	published []*sns.PublishInput
}

func (m *mockSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.published = append(m.published, in)
	return &sns.PublishOutput{}, nil
}

func TestSNSSink(t *testing.T) {
	mock := &mockSNS{}
	sink, err := NewSNSSink(mock, "arn:aws:sns:us-east-1:123:runs")
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), testEvent()))

	require.Len(t, mock.published, 1)
	assert.Equal(t, "[RUN_STARTED] c1", *mock.published[0].Subject)

	_, err = NewSNSSink(mock, "")
	assert.Error(t, err)
}

type mockS3 struct {
	keys []string
	err  error
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.keys = append(m.keys, *in.Key)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Sink(t *testing.T) {
	mock := &mockS3{}
	sink, err := NewS3Sink(mock, "run-archive", "/events/")
	require.NoError(t, err)

	evt := testEvent()
	evt.Timestamp = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Send(context.Background(), evt))
	require.Len(t, mock.keys, 1)
	assert.Equal(t, "events/2026-03-01/c1/1772366400000-RUN_STARTED.json", mock.keys[0])

	evt.CampaignID = ""
	require.NoError(t, sink.Send(context.Background(), evt))
	assert.Contains(t, mock.keys[1], "/system/")

	mock.err = errors.New("access denied")
	assert.ErrorContains(t, sink.Send(context.Background(), evt), "putting event to S3")

	_, err = NewS3Sink(mock, "", "")
	assert.Error(t, err)
}
