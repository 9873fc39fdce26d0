package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type mockPublisher struct {
	published []publishedMessage
	err       error
}

type publishedMessage struct {
	destination string
	key         []byte
	value       []byte
	headers     map[string]string
}

func (m *mockPublisher) Publish(_ context.Context, dest string, key, value []byte, headers map[string]string) error {
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, publishedMessage{dest, key, value, headers})
	return nil
}

func (m *mockPublisher) Close() error { return nil }

var fixedNow = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func TestSend_KinesisBatchInfo(t *testing.T) {
	pub := &mockPublisher{}
	h := NewHandler(pub)
	h.now = func() time.Time { return fixedNow }

	err := h.Send(context.Background(), FailureInfo{
		Function:    "orders",
		FunctionARN: "arn:aws:lambda:us-east-1:000000000000:function:orders",
		Source:      "kinesis",
		ResourceARN: "arn:aws:kinesis:us-east-1:000000000000:stream/orders",
		ShardID:     "shardId-000000000000",
		StartSeq:    "1",
		EndSeq:      "3",
		BatchSize:   3,
		Attempts:    4,
		RequestID:   "req-1",
		Err:         errors.New("boom"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(pub.published))
	}

	msg := pub.published[0]
	if msg.destination != "streamsim-dlq-orders" {
		t.Errorf("unexpected destination %s", msg.destination)
	}
	if msg.headers["streamsim-attempts"] != "4" || msg.headers["streamsim-shard"] != "shardId-000000000000" {
		t.Errorf("unexpected headers %v", msg.headers)
	}

	var rec Record
	if err := json.Unmarshal(msg.value, &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.KinesisBatchInfo == nil || rec.DDBStreamBatchInfo != nil {
		t.Fatalf("expected kinesis batch info only: %s", msg.value)
	}
	if rec.KinesisBatchInfo.StartSequenceNumber != "1" || rec.KinesisBatchInfo.EndSequenceNumber != "3" {
		t.Errorf("unexpected batch info %+v", rec.KinesisBatchInfo)
	}
	if rec.RequestContext.Condition != ConditionRetriesExhausted || rec.RequestContext.ApproximateInvokeCount != 4 {
		t.Errorf("unexpected request context %+v", rec.RequestContext)
	}
	if !rec.Timestamp.Equal(fixedNow) {
		t.Errorf("unexpected timestamp %v", rec.Timestamp)
	}
}

func TestNewRecord_PerSource(t *testing.T) {
	evt := events.SQSEvent{Records: []events.SQSMessage{{MessageId: "m-1"}}}
	tests := []struct {
		source  string
		payload any
		check   func(t *testing.T, r Record)
	}{
		{"dynamodb", nil, func(t *testing.T, r Record) {
			if r.DDBStreamBatchInfo == nil || r.KinesisBatchInfo != nil {
				t.Errorf("expected DDBStreamBatchInfo, got %+v", r)
			}
		}},
		{"sqs", evt, func(t *testing.T, r Record) {
			var back events.SQSEvent
			if err := json.Unmarshal(r.RequestPayload, &back); err != nil || back.Records[0].MessageId != "m-1" {
				t.Errorf("payload not embedded: %s", r.RequestPayload)
			}
		}},
		{"s3", nil, func(t *testing.T, r Record) {
			if r.RequestPayload != nil || r.KinesisBatchInfo != nil {
				t.Errorf("expected empty record body, got %+v", r)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			r, err := NewRecord(FailureInfo{Source: tt.source, Payload: tt.payload}, fixedNow)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, r)
		})
	}
}

func TestSend_FixedDestination(t *testing.T) {
	pub := &mockPublisher{}
	h := NewHandler(pub, WithDestination("failures"))
	if err := h.Send(context.Background(), FailureInfo{Function: "orders", Source: "sqs"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pub.published[0].destination != "failures" {
		t.Errorf("unexpected destination %s", pub.published[0].destination)
	}
}

func TestSend_PublishError(t *testing.T) {
	h := NewHandler(&mockPublisher{err: errors.New("broker down")})
	err := h.Send(context.Background(), FailureInfo{Function: "orders"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestNoopPublisher(t *testing.T) {
	h := NewHandler(&NoopPublisher{})
	if err := h.Send(context.Background(), FailureInfo{Function: "orders"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
}

type fakeSQS struct {
	in *sqs.SendMessageInput
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.in = in
	return &sqs.SendMessageOutput{MessageId: aws.String("id-1")}, nil
}

func TestSQSPublisher(t *testing.T) {
	fake := &fakeSQS{}
	p := NewSQSPublisher(fake)

	err := p.Publish(context.Background(), "http://localhost:4566/000000000000/failures.fifo", []byte("group"), []byte(`{}`),
		map[string]string{"streamsim-function": "orders", "streamsim-shard": ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if aws.ToString(fake.in.MessageBody) != `{}` {
		t.Errorf("unexpected body %q", aws.ToString(fake.in.MessageBody))
	}
	if len(fake.in.MessageAttributes) != 1 || aws.ToString(fake.in.MessageAttributes["streamsim-function"].StringValue) != "orders" {
		t.Errorf("unexpected attributes %+v", fake.in.MessageAttributes)
	}
	if aws.ToString(fake.in.MessageGroupId) != "group" || fake.in.MessageDeduplicationId == nil {
		t.Error("fifo queue requires group and deduplication ids")
	}
}
