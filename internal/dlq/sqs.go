package dlq

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/lsm/streamsim/internal/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// SendMessageAPI is the part of the SQS client SQSPublisher needs.
type SendMessageAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends failure records to an SQS queue. The destination is the
// queue URL; headers become string message attributes.
type SQSPublisher struct {
	client SendMessageAPI
	tracer trace.Tracer
}

func NewSQSPublisher(client SendMessageAPI) *SQSPublisher {
	return &SQSPublisher{client: client, tracer: noop.NewTracerProvider().Tracer("sqs-publisher")}
}

// SetTracer sets the tracer for the publisher.
func (p *SQSPublisher) SetTracer(tracer trace.Tracer) {
	p.tracer = tracer
}

func (p *SQSPublisher) Publish(ctx context.Context, queueURL string, key, value []byte, headers map[string]string) error {
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanSQSPublish,
		trace.WithAttributes(tracing.ResourceAttr(queueURL)))
	defer span.End()

	in := &sqs.SendMessageInput{
		QueueUrl:          aws.String(queueURL),
		MessageBody:       aws.String(string(value)),
		MessageAttributes: make(map[string]sqstypes.MessageAttributeValue, len(headers)),
	}
	for k, v := range headers {
		if v == "" {
			continue
		}
		in.MessageAttributes[k] = sqstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	if strings.HasSuffix(queueURL, ".fifo") {
		in.MessageGroupId = aws.String(string(key))
		in.MessageDeduplicationId = aws.String(uuid.NewString())
	}

	if _, err := p.client.SendMessage(ctx, in); err != nil {
		err = fmt.Errorf("sqs send to %s: %w", queueURL, err)
		tracing.SetSpanError(span, err)
		return err
	}
	tracing.SetSpanOK(span)
	return nil
}

func (*SQSPublisher) Close() error { return nil }
