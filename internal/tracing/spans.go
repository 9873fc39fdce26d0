package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute key constants for consistent span attributes.
const (
	AttrFunctionName   = "faas.name"
	AttrInvocationID   = "faas.invocation_id"
	AttrSourceKind     = "streamsim.source"
	AttrResourceARN    = "streamsim.resource.arn"
	AttrShardID        = "streamsim.shard.id"
	AttrSequenceNumber = "streamsim.sequence_number"
	AttrBatchSize      = "streamsim.batch.size"
	AttrAttempt        = "streamsim.attempt"
	AttrKafkaTopic     = "messaging.kafka.topic"
	AttrHTTPTarget     = "http.target"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatus     = "http.status_code"
	AttrErrorType      = "error.type"
)

// Span name constants for consistent span naming.
const (
	SpanDeliver      = "streamsim.deliver"
	SpanInvoke       = "streamsim.invoke"
	SpanHTTPInvoke   = "http.invoke"
	SpanLambdaInvoke = "lambda.invoke"
	SpanKafkaPublish = "kafka.publish"
	SpanSQSPublish   = "sqs.publish"
)

// StartSpan starts a new span with the given name and options.
// Returns the new context with the span and the span itself.
// If tracer is nil, returns a no-op span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// Attribute constructors for common attributes.

// FunctionAttr returns an attribute for the handler function name.
func FunctionAttr(name string) attribute.KeyValue {
	return attribute.String(AttrFunctionName, name)
}

// InvocationAttr returns an attribute for the invocation request id.
func InvocationAttr(id string) attribute.KeyValue {
	return attribute.String(AttrInvocationID, id)
}

// SourceAttr returns an attribute for the event source kind.
func SourceAttr(kind string) attribute.KeyValue {
	return attribute.String(AttrSourceKind, kind)
}

// ResourceAttr returns an attribute for the stream, queue or bucket ARN.
func ResourceAttr(arn string) attribute.KeyValue {
	return attribute.String(AttrResourceARN, arn)
}

// ShardAttr returns an attribute for the shard id.
func ShardAttr(id string) attribute.KeyValue {
	return attribute.String(AttrShardID, id)
}

// SequenceAttr returns an attribute for a record sequence number.
func SequenceAttr(seq string) attribute.KeyValue {
	return attribute.String(AttrSequenceNumber, seq)
}

// BatchSizeAttr returns an attribute for the number of records in a batch.
func BatchSizeAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrBatchSize, n)
}

// AttemptAttr returns an attribute for the delivery attempt number.
func AttemptAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrAttempt, n)
}

// KafkaTopicAttr returns an attribute for the Kafka topic.
func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}

// HTTPTargetAttr returns an attribute for the HTTP target URL.
func HTTPTargetAttr(url string) attribute.KeyValue {
	return attribute.String(AttrHTTPTarget, url)
}

// HTTPMethodAttr returns an attribute for the HTTP method.
func HTTPMethodAttr(method string) attribute.KeyValue {
	return attribute.String(AttrHTTPMethod, method)
}

// HTTPStatusAttr returns an attribute for the HTTP status code.
func HTTPStatusAttr(status int) attribute.KeyValue {
	return attribute.Int(AttrHTTPStatus, status)
}

// ErrorTypeAttr returns an attribute for the error type.
func ErrorTypeAttr(errType string) attribute.KeyValue {
	return attribute.String(AttrErrorType, errType)
}
