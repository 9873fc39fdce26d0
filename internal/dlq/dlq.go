// Package dlq sends records of abandoned batches to an on-failure
// destination, shaped like the records Lambda writes for event source
// mappings.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Publisher is the interface for publishing messages to a destination.
type Publisher interface {
	Publish(ctx context.Context, destination string, key, value []byte, headers map[string]string) error
	Close() error
}

// ConditionRetriesExhausted is the condition reported when a batch runs out
// of retry attempts.
const ConditionRetriesExhausted = "RetryAttemptsExhausted"

// FailureInfo describes an abandoned batch.
type FailureInfo struct {
	Function     string
	FunctionARN  string
	Source       string // kinesis, dynamodb, sqs or s3
	ResourceARN  string
	ShardID      string
	StartSeq     string
	EndSeq       string
	FirstArrival time.Time
	LastArrival  time.Time
	BatchSize    int
	Attempts     int
	RequestID    string
	Err          error
	// Payload is the original envelope. It is embedded for sources without
	// shard positions (queues and buckets).
	Payload any
}

// Record is the failure document written to the destination.
type Record struct {
	RequestContext     RequestContext  `json:"requestContext"`
	ResponseContext    ResponseContext `json:"responseContext"`
	Version            string          `json:"version"`
	Timestamp          time.Time       `json:"timestamp"`
	KinesisBatchInfo   *BatchInfo      `json:"KinesisBatchInfo,omitempty"`
	DDBStreamBatchInfo *BatchInfo      `json:"DDBStreamBatchInfo,omitempty"`
	RequestPayload     json.RawMessage `json:"requestPayload,omitempty"`
}

type RequestContext struct {
	RequestID              string `json:"requestId"`
	FunctionARN            string `json:"functionArn"`
	Condition              string `json:"condition"`
	ApproximateInvokeCount int    `json:"approximateInvokeCount"`
}

type ResponseContext struct {
	StatusCode      int    `json:"statusCode"`
	ExecutedVersion string `json:"executedVersion"`
	FunctionError   string `json:"functionError"`
}

// BatchInfo locates the abandoned records within a shard.
type BatchInfo struct {
	ShardID                         string    `json:"shardId"`
	StartSequenceNumber             string    `json:"startSequenceNumber"`
	EndSequenceNumber               string    `json:"endSequenceNumber"`
	ApproximateArrivalOfFirstRecord time.Time `json:"approximateArrivalOfFirstRecord"`
	ApproximateArrivalOfLastRecord  time.Time `json:"approximateArrivalOfLastRecord"`
	BatchSize                       int       `json:"batchSize"`
	StreamARN                       string    `json:"streamArn"`
}

// NewRecord builds the failure document for info.
func NewRecord(info FailureInfo, now time.Time) (Record, error) {
	rec := Record{
		RequestContext: RequestContext{
			RequestID:              info.RequestID,
			FunctionARN:            info.FunctionARN,
			Condition:              ConditionRetriesExhausted,
			ApproximateInvokeCount: info.Attempts,
		},
		ResponseContext: ResponseContext{
			StatusCode:      200,
			ExecutedVersion: "$LATEST",
			FunctionError:   "Unhandled",
		},
		Version:   "1.0",
		Timestamp: now.UTC(),
	}
	if info.Err != nil {
		rec.ResponseContext.FunctionError = info.Err.Error()
	}

	batch := &BatchInfo{
		ShardID:                         info.ShardID,
		StartSequenceNumber:             info.StartSeq,
		EndSequenceNumber:               info.EndSeq,
		ApproximateArrivalOfFirstRecord: info.FirstArrival.UTC(),
		ApproximateArrivalOfLastRecord:  info.LastArrival.UTC(),
		BatchSize:                       info.BatchSize,
		StreamARN:                       info.ResourceARN,
	}
	switch info.Source {
	case "kinesis":
		rec.KinesisBatchInfo = batch
	case "dynamodb":
		rec.DDBStreamBatchInfo = batch
	default:
		if info.Payload != nil {
			raw, err := json.Marshal(info.Payload)
			if err != nil {
				return Record{}, fmt.Errorf("marshal request payload: %w", err)
			}
			rec.RequestPayload = raw
		}
	}
	return rec, nil
}

// Handler publishes failure records for one function.
type Handler struct {
	publisher   Publisher
	destination func(function string) string
	now         func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithDestination sends every record to a fixed destination (a topic name or
// queue URL) instead of the per-function default.
func WithDestination(dest string) Option {
	return func(h *Handler) {
		h.destination = func(string) string { return dest }
	}
}

// NewHandler creates a new handler. Records go to "streamsim-dlq-<function>"
// unless WithDestination is given.
func NewHandler(pub Publisher, opts ...Option) *Handler {
	h := &Handler{
		publisher:   pub,
		destination: func(function string) string { return "streamsim-dlq-" + function },
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send publishes the failure record for info.
func (h *Handler) Send(ctx context.Context, info FailureInfo) error {
	rec, err := NewRecord(info, h.now())
	if err != nil {
		return err
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal failure record: %w", err)
	}

	dest := h.destination(info.Function)
	headers := map[string]string{
		"streamsim-function":  info.Function,
		"streamsim-source":    info.Source,
		"streamsim-resource":  info.ResourceARN,
		"streamsim-condition": ConditionRetriesExhausted,
		"streamsim-attempts":  strconv.Itoa(info.Attempts),
		"streamsim-failed-at": rec.Timestamp.Format(time.RFC3339),
	}
	if info.ShardID != "" {
		headers["streamsim-shard"] = info.ShardID
	}

	key := []byte(info.ResourceARN + "/" + info.ShardID)
	if err := h.publisher.Publish(ctx, dest, key, value, headers); err != nil {
		return fmt.Errorf("dlq publish to %s: %w", dest, err)
	}
	return nil
}

// Close releases resources held by the handler.
func (h *Handler) Close() error {
	return h.publisher.Close()
}

// NoopPublisher is a Publisher that discards all messages.
// Used when no on-failure destination is configured.
type NoopPublisher struct{}

func (*NoopPublisher) Publish(context.Context, string, []byte, []byte, map[string]string) error {
	return nil
}

func (*NoopPublisher) Close() error { return nil }
