// Package filter drops envelope records that do not match a CEL expression,
// in the spirit of Lambda event filtering.
package filter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/ext"
)

const defaultTimeout = time.Second

// Option configures a Filter.
type Option func(*Filter)

// WithTimeout sets the maximum evaluation time for a single record.
func WithTimeout(d time.Duration) Option {
	return func(f *Filter) {
		f.timeout = d
	}
}

// Filter evaluates a boolean CEL expression against each record. The
// expression sees two variables: record, the record as it is serialised in
// the envelope, and data, the record payload decoded as JSON (nil when the
// payload is not JSON).
//
//	data.type == "order" && record.eventSource == "aws:sqs"
type Filter struct {
	expr    string
	program cel.Program
	timeout time.Duration
}

// New compiles expression.
func New(expression string, opts ...Option) (*Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("record", cel.DynType),
		cel.Variable("data", cel.DynType),
		ext.Strings(),
		ext.Encoders(),
		ext.Math(),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("filter must evaluate to bool, got %s", out)
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}

	f := &Filter{expr: expression, program: prg, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// String returns the source expression.
func (f *Filter) String() string { return f.expr }

// Match reports whether one record passes. Evaluation errors, such as a
// missing field, count as no match.
func (f *Filter) Match(ctx context.Context, record any, payload []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("context error: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	raw, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false, fmt.Errorf("unmarshal record: %w", err)
	}
	var data any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			data = nil
		}
	}

	ch := make(chan bool, 1)
	go func() {
		out, _, err := f.program.Eval(map[string]any{"record": rec, "data": data})
		ch <- err == nil && out == types.True
	}()

	select {
	case <-ctx.Done():
		return false, fmt.Errorf("filter timeout: %w", ctx.Err())
	case ok := <-ch:
		return ok, nil
	}
}

// Kinesis keeps the matching records of evt. The payload is the record data.
func (f *Filter) Kinesis(ctx context.Context, evt events.KinesisEvent) (events.KinesisEvent, error) {
	kept, err := keep(ctx, f, evt.Records, func(r events.KinesisEventRecord) []byte { return r.Kinesis.Data })
	return events.KinesisEvent{Records: kept}, err
}

// DynamoDB keeps the matching records of evt. The payload is the change
// record (keys and images).
func (f *Filter) DynamoDB(ctx context.Context, evt events.DynamoDBEvent) (events.DynamoDBEvent, error) {
	kept, err := keep(ctx, f, evt.Records, func(r events.DynamoDBEventRecord) []byte {
		b, _ := json.Marshal(r.Change)
		return b
	})
	return events.DynamoDBEvent{Records: kept}, err
}

// SQS keeps the matching messages of evt. The payload is the message body.
func (f *Filter) SQS(ctx context.Context, evt events.SQSEvent) (events.SQSEvent, error) {
	kept, err := keep(ctx, f, evt.Records, func(r events.SQSMessage) []byte { return []byte(r.Body) })
	return events.SQSEvent{Records: kept}, err
}

// S3 keeps the matching notifications of evt. The payload is the s3 entity.
func (f *Filter) S3(ctx context.Context, evt events.S3Event) (events.S3Event, error) {
	kept, err := keep(ctx, f, evt.Records, func(r events.S3EventRecord) []byte {
		b, _ := json.Marshal(r.S3)
		return b
	})
	return events.S3Event{Records: kept}, err
}

func keep[T any](ctx context.Context, f *Filter, records []T, payload func(T) []byte) ([]T, error) {
	out := make([]T, 0, len(records))
	for _, r := range records {
		ok, err := f.Match(ctx, r, payload(r))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}
