package invoke

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/lsm/streamsim/internal/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// LambdaAPI is the part of the Lambda client the invoker needs.
type LambdaAPI interface {
	Invoke(ctx context.Context, in *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// Lambda invokes a function through a Lambda-compatible API, such as a local
// emulator, with RequestResponse semantics.
type Lambda struct {
	client   LambdaAPI
	function string
	tracer   trace.Tracer
}

// NewLambda creates a Lambda invoker calling function (a name or ARN).
func NewLambda(client LambdaAPI, function string) *Lambda {
	return &Lambda{
		client:   client,
		function: function,
		tracer:   noop.NewTracerProvider().Tracer("lambda-invoker"),
	}
}

// SetTracer sets the tracer for the invoker.
func (l *Lambda) SetTracer(tracer trace.Tracer) {
	l.tracer = tracer
}

func (l *Lambda) Invoke(ctx context.Context, event any, ic Context) error {
	ctx, span := tracing.StartSpan(ctx, l.tracer, tracing.SpanLambdaInvoke,
		trace.WithAttributes(
			tracing.FunctionAttr(l.function),
			tracing.InvocationAttr(ic.RequestID),
		),
	)
	defer span.End()

	err := l.invoke(ctx, event, ic)
	if err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	tracing.SetSpanOK(span)
	return nil
}

func (l *Lambda) invoke(ctx context.Context, event any, ic Context) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	in := &lambda.InvokeInput{
		FunctionName:   aws.String(l.function),
		InvocationType: lambdatypes.InvocationTypeRequestResponse,
		Payload:        payload,
	}
	if len(ic.Environment) > 0 {
		cc, err := json.Marshal(map[string]any{"env": ic.Environment})
		if err != nil {
			return fmt.Errorf("marshal client context: %w", err)
		}
		in.ClientContext = aws.String(base64.StdEncoding.EncodeToString(cc))
	}
	if !ic.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, ic.Deadline)
		defer cancel()
	}

	out, err := l.client.Invoke(ctx, in)
	if err != nil {
		return fmt.Errorf("lambda invoke %s: %w", l.function, err)
	}
	if out.FunctionError != nil {
		fe := &FunctionError{Type: *out.FunctionError}
		if err := json.Unmarshal(out.Payload, fe); err != nil || fe.Message == "" {
			fe.Message = string(out.Payload)
		}
		return fe
	}
	if out.StatusCode < 200 || out.StatusCode >= 300 {
		return &StatusError{Code: int(out.StatusCode)}
	}
	return nil
}
