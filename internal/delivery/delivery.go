// Package delivery hands envelopes to a handler with at-least-once semantics:
// a failed invocation is retried with the identical envelope until it
// succeeds or the retry budget is spent.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lsm/streamsim/internal/dlq"
	"github.com/lsm/streamsim/internal/invoke"
	"github.com/lsm/streamsim/internal/observability"
	"github.com/lsm/streamsim/internal/retry"
	"github.com/lsm/streamsim/internal/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultRetryDelay is the pause between two attempts of the same batch.
const DefaultRetryDelay = 500 * time.Millisecond

// Config identifies the function and the source a Deliverer serves.
type Config struct {
	Function    string
	FunctionARN string
	Source      string
	ResourceARN string
	Region      string
	Environment map[string]string
	// Timeout bounds a single invocation. Zero means no deadline.
	Timeout time.Duration
	// RetryDelay defaults to DefaultRetryDelay.
	RetryDelay time.Duration
	// MaxRetries counts attempts after the first one. Nil retries until the
	// handler succeeds.
	MaxRetries *int
}

// Batch is one envelope ready for delivery.
type Batch struct {
	Event   any
	Records int
	// Filtered counts records removed by the event filter. They count as
	// processed but are not part of Event.
	Filtered int
	// Ack runs once after a successful invocation, for example to delete
	// queue messages. Its failure is logged and does not fail the batch.
	Ack func(ctx context.Context) error
	// Failure locates the batch in the source for the on-failure record.
	Failure dlq.FailureInfo
}

// DeliveryFailedError reports a batch abandoned after exhausting retries.
type DeliveryFailedError struct {
	Function string
	Resource string
	Attempts int
	Err      error
}

func (e *DeliveryFailedError) Error() string {
	return fmt.Sprintf("delivery to %s from %s failed after %d attempts: %v", e.Function, e.Resource, e.Attempts, e.Err)
}

func (e *DeliveryFailedError) Unwrap() error { return e.Err }

// Deliverer invokes one function for one shard or queue. Deliver calls are
// serialised so at most one invocation is in flight.
type Deliverer struct {
	cfg     Config
	handler invoke.Handler
	dlq     *dlq.Handler
	metrics *observability.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer

	mu sync.Mutex
}

// Option configures a Deliverer.
type Option func(*Deliverer)

// WithDeadLetter sends abandoned batches to h.
func WithDeadLetter(h *dlq.Handler) Option {
	return func(d *Deliverer) { d.dlq = h }
}

// WithMetrics records delivery metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Deliverer) { d.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Deliverer) { d.logger = observability.WithTraceContext(l) }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(d *Deliverer) { d.tracer = t }
}

// New creates a Deliverer calling handler.
func New(cfg Config, handler invoke.Handler, opts ...Option) *Deliverer {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	d := &Deliverer{
		cfg:     cfg,
		handler: handler,
		logger:  observability.WithTraceContext(slog.Default()),
		tracer:  noop.NewTracerProvider().Tracer("delivery"),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("function", cfg.Function, "source", cfg.Source, "resource", cfg.ResourceARN)
	return d
}

// Deliver invokes the handler with b.Event until it succeeds, the retry
// budget is spent or ctx ends. Exhaustion returns a *DeliveryFailedError
// after the batch was offered to the on-failure destination.
func (d *Deliverer) Deliver(ctx context.Context, b Batch) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, d.tracer, tracing.SpanDeliver,
		trace.WithAttributes(
			tracing.FunctionAttr(d.cfg.Function),
			tracing.SourceAttr(d.cfg.Source),
			tracing.ResourceAttr(d.cfg.ResourceARN),
			tracing.ShardAttr(b.Failure.ShardID),
			tracing.BatchSizeAttr(b.Records),
		),
	)
	defer span.End()

	policy := retry.Fixed(d.cfg.RetryDelay, d.cfg.MaxRetries)
	policy.OnRetry = func(attempt int, err error) {
		d.logger.InfoContext(ctx, "invocation failed, retrying batch",
			"shard", b.Failure.ShardID, "attempt", attempt, "error", err)
		if d.metrics != nil {
			d.metrics.RetriesTotal.WithLabelValues(d.cfg.Function, d.cfg.Source).Inc()
		}
	}

	attempts := 0
	var lastRequest string
	err := retry.Do(ctx, policy, func() error {
		attempts++
		ic := invoke.NewContext(d.cfg.Function, d.cfg.FunctionARN, d.cfg.Region, d.cfg.Environment, d.cfg.Timeout)
		lastRequest = ic.RequestID
		return d.invoke(ctx, b, ic, attempts)
	})

	if err == nil {
		tracing.SetSpanOK(span)
		if d.metrics != nil {
			d.metrics.RecordsTotal.WithLabelValues(d.cfg.Function, d.cfg.Source, observability.StatusDelivered).Add(float64(b.Records))
		}
		if b.Ack != nil {
			if err := b.Ack(ctx); err != nil {
				d.logger.ErrorContext(ctx, "acknowledge batch", "shard", b.Failure.ShardID, "error", err)
			}
		}
		return nil
	}

	tracing.SetSpanError(span, err)
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}

	failed := &DeliveryFailedError{
		Function: d.cfg.Function,
		Resource: d.cfg.ResourceARN,
		Attempts: attempts,
		Err:      err,
	}
	d.logger.WarnContext(ctx, "batch abandoned after retries",
		"shard", b.Failure.ShardID, "attempt", attempts, "records", b.Records, "error", err)
	if d.metrics != nil {
		d.metrics.DeliveryFailures.WithLabelValues(d.cfg.Function, d.cfg.Source).Inc()
		d.metrics.RecordsTotal.WithLabelValues(d.cfg.Function, d.cfg.Source, observability.StatusFailed).Add(float64(b.Records))
	}
	d.sendFailure(ctx, b, attempts, lastRequest, err)
	return failed
}

func (d *Deliverer) invoke(ctx context.Context, b Batch, ic invoke.Context, attempt int) error {
	ctx, span := tracing.StartSpan(ctx, d.tracer, tracing.SpanInvoke,
		trace.WithAttributes(
			tracing.InvocationAttr(ic.RequestID),
			tracing.AttemptAttr(attempt),
		),
	)
	defer span.End()

	start := time.Now()
	err := d.handler.Invoke(ctx, b.Event, ic)
	if d.metrics != nil {
		d.metrics.InvocationDuration.WithLabelValues(d.cfg.Function, d.cfg.Source).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	tracing.SetSpanOK(span)
	return nil
}

func (d *Deliverer) sendFailure(ctx context.Context, b Batch, attempts int, requestID string, cause error) {
	if d.dlq == nil {
		return
	}
	info := b.Failure
	info.Function = d.cfg.Function
	info.FunctionARN = d.cfg.FunctionARN
	info.Source = d.cfg.Source
	info.ResourceARN = d.cfg.ResourceARN
	info.BatchSize = b.Records
	info.Attempts = attempts
	info.RequestID = requestID
	info.Err = cause
	if info.Payload == nil && info.ShardID == "" {
		info.Payload = b.Event
	}

	if err := d.dlq.Send(ctx, info); err != nil {
		d.logger.ErrorContext(ctx, "send failure record", "shard", info.ShardID, "error", err)
		return
	}
	if d.metrics != nil {
		d.metrics.DeadLetterTotal.WithLabelValues(d.cfg.Function).Inc()
	}
}
