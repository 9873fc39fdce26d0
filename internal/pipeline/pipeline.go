// Package pipeline runs the per-shard and per-queue loops that move records
// from a source to a Deliverer, honouring a shared pause Gate.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lsm/streamsim/internal/delivery"
	"github.com/lsm/streamsim/internal/envelope"
	"github.com/lsm/streamsim/internal/observability"
)

const defaultErrorBackoff = time.Second

// Runner is a pipeline the lifecycle manager starts and stops. Run returns
// when the source ends or ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
	Close() error
	Name() string
}

// Option configures a pipeline.
type Option func(*settings)

type settings struct {
	logger       *slog.Logger
	metrics      *observability.Metrics
	errorBackoff time.Duration
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithErrorBackoff sets the pause after a failed fetch.
func WithErrorBackoff(d time.Duration) Option {
	return func(s *settings) { s.errorBackoff = d }
}

func newSettings(opts []Option) settings {
	s := settings{logger: slog.Default(), errorBackoff: defaultErrorBackoff}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Labels identify a pipeline in logs and metrics.
type Labels struct {
	Function    string
	Source      string
	ResourceARN string
	ShardID     string
}

func (l Labels) String() string {
	name := l.Function + "/" + l.Source + "/" + l.ResourceARN
	if l.ShardID != "" {
		name += "/" + l.ShardID
	}
	return name
}

// outcome applies the common result handling for one unit of work and
// reports whether the position may advance.
func outcome(ctx context.Context, s settings, l Labels, logger *slog.Logger, d *delivery.Deliverer, b delivery.Batch, buildErr error) bool {
	if buildErr != nil {
		var malformed *envelope.MalformedRecordError
		if errors.As(buildErr, &malformed) {
			logger.Error("dropping malformed batch", "error", buildErr)
			if s.metrics != nil {
				s.metrics.MalformedBatches.WithLabelValues(l.Function, l.Source).Inc()
			}
		} else {
			logger.Error("dropping batch that could not be prepared", "error", buildErr)
		}
		return true
	}

	if b.Filtered > 0 && s.metrics != nil {
		s.metrics.RecordsTotal.WithLabelValues(l.Function, l.Source, observability.StatusFiltered).Add(float64(b.Filtered))
	}
	if b.Records == 0 {
		logger.Debug("every record filtered out, skipping invocation", "filtered", b.Filtered)
		if b.Ack != nil {
			if err := b.Ack(ctx); err != nil {
				logger.Error("acknowledge filtered batch", "error", err)
			}
		}
		return true
	}

	err := d.Deliver(ctx, b)
	var failed *delivery.DeliveryFailedError
	switch {
	case err == nil:
		return true
	case errors.As(err, &failed):
		// Logged by the deliverer; the pipeline moves on to the next batch.
		return false
	default:
		if ctx.Err() == nil {
			logger.Error("delivery aborted", "error", err)
		}
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
