package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lsm/streamsim/internal/delivery"
	"github.com/lsm/streamsim/internal/envelope"
	"github.com/lsm/streamsim/internal/shard"
)

// Source yields deliverable batches from a queue or bucket. Next blocks until
// work arrives; it returns shard.ErrEnded once the source is closed and an
// *envelope.MalformedRecordError for input that cannot be delivered.
type Source interface {
	Next(ctx context.Context) (delivery.Batch, error)
	Close() error
}

// Poller is the pipeline of one queue or bucket.
type Poller struct {
	labels    Labels
	source    Source
	deliverer *delivery.Deliverer
	gate      *Gate
	settings  settings
	logger    *slog.Logger
}

func NewPoller(labels Labels, src Source, d *delivery.Deliverer, gate *Gate, opts ...Option) *Poller {
	s := newSettings(opts)
	return &Poller{
		labels:    labels,
		source:    src,
		deliverer: d,
		gate:      gate,
		settings:  s,
		logger:    s.logger.With("function", labels.Function, "source", labels.Source, "resource", labels.ResourceARN),
	}
}

func (p *Poller) Name() string { return p.labels.String() }

// Run polls until the source is closed or ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	if m := p.settings.metrics; m != nil {
		m.ActivePipelines.WithLabelValues(p.labels.Source).Inc()
		defer m.ActivePipelines.WithLabelValues(p.labels.Source).Dec()
	}
	p.logger.Info("poll pipeline started")

	for {
		if err := p.gate.Wait(ctx); err != nil {
			return nil
		}

		b, err := p.source.Next(ctx)
		if errors.Is(err, shard.ErrEnded) {
			p.logger.Info("poll pipeline finished")
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		var malformed *envelope.MalformedRecordError
		if err != nil && !errors.As(err, &malformed) {
			p.logger.Warn("poll failed", "error", err)
			if sleep(ctx, p.settings.errorBackoff) != nil {
				return nil
			}
			continue
		}

		release, gateErr := p.gate.Enter(ctx)
		if gateErr != nil {
			return nil
		}
		outcome(ctx, p.settings, p.labels, p.logger, p.deliverer, b, err)
		release()
	}
}

func (p *Poller) Close() error {
	return p.source.Close()
}
