package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lsm/streamsim/internal/checkpoint"
	"github.com/lsm/streamsim/internal/delivery"
	"github.com/lsm/streamsim/internal/shard"
)

// BuildFunc turns the raw records of one batch into a deliverable batch,
// applying the event filter.
type BuildFunc[R any] func(ctx context.Context, records []R, cp checkpoint.Checkpoint) (delivery.Batch, error)

// Stream is the pipeline of one shard: fetch through a checkpoint Channel,
// build the envelope, deliver, then persist the checkpoint.
type Stream[R any] struct {
	labels    Labels
	channel   *checkpoint.Channel[R]
	build     BuildFunc[R]
	deliverer *delivery.Deliverer
	store     checkpoint.Store
	storeKey  string
	gate      *Gate
	settings  settings
	logger    *slog.Logger
}

// NewStream creates the pipeline. A nil store keeps no checkpoints.
func NewStream[R any](labels Labels, ch *checkpoint.Channel[R], build BuildFunc[R], d *delivery.Deliverer, store checkpoint.Store, gate *Gate, opts ...Option) *Stream[R] {
	s := newSettings(opts)
	return &Stream[R]{
		labels:    labels,
		channel:   ch,
		build:     build,
		deliverer: d,
		store:     store,
		storeKey:  checkpoint.Key(labels.Function, labels.ResourceARN, labels.ShardID),
		gate:      gate,
		settings:  s,
		logger: s.logger.With("function", labels.Function, "source", labels.Source,
			"resource", labels.ResourceARN, "shard", labels.ShardID),
	}
}

func (s *Stream[R]) Name() string { return s.labels.String() }

// Run consumes the shard until it ends or ctx is cancelled. Errors are
// logged and never stop the loop; a cancelled ctx is a clean exit.
func (s *Stream[R]) Run(ctx context.Context) error {
	if m := s.settings.metrics; m != nil {
		m.ActivePipelines.WithLabelValues(s.labels.Source).Inc()
		defer m.ActivePipelines.WithLabelValues(s.labels.Source).Dec()
	}
	s.logger.Info("shard pipeline started")
	defer func() {
		state, cur := s.channel.Position()
		s.logger.Info("shard pipeline stopped", "state", state.String(), "sequence", cur.LastSequenceNumber)
	}()

	for {
		if err := s.gate.Wait(ctx); err != nil {
			return nil
		}

		batch, err := s.channel.Next(ctx)
		if errors.Is(err, shard.ErrEnded) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.logger.Warn("fetch failed", "error", err)
			if sleep(ctx, s.settings.errorBackoff) != nil {
				return nil
			}
			continue
		}

		release, err := s.gate.Enter(ctx)
		if err != nil {
			return nil
		}
		b, buildErr := s.build(ctx, batch.Records, batch.Checkpoint)
		advance := outcome(ctx, s.settings, s.labels, s.logger, s.deliverer, b, buildErr)
		if advance {
			s.commit(ctx, batch.Checkpoint)
		}
		release()
	}
}

func (s *Stream[R]) commit(ctx context.Context, cp checkpoint.Checkpoint) {
	if s.store == nil || cp.SequenceNumber == "" {
		return
	}
	if err := s.store.Set(ctx, s.storeKey, cp.SequenceNumber); err != nil {
		s.logger.Error("persist checkpoint", "sequence", cp.SequenceNumber, "error", err)
		return
	}
	s.logger.Debug("checkpoint persisted", "sequence", cp.SequenceNumber)
}

// Close stops the shard reader. Run returns at its next fetch.
func (s *Stream[R]) Close() error {
	s.channel.Stop()
	return nil
}
