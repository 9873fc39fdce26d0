package source

import (
	"context"
	"fmt"

	"github.com/lsm/streamsim/internal/checkpoint"
	"github.com/lsm/streamsim/internal/pipeline"
	"github.com/lsm/streamsim/internal/shard"
	"golang.org/x/time/rate"
)

// ShardSet describes the shards of one stream and how to read them.
type ShardSet[R any] struct {
	Client     shard.Client[R]
	Shards     []shard.Info
	SequenceOf func(R) string
	// ReadRate paces GetRecords per shard. Zero means unpaced.
	ReadRate rate.Limit
	// Build returns the envelope builder of one shard.
	Build func(shardID string) pipeline.BuildFunc[R]
}

// StreamRunners assembles one pipeline per shard of set. A shard with a
// stored checkpoint resumes after it; the others start at the definition's
// starting position.
func StreamRunners[R any](ctx context.Context, b Binding, set ShardSet[R]) ([]pipeline.Runner, error) {
	def := b.Definition
	logger := b.Log()

	shards := set.Shards
	if def.ShardID != "" {
		shards = nil
		for _, s := range set.Shards {
			if s.ID == def.ShardID {
				shards = append(shards, s)
			}
		}
		if len(shards) == 0 {
			return nil, fmt.Errorf("shard %s not found in %s", def.ShardID, def.ResourceName)
		}
	}
	if len(shards) == 0 {
		return nil, shard.ErrNoShards
	}

	runners := make([]pipeline.Runner, 0, len(shards))
	for _, info := range shards {
		cfg := shard.Config{
			ShardID:        info.ID,
			IteratorType:   shard.IteratorType(def.StartingPosition),
			SequenceNumber: def.StartingSequenceNumber,
			BatchSize:      def.BatchSize,
			PollInterval:   b.Interval(),
		}
		if set.ReadRate > 0 {
			cfg.Limiter = rate.NewLimiter(set.ReadRate, 1)
		}
		if b.Metrics != nil {
			refreshes := b.Metrics.IteratorRefreshes.WithLabelValues(b.Function, string(def.Kind))
			cfg.OnRefresh = refreshes.Inc
		}

		if b.Store != nil {
			seq, err := b.Store.Get(ctx, checkpoint.Key(b.Function, def.ResourceARN, info.ID))
			if err != nil {
				return nil, fmt.Errorf("load checkpoint for shard %s: %w", info.ID, err)
			}
			if seq != "" {
				logger.Info("resuming shard from checkpoint", "function", b.Function,
					"resource", def.ResourceARN, "shard", info.ID, "sequence", seq)
				cfg.IteratorType = shard.AfterSequenceNumber
				cfg.SequenceNumber = seq
			}
		}

		reader := shard.NewReader(set.Client, set.SequenceOf, cfg, logger)
		ch := checkpoint.NewChannel(reader, set.SequenceOf)
		runners = append(runners, pipeline.NewStream(b.Labels(info.ID), ch, set.Build(info.ID),
			b.NewDeliverer(info.ID), b.Store, b.Gate, b.PipelineOptions()...))
	}
	return runners, nil
}

// Int reads an integer resource property, accepting the number and string
// forms YAML produces.
func Int(props map[string]any, key string, fallback int) int {
	switch v := props[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscan(v, &n); err == nil {
			return n
		}
	}
	return fallback
}
