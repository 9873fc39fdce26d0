package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBatchSize    = 100
	defaultPollInterval = 500 * time.Millisecond
)

// Config controls a Reader.
type Config struct {
	// ShardID selects the shard to read. Empty means the first shard reported.
	ShardID        string
	IteratorType   IteratorType
	SequenceNumber string

	BatchSize    int
	PollInterval time.Duration

	// Limiter paces GetRecords calls. Nil means unpaced.
	Limiter *rate.Limiter
	// OnRefresh is called each time an expired iterator is re-derived.
	OnRefresh func()
}

// Reader pulls record batches from one shard. Next is meant to be called from
// a single goroutine; Close may be called from any goroutine.
type Reader[R any] struct {
	client Client[R]
	seqOf  func(R) string
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	cursor  Cursor
	pending []R

	closeOnce sync.Once
	closed    chan struct{}
}

// NewReader creates a Reader. seqOf extracts the sequence number of a record.
func NewReader[R any](client Client[R], seqOf func(R) string, cfg Config, logger *slog.Logger) *Reader[R] {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.IteratorType == "" {
		cfg.IteratorType = Latest
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader[R]{
		client: client,
		seqOf:  seqOf,
		cfg:    cfg,
		logger: logger,
		cursor: Cursor{ShardID: cfg.ShardID},
		closed: make(chan struct{}),
	}
}

// Next blocks until a non-empty batch of at most BatchSize records is
// available. It returns ErrEnded once the shard is drained or the reader was
// closed, and never returns an empty batch with a nil error.
func (r *Reader[R]) Next(ctx context.Context) ([]R, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r.mu.Lock()
		if len(r.pending) > 0 {
			batch := r.take()
			r.mu.Unlock()
			return batch, nil
		}
		if r.cursor.Drained {
			r.state = StateEnded
			r.mu.Unlock()
			return nil, ErrEnded
		}
		iterator := r.cursor.Iterator
		shardID := r.cursor.ShardID
		r.mu.Unlock()

		if iterator == "" {
			if err := r.acquire(ctx); err != nil {
				return nil, err
			}
			continue
		}

		if r.cfg.Limiter != nil {
			if err := r.cfg.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		page, err := r.client.GetRecords(ctx, iterator, r.cfg.BatchSize)
		var expired *CursorExpiredError
		if errors.As(err, &expired) {
			r.logger.Debug("iterator expired, re-deriving", "shard", shardID, "error", err)
			r.mu.Lock()
			r.state = StateError
			r.cursor.Iterator = ""
			r.mu.Unlock()
			if r.cfg.OnRefresh != nil {
				r.cfg.OnRefresh()
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get records for shard %s: %w", shardID, err)
		}

		r.mu.Lock()
		r.cursor.Iterator = page.NextIterator
		if page.NextIterator == "" {
			r.cursor.Drained = true
			r.state = StateDraining
		}
		if len(page.Records) > 0 {
			if seq := LastSequence(page.Records, r.seqOf); seq != "" {
				r.cursor.LastSequenceNumber = seq
			}
			r.pending = append(r.pending, page.Records...)
			batch := r.take()
			r.mu.Unlock()
			return batch, nil
		}
		drained := r.cursor.Drained
		r.mu.Unlock()

		if drained {
			continue
		}
		if err := r.wait(ctx); err != nil {
			return nil, err
		}
	}
}

// Close stops the reader. A fetch already in flight may still return its
// records; after that Next returns ErrEnded and issues no further fetches.
func (r *Reader[R]) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.cursor.Drained = true
		if r.state != StateEnded {
			r.state = StateDraining
		}
		r.mu.Unlock()
		close(r.closed)
	})
}

// State returns the current lifecycle state.
func (r *Reader[R]) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Cursor returns a snapshot of the read position.
func (r *Reader[R]) Cursor() Cursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// ShardID returns the shard being read, once resolved.
func (r *Reader[R]) ShardID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor.ShardID
}

// take removes up to BatchSize records from pending. Caller holds mu.
func (r *Reader[R]) take() []R {
	n := min(len(r.pending), r.cfg.BatchSize)
	batch := make([]R, n)
	copy(batch, r.pending[:n])
	r.pending = r.pending[n:]
	if len(r.pending) == 0 {
		r.pending = nil
	}
	return batch
}

// acquire resolves the target shard and obtains a fresh iterator, positioned
// after the last record read when there is one.
func (r *Reader[R]) acquire(ctx context.Context) error {
	shards, err := r.client.DescribeShards(ctx)
	if err != nil {
		return fmt.Errorf("describe shards: %w", err)
	}
	if len(shards) == 0 {
		return ErrNoShards
	}

	target := shards[0]
	if r.cfg.ShardID != "" {
		found := false
		for _, s := range shards {
			if s.ID == r.cfg.ShardID {
				target, found = s, true
				break
			}
		}
		if !found {
			return fmt.Errorf("shard %s not found", r.cfg.ShardID)
		}
	}

	r.mu.Lock()
	typ, seq := r.cfg.IteratorType, r.cfg.SequenceNumber
	if r.cursor.LastSequenceNumber != "" {
		typ, seq = AfterSequenceNumber, r.cursor.LastSequenceNumber
	}
	r.mu.Unlock()

	iterator, err := r.client.GetIterator(ctx, target.ID, typ, seq)
	var expired *CursorExpiredError
	if errors.As(err, &expired) && typ != TrimHorizon && typ != Latest {
		// The position was trimmed away; the oldest retained record is the
		// closest we can get.
		r.logger.Warn("sequence position trimmed, restarting at trim horizon",
			"shard", target.ID, "sequence", seq)
		typ = TrimHorizon
		iterator, err = r.client.GetIterator(ctx, target.ID, typ, "")
	}
	if err != nil {
		return fmt.Errorf("get %s iterator for shard %s: %w", typ, target.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor.ShardID = target.ID
	if r.cursor.Drained {
		// Closed while acquiring.
		return nil
	}
	if iterator == "" {
		r.cursor.Drained = true
		r.state = StateDraining
		return nil
	}
	r.cursor.Iterator = iterator
	r.state = StateIterating
	r.logger.Debug("iterator acquired", "shard", target.ID, "type", string(typ))
	return nil
}

func (r *Reader[R]) wait(ctx context.Context) error {
	t := time.NewTimer(r.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.closed:
		return nil
	case <-t.C:
		return nil
	}
}
