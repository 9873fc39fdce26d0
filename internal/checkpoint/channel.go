// Package checkpoint tracks read positions of stream shards: a Channel
// observes batches flowing out of a shard.Reader and emits the position of
// each, and a Store persists positions across runs.
package checkpoint

import (
	"context"
	"errors"
	"sync"

	"github.com/lsm/streamsim/internal/shard"
)

// Checkpoint is the position of the last record of a batch.
type Checkpoint struct {
	ShardID        string
	SequenceNumber string
}

// Batch is a batch of records together with its checkpoint.
type Batch[R any] struct {
	Records    []R
	Checkpoint Checkpoint
}

// Option configures a Channel.
type Option func(*options)

type options struct {
	listeners []func(Checkpoint)
}

// WithListener registers fn to receive every checkpoint. Listeners run on the
// channel's goroutine and must not block for long.
func WithListener(fn func(Checkpoint)) Option {
	return func(o *options) {
		o.listeners = append(o.listeners, fn)
	}
}

type result[R any] struct {
	batch Batch[R]
	err   error
}

// Channel wraps a shard.Reader. A batch is fetched only when the consumer
// asks for it, handed over synchronously, and only then is its checkpoint
// emitted. End of stream is reported by Done, never as a batch.
type Channel[R any] struct {
	reader    *shard.Reader[R]
	seqOf     func(R) string
	listeners []func(Checkpoint)
	// last is the newest sequence number handed out. Only pump touches it.
	last string

	requests chan context.Context
	results  chan result[R]
	quit     chan struct{}
	done     chan struct{}

	startOnce sync.Once
	quitOnce  sync.Once
	doneOnce  sync.Once
}

// NewChannel creates a Channel over reader.
func NewChannel[R any](reader *shard.Reader[R], seqOf func(R) string, opts ...Option) *Channel[R] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Channel[R]{
		reader:    reader,
		seqOf:     seqOf,
		listeners: o.listeners,
		requests:  make(chan context.Context),
		results:   make(chan result[R]),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Next returns the next batch. It returns shard.ErrEnded after the reader has
// ended, and ctx.Err() if ctx ends first.
func (c *Channel[R]) Next(ctx context.Context) (Batch[R], error) {
	c.startOnce.Do(func() { go c.pump() })

	select {
	case <-c.done:
		return Batch[R]{}, shard.ErrEnded
	case <-c.quit:
		return Batch[R]{}, shard.ErrEnded
	case <-ctx.Done():
		return Batch[R]{}, ctx.Err()
	case c.requests <- ctx:
	}

	select {
	case r := <-c.results:
		return r.batch, r.err
	case <-c.quit:
		return Batch[R]{}, shard.ErrEnded
	case <-ctx.Done():
		return Batch[R]{}, ctx.Err()
	}
}

// Done is closed exactly once, when the underlying reader has ended.
func (c *Channel[R]) Done() <-chan struct{} {
	return c.done
}

// Close drains the channel: the reader is closed, a fetch already in flight
// still yields its batch, and the following Next reports shard.ErrEnded.
func (c *Channel[R]) Close() {
	c.reader.Close()
}

// Stop closes the reader and releases the pump goroutine. A batch fetched but
// not yet handed over is discarded.
func (c *Channel[R]) Stop() {
	c.reader.Close()
	c.quitOnce.Do(func() { close(c.quit) })
}

// Position reports the lifecycle state and read position of the underlying
// reader.
func (c *Channel[R]) Position() (shard.State, shard.Cursor) {
	return c.reader.State(), c.reader.Cursor()
}

func (c *Channel[R]) pump() {
	// stash holds a batch whose consumer gave up waiting; it is handed to the
	// next request instead of being lost.
	var stash *Batch[R]
	for {
		var ctx context.Context
		select {
		case ctx = <-c.requests:
		case <-c.quit:
			return
		}

		var r result[R]
		if stash != nil {
			r.batch, stash = *stash, nil
		} else {
			r = c.fetch(ctx)
		}

		select {
		case c.results <- r:
		case <-ctx.Done():
			if r.err == nil {
				stash = &r.batch
			}
			continue
		case <-c.quit:
			return
		}

		if errors.Is(r.err, shard.ErrEnded) {
			return
		}
		if r.err == nil {
			for _, fn := range c.listeners {
				fn(r.batch.Checkpoint)
			}
		}
	}
}

func (c *Channel[R]) fetch(ctx context.Context) result[R] {
	records, err := c.reader.Next(ctx)
	if errors.Is(err, shard.ErrEnded) {
		c.doneOnce.Do(func() { close(c.done) })
		return result[R]{err: shard.ErrEnded}
	}
	if err != nil {
		return result[R]{err: err}
	}
	if seq := shard.LastSequence(records, c.seqOf); seq != "" {
		c.last = seq
	}
	return result[R]{batch: Batch[R]{
		Records: records,
		Checkpoint: Checkpoint{
			ShardID:        c.reader.ShardID(),
			SequenceNumber: c.last,
		},
	}}
}
