package checkpoint_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lsm/streamsim/internal/checkpoint"
	"github.com/lsm/streamsim/internal/shard"
	"github.com/lsm/streamsim/internal/shard/shardtest"
)

func newChannel(s *shardtest.Stream, cfg shard.Config, opts ...checkpoint.Option) *checkpoint.Channel[shardtest.Record] {
	cfg.PollInterval = 5 * time.Millisecond
	r := shard.NewReader[shardtest.Record](s, shardtest.SequenceOf, cfg, nil)
	return checkpoint.NewChannel(r, shardtest.SequenceOf, opts...)
}

func waitCheckpoint(t *testing.T, ch <-chan checkpoint.Checkpoint) checkpoint.Checkpoint {
	t.Helper()
	select {
	case cp := <-ch:
		return cp
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for checkpoint")
	}
	return checkpoint.Checkpoint{}
}

func TestChannel_ResumeFromCheckpoint(t *testing.T) {
	s := shardtest.NewStream("shard-0")
	fill := make([]string, 10)
	for i := range fill {
		fill[i] = s.Put("shard-0", fmt.Sprintf("key-%d", i), nil)
	}
	s.CloseShard("shard-0")
	ctx := context.Background()

	cps := make(chan checkpoint.Checkpoint, 16)
	first := newChannel(s, shard.Config{IteratorType: shard.TrimHorizon, BatchSize: 1},
		checkpoint.WithListener(func(cp checkpoint.Checkpoint) { cps <- cp }))

	seen := make(map[string]int)
	var emitted []string
	for range 5 {
		b, err := first.Next(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen[b.Records[0].Key]++
		cp := waitCheckpoint(t, cps)
		if cp != b.Checkpoint {
			t.Fatalf("emitted %+v, batch carries %+v", cp, b.Checkpoint)
		}
		emitted = append(emitted, cp.SequenceNumber)
	}
	first.Close()
	if _, err := first.Next(ctx); !errors.Is(err, shard.ErrEnded) {
		t.Fatalf("expected ErrEnded after close, got %v", err)
	}

	for i := 1; i < len(emitted); i++ {
		if emitted[i] < emitted[i-1] {
			t.Fatalf("checkpoints decreased: %v", emitted)
		}
	}
	last := emitted[len(emitted)-1]
	if last != fill[4] {
		t.Fatalf("expected checkpoint at record 4, got %s", last)
	}

	second := newChannel(s, shard.Config{
		IteratorType:   shard.AfterSequenceNumber,
		SequenceNumber: last,
		BatchSize:      1,
	})
	var resumed []string
	for {
		b, err := second.Next(ctx)
		if errors.Is(err, shard.ErrEnded) {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen[b.Records[0].Key]++
		resumed = append(resumed, b.Records[0].Key)
	}

	if got := fmt.Sprint(resumed); got != "[key-5 key-6 key-7 key-8 key-9]" {
		t.Errorf("unexpected resumed records %s", got)
	}
	if len(seen) != 10 {
		t.Errorf("expected 10 distinct records, got %d", len(seen))
	}
	for k, n := range seen {
		if n != 1 {
			t.Errorf("record %s observed %d times", k, n)
		}
	}
}

func TestChannel_NoPrefetch(t *testing.T) {
	s := shardtest.NewStream("shard-0")
	for i := range 3 {
		s.Put("shard-0", fmt.Sprintf("key-%d", i), nil)
	}
	c := newChannel(s, shard.Config{IteratorType: shard.TrimHorizon, BatchSize: 1})
	defer c.Stop()

	if _, err := c.Next(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := s.FetchCount(); n != 1 {
		t.Fatalf("expected 1 fetch while the consumer holds the batch, got %d", n)
	}

	if _, err := c.Next(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := s.FetchCount(); n != 2 {
		t.Fatalf("expected 2 fetches, got %d", n)
	}
}

func TestChannel_CheckpointNotEmittedBeforeHandoff(t *testing.T) {
	s := shardtest.NewStream("shard-0")
	s.Put("shard-0", "key-0", nil)

	release := make(chan struct{})
	s.OnFetch = func() { <-release }

	cps := make(chan checkpoint.Checkpoint, 4)
	c := newChannel(s, shard.Config{IteratorType: shard.TrimHorizon, BatchSize: 10},
		checkpoint.WithListener(func(cp checkpoint.Checkpoint) { cps <- cp }))
	defer c.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Next(ctx)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	close(release)

	select {
	case cp := <-cps:
		t.Fatalf("checkpoint %+v emitted for a batch nobody received", cp)
	case <-time.After(50 * time.Millisecond):
	}

	b, err := c.Next(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(b.Records) != 1 || b.Records[0].Key != "key-0" {
		t.Fatalf("stashed batch lost: %+v", b)
	}
	if cp := waitCheckpoint(t, cps); cp.SequenceNumber != b.Records[0].Sequence {
		t.Errorf("unexpected checkpoint %+v", cp)
	}
}

func TestChannel_MalformedRecordKeepsCheckpoint(t *testing.T) {
	s := shardtest.NewStream("shard-0")
	first := s.Put("shard-0", "key-0", nil)
	s.PutMalformed("shard-0", "bad")
	last := s.Put("shard-0", "key-2", nil)
	s.CloseShard("shard-0")

	cps := make(chan checkpoint.Checkpoint, 8)
	c := newChannel(s, shard.Config{IteratorType: shard.TrimHorizon, BatchSize: 1},
		checkpoint.WithListener(func(cp checkpoint.Checkpoint) { cps <- cp }))
	ctx := context.Background()

	var emitted []string
	for range 3 {
		b, err := c.Next(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		cp := waitCheckpoint(t, cps)
		if cp != b.Checkpoint {
			t.Fatalf("emitted %+v, batch carries %+v", cp, b.Checkpoint)
		}
		emitted = append(emitted, cp.SequenceNumber)
	}

	state, cur := c.Position()
	if state != shard.StateIterating && state != shard.StateDraining {
		t.Errorf("unexpected reader state %s", state)
	}
	if cur.LastSequenceNumber != last {
		t.Errorf("expected reader at %s, got %q", last, cur.LastSequenceNumber)
	}

	if want := fmt.Sprint([]string{first, first, last}); fmt.Sprint(emitted) != want {
		t.Fatalf("expected checkpoints %s, got %v", want, emitted)
	}
	for i := 1; i < len(emitted); i++ {
		if emitted[i] == "" || emitted[i] < emitted[i-1] {
			t.Fatalf("checkpoints went backwards: %q", emitted)
		}
	}
}

func TestChannel_DoneSignalledOnce(t *testing.T) {
	s := shardtest.NewStream("shard-0")
	s.Put("shard-0", "key-0", nil)
	s.CloseShard("shard-0")

	c := newChannel(s, shard.Config{IteratorType: shard.TrimHorizon})
	ctx := context.Background()

	if _, err := c.Next(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case <-c.Done():
		t.Fatal("done before the end of the shard was observed")
	default:
	}

	if _, err := c.Next(ctx); !errors.Is(err, shard.ErrEnded) {
		t.Fatalf("expected ErrEnded, got %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("done not signalled")
	}

	fetches := s.FetchCount()
	for range 3 {
		if _, err := c.Next(ctx); !errors.Is(err, shard.ErrEnded) {
			t.Fatalf("expected ErrEnded, got %v", err)
		}
	}
	if s.FetchCount() != fetches {
		t.Error("fetch issued after completion")
	}
}
