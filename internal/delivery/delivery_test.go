package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/lsm/streamsim/internal/dlq"
	"github.com/lsm/streamsim/internal/invoke"
	"github.com/lsm/streamsim/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func intPtr(n int) *int { return &n }

type recordingPublisher struct {
	mu    sync.Mutex
	sent  [][]byte
	dests []string
}

func (p *recordingPublisher) Publish(_ context.Context, dest string, _, value []byte, _ map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, value)
	p.dests = append(p.dests, dest)
	return nil
}

func (*recordingPublisher) Close() error { return nil }

func testConfig() Config {
	return Config{
		Function:    "orders",
		Source:      "kinesis",
		ResourceARN: "arn:aws:kinesis:us-east-1:000000000000:stream/orders",
		Region:      "us-east-1",
		RetryDelay:  time.Millisecond,
	}
}

func kinesisBatch() Batch {
	return Batch{
		Event: events.KinesisEvent{Records: []events.KinesisEventRecord{
			{EventID: "shardId-000000000000:1", Kinesis: events.KinesisRecord{SequenceNumber: "1", Data: []byte("a")}},
			{EventID: "shardId-000000000000:2", Kinesis: events.KinesisRecord{SequenceNumber: "2", Data: []byte("b")}},
		}},
		Records: 2,
		Failure: dlq.FailureInfo{ShardID: "shardId-000000000000", StartSeq: "1", EndSeq: "2"},
	}
}

func TestDeliver_Success(t *testing.T) {
	calls := 0
	h := invoke.Func(func(context.Context, any, invoke.Context) (any, error) {
		calls++
		return nil, nil
	})
	acks := 0
	b := kinesisBatch()
	b.Ack = func(context.Context) error { acks++; return nil }

	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	d := New(testConfig(), h, WithMetrics(m))
	if err := d.Deliver(context.Background(), b); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 || acks != 1 {
		t.Errorf("expected 1 call and 1 ack, got %d and %d", calls, acks)
	}
	if got := testutil.ToFloat64(m.RecordsTotal.WithLabelValues("orders", "kinesis", observability.StatusDelivered)); got != 2 {
		t.Errorf("expected 2 delivered records, got %v", got)
	}
}

func TestDeliver_RetriesIdenticalBatch(t *testing.T) {
	var payloads [][]byte
	var requestIDs []string
	h := invoke.Func(func(_ context.Context, event any, ic invoke.Context) (any, error) {
		raw, _ := json.Marshal(event)
		payloads = append(payloads, raw)
		requestIDs = append(requestIDs, ic.RequestID)
		if len(payloads) == 1 {
			return nil, errors.New("first attempt fails")
		}
		return nil, nil
	})

	acks := 0
	b := kinesisBatch()
	b.Ack = func(context.Context) error { acks++; return nil }

	m := observability.NewMetrics(prometheus.NewRegistry())
	cfg := testConfig()
	cfg.MaxRetries = intPtr(3)
	if err := New(cfg, h, WithMetrics(m)).Deliver(context.Background(), b); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(payloads) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(payloads))
	}
	if string(payloads[0]) != string(payloads[1]) {
		t.Errorf("retry changed the batch:\n%s\n%s", payloads[0], payloads[1])
	}
	if requestIDs[0] == requestIDs[1] {
		t.Error("each attempt should get a new request id")
	}
	if acks != 1 {
		t.Errorf("expected a single ack after success, got %d", acks)
	}
	if got := testutil.ToFloat64(m.RetriesTotal.WithLabelValues("orders", "kinesis")); got != 1 {
		t.Errorf("expected 1 retry, got %v", got)
	}
}

func TestDeliver_ExhaustsRetries(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	h := invoke.Func(func(context.Context, any, invoke.Context) (any, error) {
		calls++
		return nil, boom
	})
	pub := &recordingPublisher{}
	b := kinesisBatch()
	b.Ack = func(context.Context) error {
		t.Error("ack must not run for a failed batch")
		return nil
	}

	cfg := testConfig()
	cfg.MaxRetries = intPtr(2)
	err := New(cfg, h, WithDeadLetter(dlq.NewHandler(pub))).Deliver(context.Background(), b)

	var failed *DeliveryFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected DeliveryFailedError, got %v", err)
	}
	if failed.Attempts != 3 || calls != 3 {
		t.Errorf("expected 3 attempts, got %d (calls %d)", failed.Attempts, calls)
	}
	if !errors.Is(err, boom) {
		t.Error("DeliveryFailedError should unwrap to the handler error")
	}

	if len(pub.sent) != 1 || pub.dests[0] != "streamsim-dlq-orders" {
		t.Fatalf("expected one failure record, got %d", len(pub.sent))
	}
	var rec dlq.Record
	if err := json.Unmarshal(pub.sent[0], &rec); err != nil {
		t.Fatalf("decode failure record: %v", err)
	}
	if rec.KinesisBatchInfo == nil || rec.KinesisBatchInfo.BatchSize != 2 || rec.RequestContext.ApproximateInvokeCount != 3 {
		t.Errorf("unexpected failure record %s", pub.sent[0])
	}
}

func TestDeliver_ZeroRetries(t *testing.T) {
	calls := 0
	h := invoke.Func(func(context.Context, any, invoke.Context) (any, error) {
		calls++
		return nil, errors.New("nope")
	})
	cfg := testConfig()
	cfg.MaxRetries = intPtr(0)
	if err := New(cfg, h).Deliver(context.Background(), kinesisBatch()); err == nil {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}

func TestDeliver_UnboundedRetries(t *testing.T) {
	calls := 0
	h := invoke.Func(func(context.Context, any, invoke.Context) (any, error) {
		calls++
		if calls < 8 {
			return nil, errors.New("not yet")
		}
		return nil, nil
	})
	if err := New(testConfig(), h).Deliver(context.Background(), kinesisBatch()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 8 {
		t.Errorf("expected 8 attempts, got %d", calls)
	}
}

func TestDeliver_CancelStopsRetrying(t *testing.T) {
	pub := &recordingPublisher{}
	h := invoke.Func(func(context.Context, any, invoke.Context) (any, error) {
		return nil, errors.New("down")
	})
	cfg := testConfig()
	cfg.RetryDelay = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := New(cfg, h, WithDeadLetter(dlq.NewHandler(pub))).Deliver(ctx, kinesisBatch())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	var failed *DeliveryFailedError
	if errors.As(err, &failed) {
		t.Error("cancellation is not a delivery failure")
	}
	if len(pub.sent) != 0 {
		t.Error("no failure record expected on cancellation")
	}
}

func TestDeliver_OneInFlight(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	h := invoke.Func(func(context.Context, any, invoke.Context) (any, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return nil, nil
	})
	d := New(testConfig(), h)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Deliver(context.Background(), kinesisBatch())
		}()
	}
	wg.Wait()
	if got := maxInFlight.Load(); got != 1 {
		t.Fatalf("expected at most one invocation in flight, saw %d", got)
	}
}

func TestDeliver_AckFailureIsLogged(t *testing.T) {
	h := invoke.Func(func(context.Context, any, invoke.Context) (any, error) { return nil, nil })
	b := kinesisBatch()
	b.Ack = func(context.Context) error { return errors.New("delete failed") }
	if err := New(testConfig(), h).Deliver(context.Background(), b); err != nil {
		t.Fatalf("ack failure must not fail delivery: %v", err)
	}
}
