package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/streamsim/internal/checkpoint"
	"github.com/lsm/streamsim/internal/config"
	"github.com/lsm/streamsim/internal/eventsource"
	"github.com/lsm/streamsim/internal/invoke"
	"github.com/lsm/streamsim/internal/kafka"
	"github.com/lsm/streamsim/internal/observability"
	"github.com/lsm/streamsim/internal/source"
	sqssource "github.com/lsm/streamsim/internal/source/sqs"
)

// fakeQueue hands out its messages on the first receive and records deletes.
type fakeQueue struct {
	mu       sync.Mutex
	pending  []types.Message
	deleted  map[string]bool
	received bool
}

func newFakeQueue(bodies ...string) *fakeQueue {
	q := &fakeQueue{deleted: map[string]bool{}}
	for i, body := range bodies {
		id := string(rune('a' + i))
		q.pending = append(q.pending, types.Message{
			MessageId:     aws.String("m-" + id),
			ReceiptHandle: aws.String("rh-" + id),
			Body:          aws.String(body),
		})
	}
	return q
}

func (q *fakeQueue) GetQueueUrl(_ context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String("http://localhost:4566/000000000000/" + aws.ToString(in.QueueName))}, nil
}

func (q *fakeQueue) CreateQueue(context.Context, *sqs.CreateQueueInput, ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error) {
	return &sqs.CreateQueueOutput{}, nil
}

func (q *fakeQueue) ReceiveMessage(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.received {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	q.received = true
	return &sqs.ReceiveMessageOutput{Messages: q.pending}, nil
}

func (q *fakeQueue) DeleteMessageBatch(_ context.Context, in *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range in.Entries {
		q.deleted[aws.ToString(e.ReceiptHandle)] = true
	}
	return &sqs.DeleteMessageBatchOutput{}, nil
}

func (q *fakeQueue) deletedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.deleted)
}

type fakeDeadLetter struct {
	mu   sync.Mutex
	sent []*sqs.SendMessageInput
}

func (f *fakeDeadLetter) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("dlq-1")}, nil
}

func (f *fakeDeadLetter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testSimulator(t *testing.T, b backends) *simulator {
	t.Helper()
	sim := newSimulator(deps{
		logger:  slog.Default(),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
		tracer:  noop.NewTracerProvider().Tracer("test"),
		kafka:   kafka.NewPool(),
		stores:  checkpoint.NewPool(),
	}, time.Second)
	t.Cleanup(func() { _ = sim.deps.stores.Close() })
	sim.connect = func(context.Context, config.Options) (backends, error) { return b, nil }
	return sim
}

func queueService(t *testing.T, url string, opts config.Options) *config.Service {
	t.Helper()
	def, err := eventsource.Normalize(eventsource.KindSQS, "arn:aws:sqs:us-east-1:000000000000:jobs", eventsource.Options{})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	return &config.Service{
		Name:    "shop",
		Stage:   "dev",
		Options: opts,
		Functions: []*config.Function{{
			Key:    "worker",
			Name:   "shop-dev-worker",
			ARN:    "arn:aws:lambda:us-east-1:000000000000:function:shop-dev-worker",
			Invoke: config.InvokeConfig{URL: url},
			Events: []*config.Event{{Definition: def, PollInterval: 10 * time.Millisecond}},
		}},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestApply_DeliversQueueMessages(t *testing.T) {
	var records atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt events.SQSEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			t.Errorf("decode event: %v", err)
		}
		records.Add(int32(len(evt.Records)))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	queue := newFakeQueue("one", "two")
	sim := testSimulator(t, backends{
		discoverers: map[eventsource.Kind]source.Discoverer{eventsource.KindSQS: sqssource.New(queue)},
	})

	sim.Apply(context.Background(), map[string]*config.Service{"shop": queueService(t, srv.URL, config.Defaults())})

	waitFor(t, "delivery", func() bool { return records.Load() == 2 })
	waitFor(t, "delete", func() bool { return queue.deletedCount() == 2 })
	if sim.Pipelines() != 1 {
		t.Errorf("expected 1 pipeline, got %d", sim.Pipelines())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sim.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if sim.Pipelines() != 0 {
		t.Error("expected no services after shutdown")
	}
}

func TestApply_FailedBatchGoesToDeadLetterQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	queue := newFakeQueue("poison")
	dead := &fakeDeadLetter{}
	sim := testSimulator(t, backends{
		discoverers: map[eventsource.Kind]source.Discoverer{eventsource.KindSQS: sqssource.New(queue)},
		sqs:         dead,
	})

	opts := config.Defaults()
	opts.DeadLetter = config.DeadLetterConfig{Type: config.DeadLetterSQS, QueueURL: "http://localhost:4566/000000000000/failures"}
	sim.Apply(context.Background(), map[string]*config.Service{"shop": queueService(t, srv.URL, opts)})
	defer func() { _ = sim.Shutdown(context.Background()) }()

	waitFor(t, "dead letter", func() bool { return dead.count() == 1 })

	dead.mu.Lock()
	sent := dead.sent[0]
	dead.mu.Unlock()
	if aws.ToString(sent.QueueUrl) != "http://localhost:4566/000000000000/failures" {
		t.Errorf("unexpected dead letter queue %s", aws.ToString(sent.QueueUrl))
	}
	if !strings.Contains(aws.ToString(sent.MessageBody), "requestPayload") {
		t.Errorf("expected the envelope as request payload: %s", aws.ToString(sent.MessageBody))
	}
	if queue.deletedCount() != 0 {
		t.Error("failed message must not be deleted")
	}
}

func TestApply_ReplacesServices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	sim := testSimulator(t, backends{
		discoverers: map[eventsource.Kind]source.Discoverer{eventsource.KindSQS: sqssource.New(newFakeQueue())},
	})
	sim.Apply(context.Background(), map[string]*config.Service{"shop": queueService(t, srv.URL, config.Defaults())})
	waitFor(t, "first pipeline", func() bool { return sim.Pipelines() == 1 })

	sim.Apply(context.Background(), map[string]*config.Service{})
	if sim.Pipelines() != 0 {
		t.Errorf("expected old services to be shut down, got %d pipelines", sim.Pipelines())
	}
}

func TestInvoker(t *testing.T) {
	sim := testSimulator(t, backends{})

	h, err := sim.invoker(&config.Function{Invoke: config.InvokeConfig{URL: "http://localhost:9000/invoke"}}, backends{}, slog.Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := h.(*invoke.HTTP); !ok {
		t.Errorf("expected HTTP invoker, got %T", h)
	}

	var endpoint string
	b := backends{lambda: func(e string) invoke.LambdaAPI {
		endpoint = e
		return lambda.New(lambda.Options{Region: "us-east-1"})
	}}
	h, err = sim.invoker(&config.Function{Invoke: config.InvokeConfig{Lambda: "worker", Endpoint: "http://localhost:3002"}}, b, slog.Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := h.(*invoke.Lambda); !ok {
		t.Errorf("expected Lambda invoker, got %T", h)
	}
	if endpoint != "http://localhost:3002" {
		t.Errorf("unexpected lambda endpoint %q", endpoint)
	}

	if _, err := sim.invoker(&config.Function{}, backends{}, slog.Default()); err == nil {
		t.Error("expected error without url or lambda client")
	}
}

func TestDeadLetter_None(t *testing.T) {
	sim := testSimulator(t, backends{})
	h, err := sim.deadLetter(config.Defaults(), backends{})
	if err != nil || h != nil {
		t.Fatalf("expected no handler, got %v %v", h, err)
	}

	opts := config.Defaults()
	opts.DeadLetter.Type = config.DeadLetterSQS
	if _, err := sim.deadLetter(opts, backends{}); err == nil {
		t.Error("expected error without an sqs client")
	}
}

func TestApply_ServicesShareBoltStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	sim := testSimulator(t, backends{
		discoverers: map[eventsource.Kind]source.Discoverer{eventsource.KindSQS: sqssource.New(newFakeQueue())},
	})

	opts := config.Defaults()
	opts.Checkpoint = config.CheckpointConfig{Type: config.CheckpointBolt, Path: filepath.Join(t.TempDir(), "cp.db")}
	shop := queueService(t, srv.URL, opts)
	billing := queueService(t, srv.URL, opts)
	billing.Name = "billing"
	billing.Functions[0].Name = "billing-dev-worker"

	start := time.Now()
	sim.Apply(context.Background(), map[string]*config.Service{"shop": shop, "billing": billing})
	defer func() { _ = sim.Shutdown(context.Background()) }()

	waitFor(t, "both services", func() bool { return sim.Pipelines() == 2 })
	if d := time.Since(start); d > 500*time.Millisecond {
		t.Errorf("services waited %v on the checkpoint file", d)
	}
}

func TestApply_FailedReloadKeepsPreviousService(t *testing.T) {
	var records atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt events.SQSEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		records.Add(int32(len(evt.Records)))
	}))
	defer srv.Close()

	queue := newFakeQueue()
	b := backends{discoverers: map[eventsource.Kind]source.Discoverer{eventsource.KindSQS: sqssource.New(queue)}}
	sim := testSimulator(t, b)
	sim.Apply(context.Background(), map[string]*config.Service{"shop": queueService(t, srv.URL, config.Defaults())})
	defer func() { _ = sim.Shutdown(context.Background()) }()
	waitFor(t, "first pipeline", func() bool { return sim.Pipelines() == 1 })

	sim.connect = func(context.Context, config.Options) (backends, error) {
		return backends{}, errors.New("backend unreachable")
	}
	sim.Apply(context.Background(), map[string]*config.Service{"shop": queueService(t, srv.URL, config.Defaults())})
	if sim.Pipelines() != 1 {
		t.Fatalf("expected the previous service to keep running, got %d pipelines", sim.Pipelines())
	}

	queue.mu.Lock()
	queue.pending = []types.Message{{
		MessageId:     aws.String("m-late"),
		ReceiptHandle: aws.String("rh-late"),
		Body:          aws.String("late"),
	}}
	queue.received = false
	queue.mu.Unlock()

	waitFor(t, "delivery after resume", func() bool { return records.Load() == 1 })
	waitFor(t, "delete after resume", func() bool { return queue.deletedCount() == 1 })
}

func TestShutdownTimeoutFromEnv(t *testing.T) {
	t.Setenv("STREAMSIM_SHUTDOWN_TIMEOUT", "")
	if d, err := shutdownTimeoutFromEnv(); err != nil || d != defaultShutdownTimeout {
		t.Errorf("expected default, got %v %v", d, err)
	}

	t.Setenv("STREAMSIM_SHUTDOWN_TIMEOUT", "1500")
	if d, err := shutdownTimeoutFromEnv(); err != nil || d != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %v %v", d, err)
	}

	t.Setenv("STREAMSIM_SHUTDOWN_TIMEOUT", "soon")
	if _, err := shutdownTimeoutFromEnv(); err == nil {
		t.Error("expected error for invalid timeout")
	}
}
