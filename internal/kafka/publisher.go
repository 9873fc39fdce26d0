package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lsm/streamsim/internal/tracing"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// producer abstracts the kafka client methods used by Publisher for testing.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// topicCreator is the admin call used to make sure a destination topic exists.
type topicCreator interface {
	CreateTopics(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topics ...string) (kadm.CreateTopicResponses, error)
}

// Publisher writes records to Kafka topics, creating each topic on first use.
// Implements dlq.Publisher.
type Publisher struct {
	client producer
	admin  topicCreator
	owned  bool
	tracer trace.Tracer

	mu      sync.Mutex
	ensured map[string]bool
}

// NewPublisher creates a publisher with its own client.
func NewPublisher(cluster *ClusterConfig) (*Publisher, error) {
	if cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	client, err := newClient(cluster)
	if err != nil {
		return nil, err
	}
	p := newPublisher(client, kadm.NewClient(client))
	p.owned = true
	return p, nil
}

func newPublisher(client producer, admin topicCreator) *Publisher {
	return &Publisher{
		client:  client,
		admin:   admin,
		tracer:  noop.NewTracerProvider().Tracer("kafka-publisher"),
		ensured: make(map[string]bool),
	}
}

func newClient(cluster *ClusterConfig) (*kgo.Client, error) {
	opts, err := ClientOptions(cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher client: %w", err)
	}
	return client, nil
}

// SetTracer sets the tracer for the publisher.
func (p *Publisher) SetTracer(tracer trace.Tracer) {
	p.tracer = tracer
}

// Publish sends a message to the specified Kafka topic.
func (p *Publisher) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanKafkaPublish,
		trace.WithAttributes(tracing.KafkaTopicAttr(topic)))
	defer span.End()

	if err := p.ensureTopic(ctx, topic); err != nil {
		tracing.SetSpanError(span, err)
		return err
	}

	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		err = fmt.Errorf("kafka publish to %s: %w", topic, err)
		tracing.SetSpanError(span, err)
		return err
	}
	tracing.SetSpanOK(span)
	return nil
}

func (p *Publisher) ensureTopic(ctx context.Context, topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ensured[topic] || p.admin == nil {
		return nil
	}

	// -1 lets the broker apply its default partition count and replication.
	resp, err := p.admin.CreateTopics(ctx, -1, -1, nil, topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	if r, ok := resp[topic]; ok && r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", topic, r.Err)
	}
	p.ensured[topic] = true
	return nil
}

// Close shuts down the client unless it is shared through a Pool.
func (p *Publisher) Close() error {
	if p.owned {
		p.client.Close()
	}
	return nil
}

// Pool shares one client per broker set between publishers, so functions
// sending failures to the same cluster reuse a connection.
type Pool struct {
	mu         sync.Mutex
	publishers map[string]*Publisher
	clients    []producer
	newClient  func(*ClusterConfig) (producer, topicCreator, error)
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{
		publishers: make(map[string]*Publisher),
		newClient: func(cfg *ClusterConfig) (producer, topicCreator, error) {
			c, err := newClient(cfg)
			if err != nil {
				return nil, nil, err
			}
			return c, kadm.NewClient(c), nil
		},
	}
}

// Get returns the publisher for cfg, creating the client on first use.
func (p *Pool) Get(cfg *ClusterConfig) (*Publisher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	key := poolKey(cfg)

	p.mu.Lock()
	defer p.mu.Unlock()
	if pub, ok := p.publishers[key]; ok {
		return pub, nil
	}

	client, admin, err := p.newClient(cfg)
	if err != nil {
		return nil, err
	}
	pub := newPublisher(client, admin)
	p.publishers[key] = pub
	p.clients = append(p.clients, client)
	return pub, nil
}

// Close closes all pooled clients.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.Close()
	}
	p.clients = nil
	p.publishers = make(map[string]*Publisher)
	return nil
}

func poolKey(cfg *ClusterConfig) string {
	brokers := append([]string(nil), cfg.Brokers...)
	sort.Strings(brokers)
	return strings.Join(brokers, ",") + "|" + cfg.Auth.Mechanism + "|" + cfg.Auth.Username
}
