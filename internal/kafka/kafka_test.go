package kafka

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

type mockProducer struct {
	records []*kgo.Record
	err     error
	closed  atomic.Bool
}

func (m *mockProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	var results kgo.ProduceResults
	for _, r := range rs {
		m.records = append(m.records, r)
		results = append(results, kgo.ProduceResult{Record: r, Err: m.err})
	}
	return results
}

func (m *mockProducer) Close() { m.closed.Store(true) }

type mockAdmin struct {
	calls int
	err   error
}

func (m *mockAdmin) CreateTopics(_ context.Context, _ int32, _ int16, _ map[string]*string, topics ...string) (kadm.CreateTopicResponses, error) {
	m.calls++
	resp := make(kadm.CreateTopicResponses)
	for _, t := range topics {
		resp[t] = kadm.CreateTopicResponse{Topic: t, Err: m.err}
	}
	return resp, nil
}

func TestClusterConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ClusterConfig
		wantErr string
	}{
		{"valid", ClusterConfig{Brokers: []string{"localhost:9092"}}, ""},
		{"no brokers", ClusterConfig{}, "brokers are required"},
		{"bad mechanism", ClusterConfig{Brokers: []string{"b"}, Auth: AuthConfig{Mechanism: "GSSAPI", Username: "u", Password: "p"}}, "is not valid"},
		{"missing password", ClusterConfig{Brokers: []string{"b"}, Auth: AuthConfig{Mechanism: "PLAIN", Username: "u"}}, "auth.password"},
		{"cert without key", ClusterConfig{Brokers: []string{"b"}, TLS: TLSConfig{CertFile: "c.pem"}}, "must be set together"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestClientOptions(t *testing.T) {
	for _, mech := range []string{"PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"} {
		cfg := &ClusterConfig{Brokers: []string{"localhost:9092"}, Auth: AuthConfig{Mechanism: mech, Username: "u", Password: "p"}}
		if _, err := ClientOptions(cfg); err != nil {
			t.Errorf("%s: unexpected error: %v", mech, err)
		}
	}

	if _, err := ClientOptions(&ClusterConfig{}); err == nil {
		t.Error("expected validation error")
	}
}

func TestClientOptions_ProducerSettings(t *testing.T) {
	tests := []struct {
		name     string
		cfg      ClusterConfig
		clientID string
	}{
		{name: "default client id", cfg: ClusterConfig{Brokers: []string{"localhost:9092"}}, clientID: DefaultClientID},
		{name: "configured client id", cfg: ClusterConfig{Brokers: []string{"localhost:9092"}, ClientID: "orders-dlq"}, clientID: "orders-dlq"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := ClientOptions(&tt.cfg)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			client, err := kgo.NewClient(opts...)
			if err != nil {
				t.Fatalf("new client: %v", err)
			}
			defer client.Close()

			if got := client.OptValue(kgo.ClientID); got != tt.clientID {
				t.Errorf("client id = %v, want %s", got, tt.clientID)
			}
			if got := client.OptValue(kgo.RecordDeliveryTimeout); got != RecordTimeout {
				t.Errorf("record delivery timeout = %v, want %v", got, RecordTimeout)
			}
		})
	}
}

func TestClientOptions_TLSMissingCA(t *testing.T) {
	cfg := &ClusterConfig{
		Brokers: []string{"localhost:9093"},
		TLS:     TLSConfig{Enabled: true, CAFile: filepath.Join(t.TempDir(), "missing.pem")},
	}
	if _, err := ClientOptions(cfg); err == nil {
		t.Fatal("expected error for missing CA file")
	}
}

func TestClientOptions_TLSInvalidCA(t *testing.T) {
	ca := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(ca, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := &ClusterConfig{Brokers: []string{"localhost:9093"}, TLS: TLSConfig{Enabled: true, CAFile: ca}}
	if _, err := ClientOptions(cfg); err == nil || !strings.Contains(err.Error(), "parse CA") {
		t.Fatalf("expected CA parse error, got %v", err)
	}
}

func TestPublisher_Publish(t *testing.T) {
	prod, admin := &mockProducer{}, &mockAdmin{}
	p := newPublisher(prod, admin)

	headers := map[string]string{"streamsim-function": "orders"}
	for range 2 {
		if err := p.Publish(context.Background(), "streamsim-dlq-orders", []byte("k"), []byte(`{}`), headers); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if admin.calls != 1 {
		t.Errorf("expected topic created once, got %d calls", admin.calls)
	}
	if len(prod.records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(prod.records))
	}
	r := prod.records[0]
	if r.Topic != "streamsim-dlq-orders" || string(r.Key) != "k" {
		t.Errorf("unexpected record %+v", r)
	}
	if len(r.Headers) != 1 || r.Headers[0].Key != "streamsim-function" {
		t.Errorf("unexpected headers %+v", r.Headers)
	}
}

func TestPublisher_TopicExists(t *testing.T) {
	p := newPublisher(&mockProducer{}, &mockAdmin{err: kerr.TopicAlreadyExists})
	if err := p.Publish(context.Background(), "t", nil, nil, nil); err != nil {
		t.Fatalf("existing topic should not fail: %v", err)
	}
}

func TestPublisher_Errors(t *testing.T) {
	p := newPublisher(&mockProducer{}, &mockAdmin{err: kerr.TopicAuthorizationFailed})
	if err := p.Publish(context.Background(), "t", nil, nil, nil); err == nil {
		t.Fatal("expected topic creation error")
	}

	p = newPublisher(&mockProducer{err: errors.New("broker down")}, nil)
	if err := p.Publish(context.Background(), "t", nil, nil, nil); err == nil || !strings.Contains(err.Error(), "broker down") {
		t.Fatalf("expected produce error, got %v", err)
	}
}

func TestPool_SharesClients(t *testing.T) {
	var created []*mockProducer
	pool := NewPool()
	pool.newClient = func(*ClusterConfig) (producer, topicCreator, error) {
		m := &mockProducer{}
		created = append(created, m)
		return m, &mockAdmin{}, nil
	}

	a, err := pool.Get(&ClusterConfig{Brokers: []string{"b1:9092", "b2:9092"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := pool.Get(&ClusterConfig{Brokers: []string{"b2:9092", "b1:9092"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Error("expected the same publisher for one broker set")
	}
	if _, err := pool.Get(&ClusterConfig{Brokers: []string{"other:9092"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 clients, got %d", len(created))
	}

	if err := a.Close(); err != nil || created[0].closed.Load() {
		t.Error("pooled publisher must not close the shared client")
	}
	_ = pool.Close()
	for i, c := range created {
		if !c.closed.Load() {
			t.Errorf("client %d not closed by pool", i)
		}
	}
}
