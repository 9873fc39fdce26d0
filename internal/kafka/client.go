package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

const (
	// DefaultClientID identifies the simulator to brokers.
	DefaultClientID = "streamsim"
	// RecordTimeout bounds how long a failure record may wait for a broker,
	// so an unreachable cluster fails the on-failure send instead of
	// stalling the shard behind it.
	RecordTimeout = 10 * time.Second
)

// mechanisms maps each supported SASL mechanism name to its constructor.
var mechanisms = map[string]func(AuthConfig) sasl.Mechanism{
	"PLAIN": func(a AuthConfig) sasl.Mechanism {
		return plain.Auth{User: a.Username, Pass: a.Password}.AsMechanism()
	},
	"SCRAM-SHA-256": func(a AuthConfig) sasl.Mechanism {
		return scram.Auth{User: a.Username, Pass: a.Password}.AsSha256Mechanism()
	},
	"SCRAM-SHA-512": func(a AuthConfig) sasl.Mechanism {
		return scram.Auth{User: a.Username, Pass: a.Password}.AsSha512Mechanism()
	},
}

// ClientOptions returns the kgo options for a failure-destination cluster.
// Records are produced one at a time without linger and wait for all
// in-sync replicas.
func ClientOptions(cfg *ClusterConfig) ([]kgo.Opt, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = DefaultClientID
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(clientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(0),
		kgo.RecordDeliveryTimeout(RecordTimeout),
		kgo.AllowAutoTopicCreation(),
	}

	if cfg.Auth.Mechanism != "" {
		opts = append(opts, kgo.SASL(mechanisms[cfg.Auth.Mechanism](cfg.Auth)))
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("tls config: %w", err)
		}
		opts = append(opts, kgo.DialTLSConfig(tlsConfig))
	}

	return opts, nil
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.SkipVerify, //nolint:gosec // local brokers often use self-signed certificates
	}

	if cfg.CAFile != "" {
		pool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = pool
	}

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA file %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", path)
	}
	return pool, nil
}
