package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lsm/streamsim/internal/checkpoint"
	"github.com/lsm/streamsim/internal/eventsource"
	"github.com/lsm/streamsim/internal/kafka"
)

// Options are the simulator settings of one service. They are merged from
// defaults, the provider block, custom.streamsim, STREAMSIM_* variables and
// command-line flags, in that order.
type Options struct {
	// Endpoint is the local AWS-compatible API, for example http://localhost:4566.
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccountID       string `yaml:"accountId"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	// S3Endpoint is the host:port of the bucket notification server. It
	// defaults to the host of Endpoint.
	S3Endpoint      string `yaml:"s3Endpoint"`
	AutoCreate      *bool  `yaml:"autoCreate"`

	BatchSize            int    `yaml:"batchSize"`
	StartingPosition     string `yaml:"startingPosition"`
	// MaximumRetryAttempts of -1 retries until the handler succeeds.
	MaximumRetryAttempts *int   `yaml:"maximumRetryAttempts"`
	PollIntervalMs       int    `yaml:"pollIntervalMs"`
	RetryDelayMs         int    `yaml:"retryDelayMs"`
	WaitTimeSeconds      *int   `yaml:"waitTimeSeconds"`
	DiscoveryAttempts    int    `yaml:"discoveryAttempts"`
	DiscoveryIntervalMs  int    `yaml:"discoveryIntervalMs"`

	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	DeadLetter DeadLetterConfig `yaml:"deadLetter"`

	// Sources holds per-kind settings that win over the service-wide ones.
	Sources map[eventsource.Kind]SourceOptions `yaml:"sources"`
}

// SourceOptions overrides service-wide options for one source kind.
type SourceOptions struct {
	BatchSize            int    `yaml:"batchSize"`
	StartingPosition     string `yaml:"startingPosition"`
	MaximumRetryAttempts *int   `yaml:"maximumRetryAttempts"`
	PollIntervalMs       int    `yaml:"pollIntervalMs"`
	AutoCreate           *bool  `yaml:"autoCreate"`
}

// CheckpointConfig selects where stream checkpoints are kept.
type CheckpointConfig struct {
	// Type is memory, bolt or redis.
	Type   string `yaml:"type"`
	Path   string `yaml:"path"`
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// Location is the file path of a bolt store or the URL of a redis store.
func (c CheckpointConfig) Location() string {
	if c.Type == CheckpointRedis {
		return c.URL
	}
	return c.Path
}

// DeadLetterConfig selects the on-failure destination of abandoned batches.
type DeadLetterConfig struct {
	// Type is kafka, sqs or empty for none.
	Type     string `yaml:"type"`
	// Topic is a fixed Kafka topic. Empty means streamsim-dlq-<function>.
	Topic    string `yaml:"topic"`
	QueueURL string `yaml:"queueUrl"`

	Kafka kafka.ClusterConfig `yaml:",inline"`
}

const (
	CheckpointMemory = checkpoint.TypeMemory
	CheckpointBolt   = checkpoint.TypeBolt
	CheckpointRedis  = checkpoint.TypeRedis

	DeadLetterKafka = "kafka"
	DeadLetterSQS   = "sqs"
)

// DefaultWaitTimeSeconds is the SQS long-poll wait when none is configured.
const DefaultWaitTimeSeconds = 5

// Defaults returns the baseline options.
func Defaults() Options {
	wait := DefaultWaitTimeSeconds
	return Options{
		Region:          "us-east-1",
		AccountID:       "000000000000",
		AccessKeyID:     "local",
		SecretAccessKey: "local",
		WaitTimeSeconds: &wait,
		Checkpoint:      CheckpointConfig{Type: CheckpointMemory, Prefix: "streamsim:checkpoint:"},
	}
}

// Merge returns o with every set field of over applied on top.
func (o Options) Merge(over Options) Options {
	setString(&o.Endpoint, over.Endpoint)
	setString(&o.Region, over.Region)
	setString(&o.AccountID, over.AccountID)
	setString(&o.AccessKeyID, over.AccessKeyID)
	setString(&o.SecretAccessKey, over.SecretAccessKey)
	setString(&o.S3Endpoint, over.S3Endpoint)
	if over.AutoCreate != nil {
		o.AutoCreate = over.AutoCreate
	}

	setInt(&o.BatchSize, over.BatchSize)
	setString(&o.StartingPosition, over.StartingPosition)
	if over.MaximumRetryAttempts != nil {
		o.MaximumRetryAttempts = over.MaximumRetryAttempts
	}
	setInt(&o.PollIntervalMs, over.PollIntervalMs)
	setInt(&o.RetryDelayMs, over.RetryDelayMs)
	if over.WaitTimeSeconds != nil {
		o.WaitTimeSeconds = over.WaitTimeSeconds
	}
	setInt(&o.DiscoveryAttempts, over.DiscoveryAttempts)
	setInt(&o.DiscoveryIntervalMs, over.DiscoveryIntervalMs)

	setString(&o.Checkpoint.Type, over.Checkpoint.Type)
	setString(&o.Checkpoint.Path, over.Checkpoint.Path)
	setString(&o.Checkpoint.URL, over.Checkpoint.URL)
	setString(&o.Checkpoint.Prefix, over.Checkpoint.Prefix)

	setString(&o.DeadLetter.Type, over.DeadLetter.Type)
	setString(&o.DeadLetter.Topic, over.DeadLetter.Topic)
	setString(&o.DeadLetter.QueueURL, over.DeadLetter.QueueURL)
	if len(over.DeadLetter.Kafka.Brokers) > 0 {
		o.DeadLetter.Kafka = over.DeadLetter.Kafka
	}

	if len(over.Sources) > 0 {
		sources := make(map[eventsource.Kind]SourceOptions, len(o.Sources)+len(over.Sources))
		for k, v := range o.Sources {
			sources[k] = v
		}
		for k, v := range over.Sources {
			sources[k] = v
		}
		o.Sources = sources
	}
	return o
}

// Validate checks the merged options.
func (o Options) Validate() error {
	var errs []error

	if o.Region == "" {
		errs = append(errs, errors.New("region is required"))
	}
	if o.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("batchSize must not be negative, got %d", o.BatchSize))
	}
	if o.StartingPosition != "" && !eventsource.StartingPosition(o.StartingPosition).Valid() {
		errs = append(errs, fmt.Errorf("invalid startingPosition %q", o.StartingPosition))
	}
	if o.WaitTimeSeconds != nil && (*o.WaitTimeSeconds < 0 || *o.WaitTimeSeconds > 20) {
		errs = append(errs, fmt.Errorf("waitTimeSeconds must be between 0 and 20, got %d", *o.WaitTimeSeconds))
	}
	for kind := range o.Sources {
		if !kind.Valid() {
			errs = append(errs, fmt.Errorf("sources: unknown kind %q", kind))
		}
	}

	switch o.Checkpoint.Type {
	case "", CheckpointMemory:
	case CheckpointBolt:
		if o.Checkpoint.Path == "" {
			errs = append(errs, errors.New("checkpoint: path is required for bolt"))
		}
	case CheckpointRedis:
		if o.Checkpoint.URL == "" {
			errs = append(errs, errors.New("checkpoint: url is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("checkpoint: unknown type %q", o.Checkpoint.Type))
	}

	switch o.DeadLetter.Type {
	case "":
	case DeadLetterKafka:
		if err := o.DeadLetter.Kafka.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("deadLetter: %w", err))
		}
	case DeadLetterSQS:
		if o.DeadLetter.QueueURL == "" {
			errs = append(errs, errors.New("deadLetter: queueUrl is required for sqs"))
		}
	default:
		errs = append(errs, fmt.Errorf("deadLetter: unknown type %q", o.DeadLetter.Type))
	}

	return errors.Join(errs...)
}

// RetryDelay returns the pause between delivery attempts. Zero means the
// delivery default.
func (o Options) RetryDelay() time.Duration {
	return time.Duration(o.RetryDelayMs) * time.Millisecond
}

// DiscoveryInterval returns the pause between discovery attempts.
func (o Options) DiscoveryInterval() time.Duration {
	return time.Duration(o.DiscoveryIntervalMs) * time.Millisecond
}

// FromEnv reads STREAMSIM_* overrides through lookup.
func FromEnv(lookup func(string) (string, bool)) (Options, error) {
	var o Options
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	numPtr := func(key string) *int {
		if v, ok := lookup(key); !ok || v == "" {
			return nil
		}
		n := 0
		num(key, &n)
		return &n
	}

	str("STREAMSIM_ENDPOINT", &o.Endpoint)
	str("STREAMSIM_REGION", &o.Region)
	str("STREAMSIM_ACCOUNT_ID", &o.AccountID)
	str("STREAMSIM_ACCESS_KEY_ID", &o.AccessKeyID)
	str("STREAMSIM_SECRET_ACCESS_KEY", &o.SecretAccessKey)
	str("STREAMSIM_S3_ENDPOINT", &o.S3Endpoint)
	if v, ok := lookup("STREAMSIM_AUTO_CREATE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("STREAMSIM_AUTO_CREATE: %w", err))
		} else {
			o.AutoCreate = &b
		}
	}

	num("STREAMSIM_BATCH_SIZE", &o.BatchSize)
	str("STREAMSIM_STARTING_POSITION", &o.StartingPosition)
	o.StartingPosition = strings.ToUpper(o.StartingPosition)
	o.MaximumRetryAttempts = numPtr("STREAMSIM_MAX_RETRY_ATTEMPTS")
	num("STREAMSIM_POLL_INTERVAL_MS", &o.PollIntervalMs)
	num("STREAMSIM_RETRY_DELAY_MS", &o.RetryDelayMs)
	o.WaitTimeSeconds = numPtr("STREAMSIM_WAIT_TIME_SECONDS")
	num("STREAMSIM_DISCOVERY_ATTEMPTS", &o.DiscoveryAttempts)
	num("STREAMSIM_DISCOVERY_INTERVAL_MS", &o.DiscoveryIntervalMs)

	str("STREAMSIM_CHECKPOINT_TYPE", &o.Checkpoint.Type)
	str("STREAMSIM_CHECKPOINT_PATH", &o.Checkpoint.Path)
	str("STREAMSIM_CHECKPOINT_URL", &o.Checkpoint.URL)

	str("STREAMSIM_DLQ_TYPE", &o.DeadLetter.Type)
	str("STREAMSIM_DLQ_TOPIC", &o.DeadLetter.Topic)
	str("STREAMSIM_DLQ_QUEUE_URL", &o.DeadLetter.QueueURL)
	if v, ok := lookup("STREAMSIM_DLQ_BROKERS"); ok && v != "" {
		o.DeadLetter.Kafka.Brokers = strings.Split(v, ",")
	}

	return o, errors.Join(errs...)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
