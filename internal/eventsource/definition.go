// Package eventsource turns the loosely shaped event declarations found in
// service definitions into canonical, fully resolved Definitions.
package eventsource

import (
	"fmt"
)

// Kind identifies the backend a Definition binds to.
type Kind string

const (
	KindKinesis  Kind = "kinesis"
	KindDynamoDB Kind = "dynamodb"
	KindSQS      Kind = "sqs"
	KindS3       Kind = "s3"
)

// Valid reports whether k is a known source kind.
func (k Kind) Valid() bool {
	switch k {
	case KindKinesis, KindDynamoDB, KindSQS, KindS3:
		return true
	}
	return false
}

// IsStream reports whether k is a sharded stream (as opposed to a queue or bucket).
func (k Kind) IsStream() bool {
	return k == KindKinesis || k == KindDynamoDB
}

// StartingPosition is the iterator policy used when a shard has no cursor yet.
type StartingPosition string

const (
	TrimHorizon         StartingPosition = "TRIM_HORIZON"
	Latest              StartingPosition = "LATEST"
	AtSequenceNumber    StartingPosition = "AT_SEQUENCE_NUMBER"
	AfterSequenceNumber StartingPosition = "AFTER_SEQUENCE_NUMBER"
)

// Valid reports whether p is a known starting position.
func (p StartingPosition) Valid() bool {
	switch p {
	case TrimHorizon, Latest, AtSequenceNumber, AfterSequenceNumber:
		return true
	}
	return false
}

// NeedsSequence reports whether p is relative to a sequence number.
func (p StartingPosition) NeedsSequence() bool {
	return p == AtSequenceNumber || p == AfterSequenceNumber
}

// Definition is one stream/queue/bucket binding for one function. It is built
// once by Normalize and treated as immutable afterwards.
type Definition struct {
	Kind         Kind
	Enabled      bool
	ResourceARN  string
	ResourceName string
	Region       string

	BatchSize              int
	StartingPosition       StartingPosition
	StartingSequenceNumber string
	// MaxRetryAttempts is the number of retries after the first failed
	// invocation. Nil means retry until the handler succeeds.
	MaxRetryAttempts *int

	// ShardID pins a stream binding to a single shard. Empty means every shard.
	ShardID string
	// Filter is an optional CEL expression evaluated per record.
	Filter string

	// S3 notification settings.
	Events []string
	Prefix string
	Suffix string
}

// Unbounded reports whether failed batches are retried indefinitely.
func (d *Definition) Unbounded() bool {
	return d.MaxRetryAttempts == nil
}

// String returns a short identifier used in logs.
func (d *Definition) String() string {
	return fmt.Sprintf("%s:%s", d.Kind, d.ResourceName)
}

func intPtr(n int) *int { return &n }

// defaults returns the per-kind baseline that user configuration is merged onto.
func defaults(kind Kind) Definition {
	d := Definition{Kind: kind, Enabled: true}
	switch kind {
	case KindKinesis:
		d.BatchSize = 10
		d.StartingPosition = Latest
	case KindDynamoDB:
		d.BatchSize = 100
		d.StartingPosition = Latest
		d.MaxRetryAttempts = intPtr(10)
	case KindSQS:
		d.BatchSize = 10
		d.MaxRetryAttempts = intPtr(0)
	case KindS3:
		d.BatchSize = 1
		d.MaxRetryAttempts = intPtr(0)
		d.Events = []string{"s3:ObjectCreated:*"}
	}
	return d
}

func (d *Definition) validate() error {
	if d.ResourceName == "" || d.ResourceARN == "" {
		return fmt.Errorf("%s event: resource name and arn must both be resolved", d.Kind)
	}
	if d.BatchSize <= 0 {
		return fmt.Errorf("%s event %s: batchSize must be positive, got %d", d.Kind, d.ResourceName, d.BatchSize)
	}
	if d.MaxRetryAttempts != nil && *d.MaxRetryAttempts < 0 {
		return fmt.Errorf("%s event %s: maximumRetryAttempts must not be negative", d.Kind, d.ResourceName)
	}
	if !d.Kind.IsStream() {
		return nil
	}
	if !d.StartingPosition.Valid() {
		return fmt.Errorf("%s event %s: invalid startingPosition %q", d.Kind, d.ResourceName, d.StartingPosition)
	}
	if d.StartingPosition.NeedsSequence() && d.StartingSequenceNumber == "" {
		return fmt.Errorf("%s event %s: startingPosition %s requires startingSequenceNumber",
			d.Kind, d.ResourceName, d.StartingPosition)
	}
	return nil
}
