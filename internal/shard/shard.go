// Package shard implements the per-shard pull loop shared by the Kinesis and
// DynamoDB stream adapters.
package shard

import (
	"context"
	"errors"
	"fmt"
)

// IteratorType is the position policy used when acquiring an iterator.
type IteratorType string

const (
	TrimHorizon         IteratorType = "TRIM_HORIZON"
	Latest              IteratorType = "LATEST"
	AtSequenceNumber    IteratorType = "AT_SEQUENCE_NUMBER"
	AfterSequenceNumber IteratorType = "AFTER_SEQUENCE_NUMBER"
)

// Info describes one shard of a stream.
type Info struct {
	ID       string
	ParentID string
	// Closed is true when the shard has an ending sequence number and will
	// yield no new records once drained.
	Closed bool
}

// Page is one GetRecords response.
type Page[R any] struct {
	Records []R
	// NextIterator is empty when the shard is closed and fully read.
	NextIterator string
}

// Client is the subset of a stream backend the Reader needs. Implementations
// are bound to one stream and translate backend cursor-expiry errors into
// *CursorExpiredError.
type Client[R any] interface {
	DescribeShards(ctx context.Context) ([]Info, error)
	GetIterator(ctx context.Context, shardID string, typ IteratorType, sequence string) (string, error)
	GetRecords(ctx context.Context, iterator string, limit int) (Page[R], error)
}

// ErrEnded is returned by Reader.Next once the shard is drained or the reader
// was closed. It is never accompanied by records.
var ErrEnded = errors.New("shard: ended")

// ErrNoShards is returned when the stream reports no shards to read.
var ErrNoShards = errors.New("shard: stream has no shards")

// CursorExpiredError reports that the backend invalidated an iterator.
type CursorExpiredError struct {
	ShardID string
	Err     error
}

func (e *CursorExpiredError) Error() string {
	return fmt.Sprintf("iterator expired for shard %s: %v", e.ShardID, e.Err)
}

func (e *CursorExpiredError) Unwrap() error { return e.Err }

// LastSequence returns the sequence number of the last record that has one.
// Malformed records without a sequence number are skipped; "" means none of
// the records carries one.
func LastSequence[R any](records []R, seqOf func(R) string) string {
	for i := len(records) - 1; i >= 0; i-- {
		if seq := seqOf(records[i]); seq != "" {
			return seq
		}
	}
	return ""
}

// State is the reader's lifecycle position.
type State int

const (
	StateUnstarted State = iota
	StateIterating
	StateError
	StateDraining
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "UNSTARTED"
	case StateIterating:
		return "ITERATING"
	case StateError:
		return "ERROR"
	case StateDraining:
		return "DRAINING"
	case StateEnded:
		return "ENDED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Cursor is a snapshot of the reader position.
type Cursor struct {
	ShardID            string
	Iterator           string
	LastSequenceNumber string
	Drained            bool
}
