// Package shardtest provides an in-memory shard.Client for tests.
package shardtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lsm/streamsim/internal/shard"
)

// Record is a synthetic stream record.
type Record struct {
	Sequence string
	Key      string
	Data     []byte
}

// SequenceOf returns the record's sequence number.
func SequenceOf(r Record) string { return r.Sequence }

type shardData struct {
	records []Record
	closed  bool
}

type iterator struct {
	shardID string
	pos     int
}

// Stream is an in-memory stream with one or more shards. Sequence numbers are
// zero padded so they sort lexically.
type Stream struct {
	mu        sync.Mutex
	order     []string
	shards    map[string]*shardData
	iterators map[string]iterator
	seq       int
	nextIter  int
	expire    int

	// IgnoreLimit makes GetRecords return every available record.
	IgnoreLimit bool
	// OnFetch, when set, runs at the start of every GetRecords call.
	OnFetch func()

	Fetches   int
	Describes int
}

// NewStream creates a stream with the given shard ids.
func NewStream(shardIDs ...string) *Stream {
	s := &Stream{
		shards:    make(map[string]*shardData),
		iterators: make(map[string]iterator),
	}
	for _, id := range shardIDs {
		s.order = append(s.order, id)
		s.shards[id] = &shardData{}
	}
	return s
}

// Put appends a record to a shard and returns its sequence number.
func (s *Stream) Put(shardID, key string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	seq := fmt.Sprintf("%020d", s.seq)
	sd := s.shards[shardID]
	sd.records = append(sd.records, Record{Sequence: seq, Key: key, Data: data})
	return seq
}

// PutMalformed appends a record that carries no sequence number, as a
// backend record missing its required fields would.
func (s *Stream) PutMalformed(shardID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd := s.shards[shardID]
	sd.records = append(sd.records, Record{Key: key})
}

// CloseShard marks a shard as closed; once read to the end it reports no
// next iterator.
func (s *Stream) CloseShard(shardID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shards[shardID].closed = true
}

// ExpireNext makes the next n GetRecords calls fail with an expired iterator.
func (s *Stream) ExpireNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expire = n
}

// FetchCount returns the number of GetRecords calls so far.
func (s *Stream) FetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Fetches
}

func (s *Stream) DescribeShards(_ context.Context) ([]shard.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Describes++
	infos := make([]shard.Info, 0, len(s.order))
	for _, id := range s.order {
		infos = append(infos, shard.Info{ID: id, Closed: s.shards[id].closed})
	}
	return infos, nil
}

func (s *Stream) GetIterator(_ context.Context, shardID string, typ shard.IteratorType, sequence string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd, ok := s.shards[shardID]
	if !ok {
		return "", fmt.Errorf("no shard %s", shardID)
	}

	var pos int
	switch typ {
	case shard.TrimHorizon:
		pos = 0
	case shard.Latest:
		pos = len(sd.records)
	case shard.AtSequenceNumber, shard.AfterSequenceNumber:
		pos = -1
		for i, r := range sd.records {
			if r.Sequence == sequence {
				pos = i
				break
			}
		}
		if pos < 0 {
			return "", fmt.Errorf("sequence %s not in shard %s", sequence, shardID)
		}
		if typ == shard.AfterSequenceNumber {
			pos++
		}
	default:
		return "", fmt.Errorf("unknown iterator type %s", typ)
	}
	return s.newIterator(shardID, pos), nil
}

func (s *Stream) GetRecords(_ context.Context, it string, limit int) (shard.Page[Record], error) {
	if s.OnFetch != nil {
		s.OnFetch()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Fetches++

	cur, ok := s.iterators[it]
	if !ok {
		return shard.Page[Record]{}, errors.New("unknown iterator")
	}
	if s.expire > 0 {
		s.expire--
		delete(s.iterators, it)
		return shard.Page[Record]{}, &shard.CursorExpiredError{ShardID: cur.shardID, Err: errors.New("ExpiredIteratorException")}
	}

	sd := s.shards[cur.shardID]
	end := len(sd.records)
	if !s.IgnoreLimit && cur.pos+limit < end {
		end = cur.pos + limit
	}
	records := append([]Record(nil), sd.records[cur.pos:end]...)

	page := shard.Page[Record]{Records: records}
	if !(sd.closed && end == len(sd.records)) {
		page.NextIterator = s.newIterator(cur.shardID, end)
	}
	return page, nil
}

// newIterator registers an iterator. Caller holds mu.
func (s *Stream) newIterator(shardID string, pos int) string {
	s.nextIter++
	id := fmt.Sprintf("it-%d", s.nextIter)
	s.iterators[id] = iterator{shardID: shardID, pos: pos}
	return id
}
