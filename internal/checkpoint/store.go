package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.etcd.io/bbolt"
)

// Store persists the last processed sequence number per key. Get returns ""
// when nothing was stored yet.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, sequence string) error
	Flush(ctx context.Context) error
	Close() error
}

// Key builds the store key for one shard consumed by one function.
func Key(function, resourceARN, shardID string) string {
	return strings.Join([]string{function, resourceARN, shardID}, "|")
}

// MemStore keeps checkpoints in memory. Positions are lost on restart.
type MemStore struct {
	mu   sync.Mutex
	seqs map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{seqs: make(map[string]string)}
}

func (m *MemStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seqs[key], nil
}

func (m *MemStore) Set(_ context.Context, key, sequence string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs[key] = sequence
	return nil
}

func (*MemStore) Flush(context.Context) error { return nil }
func (*MemStore) Close() error                { return nil }

var boltBucket = []byte("checkpoints")

// BoltStore keeps checkpoints in a local bbolt file so a restarted simulator
// resumes where it left off.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens or creates the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create checkpoint bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Get(_ context.Context, key string) (string, error) {
	var seq string
	err := b.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(boltBucket).Get([]byte(key)); v != nil {
			seq = string(v)
		}
		return nil
	})
	return seq, err
}

func (b *BoltStore) Set(_ context.Context, key, sequence string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), []byte(sequence))
	})
}

func (b *BoltStore) Flush(context.Context) error {
	return b.db.Sync()
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}

// RedisStore keeps checkpoints in Redis, shared between simulator instances.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps client. Keys are namespaced with prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "streamsim:checkpoint:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// OpenRedisStore connects to the Redis server at url (redis://host:port/db).
func OpenRedisStore(url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts), prefix), nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	seq, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get checkpoint: %w", err)
	}
	return seq, nil
}

func (r *RedisStore) Set(ctx context.Context, key, sequence string) error {
	if err := r.client.Set(ctx, r.prefix+key, sequence, 0).Err(); err != nil {
		return fmt.Errorf("redis set checkpoint: %w", err)
	}
	return nil
}

func (*RedisStore) Flush(context.Context) error { return nil }

func (r *RedisStore) Close() error {
	return r.client.Close()
}
