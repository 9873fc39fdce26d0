package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
)

// Store types understood by Pool.
const (
	TypeMemory = "memory"
	TypeBolt   = "bolt"
	TypeRedis  = "redis"
)

// Pool shares one Store per backend location. Keys are namespaced per
// function, resource and shard, so every service can use the same store, and
// a bolt file is only opened once.
type Pool struct {
	mu     sync.Mutex
	stores map[string]Store
	order  []string
	open   func(typ, location, prefix string) (Store, error)
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{
		stores: make(map[string]Store),
		open:   open,
	}
}

// Open returns the store of type typ at location (a file path for bolt, a
// URL for redis), opening it on first use. The pool owns the store: callers
// must not close it.
func (p *Pool) Open(typ, location, prefix string) (Store, error) {
	if typ == "" {
		typ = TypeMemory
	}
	key := poolKey(typ, location, prefix)

	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.stores[key]; ok {
		return s, nil
	}
	s, err := p.open(typ, location, prefix)
	if err != nil {
		return nil, err
	}
	p.stores[key] = s
	p.order = append(p.order, key)
	return s, nil
}

// Close flushes and closes every pooled store.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, key := range p.order {
		s := p.stores[key]
		if err := s.Flush(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", key, err))
		}
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	p.stores = make(map[string]Store)
	p.order = nil
	return errors.Join(errs...)
}

func open(typ, location, prefix string) (Store, error) {
	switch typ {
	case TypeMemory:
		return NewMemStore(), nil
	case TypeBolt:
		return OpenBoltStore(location)
	case TypeRedis:
		return OpenRedisStore(location, prefix)
	}
	return nil, fmt.Errorf("unknown checkpoint store %q", typ)
}

func poolKey(typ, location, prefix string) string {
	switch typ {
	case TypeMemory:
		return typ
	case TypeBolt:
		if abs, err := filepath.Abs(location); err == nil {
			location = abs
		}
		return typ + "|" + filepath.Clean(location)
	}
	return typ + "|" + location + "|" + prefix
}
