package pipeline

import (
	"context"
	"sync"
)

// Gate pauses and resumes a group of pipelines. Pipelines Wait on the gate
// before fetching and Enter it around a delivery, so a closed gate stops new
// work while Idle reports when the deliveries already under way are done.
// A new Gate is closed.
type Gate struct {
	mu       sync.Mutex
	opened   chan struct{}
	idle     chan struct{}
	inflight int
}

func NewGate() *Gate {
	idle := make(chan struct{})
	close(idle)
	return &Gate{opened: make(chan struct{}), idle: idle}
}

// Open releases waiting pipelines.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.opened:
	default:
		close(g.opened)
	}
}

// Close pauses pipelines at their next Wait or Enter. In-flight deliveries
// are not interrupted.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.opened:
		g.opened = make(chan struct{})
	default:
	}
}

// IsOpen reports whether the gate is open.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.opened:
		return true
	default:
		return false
	}
}

// Wait blocks until the gate is open or ctx ends.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		opened := g.opened
		g.mu.Unlock()

		select {
		case <-opened:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Enter waits for the gate to open and registers an in-flight delivery. The
// returned release must be called when the delivery completes.
func (g *Gate) Enter(ctx context.Context) (release func(), err error) {
	for {
		if err := g.Wait(ctx); err != nil {
			return nil, err
		}
		g.mu.Lock()
		select {
		case <-g.opened:
		default:
			// Closed again between Wait and the lock.
			g.mu.Unlock()
			continue
		}
		if g.inflight == 0 {
			g.idle = make(chan struct{})
		}
		g.inflight++
		g.mu.Unlock()

		var once sync.Once
		return func() { once.Do(g.leave) }, nil
	}
}

func (g *Gate) leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inflight--
	if g.inflight == 0 {
		close(g.idle)
	}
}

// Idle returns a channel closed once no delivery is in flight.
func (g *Gate) Idle() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.idle
}
