// Package lifecycle discovers the pipelines of every binding, runs them and
// stops them without truncating deliveries already under way.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lsm/streamsim/internal/eventsource"
	"github.com/lsm/streamsim/internal/pipeline"
	"github.com/lsm/streamsim/internal/retry"
	"github.com/lsm/streamsim/internal/source"
)

// DefaultDiscoveryInterval is the pause between two discovery attempts.
const DefaultDiscoveryInterval = time.Second

// Config controls resource discovery.
type Config struct {
	// DiscoveryAttempts bounds the attempts made while a resource is missing.
	// Zero waits for it indefinitely.
	DiscoveryAttempts int
	DiscoveryInterval time.Duration
}

// Manager owns the pipelines of one running configuration. Pipelines share
// a pause gate: Start opens it, Stop closes it and waits for in-flight
// deliveries.
type Manager struct {
	cfg         Config
	discoverers map[eventsource.Kind]source.Discoverer
	gate        *pipeline.Gate
	logger      *slog.Logger

	mu       sync.Mutex
	runners  []pipeline.Runner
	closers  []io.Closer
	flushers []Flusher
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	closed   bool
	wg       sync.WaitGroup
}

// New creates a Manager using the given discoverer per source kind.
func New(cfg Config, discoverers map[eventsource.Kind]source.Discoverer, logger *slog.Logger) *Manager {
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = DefaultDiscoveryInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:         cfg,
		discoverers: discoverers,
		gate:        pipeline.NewGate(),
		logger:      logger,
	}
}

// Gate returns the gate shared by every pipeline of the manager.
func (m *Manager) Gate() *pipeline.Gate { return m.gate }

// Flusher is implemented by checkpoint stores.
type Flusher interface {
	Flush(ctx context.Context) error
}

// FlushOnShutdown registers f to be flushed by Shutdown, after the pipelines.
// f stays open; it is owned elsewhere.
func (m *Manager) FlushOnShutdown(f Flusher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushers = append(m.flushers, f)
}

// CloseOnShutdown registers c to be closed by Shutdown, after the pipelines.
// A closer that is also a Flusher is flushed first.
func (m *Manager) CloseOnShutdown(c io.Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, c)
}

// Discover resolves b into pipelines, waiting for a missing resource to
// appear. A disabled definition is skipped. When the manager is already
// started the new pipelines start immediately.
func (m *Manager) Discover(ctx context.Context, b source.Binding) error {
	def := b.Definition
	logger := m.logger.With("function", b.Function, "source", string(def.Kind), "resource", def.ResourceARN)
	if !def.Enabled {
		logger.Info("event source disabled, skipping")
		return nil
	}
	d, ok := m.discoverers[def.Kind]
	if !ok {
		return fmt.Errorf("no backend configured for %s event sources", def.Kind)
	}
	if b.Gate == nil {
		b.Gate = m.gate
	}

	policy := retry.Config{
		MaxAttempts:     m.cfg.DiscoveryAttempts,
		InitialInterval: m.cfg.DiscoveryInterval,
		OnRetry: func(attempt int, err error) {
			logger.Info("waiting for resource", "attempt", attempt, "error", err)
		},
	}
	var runners []pipeline.Runner
	err := retry.Do(ctx, policy, func() error {
		var err error
		runners, err = d.Discover(ctx, b)
		if err != nil && !source.IsNotFound(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		var perm *retry.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return fmt.Errorf("discover %s for %s: %w", def, b.Function, err)
	}

	logger.Info("event source ready", "pipelines", len(runners))
	m.add(runners)
	return nil
}

// DiscoverAsync runs Discover for every binding on its own goroutine, bound
// to the manager's context. Failures are logged. Requires Start.
func (m *Manager) DiscoverAsync(bindings ...source.Binding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.closed {
		return
	}
	ctx := m.ctx
	for _, b := range bindings {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.Discover(ctx, b); err != nil && ctx.Err() == nil {
				m.logger.Error("event source not started", "function", b.Function, "error", err)
			}
		}()
	}
}

func (m *Manager) add(runners []pipeline.Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		for _, r := range runners {
			_ = r.Close()
		}
		return
	}
	m.runners = append(m.runners, runners...)
	if m.started {
		for _, r := range runners {
			m.launch(r)
		}
	}
}

// launch runs r on its own goroutine. Caller holds mu.
func (m *Manager) launch(r pipeline.Runner) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := r.Run(m.ctx); err != nil {
			m.logger.Error("pipeline stopped with error", "pipeline", r.Name(), "error", err)
		}
	}()
}

// Start launches every discovered pipeline and opens the gate. Pipelines run
// until Shutdown or until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("manager already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true
	for _, r := range m.runners {
		m.launch(r)
	}
	m.gate.Open()
	m.logger.Info("pipelines started", "count", len(m.runners))
	return nil
}

// Resume reopens the gate after Stop.
func (m *Manager) Resume() {
	m.gate.Open()
}

// Stop closes the gate and waits until no delivery is in flight. Deliveries
// are never cut short: when ctx ends first Stop returns ctx.Err() and the
// in-flight deliveries keep running.
func (m *Manager) Stop(ctx context.Context) error {
	m.gate.Close()
	select {
	case <-m.gate.Idle():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the pipelines, closes their readers and every registered
// closer, and waits for the pipeline goroutines to return.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	if err := m.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop: %w", err))
	}

	m.mu.Lock()
	runners := append([]pipeline.Runner(nil), m.runners...)
	closers := append([]io.Closer(nil), m.closers...)
	flushers := append([]Flusher(nil), m.flushers...)
	m.closed = true
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	for _, r := range runners {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", r.Name(), err))
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for pipelines: %w", ctx.Err()))
	}

	for _, f := range flushers {
		if err := f.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush: %w", err))
		}
	}
	for _, c := range closers {
		if f, ok := c.(Flusher); ok {
			if err := f.Flush(ctx); err != nil {
				errs = append(errs, fmt.Errorf("flush: %w", err))
			}
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pipelines returns the number of discovered pipelines.
func (m *Manager) Pipelines() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runners)
}
