package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/streamsim/internal/backend"
	"github.com/lsm/streamsim/internal/checkpoint"
	"github.com/lsm/streamsim/internal/config"
	"github.com/lsm/streamsim/internal/delivery"
	"github.com/lsm/streamsim/internal/dlq"
	"github.com/lsm/streamsim/internal/eventsource"
	"github.com/lsm/streamsim/internal/filter"
	"github.com/lsm/streamsim/internal/invoke"
	"github.com/lsm/streamsim/internal/kafka"
	"github.com/lsm/streamsim/internal/lifecycle"
	"github.com/lsm/streamsim/internal/observability"
	"github.com/lsm/streamsim/internal/source"
)

// deps are the process-wide components shared by every service.
type deps struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	kafka   *kafka.Pool
	stores  *checkpoint.Pool
}

// backends are the per-service clients a service is assembled from.
type backends struct {
	discoverers map[eventsource.Kind]source.Discoverer
	lambda      func(endpoint string) invoke.LambdaAPI
	sqs         dlq.SendMessageAPI
}

func connect(ctx context.Context, opts config.Options) (backends, error) {
	clients, err := backend.New(ctx, backend.Config{
		Endpoint:        opts.Endpoint,
		S3Endpoint:      opts.S3Endpoint,
		Region:          opts.Region,
		AccessKeyID:     opts.AccessKeyID,
		SecretAccessKey: opts.SecretAccessKey,
	})
	if err != nil {
		return backends{}, err
	}
	return backends{
		discoverers: clients.Discoverers(),
		lambda:      func(endpoint string) invoke.LambdaAPI { return clients.LambdaAt(endpoint) },
		sqs:         clients.SQS,
	}, nil
}

// simulator runs one lifecycle manager per loaded service and replaces them
// all when the configuration changes.
type simulator struct {
	deps    deps
	timeout time.Duration
	connect func(ctx context.Context, opts config.Options) (backends, error)

	mu       sync.Mutex
	managers map[string]*lifecycle.Manager
}

func newSimulator(d deps, timeout time.Duration) *simulator {
	return &simulator{
		deps:     d,
		timeout:  timeout,
		connect:  connect,
		managers: make(map[string]*lifecycle.Manager),
	}
}

// Apply replaces the running services with services. The running ones are
// paused first; a service whose new definition fails to start keeps running
// on its previous definition, the others are shut down.
func (s *simulator) Apply(ctx context.Context, services map[string]*config.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	previous := s.managers
	s.managers = make(map[string]*lifecycle.Manager)
	s.pause(previous)

	for name, svc := range services {
		m, err := s.start(ctx, svc)
		if err != nil {
			s.deps.logger.Error("service not started", "service", name, "error", err)
			if old, ok := previous[name]; ok {
				s.deps.logger.Warn("keeping previous definition", "service", name)
				old.Resume()
				s.managers[name] = old
				delete(previous, name)
			}
			continue
		}
		s.managers[name] = m
	}

	if err := s.shutdownAll(previous); err != nil {
		s.deps.logger.Error("previous services did not stop cleanly", "error", err)
	}
}

// pause stops deliveries of managers, waiting at most the shutdown timeout.
func (s *simulator) pause(managers map[string]*lifecycle.Manager) {
	if len(managers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	for name, m := range managers {
		if err := m.Stop(ctx); err != nil {
			s.deps.logger.Warn("service did not pause in time", "service", name, "error", err)
		}
	}
}

// Pipelines returns the number of discovered pipelines across services.
func (s *simulator) Pipelines() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.managers {
		n += m.Pipelines()
	}
	return n
}

// Shutdown stops every service within ctx.
func (s *simulator) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for name, m := range s.managers {
		if err := m.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("service %s: %w", name, err))
		}
		delete(s.managers, name)
	}
	return errors.Join(errs...)
}

func (s *simulator) shutdownAll(managers map[string]*lifecycle.Manager) error {
	if len(managers) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var errs []error
	for name, m := range managers {
		if err := m.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("service %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *simulator) start(ctx context.Context, svc *config.Service) (*lifecycle.Manager, error) {
	b, err := s.connect(ctx, svc.Options)
	if err != nil {
		return nil, fmt.Errorf("connect backend: %w", err)
	}
	return s.assemble(ctx, svc, b)
}

// assemble builds the manager of svc, starts it and discovers every event
// source in the background.
func (s *simulator) assemble(ctx context.Context, svc *config.Service, b backends) (*lifecycle.Manager, error) {
	logger := s.deps.logger.With("service", svc.Name)
	opts := svc.Options

	store, err := s.deps.stores.Open(opts.Checkpoint.Type, opts.Checkpoint.Location(), opts.Checkpoint.Prefix)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	dead, err := s.deadLetter(opts, b)
	if err != nil {
		return nil, err
	}

	m := lifecycle.New(lifecycle.Config{
		DiscoveryAttempts: opts.DiscoveryAttempts,
		DiscoveryInterval: opts.DiscoveryInterval(),
	}, b.discoverers, logger)
	m.FlushOnShutdown(store)

	var bindings []source.Binding
	for _, fn := range svc.Functions {
		handler, err := s.invoker(fn, b, logger)
		if err != nil {
			logger.Error("function not started", "function", fn.Name, "error", err)
			continue
		}
		if c, ok := handler.(io.Closer); ok {
			m.CloseOnShutdown(c)
		}
		for _, ev := range fn.Events {
			binding, err := s.binding(svc, fn, ev, handler, store, dead, logger)
			if err != nil {
				logger.Error("event source not started", "function", fn.Name, "source", ev.Definition.String(), "error", err)
				continue
			}
			bindings = append(bindings, binding)
		}
	}

	if err := m.Start(ctx); err != nil {
		return nil, err
	}
	m.DiscoverAsync(bindings...)
	logger.Info("service started", "functions", len(svc.Functions), "event_sources", len(bindings))
	return m, nil
}

func (s *simulator) binding(svc *config.Service, fn *config.Function, ev *config.Event, handler invoke.Handler,
	store checkpoint.Store, dead *dlq.Handler, logger *slog.Logger) (source.Binding, error) {
	def := ev.Definition

	var f *filter.Filter
	if def.Filter != "" {
		var err error
		if f, err = filter.New(def.Filter); err != nil {
			return source.Binding{}, err
		}
	}

	cfg := delivery.Config{
		Function:    fn.Name,
		FunctionARN: fn.ARN,
		Source:      string(def.Kind),
		ResourceARN: def.ResourceARN,
		Region:      def.Region,
		Environment: fn.Environment,
		Timeout:     fn.Timeout,
		RetryDelay:  svc.Options.RetryDelay(),
		MaxRetries:  def.MaxRetryAttempts,
	}
	opts := []delivery.Option{
		delivery.WithLogger(logger),
		delivery.WithMetrics(s.deps.metrics),
		delivery.WithTracer(s.deps.tracer),
	}
	if dead != nil {
		opts = append(opts, delivery.WithDeadLetter(dead))
	}

	return source.Binding{
		Function:        fn.Name,
		Definition:      def,
		AutoCreate:      ev.AutoCreate,
		Properties:      ev.Properties,
		PollInterval:    ev.PollInterval,
		WaitTimeSeconds: ev.WaitTimeSeconds,
		Endpoint:        svc.Options.Endpoint,
		Filter:          f,
		Store:           store,
		NewDeliverer: func(string) *delivery.Deliverer {
			return delivery.New(cfg, handler, opts...)
		},
		Logger:  logger.With("function", fn.Name),
		Metrics: s.deps.metrics,
	}, nil
}

// invoker returns the handler of fn: an HTTP endpoint when a URL is set,
// otherwise the Lambda API.
func (s *simulator) invoker(fn *config.Function, b backends, logger *slog.Logger) (invoke.Handler, error) {
	if fn.Invoke.URL != "" {
		h, err := invoke.NewHTTP(invoke.HTTPConfig{
			URL:     fn.Invoke.URL,
			Headers: fn.Invoke.Headers,
			Timeout: fn.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		h.SetTracer(s.deps.tracer)
		return h, nil
	}
	if b.lambda == nil {
		return nil, errors.New("no invoke url and no lambda endpoint")
	}
	l := invoke.NewLambda(b.lambda(fn.Invoke.Endpoint), fn.Invoke.Lambda)
	l.SetTracer(s.deps.tracer)
	return l, nil
}

// deadLetter returns the on-failure handler of a service, or nil when none
// is configured.
func (s *simulator) deadLetter(opts config.Options, b backends) (*dlq.Handler, error) {
	switch opts.DeadLetter.Type {
	case config.DeadLetterKafka:
		pub, err := s.deps.kafka.Get(&opts.DeadLetter.Kafka)
		if err != nil {
			return nil, fmt.Errorf("dead letter kafka: %w", err)
		}
		pub.SetTracer(s.deps.tracer)
		var hopts []dlq.Option
		if opts.DeadLetter.Topic != "" {
			hopts = append(hopts, dlq.WithDestination(opts.DeadLetter.Topic))
		}
		return dlq.NewHandler(pub, hopts...), nil
	case config.DeadLetterSQS:
		if b.sqs == nil {
			return nil, errors.New("dead letter sqs: no sqs client")
		}
		pub := dlq.NewSQSPublisher(b.sqs)
		pub.SetTracer(s.deps.tracer)
		return dlq.NewHandler(pub, dlq.WithDestination(opts.DeadLetter.QueueURL)), nil
	}
	return nil, nil
}
