package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/lsm/streamsim/internal/checkpoint"
	"github.com/lsm/streamsim/internal/config"
	"github.com/lsm/streamsim/internal/kafka"
	"github.com/lsm/streamsim/internal/observability"
	"github.com/lsm/streamsim/internal/tracing"
)

const defaultShutdownTimeout = 5000 * time.Millisecond

type flags struct {
	configDir  string
	logLevel   string
	watch      bool
	endpoint   string
	region     string
	batchSize  int
	pollMs     int
	autoCreate bool
	checkpoint string
}

func main() {
	var f flags
	flag.StringVar(&f.configDir, "config", envOr("STREAMSIM_CONFIG_DIR", "."), "directory of service definition files")
	flag.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.BoolVar(&f.watch, "watch", true, "reload when service definitions change")
	flag.StringVar(&f.endpoint, "endpoint", "", "local AWS-compatible endpoint")
	flag.StringVar(&f.region, "region", "", "AWS region")
	flag.IntVar(&f.batchSize, "batch-size", 0, "default batch size")
	flag.IntVar(&f.pollMs, "poll-interval-ms", 0, "pause between empty polls")
	flag.BoolVar(&f.autoCreate, "auto-create", false, "create missing streams, queues and buckets")
	flag.StringVar(&f.checkpoint, "checkpoint", "", "checkpoint store (memory, bolt, redis)")
	flag.Parse()

	if err := run(f); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// overrides turns the flags that were set on the command line into options.
func (f flags) overrides() config.Options {
	var o config.Options
	flag.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "endpoint":
			o.Endpoint = f.endpoint
		case "region":
			o.Region = f.region
		case "batch-size":
			o.BatchSize = f.batchSize
		case "poll-interval-ms":
			o.PollIntervalMs = f.pollMs
		case "auto-create":
			v := f.autoCreate
			o.AutoCreate = &v
		case "checkpoint":
			o.Checkpoint.Type = f.checkpoint
		}
	})
	return o
}

func run(f flags) error {
	logger := observability.NewLogger("streamsim", observability.GetLogLevel(f.logLevel))

	metricsAddr := envOr("STREAMSIM_METRICS_ADDR", ":9090")
	shutdownTimeout, err := shutdownTimeoutFromEnv()
	if err != nil {
		return err
	}

	loader := config.NewLoader(f.configDir, logger)
	loader.Override(f.overrides())
	services, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(services) == 0 {
		return fmt.Errorf("no service definitions found in %s", f.configDir)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	traceCfg, err := tracing.GetConfig("streamsim")
	if err != nil {
		return err
	}
	for name := range services {
		traceCfg.Services = append(traceCfg.Services, name)
	}
	sort.Strings(traceCfg.Services)
	tracer, shutdownTracing, err := tracing.Initialize(traceCfg, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	pool := kafka.NewPool()
	stores := checkpoint.NewPool()
	sim := newSimulator(deps{
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		kafka:   pool,
		stores:  stores,
	}, shutdownTimeout)

	health := observability.NewHealthServer(reg)
	health.ReportPipelines(sim.Pipelines)

	httpServer := &http.Server{Addr: metricsAddr, Handler: health.Handler()}
	go func() {
		logger.Info("metrics server starting", "addr", metricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sim.Apply(ctx, services)
	health.SetReady(true)

	watchDone := make(chan struct{})
	if f.watch {
		loader.OnChange(func(services map[string]*config.Service) {
			logger.Info("reloading services", "count", len(services))
			sim.Apply(ctx, services)
		})
		go func() {
			if err := loader.Watch(watchDone); err != nil {
				logger.Error("config watcher error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down", "timeout", shutdownTimeout)

	health.SetReady(false)
	close(watchDone)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	var errs []error
	if err := sim.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("simulator shutdown: %w", err))
	}
	if err := pool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close kafka clients: %w", err))
	}
	if err := stores.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close checkpoint stores: %w", err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func shutdownTimeoutFromEnv() (time.Duration, error) {
	v := os.Getenv("STREAMSIM_SHUTDOWN_TIMEOUT")
	if v == "" {
		return defaultShutdownTimeout, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("STREAMSIM_SHUTDOWN_TIMEOUT must be a positive number of milliseconds, got %q", v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
