package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Environment variables read by GetConfig.
const (
	EnabledEnv     = "STREAMSIM_OTEL_ENABLED"
	SampleRatioEnv = "STREAMSIM_OTEL_SAMPLE_RATIO"
	EndpointEnv    = "OTEL_EXPORTER_OTLP_ENDPOINT"
	InsecureEnv    = "OTEL_EXPORTER_OTLP_INSECURE"
)

const defaultEndpoint = "localhost:4317"

// Config holds tracing configuration.
type Config struct {
	Enabled bool
	// Endpoint is host:port or an http(s) URL of the OTLP gRPC collector.
	Endpoint string
	Insecure bool
	// SampleRatio is the share of root traces kept, in [0, 1]. Child spans
	// follow their parent, so a delivery span keeps its invocation spans.
	SampleRatio float64
	ServiceName string
	// Services are the simulated service definitions, recorded on the
	// resource so traces of several simulators can be told apart.
	Services []string
}

// GetConfig reads tracing configuration from the environment.
// STREAMSIM_OTEL_ENABLED must be "true" to enable tracing.
func GetConfig(serviceName string) (Config, error) {
	cfg := Config{
		Enabled:     strings.EqualFold(os.Getenv(EnabledEnv), "true"),
		Endpoint:    defaultEndpoint,
		Insecure:    true,
		SampleRatio: 1,
		ServiceName: serviceName,
	}
	if v := os.Getenv(EndpointEnv); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv(InsecureEnv); v != "" {
		insecure, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", InsecureEnv, err)
		}
		cfg.Insecure = insecure
	}
	if v := os.Getenv(SampleRatioEnv); v != "" {
		ratio, err := strconv.ParseFloat(v, 64)
		if err != nil || ratio < 0 || ratio > 1 {
			return Config{}, fmt.Errorf("%s must be a number between 0 and 1, got %q", SampleRatioEnv, v)
		}
		cfg.SampleRatio = ratio
	}
	return cfg, nil
}

// Initialize sets up OpenTelemetry tracing and returns the tracer with its
// shutdown function. When disabled the tracer is a no-op.
func Initialize(cfg Config, logger *slog.Logger) (trace.Tracer, func(context.Context) error, error) {
	if !cfg.Enabled {
		logger.Info("tracing disabled, using no-op tracer")
		return noop.NewTracerProvider().Tracer(cfg.ServiceName), func(context.Context) error { return nil }, nil
	}

	endpoint, insecure := collectorAddress(cfg.Endpoint, cfg.Insecure)
	logger.Info("initializing tracing", "endpoint", endpoint, "service", cfg.ServiceName,
		"sample_ratio", cfg.SampleRatio, "services", cfg.Services)

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(context.Background(), opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, resourceAttributes(cfg)...),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	// The HTTP invoker injects trace context into requests through otelhttp.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	shutdown := func(ctx context.Context) error {
		logger.Info("shutting down tracer provider")
		return tp.Shutdown(ctx)
	}
	return tp.Tracer(cfg.ServiceName), shutdown, nil
}

// collectorAddress turns an OTLP endpoint into the host:port the gRPC
// exporter dials. A URL scheme decides TLS: http is insecure, https is not.
func collectorAddress(endpoint string, insecure bool) (string, bool) {
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "http://"), "/"), true
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "https://"), "/"), false
	case endpoint == "":
		return defaultEndpoint, insecure
	}
	return endpoint, insecure
}

func resourceAttributes(cfg Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceInstanceID(uuid.NewString()),
	}
	if len(cfg.Services) > 0 {
		attrs = append(attrs, attribute.StringSlice("streamsim.services", cfg.Services))
	}
	return attrs
}
