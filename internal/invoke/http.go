package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lsm/streamsim/internal/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// HTTPConfig configures an HTTP invoker.
type HTTPConfig struct {
	// URL receives the JSON envelope, for example a Lambda runtime interface
	// emulator at http://localhost:9000/2015-03-31/functions/function/invocations.
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// HTTP posts the envelope to a function served over HTTP.
type HTTP struct {
	client *http.Client
	config HTTPConfig
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHTTP creates an HTTP invoker.
func NewHTTP(cfg HTTPConfig, logger *slog.Logger) (*HTTP, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		config: cfg,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer("http-invoker"),
	}, nil
}

// SetTracer sets the tracer for the invoker.
func (h *HTTP) SetTracer(tracer trace.Tracer) {
	h.tracer = tracer
}

func (h *HTTP) Invoke(ctx context.Context, event any, ic Context) error {
	ctx, span := tracing.StartSpan(ctx, h.tracer, tracing.SpanHTTPInvoke,
		trace.WithAttributes(
			tracing.FunctionAttr(ic.FunctionName),
			tracing.InvocationAttr(ic.RequestID),
			tracing.HTTPTargetAttr(h.config.URL),
			tracing.HTTPMethodAttr(http.MethodPost),
		),
	)
	defer span.End()

	if !ic.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, ic.Deadline)
		defer cancel()
	}

	err := h.post(ctx, event, ic)
	if err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	tracing.SetSpanOK(span)
	return nil
}

// Close releases idle connections.
func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

func (h *HTTP) post(ctx context.Context, event any, ic Context) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range h.config.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Lambda-Runtime-Aws-Request-Id", ic.RequestID)
	if ic.FunctionARN != "" {
		req.Header.Set("Lambda-Runtime-Invoked-Function-Arn", ic.FunctionARN)
	}
	if !ic.Deadline.IsZero() {
		req.Header.Set("Lambda-Runtime-Deadline-Ms", fmt.Sprint(ic.Deadline.UnixMilli()))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if kind := resp.Header.Get("X-Amz-Function-Error"); kind != "" {
		fe := &FunctionError{Type: kind}
		if err := json.Unmarshal(payload, fe); err != nil || fe.Message == "" {
			fe.Message = string(payload)
		}
		return fe
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	h.logger.Debug("function invoked", "function", ic.FunctionName, "request_id", ic.RequestID, "status", resp.StatusCode)
	return nil
}

// StatusError represents an HTTP response with a non-2xx status code.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d", e.Code)
}
