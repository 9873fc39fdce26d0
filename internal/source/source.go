// Package source binds event source definitions to their backends. Each
// backend package implements Discoverer and turns a Binding into the
// pipelines that read from it.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/smithy-go"
	"github.com/lsm/streamsim/internal/checkpoint"
	"github.com/lsm/streamsim/internal/delivery"
	"github.com/lsm/streamsim/internal/eventsource"
	"github.com/lsm/streamsim/internal/filter"
	"github.com/lsm/streamsim/internal/observability"
	"github.com/lsm/streamsim/internal/pipeline"
)

// DefaultPollInterval is the pause after an empty poll when a binding sets none.
const DefaultPollInterval = 500 * time.Millisecond

// ResourceNotFoundError reports that the stream, table stream, queue or
// bucket named by a definition does not exist (yet).
type ResourceNotFoundError struct {
	Kind eventsource.Kind
	Name string
	Err  error
}

func (e *ResourceNotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s resource %s not found: %v", e.Kind, e.Name, e.Err)
	}
	return fmt.Sprintf("%s resource %s not found", e.Kind, e.Name)
}

func (e *ResourceNotFoundError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is, or wraps, a *ResourceNotFoundError.
func IsNotFound(err error) bool {
	var nf *ResourceNotFoundError
	return errors.As(err, &nf)
}

// ErrorCode returns the service error code carried by err, or "".
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// Binding is one event source definition of one function, together with
// everything needed to assemble its pipelines.
type Binding struct {
	Function   string
	Definition *eventsource.Definition

	// AutoCreate creates a missing stream, queue or bucket from Properties.
	AutoCreate bool
	// Properties are the declared resource properties, if any.
	Properties map[string]any

	PollInterval time.Duration
	// WaitTimeSeconds is the SQS long-poll wait.
	WaitTimeSeconds int32
	// Endpoint replaces the host of backend-issued URLs (SQS queue URLs).
	Endpoint string

	Filter *filter.Filter
	Store  checkpoint.Store
	Gate   *pipeline.Gate
	// NewDeliverer returns the Deliverer of one partition. Every shard gets
	// its own so partitions deliver concurrently.
	NewDeliverer func(partition string) *delivery.Deliverer

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Discoverer resolves a Binding into runnable pipelines. It returns a
// *ResourceNotFoundError when the backend resource is missing.
type Discoverer interface {
	Discover(ctx context.Context, b Binding) ([]pipeline.Runner, error)
}

// Labels returns the pipeline labels of b for the given shard.
func (b Binding) Labels(shardID string) pipeline.Labels {
	return pipeline.Labels{
		Function:    b.Function,
		Source:      string(b.Definition.Kind),
		ResourceARN: b.Definition.ResourceARN,
		ShardID:     shardID,
	}
}

// PipelineOptions returns the options shared by every pipeline of b.
func (b Binding) PipelineOptions() []pipeline.Option {
	opts := []pipeline.Option{pipeline.WithLogger(b.Log())}
	if b.Metrics != nil {
		opts = append(opts, pipeline.WithMetrics(b.Metrics))
	}
	if b.PollInterval > 0 {
		opts = append(opts, pipeline.WithErrorBackoff(b.PollInterval))
	}
	return opts
}

// Interval returns the configured poll interval or the default.
func (b Binding) Interval() time.Duration {
	if b.PollInterval > 0 {
		return b.PollInterval
	}
	return DefaultPollInterval
}

// Log returns the binding logger, defaulting to slog.Default().
func (b Binding) Log() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}
