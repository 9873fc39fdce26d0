// Package invoke defines how the delivery loop calls a handler function and
// waits for its outcome.
package invoke

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/google/uuid"
)

// Context carries the per-invocation values a managed runtime would expose
// to the handler.
type Context struct {
	FunctionName string
	FunctionARN  string
	RequestID    string
	Region       string
	Environment  map[string]string
	Deadline     time.Time
}

// NewContext returns a Context with a fresh request id. A zero timeout leaves
// the deadline unset.
func NewContext(function, functionARN, region string, env map[string]string, timeout time.Duration) Context {
	ic := Context{
		FunctionName: function,
		FunctionARN:  functionARN,
		RequestID:    uuid.NewString(),
		Region:       region,
		Environment:  env,
	}
	if timeout > 0 {
		ic.Deadline = time.Now().Add(timeout)
	}
	return ic
}

// Handler invokes a function with an event envelope and blocks until it
// completes. A nil error means success.
type Handler interface {
	Invoke(ctx context.Context, event any, ic Context) error
}

// Func is an in-process handler that returns a value or an error.
type Func func(ctx context.Context, event any, ic Context) (any, error)

func (f Func) Invoke(ctx context.Context, event any, ic Context) (err error) {
	ctx, cancel := withInvocation(ctx, ic)
	defer cancel()
	defer recoverPanic(&err)
	_, err = f(ctx, event, ic)
	return err
}

// CallbackFunc is an in-process handler that reports completion through done.
// Only the first call to done counts.
type CallbackFunc func(ctx context.Context, event any, ic Context, done func(result any, err error))

func (f CallbackFunc) Invoke(ctx context.Context, event any, ic Context) error {
	ctx, cancel := withInvocation(ctx, ic)
	defer cancel()

	result := make(chan error, 1)
	var once sync.Once
	finish := func(err error) {
		once.Do(func() { result <- err })
	}

	go func() {
		var err error
		defer func() {
			if err != nil {
				finish(err)
			}
		}()
		defer recoverPanic(&err)
		f(ctx, event, ic, func(_ any, err error) { finish(err) })
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("handler did not complete: %w", ctx.Err())
	}
}

// FunctionError is a failure reported by the handler itself.
type FunctionError struct {
	Type    string `json:"errorType"`
	Message string `json:"errorMessage"`
}

func (e *FunctionError) Error() string {
	if e.Type == "" {
		return "function error: " + e.Message
	}
	return fmt.Sprintf("function error %s: %s", e.Type, e.Message)
}

// withInvocation attaches the Lambda context and the invocation deadline.
func withInvocation(ctx context.Context, ic Context) (context.Context, context.CancelFunc) {
	ctx = lambdacontext.NewContext(ctx, &lambdacontext.LambdaContext{
		AwsRequestID:       ic.RequestID,
		InvokedFunctionArn: ic.FunctionARN,
	})
	if ic.Deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, ic.Deadline)
}

func recoverPanic(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
	}
}
