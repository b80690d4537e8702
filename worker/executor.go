// Package worker provides the task execution engine — an Executor that
// invokes the job's HTTP endpoint through middleware, and a Pool that
// consumes transport deliveries, holds execution leases, and records
// outcomes through version-gated store updates.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/chronoq/chronoq/job"
	"github.com/chronoq/chronoq/middleware"
)

// UnretryableError marks a task failure that must not consume retry budget:
// the endpoint rejected the request permanently, so repeating it would
// produce the same rejection.
type UnretryableError struct {
	StatusCode int
	Reason     string
}

// Error implements the error interface.
func (e *UnretryableError) Error() string {
	return fmt.Sprintf("unretryable: %s (status %d)", e.Reason, e.StatusCode)
}

// Executor invokes a job's task endpoint through the middleware chain and
// classifies the outcome as success, retryable failure, or unretryable
// failure.
type Executor struct {
	client *http.Client
	mw     middleware.Middleware
	logger *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithHTTPClient sets the HTTP client used to invoke task endpoints.
func WithHTTPClient(c *http.Client) ExecutorOption {
	return func(e *Executor) { e.client = c }
}

// WithMiddleware sets the middleware chain applied around each invocation.
func WithMiddleware(mws ...middleware.Middleware) ExecutorOption {
	return func(e *Executor) { e.mw = middleware.Chain(mws...) }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		client: &http.Client{Timeout: 30 * time.Second},
		mw:     middleware.Chain(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute invokes the job's task endpoint once and returns the response
// status code together with the classified outcome. A nil error means the
// endpoint accepted the work (2xx). Network errors and 408/429/5xx come
// back as plain errors (retryable); other 4xx responses come back as
// *UnretryableError. The status code is zero when no response was received.
func (e *Executor) Execute(ctx context.Context, j *job.Job) (int, error) {
	var statusCode int

	terminal := func(ctx context.Context) error {
		code, err := e.invoke(ctx, j)
		statusCode = code
		return err
	}

	err := e.mw(ctx, j, terminal)
	return statusCode, err
}

func (e *Executor) invoke(ctx context.Context, j *job.Job) (int, error) {
	method := j.Task.Method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if len(j.Task.Body) > 0 {
		body = bytes.NewReader(j.Task.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, j.Task.URL, body)
	if err != nil {
		return 0, &UnretryableError{Reason: fmt.Sprintf("build request: %v", err)}
	}
	for k, v := range j.Task.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("invoke %s %s: %w", method, j.Task.URL, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	return resp.StatusCode, classifyStatus(resp.StatusCode)
}

// classifyStatus maps an HTTP response code to an execution outcome. 2xx is
// success. 408 and 429 are transient by definition; 5xx is the endpoint's
// problem and worth retrying. Every other 4xx means the request itself is
// bad and retrying cannot fix it.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return fmt.Errorf("endpoint returned %d", code)
	case code >= 500:
		return fmt.Errorf("endpoint returned %d", code)
	default:
		return &UnretryableError{StatusCode: code, Reason: fmt.Sprintf("endpoint returned %d", code)}
	}
}
