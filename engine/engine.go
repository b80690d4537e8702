package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/chronoq/chronoq"
	"github.com/chronoq/chronoq/backoff"
	"github.com/chronoq/chronoq/cluster"
	"github.com/chronoq/chronoq/cron"
	"github.com/chronoq/chronoq/dispatcher"
	"github.com/chronoq/chronoq/id"
	"github.com/chronoq/chronoq/janitor"
	"github.com/chronoq/chronoq/job"
	"github.com/chronoq/chronoq/lock"
	mw "github.com/chronoq/chronoq/middleware"
	"github.com/chronoq/chronoq/partition"
	"github.com/chronoq/chronoq/store"
	"github.com/chronoq/chronoq/transport"
	"github.com/chronoq/chronoq/worker"
)

// instrumentationName is the OTel scope used for engine-built middleware.
const instrumentationName = "github.com/chronoq/chronoq"

// LockerFactory builds a Locker bound to the given owner. Each engine
// component gets its own owner so lock reentrancy stays per-component.
type LockerFactory func(owner string) lock.Locker

// Engine runs the scheduler roles of one node.
type Engine struct {
	store     store.Store
	transport transport.Transport
	lockers   LockerFactory
	logger    *slog.Logger
	nodeID    id.DispatcherID

	concurrency       int
	leaseTTL          time.Duration
	queuedTTL         time.Duration
	heartbeatInterval time.Duration
	pollInterval      time.Duration
	bucketWidth       time.Duration
	lookback          time.Duration
	janitorInterval   time.Duration
	taskTimeout       time.Duration
	enqueueRate       float64
	enqueueBurst      int
	bo                backoff.Strategy
	mws               []mw.Middleware
	httpClient        *http.Client

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	membership *cluster.Membership
	dispatcher *dispatcher.Dispatcher
	pool       *worker.Pool
	janitor    *janitor.Janitor
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the composite store. Required.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithTransport sets the job handoff transport. Required.
func WithTransport(t transport.Transport) Option {
	return func(e *Engine) { e.transport = t }
}

// WithLockerFactory sets how per-component advisory lockers are built.
// Defaults to an in-process registry, which is only correct for
// single-node deployments.
func WithLockerFactory(f LockerFactory) Option {
	return func(e *Engine) { e.lockers = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithConcurrency sets the number of concurrent task executions.
func WithConcurrency(n int) Option {
	return func(e *Engine) { e.concurrency = n }
}

// WithLeaseTTL sets the execution lease duration.
func WithLeaseTTL(d time.Duration) Option {
	return func(e *Engine) { e.leaseTTL = d }
}

// WithQueuedTTL sets how long a QUEUED job may sit unclaimed before the
// janitor reschedules it.
func WithQueuedTTL(d time.Duration) Option {
	return func(e *Engine) { e.queuedTTL = d }
}

// WithHeartbeatInterval sets how often running executions renew leases.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(e *Engine) { e.heartbeatInterval = d }
}

// WithPollInterval sets the dispatcher poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

// WithBucketWidth sets the partition bucket width shared by every
// component that computes partition keys.
func WithBucketWidth(d time.Duration) Option {
	return func(e *Engine) { e.bucketWidth = d }
}

// WithLookback sets how far back the dispatcher polls past buckets.
func WithLookback(d time.Duration) Option {
	return func(e *Engine) { e.lookback = d }
}

// WithJanitorInterval sets the lease recovery sweep interval.
func WithJanitorInterval(d time.Duration) Option {
	return func(e *Engine) { e.janitorInterval = d }
}

// WithTaskTimeout caps how long a single endpoint invocation may run.
func WithTaskTimeout(d time.Duration) Option {
	return func(e *Engine) { e.taskTimeout = d }
}

// WithEnqueueRate caps dispatcher enqueues per second. Zero disables.
func WithEnqueueRate(perSecond float64, burst int) Option {
	return func(e *Engine) {
		e.enqueueRate = perSecond
		e.enqueueBurst = burst
	}
}

// WithBackoff sets the default retry strategy for jobs whose retry policy
// names none.
func WithBackoff(b backoff.Strategy) Option {
	return func(e *Engine) { e.bo = b }
}

// WithMiddleware appends middleware to the execution chain after the
// default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m) }
}

// WithHTTPClient sets the HTTP client used to invoke task endpoints.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpClient = c }
}

// WithTracerProvider sets a custom OTel TracerProvider. When set, the
// tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, the
// metrics middleware uses this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// New creates an Engine and wires its components. The returned engine is
// idle until Start.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		logger:            slog.Default(),
		nodeID:            id.NewDispatcherID(),
		concurrency:       4,
		leaseTTL:          30 * time.Second,
		queuedTTL:         time.Minute,
		heartbeatInterval: 10 * time.Second,
		pollInterval:      time.Second,
		bucketWidth:       partition.DefaultBucketWidth,
		lookback:          partition.DefaultBucketWidth,
		janitorInterval:   10 * time.Second,
		taskTimeout:       30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.store == nil {
		return nil, chronoq.ErrNoStore
	}
	if e.transport == nil {
		return nil, chronoq.ErrNoTransport
	}
	if e.lockers == nil {
		registry := lock.NewMemoryRegistry()
		e.lockers = registry.Locker
	}
	if e.bo == nil {
		e.bo = backoff.Default()
	}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if e.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(e.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if e.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(e.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	allMws := []mw.Middleware{
		mw.Recover(e.logger),
		tracingMw,
		metricsMw,
		mw.Logging(e.logger),
		mw.Timeout(e.taskTimeout),
	}
	allMws = append(allMws, e.mws...)

	execOpts := []worker.ExecutorOption{
		worker.WithExecutorLogger(e.logger),
		worker.WithMiddleware(allMws...),
	}
	if e.httpClient != nil {
		execOpts = append(execOpts, worker.WithHTTPClient(e.httpClient))
	}
	executor := worker.NewExecutor(execOpts...)

	e.membership = cluster.NewMembership(e.store, e.nodeID,
		cluster.WithLogger(e.logger),
	)

	e.pool = worker.NewPool(e.store, e.transport, executor,
		worker.WithPoolConcurrency(e.concurrency),
		worker.WithLeaseTTL(e.leaseTTL),
		worker.WithHeartbeatInterval(e.heartbeatInterval),
		worker.WithBucketWidth(e.bucketWidth),
		worker.WithDefaultBackoff(e.bo),
		worker.WithPoolLogger(e.logger),
	)

	e.dispatcher = dispatcher.New(e.store, e.transport, e.membership,
		e.lockers("dispatcher:"+e.nodeID.String()),
		dispatcher.WithPollInterval(e.pollInterval),
		dispatcher.WithBucketWidth(e.bucketWidth),
		dispatcher.WithLookback(e.lookback),
		dispatcher.WithQueuedTTL(e.queuedTTL),
		dispatcher.WithEnqueueRate(e.enqueueRate, e.enqueueBurst),
		dispatcher.WithLogger(e.logger),
	)

	e.janitor = janitor.New(e.store,
		e.lockers("janitor:"+e.nodeID.String()),
		janitor.WithInterval(e.janitorInterval),
		janitor.WithBucketWidth(e.bucketWidth),
		janitor.WithLogger(e.logger),
	)

	return e, nil
}

// NodeID returns this engine's dispatcher node identity.
func (e *Engine) NodeID() id.DispatcherID { return e.nodeID }

// WorkerID returns this engine's worker pool identity.
func (e *Engine) WorkerID() id.WorkerID { return e.pool.WorkerID() }

// Store returns the engine's composite store.
func (e *Engine) Store() store.Store { return e.store }

// Start brings up membership, dispatcher, worker pool, and janitor.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return fmt.Errorf("chronoq/engine: migrate store: %w", err)
	}
	if err := e.membership.Start(ctx); err != nil {
		return fmt.Errorf("chronoq/engine: start membership: %w", err)
	}
	if err := e.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("chronoq/engine: start dispatcher: %w", err)
	}
	if err := e.pool.Start(ctx); err != nil {
		return fmt.Errorf("chronoq/engine: start worker pool: %w", err)
	}
	if err := e.janitor.Start(ctx); err != nil {
		return fmt.Errorf("chronoq/engine: start janitor: %w", err)
	}

	e.logger.Info("engine started",
		slog.String("node_id", e.nodeID.String()),
		slog.String("worker_id", e.pool.WorkerID().String()),
	)
	return nil
}

// Stop shuts the roles down in reverse order: stop claiming new work
// first, then drop out of the cluster.
func (e *Engine) Stop(ctx context.Context) error {
	if err := e.janitor.Stop(ctx); err != nil {
		e.logger.Error("janitor stop error", slog.String("error", err.Error()))
	}
	if err := e.dispatcher.Stop(ctx); err != nil {
		e.logger.Error("dispatcher stop error", slog.String("error", err.Error()))
	}
	if err := e.pool.Stop(ctx); err != nil {
		e.logger.Error("worker pool stop error", slog.String("error", err.Error()))
	}
	if err := e.membership.Stop(ctx); err != nil {
		e.logger.Error("membership stop error", slog.String("error", err.Error()))
	}

	e.logger.Info("engine stopped", slog.String("node_id", e.nodeID.String()))
	return nil
}

// ──────────────────────────────────────────────────
// Job submission and queries
// ──────────────────────────────────────────────────

// JobRequest describes a job to create.
type JobRequest struct {
	// IdempotencyKey deduplicates submissions. Empty disables dedupe.
	IdempotencyKey string
	// Kind defaults to ad_hoc.
	Kind job.Kind
	// CronExpr is required for cron jobs and forbidden for ad-hoc ones.
	CronExpr string
	// ExecutionTime is when the job should fire. Zero means now for
	// ad-hoc jobs and "first occurrence from now" for cron jobs.
	ExecutionTime time.Time
	// Task is the HTTP endpoint to invoke.
	Task job.Task
	// RetryPolicy bounds retries. The zero value means no retries with
	// the engine's default backoff.
	RetryPolicy job.RetryPolicy
}

// CreateJob validates and persists a new job. On an idempotency key replay
// it returns the previously created job together with
// chronoq.ErrDuplicateIdempotencyKey; callers that treat replays as
// success can test for that sentinel.
func (e *Engine) CreateJob(ctx context.Context, req JobRequest) (*job.Job, error) {
	kind := req.Kind
	if kind == "" {
		kind = job.KindAdHoc
	}

	if err := validateTask(req.Task); err != nil {
		return nil, err
	}
	if req.RetryPolicy.MaxRetries < 0 {
		return nil, fmt.Errorf("chronoq/engine: negative max_retries")
	}

	now := time.Now().UTC()
	var execTime time.Time

	switch kind {
	case job.KindAdHoc:
		if req.CronExpr != "" {
			return nil, fmt.Errorf("chronoq/engine: cron_expr set on ad_hoc job")
		}
		execTime = req.ExecutionTime
		if execTime.IsZero() {
			execTime = now
		}
	case job.KindCron:
		sched, err := cron.Parse(req.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("chronoq/engine: %w", err)
		}
		start := req.ExecutionTime
		if start.IsZero() || start.Before(now) {
			start = now
		}
		execTime = sched.First(start)
	default:
		return nil, fmt.Errorf("chronoq/engine: unknown job kind %q", kind)
	}

	j := &job.Job{
		ID:             id.NewJobID(),
		IdempotencyKey: req.IdempotencyKey,
		Kind:           kind,
		CronExpr:       req.CronExpr,
		PartitionKey:   partition.KeyFor(execTime, e.bucketWidth),
		ExecutionTime:  execTime.UTC(),
		Status:         job.StatusScheduled,
		Task:           req.Task,
		RetryPolicy:    req.RetryPolicy,
	}

	created, err := e.store.CreateJob(ctx, j)
	if err != nil {
		// Replays surface the stored record alongside the sentinel.
		return created, err
	}

	e.logger.Info("job created",
		slog.String("job_id", created.ID.String()),
		slog.String("kind", string(created.Kind)),
		slog.Time("execution_time", created.ExecutionTime),
		slog.String("partition", created.PartitionKey),
	)
	return created, nil
}

// GetJob retrieves a job by ID.
func (e *Engine) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return e.store.GetJob(ctx, jobID)
}

// ListJobs returns jobs matching the options, newest first.
func (e *Engine) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	return e.store.ListJobs(ctx, opts)
}

// CountJobs returns the number of jobs matching the options.
func (e *Engine) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	return e.store.CountJobs(ctx, opts)
}

func validateTask(t job.Task) error {
	if t.URL == "" {
		return fmt.Errorf("chronoq/engine: task url required")
	}
	u, err := url.Parse(t.URL)
	if err != nil {
		return fmt.Errorf("chronoq/engine: invalid task url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("chronoq/engine: task url scheme %q not supported", u.Scheme)
	}
	if t.Method != "" {
		switch strings.ToUpper(t.Method) {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return fmt.Errorf("chronoq/engine: task method %q not supported", t.Method)
		}
	}
	return nil
}
