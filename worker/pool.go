package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chronoq/chronoq"
	"github.com/chronoq/chronoq/backoff"
	"github.com/chronoq/chronoq/cron"
	"github.com/chronoq/chronoq/id"
	"github.com/chronoq/chronoq/job"
	"github.com/chronoq/chronoq/partition"
	"github.com/chronoq/chronoq/transport"
)

// Pool manages a set of concurrent worker goroutines that consume
// deliveries from the transport, claim execution leases through the
// version gate, and record outcomes.
//
// Duplicate deliveries are expected: the transport is at-least-once, so the
// pool treats "lost the lease race" as a normal outcome and simply
// acknowledges the delivery.
type Pool struct {
	store     job.Store
	transport transport.Transport
	executor  *Executor
	workerID  id.WorkerID
	logger    *slog.Logger

	concurrency       int
	leaseTTL          time.Duration
	heartbeatInterval time.Duration
	bucketWidth       time.Duration
	defaultBackoff    backoff.Strategy

	baseCtx  context.Context
	baseStop context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithLeaseTTL sets how long an execution lease lasts before the janitor
// may recover the job.
func WithLeaseTTL(d time.Duration) PoolOption {
	return func(p *Pool) { p.leaseTTL = d }
}

// WithHeartbeatInterval sets how often a running execution renews its
// lease. A zero value disables heartbeats; the lease then only lasts its
// initial TTL.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithBucketWidth sets the partition bucket width used when computing the
// partition key of a rescheduled run. It must match the dispatcher's
// bucket width or rescheduled jobs land in buckets nobody polls.
func WithBucketWidth(d time.Duration) PoolOption {
	return func(p *Pool) { p.bucketWidth = d }
}

// WithDefaultBackoff sets the fallback retry strategy for jobs whose
// retry policy names none.
func WithDefaultBackoff(s backoff.Strategy) PoolOption {
	return func(p *Pool) { p.defaultBackoff = s }
}

// WithPoolLogger sets the logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates a worker pool.
func NewPool(store job.Store, tr transport.Transport, executor *Executor, opts ...PoolOption) *Pool {
	p := &Pool{
		store:             store,
		transport:         tr,
		executor:          executor,
		workerID:          id.NewWorkerID(),
		logger:            slog.Default(),
		concurrency:       4,
		leaseTTL:          30 * time.Second,
		heartbeatInterval: 10 * time.Second,
		bucketWidth:       partition.DefaultBucketWidth,
		defaultBackoff:    backoff.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.baseCtx, p.baseStop = context.WithCancel(context.Background())

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Duration("lease_ttl", p.leaseTTL),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.consumeLoop()
	}
	return nil
}

// Stop signals all workers to stop and waits for them to finish. Running
// executions are cancelled; their jobs stay leased and the janitor recovers
// them after the lease TTL.
func (p *Pool) Stop(_ context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))
	p.baseStop()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

// consumeLoop is run by each worker goroutine.
func (p *Pool) consumeLoop() {
	defer p.wg.Done()

	for {
		d, err := p.transport.Dequeue(p.baseCtx)
		if err != nil {
			if p.baseCtx.Err() != nil {
				return
			}
			p.logger.Error("dequeue error", slog.String("error", err.Error()))
			select {
			case <-p.baseCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.process(d)
	}
}

// process claims the lease for a delivered job and runs it. Every exit path
// settles the delivery: Ack when the record has moved on (including races
// we lost), Nack only for transient store trouble.
func (p *Pool) process(d *transport.Delivery) {
	ctx := p.baseCtx

	cur, err := p.store.GetJob(ctx, d.JobID)
	if err != nil {
		if errors.Is(err, chronoq.ErrJobNotFound) {
			p.ack(ctx, d)
			return
		}
		p.logger.Error("load delivered job",
			slog.String("job_id", d.JobID.String()),
			slog.String("error", err.Error()),
		)
		p.nack(ctx, d)
		return
	}

	// Duplicate or stale delivery: the record already left QUEUED.
	if cur.Status != job.StatusQueued {
		p.ack(ctx, d)
		return
	}

	now := time.Now().UTC()
	leased := cur.Clone()
	leased.AcquireLease(p.workerID, now, p.leaseTTL)

	stored, err := p.store.UpdateJob(ctx, leased, cur.Version)
	if err != nil {
		if errors.Is(err, chronoq.ErrVersionConflict) {
			// Another worker (or the janitor) got there first.
			p.ack(ctx, d)
			return
		}
		p.logger.Error("acquire lease",
			slog.String("job_id", cur.ID.String()),
			slog.String("error", err.Error()),
		)
		p.nack(ctx, d)
		return
	}

	p.run(ctx, stored, d)
}

// leaseState tracks the current stored record across heartbeat renewals so
// the finalizing update carries the right expected version.
type leaseState struct {
	mu   sync.Mutex
	job  *job.Job
	lost bool
}

func (l *leaseState) current() *job.Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.job
}

func (l *leaseState) set(j *job.Job) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.job = j
}

func (l *leaseState) markLost() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lost = true
}

func (l *leaseState) isLost() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost
}

// run executes a leased job with a heartbeat goroutine tied to the
// execution's lifetime, then records the outcome.
func (p *Pool) run(ctx context.Context, j *job.Job, d *transport.Delivery) {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lease := &leaseState{job: j}
	hbDone := make(chan struct{})
	if p.heartbeatInterval > 0 {
		go p.renewLoop(ctx, execCtx, cancel, lease, hbDone)
	} else {
		close(hbDone)
	}

	statusCode, execErr := p.executor.Execute(execCtx, j.Clone())

	cancel()
	<-hbDone

	if lease.isLost() {
		// The version gate says someone else owns this job now. Whatever
		// our endpoint call did, recording an outcome would clobber them.
		p.logger.Warn("lease lost during execution, abandoning outcome",
			slog.String("job_id", j.ID.String()),
			slog.String("worker_id", p.workerID.String()),
		)
		p.ack(ctx, d)
		return
	}

	p.finalize(ctx, lease.current(), d, statusCode, execErr)
}

// renewLoop extends the lease while the execution runs. A version conflict
// on renewal means the lease was taken away; the execution context is then
// cancelled so the handler stops as soon as it observes ctx.
func (p *Pool) renewLoop(ctx, execCtx context.Context, cancel context.CancelFunc, lease *leaseState, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-execCtx.Done():
			return
		case <-ticker.C:
			cur := lease.current()
			cp := cur.Clone()
			cp.ExtendLease(time.Now().UTC(), p.leaseTTL)

			stored, err := p.store.UpdateJob(ctx, cp, cur.Version)
			if err != nil {
				if errors.Is(err, chronoq.ErrVersionConflict) {
					lease.markLost()
					cancel()
					return
				}
				// Transient store trouble; the lease may still hold, so
				// keep trying until the TTL decides.
				p.logger.Warn("lease renewal failed",
					slog.String("job_id", cur.ID.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			lease.set(stored)
		}
	}
}

// finalize records the execution outcome through the version gate and
// settles the delivery.
func (p *Pool) finalize(ctx context.Context, cur *job.Job, d *transport.Delivery, statusCode int, execErr error) {
	now := time.Now().UTC()
	fin := cur.Clone()

	switch {
	case execErr == nil:
		p.finalizeSuccess(fin, now, statusCode)
	default:
		var unretryable *UnretryableError
		if errors.As(execErr, &unretryable) {
			fin.Fail(now, execErr.Error(), statusCode)
		} else {
			strategy := backoff.Resolve(fin.RetryPolicy, p.defaultBackoff)
			delay := strategy.Delay(fin.AttemptCount + 1)
			nextRun := now.Add(delay)
			fin.LastStatusCode = statusCode
			fin.RecordFailure(now, nextRun, partition.KeyFor(nextRun, p.bucketWidth), execErr.Error())
		}
	}

	if _, err := p.store.UpdateJob(ctx, fin, cur.Version); err != nil {
		if errors.Is(err, chronoq.ErrVersionConflict) {
			p.logger.Warn("finalize lost to concurrent writer",
				slog.String("job_id", cur.ID.String()),
			)
		} else {
			p.logger.Error("finalize update failed",
				slog.String("job_id", cur.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	} else {
		p.logger.Info("job finalized",
			slog.String("job_id", cur.ID.String()),
			slog.String("status", string(fin.Status)),
			slog.Int("attempt_count", fin.AttemptCount),
			slog.Int("status_code", statusCode),
		)
	}

	p.ack(ctx, d)
}

// finalizeSuccess completes an ad-hoc job or lines a cron job up for its
// next occurrence with a fresh retry budget.
func (p *Pool) finalizeSuccess(fin *job.Job, now time.Time, statusCode int) {
	if fin.Kind != job.KindCron || fin.CronExpr == "" {
		fin.Complete(now, statusCode)
		return
	}

	next, err := cron.NextAfter(fin.CronExpr, now)
	if err != nil {
		// The expression was validated at creation; reaching this means the
		// record was corrupted. Completing the run is the safe end state.
		p.logger.Error("cron next-fire computation failed",
			slog.String("job_id", fin.ID.String()),
			slog.String("cron_expr", fin.CronExpr),
			slog.String("error", err.Error()),
		)
		fin.Complete(now, statusCode)
		return
	}
	fin.RescheduleCron(now, next, partition.KeyFor(next, p.bucketWidth), statusCode)
}

func (p *Pool) ack(ctx context.Context, d *transport.Delivery) {
	if err := d.Ack(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("ack failed", slog.String("job_id", d.JobID.String()), slog.String("error", err.Error()))
	}
}

func (p *Pool) nack(ctx context.Context, d *transport.Delivery) {
	if err := d.Nack(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("nack failed", slog.String("job_id", d.JobID.String()), slog.String("error", err.Error()))
	}
}
