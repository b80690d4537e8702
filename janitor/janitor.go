// Package janitor recovers jobs stranded by crashed workers and lost
// transport handoffs. It scans for expired leases and resolves each one
// through the version gate: a QUEUED job whose visibility deadline passed
// is rescheduled at no retry cost (the enqueue was lost, nothing ran), a
// RUNNING job whose lease lapsed is charged one attempt (the execution may
// or may not have happened, and at-least-once means we retry anyway).
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chronoq/chronoq"
	"github.com/chronoq/chronoq/job"
	"github.com/chronoq/chronoq/lock"
	"github.com/chronoq/chronoq/partition"
)

// singletonLockKey guards the scan so only one janitor sweeps at a time.
// Advisory: two sweeping janitors waste reads but cannot double-charge a
// job, because every recovery write is version-gated.
const singletonLockKey = "janitor:sweep"

// Janitor periodically recovers jobs with expired leases.
type Janitor struct {
	store  job.Store
	locker lock.Locker
	logger *slog.Logger

	interval    time.Duration
	bucketWidth time.Duration
	batchSize   int
	lockTTL     time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithInterval sets the sweep interval.
func WithInterval(d time.Duration) Option {
	return func(j *Janitor) { j.interval = d }
}

// WithBucketWidth sets the partition bucket width used when recomputing
// the partition key of a recovered job.
func WithBucketWidth(d time.Duration) Option {
	return func(j *Janitor) { j.bucketWidth = d }
}

// WithBatchSize sets how many expired leases are recovered per sweep.
func WithBatchSize(n int) Option {
	return func(j *Janitor) { j.batchSize = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Janitor) { j.logger = l }
}

// New creates a Janitor. The locker is optional; without one every node
// sweeps independently, which is safe but redundant.
func New(store job.Store, locker lock.Locker, opts ...Option) *Janitor {
	j := &Janitor{
		store:       store,
		locker:      locker,
		logger:      slog.Default(),
		interval:    10 * time.Second,
		bucketWidth: partition.DefaultBucketWidth,
		batchSize:   100,
		lockTTL:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start launches the sweep loop. It returns immediately.
func (j *Janitor) Start(_ context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}
	j.running = true
	j.stopCh = make(chan struct{})

	j.logger.Info("janitor starting", slog.Duration("interval", j.interval))

	j.wg.Add(1)
	go j.sweepLoop()
	return nil
}

// Stop halts the sweep loop and waits for the in-flight sweep to finish.
func (j *Janitor) Stop(_ context.Context) error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = false
	j.mu.Unlock()

	close(j.stopCh)
	j.wg.Wait()
	j.logger.Info("janitor stopped")
	return nil
}

func (j *Janitor) sweepLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), j.interval*4)
			j.Sweep(ctx)
			cancel()
		}
	}
}

// Sweep runs one recovery pass. Exported so operators can trigger recovery
// out of cycle.
func (j *Janitor) Sweep(ctx context.Context) {
	if j.locker != nil {
		acquired, err := j.locker.TryAcquire(ctx, singletonLockKey, j.lockTTL)
		if err != nil {
			j.logger.Warn("janitor lock acquire failed", slog.String("error", err.Error()))
			return
		}
		if !acquired {
			return
		}
		defer func() {
			relErr := j.locker.Release(ctx, singletonLockKey)
			if relErr != nil && !errors.Is(relErr, chronoq.ErrLockNotHeld) {
				j.logger.Warn("janitor lock release failed", slog.String("error", relErr.Error()))
			}
		}()
	}

	for {
		now := time.Now().UTC()
		expired, err := j.store.ExpiredLeases(ctx, now, j.batchSize)
		if err != nil {
			j.logger.Error("expired lease scan failed", slog.String("error", err.Error()))
			return
		}
		if len(expired) == 0 {
			return
		}

		for _, stale := range expired {
			j.recover(ctx, stale, now)
		}

		if len(expired) < j.batchSize {
			return
		}
	}
}

// recover resolves one expired lease through the version gate.
func (j *Janitor) recover(ctx context.Context, stale *job.Job, now time.Time) {
	rec := stale.Clone()
	key := partition.KeyFor(now, j.bucketWidth)

	var outcome job.Status
	switch stale.Status {
	case job.StatusQueued:
		// The handoff was lost before any worker ran the task, so the
		// retry budget is untouched.
		rec.Reschedule(now, key)
		outcome = job.StatusScheduled
	case job.StatusRunning:
		outcome = rec.RecordFailure(now, now, key, "lease expired")
	default:
		// Terminal or rescheduled since the scan read it; the version gate
		// below would reject the write anyway.
		return
	}

	if _, err := j.store.UpdateJob(ctx, rec, stale.Version); err != nil {
		if errors.Is(err, chronoq.ErrVersionConflict) {
			// The worker finished (or renewed) between scan and write.
			return
		}
		j.logger.Error("lease recovery failed",
			slog.String("job_id", stale.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	j.logger.Info("recovered expired lease",
		slog.String("job_id", stale.ID.String()),
		slog.String("was", string(stale.Status)),
		slog.String("now", string(outcome)),
		slog.Int("attempt_count", rec.AttemptCount),
	)
}
