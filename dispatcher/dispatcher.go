// Package dispatcher moves due jobs from the store onto the transport.
//
// Each poll cycle the dispatcher derives the live node set, builds the
// partition ring, and drains the due jobs of every partition it owns. The
// QUEUED transition goes through the version gate, so overlapping ownership
// (ring churn, expired locks, slow cycles) costs duplicate reads but never
// duplicate enqueues of the same job version.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chronoq/chronoq"
	"github.com/chronoq/chronoq/id"
	"github.com/chronoq/chronoq/job"
	"github.com/chronoq/chronoq/lock"
	"github.com/chronoq/chronoq/partition"
	"github.com/chronoq/chronoq/transport"
)

// MembershipView is the slice of cluster membership the dispatcher needs:
// its own identity and the live node set the ring is built from.
type MembershipView interface {
	NodeID() id.DispatcherID
	ActiveNodeIDs(ctx context.Context) ([]string, error)
}

// Dispatcher polls owned partitions for due jobs and hands them to the
// transport.
type Dispatcher struct {
	store      job.Store
	transport  transport.Transport
	membership MembershipView
	locker     lock.Locker
	logger     *slog.Logger

	pollInterval time.Duration
	bucketWidth  time.Duration
	lookback     time.Duration
	queuedTTL    time.Duration
	lockTTL      time.Duration
	batchSize    int
	limiter      *rate.Limiter

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPollInterval sets how often the dispatcher scans its partitions.
func WithPollInterval(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.pollInterval = d }
}

// WithBucketWidth sets the partition bucket width.
func WithBucketWidth(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.bucketWidth = d }
}

// WithLookback sets how far back past buckets are polled for stragglers.
func WithLookback(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.lookback = d }
}

// WithQueuedTTL sets the visibility deadline stamped on QUEUED jobs. If a
// worker has not claimed the job by then, the janitor reschedules it, so
// the TTL bounds how long a lost transport enqueue stays invisible.
func WithQueuedTTL(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.queuedTTL = d }
}

// WithLockTTL sets the TTL of per-partition advisory locks.
func WithLockTTL(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.lockTTL = d }
}

// WithBatchSize sets how many due jobs are fetched per store read.
func WithBatchSize(n int) Option {
	return func(dp *Dispatcher) { dp.batchSize = n }
}

// WithEnqueueRate caps transport enqueues per second across all partitions
// this node drains. Zero or negative disables the cap.
func WithEnqueueRate(perSecond float64, burst int) Option {
	return func(dp *Dispatcher) {
		if perSecond <= 0 {
			dp.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		dp.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(dp *Dispatcher) { dp.logger = l }
}

// New creates a Dispatcher.
func New(store job.Store, tr transport.Transport, membership MembershipView, locker lock.Locker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		transport:    tr,
		membership:   membership,
		locker:       locker,
		logger:       slog.Default(),
		pollInterval: time.Second,
		bucketWidth:  partition.DefaultBucketWidth,
		lookback:     partition.DefaultBucketWidth,
		queuedTTL:    time.Minute,
		lockTTL:      30 * time.Second,
		batchSize:    100,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the poll loop. It returns immediately.
func (d *Dispatcher) Start(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	d.running = true
	d.stopCh = make(chan struct{})

	d.logger.Info("dispatcher starting",
		slog.String("node_id", d.membership.NodeID().String()),
		slog.Duration("poll_interval", d.pollInterval),
		slog.Duration("bucket_width", d.bucketWidth),
	)

	d.wg.Add(1)
	go d.pollLoop()
	return nil
}

// Stop halts the poll loop and waits for the in-flight cycle to finish.
func (d *Dispatcher) Stop(_ context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	close(d.stopCh)
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
	return nil
}

func (d *Dispatcher) pollLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), d.pollInterval*4)
			d.pollOnce(ctx)
			cancel()
		}
	}
}

// pollOnce runs one dispatch cycle: rebuild the ring, walk the partition
// window, drain owned partitions.
func (d *Dispatcher) pollOnce(ctx context.Context) {
	nodes, err := d.membership.ActiveNodeIDs(ctx)
	if err != nil {
		d.logger.Error("list active nodes", slog.String("error", err.Error()))
		return
	}

	ring := partition.NewRing(nodes)
	if ring.Empty() {
		return
	}

	self := d.membership.NodeID().String()
	now := time.Now().UTC()

	for _, key := range partition.Window(now, d.bucketWidth, d.lookback) {
		select {
		case <-d.stopCh:
			return
		default:
		}

		if !ring.Owns(self, key) {
			continue
		}
		d.drainPartition(ctx, key, now)
	}
}

// drainPartition dispatches every due job of one partition under its
// advisory lock. Losing the lock race just means another node is draining
// the same bucket; skipping is the cheap and correct response.
func (d *Dispatcher) drainPartition(ctx context.Context, key string, now time.Time) {
	acquired, err := d.locker.TryAcquire(ctx, "partition:"+key, d.lockTTL)
	if err != nil {
		d.logger.Warn("partition lock acquire failed",
			slog.String("partition", key),
			slog.String("error", err.Error()),
		)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		relErr := d.locker.Release(ctx, "partition:"+key)
		if relErr != nil && !errors.Is(relErr, chronoq.ErrLockNotHeld) {
			d.logger.Warn("partition lock release failed",
				slog.String("partition", key),
				slog.String("error", relErr.Error()),
			)
		}
	}()

	for {
		due, err := d.store.DueJobs(ctx, key, now, d.batchSize)
		if err != nil {
			d.logger.Error("due jobs scan failed",
				slog.String("partition", key),
				slog.String("error", err.Error()),
			)
			return
		}
		if len(due) == 0 {
			return
		}

		dispatched := 0
		for _, j := range due {
			if d.dispatch(ctx, j) {
				dispatched++
			}
		}

		d.logger.Debug("partition drained",
			slog.String("partition", key),
			slog.Int("due", len(due)),
			slog.Int("dispatched", dispatched),
		)

		// A short batch means the partition is exhausted. A full batch may
		// hide more due jobs behind the limit, so scan again.
		if len(due) < d.batchSize {
			return
		}

		// A large backlog can outlive the lock TTL; extend it before the
		// next scan. A renewal that comes back false means the lock lapsed
		// and another node may already be draining this bucket, so stop and
		// let the version gate arbitrate whatever overlapped.
		renewed, err := d.locker.Renew(ctx, "partition:"+key, d.lockTTL)
		if err != nil {
			d.logger.Warn("partition lock renew failed",
				slog.String("partition", key),
				slog.String("error", err.Error()),
			)
			return
		}
		if !renewed {
			d.logger.Warn("partition lock lost mid-drain",
				slog.String("partition", key),
			)
			return
		}
	}
}

// dispatch moves one job SCHEDULED → QUEUED and enqueues it. It reports
// whether this node performed the transition.
func (d *Dispatcher) dispatch(ctx context.Context, j *job.Job) bool {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return false
		}
	}

	now := time.Now().UTC()
	queued := j.Clone()
	queued.MarkQueued(now, d.queuedTTL)

	if _, err := d.store.UpdateJob(ctx, queued, j.Version); err != nil {
		if errors.Is(err, chronoq.ErrVersionConflict) {
			// Another dispatcher queued it, or the job moved on. Normal.
			return false
		}
		d.logger.Error("queue transition failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return false
	}

	if err := d.enqueueWithRetry(ctx, j.ID); err != nil {
		// The record is QUEUED but the transport never took it. The stamped
		// visibility deadline hands recovery to the janitor.
		d.logger.Error("transport enqueue failed, janitor will recover",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return false
	}

	d.logger.Info("job dispatched",
		slog.String("job_id", j.ID.String()),
		slog.String("partition", j.PartitionKey),
	)
	return true
}

// enqueueWithRetry retries transient transport failures with a short
// bounded backoff before giving up.
func (d *Dispatcher) enqueueWithRetry(ctx context.Context, jobID id.JobID) error {
	var err error
	for attempt := range 3 {
		if err = d.transport.Enqueue(ctx, jobID); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return err
}
