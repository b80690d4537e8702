package worker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chronoq/chronoq"
	"github.com/chronoq/chronoq/id"
	"github.com/chronoq/chronoq/job"
	"github.com/chronoq/chronoq/store/memory"
	"github.com/chronoq/chronoq/transport"
	"github.com/chronoq/chronoq/worker"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// enqueueTestJob creates a job, moves it to QUEUED the way a dispatcher
// would, and hands it to the transport.
func enqueueTestJob(t *testing.T, s *memory.Store, tr transport.Transport, j *job.Job) id.JobID {
	t.Helper()
	ctx := context.Background()

	created, err := s.CreateJob(ctx, j)
	if err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}

	queued := created.Clone()
	queued.MarkQueued(time.Now().UTC(), 30*time.Second)
	if _, err := s.UpdateJob(ctx, queued, created.Version); err != nil {
		t.Fatalf("UpdateJob error: %v", err)
	}

	if err := tr.Enqueue(ctx, created.ID); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	return created.ID
}

func waitForStatus(t *testing.T, s *memory.Store, jobID id.JobID, want job.Status) *job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last *job.Job
	for time.Now().Before(deadline) {
		j, err := s.GetJob(context.Background(), jobID)
		if err == nil {
			last = j
			if j.Status == want {
				return j
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if last != nil {
		t.Fatalf("job never reached %s, last status %s (attempts=%d, last_error=%q)",
			want, last.Status, last.AttemptCount, last.LastError)
	} else {
		t.Fatalf("job never reached %s", want)
	}
	return nil
}

func startPool(t *testing.T, s *memory.Store, tr transport.Transport, opts ...worker.PoolOption) *worker.Pool {
	t.Helper()
	base := []worker.PoolOption{
		worker.WithPoolConcurrency(1),
		worker.WithLeaseTTL(5 * time.Second),
		worker.WithPoolLogger(quietLogger()),
	}
	p := worker.NewPool(s, tr, worker.NewExecutor(worker.WithExecutorLogger(quietLogger())), append(base, opts...)...)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Stop(ctx) //nolint:errcheck
	})
	return p
}

func TestPool_CompletesQueuedJob(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := memory.New()
	tr := transport.NewMemory()
	defer tr.Close() //nolint:errcheck
	startPool(t, s, tr)

	jobID := enqueueTestJob(t, s, tr, &job.Job{
		ID:            id.NewJobID(),
		Kind:          job.KindAdHoc,
		PartitionKey:  "p1",
		ExecutionTime: time.Now().UTC(),
		Status:        job.StatusScheduled,
		Task:          job.Task{URL: srv.URL, Method: http.MethodPost},
		RetryPolicy:   job.RetryPolicy{MaxRetries: 3},
	})

	done := waitForStatus(t, s, jobID, job.StatusCompleted)
	if done.LastStatusCode != http.StatusOK {
		t.Errorf("last status code = %d, want 200", done.LastStatusCode)
	}
	if done.AttemptCount != 0 {
		t.Errorf("attempt count = %d, want 0", done.AttemptCount)
	}
	if !done.LeaseOwner.IsNil() || done.LeaseExpiresAt != nil {
		t.Error("lease not cleared after completion")
	}
	if done.CompletedAt == nil {
		t.Error("completed_at not set")
	}
}

func TestPool_RetryableFailureReschedules(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := memory.New()
	tr := transport.NewMemory()
	defer tr.Close() //nolint:errcheck
	startPool(t, s, tr)

	before := time.Now().UTC()
	jobID := enqueueTestJob(t, s, tr, &job.Job{
		ID:            id.NewJobID(),
		Kind:          job.KindAdHoc,
		PartitionKey:  "p1",
		ExecutionTime: before,
		Status:        job.StatusScheduled,
		Task:          job.Task{URL: srv.URL, Method: http.MethodPost},
		RetryPolicy:   job.RetryPolicy{MaxRetries: 3, Strategy: "fixed", Initial: time.Minute},
	})

	re := waitForStatus(t, s, jobID, job.StatusScheduled)
	if re.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", re.AttemptCount)
	}
	if !re.ExecutionTime.After(before) {
		t.Errorf("execution time %v not pushed past %v", re.ExecutionTime, before)
	}
	if re.LastError == "" {
		t.Error("last error not recorded")
	}
	if re.PartitionKey == "p1" {
		t.Error("partition key not recomputed for new execution time")
	}
}

func TestPool_UnretryableFailureFailsImmediately(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := memory.New()
	tr := transport.NewMemory()
	defer tr.Close() //nolint:errcheck
	startPool(t, s, tr)

	jobID := enqueueTestJob(t, s, tr, &job.Job{
		ID:            id.NewJobID(),
		Kind:          job.KindAdHoc,
		PartitionKey:  "p1",
		ExecutionTime: time.Now().UTC(),
		Status:        job.StatusScheduled,
		Task:          job.Task{URL: srv.URL, Method: http.MethodPost},
		RetryPolicy:   job.RetryPolicy{MaxRetries: 5},
	})

	failed := waitForStatus(t, s, jobID, job.StatusFailed)
	if failed.AttemptCount != 0 {
		t.Errorf("attempt count = %d, want 0 (no budget consumed)", failed.AttemptCount)
	}
	if failed.LastStatusCode != http.StatusBadRequest {
		t.Errorf("last status code = %d, want 400", failed.LastStatusCode)
	}
}

func TestPool_ExhaustedBudgetFails(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := memory.New()
	tr := transport.NewMemory()
	defer tr.Close() //nolint:errcheck
	startPool(t, s, tr)

	jobID := enqueueTestJob(t, s, tr, &job.Job{
		ID:            id.NewJobID(),
		Kind:          job.KindAdHoc,
		PartitionKey:  "p1",
		ExecutionTime: time.Now().UTC(),
		Status:        job.StatusScheduled,
		Task:          job.Task{URL: srv.URL, Method: http.MethodPost},
		RetryPolicy:   job.RetryPolicy{MaxRetries: 0},
	})

	failed := waitForStatus(t, s, jobID, job.StatusFailed)
	if failed.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", failed.AttemptCount)
	}
	if failed.CompletedAt == nil {
		t.Error("completed_at not set on terminal failure")
	}
}

func TestPool_CronJobReschedulesAfterSuccess(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := memory.New()
	tr := transport.NewMemory()
	defer tr.Close() //nolint:errcheck
	startPool(t, s, tr)

	now := time.Now().UTC()
	jobID := enqueueTestJob(t, s, tr, &job.Job{
		ID:            id.NewJobID(),
		Kind:          job.KindCron,
		CronExpr:      "*/5 * * * *",
		PartitionKey:  "p1",
		ExecutionTime: now,
		Status:        job.StatusScheduled,
		Task:          job.Task{URL: srv.URL, Method: http.MethodPost},
		RetryPolicy:   job.RetryPolicy{MaxRetries: 2},
	})

	re := waitForStatus(t, s, jobID, job.StatusScheduled)
	if !re.ExecutionTime.After(now) {
		t.Errorf("next fire %v not after %v", re.ExecutionTime, now)
	}
	if re.AttemptCount != 0 {
		t.Errorf("attempt count = %d, want fresh budget", re.AttemptCount)
	}
	if re.LastStatusCode != http.StatusOK {
		t.Errorf("last status code = %d, want 200", re.LastStatusCode)
	}
}

func TestPool_StaleDeliveryAckedWithoutExecution(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := memory.New()
	tr := transport.NewMemory()
	defer tr.Close() //nolint:errcheck
	ctx := context.Background()

	// A job that already finished: its ID arriving again must be ignored.
	created, err := s.CreateJob(ctx, &job.Job{
		ID:            id.NewJobID(),
		Kind:          job.KindAdHoc,
		PartitionKey:  "p1",
		ExecutionTime: time.Now().UTC(),
		Status:        job.StatusScheduled,
		Task:          job.Task{URL: srv.URL, Method: http.MethodPost},
	})
	if err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	queued := created.Clone()
	queued.MarkQueued(time.Now().UTC(), time.Minute)
	stored, err := s.UpdateJob(ctx, queued, created.Version)
	if err != nil {
		t.Fatalf("UpdateJob error: %v", err)
	}
	completed := stored.Clone()
	completed.AcquireLease(id.NewWorkerID(), time.Now().UTC(), time.Minute)
	stored, err = s.UpdateJob(ctx, completed, stored.Version)
	if err != nil {
		t.Fatalf("UpdateJob error: %v", err)
	}
	final := stored.Clone()
	final.Complete(time.Now().UTC(), http.StatusOK)
	if _, err := s.UpdateJob(ctx, final, stored.Version); err != nil {
		t.Fatalf("UpdateJob error: %v", err)
	}

	if err := tr.Enqueue(ctx, created.ID); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	startPool(t, s, tr)

	// Give the pool time to consume and discard the delivery.
	time.Sleep(200 * time.Millisecond)

	got, err := s.GetJob(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetJob error: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("status = %s, want completed untouched", got.Status)
	}
	if hits.Load() != 0 {
		t.Errorf("endpoint hit %d times for stale delivery, want 0", hits.Load())
	}
}

// A worker whose lease is taken away mid-execution must abandon its
// outcome: the recovered record stays exactly as the recovery wrote it.
func TestPool_LostLeaseAbandonsOutcome(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := memory.New()
	tr := transport.NewMemory()
	defer tr.Close() //nolint:errcheck
	ctx := context.Background()
	startPool(t, s, tr, worker.WithHeartbeatInterval(20*time.Millisecond))

	jobID := enqueueTestJob(t, s, tr, &job.Job{
		ID:            id.NewJobID(),
		Kind:          job.KindAdHoc,
		PartitionKey:  "p1",
		ExecutionTime: time.Now().UTC(),
		Status:        job.StatusScheduled,
		Task:          job.Task{URL: srv.URL, Method: http.MethodPost},
		RetryPolicy:   job.RetryPolicy{MaxRetries: 3},
	})

	waitForStatus(t, s, jobID, job.StatusRunning)

	// Recover the job out from under the worker, the way the janitor does
	// when it decides the lease lapsed: charge an attempt and reschedule.
	// Retried because heartbeat renewals race this write.
	now := time.Now().UTC()
	var recoveredVersion int64
	for {
		cur, err := s.GetJob(ctx, jobID)
		if err != nil {
			t.Fatalf("GetJob error: %v", err)
		}
		rec := cur.Clone()
		rec.RecordFailure(now, now.Add(time.Hour), "recovered", "lease expired")
		stored, err := s.UpdateJob(ctx, rec, cur.Version)
		if err == nil {
			recoveredVersion = stored.Version
			break
		}
		if !errors.Is(err, chronoq.ErrVersionConflict) {
			t.Fatalf("UpdateJob error: %v", err)
		}
	}

	// Let a few heartbeat ticks hit the conflict and cancel the execution
	// before the handler would return on its own.
	time.Sleep(60 * time.Millisecond)
	close(release)

	// The next renewal hits the version conflict, marks the lease lost, and
	// the worker acks without finalizing. Give it time to try.
	time.Sleep(300 * time.Millisecond)

	got, err := s.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob error: %v", err)
	}
	if got.Status != job.StatusScheduled {
		t.Errorf("status = %s, want scheduled as recovery left it", got.Status)
	}
	if got.PartitionKey != "recovered" {
		t.Errorf("partition key = %q, want %q", got.PartitionKey, "recovered")
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want the one charged by recovery", got.AttemptCount)
	}
	if got.Version != recoveredVersion {
		t.Errorf("version = %d, want %d (worker outcome must never land)", got.Version, recoveredVersion)
	}
}
