package job

import (
	"maps"
	"time"

	"github.com/chronoq/chronoq/id"
)

// Status represents the lifecycle status of a job.
type Status string

const (
	// StatusScheduled means the job is waiting for its execution time.
	StatusScheduled Status = "scheduled"
	// StatusQueued means a dispatcher has handed the job to the transport.
	StatusQueued Status = "queued"
	// StatusRunning means a worker holds the execution lease.
	StatusRunning Status = "running"
	// StatusCompleted means the job finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the job exhausted its retry budget or hit an
	// unretryable failure. Terminal.
	StatusFailed Status = "failed"
)

// transitions enumerates the legal status edges. Anything not listed is a
// programming error, not a race.
var transitions = map[Status][]Status{
	StatusScheduled: {StatusQueued},
	StatusQueued:    {StatusRunning, StatusScheduled},
	StatusRunning:   {StatusCompleted, StatusScheduled, StatusFailed},
}

// CanTransitionTo reports whether the edge s -> next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Kind distinguishes one-shot jobs from recurring ones.
type Kind string

const (
	// KindAdHoc is a one-shot job fired once at its execution time.
	KindAdHoc Kind = "ad_hoc"
	// KindCron is a recurring job; ExecutionTime always holds the next
	// computed fire time.
	KindCron Kind = "cron"
)

// Task is the opaque payload describing the work: an external HTTP endpoint
// to invoke. Interpreted only by the worker's execution strategy.
type Task struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// RetryPolicy governs how many times and with what delay a failed execution
// is retried.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt. A job
	// whose attempt count exceeds MaxRetries on failure is terminal.
	MaxRetries int `json:"max_retries"`
	// Strategy names the backoff strategy ("fixed", "exponential",
	// "exponential_jitter"). Empty means the engine default.
	Strategy string `json:"strategy,omitempty"`
	// Initial is the base delay fed to the strategy.
	Initial time.Duration `json:"initial,omitempty"`
	// Max caps the computed delay. Zero means no cap.
	Max time.Duration `json:"max,omitempty"`
}

// Job is the unit of schedulable work.
type Job struct {
	ID             id.JobID    `json:"id"`
	IdempotencyKey string      `json:"idempotency_key"`
	Kind           Kind        `json:"kind"`
	CronExpr       string      `json:"cron_expr,omitempty"`
	PartitionKey   string      `json:"partition_key"`
	ExecutionTime  time.Time   `json:"execution_time"`
	Status         Status      `json:"status"`
	Task           Task        `json:"task"`
	RetryPolicy    RetryPolicy `json:"retry_policy"`
	AttemptCount   int         `json:"attempt_count"`
	LeaseOwner     id.WorkerID `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time  `json:"lease_expires_at,omitempty"`

	// Version is bumped by the store on every successful conditional
	// update. Per-job state transitions are totally ordered by it.
	Version int64 `json:"version"`

	// Execution audit trail.
	LastError      string     `json:"last_error,omitempty"`
	LastStatusCode int        `json:"last_status_code,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of j. Stores hand out clones so callers can
// mutate without racing the store's own copy.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Task.Headers != nil {
		cp.Task.Headers = maps.Clone(j.Task.Headers)
	}
	if j.Task.Body != nil {
		cp.Task.Body = append([]byte(nil), j.Task.Body...)
	}
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// LeaseExpired reports whether the job's lease has lapsed as of now.
// A job without a lease deadline is never expired.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
}

// ──────────────────────────────────────────────────
// State mutators
//
// These only mutate the in-memory record; nothing is durable until the
// caller persists the result through a version-gated store update.
// ──────────────────────────────────────────────────

// MarkQueued transitions the job to QUEUED and stamps a visibility deadline
// so the janitor can recover it if the transport enqueue is lost.
func (j *Job) MarkQueued(now time.Time, queuedTTL time.Duration) {
	j.Status = StatusQueued
	deadline := now.Add(queuedTTL)
	j.LeaseExpiresAt = &deadline
}

// AcquireLease transitions the job to RUNNING under the given owner.
func (j *Job) AcquireLease(owner id.WorkerID, now time.Time, ttl time.Duration) {
	j.Status = StatusRunning
	j.LeaseOwner = owner
	expires := now.Add(ttl)
	j.LeaseExpiresAt = &expires
	started := now
	j.StartedAt = &started
}

// ExtendLease pushes the lease deadline forward.
func (j *Job) ExtendLease(now time.Time, ttl time.Duration) {
	expires := now.Add(ttl)
	j.LeaseExpiresAt = &expires
}

// Complete transitions the job to COMPLETED and releases the lease.
func (j *Job) Complete(now time.Time, statusCode int) {
	j.Status = StatusCompleted
	j.LastStatusCode = statusCode
	j.LastError = ""
	done := now
	j.CompletedAt = &done
	j.clearLease()
}

// Reschedule returns the job to SCHEDULED at nextRun without touching the
// retry budget. Used for cron re-fires and stale QUEUED recovery.
func (j *Job) Reschedule(nextRun time.Time, partitionKey string) {
	j.Status = StatusScheduled
	j.ExecutionTime = nextRun
	j.PartitionKey = partitionKey
	j.clearLease()
}

// RescheduleCron is Reschedule plus a fresh retry budget for the next
// occurrence of a recurring job.
func (j *Job) RescheduleCron(now, nextRun time.Time, partitionKey string, statusCode int) {
	j.Reschedule(nextRun, partitionKey)
	j.AttemptCount = 0
	j.LastStatusCode = statusCode
	j.LastError = ""
	done := now
	j.CompletedAt = &done
}

// RecordFailure applies retry-budget accounting after a failed attempt.
// It increments AttemptCount and either reschedules the job at nextRun
// (budget remaining) or marks it FAILED (budget spent). The janitor's
// lease-expiry recovery and the worker's explicit failures both go through
// here so the budget is bounded across crash-recovery cycles.
//
// It returns the resulting status.
func (j *Job) RecordFailure(now, nextRun time.Time, partitionKey, reason string) Status {
	j.AttemptCount++
	j.LastError = reason

	if j.AttemptCount > j.RetryPolicy.MaxRetries {
		j.Status = StatusFailed
		done := now
		j.CompletedAt = &done
		j.clearLease()
		return StatusFailed
	}

	j.Reschedule(nextRun, partitionKey)
	return StatusScheduled
}

// Fail marks the job FAILED immediately without consuming retry budget.
// Used for unretryable failures (malformed task, permanent rejection).
func (j *Job) Fail(now time.Time, reason string, statusCode int) {
	j.Status = StatusFailed
	j.LastError = reason
	j.LastStatusCode = statusCode
	done := now
	j.CompletedAt = &done
	j.clearLease()
}

func (j *Job) clearLease() {
	j.LeaseOwner = id.Nil
	j.LeaseExpiresAt = nil
}
