package job

import (
	"context"
	"time"

	"github.com/chronoq/chronoq/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Status filters by status. Empty means all statuses.
	Status Status
	// PartitionKey filters by partition. Empty means all partitions.
	PartitionKey string
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Status filters by status. Empty means all statuses.
	Status Status
	// PartitionKey filters by partition. Empty means all partitions.
	PartitionKey string
}

// Store defines the persistence contract for jobs.
//
// All mutations after creation go through UpdateJob, which is gated on the
// caller's expected version. Implementations must bump the version and the
// UpdatedAt stamp on success, and must return the currently stored record
// together with chronoq.ErrVersionConflict when the gate fails.
type Store interface {
	// CreateJob persists a new job, deduplicating on IdempotencyKey.
	// On a dedupe hit it returns the previously stored record together
	// with chronoq.ErrDuplicateIdempotencyKey; callers that only care
	// about at-most-one-job-per-key can treat that error as success.
	CreateJob(ctx context.Context, j *Job) (*Job, error)

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob conditionally replaces the stored record with j if the
	// stored version equals expectedVersion. On success it returns the
	// stored record (version bumped). On a version mismatch it returns
	// the current record and chronoq.ErrVersionConflict.
	UpdateJob(ctx context.Context, j *Job, expectedVersion int64) (*Job, error)

	// DueJobs returns SCHEDULED jobs in the given partition whose
	// execution time is at or before the cutoff, ordered by execution
	// time ascending.
	DueJobs(ctx context.Context, partitionKey string, before time.Time, limit int) ([]*Job, error)

	// ExpiredLeases returns QUEUED and RUNNING jobs whose lease deadline
	// passed before the cutoff, ordered by lease deadline ascending.
	ExpiredLeases(ctx context.Context, before time.Time, limit int) ([]*Job, error)

	// ListJobs returns jobs matching the given options, newest first.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)
}
