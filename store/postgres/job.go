package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/chronoq/chronoq"
	"github.com/chronoq/chronoq/id"
	"github.com/chronoq/chronoq/job"
)

// CreateJob persists a new job, deduplicating on the idempotency key. A
// dedupe hit returns the previously stored record with
// chronoq.ErrDuplicateIdempotencyKey; the partial unique index on
// idempotency_key makes the race between concurrent creators safe.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) (*job.Job, error) {
	now := time.Now().UTC()
	rec := j.Clone()
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now

	m, err := toJobModel(rec)
	if err != nil {
		return nil, err
	}

	_, err = s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if !isDuplicateKey(err) {
			return nil, fmt.Errorf("chronoq/postgres: create job: %w", err)
		}
		if rec.IdempotencyKey != "" {
			existing, getErr := s.getByIdempotencyKey(ctx, rec.IdempotencyKey)
			if getErr == nil {
				return existing, chronoq.ErrDuplicateIdempotencyKey
			}
		}
		return nil, chronoq.ErrJobAlreadyExists
	}
	return rec, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, chronoq.ErrJobNotFound
		}
		return nil, fmt.Errorf("chronoq/postgres: get job: %w", err)
	}
	return fromJobModel(m)
}

// UpdateJob conditionally replaces the stored record. The version gate is
// the WHERE clause of a single UPDATE: zero affected rows means either the
// job is gone or another writer got there first, and a follow-up read tells
// the two apart.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job, expectedVersion int64) (*job.Job, error) {
	// The transition check rides on a pre-read; the conditional UPDATE below
	// still arbitrates writers that race between this read and the write.
	cur, err := s.GetJob(ctx, j.ID)
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion {
		return cur, chronoq.ErrVersionConflict
	}
	if cur.Status != j.Status && !cur.Status.CanTransitionTo(j.Status) {
		return nil, fmt.Errorf("chronoq/postgres: %s -> %s: %w", cur.Status, j.Status, chronoq.ErrInvalidTransition)
	}

	rec := j.Clone()
	rec.Version = expectedVersion + 1
	rec.UpdatedAt = time.Now().UTC()

	m, err := toJobModel(rec)
	if err != nil {
		return nil, err
	}

	res, err := s.db.NewUpdate().Model(m).
		WherePK().
		Where("version = ?", expectedVersion).
		ExcludeColumn("created_at").
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("chronoq/postgres: update job: %w", err)
	}

	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		current, getErr := s.GetJob(ctx, j.ID)
		if getErr != nil {
			return nil, getErr
		}
		return current, chronoq.ErrVersionConflict
	}
	return s.GetJob(ctx, j.ID)
}

// DueJobs returns SCHEDULED jobs in the partition due at or before the
// cutoff, soonest first.
func (s *Store) DueJobs(ctx context.Context, partitionKey string, before time.Time, limit int) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models).
		Where("status = ?", string(job.StatusScheduled)).
		Where("partition_key = ?", partitionKey).
		Where("execution_time <= ?", before).
		Order("execution_time ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("chronoq/postgres: due jobs: %w", err)
	}
	return convertJobs(models)
}

// ExpiredLeases returns QUEUED and RUNNING jobs whose lease deadline passed
// before the cutoff, oldest deadline first.
func (s *Store) ExpiredLeases(ctx context.Context, before time.Time, limit int) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models).
		Where("status IN (?, ?)", string(job.StatusQueued), string(job.StatusRunning)).
		Where("lease_expires_at IS NOT NULL").
		Where("lease_expires_at < ?", before).
		Order("lease_expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("chronoq/postgres: expired leases: %w", err)
	}
	return convertJobs(models)
}

// ListJobs returns jobs matching the given options, newest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.PartitionKey != "" {
		q = q.Where("partition_key = ?", opts.PartitionKey)
	}

	q = q.Order("created_at DESC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("chronoq/postgres: list jobs: %w", err)
	}
	return convertJobs(models)
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	q := s.db.NewSelect().TableExpr("chronoq_jobs")

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.PartitionKey != "" {
		q = q.Where("partition_key = ?", opts.PartitionKey)
	}

	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("chronoq/postgres: count jobs: %w", err)
	}
	return int64(count), nil
}

func (s *Store) getByIdempotencyKey(ctx context.Context, key string) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Where("idempotency_key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, chronoq.ErrJobNotFound
		}
		return nil, fmt.Errorf("chronoq/postgres: get by idempotency key: %w", err)
	}
	return fromJobModel(m)
}

func convertJobs(models []jobModel) ([]*job.Job, error) {
	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, err := fromJobModel(&models[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
