package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/chronoq/chronoq"
	"github.com/chronoq/chronoq/id"
	"github.com/chronoq/chronoq/job"
)

// casScript is the version gate: replace the job Hash only if the stored
// version matches the expected one. Returns 1 on success, 0 on conflict,
// -1 when the job does not exist.
var casScript = goredis.NewScript(`
	local v = redis.call("HGET", KEYS[1], "version")
	if v == false then
		return -1
	end
	if v ~= ARGV[1] then
		return 0
	end
	redis.call("DEL", KEYS[1])
	redis.call("HSET", KEYS[1], unpack(ARGV, 2))
	return 1
`)

// createScript claims the idempotency key and writes the job Hash in one
// atomic step, so a creator that dies mid-create cannot strand a claim
// pointing at a job that was never written.
// KEYS: job hash, idempotency hash, job-id set.
// ARGV: idempotency key ("" when unset), job id, field/value pairs.
// Returns {0, existing_id} on an idempotency hit, {1} when the job ID is
// taken, {2} on success.
var createScript = goredis.NewScript(`
	if ARGV[1] ~= "" then
		local existing = redis.call("HGET", KEYS[2], ARGV[1])
		if existing then
			return {0, existing}
		end
	end
	if redis.call("EXISTS", KEYS[1]) == 1 then
		return {1}
	end
	if ARGV[1] ~= "" then
		redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
	end
	redis.call("HSET", KEYS[1], unpack(ARGV, 3))
	redis.call("SADD", KEYS[3], ARGV[2])
	return {2}
`)

// CreateJob persists a new job, deduplicating on IdempotencyKey.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) (*job.Job, error) {
	cp := j.Clone()
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if cp.Version == 0 {
		cp.Version = 1
	}

	fields, err := jobToMap(cp)
	if err != nil {
		return nil, err
	}

	jID := cp.ID.String()
	args := make([]any, 0, 2+2*len(fields))
	args = append(args, cp.IdempotencyKey, jID)
	for k, v := range fields {
		args = append(args, k, v)
	}

	res, err := createScript.Run(ctx, s.client,
		[]string{jobKey(jID), idempotencyKey, jobIDsKey}, args...,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("chronoq/redis: create job: %w", err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("chronoq/redis: create job: empty script reply")
	}

	code, _ := res[0].(int64)
	switch code {
	case 0:
		var existingID string
		if len(res) > 1 {
			existingID, _ = res[1].(string)
		}
		parsed, parseErr := id.ParseJobID(existingID)
		if parseErr != nil {
			return nil, fmt.Errorf("chronoq/redis: resolve idempotency key: %w", parseErr)
		}
		existing, getErr := s.GetJob(ctx, parsed)
		if getErr != nil {
			return nil, getErr
		}
		return existing, chronoq.ErrDuplicateIdempotencyKey
	case 1:
		return nil, chronoq.ErrJobAlreadyExists
	}

	s.indexJob(ctx, cp)
	return cp, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, jobKey(jobID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("chronoq/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, chronoq.ErrJobNotFound
	}
	return mapToJob(vals)
}

// UpdateJob conditionally replaces the stored record, gated on version.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job, expectedVersion int64) (*job.Job, error) {
	// The transition check rides on a pre-read; the CAS script below still
	// arbitrates writers that race between this read and the write.
	cur, err := s.GetJob(ctx, j.ID)
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion {
		return cur, chronoq.ErrVersionConflict
	}
	if cur.Status != j.Status && !cur.Status.CanTransitionTo(j.Status) {
		return nil, fmt.Errorf("chronoq/redis: %s -> %s: %w", cur.Status, j.Status, chronoq.ErrInvalidTransition)
	}

	cp := j.Clone()
	cp.Version = expectedVersion + 1
	cp.UpdatedAt = time.Now().UTC()

	fields, err := jobToMap(cp)
	if err != nil {
		return nil, err
	}

	args := make([]any, 0, 1+2*len(fields))
	args = append(args, strconv.FormatInt(expectedVersion, 10))
	for k, v := range fields {
		args = append(args, k, v)
	}

	res, err := casScript.Run(ctx, s.client, []string{jobKey(cp.ID.String())}, args...).Int()
	if err != nil {
		return nil, fmt.Errorf("chronoq/redis: update job: %w", err)
	}

	switch res {
	case -1:
		return nil, chronoq.ErrJobNotFound
	case 0:
		current, getErr := s.GetJob(ctx, cp.ID)
		if getErr != nil {
			return nil, getErr
		}
		return current, chronoq.ErrVersionConflict
	}

	s.indexJob(ctx, cp)
	return cp, nil
}

// DueJobs returns SCHEDULED jobs in the partition due at or before the
// cutoff. Index candidates are verified against the Hash; stale entries
// are pruned as they are found.
func (s *Store) DueJobs(ctx context.Context, partitionKey string, before time.Time, limit int) ([]*job.Job, error) {
	members, err := s.client.ZRangeByScore(ctx, dueKey(partitionKey), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(before.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("chronoq/redis: due jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(members))
	for _, member := range members {
		jobID, parseErr := id.ParseJobID(member)
		if parseErr != nil {
			s.client.ZRem(ctx, dueKey(partitionKey), member)
			continue
		}
		j, getErr := s.GetJob(ctx, jobID)
		if getErr != nil || j.Status != job.StatusScheduled ||
			j.PartitionKey != partitionKey || j.ExecutionTime.After(before) {
			s.client.ZRem(ctx, dueKey(partitionKey), member)
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ExpiredLeases returns QUEUED and RUNNING jobs whose lease deadline
// passed before the cutoff.
func (s *Store) ExpiredLeases(ctx context.Context, before time.Time, limit int) ([]*job.Job, error) {
	members, err := s.client.ZRangeByScore(ctx, leasesKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(before.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("chronoq/redis: expired leases: %w", err)
	}

	jobs := make([]*job.Job, 0, len(members))
	for _, member := range members {
		jobID, parseErr := id.ParseJobID(member)
		if parseErr != nil {
			s.client.ZRem(ctx, leasesKey, member)
			continue
		}
		j, getErr := s.GetJob(ctx, jobID)
		if getErr != nil ||
			(j.Status != job.StatusQueued && j.Status != job.StatusRunning) ||
			j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.Before(before) {
			s.client.ZRem(ctx, leasesKey, member)
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ListJobs returns jobs matching the given options, newest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	all, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*job.Job, 0, len(all))
	for _, j := range all {
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		if opts.PartitionKey != "" && j.PartitionKey != opts.PartitionKey {
			continue
		}
		out = append(out, j)
	}

	sortByCreatedDesc(out)

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	all, err := s.loadAll(ctx)
	if err != nil {
		return 0, err
	}

	var n int64
	for _, j := range all {
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		if opts.PartitionKey != "" && j.PartitionKey != opts.PartitionKey {
			continue
		}
		n++
	}
	return n, nil
}

// indexJob refreshes the secondary indexes for j's current status.
// Best-effort: readers verify candidates against the Hash, so an index
// write lost here only delays pickup until the next scan.
func (s *Store) indexJob(ctx context.Context, j *job.Job) {
	jID := j.ID.String()
	pipe := s.client.TxPipeline()

	switch j.Status {
	case job.StatusScheduled:
		pipe.ZAdd(ctx, dueKey(j.PartitionKey), goredis.Z{
			Score:  float64(j.ExecutionTime.UnixMilli()),
			Member: jID,
		})
		pipe.ZRem(ctx, leasesKey, jID)
	case job.StatusQueued, job.StatusRunning:
		if j.LeaseExpiresAt != nil {
			pipe.ZAdd(ctx, leasesKey, goredis.Z{
				Score:  float64(j.LeaseExpiresAt.UnixMilli()),
				Member: jID,
			})
		}
		pipe.ZRem(ctx, dueKey(j.PartitionKey), jID)
	default:
		pipe.ZRem(ctx, dueKey(j.PartitionKey), jID)
		pipe.ZRem(ctx, leasesKey, jID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("index refresh failed",
			"job_id", jID,
			"error", err.Error(),
		)
	}
}

func (s *Store) loadAll(ctx context.Context) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("chronoq/redis: list job ids: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, raw := range ids {
		vals, getErr := s.client.HGetAll(ctx, jobKey(raw)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		j, convErr := mapToJob(vals)
		if convErr != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func sortByCreatedDesc(jobs []*job.Job) {
	for i := 1; i < len(jobs); i++ {
		for k := i; k > 0 && jobs[k].CreatedAt.After(jobs[k-1].CreatedAt); k-- {
			jobs[k], jobs[k-1] = jobs[k-1], jobs[k]
		}
	}
}

// ──────────────────────────────────────────────────
// Hash <-> Job conversion
// ──────────────────────────────────────────────────

func jobToMap(j *job.Job) (map[string]any, error) {
	task, err := json.Marshal(j.Task)
	if err != nil {
		return nil, fmt.Errorf("chronoq/redis: marshal task: %w", err)
	}
	policy, err := json.Marshal(j.RetryPolicy)
	if err != nil {
		return nil, fmt.Errorf("chronoq/redis: marshal retry policy: %w", err)
	}

	fields := map[string]any{
		"id":               j.ID.String(),
		"idempotency_key":  j.IdempotencyKey,
		"kind":             string(j.Kind),
		"cron_expr":        j.CronExpr,
		"partition_key":    j.PartitionKey,
		"execution_time":   j.ExecutionTime.Format(time.RFC3339Nano),
		"status":           string(j.Status),
		"task":             string(task),
		"retry_policy":     string(policy),
		"attempt_count":    strconv.Itoa(j.AttemptCount),
		"lease_owner":      j.LeaseOwner.String(),
		"version":          strconv.FormatInt(j.Version, 10),
		"last_error":       j.LastError,
		"last_status_code": strconv.Itoa(j.LastStatusCode),
		"created_at":       j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":       j.UpdatedAt.Format(time.RFC3339Nano),
	}

	setOptionalTime(fields, "lease_expires_at", j.LeaseExpiresAt)
	setOptionalTime(fields, "started_at", j.StartedAt)
	setOptionalTime(fields, "completed_at", j.CompletedAt)
	return fields, nil
}

func setOptionalTime(fields map[string]any, key string, t *time.Time) {
	if t != nil {
		fields[key] = t.Format(time.RFC3339Nano)
	} else {
		fields[key] = ""
	}
}

func mapToJob(vals map[string]string) (*job.Job, error) {
	jobID, err := id.ParseJobID(vals["id"])
	if err != nil {
		return nil, fmt.Errorf("chronoq/redis: parse job id: %w", err)
	}

	j := &job.Job{
		ID:             jobID,
		IdempotencyKey: vals["idempotency_key"],
		Kind:           job.Kind(vals["kind"]),
		CronExpr:       vals["cron_expr"],
		PartitionKey:   vals["partition_key"],
		Status:         job.Status(vals["status"]),
		LastError:      vals["last_error"],
	}

	if raw := vals["task"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.Task); err != nil {
			return nil, fmt.Errorf("chronoq/redis: unmarshal task: %w", err)
		}
	}
	if raw := vals["retry_policy"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &j.RetryPolicy); err != nil {
			return nil, fmt.Errorf("chronoq/redis: unmarshal retry policy: %w", err)
		}
	}
	if raw := vals["lease_owner"]; raw != "" {
		owner, parseErr := id.ParseWorkerID(raw)
		if parseErr != nil {
			return nil, fmt.Errorf("chronoq/redis: parse lease owner: %w", parseErr)
		}
		j.LeaseOwner = owner
	}

	j.AttemptCount, _ = strconv.Atoi(vals["attempt_count"])          //nolint:errcheck // zero on blank
	j.LastStatusCode, _ = strconv.Atoi(vals["last_status_code"])     //nolint:errcheck // zero on blank
	j.Version, _ = strconv.ParseInt(vals["version"], 10, 64)         //nolint:errcheck // zero on blank
	j.ExecutionTime = parseTime(vals["execution_time"])
	j.CreatedAt = parseTime(vals["created_at"])
	j.UpdatedAt = parseTime(vals["updated_at"])
	j.LeaseExpiresAt = parseOptionalTime(vals["lease_expires_at"])
	j.StartedAt = parseOptionalTime(vals["started_at"])
	j.CompletedAt = parseOptionalTime(vals["completed_at"])

	return j, nil
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseOptionalTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t := parseTime(raw)
	if t.IsZero() {
		return nil
	}
	return &t
}
