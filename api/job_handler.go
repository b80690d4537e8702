package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/chronoq/chronoq"
	"github.com/chronoq/chronoq/engine"
	"github.com/chronoq/chronoq/id"
	"github.com/chronoq/chronoq/job"
)

// CreateJobRequest is the wire form of a job submission. Durations are
// Go duration strings ("30s", "5m").
type CreateJobRequest struct {
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Kind           string     `json:"kind,omitempty"`
	CronExpr       string     `json:"cron_expr,omitempty"`
	ExecutionTime  *time.Time `json:"execution_time,omitempty"`

	Task        job.Task            `json:"task"`
	RetryPolicy *RetryPolicyRequest `json:"retry_policy,omitempty"`
}

// RetryPolicyRequest is the wire form of a retry policy.
type RetryPolicyRequest struct {
	MaxRetries int    `json:"max_retries"`
	Strategy   string `json:"strategy,omitempty"`
	Initial    string `json:"initial,omitempty"`
	Max        string `json:"max,omitempty"`
}

func (r *RetryPolicyRequest) toPolicy() (job.RetryPolicy, error) {
	p := job.RetryPolicy{MaxRetries: r.MaxRetries, Strategy: r.Strategy}
	var err error
	if r.Initial != "" {
		if p.Initial, err = time.ParseDuration(r.Initial); err != nil {
			return p, fmt.Errorf("invalid initial delay: %w", err)
		}
	}
	if r.Max != "" {
		if p.Max, err = time.ParseDuration(r.Max); err != nil {
			return p, fmt.Errorf("invalid max delay: %w", err)
		}
	}
	return p, nil
}

// JobCountsResponse reports job counts per status.
type JobCountsResponse struct {
	Scheduled int64 `json:"scheduled"`
	Queued    int64 `json:"queued"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

func (a *API) createJob(c *fiber.Ctx) error {
	var req CreateJobRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("invalid request body: %v", err),
		})
	}

	er := engine.JobRequest{
		IdempotencyKey: req.IdempotencyKey,
		Kind:           job.Kind(req.Kind),
		CronExpr:       req.CronExpr,
		Task:           req.Task,
	}
	if req.ExecutionTime != nil {
		er.ExecutionTime = *req.ExecutionTime
	}
	if req.RetryPolicy != nil {
		policy, err := req.RetryPolicy.toPolicy()
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		er.RetryPolicy = policy
	}

	created, err := a.eng.CreateJob(c.Context(), er)
	if err != nil {
		// A replayed idempotency key is a success from the client's view;
		// they get the job their first request created.
		if errors.Is(err, chronoq.ErrDuplicateIdempotencyKey) {
			return c.Status(fiber.StatusOK).JSON(created)
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (a *API) getJob(c *fiber.Ctx) error {
	jobID, err := id.ParseJobID(c.Params("jobId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("invalid job ID: %v", err),
		})
	}

	j, err := a.eng.GetJob(c.Context(), jobID)
	if err != nil {
		if notFound(err) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}
		return err
	}
	return c.JSON(j)
}

func (a *API) listJobs(c *fiber.Ctx) error {
	opts := job.ListOpts{
		Status:       job.Status(c.Query("status")),
		PartitionKey: c.Query("partition"),
		Limit:        c.QueryInt("limit", 50),
		Offset:       c.QueryInt("offset", 0),
	}

	jobs, err := a.eng.ListJobs(c.Context(), opts)
	if err != nil {
		return err
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	return c.JSON(jobs)
}

func (a *API) jobCounts(c *fiber.Ctx) error {
	ctx := c.Context()
	var resp JobCountsResponse

	for _, st := range []struct {
		status job.Status
		dst    *int64
	}{
		{job.StatusScheduled, &resp.Scheduled},
		{job.StatusQueued, &resp.Queued},
		{job.StatusRunning, &resp.Running},
		{job.StatusCompleted, &resp.Completed},
		{job.StatusFailed, &resp.Failed},
	} {
		count, err := a.eng.CountJobs(ctx, job.CountOpts{Status: st.status})
		if err != nil {
			return fmt.Errorf("count jobs (%s): %w", st.status, err)
		}
		*st.dst = count
	}

	return c.JSON(resp)
}
