package client_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronoq/chronoq"
	"github.com/chronoq/chronoq/api"
	"github.com/chronoq/chronoq/client"
	"github.com/chronoq/chronoq/engine"
	"github.com/chronoq/chronoq/id"
	"github.com/chronoq/chronoq/job"
	"github.com/chronoq/chronoq/store/memory"
	"github.com/chronoq/chronoq/transport"
)

// newTestClient serves a real API app over httptest and points a client
// at it.
func newTestClient(t *testing.T) *client.Client {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.New(
		engine.WithStore(memory.New()),
		engine.WithTransport(transport.NewMemory()),
		engine.WithLogger(logger),
	)
	require.NoError(t, err)

	app := api.New(eng, api.WithLogger(logger)).App()
	srv := httptest.NewServer(adaptor.FiberApp(app))
	t.Cleanup(srv.Close)

	return client.New(srv.URL, client.WithLogger(logger))
}

func TestClient_CreateAndGetJob(t *testing.T) {
	t.Parallel()
	c := newTestClient(t)
	ctx := context.Background()

	created, err := c.CreateJob(ctx, client.CreateJobRequest{
		Task: job.Task{URL: "https://example.com/hook", Method: "POST"},
		RetryPolicy: &client.RetryPolicyRequest{
			MaxRetries: 2,
			Strategy:   "fixed",
			Initial:    "1s",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, job.StatusScheduled, created.Status)
	assert.Equal(t, 2, created.RetryPolicy.MaxRetries)

	got, err := c.GetJob(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
}

func TestClient_CreateJob_IdempotentReplay(t *testing.T) {
	t.Parallel()
	c := newTestClient(t)
	ctx := context.Background()

	req := client.CreateJobRequest{
		IdempotencyKey: "report-7",
		Task:           job.Task{URL: "https://example.com/hook", Method: "POST"},
	}

	first, err := c.CreateJob(ctx, req)
	require.NoError(t, err)

	second, err := c.CreateJob(ctx, req)
	require.ErrorIs(t, err, chronoq.ErrDuplicateIdempotencyKey)
	assert.Equal(t, first.ID, second.ID)
}

func TestClient_CreateJob_ValidationError(t *testing.T) {
	t.Parallel()
	c := newTestClient(t)

	_, err := c.CreateJob(context.Background(), client.CreateJobRequest{
		Task: job.Task{URL: "ftp://example.com"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheme")
}

func TestClient_GetJob_NotFound(t *testing.T) {
	t.Parallel()
	c := newTestClient(t)

	_, err := c.GetJob(context.Background(), id.NewJobID())
	require.ErrorIs(t, err, chronoq.ErrJobNotFound)
}

func TestClient_ListJobsAndCounts(t *testing.T) {
	t.Parallel()
	c := newTestClient(t)
	ctx := context.Background()

	for range 3 {
		_, err := c.CreateJob(ctx, client.CreateJobRequest{
			Task: job.Task{URL: "https://example.com/hook", Method: "POST"},
		})
		require.NoError(t, err)
	}

	jobs, err := c.ListJobs(ctx, client.ListOptions{Status: job.StatusScheduled})
	require.NoError(t, err)
	assert.Len(t, jobs, 3)

	limited, err := c.ListJobs(ctx, client.ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	counts, err := c.JobCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts.Scheduled)
}

func TestClient_NodesAndHealth(t *testing.T) {
	t.Parallel()
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	nodes, err := c.Nodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}
