package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronoq/chronoq/api"
	"github.com/chronoq/chronoq/engine"
	"github.com/chronoq/chronoq/job"
	"github.com/chronoq/chronoq/store/memory"
	"github.com/chronoq/chronoq/transport"
)

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.New(
		engine.WithStore(memory.New()),
		engine.WithTransport(transport.NewMemory()),
		engine.WithLogger(logger),
	)
	require.NoError(t, err)

	// The engine is never started: handlers only touch the store, and an
	// idle engine keeps the background loops out of these tests.
	return api.New(eng, api.WithLogger(logger)).App()
}

func postJSON(t *testing.T, app *fiber.App, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func get(t *testing.T, app *fiber.App, path string) *http.Response {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil), -1)
	require.NoError(t, err)
	return resp
}

func decodeJob(t *testing.T, resp *http.Response) *job.Job {
	t.Helper()
	defer resp.Body.Close()
	var j job.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&j))
	return &j
}

func TestCreateJob(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	resp := postJSON(t, app, "/v1/jobs", api.CreateJobRequest{
		Task: job.Task{URL: "https://example.com/hook", Method: "POST"},
		RetryPolicy: &api.RetryPolicyRequest{
			MaxRetries: 3,
			Strategy:   "exponential",
			Initial:    "2s",
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decodeJob(t, resp)
	assert.False(t, created.ID.IsNil())
	assert.Equal(t, job.StatusScheduled, created.Status)
	assert.Equal(t, job.KindAdHoc, created.Kind)
	assert.Equal(t, 3, created.RetryPolicy.MaxRetries)
	assert.Equal(t, 2*time.Second, created.RetryPolicy.Initial)
	assert.NotEmpty(t, created.PartitionKey)
}

func TestCreateJob_IdempotentReplayReturnsOK(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	req := api.CreateJobRequest{
		IdempotencyKey: "order-99",
		Task:           job.Task{URL: "https://example.com/hook", Method: "POST"},
	}

	first := postJSON(t, app, "/v1/jobs", req)
	require.Equal(t, http.StatusCreated, first.StatusCode)
	firstJob := decodeJob(t, first)

	second := postJSON(t, app, "/v1/jobs", req)
	require.Equal(t, http.StatusOK, second.StatusCode)
	secondJob := decodeJob(t, second)

	assert.Equal(t, firstJob.ID, secondJob.ID)
}

func TestCreateJob_Invalid(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	tests := []struct {
		name string
		req  api.CreateJobRequest
	}{
		{"missing url", api.CreateJobRequest{}},
		{"bad scheme", api.CreateJobRequest{
			Task: job.Task{URL: "ftp://example.com"},
		}},
		{"bad retry duration", api.CreateJobRequest{
			Task:        job.Task{URL: "https://example.com"},
			RetryPolicy: &api.RetryPolicyRequest{Initial: "soon"},
		}},
		{"cron expr on ad_hoc", api.CreateJobRequest{
			CronExpr: "* * * * *",
			Task:     job.Task{URL: "https://example.com"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, app, "/v1/jobs", tt.req)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestGetJob(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	created := decodeJob(t, postJSON(t, app, "/v1/jobs", api.CreateJobRequest{
		Task: job.Task{URL: "https://example.com/hook", Method: "POST"},
	}))

	resp := get(t, app, "/v1/jobs/"+created.ID.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.ID, decodeJob(t, resp).ID)
}

func TestGetJob_NotFound(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	resp := get(t, app, "/v1/jobs/job_00000000000000000000000000")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetJob_InvalidID(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	resp := get(t, app, "/v1/jobs/not-an-id")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListJobs_FiltersByStatus(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	for range 3 {
		resp := postJSON(t, app, "/v1/jobs", api.CreateJobRequest{
			Task: job.Task{URL: "https://example.com/hook", Method: "POST"},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := get(t, app, "/v1/jobs?status=scheduled")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	var jobs []*job.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	assert.Len(t, jobs, 3)

	empty := get(t, app, "/v1/jobs?status=failed")
	require.Equal(t, http.StatusOK, empty.StatusCode)
	defer empty.Body.Close()

	var none []*job.Job
	require.NoError(t, json.NewDecoder(empty.Body).Decode(&none))
	assert.Empty(t, none)
}

func TestJobCounts(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	resp := postJSON(t, app, "/v1/jobs", api.CreateJobRequest{
		Task: job.Task{URL: "https://example.com/hook", Method: "POST"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	counts := get(t, app, "/v1/jobs/counts")
	require.Equal(t, http.StatusOK, counts.StatusCode)
	defer counts.Body.Close()

	var body api.JobCountsResponse
	require.NoError(t, json.NewDecoder(counts.Body).Decode(&body))
	assert.Equal(t, int64(1), body.Scheduled)
	assert.Zero(t, body.Failed)
}

func TestListNodes_EmptyCluster(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	resp := get(t, app, "/v1/nodes")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	var nodes []json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&nodes))
	assert.Empty(t, nodes)
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	resp := get(t, app, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["node_id"])
}
