// Package client provides a Go client for a remote chronoqd instance over
// its HTTP API.
//
// Usage:
//
//	c := client.New("http://localhost:8080")
//
//	created, err := c.CreateJob(ctx, client.CreateJobRequest{
//	    Task: job.Task{URL: "https://example.com/hook", Method: "POST"},
//	})
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chronoq/chronoq"
	"github.com/chronoq/chronoq/api"
	"github.com/chronoq/chronoq/cluster"
	"github.com/chronoq/chronoq/id"
	"github.com/chronoq/chronoq/job"
)

// CreateJobRequest is re-exported from the api package so callers only
// import the client.
type CreateJobRequest = api.CreateJobRequest

// RetryPolicyRequest is re-exported from the api package.
type RetryPolicyRequest = api.RetryPolicyRequest

// JobCounts is the per-status job count report.
type JobCounts = api.JobCountsResponse

// ListOptions filter and paginate ListJobs.
type ListOptions struct {
	Status       job.Status
	PartitionKey string
	Limit        int
	Offset       int
}

// Client talks to a chronoqd HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client for the given base URL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateJob submits a job. A replayed idempotency key returns the
// originally created job together with chronoq.ErrDuplicateIdempotencyKey,
// mirroring the engine's contract.
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (*job.Job, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/jobs", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		var j job.Job
		if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
			return nil, fmt.Errorf("chronoq/client: decode job: %w", err)
		}
		if resp.StatusCode == http.StatusOK {
			return &j, chronoq.ErrDuplicateIdempotencyKey
		}
		return &j, nil
	default:
		return nil, c.apiError(resp)
	}
}

// GetJob fetches one job. A missing job maps to chronoq.ErrJobNotFound.
func (c *Client) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/jobs/"+jobID.String(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusOK:
		var j job.Job
		if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
			return nil, fmt.Errorf("chronoq/client: decode job: %w", err)
		}
		return &j, nil
	case http.StatusNotFound:
		return nil, chronoq.ErrJobNotFound
	default:
		return nil, c.apiError(resp)
	}
}

// ListJobs returns jobs matching the options, newest first.
func (c *Client) ListJobs(ctx context.Context, opts ListOptions) ([]*job.Job, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.PartitionKey != "" {
		q.Set("partition", opts.PartitionKey)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	path := "/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp)
	}
	var jobs []*job.Job
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return nil, fmt.Errorf("chronoq/client: decode jobs: %w", err)
	}
	return jobs, nil
}

// JobCounts returns job counts per status.
func (c *Client) JobCounts(ctx context.Context) (*JobCounts, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/jobs/counts", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp)
	}
	var counts JobCounts
	if err := json.NewDecoder(resp.Body).Decode(&counts); err != nil {
		return nil, fmt.Errorf("chronoq/client: decode counts: %w", err)
	}
	return &counts, nil
}

// Nodes returns the registered dispatcher nodes.
func (c *Client) Nodes(ctx context.Context) ([]*cluster.Node, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/nodes", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp)
	}
	var nodes []*cluster.Node
	if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
		return nil, fmt.Errorf("chronoq/client: decode nodes: %w", err)
	}
	return nodes, nil
}

// Health reports whether the server and its store are reachable.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return c.apiError(resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("chronoq/client: encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("chronoq/client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chronoq/client: %s %s: %w", method, path, err)
	}
	return resp, nil
}

// apiError extracts the server's error message from a non-success response.
func (c *Client) apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return fmt.Errorf("chronoq/client: unexpected status %d", resp.StatusCode)
	}
	return fmt.Errorf("chronoq/client: %s (status %d)", body.Error, resp.StatusCode)
}
