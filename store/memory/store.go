// Package memory is a fully in-memory store backend. Safe for concurrent
// access. Intended for unit testing and single-node development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chronoq/chronoq"
	"github.com/chronoq/chronoq/cluster"
	"github.com/chronoq/chronoq/id"
	"github.com/chronoq/chronoq/job"
)

// Compile-time interface checks.
var (
	_ job.Store     = (*Store)(nil)
	_ cluster.Store = (*Store)(nil)
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	jobs map[string]*job.Job
	// idempotency maps IdempotencyKey -> job ID string.
	idempotency map[string]string
	nodes       map[string]*cluster.Node
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:        make(map[string]*job.Job),
		idempotency: make(map[string]string),
		nodes:       make(map[string]*cluster.Node),
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job store
// ──────────────────────────────────────────────────

// CreateJob persists a new job, deduplicating on IdempotencyKey.
func (m *Store) CreateJob(_ context.Context, j *job.Job) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j.IdempotencyKey != "" {
		if existingID, hit := m.idempotency[j.IdempotencyKey]; hit {
			return m.jobs[existingID].Clone(), chronoq.ErrDuplicateIdempotencyKey
		}
	}

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return nil, chronoq.ErrJobAlreadyExists
	}

	cp := j.Clone()
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if cp.Version == 0 {
		cp.Version = 1
	}

	m.jobs[key] = cp
	if cp.IdempotencyKey != "" {
		m.idempotency[cp.IdempotencyKey] = key
	}
	return cp.Clone(), nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, chronoq.ErrJobNotFound
	}
	return j.Clone(), nil
}

// UpdateJob conditionally replaces the stored record, gated on version.
func (m *Store) UpdateJob(_ context.Context, j *job.Job, expectedVersion int64) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	cur, ok := m.jobs[key]
	if !ok {
		return nil, chronoq.ErrJobNotFound
	}
	if cur.Version != expectedVersion {
		return cur.Clone(), chronoq.ErrVersionConflict
	}
	// Checked after the gate so racing writers surface as conflicts, not
	// transition errors. Same-status rewrites (lease extension, reschedule
	// of a scheduled job) are always allowed.
	if cur.Status != j.Status && !cur.Status.CanTransitionTo(j.Status) {
		return nil, fmt.Errorf("chronoq/memory: %s -> %s: %w", cur.Status, j.Status, chronoq.ErrInvalidTransition)
	}

	cp := j.Clone()
	cp.Version = expectedVersion + 1
	cp.CreatedAt = cur.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = cp
	return cp.Clone(), nil
}

// DueJobs returns SCHEDULED jobs in the partition due at or before the
// cutoff, ordered by execution time.
func (m *Store) DueJobs(_ context.Context, partitionKey string, before time.Time, limit int) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*job.Job
	for _, j := range m.jobs {
		if j.Status != job.StatusScheduled {
			continue
		}
		if j.PartitionKey != partitionKey {
			continue
		}
		if j.ExecutionTime.After(before) {
			continue
		}
		due = append(due, j.Clone())
	}

	sort.Slice(due, func(i, k int) bool {
		return due[i].ExecutionTime.Before(due[k].ExecutionTime)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ExpiredLeases returns QUEUED and RUNNING jobs whose lease deadline
// passed before the cutoff.
func (m *Store) ExpiredLeases(_ context.Context, before time.Time, limit int) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []*job.Job
	for _, j := range m.jobs {
		if j.Status != job.StatusQueued && j.Status != job.StatusRunning {
			continue
		}
		if j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.Before(before) {
			continue
		}
		expired = append(expired, j.Clone())
	}

	sort.Slice(expired, func(i, k int) bool {
		return expired[i].LeaseExpiresAt.Before(*expired[k].LeaseExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

// ListJobs returns jobs matching the given options, newest first.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*job.Job
	for _, j := range m.jobs {
		if !matches(j, opts.Status, opts.PartitionKey) {
			continue
		}
		out = append(out, j.Clone())
	}

	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})

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
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, j := range m.jobs {
		if matches(j, opts.Status, opts.PartitionKey) {
			n++
		}
	}
	return n, nil
}

func matches(j *job.Job, status job.Status, partitionKey string) bool {
	if status != "" && j.Status != status {
		return false
	}
	if partitionKey != "" && j.PartitionKey != partitionKey {
		return false
	}
	return true
}

// ──────────────────────────────────────────────────
// Cluster store
// ──────────────────────────────────────────────────

// RegisterNode adds (or refreshes) a node in the registry.
func (m *Store) RegisterNode(_ context.Context, n *cluster.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *n
	m.nodes[n.ID.String()] = &cp
	return nil
}

// DeregisterNode removes a node from the registry.
func (m *Store) DeregisterNode(_ context.Context, nodeID id.DispatcherID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := nodeID.String()
	if _, ok := m.nodes[key]; !ok {
		return chronoq.ErrNodeNotFound
	}
	delete(m.nodes, key)
	return nil
}

// HeartbeatNode updates the last-seen timestamp for a node.
func (m *Store) HeartbeatNode(_ context.Context, nodeID id.DispatcherID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[nodeID.String()]
	if !ok {
		return chronoq.ErrNodeNotFound
	}
	n.LastSeen = time.Now().UTC()
	return nil
}

// ListNodes returns all registered nodes.
func (m *Store) ListNodes(_ context.Context) ([]*cluster.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*cluster.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

// ReapDeadNodes removes nodes silent for longer than the threshold.
func (m *Store) ReapDeadNodes(_ context.Context, threshold time.Duration) ([]*cluster.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var dead []*cluster.Node
	for key, n := range m.nodes {
		if n.LastSeen.Before(cutoff) {
			cp := *n
			dead = append(dead, &cp)
			delete(m.nodes, key)
		}
	}
	return dead, nil
}
