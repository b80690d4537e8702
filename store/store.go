// Package store defines the composite persistence contract a chronoq
// backend implements: the job store (the single source of truth, accessed
// only through version-gated conditional writes) and the cluster node
// registry. A single backend implements both.
package store

import (
	"context"

	"github.com/chronoq/chronoq/cluster"
	"github.com/chronoq/chronoq/job"
)

// Store is the full persistence contract. Each subsystem consumes only the
// interface it needs (job.Store, cluster.Store); Store exists so one
// backend can be wired everywhere.
type Store interface {
	job.Store
	cluster.Store

	// Migrate prepares backend schema or indexes. No-op for schemaless
	// backends.
	Migrate(ctx context.Context) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources owned by the store.
	Close() error
}
