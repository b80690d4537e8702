// Package cluster tracks the live set of dispatcher nodes. Each node
// registers itself, heartbeats its liveness through the store, and derives
// the member list the partition ring is built from. Membership is eventually
// consistent on purpose: the ring only spreads polling work, it does not
// carry correctness.
package cluster

import (
	"context"
	"time"

	"github.com/chronoq/chronoq/id"
)

// NodeState represents the lifecycle state of a dispatcher node.
type NodeState string

const (
	// NodeActive means the node is healthy and polling its partitions.
	NodeActive NodeState = "active"
	// NodeDraining means the node is shutting down gracefully and should
	// stop being assigned partitions.
	NodeDraining NodeState = "draining"
)

// Node represents one dispatcher instance in the fleet.
type Node struct {
	ID        id.DispatcherID `json:"id"`
	Hostname  string          `json:"hostname"`
	State     NodeState       `json:"state"`
	LastSeen  time.Time       `json:"last_seen"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store defines the persistence contract for node membership.
type Store interface {
	// RegisterNode adds a node to the registry.
	RegisterNode(ctx context.Context, n *Node) error

	// DeregisterNode removes a node from the registry.
	DeregisterNode(ctx context.Context, nodeID id.DispatcherID) error

	// HeartbeatNode updates the last-seen timestamp for a node.
	HeartbeatNode(ctx context.Context, nodeID id.DispatcherID) error

	// ListNodes returns all registered nodes.
	ListNodes(ctx context.Context) ([]*Node, error)

	// ReapDeadNodes removes nodes whose last-seen timestamp is older than
	// the threshold and returns them.
	ReapDeadNodes(ctx context.Context, threshold time.Duration) ([]*Node, error)
}
