package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/chronoq/chronoq"
	"github.com/chronoq/chronoq/cluster"
	"github.com/chronoq/chronoq/id"
)

// RegisterNode adds (or refreshes) a dispatcher node in the registry.
func (s *Store) RegisterNode(ctx context.Context, n *cluster.Node) error {
	nID := n.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, nodeKey(nID), map[string]any{
		"id":         nID,
		"hostname":   n.Hostname,
		"state":      string(n.State),
		"last_seen":  n.LastSeen.Format(time.RFC3339Nano),
		"created_at": n.CreatedAt.Format(time.RFC3339Nano),
	})
	pipe.SAdd(ctx, nodeIDsKey, nID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("chronoq/redis: register node: %w", err)
	}
	return nil
}

// DeregisterNode removes a node from the registry.
func (s *Store) DeregisterNode(ctx context.Context, nodeID id.DispatcherID) error {
	nID := nodeID.String()

	exists, err := s.client.Exists(ctx, nodeKey(nID)).Result()
	if err != nil {
		return fmt.Errorf("chronoq/redis: deregister exists: %w", err)
	}
	if exists == 0 {
		return chronoq.ErrNodeNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, nodeKey(nID))
	pipe.SRem(ctx, nodeIDsKey, nID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("chronoq/redis: deregister node: %w", err)
	}
	return nil
}

// HeartbeatNode updates the last-seen timestamp for a node.
func (s *Store) HeartbeatNode(ctx context.Context, nodeID id.DispatcherID) error {
	key := nodeKey(nodeID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("chronoq/redis: heartbeat exists: %w", err)
	}
	if exists == 0 {
		return chronoq.ErrNodeNotFound
	}

	if err := s.client.HSet(ctx, key,
		"last_seen", time.Now().UTC().Format(time.RFC3339Nano),
	).Err(); err != nil {
		return fmt.Errorf("chronoq/redis: heartbeat node: %w", err)
	}
	return nil
}

// ListNodes returns all registered nodes.
func (s *Store) ListNodes(ctx context.Context) ([]*cluster.Node, error) {
	ids, err := s.client.SMembers(ctx, nodeIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("chronoq/redis: list nodes: %w", err)
	}

	nodes := make([]*cluster.Node, 0, len(ids))
	for _, nID := range ids {
		vals, getErr := s.client.HGetAll(ctx, nodeKey(nID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		n, convErr := mapToNode(vals)
		if convErr != nil {
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// ReapDeadNodes removes nodes silent for longer than the threshold.
func (s *Store) ReapDeadNodes(ctx context.Context, threshold time.Duration) ([]*cluster.Node, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	nodes, err := s.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	var dead []*cluster.Node
	for _, n := range nodes {
		if !n.LastSeen.Before(cutoff) {
			continue
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, nodeKey(n.ID.String()))
		pipe.SRem(ctx, nodeIDsKey, n.ID.String())
		if _, execErr := pipe.Exec(ctx); execErr != nil {
			return nil, fmt.Errorf("chronoq/redis: reap node: %w", execErr)
		}
		dead = append(dead, n)
	}
	return dead, nil
}

func mapToNode(vals map[string]string) (*cluster.Node, error) {
	nodeID, err := id.ParseDispatcherID(vals["id"])
	if err != nil {
		return nil, fmt.Errorf("chronoq/redis: parse node id: %w", err)
	}
	return &cluster.Node{
		ID:        nodeID,
		Hostname:  vals["hostname"],
		State:     cluster.NodeState(vals["state"]),
		LastSeen:  parseTime(vals["last_seen"]),
		CreatedAt: parseTime(vals["created_at"]),
	}, nil
}
