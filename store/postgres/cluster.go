package postgres

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
	m := toNodeModel(n)
	_, err := s.db.NewInsert().Model(m).
		On("CONFLICT (id) DO UPDATE").
		Set("hostname = EXCLUDED.hostname").
		Set("state = EXCLUDED.state").
		Set("last_seen = EXCLUDED.last_seen").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("chronoq/postgres: register node: %w", err)
	}
	return nil
}

// DeregisterNode removes a node from the registry.
func (s *Store) DeregisterNode(ctx context.Context, nodeID id.DispatcherID) error {
	res, err := s.db.NewDelete().
		TableExpr("chronoq_nodes").
		Where("id = ?", nodeID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("chronoq/postgres: deregister node: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return chronoq.ErrNodeNotFound
	}
	return nil
}

// HeartbeatNode updates the last-seen timestamp for a node.
func (s *Store) HeartbeatNode(ctx context.Context, nodeID id.DispatcherID) error {
	res, err := s.db.NewUpdate().
		TableExpr("chronoq_nodes").
		Set("last_seen = NOW()").
		Where("id = ?", nodeID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("chronoq/postgres: heartbeat node: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return chronoq.ErrNodeNotFound
	}
	return nil
}

// ListNodes returns all registered nodes.
func (s *Store) ListNodes(ctx context.Context) ([]*cluster.Node, error) {
	var models []nodeModel
	err := s.db.NewSelect().Model(&models).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("chronoq/postgres: list nodes: %w", err)
	}

	nodes := make([]*cluster.Node, 0, len(models))
	for i := range models {
		n, convErr := fromNodeModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// ReapDeadNodes removes nodes silent for longer than the threshold and
// returns the removed entries.
func (s *Store) ReapDeadNodes(ctx context.Context, threshold time.Duration) ([]*cluster.Node, error) {
	var models []nodeModel
	_, err := s.db.NewRaw(`
		DELETE FROM chronoq_nodes
		WHERE last_seen < NOW() - ?0::interval
		RETURNING *`,
		threshold.String(),
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("chronoq/postgres: reap dead nodes: %w", err)
	}

	nodes := make([]*cluster.Node, 0, len(models))
	for i := range models {
		n, convErr := fromNodeModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
