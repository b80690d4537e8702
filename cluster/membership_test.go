package cluster_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/chronoq/chronoq/cluster"
	"github.com/chronoq/chronoq/id"
	"github.com/chronoq/chronoq/store/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMembership_StartRegistersNode(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	m := cluster.NewMembership(s, id.NewDispatcherID(),
		cluster.WithHeartbeatInterval(10*time.Millisecond),
		cluster.WithLogger(quietLogger()),
	)
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer m.Stop(ctx) //nolint:errcheck

	nodes, err := s.ListNodes(ctx)
	if err != nil {
		t.Fatalf("ListNodes error: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("got %d nodes, want 1", len(nodes))
	}
	if nodes[0].ID != m.NodeID() {
		t.Errorf("node id = %s, want %s", nodes[0].ID, m.NodeID())
	}
	if nodes[0].State != cluster.NodeActive {
		t.Errorf("state = %s, want %s", nodes[0].State, cluster.NodeActive)
	}
}

func TestMembership_StopDeregistersNode(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	m := cluster.NewMembership(s, id.NewDispatcherID(),
		cluster.WithHeartbeatInterval(10*time.Millisecond),
		cluster.WithLogger(quietLogger()),
	)
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}

	nodes, err := s.ListNodes(ctx)
	if err != nil {
		t.Fatalf("ListNodes error: %v", err)
	}
	if len(nodes) != 0 {
		t.Fatalf("got %d nodes after stop, want 0", len(nodes))
	}
}

func TestMembership_ActiveNodeIDsSortedAndFiltered(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()

	ids := []id.DispatcherID{id.NewDispatcherID(), id.NewDispatcherID(), id.NewDispatcherID()}
	for _, nodeID := range ids {
		if err := s.RegisterNode(ctx, &cluster.Node{
			ID:        nodeID,
			State:     cluster.NodeActive,
			LastSeen:  now,
			CreatedAt: now,
		}); err != nil {
			t.Fatalf("RegisterNode error: %v", err)
		}
	}

	// One stale node and one draining node, neither of which should show up.
	stale := id.NewDispatcherID()
	if err := s.RegisterNode(ctx, &cluster.Node{
		ID:        stale,
		State:     cluster.NodeActive,
		LastSeen:  now.Add(-time.Hour),
		CreatedAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("RegisterNode error: %v", err)
	}
	draining := id.NewDispatcherID()
	if err := s.RegisterNode(ctx, &cluster.Node{
		ID:        draining,
		State:     cluster.NodeDraining,
		LastSeen:  now,
		CreatedAt: now,
	}); err != nil {
		t.Fatalf("RegisterNode error: %v", err)
	}

	m := cluster.NewMembership(s, ids[0],
		cluster.WithDeadNodeThreshold(30*time.Second),
		cluster.WithLogger(quietLogger()),
	)

	active, err := m.ActiveNodeIDs(ctx)
	if err != nil {
		t.Fatalf("ActiveNodeIDs error: %v", err)
	}
	if len(active) != len(ids) {
		t.Fatalf("got %d active nodes, want %d: %v", len(active), len(ids), active)
	}
	for i := 1; i < len(active); i++ {
		if active[i-1] >= active[i] {
			t.Errorf("active node IDs not sorted: %v", active)
		}
	}
	for _, got := range active {
		if got == stale.String() || got == draining.String() {
			t.Errorf("unexpected node %s in active set", got)
		}
	}
}

func TestMembership_HeartbeatKeepsNodeFresh(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	m := cluster.NewMembership(s, id.NewDispatcherID(),
		cluster.WithHeartbeatInterval(5*time.Millisecond),
		cluster.WithDeadNodeThreshold(time.Minute),
		cluster.WithLogger(quietLogger()),
	)
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer m.Stop(ctx) //nolint:errcheck

	before, err := s.ListNodes(ctx)
	if err != nil {
		t.Fatalf("ListNodes error: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	after, err := s.ListNodes(ctx)
	if err != nil {
		t.Fatalf("ListNodes error: %v", err)
	}
	if !after[0].LastSeen.After(before[0].LastSeen) {
		t.Errorf("last_seen not advanced: before=%v after=%v", before[0].LastSeen, after[0].LastSeen)
	}
}
