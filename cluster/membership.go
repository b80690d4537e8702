package cluster

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/chronoq/chronoq/id"
)

// MembershipOption configures a Membership.
type MembershipOption func(*Membership)

// WithHeartbeatInterval sets how often the node refreshes its liveness.
func WithHeartbeatInterval(d time.Duration) MembershipOption {
	return func(m *Membership) { m.heartbeatInterval = d }
}

// WithDeadNodeThreshold sets how long a silent node stays in the member
// list before being reaped.
func WithDeadNodeThreshold(d time.Duration) MembershipOption {
	return func(m *Membership) { m.deadThreshold = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) MembershipOption {
	return func(m *Membership) { m.logger = l }
}

// Membership registers this node, keeps its heartbeat fresh, and answers
// "who is alive" for ring construction.
type Membership struct {
	store  Store
	nodeID id.DispatcherID
	logger *slog.Logger

	heartbeatInterval time.Duration
	deadThreshold     time.Duration

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewMembership creates a Membership for the given node ID.
func NewMembership(store Store, nodeID id.DispatcherID, opts ...MembershipOption) *Membership {
	m := &Membership{
		store:             store,
		nodeID:            nodeID,
		logger:            slog.Default(),
		heartbeatInterval: 5 * time.Second,
		deadThreshold:     30 * time.Second,
		stopCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NodeID returns this node's identifier.
func (m *Membership) NodeID() id.DispatcherID { return m.nodeID }

// Start registers the node and launches the heartbeat loop.
func (m *Membership) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	hostname, _ := os.Hostname() //nolint:errcheck // best-effort label
	now := time.Now().UTC()
	if err := m.store.RegisterNode(ctx, &Node{
		ID:        m.nodeID,
		Hostname:  hostname,
		State:     NodeActive,
		LastSeen:  now,
		CreatedAt: now,
	}); err != nil {
		return err
	}

	m.running = true
	m.wg.Add(1)
	go m.heartbeatLoop()

	m.logger.Info("cluster membership started",
		slog.String("node_id", m.nodeID.String()),
		slog.Duration("heartbeat_interval", m.heartbeatInterval),
	)
	return nil
}

// Stop halts the heartbeat loop and deregisters the node.
func (m *Membership) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	if err := m.store.DeregisterNode(ctx, m.nodeID); err != nil {
		m.logger.Warn("deregister failed",
			slog.String("node_id", m.nodeID.String()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// ActiveNodeIDs returns the sorted IDs of nodes seen within the dead-node
// threshold. Sorting keeps ring construction deterministic across callers.
func (m *Membership) ActiveNodeIDs(ctx context.Context) ([]string, error) {
	nodes, err := m.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-m.deadThreshold)
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.State != NodeActive || n.LastSeen.Before(cutoff) {
			continue
		}
		ids = append(ids, n.ID.String())
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Membership) heartbeatLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.heartbeatInterval)
			if err := m.store.HeartbeatNode(ctx, m.nodeID); err != nil {
				m.logger.Warn("node heartbeat failed",
					slog.String("node_id", m.nodeID.String()),
					slog.String("error", err.Error()),
				)
			}
			if _, err := m.store.ReapDeadNodes(ctx, m.deadThreshold); err != nil {
				m.logger.Warn("dead node reap failed", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}
