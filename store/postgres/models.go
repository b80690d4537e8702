package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/chronoq/chronoq/cluster"
	"github.com/chronoq/chronoq/id"
	"github.com/chronoq/chronoq/job"
)

// ── Job model ─────────────────────────────────────────────────────

type jobModel struct {
	bun.BaseModel `bun:"table:chronoq_jobs"`

	ID             string          `bun:"id,pk"`
	IdempotencyKey string          `bun:"idempotency_key,notnull,default:''"`
	Kind           string          `bun:"kind,notnull,default:'ad_hoc'"`
	CronExpr       string          `bun:"cron_expr,notnull,default:''"`
	PartitionKey   string          `bun:"partition_key,notnull"`
	ExecutionTime  time.Time       `bun:"execution_time,notnull"`
	Status         string          `bun:"status,notnull,default:'scheduled'"`
	Task           json.RawMessage `bun:"task,notnull,type:jsonb"`
	RetryPolicy    json.RawMessage `bun:"retry_policy,notnull,type:jsonb"`
	AttemptCount   int             `bun:"attempt_count,notnull,default:0"`
	LeaseOwner     *string         `bun:"lease_owner"`
	LeaseExpiresAt *time.Time      `bun:"lease_expires_at"`
	Version        int64           `bun:"version,notnull,default:1"`
	LastError      string          `bun:"last_error,notnull,default:''"`
	LastStatusCode int             `bun:"last_status_code,notnull,default:0"`
	StartedAt      *time.Time      `bun:"started_at"`
	CompletedAt    *time.Time      `bun:"completed_at"`
	CreatedAt      time.Time       `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt      time.Time       `bun:"updated_at,notnull,default:current_timestamp"`
}

func toJobModel(j *job.Job) (*jobModel, error) {
	task, err := json.Marshal(j.Task)
	if err != nil {
		return nil, fmt.Errorf("chronoq/postgres: marshal task: %w", err)
	}
	policy, err := json.Marshal(j.RetryPolicy)
	if err != nil {
		return nil, fmt.Errorf("chronoq/postgres: marshal retry policy: %w", err)
	}

	m := &jobModel{
		ID:             j.ID.String(),
		IdempotencyKey: j.IdempotencyKey,
		Kind:           string(j.Kind),
		CronExpr:       j.CronExpr,
		PartitionKey:   j.PartitionKey,
		ExecutionTime:  j.ExecutionTime,
		Status:         string(j.Status),
		Task:           task,
		RetryPolicy:    policy,
		AttemptCount:   j.AttemptCount,
		LeaseExpiresAt: j.LeaseExpiresAt,
		Version:        j.Version,
		LastError:      j.LastError,
		LastStatusCode: j.LastStatusCode,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
	if !j.LeaseOwner.IsNil() {
		owner := j.LeaseOwner.String()
		m.LeaseOwner = &owner
	}
	return m, nil
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("chronoq/postgres: parse job id %q: %w", m.ID, err)
	}

	j := &job.Job{
		ID:             parsedID,
		IdempotencyKey: m.IdempotencyKey,
		Kind:           job.Kind(m.Kind),
		CronExpr:       m.CronExpr,
		PartitionKey:   m.PartitionKey,
		ExecutionTime:  m.ExecutionTime,
		Status:         job.Status(m.Status),
		AttemptCount:   m.AttemptCount,
		LeaseExpiresAt: m.LeaseExpiresAt,
		Version:        m.Version,
		LastError:      m.LastError,
		LastStatusCode: m.LastStatusCode,
		StartedAt:      m.StartedAt,
		CompletedAt:    m.CompletedAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}

	if len(m.Task) > 0 {
		if uErr := json.Unmarshal(m.Task, &j.Task); uErr != nil {
			return nil, fmt.Errorf("chronoq/postgres: unmarshal task: %w", uErr)
		}
	}
	if len(m.RetryPolicy) > 0 {
		if uErr := json.Unmarshal(m.RetryPolicy, &j.RetryPolicy); uErr != nil {
			return nil, fmt.Errorf("chronoq/postgres: unmarshal retry policy: %w", uErr)
		}
	}
	if m.LeaseOwner != nil && *m.LeaseOwner != "" {
		owner, wErr := id.ParseWorkerID(*m.LeaseOwner)
		if wErr == nil {
			j.LeaseOwner = owner
		}
	}

	return j, nil
}

// ── Node model ────────────────────────────────────────────────────

type nodeModel struct {
	bun.BaseModel `bun:"table:chronoq_nodes"`

	ID        string    `bun:"id,pk"`
	Hostname  string    `bun:"hostname,notnull"`
	State     string    `bun:"state,notnull,default:'active'"`
	LastSeen  time.Time `bun:"last_seen,notnull,default:current_timestamp"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

func toNodeModel(n *cluster.Node) *nodeModel {
	return &nodeModel{
		ID:        n.ID.String(),
		Hostname:  n.Hostname,
		State:     string(n.State),
		LastSeen:  n.LastSeen,
		CreatedAt: n.CreatedAt,
	}
}

func fromNodeModel(m *nodeModel) (*cluster.Node, error) {
	parsedID, err := id.ParseDispatcherID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("chronoq/postgres: parse node id %q: %w", m.ID, err)
	}

	return &cluster.Node{
		ID:        parsedID,
		Hostname:  m.Hostname,
		State:     cluster.NodeState(m.State),
		LastSeen:  m.LastSeen,
		CreatedAt: m.CreatedAt,
	}, nil
}
