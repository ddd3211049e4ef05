// Package lease hands queued batches to agent sessions and turns lease and
// session loss into the incomplete signal the job model retries on.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"

	"github.com/mule-ai/horde/internal/docstore"
	"github.com/mule-ai/horde/internal/metrics"
	"github.com/mule-ai/horde/internal/tasksource"
	"github.com/mule-ai/horde/pkg/clock"
	"github.com/mule-ai/horde/pkg/events"
	"github.com/mule-ai/horde/pkg/ids"
	"github.com/mule-ai/horde/pkg/job"
)

// CollectionName is the document store collection holding leases.
const CollectionName = "leases"

// Errors
var (
	ErrLeaseNotFound = errors.New("lease not found")
	ErrNoWork        = errors.New("no work available")
)

// State is the lifecycle state of a lease.
type State string

const (
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateLost      State = "lost"
)

// Lease binds one batch to one agent session.
type Lease struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agent_id"`
	SessionID  string     `json:"session_id"`
	PoolID     string     `json:"pool_id"`
	JobID      string     `json:"job_id"`
	BatchID    string     `json:"batch_id"`
	LogID      string     `json:"log_id"`
	State      State      `json:"state"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Session is an agent asking for work.
type Session struct {
	AgentID   string
	SessionID string
	PoolIDs   []string
}

// Manager assigns queued batches to agents.
type Manager struct {
	leases *docstore.Typed[Lease]
	jobs   *job.Collection
	graphs tasksource.GraphStore
	queue  *tasksource.Queue
	clock  clock.Clock
	ids    ids.Generator
	events events.Sink
	logger logr.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithEvents publishes lease assignment and loss events.
func WithEvents(sink events.Sink) Option {
	return func(m *Manager) { m.events = sink }
}

func NewManager(store docstore.Store, jobs *job.Collection, graphs tasksource.GraphStore, queue *tasksource.Queue,
	clk clock.Clock, gen ids.Generator, logger logr.Logger, opts ...Option) *Manager {
	m := &Manager{
		leases: docstore.NewTyped[Lease](store.Collection(CollectionName)),
		jobs:   jobs,
		graphs: graphs,
		queue:  queue,
		clock:  clk,
		ids:    gen,
		events: events.Discard,
		logger: logger.WithName("lease"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AssignNext binds the best queued batch the session's pools can serve.
// Queue entries that went stale since the last tick are dropped. It returns
// ErrNoWork once the queue has nothing for the session.
func (m *Manager) AssignNext(ctx context.Context, session Session) (*Lease, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item, ok := m.queue.Pop(session.PoolIDs)
		if !ok {
			return nil, ErrNoWork
		}
		lease, err := m.tryAssign(ctx, session, item)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}
		m.logger.V(1).Info("Dropped stale queue entry", "jobId", item.JobID, "batchId", item.BatchID)
	}
}

// tryAssign returns nil, nil when the batch can no longer be leased. The
// lease document is written before the batch is bound so a bound batch
// always has a lease that EndSession and CancelLease can find.
func (m *Manager) tryAssign(ctx context.Context, session Session, item tasksource.Item) (*Lease, error) {
	lease := &Lease{
		ID:        m.ids.NewID(),
		AgentID:   session.AgentID,
		SessionID: session.SessionID,
		PoolID:    item.PoolID,
		JobID:     item.JobID,
		BatchID:   item.BatchID,
		LogID:     m.ids.NewID(),
		State:     StateActive,
		CreatedAt: m.clock.UtcNow(),
	}
	doc, err := m.leases.Insert(ctx, lease.ID, lease)
	if err != nil {
		return nil, fmt.Errorf("storing lease %s: %w", lease.ID, err)
	}

	bound, err := m.bind(ctx, session, item, lease)
	if err != nil || !bound {
		if _, delErr := m.leases.DeleteIfVersion(ctx, lease.ID, doc.Version); delErr != nil {
			m.logger.Error(delErr, "Failed to remove unbound lease", "leaseId", lease.ID)
		}
		return nil, err
	}

	metrics.RecordLease("assigned")
	m.publish(ctx, events.TypeLeaseAssigned, lease)
	m.logger.Info("Assigned lease", "leaseId", lease.ID, "jobId", lease.JobID, "batchId", lease.BatchID,
		"agentId", lease.AgentID, "poolId", lease.PoolID)
	return lease, nil
}

// bind records the lease on the queued batch. It reports false when the
// batch is gone or no longer ready.
func (m *Manager) bind(ctx context.Context, session Session, item tasksource.Item, lease *Lease) (bool, error) {
	for attempt := 0; attempt < job.DefaultMaxAttempts; attempt++ {
		j, err := m.jobs.Get(ctx, item.JobID)
		if errors.Is(err, job.ErrJobNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		g, err := m.graphs.Get(ctx, j.GraphHash)
		if err != nil {
			return false, fmt.Errorf("loading graph for job %s: %w", j.ID, err)
		}
		bi, ok := j.FindBatch(item.BatchID)
		if !ok || !j.IsBatchReady(g, bi) {
			return false, nil
		}
		assigned, err := m.jobs.TryAssignLease(ctx, j, g, item.BatchID, item.PoolID, session.AgentID, session.SessionID, lease.ID, lease.LogID)
		if err != nil {
			return false, err
		}
		if assigned != nil {
			return true, nil
		}
	}
	return false, fmt.Errorf("assigning batch %s of job %s: %w", item.BatchID, item.JobID, docstore.ErrConflict)
}

// Get loads a lease.
func (m *Manager) Get(ctx context.Context, id string) (*Lease, error) {
	doc, err := m.leases.Get(ctx, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("lease %s: %w", id, ErrLeaseNotFound)
	}
	if err != nil {
		return nil, err
	}
	return doc.Value, nil
}

// Active returns every lease still held by an agent.
func (m *Manager) Active(ctx context.Context) ([]*Lease, error) {
	docs, err := m.leases.List(ctx, "")
	if err != nil {
		return nil, err
	}
	return lo.FilterMap(docs, func(d *docstore.Versioned[Lease], _ int) (*Lease, bool) {
		return d.Value, d.Value.State == StateActive
	}), nil
}

// CompleteLease is called when the agent finishes its batch. Steps the
// agent never reported are treated as incomplete.
func (m *Manager) CompleteLease(ctx context.Context, id string) error {
	return m.finish(ctx, id, StateCompleted, job.BatchErrorNone)
}

// CancelLease revokes a lease before its batch finishes.
func (m *Manager) CancelLease(ctx context.Context, id string) error {
	return m.finish(ctx, id, StateCancelled, job.BatchErrorIncomplete)
}

// EndSession releases every active lease of a session. Their batches are
// completed as incomplete so the job model can retry them.
func (m *Manager) EndSession(ctx context.Context, sessionID string) error {
	active, err := m.Active(ctx)
	if err != nil {
		return err
	}
	for _, l := range active {
		if l.SessionID != sessionID {
			continue
		}
		if err := m.finish(ctx, l.ID, StateLost, job.BatchErrorIncomplete); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) finish(ctx context.Context, id string, state State, batchErr job.BatchError) error {
	var finished *Lease
	_, err := m.leases.Update(ctx, id, job.DefaultMaxAttempts, func(l *Lease) (bool, error) {
		finished = nil
		if l.State != StateActive {
			return false, nil
		}
		l.State = state
		now := m.clock.UtcNow()
		l.FinishedAt = &now
		finished = l
		return true, nil
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("lease %s: %w", id, ErrLeaseNotFound)
	}
	if err != nil {
		return err
	}
	if finished == nil {
		return nil
	}

	metrics.RecordLease(string(state))
	if state != StateCompleted {
		m.publish(ctx, events.TypeLeaseLost, finished)
	}
	return m.releaseBatch(ctx, finished, batchErr)
}

// releaseBatch completes the lease's batch if it is still bound to the lease
// and not already complete.
func (m *Manager) releaseBatch(ctx context.Context, l *Lease, batchErr job.BatchError) error {
	for attempt := 0; attempt < job.DefaultMaxAttempts; attempt++ {
		j, err := m.jobs.Get(ctx, l.JobID)
		if errors.Is(err, job.ErrJobNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		bi, ok := j.FindBatch(l.BatchID)
		if !ok || j.Batches[bi].LeaseID != l.ID || j.Batches[bi].State == job.BatchComplete {
			return nil
		}
		g, err := m.graphs.Get(ctx, j.GraphHash)
		if err != nil {
			return fmt.Errorf("loading graph for job %s: %w", j.ID, err)
		}
		next, err := m.jobs.TryUpdateBatch(ctx, j, g, l.BatchID, job.BatchUpdate{State: job.BatchComplete, Error: batchErr})
		if err != nil {
			return err
		}
		if next != nil {
			m.logger.Info("Released batch", "leaseId", l.ID, "jobId", l.JobID, "batchId", l.BatchID, "state", string(l.State))
			return nil
		}
	}
	return fmt.Errorf("releasing batch %s of job %s: %w", l.BatchID, l.JobID, docstore.ErrConflict)
}

func (m *Manager) publish(ctx context.Context, t events.Type, l *Lease) {
	m.events.Publish(ctx, events.Event{
		Type:      t,
		Timestamp: m.clock.UtcNow(),
		Source:    "lease",
		Data: map[string]interface{}{
			"leaseId":   l.ID,
			"jobId":     l.JobID,
			"batchId":   l.BatchID,
			"agentId":   l.AgentID,
			"sessionId": l.SessionID,
			"poolId":    l.PoolID,
		},
	})
}
