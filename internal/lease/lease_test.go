package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mule-ai/horde/internal/docstore"
	"github.com/mule-ai/horde/internal/tasksource"
	"github.com/mule-ai/horde/pkg/clock"
	"github.com/mule-ai/horde/pkg/events"
	"github.com/mule-ai/horde/pkg/fleet"
	"github.com/mule-ai/horde/pkg/graph"
	"github.com/mule-ai/horde/pkg/ids"
	"github.com/mule-ai/horde/pkg/job"
)

type fixture struct {
	ctx     context.Context
	jobs    *job.Collection
	graph   *graph.Graph
	source  *tasksource.TaskSource
	manager *Manager
	events  *events.Recorder
}

// failingInserts makes lease inserts fail while the rest of the store works.
type failingInserts struct {
	docstore.Store
}

func (s failingInserts) Collection(name string) docstore.Collection {
	c := s.Store.Collection(name)
	if name == CollectionName {
		return failingCollection{c}
	}
	return c
}

type failingCollection struct {
	docstore.Collection
}

func (failingCollection) Insert(context.Context, string, []byte) (*docstore.Document, error) {
	return nil, errors.New("db down")
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, docstore.NewMemoryStore())
}

func newFixtureWithStore(t *testing.T, store docstore.Store) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	gen := ids.NewSequentialGenerator("id-")

	graphs := graph.NewCollection(store, logr.Discard())
	root, err := graphs.Add(ctx, graph.Template{ID: "incremental"}, nil)
	require.NoError(t, err)
	g, err := graphs.Append(ctx, root, graph.Delta{Groups: []graph.NewGroup{
		{AgentType: "Win64", Nodes: []graph.NewNode{{Name: "Compile"}, {Name: "Test", InputDependencies: []string{"Compile"}}}},
	}})
	require.NoError(t, err)

	snapshot := &fleet.Snapshot{
		Streams: []fleet.Stream{{ID: "main", AgentTypes: map[string]string{"Win64": "win"}}},
		Pools:   []fleet.Pool{{ID: "win", AgentCount: 2, OnlineCount: 2}},
	}
	jobs := job.NewCollection(store, clk, gen, logr.Discard())
	source := tasksource.New(jobs, graphs, tasksource.NewStaticFleet(snapshot), clk, logr.Discard())
	rec := events.NewRecorder()
	manager := NewManager(store, jobs, graphs, source.Queue(), clk, gen, logr.Discard(), WithEvents(rec))
	return &fixture{ctx: ctx, jobs: jobs, graph: g, source: source, manager: manager, events: rec}
}

func (f *fixture) addJob(t *testing.T) *job.Job {
	t.Helper()
	j, err := f.jobs.Add(f.ctx, job.CreateOptions{StreamID: "main", TemplateID: "incremental"}, f.graph, nil)
	require.NoError(t, err)
	require.NoError(t, f.source.Tick(f.ctx))
	return j
}

func TestAssignNext(t *testing.T) {
	f := newFixture(t)
	j := f.addJob(t)

	_, err := f.manager.AssignNext(f.ctx, Session{AgentID: "agent-1", SessionID: "s1", PoolIDs: []string{"mac"}})
	assert.ErrorIs(t, err, ErrNoWork)

	l, err := f.manager.AssignNext(f.ctx, Session{AgentID: "agent-1", SessionID: "s1", PoolIDs: []string{"win"}})
	require.NoError(t, err)
	assert.Equal(t, j.ID, l.JobID)
	assert.Equal(t, j.Batches[0].ID, l.BatchID)
	assert.Equal(t, StateActive, l.State)

	stored, err := f.jobs.Get(f.ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.BatchStarting, stored.Batches[0].State)
	assert.Equal(t, l.ID, stored.Batches[0].LeaseID)
	assert.Equal(t, "agent-1", stored.Batches[0].AgentID)

	_, err = f.manager.AssignNext(f.ctx, Session{AgentID: "agent-2", SessionID: "s2", PoolIDs: []string{"win"}})
	assert.ErrorIs(t, err, ErrNoWork)

	active, err := f.manager.Active(f.ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	assert.Len(t, f.events.Events(events.TypeLeaseAssigned), 1)
}

func TestStaleQueueEntryIsNotDoubleAssigned(t *testing.T) {
	f := newFixture(t)
	j := f.addJob(t)

	_, err := f.manager.AssignNext(f.ctx, Session{AgentID: "agent-1", SessionID: "s1"})
	require.NoError(t, err)

	// A second tick before the agent starts must not queue the batch again.
	require.NoError(t, f.source.Tick(f.ctx))
	assert.Equal(t, 0, f.source.Queue().Len())

	// Re-queue the stale entry by hand.
	f.source.Queue().Replace([]tasksource.Item{{JobID: j.ID, BatchID: j.Batches[0].ID, PoolID: "win"}})
	_, err = f.manager.AssignNext(f.ctx, Session{AgentID: "agent-2", SessionID: "s2"})
	assert.ErrorIs(t, err, ErrNoWork)

	// The lease written for the stale entry is removed again.
	active, err := f.manager.Active(f.ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestFailedLeaseWriteLeavesBatchQueued(t *testing.T) {
	f := newFixtureWithStore(t, failingInserts{docstore.NewMemoryStore()})
	j := f.addJob(t)

	_, err := f.manager.AssignNext(f.ctx, Session{AgentID: "agent-1", SessionID: "s1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")

	stored, err := f.jobs.Get(f.ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.BatchReady, stored.Batches[0].State)
	assert.Empty(t, stored.Batches[0].LeaseID)
	assert.Empty(t, f.events.Events(events.TypeLeaseAssigned))

	require.NoError(t, f.source.Tick(f.ctx))
	assert.Equal(t, 1, f.source.Queue().Len())
}

func TestEndSessionRetriesBatch(t *testing.T) {
	f := newFixture(t)
	j := f.addJob(t)

	l, err := f.manager.AssignNext(f.ctx, Session{AgentID: "agent-1", SessionID: "s1"})
	require.NoError(t, err)

	require.NoError(t, f.manager.EndSession(f.ctx, "s1"))

	stored, err := f.manager.Get(f.ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, StateLost, stored.State)
	assert.NotNil(t, stored.FinishedAt)

	updated, err := f.jobs.Get(f.ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, updated.Batches, 2)
	assert.Equal(t, job.BatchErrorIncomplete, updated.Batches[0].Error)
	assert.Equal(t, job.BatchReady, updated.Batches[1].State)
	assert.Len(t, f.events.Events(events.TypeLeaseLost), 1)

	// Ending the session again is a no-op.
	require.NoError(t, f.manager.EndSession(f.ctx, "s1"))

	require.NoError(t, f.source.Tick(f.ctx))
	next, err := f.manager.AssignNext(f.ctx, Session{AgentID: "agent-2", SessionID: "s2"})
	require.NoError(t, err)
	assert.Equal(t, updated.Batches[1].ID, next.BatchID)
}

func TestCompleteLease(t *testing.T) {
	f := newFixture(t)
	j := f.addJob(t)

	l, err := f.manager.AssignNext(f.ctx, Session{AgentID: "agent-1", SessionID: "s1"})
	require.NoError(t, err)

	current, err := f.jobs.Get(f.ctx, j.ID)
	require.NoError(t, err)
	for _, s := range current.Batches[0].Steps {
		current, err = f.jobs.UpdateStep(f.ctx, j.ID, f.graph, l.BatchID, s.ID, job.StepUpdate{State: job.StepRunning})
		require.NoError(t, err)
		current, err = f.jobs.UpdateStep(f.ctx, j.ID, f.graph, l.BatchID, s.ID, job.StepUpdate{State: job.StepCompleted, Outcome: job.OutcomeSuccess})
		require.NoError(t, err)
	}
	assert.Equal(t, job.JobComplete, current.State())

	require.NoError(t, f.manager.CompleteLease(f.ctx, l.ID))
	stored, err := f.manager.Get(f.ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, stored.State)

	final, err := f.jobs.Get(f.ctx, j.ID)
	require.NoError(t, err)
	assert.Len(t, final.Batches, 1)
	assert.Equal(t, job.BatchErrorNone, final.Batches[0].Error)
	assert.Empty(t, f.events.Events(events.TypeLeaseLost))
}

func TestCancelLeaseBeforeStart(t *testing.T) {
	f := newFixture(t)
	j := f.addJob(t)

	l, err := f.manager.AssignNext(f.ctx, Session{AgentID: "agent-1", SessionID: "s1"})
	require.NoError(t, err)
	require.NoError(t, f.manager.CancelLease(f.ctx, l.ID))

	updated, err := f.jobs.Get(f.ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, updated.Batches, 2)
	assert.Equal(t, []job.StepState{job.StepReady, job.StepWaiting},
		[]job.StepState{updated.Batches[1].Steps[0].State, updated.Batches[1].Steps[1].State})

	err = f.manager.CancelLease(f.ctx, "missing")
	assert.ErrorIs(t, err, ErrLeaseNotFound)
}
