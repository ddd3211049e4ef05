// Package tasksource scans jobs for batches that can run and places them on
// the dispatch queue, ordered by priority and job age.
package tasksource

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/mule-ai/horde/internal/metrics"
	"github.com/mule-ai/horde/pkg/clock"
	"github.com/mule-ai/horde/pkg/events"
	"github.com/mule-ai/horde/pkg/fleet"
	"github.com/mule-ai/horde/pkg/graph"
	"github.com/mule-ai/horde/pkg/job"
)

// GraphStore loads graphs by id. *graph.Collection satisfies it.
type GraphStore interface {
	Get(ctx context.Context, id string) (*graph.Graph, error)
}

// FleetSource supplies the current configuration snapshot.
type FleetSource interface {
	Snapshot() *fleet.Snapshot
}

// StaticFleet is a FleetSource that never changes.
type StaticFleet struct {
	snapshot *fleet.Snapshot
}

func NewStaticFleet(snapshot *fleet.Snapshot) *StaticFleet {
	return &StaticFleet{snapshot: snapshot}
}

func (s *StaticFleet) Snapshot() *fleet.Snapshot { return s.snapshot }

// ScheduledBatch describes a batch placed on the queue. An autoscaler uses
// it to decide whether the pool needs more agents.
type ScheduledBatch struct {
	Pool                fleet.Pool
	PoolHasAgentsOnline bool
	Job                 *job.Job
	Graph               *graph.Graph
	BatchID             string
}

// Observer is told about every batch a tick schedules.
type Observer interface {
	BatchScheduled(ctx context.Context, batch ScheduledBatch)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, batch ScheduledBatch)

func (f ObserverFunc) BatchScheduled(ctx context.Context, batch ScheduledBatch) { f(ctx, batch) }

// TaskSource rebuilds the dispatch queue from job state.
type TaskSource struct {
	jobs      *job.Collection
	graphs    GraphStore
	fleet     FleetSource
	queue     *Queue
	observers []Observer
	events    events.Sink
	clock     clock.Clock
	logger    logr.Logger
}

// Option configures a TaskSource.
type Option func(*TaskSource)

// WithObserver registers an observer for scheduled batches.
func WithObserver(o Observer) Option {
	return func(s *TaskSource) { s.observers = append(s.observers, o) }
}

// WithEvents publishes a BatchScheduled event per scheduled batch.
func WithEvents(sink events.Sink) Option {
	return func(s *TaskSource) { s.events = sink }
}

// WithQueue shares a queue with other components. By default the task source
// creates its own.
func WithQueue(q *Queue) Option {
	return func(s *TaskSource) { s.queue = q }
}

func New(jobs *job.Collection, graphs GraphStore, fleetSource FleetSource, clk clock.Clock, logger logr.Logger, opts ...Option) *TaskSource {
	s := &TaskSource{
		jobs:   jobs,
		graphs: graphs,
		fleet:  fleetSource,
		events: events.Discard,
		clock:  clk,
		logger: logger.WithName("tasksource"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.queue == nil {
		s.queue = NewQueue()
	}
	return s
}

// Queue returns the dispatch queue.
func (s *TaskSource) Queue() *Queue {
	return s.queue
}

// Tick scans every active job once and replaces the queue with the batches
// found ready. Batches that can never run in the current configuration are
// completed with an error instead of being queued. A cancelled tick leaves
// the previous queue in place.
func (s *TaskSource) Tick(ctx context.Context) (err error) {
	start := s.clock.UtcNow()
	defer func() {
		metrics.RecordTick(err, s.clock.UtcNow().Sub(start).Seconds())
	}()

	snapshot := s.fleet.Snapshot()
	jobs, err := s.jobs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}

	graphs := make(map[string]*graph.Graph)
	var items []Item
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		g, ok := graphs[j.GraphHash]
		if !ok {
			g, err = s.graphs.Get(ctx, j.GraphHash)
			if err != nil {
				s.logger.Error(err, "Failed to load graph for job", "jobId", j.ID, "graphId", j.GraphHash)
				continue
			}
			graphs[j.GraphHash] = g
		}
		jobItems, err := s.scanJob(ctx, snapshot, j, g)
		if err != nil {
			s.logger.Error(err, "Failed to schedule job", "jobId", j.ID)
		}
		items = append(items, jobItems...)
	}

	s.queue.Replace(items)
	metrics.SetQueueLength(len(items))
	s.logger.V(1).Info("Tick complete", "jobs", len(jobs), "queued", len(items),
		"duration", s.clock.UtcNow().Sub(start))
	return nil
}

// StreamPauses reports the nodes paused in a stream's configuration. A nil
// stream pauses nothing.
func StreamPauses(stream *fleet.Stream) job.PauseFunc {
	return func(nodeName string) (job.UserID, bool) {
		user, ok := stream.IsPaused(nodeName)
		return job.UserID(user), ok
	}
}

// Paused returns the pause state of a stream in the current fleet snapshot,
// for use when creating jobs.
func (s *TaskSource) Paused(streamID string) job.PauseFunc {
	stream, _ := s.fleet.Snapshot().Stream(streamID)
	return StreamPauses(stream)
}

func (s *TaskSource) scanJob(ctx context.Context, snapshot *fleet.Snapshot, j *job.Job, g *graph.Graph) ([]Item, error) {
	stream, _ := snapshot.Stream(j.StreamID)

	if paused := StreamPauses(stream); j.NeedsPause(g, paused) {
		next, err := s.pause(ctx, j, g, paused)
		if err != nil {
			return nil, err
		}
		j = next
	}

	var batchIDs []string
	for _, bi := range j.ReadyBatches(g) {
		batchIDs = append(batchIDs, j.Batches[bi].ID)
	}

	var items []Item
	for _, batchID := range batchIDs {
		bi, ok := j.FindBatch(batchID)
		if !ok || !j.IsBatchReady(g, bi) {
			continue
		}
		agentType := g.Groups[j.Batches[bi].GroupIdx].AgentType

		poolID, ok := stream.PoolForAgentType(agentType)
		if !ok {
			next, err := s.reject(ctx, j, g, batchID, job.BatchErrorUnknownAgentType)
			if err != nil {
				return items, err
			}
			j = next
			continue
		}
		pool, ok := snapshot.Pool(poolID)
		if !ok {
			next, err := s.reject(ctx, j, g, batchID, job.BatchErrorUnknownPool)
			if err != nil {
				return items, err
			}
			j = next
			continue
		}
		if pool.HasNoAgents() {
			next, err := s.reject(ctx, j, g, batchID, job.BatchErrorNoAgentsInPool)
			if err != nil {
				return items, err
			}
			j = next
			continue
		}

		online := pool.HasAgentsOnline()
		items = append(items, Item{
			JobID:               j.ID,
			BatchID:             batchID,
			BatchIdx:            bi,
			PoolID:              pool.ID,
			AgentType:           agentType,
			Priority:            j.EffectivePriority(bi),
			JobCreatedAt:        j.CreatedAt,
			JobCreatedSeq:       j.CreatedSeq,
			PoolHasAgentsOnline: online,
		})
		s.scheduled(ctx, ScheduledBatch{Pool: *pool, PoolHasAgentsOnline: online, Job: j, Graph: g, BatchID: batchID})
	}
	return items, nil
}

func (s *TaskSource) scheduled(ctx context.Context, batch ScheduledBatch) {
	metrics.RecordBatchScheduled(batch.Pool.ID, batch.PoolHasAgentsOnline)
	for _, o := range s.observers {
		o.BatchScheduled(ctx, batch)
	}
	s.events.Publish(ctx, events.Event{
		Type:      events.TypeBatchScheduled,
		Timestamp: s.clock.UtcNow(),
		Source:    "tasksource",
		Data: map[string]interface{}{
			"jobId":               batch.Job.ID,
			"batchId":             batch.BatchID,
			"poolId":              batch.Pool.ID,
			"poolHasAgentsOnline": batch.PoolHasAgentsOnline,
		},
	})
}

// pause skips steps of nodes paused in the stream before any of their
// batches are queued.
func (s *TaskSource) pause(ctx context.Context, j *job.Job, g *graph.Graph, paused job.PauseFunc) (*job.Job, error) {
	for attempt := 0; attempt < job.DefaultMaxAttempts; attempt++ {
		if !j.NeedsPause(g, paused) {
			return j, nil
		}
		next, err := s.jobs.TryApplyPauses(ctx, j, g, paused)
		if err != nil {
			return j, err
		}
		if next != nil {
			s.logger.Info("Skipped paused steps", "jobId", j.ID)
			return next, nil
		}
		if j, err = s.jobs.Get(ctx, j.ID); err != nil {
			return nil, err
		}
	}
	return j, fmt.Errorf("pausing steps of job %s: too many conflicts", j.ID)
}

// reject completes a batch that cannot be dispatched. It re-reads the job on
// conflict and gives up quietly if the batch stopped being ready meanwhile.
// The returned job is the latest version seen.
func (s *TaskSource) reject(ctx context.Context, j *job.Job, g *graph.Graph, batchID string, code job.BatchError) (*job.Job, error) {
	upd := job.BatchUpdate{State: job.BatchComplete, Error: code}
	for attempt := 0; attempt < job.DefaultMaxAttempts; attempt++ {
		bi, ok := j.FindBatch(batchID)
		if !ok || !j.IsBatchReady(g, bi) {
			return j, nil
		}
		next, err := s.jobs.TryUpdateBatch(ctx, j, g, batchID, upd)
		if err != nil {
			return j, err
		}
		if next != nil {
			metrics.RecordBatchRejected(string(code))
			s.logger.Info("Batch cannot be scheduled", "jobId", j.ID, "batchId", batchID, "error", string(code))
			return next, nil
		}
		if j, err = s.jobs.Get(ctx, j.ID); err != nil {
			return nil, err
		}
	}
	return j, fmt.Errorf("rejecting batch %s of job %s: too many conflicts", batchID, j.ID)
}
