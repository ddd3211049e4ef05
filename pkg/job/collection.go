package job

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-logr/logr"

	"github.com/mule-ai/horde/internal/docstore"
	"github.com/mule-ai/horde/pkg/clock"
	"github.com/mule-ai/horde/pkg/events"
	"github.com/mule-ai/horde/pkg/graph"
	"github.com/mule-ai/horde/pkg/ids"
)

// CollectionName is the document store collection holding jobs.
const CollectionName = "jobs"

// SequenceCollectionName holds the counter that numbers jobs in creation
// order.
const SequenceCollectionName = "job_sequence"

const sequenceKey = "jobs"

type sequence struct {
	Last int64 `json:"last"`
}

// DefaultMaxAttempts bounds the retry loops of the Update helpers.
const DefaultMaxAttempts = 10

// Collection persists jobs. The TryUpdate methods apply a change to the
// version of the job the caller holds and return nil, nil if someone else
// modified it first; callers re-read and decide whether to try again.
type Collection struct {
	jobs     *docstore.Typed[Job]
	seq      *docstore.Typed[sequence]
	stepRefs StepRefStore
	events   events.Sink
	clock    clock.Clock
	ids      ids.Generator
	logger   logr.Logger
}

// Option configures a Collection.
type Option func(*Collection)

// WithEvents publishes step and batch notifications to sink.
func WithEvents(sink events.Sink) Option {
	return func(c *Collection) { c.events = sink }
}

// WithStepRefStore overrides where step history is written.
func WithStepRefStore(store StepRefStore) Option {
	return func(c *Collection) { c.stepRefs = store }
}

func NewCollection(store docstore.Store, clk clock.Clock, gen ids.Generator, logger logr.Logger, opts ...Option) *Collection {
	c := &Collection{
		jobs:     docstore.NewTyped[Job](store.Collection(CollectionName)),
		seq:      docstore.NewTyped[sequence](store.Collection(SequenceCollectionName)),
		stepRefs: NewDocStepRefStore(store),
		events:   events.Discard,
		clock:    clk,
		ids:      gen,
		logger:   logger.WithName("jobs"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StepRefs returns the step history store.
func (c *Collection) StepRefs() StepRefStore {
	return c.stepRefs
}

// Add creates and stores a new job for g.
func (c *Collection) Add(ctx context.Context, opts CreateOptions, g *graph.Graph, paused PauseFunc) (*Job, error) {
	j, err := NewJob(c.ids.NewID(), opts, g, paused, c.ids, c.clock.UtcNow())
	if err != nil {
		return nil, err
	}
	if j.CreatedSeq, err = c.nextSeq(ctx); err != nil {
		return nil, err
	}
	doc, err := c.jobs.Insert(ctx, j.ID, j)
	if err != nil {
		return nil, fmt.Errorf("storing job %s: %w", j.ID, err)
	}
	j.Version = doc.Version
	c.logger.Info("Created job", "jobId", j.ID, "streamId", j.StreamID, "templateId", j.TemplateID,
		"change", j.Change, "batches", len(j.Batches))
	return j, nil
}

// Get loads a job.
func (c *Collection) Get(ctx context.Context, id string) (*Job, error) {
	doc, err := c.jobs.Get(ctx, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return nil, err
	}
	doc.Value.Version = doc.Version
	return doc.Value, nil
}

// List returns every job, oldest first.
func (c *Collection) List(ctx context.Context) ([]*Job, error) {
	docs, err := c.jobs.List(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(docs))
	for _, d := range docs {
		d.Value.Version = d.Version
		out = append(out, d.Value)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].createdBefore(out[b]) })
	return out, nil
}

// nextSeq allocates the next job sequence number.
func (c *Collection) nextSeq(ctx context.Context) (int64, error) {
	for attempt := 0; attempt < DefaultMaxAttempts; attempt++ {
		cur, err := c.seq.Get(ctx, sequenceKey)
		if errors.Is(err, docstore.ErrNotFound) {
			_, err = c.seq.Insert(ctx, sequenceKey, &sequence{Last: 1})
			if err == nil {
				return 1, nil
			}
			if !errors.Is(err, docstore.ErrConflict) {
				return 0, fmt.Errorf("failed to allocate job sequence: %w", err)
			}
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to allocate job sequence: %w", err)
		}
		next := &sequence{Last: cur.Value.Last + 1}
		doc, err := c.seq.CompareAndSwap(ctx, sequenceKey, cur.Version, next)
		if err != nil {
			return 0, fmt.Errorf("failed to allocate job sequence: %w", err)
		}
		if doc != nil {
			return next.Last, nil
		}
	}
	return 0, fmt.Errorf("allocating job sequence: %w", docstore.ErrConflict)
}

// ListActive returns the jobs that still have work outstanding.
func (c *Collection) ListActive(ctx context.Context) ([]*Job, error) {
	all, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, j := range all {
		if j.State() != JobComplete {
			active = append(active, j)
		}
	}
	return active, nil
}

// Delete removes a job. Its step history is kept.
func (c *Collection) Delete(ctx context.Context, id string) error {
	err := c.jobs.Delete(ctx, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	return err
}

// TryUpdateBatch applies a batch update.
func (c *Collection) TryUpdateBatch(ctx context.Context, j *Job, g *graph.Graph, batchID string, upd BatchUpdate) (*Job, error) {
	return c.tryUpdate(ctx, j, g, func(next *Job) (bool, error) {
		bi, ok := next.FindBatch(batchID)
		if !ok {
			return false, fmt.Errorf("batch %s of job %s: %w", batchID, j.ID, ErrBatchNotFound)
		}
		return true, next.applyBatchUpdate(g, bi, upd, c.ids, c.clock.UtcNow())
	})
}

// TryUpdateStep applies a step update.
func (c *Collection) TryUpdateStep(ctx context.Context, j *Job, g *graph.Graph, batchID, stepID string, upd StepUpdate) (*Job, error) {
	return c.tryUpdate(ctx, j, g, func(next *Job) (bool, error) {
		bi, si, ok := next.FindStep(batchID, stepID)
		if !ok {
			return false, fmt.Errorf("step %s/%s of job %s: %w", batchID, stepID, j.ID, ErrStepNotFound)
		}
		return true, next.applyStepUpdate(g, bi, si, upd, c.ids, c.clock.UtcNow())
	})
}

// TryUpdateJob changes job level settings. Step priorities are left as they
// are.
func (c *Collection) TryUpdateJob(ctx context.Context, j *Job, g *graph.Graph, name string, priority Priority) (*Job, error) {
	return c.tryUpdate(ctx, j, g, func(next *Job) (bool, error) {
		if name != "" {
			next.Name = name
		}
		if priority != PriorityUnspecified {
			next.Priority = priority
		}
		return true, nil
	})
}

// TryAbort requests an abort of every unfinished step in the job.
func (c *Collection) TryAbort(ctx context.Context, j *Job, g *graph.Graph, user UserID) (*Job, error) {
	return c.tryUpdate(ctx, j, g, func(next *Job) (bool, error) {
		now := c.clock.UtcNow()
		for bi := range next.Batches {
			for si := range next.Batches[bi].Steps {
				s := &next.Batches[bi].Steps[si]
				if s.State.IsTerminal() {
					continue
				}
				upd := StepUpdate{AbortRequested: true, AbortByUserID: user}
				if err := next.applyStepUpdate(g, bi, si, upd, c.ids, now); err != nil {
					return false, err
				}
			}
		}
		return true, nil
	})
}

// TryUpdateGraph moves the job onto newGraph, which must extend the graph
// the job was created against.
func (c *Collection) TryUpdateGraph(ctx context.Context, j *Job, oldGraph, newGraph *graph.Graph, paused PauseFunc) (*Job, error) {
	return c.tryUpdate(ctx, j, newGraph, func(next *Job) (bool, error) {
		return true, next.updateGraph(oldGraph, newGraph, paused, c.ids, c.clock.UtcNow())
	})
}

// TryApplyPauses skips the unstarted steps of nodes that paused reports, and
// their dependents. It returns nil, nil if nothing changed or the job was
// updated underneath; callers check NeedsPause first.
func (c *Collection) TryApplyPauses(ctx context.Context, j *Job, g *graph.Graph, paused PauseFunc) (*Job, error) {
	return c.tryUpdate(ctx, j, g, func(next *Job) (bool, error) {
		return next.applyPause(g, paused, c.clock.UtcNow()), nil
	})
}

// TryAssignLease binds a ready batch to a lease. It returns nil, nil if the
// batch is no longer dispatchable or the job changed underneath.
func (c *Collection) TryAssignLease(ctx context.Context, j *Job, g *graph.Graph, batchID, poolID, agentID, sessionID, leaseID, logID string) (*Job, error) {
	return c.tryUpdate(ctx, j, g, func(next *Job) (bool, error) {
		bi, ok := next.FindBatch(batchID)
		if !ok {
			return false, fmt.Errorf("batch %s of job %s: %w", batchID, j.ID, ErrBatchNotFound)
		}
		return next.assignLease(g, bi, poolID, agentID, sessionID, leaseID, logID, c.clock.UtcNow()), nil
	})
}

// UpdateBatch retries TryUpdateBatch against fresh copies of the job until
// it lands or maxAttempts is reached.
func (c *Collection) UpdateBatch(ctx context.Context, jobID string, g *graph.Graph, batchID string, upd BatchUpdate) (*Job, error) {
	return c.retry(ctx, jobID, func(j *Job) (*Job, error) {
		return c.TryUpdateBatch(ctx, j, g, batchID, upd)
	})
}

// UpdateStep retries TryUpdateStep against fresh copies of the job.
func (c *Collection) UpdateStep(ctx context.Context, jobID string, g *graph.Graph, batchID, stepID string, upd StepUpdate) (*Job, error) {
	return c.retry(ctx, jobID, func(j *Job) (*Job, error) {
		return c.TryUpdateStep(ctx, j, g, batchID, stepID, upd)
	})
}

func (c *Collection) retry(ctx context.Context, jobID string, fn func(*Job) (*Job, error)) (*Job, error) {
	for attempt := 0; attempt < DefaultMaxAttempts; attempt++ {
		j, err := c.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		next, err := fn(j)
		if err != nil {
			return nil, err
		}
		if next != nil {
			return next, nil
		}
		c.logger.V(1).Info("Job update conflict, retrying", "jobId", jobID, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("updating job %s: %w", jobID, docstore.ErrConflict)
}

// tryUpdate mutates a copy of j and writes it back if the stored version is
// unchanged. fn returning false abandons the update as a conflict.
func (c *Collection) tryUpdate(ctx context.Context, j *Job, g *graph.Graph, fn func(next *Job) (bool, error)) (*Job, error) {
	next := j.Clone()
	ok, err := fn(next)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	next.UpdatedAt = c.clock.UtcNow()

	doc, err := c.jobs.CompareAndSwap(ctx, j.ID, j.Version, next)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("job %s: %w", j.ID, ErrJobNotFound)
	}
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	next.Version = doc.Version
	c.afterUpdate(ctx, j, next, g)
	return next, nil
}

// afterUpdate writes history and notifications for changes that landed.
// Failures here are logged; the job itself is already stored.
func (c *Collection) afterUpdate(ctx context.Context, prev, next *Job, g *graph.Graph) {
	before := make(map[string]Step)
	batchesBefore := make(map[string]BatchState)
	for _, b := range prev.Batches {
		batchesBefore[b.ID] = b.State
		for _, s := range b.Steps {
			before[b.ID+"/"+s.ID] = s
		}
	}
	now := c.clock.UtcNow()

	for bi := range next.Batches {
		b := &next.Batches[bi]
		for si := range b.Steps {
			s := &b.Steps[si]
			old, existed := before[b.ID+"/"+s.ID]
			if s.State == StepCompleted && (!existed || old.State != StepCompleted) {
				c.stepCompleted(ctx, next, b, s, g)
			}
			if s.RetryByUserID != "" && !existed {
				c.events.Publish(ctx, events.Event{
					Type:      events.TypeStepRetried,
					Timestamp: now,
					Source:    "jobs",
					Data: map[string]interface{}{
						"jobId":   next.ID,
						"batchId": b.ID,
						"stepId":  s.ID,
						"node":    nodeName(g, b, s),
						"userId":  string(s.RetryByUserID),
					},
				})
			}
		}
		if state, ok := batchesBefore[b.ID]; b.State == BatchComplete && (!ok || state != BatchComplete) {
			c.events.Publish(ctx, events.Event{
				Type:      events.TypeBatchCompleted,
				Timestamp: now,
				Source:    "jobs",
				Data: map[string]interface{}{
					"jobId":   next.ID,
					"batchId": b.ID,
					"error":   string(b.Error),
				},
			})
		}
	}
}

func (c *Collection) stepCompleted(ctx context.Context, j *Job, b *Batch, s *Step, g *graph.Graph) {
	name := nodeName(g, b, s)
	ref := &StepRef{
		JobID:        j.ID,
		BatchID:      b.ID,
		StepID:       s.ID,
		StreamID:     j.StreamID,
		TemplateID:   j.TemplateID,
		NodeName:     name,
		Change:       j.Change,
		PoolID:       b.PoolID,
		AgentID:      b.AgentID,
		LogID:        s.LogID,
		Outcome:      s.Outcome,
		Error:        s.Error,
		UpdateIssues: j.UpdateIssues,
		BisectTaskID: j.BisectTaskID,
		JobStartedAt: j.CreatedAt,
		StartedAt:    s.StartedAt,
		FinishedAt:   s.FinishedAt,
	}
	if err := c.stepRefs.Insert(ctx, ref); err != nil {
		c.logger.Error(err, "Failed to write step ref", "jobId", j.ID, "batchId", b.ID, "stepId", s.ID)
	}

	data := map[string]interface{}{
		"jobId":    j.ID,
		"batchId":  b.ID,
		"stepId":   s.ID,
		"node":     name,
		"streamId": j.StreamID,
		"change":   j.Change,
		"outcome":  string(s.Outcome),
	}
	c.events.Publish(ctx, events.Event{Type: events.TypeStepCompleted, Timestamp: j.UpdatedAt, Source: "jobs", Data: data})
	if j.UpdateIssues {
		c.events.Publish(ctx, events.Event{Type: events.TypeIssueUpdate, Timestamp: j.UpdatedAt, Source: "jobs", Data: data})
	}
}

func nodeName(g *graph.Graph, b *Batch, s *Step) string {
	ref := b.NodeRef(s)
	if g == nil || !g.HasNode(ref) {
		return fmt.Sprintf("%d:%d", ref.GroupIdx, ref.NodeIdx)
	}
	return g.Node(ref).Name
}
