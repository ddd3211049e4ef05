// Package job holds the mutable state of jobs: batches of steps bound to
// graph nodes, the rules that move them between states, and a collection
// that persists them with optimistic concurrency.
package job

import (
	"errors"
	"time"

	"github.com/mule-ai/horde/pkg/graph"
)

// Errors
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrBatchNotFound     = errors.New("batch not found")
	ErrStepNotFound      = errors.New("step not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrUnknownTarget     = errors.New("unknown target")
)

// Step is one execution of a graph node. NodeIdx indexes the nodes of the
// owning batch's group.
type Step struct {
	ID              string      `json:"id"`
	NodeIdx         int         `json:"node_idx"`
	State           StepState   `json:"state"`
	Outcome         StepOutcome `json:"outcome"`
	Error           StepError   `json:"error,omitempty"`
	Priority        Priority    `json:"priority,omitempty"`
	AbortRequested  bool        `json:"abort_requested,omitempty"`
	AbortByUserID   UserID      `json:"abort_by_user_id,omitempty"`
	RetryByUserID   UserID      `json:"retry_by_user_id,omitempty"`
	PausedByUserID  UserID      `json:"paused_by_user_id,omitempty"`
	IncompleteRetry bool        `json:"incomplete_retry,omitempty"`
	LogID           string      `json:"log_id,omitempty"`
	ReadyAt         *time.Time  `json:"ready_at,omitempty"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	FinishedAt      *time.Time  `json:"finished_at,omitempty"`
}

// Batch is a run of steps from one group dispatched to one agent.
type Batch struct {
	ID         string     `json:"id"`
	GroupIdx   int        `json:"group_idx"`
	State      BatchState `json:"state"`
	Error      BatchError `json:"error,omitempty"`
	PoolID     string     `json:"pool_id,omitempty"`
	AgentID    string     `json:"agent_id,omitempty"`
	SessionID  string     `json:"session_id,omitempty"`
	LeaseID    string     `json:"lease_id,omitempty"`
	LogID      string     `json:"log_id,omitempty"`
	Steps      []Step     `json:"steps"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Job is one requested execution of a graph.
type Job struct {
	ID              string    `json:"id"`
	StreamID        string    `json:"stream_id"`
	TemplateID      string    `json:"template_id"`
	TemplateHash    string    `json:"template_hash,omitempty"`
	GraphHash       string    `json:"graph_hash"`
	Name            string    `json:"name"`
	Change          int       `json:"change"`
	CodeChange      int       `json:"code_change,omitempty"`
	PreflightChange int       `json:"preflight_change,omitempty"`
	Priority        Priority  `json:"priority"`
	Targets         []string  `json:"targets,omitempty"`
	UpdateIssues    bool      `json:"update_issues,omitempty"`
	ShowUgsBadges   bool      `json:"show_ugs_badges,omitempty"`
	BisectTaskID    string    `json:"bisect_task_id,omitempty"`
	StartedByUserID UserID    `json:"started_by_user_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	CreatedSeq      int64     `json:"created_seq,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
	Batches         []Batch   `json:"batches"`

	// Version is the document version the job was read at.
	Version int64 `json:"-"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	c.Targets = append([]string(nil), j.Targets...)
	c.Batches = make([]Batch, len(j.Batches))
	for i, b := range j.Batches {
		c.Batches[i] = b
		c.Batches[i].Steps = append([]Step(nil), b.Steps...)
	}
	return &c
}

// FindBatch returns the index of the batch with the given id.
func (j *Job) FindBatch(batchID string) (int, bool) {
	for i := range j.Batches {
		if j.Batches[i].ID == batchID {
			return i, true
		}
	}
	return -1, false
}

// FindStep returns the batch and step indices of a step.
func (j *Job) FindStep(batchID, stepID string) (int, int, bool) {
	bi, ok := j.FindBatch(batchID)
	if !ok {
		return -1, -1, false
	}
	for si := range j.Batches[bi].Steps {
		if j.Batches[bi].Steps[si].ID == stepID {
			return bi, si, true
		}
	}
	return bi, -1, false
}

// NodeRef returns the graph node a step executes.
func (b *Batch) NodeRef(step *Step) graph.NodeRef {
	return graph.NodeRef{GroupIdx: b.GroupIdx, NodeIdx: step.NodeIdx}
}

// IsStarted reports whether the batch was ever bound to a lease.
func (b *Batch) IsStarted() bool {
	return b.LeaseID != "" || b.State == BatchStarting || b.State == BatchRunning
}

func (b *Batch) allStepsTerminal() bool {
	for _, s := range b.Steps {
		if !s.State.IsTerminal() {
			return false
		}
	}
	return true
}

type stepPos struct {
	batch int
	step  int
}

// latestSteps maps each node to its most recent step. Retries append later
// batches, so the last occurrence wins.
func (j *Job) latestSteps() map[graph.NodeRef]stepPos {
	latest := make(map[graph.NodeRef]stepPos)
	for bi := range j.Batches {
		b := &j.Batches[bi]
		for si := range b.Steps {
			latest[b.NodeRef(&b.Steps[si])] = stepPos{batch: bi, step: si}
		}
	}
	return latest
}

func (j *Job) stepAt(p stepPos) *Step {
	return &j.Batches[p.batch].Steps[p.step]
}

// LatestStep returns the most recent step for a node, if any.
func (j *Job) LatestStep(ref graph.NodeRef) (*Batch, *Step, bool) {
	p, ok := j.latestSteps()[ref]
	if !ok {
		return nil, nil, false
	}
	return &j.Batches[p.batch], j.stepAt(p), true
}

// createdBefore orders jobs by creation time, then by the sequence number
// handed out when they were stored, then by id.
func (j *Job) createdBefore(o *Job) bool {
	if !j.CreatedAt.Equal(o.CreatedAt) {
		return j.CreatedAt.Before(o.CreatedAt)
	}
	if j.CreatedSeq != o.CreatedSeq {
		return j.CreatedSeq < o.CreatedSeq
	}
	return j.ID < o.ID
}

// State is derived from the batches: complete once every batch is complete,
// running once any work has started.
func (j *Job) State() JobState {
	if len(j.Batches) == 0 {
		return JobComplete
	}
	complete := true
	started := false
	for _, b := range j.Batches {
		if b.State != BatchComplete {
			complete = false
		}
		if b.State == BatchStarting || b.State == BatchRunning {
			started = true
		}
		for _, s := range b.Steps {
			if s.State == StepRunning || s.State == StepCompleted {
				started = true
			}
		}
	}
	switch {
	case complete:
		return JobComplete
	case started:
		return JobRunning
	default:
		return JobWaiting
	}
}

// Outcome is the worst outcome among the latest step of each node.
// Skipped and aborted steps count as failures unless they were paused.
func (j *Job) Outcome() StepOutcome {
	outcome := OutcomeUnspecified
	for _, p := range j.latestSteps() {
		s := j.stepAt(p)
		switch s.State {
		case StepCompleted:
			outcome = outcome.Worse(s.Outcome)
		case StepAborted:
			outcome = outcome.Worse(OutcomeFailure)
		case StepSkipped:
			if s.Error != StepErrorPaused {
				outcome = outcome.Worse(OutcomeFailure)
			}
		}
	}
	return outcome
}

// EffectivePriority is the higher of the job priority and the priority of
// any unfinished step in the batch.
func (j *Job) EffectivePriority(batchIdx int) Priority {
	p := j.Priority.orDefault()
	for _, s := range j.Batches[batchIdx].Steps {
		if !s.State.IsTerminal() && s.Priority > p {
			p = s.Priority
		}
	}
	return p
}

// IsBatchReady reports whether a batch can be handed to an agent: it is
// unassigned, has unfinished steps, and every dependency those steps have on
// other batches has completed.
func (j *Job) IsBatchReady(g *graph.Graph, batchIdx int) bool {
	b := &j.Batches[batchIdx]
	if b.State != BatchReady || b.LeaseID != "" {
		return false
	}
	latest := j.latestSteps()
	pending := false
	for si := range b.Steps {
		s := &b.Steps[si]
		if s.State.IsTerminal() {
			continue
		}
		pending = true
		for _, dep := range g.Dependencies(b.NodeRef(s)) {
			p, ok := latest[dep]
			if !ok || p.batch == batchIdx {
				continue
			}
			if j.stepAt(p).State != StepCompleted {
				return false
			}
		}
	}
	return pending
}

// ReadyBatches returns the indices of batches that can be dispatched.
func (j *Job) ReadyBatches(g *graph.Graph) []int {
	var out []int
	for bi := range j.Batches {
		if j.IsBatchReady(g, bi) {
			out = append(out, bi)
		}
	}
	return out
}
