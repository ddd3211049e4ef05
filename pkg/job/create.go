package job

import (
	"fmt"
	"sort"
	"time"

	"github.com/mule-ai/horde/pkg/graph"
	"github.com/mule-ai/horde/pkg/ids"
)

// PauseFunc reports whether a node is administratively paused, and by whom.
type PauseFunc func(nodeName string) (UserID, bool)

// NoPause pauses nothing.
func NoPause(string) (UserID, bool) { return "", false }

// CreateOptions are captured when a job is created.
type CreateOptions struct {
	StreamID        string
	TemplateID      string
	TemplateHash    string
	Name            string
	Change          int
	CodeChange      int
	PreflightChange int
	Priority        Priority
	// Targets are node or aggregate names. Empty means every node.
	Targets []string
	UpdateIssues    bool
	ShowUgsBadges   bool
	BisectTaskID    string
	StartedByUserID UserID
}

// ResolveTargets maps target names to nodes. Aggregates expand to their
// members.
func ResolveTargets(g *graph.Graph, targets []string) ([]graph.NodeRef, error) {
	if len(targets) == 0 {
		return g.AllNodes(), nil
	}
	var refs []graph.NodeRef
	for _, name := range targets {
		if ref, ok := g.FindNode(name); ok {
			refs = append(refs, ref)
			continue
		}
		if agg, ok := g.FindAggregate(name); ok {
			refs = append(refs, agg.Nodes...)
			continue
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, name)
	}
	return refs, nil
}

// requiredNodes is the input dependency closure of the targets.
func requiredNodes(g *graph.Graph, targets []string) ([]graph.NodeRef, error) {
	refs, err := ResolveTargets(g, targets)
	if err != nil {
		return nil, err
	}
	return g.InputClosure(refs), nil
}

// NewJob builds a job with one batch per group and run-early block of the
// required nodes. Steps on paused nodes are skipped immediately.
func NewJob(id string, opts CreateOptions, g *graph.Graph, paused PauseFunc, gen ids.Generator, now time.Time) (*Job, error) {
	required, err := requiredNodes(g, opts.Targets)
	if err != nil {
		return nil, err
	}
	j := &Job{
		ID:              id,
		StreamID:        opts.StreamID,
		TemplateID:      opts.TemplateID,
		TemplateHash:    opts.TemplateHash,
		GraphHash:       g.ID,
		Name:            opts.Name,
		Change:          opts.Change,
		CodeChange:      opts.CodeChange,
		PreflightChange: opts.PreflightChange,
		Priority:        opts.Priority,
		Targets:         append([]string(nil), opts.Targets...),
		UpdateIssues:    opts.UpdateIssues,
		ShowUgsBadges:   opts.ShowUgsBadges,
		BisectTaskID:    opts.BisectTaskID,
		StartedByUserID: opts.StartedByUserID,
		CreatedAt:       now,
		UpdatedAt:       now,
		Batches:         []Batch{},
	}
	j.addBatches(g, required, paused, gen, now)
	j.refresh(g, now)
	return j, nil
}

// addBatches creates batches for the required nodes that have no step yet.
// Nodes of a group are split into a new batch wherever the run-early flag
// changes.
func (j *Job) addBatches(g *graph.Graph, required []graph.NodeRef, paused PauseFunc, gen ids.Generator, now time.Time) {
	if paused == nil {
		paused = NoPause
	}
	existing := j.latestSteps()

	byGroup := make(map[int][]int)
	for _, ref := range required {
		if _, ok := existing[ref]; ok {
			continue
		}
		byGroup[ref.GroupIdx] = append(byGroup[ref.GroupIdx], ref.NodeIdx)
	}
	groups := make([]int, 0, len(byGroup))
	for gi := range byGroup {
		groups = append(groups, gi)
	}
	sort.Ints(groups)

	for _, gi := range groups {
		nodes := byGroup[gi]
		sort.Ints(nodes)

		var current *Batch
		runEarly := false
		for _, ni := range nodes {
			node := g.Node(graph.NodeRef{GroupIdx: gi, NodeIdx: ni})
			if current == nil || node.RunEarly != runEarly {
				if current != nil {
					j.Batches = append(j.Batches, *current)
				}
				current = &Batch{ID: gen.NewID(), GroupIdx: gi, State: BatchReady, CreatedAt: now}
				runEarly = node.RunEarly
			}
			step := Step{ID: gen.NewID(), NodeIdx: ni, State: StepWaiting, Outcome: OutcomeUnspecified}
			if user, ok := paused(node.Name); ok {
				step.State = StepSkipped
				step.Error = StepErrorPaused
				step.PausedByUserID = user
				step.FinishedAt = timePtr(now)
			}
			current.Steps = append(current.Steps, step)
		}
		if current != nil {
			j.Batches = append(j.Batches, *current)
		}
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
