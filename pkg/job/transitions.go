package job

import (
	"fmt"
	"sort"
	"time"

	"github.com/mule-ai/horde/pkg/graph"
	"github.com/mule-ai/horde/pkg/ids"
)

// BatchUpdate is a change reported for a batch. Empty fields are left alone.
type BatchUpdate struct {
	State BatchState
	Error BatchError
	LogID string
}

// StepUpdate is a change reported for a step. Empty fields are left alone.
type StepUpdate struct {
	State          StepState
	Outcome        StepOutcome
	LogID          string
	Priority       Priority
	AbortRequested bool
	AbortByUserID  UserID
	RetryByUserID  UserID
}

// refresh recomputes step readiness and skip propagation until nothing
// changes, then completes batches whose steps are all terminal.
func (j *Job) refresh(g *graph.Graph, now time.Time) {
	for {
		changed := false
		latest := j.latestSteps()
		for bi := range j.Batches {
			b := &j.Batches[bi]
			if b.State == BatchComplete {
				continue
			}
			for si := range b.Steps {
				s := &b.Steps[si]
				if s.State != StepWaiting && s.State != StepReady {
					continue
				}
				if j.evaluate(g, b, s, latest, now) {
					changed = true
				}
			}
			if len(b.Steps) > 0 && b.allStepsTerminal() {
				b.State = BatchComplete
				b.FinishedAt = timePtr(now)
				changed = true
			}
		}
		if !changed {
			return
		}
	}
}

// evaluate moves a waiting or ready step according to the latest steps of
// its dependencies. Order dependencies on nodes outside the job are ignored.
func (j *Job) evaluate(g *graph.Graph, b *Batch, s *Step, latest map[graph.NodeRef]stepPos, now time.Time) bool {
	if s.AbortRequested {
		s.finish(StepAborted, OutcomeFailure, StepErrorNone, now)
		return true
	}

	ref := b.NodeRef(s)
	paused, failed, waiting := false, false, false
	for _, dep := range g.Dependencies(ref) {
		p, ok := latest[dep]
		if !ok {
			if g.IsInputDependency(ref, dep) {
				failed = true
			}
			continue
		}
		d := j.stepAt(p)
		switch {
		case d.State == StepSkipped && d.Error == StepErrorPaused:
			paused = true
		case d.State == StepSkipped, d.State == StepAborted,
			d.State == StepCompleted && d.Outcome == OutcomeFailure:
			failed = true
		case d.State != StepCompleted:
			waiting = true
		}
	}

	switch {
	case paused:
		s.finish(StepSkipped, OutcomeUnspecified, StepErrorPaused, now)
		return true
	case failed:
		s.finish(StepSkipped, OutcomeFailure, StepErrorDependencyFailed, now)
		return true
	case waiting:
		if s.State == StepReady {
			s.State = StepWaiting
			s.ReadyAt = nil
			return true
		}
	default:
		if s.State == StepWaiting {
			s.State = StepReady
			s.ReadyAt = timePtr(now)
			return true
		}
	}
	return false
}

func (s *Step) finish(state StepState, outcome StepOutcome, err StepError, now time.Time) {
	s.State = state
	s.Outcome = outcome
	s.Error = err
	s.FinishedAt = timePtr(now)
}

// reset returns a step to waiting so it can be scheduled again.
func (s *Step) reset() {
	s.State = StepWaiting
	s.Outcome = OutcomeUnspecified
	s.Error = StepErrorNone
	s.ReadyAt = nil
	s.StartedAt = nil
	s.FinishedAt = nil
	s.LogID = ""
}

func (j *Job) applyBatchUpdate(g *graph.Graph, bi int, upd BatchUpdate, gen ids.Generator, now time.Time) error {
	b := &j.Batches[bi]
	if upd.LogID != "" {
		b.LogID = upd.LogID
	}
	if upd.State == "" || upd.State == b.State {
		j.refresh(g, now)
		return nil
	}
	if !b.State.CanTransitionTo(upd.State) {
		return fmt.Errorf("%w: batch %s %s -> %s", ErrInvalidTransition, b.ID, b.State, upd.State)
	}

	switch upd.State {
	case BatchRunning:
		b.State = BatchRunning
		if b.StartedAt == nil {
			b.StartedAt = timePtr(now)
		}
	case BatchComplete:
		j.completeBatch(bi, upd.Error, gen, now)
	default:
		// Starting is only reached through lease assignment.
		return fmt.Errorf("%w: batch %s cannot be set to %s directly", ErrInvalidTransition, b.ID, upd.State)
	}
	j.refresh(g, now)
	return nil
}

// completeBatch finishes a batch. Steps left unfinished either move to a
// retry batch (incomplete) or are failed with the batch error.
func (j *Job) completeBatch(bi int, batchErr BatchError, gen ids.Generator, now time.Time) {
	b := &j.Batches[bi]
	if batchErr == BatchErrorNone && !b.allStepsTerminal() {
		batchErr = BatchErrorIncomplete
	}
	b.State = BatchComplete
	b.Error = batchErr
	b.FinishedAt = timePtr(now)

	if batchErr == BatchErrorIncomplete {
		j.retryIncomplete(bi, gen, now)
		return
	}

	stepErr := batchErr.stepError()
	for si := range b.Steps {
		s := &b.Steps[si]
		switch {
		case s.State == StepRunning:
			s.finish(StepCompleted, OutcomeFailure, stepErr, now)
		case s.State.IsTerminal():
		case s.AbortRequested:
			s.finish(StepAborted, OutcomeFailure, StepErrorNone, now)
		default:
			s.finish(StepSkipped, OutcomeFailure, stepErr, now)
		}
	}
}

// retryIncomplete handles a batch whose agent went away. Running steps are
// failed as incomplete; they and any steps not yet started are copied into a
// single new batch. A step that is already a retry for incompleteness is
// not retried again and instead finalizes as incomplete.
func (j *Job) retryIncomplete(bi int, gen ids.Generator, now time.Time) {
	b := &j.Batches[bi]
	var retry []Step
	for si := range b.Steps {
		s := &b.Steps[si]
		if s.State.IsTerminal() {
			continue
		}
		wasRunning := s.State == StepRunning
		switch {
		case s.AbortRequested:
			s.finish(StepAborted, OutcomeFailure, StepErrorNone, now)
			continue
		case wasRunning || s.IncompleteRetry:
			s.finish(StepCompleted, OutcomeFailure, StepErrorIncomplete, now)
		default:
			s.finish(StepSkipped, OutcomeUnspecified, StepErrorIncomplete, now)
		}
		if s.IncompleteRetry {
			continue
		}
		copied := *s
		copied.ID = gen.NewID()
		copied.reset()
		copied.IncompleteRetry = true
		copied.RetryByUserID = ""
		retry = append(retry, copied)
	}
	if len(retry) == 0 {
		return
	}
	j.Batches = append(j.Batches, Batch{
		ID:        gen.NewID(),
		GroupIdx:  b.GroupIdx,
		State:     BatchReady,
		Steps:     retry,
		CreatedAt: now,
	})
}

func (j *Job) applyStepUpdate(g *graph.Graph, bi, si int, upd StepUpdate, gen ids.Generator, now time.Time) error {
	b := &j.Batches[bi]
	s := &b.Steps[si]

	if upd.LogID != "" {
		s.LogID = upd.LogID
	}
	if upd.Priority != PriorityUnspecified && !s.State.IsTerminal() {
		s.Priority = upd.Priority
	}
	if upd.AbortRequested && !s.State.IsTerminal() {
		s.AbortRequested = true
		s.AbortByUserID = upd.AbortByUserID
		if s.State != StepRunning {
			s.finish(StepAborted, OutcomeFailure, StepErrorNone, now)
		}
	}
	if upd.RetryByUserID != "" {
		if err := j.retryStep(g, bi, si, upd.RetryByUserID, gen, now); err != nil {
			return err
		}
		j.refresh(g, now)
		return nil
	}

	if upd.State != "" && upd.State != s.State {
		if !s.State.CanTransitionTo(upd.State) {
			return fmt.Errorf("%w: step %s %s -> %s", ErrInvalidTransition, s.ID, s.State, upd.State)
		}
		switch upd.State {
		case StepRunning:
			if b.State != BatchStarting && b.State != BatchRunning {
				return fmt.Errorf("%w: step %s cannot run while batch %s is %s", ErrInvalidTransition, s.ID, b.ID, b.State)
			}
			if b.State == BatchStarting {
				b.State = BatchRunning
				b.StartedAt = timePtr(now)
			}
			s.State = StepRunning
			s.StartedAt = timePtr(now)
		case StepCompleted:
			outcome := upd.Outcome
			if outcome == "" || outcome == OutcomeUnspecified {
				outcome = OutcomeSuccess
			}
			s.finish(StepCompleted, outcome, StepErrorNone, now)
		default:
			return fmt.Errorf("%w: step %s cannot be set to %s directly", ErrInvalidTransition, s.ID, upd.State)
		}
	}
	j.refresh(g, now)
	return nil
}

// needsRetry reports whether a step ended in a way a retry can fix. Paused
// steps stay skipped until the node is resumed.
func needsRetry(s *Step) bool {
	switch s.State {
	case StepCompleted:
		return s.Outcome == OutcomeFailure
	case StepSkipped:
		return s.Error != StepErrorPaused
	case StepAborted:
		return true
	default:
		return false
	}
}

// retryStep re-runs a failed or skipped step. Upstream steps that also
// failed are retried with it, and downstream steps skipped because of the
// failure are brought back. Steps in batches that never started are reset in
// place; everything else lands in one new batch per group, with skipped
// steps moved out of their old batch and completed ones copied.
func (j *Job) retryStep(g *graph.Graph, bi, si int, user UserID, gen ids.Generator, now time.Time) error {
	b := &j.Batches[bi]
	target := b.NodeRef(&b.Steps[si])
	latest := j.latestSteps()

	if p := latest[target]; p.batch != bi || p.step != si {
		return fmt.Errorf("%w: step %s has already been retried", ErrInvalidTransition, b.Steps[si].ID)
	}
	if !needsRetry(&b.Steps[si]) {
		return fmt.Errorf("%w: step %s is %s/%s", ErrInvalidTransition, b.Steps[si].ID, b.Steps[si].State, b.Steps[si].Outcome)
	}

	retrySet := map[graph.NodeRef]bool{target: true}
	var upstream func(graph.NodeRef)
	upstream = func(ref graph.NodeRef) {
		for _, dep := range g.Dependencies(ref) {
			p, ok := latest[dep]
			if !ok || retrySet[dep] || !needsRetry(j.stepAt(p)) {
				continue
			}
			retrySet[dep] = true
			upstream(dep)
		}
	}
	upstream(target)

	queue := make([]graph.NodeRef, 0, len(retrySet))
	for ref := range retrySet {
		queue = append(queue, ref)
	}
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		for _, dependent := range g.Dependents(ref) {
			p, ok := latest[dependent]
			if !ok || retrySet[dependent] {
				continue
			}
			d := j.stepAt(p)
			if d.State != StepSkipped || d.Error != StepErrorDependencyFailed {
				continue
			}
			retrySet[dependent] = true
			queue = append(queue, dependent)
		}
	}

	refs := make([]graph.NodeRef, 0, len(retrySet))
	for ref := range retrySet {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(a, c int) bool { return refs[a].Less(refs[c]) })

	b.Steps[si].RetryByUserID = user

	newBatches := make(map[int]*Batch)
	var groupOrder []int
	moved := make(map[string]bool)
	for _, ref := range refs {
		p := latest[ref]
		owner := &j.Batches[p.batch]
		s := j.stepAt(p)

		if s.State == StepSkipped && owner.State != BatchComplete && !owner.IsStarted() {
			s.reset()
			continue
		}

		nb, ok := newBatches[ref.GroupIdx]
		if !ok {
			nb = &Batch{ID: gen.NewID(), GroupIdx: ref.GroupIdx, State: BatchReady, CreatedAt: now}
			newBatches[ref.GroupIdx] = nb
			groupOrder = append(groupOrder, ref.GroupIdx)
		}

		next := *s
		next.reset()
		next.AbortRequested = false
		next.AbortByUserID = ""
		next.IncompleteRetry = false
		next.RetryByUserID = user
		if s.State == StepSkipped {
			moved[s.ID] = true
		} else {
			next.ID = gen.NewID()
		}
		nb.Steps = append(nb.Steps, next)
	}

	if len(moved) > 0 {
		kept := j.Batches[:0]
		for _, batch := range j.Batches {
			steps := batch.Steps[:0]
			for _, s := range batch.Steps {
				if !moved[s.ID] {
					steps = append(steps, s)
				}
			}
			batch.Steps = steps
			if len(batch.Steps) == 0 && batch.LeaseID == "" {
				continue
			}
			kept = append(kept, batch)
		}
		j.Batches = kept
	}

	sort.Ints(groupOrder)
	for _, gi := range groupOrder {
		j.Batches = append(j.Batches, *newBatches[gi])
	}
	return nil
}

// assignLease binds a ready batch to a lease. It returns false if the batch
// is no longer available.
func (j *Job) assignLease(g *graph.Graph, bi int, poolID, agentID, sessionID, leaseID, logID string, now time.Time) bool {
	if !j.IsBatchReady(g, bi) {
		return false
	}
	b := &j.Batches[bi]
	b.State = BatchStarting
	b.PoolID = poolID
	b.AgentID = agentID
	b.SessionID = sessionID
	b.LeaseID = leaseID
	b.LogID = logID
	b.StartedAt = timePtr(now)
	return true
}

// NeedsPause reports whether a step that has not been handed to an agent
// belongs to a paused node.
func (j *Job) NeedsPause(g *graph.Graph, paused PauseFunc) bool {
	for bi := range j.Batches {
		b := &j.Batches[bi]
		for si := range b.Steps {
			if _, ok := pauseOf(g, b, &b.Steps[si], paused); ok {
				return true
			}
		}
	}
	return false
}

// applyPause skips the unstarted steps of paused nodes. Their dependents
// follow on refresh.
func (j *Job) applyPause(g *graph.Graph, paused PauseFunc, now time.Time) bool {
	changed := false
	for bi := range j.Batches {
		b := &j.Batches[bi]
		for si := range b.Steps {
			s := &b.Steps[si]
			user, ok := pauseOf(g, b, s, paused)
			if !ok {
				continue
			}
			s.finish(StepSkipped, OutcomeUnspecified, StepErrorPaused, now)
			s.PausedByUserID = user
			s.ReadyAt = nil
			changed = true
		}
	}
	if changed {
		j.refresh(g, now)
	}
	return changed
}

func pauseOf(g *graph.Graph, b *Batch, s *Step, paused PauseFunc) (UserID, bool) {
	if paused == nil || b.State != BatchReady || b.LeaseID != "" {
		return "", false
	}
	if s.State != StepWaiting && s.State != StepReady {
		return "", false
	}
	ref := b.NodeRef(s)
	if !g.HasNode(ref) {
		return "", false
	}
	return paused(g.Node(ref).Name)
}

// updateGraph moves the job onto a newer version of its graph and adds
// batches for nodes the targets now require.
func (j *Job) updateGraph(oldGraph, newGraph *graph.Graph, paused PauseFunc, gen ids.Generator, now time.Time) error {
	for _, b := range j.Batches {
		if b.GroupIdx >= len(newGraph.Groups) {
			return fmt.Errorf("%w: graph %s drops group %d used by batch %s", ErrInvalidTransition, newGraph.ID, b.GroupIdx, b.ID)
		}
		for _, s := range b.Steps {
			if s.NodeIdx >= len(newGraph.Groups[b.GroupIdx].Nodes) {
				return fmt.Errorf("%w: graph %s drops node %d of group %d", ErrInvalidTransition, newGraph.ID, s.NodeIdx, b.GroupIdx)
			}
			if oldGraph != nil {
				ref := b.NodeRef(&s)
				if oldGraph.HasNode(ref) && oldGraph.Node(ref).Name != newGraph.Node(ref).Name {
					return fmt.Errorf("%w: graph %s renames node %s", ErrInvalidTransition, newGraph.ID, oldGraph.Node(ref).Name)
				}
			}
		}
	}

	required, err := requiredNodes(newGraph, j.Targets)
	if err != nil {
		return err
	}
	j.GraphHash = newGraph.ID
	j.addBatches(newGraph, required, paused, gen, now)
	j.refresh(newGraph, now)
	return nil
}
