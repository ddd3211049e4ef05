package job

import "github.com/mule-ai/horde/pkg/graph"

// EnhancedJob extends the base Job struct with derived state for API and CLI
// responses
type EnhancedJob struct {
	*Job
	State   JobState        `json:"state"`
	Outcome StepOutcome     `json:"outcome"`
	Batches []EnhancedBatch `json:"batches"`
}

// EnhancedBatch extends the base Batch struct with its group's agent type
type EnhancedBatch struct {
	*Batch
	AgentType string         `json:"agent_type,omitempty"`
	Priority  Priority       `json:"effective_priority"`
	Steps     []EnhancedStep `json:"steps"`
}

// EnhancedStep extends the base Step struct with the node name
type EnhancedStep struct {
	*Step
	NodeName string `json:"node_name,omitempty"`
}

// Describe builds the response view of a job. g may be nil, in which case
// node names and agent types are left empty.
func Describe(j *Job, g *graph.Graph) *EnhancedJob {
	out := &EnhancedJob{
		Job:     j,
		State:   j.State(),
		Outcome: j.Outcome(),
		Batches: make([]EnhancedBatch, 0, len(j.Batches)),
	}
	for bi := range j.Batches {
		b := &j.Batches[bi]
		eb := EnhancedBatch{
			Batch:    b,
			Priority: j.EffectivePriority(bi),
			Steps:    make([]EnhancedStep, 0, len(b.Steps)),
		}
		if g != nil && b.GroupIdx < len(g.Groups) {
			eb.AgentType = g.Groups[b.GroupIdx].AgentType
		}
		for si := range b.Steps {
			s := &b.Steps[si]
			es := EnhancedStep{Step: s}
			if g != nil && g.HasNode(b.NodeRef(s)) {
				es.NodeName = g.Node(b.NodeRef(s)).Name
			}
			eb.Steps = append(eb.Steps, es)
		}
		out.Batches = append(out.Batches, eb)
	}
	return out
}
