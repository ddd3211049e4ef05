package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mule-ai/horde/internal/docstore"
)

// StepRefsCollection is the document store collection holding step history.
const StepRefsCollection = "job_step_refs"

// StepRef is a history record written when a step completes. It is used for
// timing estimates and for finding the last good change of a node.
type StepRef struct {
	JobID        string      `json:"job_id"`
	BatchID      string      `json:"batch_id"`
	StepID       string      `json:"step_id"`
	StreamID     string      `json:"stream_id"`
	TemplateID   string      `json:"template_id"`
	NodeName     string      `json:"node_name"`
	Change       int         `json:"change"`
	PoolID       string      `json:"pool_id,omitempty"`
	AgentID      string      `json:"agent_id,omitempty"`
	LogID        string      `json:"log_id,omitempty"`
	Outcome      StepOutcome `json:"outcome"`
	Error        StepError   `json:"error,omitempty"`
	UpdateIssues bool        `json:"update_issues,omitempty"`
	BisectTaskID string      `json:"bisect_task_id,omitempty"`
	JobStartedAt time.Time   `json:"job_started_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
}

// Key identifies the step the record belongs to.
func (r *StepRef) Key() string {
	return r.JobID + "/" + r.BatchID + "/" + r.StepID
}

// Duration is the wall time the step ran for, or zero if unknown.
func (r *StepRef) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// StepRefStore persists step history. Insert is idempotent per step.
type StepRefStore interface {
	Insert(ctx context.Context, ref *StepRef) error
	ListForJob(ctx context.Context, jobID string) ([]*StepRef, error)
	// FindForNode returns the most recent records for a node, newest change
	// first.
	FindForNode(ctx context.Context, streamID, templateID, nodeName string, limit int) ([]*StepRef, error)
}

// DocStepRefStore keeps step history in the document store.
type DocStepRefStore struct {
	docs *docstore.Typed[StepRef]
}

func NewDocStepRefStore(store docstore.Store) *DocStepRefStore {
	return &DocStepRefStore{docs: docstore.NewTyped[StepRef](store.Collection(StepRefsCollection))}
}

func (s *DocStepRefStore) Insert(ctx context.Context, ref *StepRef) error {
	_, err := s.docs.Insert(ctx, ref.Key(), ref)
	if errors.Is(err, docstore.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("storing step ref %s: %w", ref.Key(), err)
	}
	return nil
}

func (s *DocStepRefStore) ListForJob(ctx context.Context, jobID string) ([]*StepRef, error) {
	docs, err := s.docs.List(ctx, jobID+"/")
	if err != nil {
		return nil, err
	}
	out := make([]*StepRef, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Value)
	}
	return out, nil
}

// FindForNode scans every record. Large deployments should use the
// PostgreSQL store, which indexes by node.
func (s *DocStepRefStore) FindForNode(ctx context.Context, streamID, templateID, nodeName string, limit int) ([]*StepRef, error) {
	docs, err := s.docs.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []*StepRef
	for _, d := range docs {
		r := d.Value
		if r.StreamID == streamID && r.TemplateID == templateID && r.NodeName == nodeName {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Change != out[b].Change {
			return out[a].Change > out[b].Change
		}
		return out[a].JobStartedAt.After(out[b].JobStartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
