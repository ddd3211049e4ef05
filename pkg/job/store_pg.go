package job

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PGStepRefStore implements StepRefStore backed by PostgreSQL
type PGStepRefStore struct {
	db *sql.DB
}

// NewPGStepRefStore creates a new PGStepRefStore instance
func NewPGStepRefStore(db *sql.DB) *PGStepRefStore {
	return &PGStepRefStore{db: db}
}

// InitSchema creates the step history table and its node index.
func (s *PGStepRefStore) InitSchema(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS job_step_refs (
			  job_id TEXT NOT NULL,
			  batch_id TEXT NOT NULL,
			  step_id TEXT NOT NULL,
			  stream_id TEXT NOT NULL,
			  template_id TEXT NOT NULL,
			  node_name TEXT NOT NULL,
			  change INTEGER NOT NULL,
			  pool_id TEXT,
			  agent_id TEXT,
			  log_id TEXT,
			  outcome TEXT NOT NULL,
			  error TEXT,
			  update_issues BOOLEAN NOT NULL DEFAULT FALSE,
			  bisect_task_id TEXT,
			  job_started_at TIMESTAMPTZ NOT NULL,
			  started_at TIMESTAMPTZ,
			  finished_at TIMESTAMPTZ,
			  PRIMARY KEY (job_id, batch_id, step_id))`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create job_step_refs: %w", err)
	}
	index := `CREATE INDEX IF NOT EXISTS job_step_refs_node
			  ON job_step_refs (stream_id, template_id, node_name, change DESC)`
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("failed to create job_step_refs index: %w", err)
	}
	return nil
}

// Insert records a completed step. A second insert for the same step is
// ignored.
func (s *PGStepRefStore) Insert(ctx context.Context, ref *StepRef) error {
	query := `INSERT INTO job_step_refs (job_id, batch_id, step_id, stream_id, template_id, node_name, change,
			  pool_id, agent_id, log_id, outcome, error, update_issues, bisect_task_id, job_started_at, started_at, finished_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			  ON CONFLICT (job_id, batch_id, step_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query, ref.JobID, ref.BatchID, ref.StepID, ref.StreamID, ref.TemplateID,
		ref.NodeName, ref.Change, ref.PoolID, ref.AgentID, ref.LogID, string(ref.Outcome), string(ref.Error),
		ref.UpdateIssues, ref.BisectTaskID, ref.JobStartedAt, ref.StartedAt, ref.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to insert step ref %s: %w", ref.Key(), err)
	}
	return nil
}

const stepRefColumns = `job_id, batch_id, step_id, stream_id, template_id, node_name, change, pool_id, agent_id,
			  log_id, outcome, error, update_issues, bisect_task_id, job_started_at, started_at, finished_at`

// ListForJob retrieves every step ref of a job
func (s *PGStepRefStore) ListForJob(ctx context.Context, jobID string) ([]*StepRef, error) {
	query := `SELECT ` + stepRefColumns + ` FROM job_step_refs WHERE job_id = $1 ORDER BY batch_id, step_id`
	return s.query(ctx, query, jobID)
}

// FindForNode retrieves the newest step refs for a node
func (s *PGStepRefStore) FindForNode(ctx context.Context, streamID, templateID, nodeName string, limit int) ([]*StepRef, error) {
	query := `SELECT ` + stepRefColumns + ` FROM job_step_refs
			  WHERE stream_id = $1 AND template_id = $2 AND node_name = $3
			  ORDER BY change DESC, job_started_at DESC`
	args := []interface{}{streamID, templateID, nodeName}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

func (s *PGStepRefStore) query(ctx context.Context, query string, args ...interface{}) ([]*StepRef, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []*StepRef
	for rows.Next() {
		ref := &StepRef{}
		var poolID, agentID, logID, stepErr, bisectTaskID sql.NullString
		var outcome string
		var startedAt, finishedAt sql.NullTime

		err := rows.Scan(&ref.JobID, &ref.BatchID, &ref.StepID, &ref.StreamID, &ref.TemplateID, &ref.NodeName,
			&ref.Change, &poolID, &agentID, &logID, &outcome, &stepErr, &ref.UpdateIssues, &bisectTaskID,
			&ref.JobStartedAt, &startedAt, &finishedAt)
		if err != nil {
			return nil, err
		}

		ref.PoolID = poolID.String
		ref.AgentID = agentID.String
		ref.LogID = logID.String
		ref.Outcome = StepOutcome(outcome)
		ref.Error = StepError(stepErr.String)
		ref.BisectTaskID = bisectTaskID.String
		ref.StartedAt = nullTimePtr(startedAt)
		ref.FinishedAt = nullTimePtr(finishedAt)
		refs = append(refs, ref)
	}

	return refs, rows.Err()
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
