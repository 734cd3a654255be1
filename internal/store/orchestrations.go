package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wrenlabs/bazaar/internal/orchestrator"
)

// SaveOrchestration upserts an orchestration and its subtasks in one
// transaction, so a reader always observes a consistent snapshot.
func (s *Store) SaveOrchestration(ctx context.Context, o *orchestrator.Orchestration) error {
	var result, failure []byte
	var err error
	if o.Result != nil {
		if result, err = json.Marshal(o.Result); err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}
	if o.Failure != nil {
		if failure, err = json.Marshal(o.Failure); err != nil {
			return fmt.Errorf("marshal failure: %w", err)
		}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO orchestrations (id, request, workflow_hint, workflow_id, status, result, failure, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			workflow_id = EXCLUDED.workflow_id,
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			failure = EXCLUDED.failure,
			updated_at = EXCLUDED.updated_at`,
		o.ID, o.Request, o.WorkflowHint, o.WorkflowID, string(o.Status), result, failure, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save orchestration %s: %w", o.ID, err)
	}

	for i, st := range o.Subtasks {
		deps, err := json.Marshal(st.DependsOn)
		if err != nil {
			return fmt.Errorf("marshal depends_on: %w", err)
		}
		tried, err := json.Marshal(st.TriedAgents)
		if err != nil {
			return fmt.Errorf("marshal tried_agents: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO subtasks (orchestration_id, id, ord, capability, depends_on, status, agent_id, tried_agents, attempts, result, error_kind, error_message, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
			ON CONFLICT (orchestration_id, id) DO UPDATE SET
				status = EXCLUDED.status,
				agent_id = EXCLUDED.agent_id,
				tried_agents = EXCLUDED.tried_agents,
				attempts = EXCLUDED.attempts,
				result = EXCLUDED.result,
				error_kind = EXCLUDED.error_kind,
				error_message = EXCLUDED.error_message,
				updated_at = NOW()`,
			o.ID, st.ID, i, st.Capability, deps, string(st.Status), st.AgentID,
			tried, st.Attempts, []byte(st.Result), string(st.ErrorKind), st.ErrorMsg,
		)
		if err != nil {
			return fmt.Errorf("save subtask %s/%s: %w", o.ID, st.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit orchestration %s: %w", o.ID, err)
	}
	return nil
}

// GetOrchestration retrieves an orchestration with its subtasks.
func (s *Store) GetOrchestration(ctx context.Context, id string) (*orchestrator.Orchestration, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, request, workflow_hint, workflow_id, status, result, failure, created_at, updated_at
		FROM orchestrations WHERE id = $1`, id)

	o, err := scanOrchestration(row)
	if err != nil {
		return nil, fmt.Errorf("get orchestration %s: %w", id, err)
	}
	if err := s.loadSubtasks(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// ListOrchestrations returns all orchestrations in creation order,
// subtasks included.
func (s *Store) ListOrchestrations(ctx context.Context) ([]*orchestrator.Orchestration, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, request, workflow_hint, workflow_id, status, result, failure, created_at, updated_at
		FROM orchestrations ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list orchestrations: %w", err)
	}
	defer rows.Close()

	var out []*orchestrator.Orchestration
	for rows.Next() {
		o, err := scanOrchestration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan orchestration: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, o := range out {
		if err := s.loadSubtasks(ctx, o); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) loadSubtasks(ctx context.Context, o *orchestrator.Orchestration) error {
	rows, err := s.db.Query(ctx, `
		SELECT id, capability, depends_on, status, agent_id, tried_agents, attempts, result, error_kind, error_message
		FROM subtasks WHERE orchestration_id = $1 ORDER BY ord`, o.ID)
	if err != nil {
		return fmt.Errorf("load subtasks %s: %w", o.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		st := &orchestrator.Subtask{}
		var deps, tried, result []byte
		var status, kind string
		if err := rows.Scan(
			&st.ID, &st.Capability, &deps, &status, &st.AgentID,
			&tried, &st.Attempts, &result, &kind, &st.ErrorMsg,
		); err != nil {
			return fmt.Errorf("scan subtask: %w", err)
		}
		st.Status = orchestrator.SubtaskStatus(status)
		st.ErrorKind = orchestrator.Kind(kind)
		st.Result = result
		if err := json.Unmarshal(deps, &st.DependsOn); err != nil {
			return fmt.Errorf("unmarshal depends_on: %w", err)
		}
		if len(tried) > 0 {
			if err := json.Unmarshal(tried, &st.TriedAgents); err != nil {
				return fmt.Errorf("unmarshal tried_agents: %w", err)
			}
		}
		o.Subtasks = append(o.Subtasks, st)
	}
	return rows.Err()
}

type orchScanner interface {
	Scan(dest ...any) error
}

func scanOrchestration(row orchScanner) (*orchestrator.Orchestration, error) {
	o := &orchestrator.Orchestration{}
	var status string
	var result, failure []byte
	if err := row.Scan(
		&o.ID, &o.Request, &o.WorkflowHint, &o.WorkflowID, &status, &result, &failure,
		&o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	o.Status = orchestrator.Status(status)
	if len(result) > 0 {
		o.Result = &orchestrator.Aggregate{}
		if err := json.Unmarshal(result, o.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if len(failure) > 0 {
		o.Failure = &orchestrator.Failure{}
		if err := json.Unmarshal(failure, o.Failure); err != nil {
			return nil, fmt.Errorf("unmarshal failure: %w", err)
		}
	}
	return o, nil
}
