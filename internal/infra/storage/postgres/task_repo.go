package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dnanh/opsmem/internal/core/domain"
)

type TaskRepo struct {
	db *sqlx.DB
}

const taskColumns = `id, type, description, status, assigned_to, claimed_by, claim_attempt_id,
	delegated_by, quality_score, blocked_reason, blocked_at, escalation_count,
	result_summary, result_artifact, result_extras, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*domain.Task, error) {
	var t domain.Task
	var blockedAt sql.NullTime
	var extras []byte
	err := row.Scan(
		&t.ID, &t.Type, &t.Description, &t.Status, &t.AssignedTo, &t.ClaimedBy,
		&t.ClaimAttemptID, &t.DelegatedBy, &t.QualityScore, &t.BlockedReason,
		&blockedAt, &t.EscalationCount, &t.ResultSummary, &t.ResultArtifact,
		&extras, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if blockedAt.Valid {
		t.BlockedAt = &blockedAt.Time
	}
	if len(extras) > 0 {
		if err := json.Unmarshal(extras, &t.ResultExtras); err != nil {
			return nil, fmt.Errorf("decode result extras: %w", err)
		}
	}
	return &t, nil
}

// Create inserts the task row and its delegation edge in one transaction.
func (r *TaskRepo) Create(ctx context.Context, task *domain.Task) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin create: %v", domain.ErrDatabase, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, type, description, status, assigned_to, delegated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		task.ID, task.Type, task.Description, task.Status, task.AssignedTo, task.DelegatedBy, task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert task: %v", domain.ErrDatabase, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO delegations (task_id, from_agent, to_agent, created_at)
		VALUES ($1, $2, $3, $4)`,
		task.ID, task.DelegatedBy, task.AssignedTo, task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert delegation: %v", domain.ErrDatabase, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit create: %v", domain.ErrDatabase, err)
	}
	return nil
}

func (r *TaskRepo) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get task: %v", domain.ErrDatabase, err)
	}
	return t, nil
}

// ClaimOldestPending runs the optimistic claim protocol in one transaction:
// pick the oldest pending row for the agent, conditionally flip it to
// in_progress while it is still pending, then read the stored attempt id
// back and verify it is ours. The row version check is the sole source of
// mutual exclusion; there is no advisory locking.
func (r *TaskRepo) ClaimOldestPending(ctx context.Context, agentID, attemptID string) (*domain.Task, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin claim: %v", domain.ErrDatabase, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM tasks
		WHERE assigned_to = $1 AND status = $2
		ORDER BY created_at ASC
		LIMIT 1`,
		agentID, domain.TaskStatusPending,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: claim select: %v", domain.ErrDatabase, err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = $1, claimed_by = $2, claim_attempt_id = $3, updated_at = now()
		WHERE id = $4 AND status = $5`,
		domain.TaskStatusInProgress, agentID, attemptID, id, domain.TaskStatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: claim update: %v", domain.ErrDatabase, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: claim rows affected: %v", domain.ErrDatabase, err)
	}
	if affected == 0 {
		// Row left pending between select and update: another claimer won.
		return nil, fmt.Errorf("%w: task %s", domain.ErrRaceCondition, id)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("%w: claim readback: %v", domain.ErrDatabase, err)
	}
	if t.ClaimAttemptID != attemptID {
		return nil, fmt.Errorf("%w: attempt id mismatch on task %s", domain.ErrRaceCondition, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit claim: %v", domain.ErrDatabase, err)
	}
	return t, nil
}

func (r *TaskRepo) CompleteResults(ctx context.Context, taskID string, summary, artifact string, score float64, extras map[string]string) (bool, error) {
	var extrasJSON []byte
	if len(extras) > 0 {
		var err error
		extrasJSON, err = json.Marshal(extras)
		if err != nil {
			return false, fmt.Errorf("encode result extras: %w", err)
		}
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $1, result_summary = $2, result_artifact = $3, quality_score = $4,
		    result_extras = $5, updated_at = now()
		WHERE id = $6 AND status = $7`,
		domain.TaskStatusCompleted, summary, artifact, score, extrasJSON,
		taskID, domain.TaskStatusInProgress,
	)
	if err != nil {
		return false, fmt.Errorf("%w: complete task: %v", domain.ErrDatabase, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: complete rows affected: %v", domain.ErrDatabase, err)
	}
	return affected > 0, nil
}

func (r *TaskRepo) Block(ctx context.Context, taskID, reason string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $1, blocked_reason = $2, blocked_at = $3, updated_at = now()
		WHERE id = $4`,
		domain.TaskStatusBlocked, reason, at, taskID,
	)
	if err != nil {
		return fmt.Errorf("%w: block task: %v", domain.ErrDatabase, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

func (r *TaskRepo) Reassign(ctx context.Context, taskID, newAgentID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks
		SET assigned_to = $1, claimed_by = '', claim_attempt_id = '', status = $2,
		    blocked_reason = '', blocked_at = NULL,
		    escalation_count = escalation_count + 1, updated_at = now()
		WHERE id = $3 AND status = $4`,
		newAgentID, domain.TaskStatusPending, taskID, domain.TaskStatusBlocked,
	)
	if err != nil {
		return fmt.Errorf("%w: reassign task: %v", domain.ErrDatabase, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, err := r.Get(ctx, taskID); err != nil {
			return err
		}
		return domain.ErrTaskNotBlocked
	}
	return nil
}

func (r *TaskRepo) CountByStatus(ctx context.Context, status domain.TaskStatus) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE status = $1`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: count tasks: %v", domain.ErrDatabase, err)
	}
	return count, nil
}
