package repo

import (
	"context"
	"database/sql"
	"time"

	"reviewline/internal/domain"
)

// InsertExecutionTx schedules a publish execution. A duplicate key is
// absorbed silently so concurrent publish triggers collapse into one row.
func (r Repo) InsertExecutionTx(ctx context.Context, tx *sql.Tx, ex domain.WorkflowExecution) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO workflow_executions
		(idempotency_key,workflow_name,review_id,payload_json,status,attempts,activity_results_json,last_error,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ex.IdempotencyKey, ex.WorkflowName, ex.ReviewID, ex.PayloadJSON, ex.Status, ex.Attempts,
		nullable(ex.ResultsJSON), nullable(ex.LastError), ex.CreatedAt, ex.UpdatedAt)
	return err
}

func scanExecution(row *sql.Row) (domain.WorkflowExecution, error) {
	var ex domain.WorkflowExecution
	var results, lastErr sql.NullString
	err := row.Scan(&ex.IdempotencyKey, &ex.WorkflowName, &ex.ReviewID, &ex.PayloadJSON, &ex.Status,
		&ex.Attempts, &results, &lastErr, &ex.CreatedAt, &ex.UpdatedAt)
	if err == sql.ErrNoRows {
		return ex, ErrNotFound
	}
	if results.Valid {
		ex.ResultsJSON = results.String
	}
	if lastErr.Valid {
		ex.LastError = lastErr.String
	}
	return ex, err
}

func (r Repo) GetExecution(ctx context.Context, key string) (domain.WorkflowExecution, error) {
	return scanExecution(r.DB.QueryRowContext(ctx, `SELECT idempotency_key,workflow_name,review_id,payload_json,status,attempts,activity_results_json,last_error,created_at,updated_at
		FROM workflow_executions WHERE idempotency_key=?`, key))
}

// ListRunnable returns pending and running executions, oldest first. Running
// rows are included so a restarted worker resumes them from stored state.
func (r Repo) ListRunnable(ctx context.Context, limit int) ([]domain.WorkflowExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT idempotency_key,workflow_name,review_id,payload_json,status,attempts,activity_results_json,last_error,created_at,updated_at
		FROM workflow_executions WHERE status IN (?,?) ORDER BY created_at ASC LIMIT ?`,
		domain.WorkflowPending, domain.WorkflowRunning, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowExecution
	for rows.Next() {
		var ex domain.WorkflowExecution
		var results, lastErr sql.NullString
		if err := rows.Scan(&ex.IdempotencyKey, &ex.WorkflowName, &ex.ReviewID, &ex.PayloadJSON, &ex.Status,
			&ex.Attempts, &results, &lastErr, &ex.CreatedAt, &ex.UpdatedAt); err != nil {
			return nil, err
		}
		if results.Valid {
			ex.ResultsJSON = results.String
		}
		if lastErr.Valid {
			ex.LastError = lastErr.String
		}
		res = append(res, ex)
	}
	return res, rows.Err()
}

// MarkRunning bumps the attempt counter and flips a pending row to running.
func (r Repo) MarkRunning(ctx context.Context, key string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE workflow_executions SET status=?, attempts=attempts+1, updated_at=? WHERE idempotency_key=?`,
		domain.WorkflowRunning, now(), key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveActivityResults persists the execution's activity result map so a
// retried or resumed run skips completed activities.
func (r Repo) SaveActivityResults(ctx context.Context, key, resultsJSON string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE workflow_executions SET activity_results_json=?, updated_at=? WHERE idempotency_key=?`,
		resultsJSON, now(), key)
	return err
}

// FinishExecution records a terminal status. Failed rows stay in the table
// for operator inspection and retry.
func (r Repo) FinishExecution(ctx context.Context, key string, status domain.WorkflowStatus, lastError string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE workflow_executions SET status=?, last_error=?, updated_at=? WHERE idempotency_key=?`,
		status, nullable(lastError), now(), key)
	return err
}

// RequeueExecution puts a failed execution back into the pending pool.
func (r Repo) RequeueExecution(ctx context.Context, key string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE workflow_executions SET status=?, last_error=NULL, updated_at=? WHERE idempotency_key=? AND status=?`,
		domain.WorkflowPending, now(), key, domain.WorkflowFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
