package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cronkeeper/internal/core"
)

const executionColumns = `id, task_id, task_name, task_type, status, triggered_by, started_at, finished_at,
	duration_ns, attempts, output, error`

// SaveExecution inserts the record or overwrites the existing row with the
// same ID, which is how a running record becomes terminal.
func (s *Store) SaveExecution(ctx context.Context, rec *core.ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			duration_ns = excluded.duration_ns,
			attempts = excluded.attempts,
			output = excluded.output,
			error = excluded.error
	`, rec.ID, rec.TaskID, rec.TaskName, rec.TaskType, string(rec.Status), string(rec.TriggeredBy),
		formatTime(rec.StartedAt), nullableTime(rec.FinishedAt), int64(rec.Duration), rec.Attempts, rec.Output, rec.Error)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*core.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	rec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrExecutionNotFound
		}
		return nil, err
	}
	return rec, nil
}

// ListExecutions pages through a task's history newest first, optionally
// bounded by start time. The task itself need not exist any more.
func (s *Store) ListExecutions(ctx context.Context, taskID string, q core.ExecutionQuery) ([]*core.ExecutionRecord, error) {
	q = q.Normalize()
	var (
		where = []string{"task_id = ?"}
		args  = []any{taskID}
	)
	if !q.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, formatTime(q.Since))
	}
	if !q.Until.IsZero() {
		where = append(where, "started_at <= ?")
		args = append(args, formatTime(q.Until))
	}
	args = append(args, q.Limit, q.Offset)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY started_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

// RecoverInterrupted marks every record still running as failed. It is
// meant to run once at startup before any new occurrence is dispatched.
func (s *Store) RecoverInterrupted(ctx context.Context, at time.Time, reason string) ([]*core.ExecutionRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin recovery: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE status = ?`, string(core.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("query running executions: %w", err)
	}
	recs, err := collectExecutions(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	finished := at.UTC()
	for _, rec := range recs {
		rec.Status = core.StatusFailed
		rec.FinishedAt = &finished
		rec.Error = reason
		if d := finished.Sub(rec.StartedAt); d > 0 {
			rec.Duration = d
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE executions SET status = ?, finished_at = ?, duration_ns = ?, error = ?
			WHERE id = ?
		`, string(rec.Status), formatTime(finished), int64(rec.Duration), rec.Error, rec.ID); err != nil {
			return nil, fmt.Errorf("finalize execution %s: %w", rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit recovery: %w", err)
	}
	return recs, nil
}

// PruneExecutions keeps the newest keep finished records of a task.
func (s *Store) PruneExecutions(ctx context.Context, taskID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM executions
		WHERE task_id = ? AND status != ? AND id NOT IN (
			SELECT id FROM executions
			WHERE task_id = ?
			ORDER BY started_at DESC, rowid DESC
			LIMIT ?
		)
	`, taskID, string(core.StatusRunning), taskID, keep)
	if err != nil {
		return fmt.Errorf("prune executions: %w", err)
	}
	return nil
}

// DeleteExecutionsBefore drops finished records that started before cutoff,
// across all tasks, and reports how many were removed.
func (s *Store) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE status != ? AND started_at < ?`,
		string(core.StatusRunning), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old executions: %w", err)
	}
	return res.RowsAffected()
}

func collectExecutions(rows *sql.Rows) ([]*core.ExecutionRecord, error) {
	var recs []*core.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func scanExecution(scanner interface {
	Scan(dest ...any) error
}) (*core.ExecutionRecord, error) {
	var (
		rec         core.ExecutionRecord
		status      string
		triggeredBy string
		startedAt   string
		finishedAt  sql.NullString
		durationNS  int64
	)
	if err := scanner.Scan(&rec.ID, &rec.TaskID, &rec.TaskName, &rec.TaskType, &status, &triggeredBy,
		&startedAt, &finishedAt, &durationNS, &rec.Attempts, &rec.Output, &rec.Error); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	rec.Status = core.ExecutionStatus(status)
	rec.TriggeredBy = core.Trigger(triggeredBy)
	rec.Duration = time.Duration(durationNS)
	var err error
	if rec.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if rec.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}
