package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"cronkeeper/internal/core"
)

const definitionColumns = `id, name, task_type, cron_expression, enabled, config, timeout_seconds, retry_on_failure,
	last_run, last_status, next_run, run_count, created_at, updated_at`

// SaveDefinition inserts the definition or replaces every column of an
// existing row.
func (s *Store) SaveDefinition(ctx context.Context, def *core.TaskDefinition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_definitions (`+definitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			task_type = excluded.task_type,
			cron_expression = excluded.cron_expression,
			enabled = excluded.enabled,
			config = excluded.config,
			timeout_seconds = excluded.timeout_seconds,
			retry_on_failure = excluded.retry_on_failure,
			last_run = excluded.last_run,
			last_status = excluded.last_status,
			next_run = excluded.next_run,
			run_count = excluded.run_count,
			updated_at = excluded.updated_at
	`, def.ID, def.Name, def.TaskType, def.CronExpression, boolInt(def.Enabled), nullableConfig(def.Config),
		def.TimeoutSeconds, boolInt(def.RetryOnFailure), nullableTime(def.LastRun), nullableStatus(def.LastStatus),
		nullableTime(def.NextRun), def.RunCount, formatTime(def.CreatedAt), formatTime(def.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save definition: %w", err)
	}
	return nil
}

func (s *Store) LoadDefinition(ctx context.Context, id string) (*core.TaskDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM task_definitions WHERE id = ?`, id)
	def, err := scanDefinition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrTaskNotFound
		}
		return nil, err
	}
	return def, nil
}

func (s *Store) ListDefinitions(ctx context.Context) ([]*core.TaskDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+definitionColumns+`
		FROM task_definitions
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query definitions: %w", err)
	}
	defer rows.Close()
	var defs []*core.TaskDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return defs, nil
}

// DeleteDefinition removes the row. Execution history is left in place.
func (s *Store) DeleteDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_definitions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete definition: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrTaskNotFound
	}
	return nil
}

func scanDefinition(scanner interface {
	Scan(dest ...any) error
}) (*core.TaskDefinition, error) {
	var (
		def        core.TaskDefinition
		enabled    int
		retry      int
		config     sql.NullString
		lastRun    sql.NullString
		lastStatus sql.NullString
		nextRun    sql.NullString
		createdAt  string
		updatedAt  string
	)
	if err := scanner.Scan(&def.ID, &def.Name, &def.TaskType, &def.CronExpression, &enabled, &config,
		&def.TimeoutSeconds, &retry, &lastRun, &lastStatus, &nextRun, &def.RunCount, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan definition: %w", err)
	}
	def.Enabled = enabled != 0
	def.RetryOnFailure = retry != 0
	if config.Valid && config.String != "" {
		def.Config = json.RawMessage(config.String)
	}
	if lastStatus.Valid {
		def.LastStatus = core.ExecutionStatus(lastStatus.String)
	}
	var err error
	if def.LastRun, err = parseNullTime(lastRun); err != nil {
		return nil, err
	}
	if def.NextRun, err = parseNullTime(nextRun); err != nil {
		return nil, err
	}
	if def.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if def.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &def, nil
}

func nullableConfig(cfg json.RawMessage) any {
	if len(cfg) == 0 {
		return nil
	}
	return string(cfg)
}

func nullableStatus(status core.ExecutionStatus) any {
	if status == "" {
		return nil
	}
	return string(status)
}
