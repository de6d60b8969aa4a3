package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pediatric-assistant/internal/domain"
)

const taskColumns = `id, kind, conversation_id, user_id, payload, status, attempts, last_error, run_after, created_at, updated_at`

// CreateTask inserts a new task.
func (s *Store) CreateTask(ctx context.Context, t domain.Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("sqlitestore: CreateTask encode: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Kind, t.ConversationID, t.UserID, string(payload), string(t.Status), t.Attempts, t.LastError,
		formatTime(t.RunAfter), formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlitestore: CreateTask: %w", err)
	}
	return nil
}

// GetTask returns nil, nil for an unknown id.
func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: GetTask: %w", err)
	}
	return &t, nil
}

// DueTasks lists pending tasks due at now, oldest run_after first.
func (s *Store) DueTasks(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND run_after <= ?
		ORDER BY run_after, created_at LIMIT ?`,
		string(domain.TaskPending), formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: DueTasks: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: DueTasks scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimTask bumps attempts of a pending task and leases it until leaseUntil.
func (s *Store) ClaimTask(ctx context.Context, id string, attempts int, leaseUntil time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET attempts = attempts + 1, run_after = ?
		WHERE id = ? AND status = ? AND attempts = ?`,
		formatTime(leaseUntil), id, string(domain.TaskPending), attempts)
	if err != nil {
		return false, fmt.Errorf("sqlitestore: ClaimTask: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlitestore: ClaimTask: %w", err)
	}
	return n == 1, nil
}

// SaveTask overwrites a task unless it has been cancelled.
func (s *Store) SaveTask(ctx context.Context, t domain.Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("sqlitestore: SaveTask encode: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET payload = ?, status = ?, attempts = ?, last_error = ?, run_after = ?, updated_at = ?
		WHERE id = ? AND status <> ?`,
		string(payload), string(t.Status), t.Attempts, t.LastError, formatTime(t.RunAfter), formatTime(t.UpdatedAt),
		t.ID, string(domain.TaskCancelled))
	if err != nil {
		return fmt.Errorf("sqlitestore: SaveTask: %w", err)
	}
	return nil
}

// CancelTask cancels a pending task.
func (s *Store) CancelTask(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(domain.TaskCancelled), formatTime(now), id, string(domain.TaskPending))
	if err != nil {
		return false, fmt.Errorf("sqlitestore: CancelTask: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlitestore: CancelTask: %w", err)
	}
	return n == 1, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Task, error) {
	var (
		t                           domain.Task
		payload, status             string
		runAfter, created, updated string
	)
	err := row.Scan(&t.ID, &t.Kind, &t.ConversationID, &t.UserID, &payload, &status, &t.Attempts,
		&t.LastError, &runAfter, &created, &updated)
	if err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatus(status)
	if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
		return domain.Task{}, fmt.Errorf("decode payload: %w", err)
	}
	if t.RunAfter, err = parseTime(runAfter); err != nil {
		return domain.Task{}, err
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return domain.Task{}, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}
