package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/adolago/tiara/internal/model"
)

// AttemptRecord is one dispatch of a task to an agent
type AttemptRecord struct {
	TaskID    string          `json:"task_id"`
	Number    int             `json:"number"`
	AgentID   string          `json:"agent_id"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	ErrorKind model.ErrorKind `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// AttemptHistory stores the audit trail of task attempts in SQLite
type AttemptHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewAttemptHistory creates a new attempt history on an open database
func NewAttemptHistory(logger *zap.Logger, db *sql.DB) (*AttemptHistory, error) {
	h := &AttemptHistory{
		logger: logger.Named("attempt-history"),
		db:     db,
	}
	if err := h.initialize(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *AttemptHistory) initialize() error {
	_, err := h.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_attempts (
			task_id TEXT NOT NULL,
			number INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			error_kind TEXT,
			error TEXT,
			PRIMARY KEY (task_id, number, agent_id)
		);
		CREATE INDEX IF NOT EXISTS idx_task_attempts_agent_id ON task_attempts(agent_id);
		CREATE INDEX IF NOT EXISTS idx_task_attempts_started_at ON task_attempts(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Record inserts or completes an attempt
func (h *AttemptHistory) Record(ctx context.Context, taskID string, attempt model.Attempt) error {
	var endedAt sql.NullTime
	if attempt.EndedAt != nil {
		endedAt = sql.NullTime{Time: *attempt.EndedAt, Valid: true}
	}

	_, err := h.db.ExecContext(ctx, `
		INSERT INTO task_attempts (task_id, number, agent_id, started_at, ended_at, error_kind, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, number, agent_id) DO UPDATE SET
			ended_at = excluded.ended_at,
			error_kind = excluded.error_kind,
			error = excluded.error`,
		taskID,
		attempt.Number,
		attempt.AgentID,
		attempt.StartedAt,
		endedAt,
		sql.NullString{String: string(attempt.ErrorKind), Valid: attempt.ErrorKind != ""},
		sql.NullString{String: attempt.Error, Valid: attempt.Error != ""},
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// ForTask returns the attempts of a task in order
func (h *AttemptHistory) ForTask(ctx context.Context, taskID string) ([]*AttemptRecord, error) {
	return h.query(ctx, "WHERE task_id = ? ORDER BY number, started_at", taskID)
}

// ForAgent returns the most recent attempts run by an agent
func (h *AttemptHistory) ForAgent(ctx context.Context, agentID string, limit int) ([]*AttemptRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	return h.query(ctx, "WHERE agent_id = ? ORDER BY started_at DESC LIMIT ?", agentID, limit)
}

func (h *AttemptHistory) query(ctx context.Context, where string, args ...any) ([]*AttemptRecord, error) {
	rows, err := h.db.QueryContext(ctx,
		"SELECT task_id, number, agent_id, started_at, ended_at, error_kind, error FROM task_attempts "+where,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var records []*AttemptRecord
	for rows.Next() {
		r := &AttemptRecord{}
		var endedAt sql.NullTime
		var kind, errStr sql.NullString
		if err := rows.Scan(&r.TaskID, &r.Number, &r.AgentID, &r.StartedAt, &endedAt, &kind, &errStr); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		if endedAt.Valid {
			r.EndedAt = &endedAt.Time
		}
		r.ErrorKind = model.ErrorKind(kind.String)
		r.Error = errStr.String
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

// DeleteBefore deletes attempts started before the specified time
func (h *AttemptHistory) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := h.db.ExecContext(ctx, "DELETE FROM task_attempts WHERE started_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete attempts: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	h.logger.Info("Deleted old task attempts",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return nil
}
