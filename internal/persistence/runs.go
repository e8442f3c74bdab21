package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/loomworks/loom/internal/bus"
)

// CreateRun records a new pipeline run in QUEUED state.
func (s *Store) CreateRun(ctx context.Context, run Run) error {
	if run.Status == "" {
		run.Status = RunStatusQueued
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, group_id, started_by, status, definition)
		VALUES (?, ?, ?, ?, ?);
	`, run.ID, run.GroupID, run.StartedBy, run.Status, run.Definition)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun returns the run with the given id, or nil if not found.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var r Run
	err := s.db.QueryRowContext(ctx, `
		SELECT id, group_id, started_by, status, definition, error, created_at, updated_at
		FROM runs WHERE id = ?;
	`, id).Scan(&r.ID, &r.GroupID, &r.StartedBy, &r.Status, &r.Definition, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &r, nil
}

// UpdateRunStatus moves a run to a new state, recording the failure detail
// when there is one, and publishes the transition on the bus.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status RunStatus, errDetail string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, status, errDetail, id)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("update run status: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("run %q not found", id)
	}

	if s.bus != nil {
		switch status {
		case RunStatusRunning:
			s.bus.Publish(bus.TopicRunStarted, bus.RunEvent{RunID: id})
		case RunStatusSucceeded:
			s.bus.Publish(bus.TopicRunFinished, bus.RunEvent{RunID: id})
		case RunStatusFailed:
			s.bus.Publish(bus.TopicRunFailed, bus.RunEvent{RunID: id, Error: errDetail})
		}
	}
	return nil
}

// FailInterruptedRuns marks runs left QUEUED or RUNNING by a previous
// process as FAILED. Runs are not checkpointed, so they cannot resume.
func (s *Store) FailInterruptedRuns(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = 'interrupted by shutdown', updated_at = CURRENT_TIMESTAMP
		WHERE status IN (?, ?);
	`, RunStatusFailed, RunStatusQueued, RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fail interrupted runs: rows affected: %w", err)
	}
	return n, nil
}

// ListGroupRuns returns the runs recorded for a group, newest first.
func (s *Store) ListGroupRuns(ctx context.Context, groupID int64, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, started_by, status, definition, error, created_at, updated_at
		FROM runs WHERE group_id = ? ORDER BY created_at DESC LIMIT ?;
	`, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("list group runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.GroupID, &r.StartedBy, &r.Status, &r.Definition, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list group runs: iterate: %w", err)
	}
	return out, nil
}
