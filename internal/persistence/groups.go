package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateGroup inserts a group and its bootstrap owner membership in one
// transaction. This is the only path that creates a membership with the
// owner flag already set.
func (s *Store) CreateGroup(ctx context.Context, name string, ownerID int64) (*Group, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("create group: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO groups (name, owner_id) VALUES (?, ?);
	`, name, ownerID)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create group: last insert id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memberships (user_id, group_id, owner, change_members, add_graphs,
			run_graphs, change_graphs_permissions, delete_graphs)
		VALUES (?, ?, 1, 1, 1, 1, 1, 1);
	`, ownerID, id); err != nil {
		return nil, fmt.Errorf("create group: bootstrap membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("create group: commit: %w", err)
	}
	return &Group{ID: id, Name: name, OwnerID: ownerID}, nil
}

// GetGroup returns the group with the given id, or nil if not found.
func (s *Store) GetGroup(ctx context.Context, id int64) (*Group, error) {
	var g Group
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id FROM groups WHERE id = ?;
	`, id).Scan(&g.ID, &g.Name, &g.OwnerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get group: %w", err)
	}
	return &g, nil
}

// DeleteGroup removes a group with its memberships and runs.
func (s *Store) DeleteGroup(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete group: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memberships WHERE group_id = ?;`, id); err != nil {
		return fmt.Errorf("delete group memberships: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE group_id = ?;`, id); err != nil {
		return fmt.Errorf("delete group runs: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM groups WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("delete group: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("group %d not found", id)
	}
	return tx.Commit()
}

// ListUserGroups returns every group the user belongs to.
func (s *Store) ListUserGroups(ctx context.Context, userID int64) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.name, g.owner_id
		FROM memberships m JOIN groups g ON g.id = m.group_id
		WHERE m.user_id = ? ORDER BY g.id ASC;
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user groups: %w", err)
	}
	defer rows.Close()
	var out []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.OwnerID); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list user groups: iterate: %w", err)
	}
	return out, nil
}
