package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const membershipColumns = `user_id, group_id, owner, change_members, add_graphs,
	run_graphs, change_graphs_permissions, delete_graphs`

func scanMembership(row interface{ Scan(...any) error }) (*Membership, error) {
	var m Membership
	err := row.Scan(&m.UserID, &m.GroupID, &m.Owner, &m.ChangeMembers, &m.AddGraphs,
		&m.RunGraphs, &m.ChangeGraphsPermissions, &m.DeleteGraphs)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMembership returns one member's permission record, or nil if the user
// is not in the group.
func (s *Store) GetMembership(ctx context.Context, userID, groupID int64) (*Membership, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+membershipColumns+` FROM memberships WHERE user_id = ? AND group_id = ?;
	`, userID, groupID)
	m, err := scanMembership(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return m, nil
}

// ListMembers returns every membership of a group ordered by user id.
func (s *Store) ListMembers(ctx context.Context, groupID int64) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+membershipColumns+` FROM memberships WHERE group_id = ? ORDER BY user_id ASC;
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()
	var out []Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list members: iterate: %w", err)
	}
	return out, nil
}

// MemberRow joins a membership with the member's login for display.
type MemberRow struct {
	Membership
	Login string
}

// ListMembersWithLogins returns every membership of a group with the
// member's login, ordered by user id.
func (s *Store) ListMembersWithLogins(ctx context.Context, groupID int64) ([]MemberRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.user_id, m.group_id, m.owner, m.change_members, m.add_graphs,
			m.run_graphs, m.change_graphs_permissions, m.delete_graphs, u.login
		FROM memberships m JOIN users u ON u.id = m.user_id
		WHERE m.group_id = ? ORDER BY m.user_id ASC;
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list members with logins: %w", err)
	}
	defer rows.Close()
	var out []MemberRow
	for rows.Next() {
		var r MemberRow
		err := rows.Scan(&r.UserID, &r.GroupID, &r.Owner, &r.ChangeMembers, &r.AddGraphs,
			&r.RunGraphs, &r.ChangeGraphsPermissions, &r.DeleteGraphs, &r.Login)
		if err != nil {
			return nil, fmt.Errorf("scan member row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list members with logins: iterate: %w", err)
	}
	return out, nil
}

// InsertMembership adds a member with the given flags. The owner flag must
// be false here; ownership only moves through TransferOwnership or the
// group-creation bootstrap.
func (s *Store) InsertMembership(ctx context.Context, m Membership) error {
	if m.Owner {
		return fmt.Errorf("insert membership: owner flag can only be set by ownership transfer")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships (`+membershipColumns+`)
		VALUES (?, ?, 0, ?, ?, ?, ?, ?);
	`, m.UserID, m.GroupID, m.ChangeMembers, m.AddGraphs,
		m.RunGraphs, m.ChangeGraphsPermissions, m.DeleteGraphs)
	if err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

// UpdateMembershipFlags rewrites a member's non-owner permission flags.
func (s *Store) UpdateMembershipFlags(ctx context.Context, m Membership) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memberships SET change_members = ?, add_graphs = ?, run_graphs = ?,
			change_graphs_permissions = ?, delete_graphs = ?
		WHERE user_id = ? AND group_id = ?;
	`, m.ChangeMembers, m.AddGraphs, m.RunGraphs,
		m.ChangeGraphsPermissions, m.DeleteGraphs, m.UserID, m.GroupID)
	if err != nil {
		return fmt.Errorf("update membership: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("update membership: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("membership (%d,%d) not found", m.UserID, m.GroupID)
	}
	return nil
}

// DeleteMembership removes a member. Returns false if the row did not exist.
func (s *Store) DeleteMembership(ctx context.Context, userID, groupID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM memberships WHERE user_id = ? AND group_id = ?;
	`, userID, groupID)
	if err != nil {
		return false, fmt.Errorf("delete membership: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return false, fmt.Errorf("delete membership: rows affected: %w", rowsErr)
	}
	return n > 0, nil
}

// TransferOwnership atomically moves the owner flag from one member to
// another and repoints groups.owner_id, optionally inserting the new
// owner's membership row when the target is being added in the same
// operation. All three writes commit or none do.
func (s *Store) TransferOwnership(ctx context.Context, groupID, oldOwnerID, newOwnerID int64, insertNew *Membership) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("transfer ownership: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE memberships SET owner = 0 WHERE user_id = ? AND group_id = ? AND owner = 1;
		`, oldOwnerID, groupID)
		if err != nil {
			return fmt.Errorf("transfer ownership: demote: %w", err)
		}
		n, rowsErr := res.RowsAffected()
		if rowsErr != nil {
			return fmt.Errorf("transfer ownership: rows affected: %w", rowsErr)
		}
		if n == 0 {
			return fmt.Errorf("transfer ownership: user %d does not own group %d", oldOwnerID, groupID)
		}

		if insertNew != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO memberships (`+membershipColumns+`)
				VALUES (?, ?, 1, ?, ?, ?, ?, ?);
			`, insertNew.UserID, insertNew.GroupID, insertNew.ChangeMembers, insertNew.AddGraphs,
				insertNew.RunGraphs, insertNew.ChangeGraphsPermissions, insertNew.DeleteGraphs); err != nil {
				return fmt.Errorf("transfer ownership: insert new owner: %w", err)
			}
		} else {
			res, err := tx.ExecContext(ctx, `
				UPDATE memberships SET owner = 1 WHERE user_id = ? AND group_id = ?;
			`, newOwnerID, groupID)
			if err != nil {
				return fmt.Errorf("transfer ownership: promote: %w", err)
			}
			n, rowsErr := res.RowsAffected()
			if rowsErr != nil {
				return fmt.Errorf("transfer ownership: rows affected: %w", rowsErr)
			}
			if n == 0 {
				return fmt.Errorf("transfer ownership: user %d is not in group %d", newOwnerID, groupID)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE groups SET owner_id = ? WHERE id = ?;
		`, newOwnerID, groupID); err != nil {
			return fmt.Errorf("transfer ownership: repoint group: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("transfer ownership: commit: %w", err)
		}
		return nil
	})
}
