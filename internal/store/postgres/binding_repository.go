// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/opentrusty/opentrusty-admin/internal/approval"
	"github.com/opentrusty/opentrusty-admin/internal/paging"
	"github.com/opentrusty/opentrusty-admin/internal/rbac"
)

const bindingSelect = `
	SELECT b.id, b.main_id::text, b.user_id, b.group_id, b.type_id, b.is_default, b.row_action, b.action_code,
		b.made_by, b.made_at, b.checked_by, b.checked_at, b.changelog, b.record_status,
		u.username, g.name AS group_name, t.name AS type_name, t.mode AS type_mode
	FROM user_groups b
	JOIN users u ON u.id = b.user_id
	JOIN groups g ON g.id = b.group_id
	JOIN privilege_types t ON t.id = b.type_id`

// BindingRepository implements approval.Repository over the user_groups
// lineage table
type BindingRepository struct {
	db *DB
}

// NewBindingRepository creates a new binding repository
func NewBindingRepository(db *DB) *BindingRepository {
	return &BindingRepository{db: db}
}

func scanBinding(row pgx.Row) (*approval.Binding, error) {
	var b approval.Binding
	var rowAction, state string
	err := row.Scan(&b.ID, &b.MainID, &b.UserID, &b.GroupID, &b.TypeID, &b.IsDefault, &rowAction, &state,
		&b.MadeBy, &b.MadeAt, &b.CheckedBy, &b.CheckedAt, &b.Changelog, &b.Status,
		&b.Username, &b.GroupName, &b.TypeName, &b.TypeMode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, approval.ErrBindingNotFound
		}
		return nil, err
	}
	b.RowAction = approval.RowAction(rowAction)
	b.State = approval.State(state)
	return &b, nil
}

func collectBindings(rows pgx.Rows) ([]*approval.Binding, error) {
	defer rows.Close()
	var out []*approval.Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func getBinding(ctx context.Context, q querier, id int64) (*approval.Binding, error) {
	b, err := scanBinding(q.QueryRow(ctx, bindingSelect+` WHERE b.id = $1`, id))
	if err != nil && !errors.Is(err, approval.ErrBindingNotFound) {
		return nil, fmt.Errorf("failed to get binding: %w", err)
	}
	return b, err
}

func (r *BindingRepository) GetByID(ctx context.Context, id int64) (*approval.Binding, error) {
	return getBinding(ctx, r.db.pool, id)
}

func (r *BindingRepository) HasPending(ctx context.Context, userID, groupID int64) (bool, error) {
	var ok bool
	err := r.db.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_groups
			WHERE user_id = $1 AND group_id = $2 AND action_code = 'WAITING' AND checked_at IS NULL
		)
	`, userID, groupID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check pending bindings: %w", err)
	}
	return ok, nil
}

// Effective returns the most recently approved active row of the pair
func (r *BindingRepository) Effective(ctx context.Context, userID, groupID int64) (*approval.Binding, error) {
	b, err := scanBinding(r.db.pool.QueryRow(ctx, bindingSelect+`
		WHERE b.user_id = $1 AND b.group_id = $2 AND b.action_code = 'APPROVED' AND b.record_status = 'A'
			AND g.record_status = 'A' AND t.record_status = 'A'
		ORDER BY b.checked_at DESC, b.id DESC
		LIMIT 1
	`, userID, groupID))
	if errors.Is(err, approval.ErrBindingNotFound) {
		return nil, approval.ErrNoBinding
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get effective binding: %w", err)
	}
	return b, nil
}

// EffectiveForUser returns one effective row per group
func (r *BindingRepository) EffectiveForUser(ctx context.Context, userID int64) ([]*approval.Binding, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT DISTINCT ON (x.group_id) x.* FROM (`+bindingSelect+`
			WHERE b.user_id = $1 AND b.action_code = 'APPROVED' AND b.record_status = 'A'
				AND g.record_status = 'A' AND t.record_status = 'A'
		) x
		ORDER BY x.group_id, x.checked_at DESC, x.id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list effective bindings: %w", err)
	}
	return collectBindings(rows)
}

// InsertBatch inserts every row in one transaction
func (r *BindingRepository) InsertBatch(ctx context.Context, rows []*approval.Binding) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		for _, b := range rows {
			err := tx.QueryRow(ctx, `
				INSERT INTO user_groups (main_id, user_id, group_id, type_id, is_default, row_action, action_code,
					made_by, made_at, checked_by, checked_at, changelog, record_status)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
				RETURNING id
			`, b.MainID, b.UserID, b.GroupID, b.TypeID, b.IsDefault, string(b.RowAction), string(b.State),
				b.MadeBy, b.MadeAt, b.CheckedBy, b.CheckedAt, b.Changelog, b.Status).Scan(&b.ID)
			if err != nil {
				if isUniqueViolation(err) {
					return approval.ErrInvalidProposal
				}
				return fmt.Errorf("failed to insert binding: %w", err)
			}
			if b.State == approval.StateApproved {
				if err := supersede(ctx, tx, b); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// supersede retires earlier approved rows of the lineage. An approved
// DELETE also retires itself, leaving the pair without an effective row.
func supersede(ctx context.Context, tx pgx.Tx, b *approval.Binding) error {
	_, err := tx.Exec(ctx, `
		UPDATE user_groups SET record_status = $3
		WHERE main_id = $1 AND id <> $2 AND action_code = 'APPROVED' AND record_status = 'A'
	`, b.MainID, b.ID, rbac.StatusInactive)
	if err != nil {
		return fmt.Errorf("failed to supersede bindings: %w", err)
	}
	if b.RowAction != approval.RowDelete {
		return nil
	}
	if _, err := tx.Exec(ctx, `UPDATE user_groups SET record_status = $2 WHERE id = $1`, b.ID, rbac.StatusInactive); err != nil {
		return fmt.Errorf("failed to retire binding: %w", err)
	}
	b.Status = rbac.StatusInactive
	return nil
}

// Resolve transitions a WAITING row. The conditional update is the only
// guard against concurrent checkers: exactly one of them updates the row.
func (r *BindingRepository) Resolve(ctx context.Context, id int64, state approval.State, checkerID int64, changelog string, at time.Time) (*approval.Binding, error) {
	var out *approval.Binding
	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE user_groups
			SET action_code = $2, checked_by = $3, checked_at = $4, changelog = COALESCE(NULLIF($5, ''), changelog)
			WHERE id = $1 AND action_code = 'WAITING' AND checked_at IS NULL
		`, id, string(state), checkerID, at, changelog)
		if err != nil {
			return fmt.Errorf("failed to resolve binding: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if _, err := getBinding(ctx, tx, id); err != nil {
				return err
			}
			return approval.ErrAlreadyProcessed
		}

		b, err := getBinding(ctx, tx, id)
		if err != nil {
			return err
		}
		if state == approval.StateApproved {
			if err := supersede(ctx, tx, b); err != nil {
				return err
			}
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var pendingOrder = map[string]string{
	"id":     "b.id",
	"madeAt": "b.made_at",
}

func (r *BindingRepository) ListPending(ctx context.Context, f approval.PendingFilter, req paging.Request) ([]*approval.Binding, int, error) {
	const where = `
		WHERE b.action_code = 'WAITING' AND b.checked_at IS NULL
			AND ($1 = 0 OR b.group_id = $1) AND ($2 = 0 OR b.user_id = $2)`

	var total int
	if err := r.db.pool.QueryRow(ctx, `SELECT count(*) FROM user_groups b`+where, f.GroupID, f.UserID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count pending bindings: %w", err)
	}

	w := window(req, total)
	rows, err := r.db.pool.Query(ctx, bindingSelect+where+`
		ORDER BY `+req.OrderColumn(pendingOrder, "b.made_at")+` `+string(req.Normalize().Dir)+`
		LIMIT $3 OFFSET $4
	`, f.GroupID, f.UserID, w.Limit, w.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list pending bindings: %w", err)
	}
	out, err := collectBindings(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}
