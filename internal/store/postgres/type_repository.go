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

	"github.com/jackc/pgx/v5"

	"github.com/opentrusty/opentrusty-admin/internal/access"
	"github.com/opentrusty/opentrusty-admin/internal/paging"
	"github.com/opentrusty/opentrusty-admin/internal/privilege"
	"github.com/opentrusty/opentrusty-admin/internal/rbac"
)

const typeColumns = `t.id, t.name, t.mode, t.flag, t.note, t.group_id, g.name, t.record_status, t.created_by, t.created_at, t.updated_by, t.updated_at`

// TypeRepository implements privilege.Repository and the access matrix store
type TypeRepository struct {
	db *DB
}

// NewTypeRepository creates a new privilege type repository
func NewTypeRepository(db *DB) *TypeRepository {
	return &TypeRepository{db: db}
}

func scanType(row pgx.Row) (*privilege.Type, error) {
	var t privilege.Type
	err := row.Scan(&t.ID, &t.Name, &t.Mode, &t.Flag, &t.Note, &t.GroupID, &t.GroupName,
		&t.Status, &t.CreatedBy, &t.CreatedAt, &t.UpdatedBy, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, privilege.ErrTypeNotFound
		}
		return nil, err
	}
	return &t, nil
}

// Create inserts the type and its matrix in one transaction
func (r *TypeRepository) Create(ctx context.Context, t *privilege.Type, rows []access.Row) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO privilege_types (name, mode, flag, note, group_id, record_status, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`, t.Name, t.Mode, t.Flag, t.Note, t.GroupID, t.Status, t.CreatedBy, t.CreatedAt).Scan(&t.ID)
		if err != nil {
			return fmt.Errorf("failed to insert type: %w", err)
		}
		for i := range rows {
			rows[i].TypeID = t.ID
		}
		return replaceAccess(ctx, tx, t.ID, rows)
	})
}

// Update rewrites the type and fully replaces its matrix
func (r *TypeRepository) Update(ctx context.Context, t *privilege.Type, rows []access.Row) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE privilege_types
			SET name = $2, mode = $3, flag = $4, note = $5, group_id = $6, updated_by = $7, updated_at = $8
			WHERE id = $1 AND record_status = 'A'
		`, t.ID, t.Name, t.Mode, t.Flag, t.Note, t.GroupID, t.UpdatedBy, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to update type: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return privilege.ErrTypeNotFound
		}
		return replaceAccess(ctx, tx, t.ID, rows)
	})
}

// ReplaceAccess swaps the matrix of a type
func (r *TypeRepository) ReplaceAccess(ctx context.Context, typeID int64, rows []access.Row) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		return replaceAccess(ctx, tx, typeID, rows)
	})
}

func replaceAccess(ctx context.Context, tx pgx.Tx, typeID int64, rows []access.Row) error {
	if _, err := tx.Exec(ctx, `DELETE FROM access_rows WHERE type_id = $1`, typeID); err != nil {
		return fmt.Errorf("failed to clear access rows: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"access_rows"},
		[]string{"type_id", "form_id", "role_action", "role_value", "created_by"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			return []any{typeID, rows[i].FormID, string(rows[i].RoleAction), rows[i].RoleValue, rows[i].CreatedBy}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to copy access rows: %w", err)
	}
	return nil
}

// SoftDelete marks the type and its rows inactive
func (r *TypeRepository) SoftDelete(ctx context.Context, id, actorID int64) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE privilege_types SET record_status = $2, updated_by = $3, updated_at = now()
			WHERE id = $1 AND record_status = 'A'
		`, id, rbac.StatusInactive, actorID)
		if err != nil {
			return fmt.Errorf("failed to delete type: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return privilege.ErrTypeNotFound
		}
		_, err = tx.Exec(ctx, `UPDATE access_rows SET record_status = $2 WHERE type_id = $1`, id, rbac.StatusInactive)
		return err
	})
}

// GetByID returns an active type with its group name
func (r *TypeRepository) GetByID(ctx context.Context, id int64) (*privilege.Type, error) {
	t, err := scanType(r.db.pool.QueryRow(ctx, `
		SELECT `+typeColumns+`
		FROM privilege_types t JOIN groups g ON g.id = t.group_id
		WHERE t.id = $1 AND t.record_status = 'A'
	`, id))
	if err != nil && !errors.Is(err, privilege.ErrTypeNotFound) {
		return nil, fmt.Errorf("failed to get type: %w", err)
	}
	return t, err
}

var typeOrder = map[string]string{
	"id":        "t.id",
	"name":      "t.name",
	"groupName": "g.name",
	"createdAt": "t.created_at",
}

// List pages through active types; a zero GroupID lists every group
func (r *TypeRepository) List(ctx context.Context, f privilege.Filter, req paging.Request) ([]*privilege.Type, int, error) {
	const where = `
		FROM privilege_types t JOIN groups g ON g.id = t.group_id
		WHERE t.record_status = 'A' AND ($1 = 0 OR t.group_id = $1) AND ($2 = '' OR t.name ILIKE $3)`

	var total int
	if err := r.db.pool.QueryRow(ctx, `SELECT count(*) `+where, f.GroupID, f.Name, likePattern(f.Name)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count types: %w", err)
	}

	w := window(req, total)
	rows, err := r.db.pool.Query(ctx, `
		SELECT `+typeColumns+where+`
		ORDER BY `+req.OrderColumn(typeOrder, "t.id")+` `+string(req.Normalize().Dir)+`
		LIMIT $4 OFFSET $5
	`, f.GroupID, f.Name, likePattern(f.Name), w.Limit, w.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list types: %w", err)
	}
	defer rows.Close()

	var out []*privilege.Type
	for rows.Next() {
		t, err := scanType(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan type: %w", err)
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// AccessRows returns the active matrix of a type
func (r *TypeRepository) AccessRows(ctx context.Context, typeID int64) ([]access.Row, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT form_id, type_id, role_action, role_value, created_by
		FROM access_rows
		WHERE type_id = $1 AND record_status = 'A'
		ORDER BY form_id, role_action
	`, typeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load access rows: %w", err)
	}
	defer rows.Close()

	var out []access.Row
	for rows.Next() {
		var row access.Row
		var action string
		if err := rows.Scan(&row.FormID, &row.TypeID, &action, &row.RoleValue, &row.CreatedBy); err != nil {
			return nil, fmt.Errorf("failed to scan access row: %w", err)
		}
		row.RoleAction = access.Action(action)
		out = append(out, row)
	}
	return out, rows.Err()
}

// CountActiveBindings counts approved, active bindings using the type
func (r *TypeRepository) CountActiveBindings(ctx context.Context, typeID int64) (int, error) {
	var n int
	err := r.db.pool.QueryRow(ctx, `
		SELECT count(*) FROM user_groups
		WHERE type_id = $1 AND action_code = 'APPROVED' AND record_status = 'A'
	`, typeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count bindings: %w", err)
	}
	return n, nil
}

// BelongsToGroup reports whether an active type is owned by the group
func (r *TypeRepository) BelongsToGroup(ctx context.Context, typeID, groupID int64) (bool, error) {
	var ok bool
	err := r.db.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM privilege_types WHERE id = $1 AND group_id = $2 AND record_status = 'A'
		)
	`, typeID, groupID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check type: %w", err)
	}
	return ok, nil
}

// FormRepository lists the navigation catalogue
type FormRepository struct {
	db *DB
}

func NewFormRepository(db *DB) *FormRepository {
	return &FormRepository{db: db}
}

// ListForms returns every form ordered for tree rendering
func (r *FormRepository) ListForms(ctx context.Context) ([]access.Form, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, parent_id, label, path, sort_order, is_read_only
		FROM forms
		ORDER BY sort_order, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list forms: %w", err)
	}
	defer rows.Close()

	var out []access.Form
	for rows.Next() {
		var f access.Form
		if err := rows.Scan(&f.ID, &f.ParentID, &f.Label, &f.Path, &f.SortOrder, &f.IsReadOnly); err != nil {
			return nil, fmt.Errorf("failed to scan form: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
