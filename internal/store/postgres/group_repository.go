package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/opentrusty/opentrusty-admin/internal/group"
	"github.com/opentrusty/opentrusty-admin/internal/paging"
	"github.com/opentrusty/opentrusty-admin/internal/rbac"
)

const groupColumns = `id, name, note, record_status, created_by, created_at, updated_by, updated_at`

// GroupRepository implements group.Repository
type GroupRepository struct {
	db *DB
}

func NewGroupRepository(db *DB) *GroupRepository {
	return &GroupRepository{db: db}
}

func scanGroup(row pgx.Row) (*group.Group, error) {
	var g group.Group
	if err := row.Scan(&g.ID, &g.Name, &g.Note, &g.Status, &g.CreatedBy, &g.CreatedAt, &g.UpdatedBy, &g.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, group.ErrGroupNotFound
		}
		return nil, err
	}
	return &g, nil
}

func (r *GroupRepository) Create(ctx context.Context, g *group.Group) error {
	err := r.db.pool.QueryRow(ctx, `
		INSERT INTO groups (name, note, record_status, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, g.Name, g.Note, g.Status, g.CreatedBy, g.CreatedAt).Scan(&g.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return group.ErrInvalidGroup
		}
		return fmt.Errorf("failed to insert group: %w", err)
	}
	return nil
}

func (r *GroupRepository) Update(ctx context.Context, g *group.Group) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE groups SET name = $2, note = $3, updated_by = $4, updated_at = $5
		WHERE id = $1 AND record_status = 'A'
	`, g.ID, g.Name, g.Note, g.UpdatedBy, g.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return group.ErrInvalidGroup
		}
		return fmt.Errorf("failed to update group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return group.ErrGroupNotFound
	}
	return nil
}

func (r *GroupRepository) SoftDelete(ctx context.Context, id, actorID int64) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE groups SET record_status = $2, updated_by = $3, updated_at = now()
		WHERE id = $1 AND record_status = 'A'
	`, id, rbac.StatusInactive, actorID)
	if err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return group.ErrGroupNotFound
	}
	return nil
}

// GetByID returns an active group
func (r *GroupRepository) GetByID(ctx context.Context, id int64) (*group.Group, error) {
	g, err := scanGroup(r.db.pool.QueryRow(ctx, `
		SELECT `+groupColumns+` FROM groups WHERE id = $1 AND record_status = 'A'
	`, id))
	if err != nil && !errors.Is(err, group.ErrGroupNotFound) {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return g, err
}

var groupOrder = map[string]string{
	"id":        "id",
	"name":      "name",
	"createdAt": "created_at",
}

func (r *GroupRepository) List(ctx context.Context, f group.Filter, req paging.Request) ([]*group.Group, int, error) {
	const where = `WHERE record_status = 'A' AND ($1 = '' OR name ILIKE $2)`

	var total int
	if err := r.db.pool.QueryRow(ctx, `SELECT count(*) FROM groups `+where, f.Name, likePattern(f.Name)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count groups: %w", err)
	}

	w := window(req, total)
	rows, err := r.db.pool.Query(ctx, `
		SELECT `+groupColumns+` FROM groups `+where+`
		ORDER BY `+req.OrderColumn(groupOrder, "id")+` `+string(req.Normalize().Dir)+`
		LIMIT $3 OFFSET $4
	`, f.Name, likePattern(f.Name), w.Limit, w.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var out []*group.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan group: %w", err)
		}
		out = append(out, g)
	}
	return out, total, rows.Err()
}

func (r *GroupRepository) NameTaken(ctx context.Context, name string, excludeID int64) (bool, error) {
	var taken bool
	err := r.db.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM groups
			WHERE lower(name) = lower($1) AND record_status = 'A' AND id <> $2
		)
	`, name, excludeID).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("failed to check group name: %w", err)
	}
	return taken, nil
}

func (r *GroupRepository) References(ctx context.Context, id int64) (int, int, error) {
	var bindings, types int
	err := r.db.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM user_groups WHERE group_id = $1 AND action_code = 'APPROVED' AND record_status = 'A'),
			(SELECT count(*) FROM privilege_types WHERE group_id = $1 AND record_status = 'A')
	`, id).Scan(&bindings, &types)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count group references: %w", err)
	}
	return bindings, types, nil
}

// IsActive reports whether the group exists and is active
func (r *GroupRepository) IsActive(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := r.db.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM groups WHERE id = $1 AND record_status = 'A')
	`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check group: %w", err)
	}
	return ok, nil
}
