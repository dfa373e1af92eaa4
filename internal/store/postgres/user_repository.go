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

	"github.com/opentrusty/opentrusty-admin/internal/identity"
	"github.com/opentrusty/opentrusty-admin/internal/paging"
	"github.com/opentrusty/opentrusty-admin/internal/rbac"
)

const userColumns = `id, username, fullname, email, directory_id, failed_attempts, record_status, created_by, created_at, updated_at`

// UserRepository implements identity.UserRepository
type UserRepository struct {
	db *DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

func scanUser(row pgx.Row) (*identity.User, error) {
	var u identity.User
	err := row.Scan(&u.ID, &u.Username, &u.Fullname, &u.Email, &u.DirectoryID,
		&u.FailedAttempts, &u.Status, &u.CreatedBy, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// Create inserts the user and its first revision
func (r *UserRepository) Create(ctx context.Context, u *identity.User) error {
	if u.Status == "" {
		u.Status = rbac.StatusActive
	}
	u.CreatedAt = time.Now()

	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO users (username, fullname, email, directory_id, failed_attempts, record_status, created_by, created_at)
			VALUES ($1, $2, $3, $4, 0, $5, $6, $7)
			RETURNING id
		`, u.Username, u.Fullname, u.Email, u.DirectoryID, u.Status, u.CreatedBy, u.CreatedAt).Scan(&u.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return identity.ErrUserAlreadyExists
			}
			return fmt.Errorf("failed to insert user: %w", err)
		}
		return r.snapshot(ctx, tx, u.ID, u.CreatedBy)
	})
}

// snapshot writes the current state of the user as a new revision
func (r *UserRepository) snapshot(ctx context.Context, q querier, userID, actorID int64) error {
	_, err := q.Exec(ctx, `
		INSERT INTO user_revisions (user_id, username, fullname, email, directory_id, failed_attempts, record_status, created_by, created_at)
		SELECT id, username, fullname, email, directory_id, failed_attempts, record_status, $2, now()
		FROM users WHERE id = $1
	`, userID, actorID)
	if err != nil {
		return fmt.Errorf("failed to insert user revision: %w", err)
	}
	return nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*identity.User, error) {
	u, err := scanUser(r.db.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil && !errors.Is(err, identity.ErrUserNotFound) {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, err
}

// GetByUsername retrieves a user case-insensitively
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*identity.User, error) {
	u, err := scanUser(r.db.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(username) = lower($1)`, username))
	if err != nil && !errors.Is(err, identity.ErrUserNotFound) {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, err
}

// LatestRevision returns the newest revision of the user
func (r *UserRepository) LatestRevision(ctx context.Context, userID int64) (*identity.Revision, error) {
	var rev identity.Revision
	err := r.db.pool.QueryRow(ctx, `
		SELECT id, user_id, username, fullname, email, directory_id, failed_attempts, record_status, created_by, created_at
		FROM user_revisions
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT 1
	`, userID).Scan(&rev.ID, &rev.UserID, &rev.Username, &rev.Fullname, &rev.Email, &rev.DirectoryID,
		&rev.FailedAttempts, &rev.Status, &rev.CreatedBy, &rev.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user revision: %w", err)
	}
	return &rev, nil
}

// RecordFailedAttempt increments the counter on the user and its latest revision
func (r *UserRepository) RecordFailedAttempt(ctx context.Context, userID int64) (int, error) {
	var attempts int
	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE users SET failed_attempts = failed_attempts + 1, updated_at = now()
			WHERE id = $1
			RETURNING failed_attempts
		`, userID).Scan(&attempts)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return identity.ErrUserNotFound
			}
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE user_revisions SET failed_attempts = $2
			WHERE id = (SELECT max(id) FROM user_revisions WHERE user_id = $1)
		`, userID, attempts)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record failed attempt: %w", err)
	}
	return attempts, nil
}

// ResetAttempts zeroes the counter and syncs directory attributes
func (r *UserRepository) ResetAttempts(ctx context.Context, userID int64, fullname, email string) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE users SET failed_attempts = 0,
				fullname = COALESCE(NULLIF($2, ''), fullname),
				email = COALESCE(NULLIF($3, ''), email),
				updated_at = now()
			WHERE id = $1
		`, userID, fullname, email)
		if err != nil {
			return fmt.Errorf("failed to reset attempts: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return identity.ErrUserNotFound
		}
		_, err = tx.Exec(ctx, `
			UPDATE user_revisions SET failed_attempts = 0
			WHERE id = (SELECT max(id) FROM user_revisions WHERE user_id = $1)
		`, userID)
		return err
	})
}

// Disable marks the user inactive and records a revision of the change
func (r *UserRepository) Disable(ctx context.Context, userID, actorID int64) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE users SET record_status = $2, updated_at = now() WHERE id = $1
		`, userID, rbac.StatusInactive)
		if err != nil {
			return fmt.Errorf("failed to disable user: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return identity.ErrUserNotFound
		}
		return r.snapshot(ctx, tx, userID, actorID)
	})
}

// IsActive reports whether the user exists and is active
func (r *UserRepository) IsActive(ctx context.Context, userID int64) (bool, error) {
	var ok bool
	err := r.db.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND record_status = $2)
	`, userID, rbac.StatusActive).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check user: %w", err)
	}
	return ok, nil
}

var userOrder = map[string]string{
	"id":        "id",
	"username":  "username",
	"createdAt": "created_at",
}

// List pages through users
func (r *UserRepository) List(ctx context.Context, f identity.Filter, req paging.Request) ([]*identity.User, int, error) {
	var total int
	if err := r.db.pool.QueryRow(ctx, `
		SELECT count(*) FROM users WHERE ($1 = '' OR username ILIKE $2)
	`, f.Username, likePattern(f.Username)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}

	w := window(req, total)
	rows, err := r.db.pool.Query(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE ($1 = '' OR username ILIKE $2)
		ORDER BY `+req.OrderColumn(userOrder, "id")+` `+string(req.Normalize().Dir)+`
		LIMIT $3 OFFSET $4
	`, f.Username, likePattern(f.Username), w.Limit, w.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []*identity.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, total, rows.Err()
}
