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
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/opentrusty/opentrusty-admin/internal/rbac"
	"github.com/opentrusty/opentrusty-admin/internal/session"
)

// SessionRepository implements session.Repository
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Rotate inserts the session; when exclusive every other active session of
// the user is deactivated in the same transaction
func (r *SessionRepository) Rotate(ctx context.Context, s *session.Session, exclusive bool) error {
	if s.Status == "" {
		s.Status = rbac.StatusActive
	}
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		if exclusive {
			// serialize concurrent logins of the same user
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, s.UserID); err != nil {
				return fmt.Errorf("failed to lock user sessions: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				UPDATE sessions SET record_status = $2 WHERE user_id = $1 AND record_status = 'A'
			`, s.UserID, rbac.StatusInactive); err != nil {
				return fmt.Errorf("failed to deactivate sessions: %w", err)
			}
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO sessions (user_id, token_hash, method, group_id, device, ip_address, record_status, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id
		`, s.UserID, s.TokenHash, s.Method, s.GroupID, s.Device, s.IPAddress, s.Status, s.ExpiresAt, s.CreatedAt).Scan(&s.ID)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		return nil
	})
}

// DeactivateByToken ends the active session of the token
func (r *SessionRepository) DeactivateByToken(ctx context.Context, tokenHash string) (bool, error) {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE sessions SET record_status = $2 WHERE token_hash = $1 AND record_status = 'A'
	`, tokenHash, rbac.StatusInactive)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// IsActive reports an active unexpired session for the token
func (r *SessionRepository) IsActive(ctx context.Context, tokenHash string) (bool, error) {
	var ok bool
	err := r.db.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sessions WHERE token_hash = $1 AND record_status = 'A' AND expires_at > now()
		)
	`, tokenHash).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	return ok, nil
}

// DeactivateUser ends every active session of a user
func (r *SessionRepository) DeactivateUser(ctx context.Context, userID int64) (int64, error) {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE sessions SET record_status = $2 WHERE user_id = $1 AND record_status = 'A'
	`, userID, rbac.StatusInactive)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate user sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeInactive deletes ended or expired sessions created before cutoff
func (r *SessionRepository) PurgeInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.pool.Exec(ctx, `
		DELETE FROM sessions
		WHERE created_at < $1 AND (record_status <> 'A' OR expires_at < now())
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
