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

package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/opentrusty/opentrusty-admin/internal/errs"
)

// Session errors
var (
	ErrSessionNotFound  = errs.New(errs.KindUnauthenticated, "session not found or inactive")
	ErrAlreadyLoggedOut = errs.New(errs.KindUnauthenticated, "already logged out")
)

// Session represents a login-issued token record
type Session struct {
	ID        int64
	UserID    int64
	TokenHash string
	Method    string
	GroupID   int64
	Device    string
	IPAddress string
	Status    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// IsExpired checks if the session has expired
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// Repository defines the interface for session persistence
type Repository interface {
	// Rotate inserts s. When exclusive, every other active session of the
	// user is deactivated in the same transaction.
	Rotate(ctx context.Context, s *Session, exclusive bool) error

	// DeactivateByToken marks the active session of tokenHash inactive and
	// reports whether one existed.
	DeactivateByToken(ctx context.Context, tokenHash string) (bool, error)

	// IsActive reports whether an active, unexpired session has tokenHash.
	IsActive(ctx context.Context, tokenHash string) (bool, error)

	// DeactivateUser marks every active session of the user inactive.
	DeactivateUser(ctx context.Context, userID int64) (int64, error)

	// PurgeInactive deletes inactive or expired sessions created before cutoff.
	PurgeInactive(ctx context.Context, cutoff time.Time) (int64, error)
}

// HashToken returns the stored form of a bearer token
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
