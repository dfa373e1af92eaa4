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

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opentrusty/opentrusty-admin/internal/audit"
	"github.com/opentrusty/opentrusty-admin/internal/directory"
	"github.com/opentrusty/opentrusty-admin/internal/observability/logger"
	"github.com/opentrusty/opentrusty-admin/internal/paging"
	"github.com/opentrusty/opentrusty-admin/internal/rbac"
)

// LockoutHint is shown to callers once the failed-attempt threshold is reached
const LockoutHint = "account temporarily locked, please try again later"

// Failed-login reasons recorded in the audit trail only
const (
	ReasonUnknownUser     = "user_not_found"
	ReasonDisabled        = "user_disabled"
	ReasonNotLinked       = "directory_link_missing"
	ReasonNotInDirectory  = "directory_entry_missing"
	ReasonInvalidPassword = "invalid_password"
)

// LockoutPolicy controls failed-attempt handling
type LockoutPolicy struct {
	MaxAttempts int
	// Production hides the directory lockout timestamp from callers
	Production bool
}

// Service provides identity-related business logic
type Service struct {
	repo        UserRepository
	dir         Directory
	auditLogger audit.Logger
	lockout     LockoutPolicy
}

// NewService creates a new identity service
func NewService(repo UserRepository, dir Directory, auditLogger audit.Logger, lockout LockoutPolicy) *Service {
	if lockout.MaxAttempts <= 0 {
		lockout.MaxAttempts = 5
	}
	return &Service{
		repo:        repo,
		dir:         dir,
		auditLogger: auditLogger,
		lockout:     lockout,
	}
}

// Authenticate verifies username/password against the directory. client
// carries the caller's device and address for the audit trail.
func (s *Service) Authenticate(ctx context.Context, username, password string, client rbac.Actor) (*User, error) {
	username = strings.TrimSpace(username)
	client.Username = username

	user, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.failed(ctx, client, ReasonUnknownUser, 0)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	client.UserID = user.ID

	rev, err := s.repo.LatestRevision(ctx, user.ID)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("failed to load user revision: %w", err)
	}
	switch {
	case rev == nil || user.Status != rbac.StatusActive || rev.Status != rbac.StatusActive:
		s.failed(ctx, client, ReasonDisabled, user.FailedAttempts)
		return nil, ErrInvalidCredentials
	case user.DirectoryID == "":
		s.failed(ctx, client, ReasonNotLinked, user.FailedAttempts)
		return nil, ErrInvalidCredentials
	}

	entry, err := s.dir.FindUser(ctx, username)
	if err != nil {
		if errors.Is(err, directory.ErrEntryNotFound) {
			s.failed(ctx, client, ReasonNotInDirectory, user.FailedAttempts)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("directory search failed: %w", err)
	}

	if err := s.dir.Bind(ctx, entry.DN, password); err != nil {
		if !errors.Is(err, directory.ErrBindRejected) {
			return nil, fmt.Errorf("directory bind failed: %w", err)
		}
		return nil, s.rejectPassword(ctx, client, user, entry.DN)
	}

	if err := s.repo.ResetAttempts(ctx, user.ID, entry.Fullname, entry.Email); err != nil {
		return nil, fmt.Errorf("failed to reset attempts: %w", err)
	}
	user.FailedAttempts = 0
	if entry.Fullname != "" {
		user.Fullname = entry.Fullname
	}
	if entry.Email != "" {
		user.Email = entry.Email
	}
	return user, nil
}

// rejectPassword counts the failure and decides between a plain rejection
// and a lockout.
func (s *Service) rejectPassword(ctx context.Context, client rbac.Actor, user *User, dn string) error {
	attempts, err := s.repo.RecordFailedAttempt(ctx, user.ID)
	if err != nil {
		// The rejection stands even if counting failed.
		slog.ErrorContext(ctx, "failed to record failed attempt", logger.UserID(user.ID), logger.Error(err))
		attempts = user.FailedAttempts + 1
	}
	s.failed(ctx, client, ReasonInvalidPassword, attempts)

	if attempts < s.lockout.MaxAttempts {
		return ErrInvalidCredentials
	}

	hint := LockoutHint
	if !s.lockout.Production {
		at, locked, err := s.dir.LockoutTime(ctx, dn)
		switch {
		case err != nil:
			slog.WarnContext(ctx, "failed to read directory lockout time", logger.UserID(user.ID), logger.Error(err))
		case locked:
			hint = fmt.Sprintf("%s (locked at %s)", LockoutHint, at.Format(time.RFC3339))
		}
	}

	s.auditLogger.Log(ctx, audit.Event{
		ServiceName: audit.ServiceAuth,
		Action:      audit.ActionUserLocked,
		Message:     fmt.Sprintf("user %s reached %d failed attempts", user.Username, attempts),
		Snapshot:    map[string]any{"attempts": attempts},
	}.WithActor(client))

	return ErrAccountLocked.WithHint(hint)
}

func (s *Service) failed(ctx context.Context, client rbac.Actor, reason string, attempts int) {
	s.auditLogger.Log(ctx, audit.Event{
		ServiceName: audit.ServiceAuth,
		Action:      audit.ActionLoginFailed,
		Message:     "login failed: " + reason,
		Snapshot: map[string]any{
			"reason":   reason,
			"username": client.Username,
			"attempts": attempts,
		},
	}.WithActor(client))
}

// GetUser retrieves a user by id
func (s *Service) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByUsername retrieves a user by username
func (s *Service) GetByUsername(ctx context.Context, username string) (*User, error) {
	return s.repo.GetByUsername(ctx, strings.TrimSpace(username))
}

// IsActive reports whether a user exists and is active
func (s *Service) IsActive(ctx context.Context, id int64) (bool, error) {
	return s.repo.IsActive(ctx, id)
}

// List pages through users
func (s *Service) List(ctx context.Context, f Filter, req paging.Request) (paging.Page[*User], error) {
	items, total, err := s.repo.List(ctx, f, req.Normalize())
	if err != nil {
		return paging.Page[*User]{}, fmt.Errorf("failed to list users: %w", err)
	}
	return paging.Build(req, total, items), nil
}
