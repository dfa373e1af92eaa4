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

// Package bootstrap provisions the state a fresh installation needs before
// anyone can log in: access matrices of the seeded types and the first
// administrator.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opentrusty/opentrusty-admin/internal/access"
	"github.com/opentrusty/opentrusty-admin/internal/approval"
	"github.com/opentrusty/opentrusty-admin/internal/audit"
	"github.com/opentrusty/opentrusty-admin/internal/directory"
	"github.com/opentrusty/opentrusty-admin/internal/identity"
	"github.com/opentrusty/opentrusty-admin/internal/observability/logger"
	"github.com/opentrusty/opentrusty-admin/internal/rbac"
)

// DefaultAdminUsername is provisioned when no username is configured
const DefaultAdminUsername = "chb0001"

// administratorActions excludes archiving, which stays superadmin only
var administratorActions = []access.Action{
	access.ActionCreate,
	access.ActionRead,
	access.ActionUpdate,
	access.ActionDelete,
	access.ActionUpload,
	access.ActionDownload,
}

type Forms interface {
	ListForms(ctx context.Context) ([]access.Form, error)
}

// Matrices reads and replaces the access rows of a type
type Matrices interface {
	AccessRows(ctx context.Context, typeID int64) ([]access.Row, error)
	ReplaceAccess(ctx context.Context, typeID int64, rows []access.Row) error
}

type Users interface {
	Create(ctx context.Context, u *identity.User) error
	GetByUsername(ctx context.Context, username string) (*identity.User, error)
}

type Directory interface {
	FindUser(ctx context.Context, username string) (*directory.Entry, error)
}

type Workflow interface {
	Propose(ctx context.Context, actor rbac.Actor, userID int64, changes []approval.Change) (*approval.ProposeResult, error)
	Effective(ctx context.Context, userID, groupID int64) (*approval.Binding, error)
}

// Bootstrapper is idempotent; every step is skipped when already done.
type Bootstrapper struct {
	Forms       Forms
	Matrices    Matrices
	Users       Users
	Directory   Directory // optional
	Workflow    Workflow
	AuditLogger audit.Logger
}

// Run seeds matrices and the administrator
func (b *Bootstrapper) Run(ctx context.Context, adminUsername string) error {
	if err := b.SeedMatrices(ctx); err != nil {
		return err
	}
	_, err := b.EnsureAdmin(ctx, adminUsername)
	return err
}

// SeedMatrices grants the seeded types their default role set if they have
// no rows yet.
func (b *Bootstrapper) SeedMatrices(ctx context.Context) error {
	forms, err := b.Forms.ListForms(ctx)
	if err != nil {
		return fmt.Errorf("failed to list forms: %w", err)
	}

	seeds := []struct {
		typeID  int64
		actions []access.Action
	}{
		{rbac.TypeIDSuperadmin, access.Actions},
		{rbac.TypeIDAdministrator, administratorActions},
	}
	for _, s := range seeds {
		existing, err := b.Matrices.AccessRows(ctx, s.typeID)
		if err != nil {
			return fmt.Errorf("failed to read matrix of type %d: %w", s.typeID, err)
		}
		if len(existing) > 0 {
			continue
		}
		rows := access.SeedMatrix(forms, s.typeID, s.actions)
		if err := b.Matrices.ReplaceAccess(ctx, s.typeID, rows); err != nil {
			return fmt.Errorf("failed to seed matrix of type %d: %w", s.typeID, err)
		}
		slog.InfoContext(ctx, "seeded access matrix", logger.TypeID(s.typeID), logger.RowsAffected(int64(len(rows))))
	}
	return nil
}

// EnsureAdmin creates the administrator and binds it to the default group
// as superadmin.
func (b *Bootstrapper) EnsureAdmin(ctx context.Context, username string) (*identity.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		username = DefaultAdminUsername
	}

	user, err := b.Users.GetByUsername(ctx, username)
	switch {
	case errors.Is(err, identity.ErrUserNotFound):
		user, err = b.createAdmin(ctx, username)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to load administrator: %w", err)
	}

	_, err = b.Workflow.Effective(ctx, user.ID, rbac.GroupIDDefault)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, approval.ErrNoBinding) {
		return nil, fmt.Errorf("failed to load administrator binding: %w", err)
	}

	_, err = b.Workflow.Propose(ctx, rbac.SystemActor, user.ID, []approval.Change{{
		RowAction: approval.RowCreate,
		GroupID:   rbac.GroupIDDefault,
		TypeID:    rbac.TypeIDSuperadmin,
		IsDefault: true,
		Changelog: "bootstrap",
	}})
	if err != nil {
		return nil, fmt.Errorf("failed to bind administrator: %w", err)
	}

	b.AuditLogger.Log(ctx, audit.Event{
		ServiceName: audit.ServiceSystem,
		Action:      audit.ActionBootstrap,
		Message:     fmt.Sprintf("bound %s to the default group as superadmin", username),
	}.WithActor(rbac.SystemActor))
	return user, nil
}

func (b *Bootstrapper) createAdmin(ctx context.Context, username string) (*identity.User, error) {
	user := &identity.User{
		Username:    username,
		DirectoryID: username,
		Status:      rbac.StatusActive,
	}
	if b.Directory != nil {
		entry, err := b.Directory.FindUser(ctx, username)
		switch {
		case err == nil:
			user.DirectoryID = entry.DN
			user.Fullname = entry.Fullname
			user.Email = entry.Email
		default:
			slog.WarnContext(ctx, "administrator not resolved in directory", logger.Username(username), logger.Error(err))
		}
	}
	if err := b.Users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create administrator: %w", err)
	}
	slog.InfoContext(ctx, "created administrator", logger.UserID(user.ID), logger.Username(username))
	return user, nil
}
