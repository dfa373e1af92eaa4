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

// Package privilege owns privilege types: named roles bound to a group and
// carrying a per-form action matrix.
package privilege

import (
	"context"
	"time"

	"github.com/guregu/null/v5"

	"github.com/opentrusty/opentrusty-admin/internal/access"
	"github.com/opentrusty/opentrusty-admin/internal/errs"
	"github.com/opentrusty/opentrusty-admin/internal/paging"
)

// Type is a privilege type (role)
type Type struct {
	ID        int64       `json:"id"`
	Name      string      `json:"name"`
	Mode      null.String `json:"mode"`
	Flag      string      `json:"flag,omitempty"`
	Note      string      `json:"note,omitempty"`
	GroupID   int64       `json:"groupId"`
	GroupName string      `json:"groupName,omitempty"`
	Status    string      `json:"recordStatus"`
	CreatedBy int64       `json:"createdBy"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedBy null.Int    `json:"updatedBy"`
	UpdatedAt null.Time   `json:"updatedAt"`
}

// Input is the create/update payload
type Input struct {
	Name    string            `json:"name"`
	Mode    string            `json:"mode"`
	Flag    string            `json:"flag"`
	Note    string            `json:"note"`
	GroupID int64             `json:"groupId"`
	Menu    []access.MenuNode `json:"menu"`
}

// Detail is a type together with its rendered matrix
type Detail struct {
	Type  *Type             `json:"type"`
	Forms []access.MenuNode `json:"forms"`
}

// Filter narrows List
type Filter struct {
	GroupID int64
	Name    string
}

// Domain errors
var (
	ErrTypeNotFound   = errs.New(errs.KindNotFound, "type not found")
	ErrSuperadminMode = errs.New(errs.KindSecurityDenied, "superadmin mode is reserved")
	ErrOutsideGroup   = errs.New(errs.KindSecurityDenied, "type belongs to another group")
	ErrTypeInUse      = errs.New(errs.KindReferentialConflict, "type is referenced by active user bindings")
	ErrInvalidType    = errs.New(errs.KindValidation, "invalid type")
)

// Repository persists types and their access rows. Create, Update and
// Delete are each one transaction covering the type row and its grants.
type Repository interface {
	// Create inserts t and rows; rows are stamped with the new type id.
	Create(ctx context.Context, t *Type, rows []access.Row) error
	// Update rewrites t and fully replaces its access rows.
	Update(ctx context.Context, t *Type, rows []access.Row) error
	// SoftDelete marks the type and its access rows inactive.
	SoftDelete(ctx context.Context, id, actorID int64) error
	GetByID(ctx context.Context, id int64) (*Type, error)
	List(ctx context.Context, f Filter, req paging.Request) ([]*Type, int, error)
	AccessRows(ctx context.Context, typeID int64) ([]access.Row, error)
	// CountActiveBindings counts APPROVED, active user bindings referencing the type.
	CountActiveBindings(ctx context.Context, typeID int64) (int, error)
}

// FormRepository lists the permissionable forms
type FormRepository interface {
	ListForms(ctx context.Context) ([]access.Form, error)
}

// GroupChecker reports whether a group exists and is active
type GroupChecker interface {
	IsActive(ctx context.Context, groupID int64) (bool, error)
}
