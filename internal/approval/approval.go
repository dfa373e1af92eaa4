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

// Package approval implements the maker-checker workflow that governs
// user-to-group-role bindings. Every change is a new row tied to its
// binding lineage by mainId; rows move WAITING -> APPROVED or
// WAITING -> REJECTED exactly once.
package approval

import (
	"context"
	"time"

	"github.com/guregu/null/v5"

	"github.com/opentrusty/opentrusty-admin/internal/errs"
	"github.com/opentrusty/opentrusty-admin/internal/paging"
)

// RowAction is the kind of change a binding row carries
type RowAction string

const (
	RowCreate RowAction = "CREATE"
	RowUpdate RowAction = "UPDATE"
	RowDelete RowAction = "DELETE"
)

// Valid reports whether a is a known row action
func (a RowAction) Valid() bool {
	return a == RowCreate || a == RowUpdate || a == RowDelete
}

// State is the workflow state of a binding row
type State string

const (
	StateWaiting  State = "WAITING"
	StateApproved State = "APPROVED"
	StateRejected State = "REJECTED"
)

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return s == StateApproved || s == StateRejected
}

// Binding is one user-group-type row of the workflow
type Binding struct {
	ID        int64       `json:"id"`
	MainID    string      `json:"mainId"`
	UserID    int64       `json:"userId"`
	GroupID   int64       `json:"groupId"`
	TypeID    int64       `json:"typeId"`
	IsDefault bool        `json:"isDefault"`
	RowAction RowAction   `json:"rowAction"`
	State     State       `json:"actionCode"`
	MadeBy    int64       `json:"madeBy"`
	MadeAt    time.Time   `json:"madeAt"`
	CheckedBy null.Int    `json:"checkedBy"`
	CheckedAt null.Time   `json:"checkedAt"`
	Changelog string      `json:"changelog,omitempty"`
	Status    string      `json:"recordStatus"`
	Username  string      `json:"username,omitempty"`
	GroupName string      `json:"groupName,omitempty"`
	TypeName  string      `json:"typeName,omitempty"`
	TypeMode  null.String `json:"typeMode"`
}

// Change is one proposed binding change
type Change struct {
	RowAction RowAction `json:"rowAction"`
	GroupID   int64     `json:"groupId"`
	TypeID    int64     `json:"typeId"`
	IsDefault bool      `json:"isDefault"`
	Changelog string    `json:"changelog"`
}

// Skipped reports a change excluded because its pair already has a pending row
type Skipped struct {
	Index   int    `json:"index"`
	GroupID int64  `json:"groupId"`
	Reason  string `json:"reason"`
}

// ProposeResult is the outcome of a proposal batch
type ProposeResult struct {
	Created []*Binding `json:"created"`
	Skipped []Skipped  `json:"skipped"`
}

// PendingFilter scopes a pending queue; zero fields are unconstrained
type PendingFilter struct {
	GroupID int64
	UserID  int64
}

// Pair is a (group, type) reference
type Pair struct {
	GroupID int64
	TypeID  int64
}

// Domain errors
var (
	ErrBindingNotFound  = errs.New(errs.KindNotFound, "binding not found")
	ErrNoBinding        = errs.New(errs.KindNotFound, "no effective binding")
	ErrAlreadyProcessed = errs.New(errs.KindAlreadyProcessed, "request already executed")
	ErrInvalidProposal  = errs.New(errs.KindValidation, "invalid binding proposal")
	ErrOutsideGroup     = errs.New(errs.KindSecurityDenied, "binding belongs to another group")
	ErrSelfApproval     = errs.New(errs.KindSecurityDenied, "makers cannot resolve their own proposals")
)

// Repository persists binding rows
type Repository interface {
	GetByID(ctx context.Context, id int64) (*Binding, error)
	// HasPending reports an unresolved WAITING row for the pair.
	HasPending(ctx context.Context, userID, groupID int64) (bool, error)
	// Effective returns the latest APPROVED active row of the pair, or ErrNoBinding.
	Effective(ctx context.Context, userID, groupID int64) (*Binding, error)
	// EffectiveForUser returns one effective row per group.
	EffectiveForUser(ctx context.Context, userID int64) ([]*Binding, error)
	// InsertBatch inserts every row in one transaction. APPROVED rows
	// supersede earlier approved rows of their lineage.
	InsertBatch(ctx context.Context, rows []*Binding) error
	// Resolve moves a WAITING row to state in one conditional update and
	// returns ErrAlreadyProcessed when the row is no longer WAITING.
	Resolve(ctx context.Context, id int64, state State, checkerID int64, changelog string, at time.Time) (*Binding, error)
	ListPending(ctx context.Context, f PendingFilter, req paging.Request) ([]*Binding, int, error)
}

// GroupChecker reports whether a group exists and is active
type GroupChecker interface {
	IsActive(ctx context.Context, groupID int64) (bool, error)
}

// TypeChecker reports whether typeID is an active type of groupID
type TypeChecker interface {
	BelongsToGroup(ctx context.Context, typeID, groupID int64) (bool, error)
}

// UserChecker reports whether a user exists and is active
type UserChecker interface {
	IsActive(ctx context.Context, userID int64) (bool, error)
}

// Invalidator drops cached authorization context of a user in a group
type Invalidator interface {
	InvalidateContext(ctx context.Context, userID, groupID int64)
}

// Recorder receives workflow counters
type Recorder interface {
	Proposed(ctx context.Context, state string, n int)
	Resolution(ctx context.Context, state string)
}

// Policy holds the configurable workflow rules
type Policy struct {
	// ForbidSelfApproval rejects a non-superadmin checker resolving their own proposal.
	ForbidSelfApproval bool
}
