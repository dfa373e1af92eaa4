// Package group owns organizational groups
package group

import (
	"context"
	"time"

	"github.com/guregu/null/v5"

	"github.com/opentrusty/opentrusty-admin/internal/errs"
	"github.com/opentrusty/opentrusty-admin/internal/paging"
)

// Group is an organizational unit
type Group struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Note      string    `json:"note,omitempty"`
	Status    string    `json:"recordStatus"`
	CreatedBy int64     `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedBy null.Int  `json:"updatedBy"`
	UpdatedAt null.Time `json:"updatedAt"`
}

// Input is the create/update payload
type Input struct {
	Name string `json:"name"`
	Note string `json:"note"`
}

// Filter narrows Load
type Filter struct {
	Name string
}

// Domain errors
var (
	ErrGroupNotFound = errs.New(errs.KindNotFound, "group not found")
	ErrInvalidGroup  = errs.New(errs.KindValidation, "invalid group")
	ErrGroupInUse    = errs.New(errs.KindReferentialConflict, "group is referenced by active bindings or types")
	ErrOutsideGroup  = errs.New(errs.KindSecurityDenied, "group is outside the actor's scope")
)

// Repository persists groups
type Repository interface {
	Create(ctx context.Context, g *Group) error
	Update(ctx context.Context, g *Group) error
	SoftDelete(ctx context.Context, id, actorID int64) error
	GetByID(ctx context.Context, id int64) (*Group, error)
	List(ctx context.Context, f Filter, req paging.Request) ([]*Group, int, error)
	// NameTaken reports whether an active group other than excludeID has name (case-insensitive).
	NameTaken(ctx context.Context, name string, excludeID int64) (bool, error)
	// References counts APPROVED active bindings and active types pointing at the group.
	References(ctx context.Context, id int64) (bindings int, types int, err error)
}
