package group

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/guregu/null/v5"

	"github.com/opentrusty/opentrusty-admin/internal/audit"
	"github.com/opentrusty/opentrusty-admin/internal/errs"
	"github.com/opentrusty/opentrusty-admin/internal/paging"
	"github.com/opentrusty/opentrusty-admin/internal/rbac"
)

// Service provides group business logic
type Service struct {
	repo        Repository
	auditLogger audit.Logger
}

// NewService creates a new group service
func NewService(repo Repository, auditLogger audit.Logger) *Service {
	return &Service{repo: repo, auditLogger: auditLogger}
}

// Create adds a group
func (s *Service) Create(ctx context.Context, actor rbac.Actor, in Input) (*Group, error) {
	name, err := s.validate(ctx, in, 0)
	if err != nil {
		return nil, err
	}

	g := &Group{
		Name:      name,
		Note:      strings.TrimSpace(in.Note),
		Status:    rbac.StatusActive,
		CreatedBy: actor.UserID,
		CreatedAt: time.Now(),
	}
	if err := s.repo.Create(ctx, g); err != nil {
		return nil, fmt.Errorf("failed to create group: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		ServiceName: audit.ServiceGroup,
		Action:      audit.ActionGroupCreated,
		Message:     fmt.Sprintf("group %q created", g.Name),
		Snapshot:    map[string]any{"before": nil, "after": g},
	}.WithActor(actor))
	return g, nil
}

// Update renames or re-notes a group. Non-superadmin actors may only update their own group.
func (s *Service) Update(ctx context.Context, actor rbac.Actor, id int64, in Input) (*Group, error) {
	existing, err := s.scoped(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	name, err := s.validate(ctx, in, id)
	if err != nil {
		return nil, err
	}

	updated := *existing
	updated.Name = name
	updated.Note = strings.TrimSpace(in.Note)
	updated.UpdatedBy = null.IntFrom(actor.UserID)
	updated.UpdatedAt = null.TimeFrom(time.Now())
	if err := s.repo.Update(ctx, &updated); err != nil {
		return nil, fmt.Errorf("failed to update group: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		ServiceName: audit.ServiceGroup,
		Action:      audit.ActionGroupUpdated,
		Message:     fmt.Sprintf("group %d updated", id),
		Snapshot:    map[string]any{"before": existing, "after": &updated},
	}.WithActor(actor))
	return &updated, nil
}

// Delete soft-deletes a group nothing active references. It never cascades.
func (s *Service) Delete(ctx context.Context, actor rbac.Actor, id int64) error {
	existing, err := s.scoped(ctx, actor, id)
	if err != nil {
		return err
	}

	bindings, types, err := s.repo.References(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to count group references: %w", err)
	}
	if bindings > 0 || types > 0 {
		var items []errs.Item
		if bindings > 0 {
			items = append(items, errs.Item{Field: "bindings", Value: bindings, Message: "active user bindings reference the group"})
		}
		if types > 0 {
			items = append(items, errs.Item{Field: "types", Value: types, Message: "active types belong to the group"})
		}
		return ErrGroupInUse.WithItems(items...)
	}

	if err := s.repo.SoftDelete(ctx, id, actor.UserID); err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		ServiceName: audit.ServiceGroup,
		Action:      audit.ActionGroupDeleted,
		Message:     fmt.Sprintf("group %d deleted", id),
		Snapshot:    map[string]any{"before": existing, "after": nil},
	}.WithActor(actor))
	return nil
}

// Get returns an active group
func (s *Service) Get(ctx context.Context, id int64) (*Group, error) {
	return s.repo.GetByID(ctx, id)
}

// Load pages through active groups
func (s *Service) Load(ctx context.Context, f Filter, req paging.Request) (paging.Page[*Group], error) {
	items, total, err := s.repo.List(ctx, f, req.Normalize())
	if err != nil {
		return paging.Page[*Group]{}, fmt.Errorf("failed to list groups: %w", err)
	}
	return paging.Build(req, total, items), nil
}

func (s *Service) scoped(ctx context.Context, actor rbac.Actor, id int64) (*Group, error) {
	if !actor.IsSuperadmin() && actor.GroupID != id {
		return nil, ErrOutsideGroup
	}
	return s.repo.GetByID(ctx, id)
}

func (s *Service) validate(ctx context.Context, in Input, excludeID int64) (string, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return "", ErrInvalidGroup.WithItems(errs.Item{Field: "name", Message: "name is required"})
	}
	taken, err := s.repo.NameTaken(ctx, name, excludeID)
	if err != nil {
		return "", fmt.Errorf("failed to check group name: %w", err)
	}
	if taken {
		return "", ErrInvalidGroup.WithItems(errs.Item{Field: "name", Value: name, Message: "name already in use"})
	}
	return name, nil
}
