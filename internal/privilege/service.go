package privilege

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/guregu/null/v5"

	"github.com/opentrusty/opentrusty-admin/internal/access"
	"github.com/opentrusty/opentrusty-admin/internal/audit"
	"github.com/opentrusty/opentrusty-admin/internal/errs"
	"github.com/opentrusty/opentrusty-admin/internal/paging"
	"github.com/opentrusty/opentrusty-admin/internal/rbac"
)

// DefaultDashboardPath is the form that new types can read by default
const DefaultDashboardPath = "/dashboard"

// Service provides privilege type business logic
type Service struct {
	repo          Repository
	forms         FormRepository
	groups        GroupChecker
	auditLogger   audit.Logger
	dashboardPath string
}

// NewService creates a new privilege service
func NewService(repo Repository, forms FormRepository, groups GroupChecker, auditLogger audit.Logger, dashboardPath string) *Service {
	if dashboardPath == "" {
		dashboardPath = DefaultDashboardPath
	}
	return &Service{
		repo:          repo,
		forms:         forms,
		groups:        groups,
		auditLogger:   auditLogger,
		dashboardPath: dashboardPath,
	}
}

// Create persists a new type and its matrix
func (s *Service) Create(ctx context.Context, actor rbac.Actor, in Input) (*Type, error) {
	if rbac.IsSuperadmin(in.Mode) {
		s.deny(ctx, actor, "create", in)
		return nil, ErrSuperadminMode
	}
	if !actor.IsSuperadmin() {
		in.GroupID = actor.GroupID
	}
	if err := s.validate(ctx, in); err != nil {
		return nil, err
	}

	rows, err := s.rows(ctx, in.Menu, 0, actor.UserID)
	if err != nil {
		return nil, err
	}

	t := &Type{
		Name:      strings.TrimSpace(in.Name),
		Mode:      modeOf(in.Mode),
		Flag:      in.Flag,
		Note:      in.Note,
		GroupID:   in.GroupID,
		Status:    rbac.StatusActive,
		CreatedBy: actor.UserID,
		CreatedAt: time.Now(),
	}
	if err := s.repo.Create(ctx, t, rows); err != nil {
		return nil, fmt.Errorf("failed to create type: %w", err)
	}

	for i := range rows {
		rows[i].TypeID = t.ID
	}
	s.auditLogger.Log(ctx, audit.Event{
		ServiceName: audit.ServiceType,
		Action:      audit.ActionTypeCreated,
		Message:     fmt.Sprintf("type %q created", t.Name),
		Snapshot: map[string]any{
			"before": nil,
			"after":  t,
			"matrix": access.Diff(nil, rows),
		},
	}.WithActor(actor))

	return t, nil
}

// Update rewrites a type and fully replaces its matrix
func (s *Service) Update(ctx context.Context, actor rbac.Actor, id int64, in Input) (*Type, error) {
	if rbac.IsSuperadmin(in.Mode) {
		s.deny(ctx, actor, "update", in)
		return nil, ErrSuperadminMode
	}

	existing, err := s.guarded(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsSuperadmin() {
		in.GroupID = actor.GroupID
	}
	if err := s.validate(ctx, in); err != nil {
		return nil, err
	}

	before, err := s.repo.AccessRows(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load access rows: %w", err)
	}
	rows, err := s.rows(ctx, in.Menu, id, actor.UserID)
	if err != nil {
		return nil, err
	}

	updated := *existing
	updated.Name = strings.TrimSpace(in.Name)
	updated.Mode = modeOf(in.Mode)
	updated.Flag = in.Flag
	updated.Note = in.Note
	updated.GroupID = in.GroupID
	updated.UpdatedBy = null.IntFrom(actor.UserID)
	updated.UpdatedAt = null.TimeFrom(time.Now())

	if err := s.repo.Update(ctx, &updated, rows); err != nil {
		return nil, fmt.Errorf("failed to update type: %w", err)
	}

	snapshot := map[string]any{"before": existing, "after": &updated}
	message := fmt.Sprintf("type %d updated, access unchanged", id)
	if diff := access.Diff(before, rows); !diff.Empty() {
		snapshot["matrix"] = diff
		message = fmt.Sprintf("type %d updated", id)
	}
	s.auditLogger.Log(ctx, audit.Event{
		ServiceName: audit.ServiceType,
		Action:      audit.ActionTypeUpdated,
		Message:     message,
		Snapshot:    snapshot,
	}.WithActor(actor))

	return &updated, nil
}

// Delete soft-deletes a type that no active binding references
func (s *Service) Delete(ctx context.Context, actor rbac.Actor, id int64) error {
	existing, err := s.guarded(ctx, actor, id)
	if err != nil {
		return err
	}

	n, err := s.repo.CountActiveBindings(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to count bindings: %w", err)
	}
	if n > 0 {
		return ErrTypeInUse.WithItems(errs.Item{Field: "id", Value: id, Message: fmt.Sprintf("%d active bindings", n)})
	}

	if err := s.repo.SoftDelete(ctx, id, actor.UserID); err != nil {
		return fmt.Errorf("failed to delete type: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		ServiceName: audit.ServiceType,
		Action:      audit.ActionTypeDeleted,
		Message:     fmt.Sprintf("type %d deleted", id),
		Snapshot:    map[string]any{"before": existing, "after": nil},
	}.WithActor(actor))
	return nil
}

// Get returns a type with its matrix rendered as a menu tree
func (s *Service) Get(ctx context.Context, id int64) (*Detail, error) {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	forms, rows, err := s.matrixOf(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Detail{Type: t, Forms: access.BuildMenuTree(forms, rows)}, nil
}

// List pages through types. Non-superadmin actors only see their group.
func (s *Service) List(ctx context.Context, actor rbac.Actor, f Filter, req paging.Request) (paging.Page[*Type], error) {
	if !actor.IsSuperadmin() {
		f.GroupID = actor.GroupID
	}
	items, total, err := s.repo.List(ctx, f, req.Normalize())
	if err != nil {
		return paging.Page[*Type]{}, fmt.Errorf("failed to list types: %w", err)
	}
	return paging.Build(req, total, items), nil
}

// Support renders the default matrix offered when creating a type
func (s *Service) Support(ctx context.Context) ([]access.MenuNode, error) {
	forms, err := s.forms.ListForms(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list forms: %w", err)
	}
	return access.SupportMatrix(forms, s.dashboardPath), nil
}

// Menu returns the rendered tree and the per-path permissions of a type
func (s *Service) Menu(ctx context.Context, typeID int64) ([]access.MenuNode, map[string]access.Permissions, error) {
	forms, rows, err := s.matrixOf(ctx, typeID)
	if err != nil {
		return nil, nil, err
	}
	return access.BuildMenuTree(forms, rows), access.MatrixFor(forms, rows), nil
}

// HasPermission checks the actor's matrix for action on the form at formPath.
// The superadmin mode bypasses the matrix.
func (s *Service) HasPermission(ctx context.Context, actor rbac.Actor, formPath string, action access.Action) (bool, error) {
	if actor.IsSuperadmin() {
		return true, nil
	}
	if actor.TypeID == 0 {
		return false, nil
	}
	forms, rows, err := s.matrixOf(ctx, actor.TypeID)
	if err != nil {
		return false, err
	}
	return access.MatrixFor(forms, rows)[formPath].Allows(action), nil
}

func (s *Service) matrixOf(ctx context.Context, typeID int64) ([]access.Form, []access.Row, error) {
	forms, err := s.forms.ListForms(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list forms: %w", err)
	}
	rows, err := s.repo.AccessRows(ctx, typeID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load access rows: %w", err)
	}
	return forms, rows, nil
}

// guarded loads a type the actor may mutate
func (s *Service) guarded(ctx context.Context, actor rbac.Actor, id int64) (*Type, error) {
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rbac.IsSuperadmin(existing.Mode.String) {
		s.deny(ctx, actor, "mutate superadmin type", map[string]any{"id": id})
		return nil, ErrSuperadminMode
	}
	if !actor.IsSuperadmin() && existing.GroupID != actor.GroupID {
		s.deny(ctx, actor, "mutate type of another group", map[string]any{"id": id, "groupId": existing.GroupID})
		return nil, ErrOutsideGroup
	}
	return existing, nil
}

func (s *Service) validate(ctx context.Context, in Input) error {
	var items []errs.Item
	if strings.TrimSpace(in.Name) == "" {
		items = append(items, errs.Item{Field: "name", Message: "name is required"})
	}
	if in.GroupID <= 0 {
		items = append(items, errs.Item{Field: "groupId", Message: "group is required"})
	} else {
		ok, err := s.groups.IsActive(ctx, in.GroupID)
		if err != nil {
			return fmt.Errorf("failed to check group: %w", err)
		}
		if !ok {
			items = append(items, errs.Item{Field: "groupId", Value: in.GroupID, Message: "group does not exist or is inactive"})
		}
	}
	if len(items) > 0 {
		return ErrInvalidType.WithItems(items...)
	}
	return nil
}

// rows turns the submitted menu into the rows to persist: stored form flags
// win over submitted ones, and parents of granted children become readable.
func (s *Service) rows(ctx context.Context, menu []access.MenuNode, typeID, actorID int64) ([]access.Row, error) {
	forms, err := s.forms.ListForms(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list forms: %w", err)
	}

	rows := access.BuildMatrix(access.ApplyFormFlags(menu, forms), typeID, actorID)
	if unknown := access.UnknownForms(rows, forms); len(unknown) > 0 {
		items := make([]errs.Item, len(unknown))
		for i, id := range unknown {
			items[i] = errs.Item{Field: "formId", Value: id, Message: "form does not exist"}
		}
		return nil, ErrInvalidType.WithItems(items...)
	}
	return access.GrantParentRead(rows, forms), nil
}

func (s *Service) deny(ctx context.Context, actor rbac.Actor, op string, payload any) {
	s.auditLogger.Log(ctx, audit.Event{
		ServiceName: audit.ServiceType,
		Action:      audit.ActionPermissionDenied,
		Message:     "denied: " + op,
		Snapshot:    payload,
	}.WithActor(actor))
}

func modeOf(mode string) null.String {
	mode = strings.TrimSpace(mode)
	if mode == "" {
		return null.String{}
	}
	return null.StringFrom(mode)
}
