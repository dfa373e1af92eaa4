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

package privilege

import (
	"context"
	"errors"
	"testing"

	"github.com/guregu/null/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/opentrusty/opentrusty-admin/internal/access"
	"github.com/opentrusty/opentrusty-admin/internal/audit"
	"github.com/opentrusty/opentrusty-admin/internal/errs"
	"github.com/opentrusty/opentrusty-admin/internal/paging"
	"github.com/opentrusty/opentrusty-admin/internal/rbac"
)

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) Create(ctx context.Context, t *Type, rows []access.Row) error {
	args := m.Called(ctx, t, rows)
	t.ID = 42
	return args.Error(0)
}

func (m *mockRepo) Update(ctx context.Context, t *Type, rows []access.Row) error {
	return m.Called(ctx, t, rows).Error(0)
}

func (m *mockRepo) SoftDelete(ctx context.Context, id, actorID int64) error {
	return m.Called(ctx, id, actorID).Error(0)
}

func (m *mockRepo) GetByID(ctx context.Context, id int64) (*Type, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Type), args.Error(1)
}

func (m *mockRepo) List(ctx context.Context, f Filter, req paging.Request) ([]*Type, int, error) {
	args := m.Called(ctx, f, req)
	return args.Get(0).([]*Type), args.Int(1), args.Error(2)
}

func (m *mockRepo) AccessRows(ctx context.Context, typeID int64) ([]access.Row, error) {
	args := m.Called(ctx, typeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]access.Row), args.Error(1)
}

func (m *mockRepo) CountActiveBindings(ctx context.Context, typeID int64) (int, error) {
	args := m.Called(ctx, typeID)
	return args.Int(0), args.Error(1)
}

type staticForms []access.Form

func (f staticForms) ListForms(context.Context) ([]access.Form, error) { return f, nil }

type activeGroups map[int64]bool

func (g activeGroups) IsActive(_ context.Context, id int64) (bool, error) { return g[id], nil }

type auditRecorder struct{ events []audit.Event }

func (a *auditRecorder) Log(_ context.Context, e audit.Event) { a.events = append(a.events, e) }

func ptr(v int64) *int64 { return &v }

var testForms = staticForms{
	{ID: 1, Label: "Dashboard", Path: "/dashboard", SortOrder: 1, IsReadOnly: true},
	{ID: 2, Label: "Settings", Path: "/settings", SortOrder: 2},
	{ID: 3, ParentID: ptr(2), Label: "Users", Path: "/settings/users", SortOrder: 1},
}

var (
	superadmin = rbac.Actor{UserID: 1, Username: "chb0001", GroupID: 1, TypeID: 1, Mode: rbac.ModeSuperadmin}
	groupAdmin = rbac.Actor{UserID: 5, Username: "admin5", GroupID: 3, TypeID: 9, TypeName: "ops"}
)

func newTestService(repo *mockRepo) (*Service, *auditRecorder) {
	rec := &auditRecorder{}
	return NewService(repo, testForms, activeGroups{1: true, 3: true}, rec, ""), rec
}

func grant(formID int64, actions ...access.Action) access.MenuNode {
	n := access.MenuNode{FormID: formID}
	for _, a := range actions {
		n.Roles = append(n.Roles, access.RoleEntry{RoleAction: a, RoleValue: true})
	}
	return n
}

// TestPurpose: Validates that the reserved superadmin mode can never be written through create or update.
// Scope: Unit Test
// Security: Privilege escalation prevention
// Expected: SecurityDenied, no repository write, one denial audit event.
// Test Case ID: PRV-01
func TestPrivilege_SuperadminModeDenied(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepo)
	svc, rec := newTestService(repo)

	for _, mode := range []string{"superadmin", "SuperAdmin", " superadmin "} {
		_, err := svc.Create(ctx, superadmin, Input{Name: "root", Mode: mode, GroupID: 1})
		assert.ErrorIs(t, err, ErrSuperadminMode)
		assert.Equal(t, errs.KindSecurityDenied, errs.KindOf(err))

		_, err = svc.Update(ctx, superadmin, 2, Input{Name: "root", Mode: mode, GroupID: 1})
		assert.ErrorIs(t, err, ErrSuperadminMode)
	}

	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
	require.Len(t, rec.events, 6)
	assert.Equal(t, audit.ActionPermissionDenied, rec.events[0].Action)
}

// TestPurpose: Validates that a seeded superadmin type cannot be updated or deleted through the API.
// Scope: Unit Test
// Security: Privilege escalation prevention
// Expected: SecurityDenied for update and delete.
// Test Case ID: PRV-02
func TestPrivilege_SeededSuperadminTypeImmutable(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepo)
	svc, _ := newTestService(repo)
	repo.On("GetByID", ctx, int64(1)).Return(&Type{ID: 1, Name: "superadmin", Mode: null.StringFrom("superadmin"), GroupID: 1}, nil)

	_, err := svc.Update(ctx, superadmin, 1, Input{Name: "renamed", GroupID: 1})
	assert.ErrorIs(t, err, ErrSuperadminMode)

	err = svc.Delete(ctx, superadmin, 1)
	assert.ErrorIs(t, err, ErrSuperadminMode)
	repo.AssertNotCalled(t, "SoftDelete", mock.Anything, mock.Anything, mock.Anything)
}

// TestPurpose: Validates privilege containment: non-superadmin actors always create types in their own group.
// Scope: Unit Test
// Security: Multi-tenant boundary enforcement
// Expected: The client-supplied group id is replaced by the actor's group.
// Test Case ID: PRV-03
func TestPrivilege_Create_ForcesActorGroup(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepo)
	svc, rec := newTestService(repo)

	repo.On("Create", ctx, mock.MatchedBy(func(tp *Type) bool {
		return tp.GroupID == 3 && tp.Name == "ops" && !tp.Mode.Valid
	}), mock.Anything).Return(nil)

	created, err := svc.Create(ctx, groupAdmin, Input{Name: " ops ", GroupID: 1, Menu: []access.MenuNode{grant(1, access.ActionRead)}})
	require.NoError(t, err)
	assert.Equal(t, int64(42), created.ID)
	assert.Equal(t, int64(3), created.GroupID)
	repo.AssertExpectations(t)

	require.Len(t, rec.events, 1)
	assert.Equal(t, audit.ActionTypeCreated, rec.events[0].Action)
	assert.Equal(t, int64(5), rec.events[0].ActorID)
}

// TestPurpose: Validates that persisted grants honor read-only containment and implicit parent READ.
// Scope: Unit Test
// Expected: Read-only form keeps only R; the parent of a granted child is readable.
// Test Case ID: PRV-04
func TestPrivilege_Create_PersistsNormalizedMatrix(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepo)
	svc, _ := newTestService(repo)

	var persisted []access.Row
	repo.On("Create", ctx, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		persisted = args.Get(2).([]access.Row)
	}).Return(nil)

	// The client claims the dashboard is writable; stored flags win.
	dashboard := grant(1, access.ActionRead, access.ActionUpdate)
	dashboard.IsReadOnly = false
	_, err := svc.Create(ctx, superadmin, Input{
		Name:    "auditor",
		GroupID: 1,
		Menu:    []access.MenuNode{dashboard, grant(3, access.ActionUpdate)},
	})
	require.NoError(t, err)

	m := access.MatrixFor(testForms, persisted)
	assert.Equal(t, access.Permissions{IsRead: true}, m["/dashboard"])
	assert.True(t, m["/settings"].IsRead)
	assert.False(t, m["/settings"].IsUpdate)
	assert.True(t, m["/settings/users"].IsUpdate)

	dashboardRows := 0
	for _, r := range persisted {
		if r.FormID == 1 {
			dashboardRows++
		}
	}
	assert.Equal(t, 1, dashboardRows)
}

// TestPurpose: Validates that missing or inactive owning groups and unknown forms are rejected before any write.
// Scope: Unit Test
// Expected: ValidationFailure listing the failing items.
// Test Case ID: PRV-05
func TestPrivilege_Create_Validation(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepo)
	svc, _ := newTestService(repo)

	_, err := svc.Create(ctx, superadmin, Input{Name: "", GroupID: 77})
	require.ErrorIs(t, err, ErrInvalidType)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Len(t, e.Items, 2)

	_, err = svc.Create(ctx, superadmin, Input{Name: "x", GroupID: 1, Menu: []access.MenuNode{grant(99, access.ActionRead)}})
	require.ErrorIs(t, err, ErrInvalidType)
	e, _ = errs.As(err)
	require.Len(t, e.Items, 1)
	assert.Equal(t, int64(99), e.Items[0].Value)

	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
}

// TestPurpose: Validates that a group administrator cannot mutate a type owned by another group.
// Scope: Unit Test
// Security: Multi-tenant boundary enforcement
// Expected: SecurityDenied; no write.
// Test Case ID: PRV-06
func TestPrivilege_Update_OtherGroupDenied(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepo)
	svc, _ := newTestService(repo)
	repo.On("GetByID", ctx, int64(2)).Return(&Type{ID: 2, Name: "administrator", GroupID: 1}, nil)

	_, err := svc.Update(ctx, groupAdmin, 2, Input{Name: "hijack"})
	assert.ErrorIs(t, err, ErrOutsideGroup)

	err = svc.Delete(ctx, groupAdmin, 2)
	assert.ErrorIs(t, err, ErrOutsideGroup)
	repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

// TestPurpose: Validates that update replaces the matrix and audits the diff.
// Scope: Unit Test
// Expected: Repository receives rows stamped with the type id; audit carries added and removed grants.
// Test Case ID: PRV-07
func TestPrivilege_Update_ReplacesMatrix(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepo)
	svc, rec := newTestService(repo)

	repo.On("GetByID", ctx, int64(9)).Return(&Type{ID: 9, Name: "ops", GroupID: 3}, nil)
	repo.On("AccessRows", ctx, int64(9)).Return([]access.Row{
		{FormID: 2, TypeID: 9, RoleAction: access.ActionDelete, RoleValue: true},
	}, nil)
	repo.On("Update", ctx, mock.MatchedBy(func(tp *Type) bool {
		return tp.ID == 9 && tp.Name == "ops2" && tp.UpdatedBy.Int64 == 5
	}), mock.MatchedBy(func(rows []access.Row) bool {
		for _, r := range rows {
			if r.TypeID != 9 {
				return false
			}
		}
		return len(rows) > 0
	})).Return(nil)

	_, err := svc.Update(ctx, groupAdmin, 9, Input{Name: "ops2", Menu: []access.MenuNode{grant(2, access.ActionRead)}})
	require.NoError(t, err)
	repo.AssertExpectations(t)

	require.Len(t, rec.events, 1)
	snap := rec.events[0].Snapshot.(map[string]any)
	changes := snap["matrix"].(access.Changes)
	assert.NotEmpty(t, changes.Changed)
}

// TestPurpose: Validates that a rename with an identical matrix audits no access change.
// Scope: Unit Test
// Expected: The second update's audit snapshot has no matrix entry.
// Test Case ID: PRV-12
func TestPrivilege_Update_UnchangedMatrixOmitsDiff(t *testing.T) {
	ctx := context.Background()
	menu := []access.MenuNode{grant(2, access.ActionRead)}

	var stored []access.Row
	first := new(mockRepo)
	svc, _ := newTestService(first)
	first.On("GetByID", ctx, int64(9)).Return(&Type{ID: 9, Name: "ops", GroupID: 3}, nil)
	first.On("AccessRows", ctx, int64(9)).Return([]access.Row(nil), nil)
	first.On("Update", ctx, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		stored = args.Get(2).([]access.Row)
	}).Return(nil)
	_, err := svc.Update(ctx, groupAdmin, 9, Input{Name: "ops", Menu: menu})
	require.NoError(t, err)
	require.NotEmpty(t, stored)

	second := new(mockRepo)
	svc, rec := newTestService(second)
	second.On("GetByID", ctx, int64(9)).Return(&Type{ID: 9, Name: "ops", GroupID: 3}, nil)
	second.On("AccessRows", ctx, int64(9)).Return(stored, nil)
	second.On("Update", ctx, mock.Anything, mock.Anything).Return(nil)
	_, err = svc.Update(ctx, groupAdmin, 9, Input{Name: "ops-renamed", Menu: menu})
	require.NoError(t, err)

	require.Len(t, rec.events, 1)
	snap := rec.events[0].Snapshot.(map[string]any)
	assert.NotContains(t, snap, "matrix")
	assert.Contains(t, rec.events[0].Message, "access unchanged")
}

// TestPurpose: Validates the referential delete guard for types.
// Scope: Unit Test
// Expected: ReferentialConflict while bindings exist; soft delete otherwise.
// Test Case ID: PRV-08
func TestPrivilege_Delete_ReferentialGuard(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepo)
	svc, _ := newTestService(repo)

	repo.On("GetByID", ctx, int64(9)).Return(&Type{ID: 9, Name: "ops", GroupID: 3}, nil)
	repo.On("CountActiveBindings", ctx, int64(9)).Return(2, nil).Once()

	err := svc.Delete(ctx, groupAdmin, 9)
	assert.ErrorIs(t, err, ErrTypeInUse)
	assert.Equal(t, errs.KindReferentialConflict, errs.KindOf(err))
	repo.AssertNotCalled(t, "SoftDelete", mock.Anything, mock.Anything, mock.Anything)

	repo.On("CountActiveBindings", ctx, int64(9)).Return(0, nil).Once()
	repo.On("SoftDelete", ctx, int64(9), int64(5)).Return(nil)
	require.NoError(t, svc.Delete(ctx, groupAdmin, 9))
	repo.AssertExpectations(t)
}

// TestPurpose: Validates matrix permission checks used by the HTTP permission middleware.
// Scope: Unit Test
// Security: Access control enforcement
// Expected: Granted actions pass, others fail, superadmin bypasses.
// Test Case ID: PRV-09
func TestPrivilege_HasPermission(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepo)
	svc, _ := newTestService(repo)
	repo.On("AccessRows", ctx, int64(9)).Return([]access.Row{
		{FormID: 3, TypeID: 9, RoleAction: access.ActionUpdate, RoleValue: true},
		{FormID: 3, TypeID: 9, RoleAction: access.ActionDelete, RoleValue: false},
	}, nil)

	ok, err := svc.HasPermission(ctx, groupAdmin, "/settings/users", access.ActionUpdate)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.HasPermission(ctx, groupAdmin, "/settings/users", access.ActionDelete)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.HasPermission(ctx, groupAdmin, "/unknown", access.ActionRead)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.HasPermission(ctx, superadmin, "/anything", access.ActionArchive)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPrivilege_ListScopesToActorGroup(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepo)
	svc, _ := newTestService(repo)

	repo.On("List", ctx, Filter{GroupID: 3, Name: "op"}, mock.Anything).Return([]*Type{{ID: 9}}, 11, nil)

	page, err := svc.List(ctx, groupAdmin, Filter{GroupID: 1, Name: "op"}, paging.Request{Page: 5, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 11, page.TotalRows)
	assert.Equal(t, 2, page.TotalPages)
	assert.Equal(t, 2, page.CurrentPage)
}

func TestPrivilege_GetAndSupport(t *testing.T) {
	ctx := context.Background()
	repo := new(mockRepo)
	svc, _ := newTestService(repo)

	repo.On("GetByID", ctx, int64(404)).Return(nil, ErrTypeNotFound)
	_, err := svc.Get(ctx, 404)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))

	repo.On("GetByID", ctx, int64(2)).Return(&Type{ID: 2, Name: "administrator", GroupID: 1}, nil)
	repo.On("AccessRows", ctx, int64(2)).Return(access.SeedMatrix(testForms, 2, []access.Action{access.ActionRead}), nil)
	d, err := svc.Get(ctx, 2)
	require.NoError(t, err)
	require.Len(t, d.Forms, 2)
	assert.Equal(t, "Settings", d.Forms[1].Label)
	require.Len(t, d.Forms[1].Children, 1)

	support, err := svc.Support(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, support)
	assert.Equal(t, []access.RoleEntry{{RoleAction: access.ActionRead, RoleValue: true}}, support[0].Roles)

	repo.On("AccessRows", ctx, int64(77)).Return(nil, errors.New("db down"))
	_, _, err = svc.Menu(ctx, 77)
	assert.Equal(t, errs.KindInternal, errs.KindOf(err))
}
