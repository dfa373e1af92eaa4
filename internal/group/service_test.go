package group

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentrusty/opentrusty-admin/internal/audit"
	"github.com/opentrusty/opentrusty-admin/internal/errs"
	"github.com/opentrusty/opentrusty-admin/internal/paging"
	"github.com/opentrusty/opentrusty-admin/internal/rbac"
)

// memoryRepo is an in-memory Repository
type memoryRepo struct {
	groups   map[int64]*Group
	nextID   int64
	bindings map[int64]int
	types    map[int64]int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		groups:   map[int64]*Group{1: {ID: 1, Name: "Default", Status: rbac.StatusActive}},
		nextID:   2,
		bindings: map[int64]int{},
		types:    map[int64]int{},
	}
}

func (m *memoryRepo) Create(_ context.Context, g *Group) error {
	g.ID = m.nextID
	m.nextID++
	c := *g
	m.groups[g.ID] = &c
	return nil
}

func (m *memoryRepo) Update(_ context.Context, g *Group) error {
	c := *g
	m.groups[g.ID] = &c
	return nil
}

func (m *memoryRepo) SoftDelete(_ context.Context, id, _ int64) error {
	m.groups[id].Status = rbac.StatusInactive
	return nil
}

func (m *memoryRepo) GetByID(_ context.Context, id int64) (*Group, error) {
	g, ok := m.groups[id]
	if !ok || g.Status != rbac.StatusActive {
		return nil, ErrGroupNotFound
	}
	c := *g
	return &c, nil
}

func (m *memoryRepo) List(_ context.Context, f Filter, req paging.Request) ([]*Group, int, error) {
	var all []*Group
	for _, g := range m.groups {
		if g.Status == rbac.StatusActive && strings.Contains(strings.ToLower(g.Name), strings.ToLower(f.Name)) {
			all = append(all, g)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	w, _, _ := req.Resolve(len(all))
	end := min(w.Offset+w.Limit, len(all))
	if w.Offset >= len(all) {
		return nil, len(all), nil
	}
	return all[w.Offset:end], len(all), nil
}

func (m *memoryRepo) NameTaken(_ context.Context, name string, excludeID int64) (bool, error) {
	for _, g := range m.groups {
		if g.ID != excludeID && g.Status == rbac.StatusActive && strings.EqualFold(g.Name, name) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryRepo) References(_ context.Context, id int64) (int, int, error) {
	return m.bindings[id], m.types[id], nil
}

type auditRecorder struct{ events []audit.Event }

func (a *auditRecorder) Log(_ context.Context, e audit.Event) { a.events = append(a.events, e) }

var (
	superadmin = rbac.Actor{UserID: 1, GroupID: 1, Mode: rbac.ModeSuperadmin}
	member     = rbac.Actor{UserID: 8, GroupID: 2}
)

func TestGroup_CreateUpdate(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	rec := &auditRecorder{}
	svc := NewService(repo, rec)

	g, err := svc.Create(ctx, superadmin, Input{Name: " Finance ", Note: "cost center"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), g.ID)
	assert.Equal(t, "Finance", g.Name)

	_, err = svc.Create(ctx, superadmin, Input{Name: "finance"})
	assert.ErrorIs(t, err, ErrInvalidGroup)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	_, err = svc.Create(ctx, superadmin, Input{Name: "  "})
	assert.ErrorIs(t, err, ErrInvalidGroup)

	// renaming to its own name is not a clash
	updated, err := svc.Update(ctx, member, 2, Input{Name: "FINANCE", Note: "renamed"})
	require.NoError(t, err)
	assert.Equal(t, "FINANCE", updated.Name)
	assert.Equal(t, int64(8), updated.UpdatedBy.Int64)

	_, err = svc.Update(ctx, member, 1, Input{Name: "Default"})
	assert.ErrorIs(t, err, ErrOutsideGroup)

	require.Len(t, rec.events, 2)
	assert.Equal(t, audit.ActionGroupCreated, rec.events[0].Action)
	assert.Equal(t, audit.ActionGroupUpdated, rec.events[1].Action)
}

// TestPurpose: Validates the referential delete guard: groups referenced by approved bindings or types are never deleted.
// Scope: Unit Test
// Expected: ReferentialConflict and the group row remains active.
// Test Case ID: GRP-01
func TestGroup_Delete_ReferentialGuard(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	svc := NewService(repo, &auditRecorder{})

	repo.bindings[1] = 1
	err := svc.Delete(ctx, superadmin, 1)
	assert.ErrorIs(t, err, ErrGroupInUse)
	assert.Equal(t, errs.KindReferentialConflict, errs.KindOf(err))

	repo.bindings[1] = 0
	repo.types[1] = 2
	err = svc.Delete(ctx, superadmin, 1)
	require.ErrorIs(t, err, ErrGroupInUse)
	e, _ := errs.As(err)
	require.Len(t, e.Items, 1)
	assert.Equal(t, "types", e.Items[0].Field)

	g, err := svc.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, rbac.StatusActive, g.Status)

	repo.types[1] = 0
	require.NoError(t, svc.Delete(ctx, superadmin, 1))
	_, err = svc.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestGroup_LoadPagination(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryRepo()
	svc := NewService(repo, &auditRecorder{})
	for i := 0; i < 24; i++ {
		_, err := svc.Create(ctx, superadmin, Input{Name: "team-" + string(rune('a'+i))})
		require.NoError(t, err)
	}

	page, err := svc.Load(ctx, Filter{}, paging.Request{Page: 9, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 25, page.TotalRows)
	assert.Equal(t, 3, page.TotalPages)
	assert.Equal(t, 3, page.CurrentPage)
	assert.Len(t, page.Items, 5)

	page, err = svc.Load(ctx, Filter{Name: "nothing"}, paging.Request{Page: 4})
	require.NoError(t, err)
	assert.Equal(t, 0, page.TotalPages)
	assert.Equal(t, 1, page.CurrentPage)
	assert.Empty(t, page.Items)
	assert.Equal(t, paging.DefaultPageSize, page.PageSize)
}
