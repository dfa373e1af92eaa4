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

package approval

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/guregu/null/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentrusty/opentrusty-admin/internal/audit"
	"github.com/opentrusty/opentrusty-admin/internal/errs"
	"github.com/opentrusty/opentrusty-admin/internal/notify"
	"github.com/opentrusty/opentrusty-admin/internal/paging"
	"github.com/opentrusty/opentrusty-admin/internal/rbac"
)

// memoryRepo mirrors the store semantics: conditional resolve and lineage
// superseding on approval.
type memoryRepo struct {
	mu      sync.Mutex
	rows    map[int64]*Binding
	nextID  int64
	inserts int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{rows: make(map[int64]*Binding), nextID: 1}
}

func (m *memoryRepo) GetByID(_ context.Context, id int64) (*Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok {
		return nil, ErrBindingNotFound
	}
	c := *b
	return &c, nil
}

func (m *memoryRepo) HasPending(_ context.Context, userID, groupID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.rows {
		if b.UserID == userID && b.GroupID == groupID && b.State == StateWaiting && !b.CheckedAt.Valid {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryRepo) Effective(_ context.Context, userID, groupID int64) (*Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Binding
	for _, b := range m.rows {
		if b.UserID != userID || b.GroupID != groupID || b.State != StateApproved || b.Status != rbac.StatusActive {
			continue
		}
		if best == nil || b.CheckedAt.Time.After(best.CheckedAt.Time) {
			best = b
		}
	}
	if best == nil {
		return nil, ErrNoBinding
	}
	c := *best
	return &c, nil
}

func (m *memoryRepo) EffectiveForUser(ctx context.Context, userID int64) ([]*Binding, error) {
	groups := map[int64]bool{}
	m.mu.Lock()
	for _, b := range m.rows {
		if b.UserID == userID {
			groups[b.GroupID] = true
		}
	}
	m.mu.Unlock()

	var out []*Binding
	for g := range groups {
		if b, err := m.Effective(ctx, userID, g); err == nil {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

func (m *memoryRepo) InsertBatch(_ context.Context, rows []*Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts++
	for _, r := range rows {
		r.ID = m.nextID
		m.nextID++
		c := *r
		m.rows[r.ID] = &c
		if r.State == StateApproved {
			m.supersede(&c)
		}
	}
	return nil
}

func (m *memoryRepo) Resolve(_ context.Context, id int64, state State, checkerID int64, changelog string, at time.Time) (*Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok || b.State != StateWaiting || b.CheckedAt.Valid {
		return nil, ErrAlreadyProcessed
	}
	b.State = state
	b.CheckedBy = null.IntFrom(checkerID)
	b.CheckedAt = null.TimeFrom(at)
	b.Changelog = changelog
	if state == StateApproved {
		m.supersede(b)
	}
	c := *b
	return &c, nil
}

func (m *memoryRepo) supersede(b *Binding) {
	for _, o := range m.rows {
		if o.ID != b.ID && o.MainID == b.MainID && o.State == StateApproved && o.Status == rbac.StatusActive {
			o.Status = rbac.StatusInactive
		}
	}
	if b.RowAction == RowDelete {
		b.Status = rbac.StatusInactive
	}
}

func (m *memoryRepo) ListPending(_ context.Context, f PendingFilter, req paging.Request) ([]*Binding, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Binding
	for _, b := range m.rows {
		if b.State != StateWaiting {
			continue
		}
		if f.GroupID != 0 && b.GroupID != f.GroupID {
			continue
		}
		if f.UserID != 0 && b.UserID != f.UserID {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

// registry answers group, type and user checks
type registry struct {
	groups map[int64]bool
	types  map[Pair]bool
	users  map[int64]bool
}

type groupCheck registry

func (r groupCheck) IsActive(_ context.Context, id int64) (bool, error) { return r.groups[id], nil }

type userCheck registry

func (r userCheck) IsActive(_ context.Context, id int64) (bool, error) { return r.users[id], nil }

func (r registry) BelongsToGroup(_ context.Context, typeID, groupID int64) (bool, error) {
	return r.types[Pair{GroupID: groupID, TypeID: typeID}], nil
}

type notifyRecorder struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (n *notifyRecorder) Notify(_ context.Context, x notify.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, x)
}

type auditRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *auditRecorder) Log(_ context.Context, e audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

type invalidations struct {
	mu    sync.Mutex
	pairs [][2]int64
}

func (i *invalidations) InvalidateContext(_ context.Context, userID, groupID int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pairs = append(i.pairs, [2]int64{userID, groupID})
}

type fixture struct {
	svc      *Service
	repo     *memoryRepo
	notified *notifyRecorder
	audited  *auditRecorder
	inv      *invalidations
}

func newFixture(policy Policy) *fixture {
	reg := registry{
		groups: map[int64]bool{1: true, 2: true, 3: true, 4: false},
		types:  map[Pair]bool{{1, 1}: true, {1, 2}: true, {2, 5}: true, {2, 6}: true, {3, 7}: true},
		users:  map[int64]bool{1: true, 10: true, 11: true, 12: true, 20: true},
	}
	f := &fixture{
		repo:     newMemoryRepo(),
		notified: &notifyRecorder{},
		audited:  &auditRecorder{},
		inv:      &invalidations{},
	}
	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		tick = tick.Add(time.Second)
		return tick
	}
	f.svc = NewService(f.repo, groupCheck(reg), reg, userCheck(reg), f.notified, f.audited, policy,
		WithInvalidator(f.inv), WithClock(clock))
	return f
}

var (
	superadmin = rbac.Actor{UserID: 1, Username: "chb0001", GroupID: 1, TypeID: 1, Mode: rbac.ModeSuperadmin}
	maker      = rbac.Actor{UserID: 10, Username: "maker", GroupID: 2, TypeID: 5}
	checker    = rbac.Actor{UserID: 11, Username: "checker", GroupID: 2, TypeID: 5}
	outsider   = rbac.Actor{UserID: 12, Username: "outsider", GroupID: 3, TypeID: 7}
)

// TestPurpose: End-to-end maker-checker flow for a non-superadmin maker.
// Scope: Unit Test
// Security: Dual control over privilege assignment
// Expected: WAITING on propose, APPROVED with checkedAt after approve, AlreadyProcessed on any second decision.
// Test Case ID: APR-01
func TestApproval_MakerChecker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Policy{ForbidSelfApproval: true})

	res, err := f.svc.Propose(ctx, maker, 20, []Change{{RowAction: RowCreate, GroupID: 2, TypeID: 5, IsDefault: true}})
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	assert.Empty(t, res.Skipped)
	row := res.Created[0]
	assert.Equal(t, StateWaiting, row.State)
	assert.NotEmpty(t, row.MainID)
	assert.False(t, row.CheckedAt.Valid)

	_, err = f.svc.Effective(ctx, 20, 2)
	assert.ErrorIs(t, err, ErrNoBinding)

	approved, err := f.svc.Approve(ctx, checker, row.ID, "ok")
	require.NoError(t, err)
	assert.Equal(t, StateApproved, approved.State)
	assert.True(t, approved.CheckedAt.Valid)
	assert.Equal(t, int64(11), approved.CheckedBy.Int64)
	assert.Equal(t, "ok", approved.Changelog)

	_, err = f.svc.Approve(ctx, checker, row.ID, "again")
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.Equal(t, errs.KindAlreadyProcessed, errs.KindOf(err))
	_, err = f.svc.Reject(ctx, checker, row.ID, "too late")
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	stored, _ := f.repo.GetByID(ctx, row.ID)
	assert.Equal(t, StateApproved, stored.State)
	assert.Equal(t, "ok", stored.Changelog)

	eff, err := f.svc.Effective(ctx, 20, 2)
	require.NoError(t, err)
	assert.Equal(t, row.ID, eff.ID)

	require.Len(t, f.notified.got, 1)
	assert.Equal(t, int64(10), f.notified.got[0].ForUserID)
	assert.Equal(t, int64(11), f.notified.got[0].FromUserID)
	assert.Equal(t, [][2]int64{{20, 2}}, f.inv.pairs)
}

// TestPurpose: Validates that superadmin proposals are approved in the same transaction.
// Scope: Unit Test
// Expected: APPROVED rows with checkedBy equal to the maker; cached context invalidated.
// Test Case ID: APR-02
func TestApproval_SuperadminAutoApproves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Policy{})

	res, err := f.svc.Propose(ctx, superadmin, 20, []Change{
		{RowAction: RowCreate, GroupID: 1, TypeID: 2},
		{RowAction: RowCreate, GroupID: 3, TypeID: 7},
	})
	require.NoError(t, err)
	require.Len(t, res.Created, 2)
	for _, r := range res.Created {
		assert.Equal(t, StateApproved, r.State)
		assert.Equal(t, int64(1), r.CheckedBy.Int64)
		assert.Equal(t, r.MadeAt, r.CheckedAt.Time)
	}
	assert.Equal(t, 1, f.repo.inserts)
	assert.Len(t, f.inv.pairs, 2)

	bindings, err := f.svc.EffectiveForUser(ctx, 20)
	require.NoError(t, err)
	assert.Len(t, bindings, 2)
}

// TestPurpose: Validates that a batch referencing an inactive group or a foreign type is rejected as a whole.
// Scope: Unit Test
// Expected: ValidationFailure listing the failing items; nothing is inserted.
// Test Case ID: APR-03
func TestApproval_Propose_BatchValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Policy{})

	_, err := f.svc.Propose(ctx, maker, 20, []Change{
		{RowAction: RowCreate, GroupID: 2, TypeID: 5},
		{RowAction: RowCreate, GroupID: 4, TypeID: 5},
	})
	require.ErrorIs(t, err, ErrInvalidProposal)
	e, _ := errs.As(err)
	require.Len(t, e.Items, 1)
	assert.Equal(t, 1, e.Items[0].Index)
	assert.Equal(t, "groupId", e.Items[0].Field)

	_, err = f.svc.Propose(ctx, maker, 20, []Change{
		{RowAction: RowCreate, GroupID: 2, TypeID: 5},
		{RowAction: RowCreate, GroupID: 3, TypeID: 5},
	})
	require.ErrorIs(t, err, ErrInvalidProposal)
	e, _ = errs.As(err)
	require.Len(t, e.Items, 1)
	assert.Equal(t, "typeId", e.Items[0].Field)

	_, err = f.svc.Propose(ctx, maker, 20, []Change{{RowAction: "PATCH", GroupID: 2, TypeID: 5}})
	assert.ErrorIs(t, err, ErrInvalidProposal)

	_, err = f.svc.Propose(ctx, maker, 20, []Change{
		{RowAction: RowCreate, GroupID: 2, TypeID: 5},
		{RowAction: RowUpdate, GroupID: 2, TypeID: 6},
	})
	assert.ErrorIs(t, err, ErrInvalidProposal)

	_, err = f.svc.Propose(ctx, maker, 999, []Change{{RowAction: RowCreate, GroupID: 2, TypeID: 5}})
	assert.ErrorIs(t, err, ErrInvalidProposal)

	_, err = f.svc.Propose(ctx, maker, 20, nil)
	assert.ErrorIs(t, err, ErrInvalidProposal)

	assert.Equal(t, 0, f.repo.inserts)
}

// TestPurpose: Validates that pairs with a pending request are excluded and reported, not applied.
// Scope: Unit Test
// Expected: The pending group is skipped; the others are inserted.
// Test Case ID: APR-04
func TestApproval_Propose_SkipsPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Policy{})

	_, err := f.svc.Propose(ctx, maker, 20, []Change{{RowAction: RowCreate, GroupID: 2, TypeID: 5}})
	require.NoError(t, err)

	res, err := f.svc.Propose(ctx, maker, 20, []Change{
		{RowAction: RowCreate, GroupID: 2, TypeID: 6},
		{RowAction: RowCreate, GroupID: 3, TypeID: 7},
	})
	require.NoError(t, err)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, int64(2), res.Skipped[0].GroupID)
	assert.Equal(t, 0, res.Skipped[0].Index)
	require.Len(t, res.Created, 1)
	assert.Equal(t, int64(3), res.Created[0].GroupID)

	res, err = f.svc.Propose(ctx, maker, 20, []Change{{RowAction: RowCreate, GroupID: 2, TypeID: 6}})
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Len(t, res.Skipped, 1)
}

// TestPurpose: Validates mainId lineage: UPDATE and DELETE reuse the effective binding's lineage, and an approved DELETE ends the binding.
// Scope: Unit Test
// Expected: Same mainId across revisions; no effective binding after DELETE.
// Test Case ID: APR-05
func TestApproval_Lineage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Policy{})

	_, err := f.svc.Propose(ctx, maker, 20, []Change{{RowAction: RowUpdate, GroupID: 2, TypeID: 6}})
	require.ErrorIs(t, err, ErrInvalidProposal)

	created, err := f.svc.Propose(ctx, superadmin, 20, []Change{{RowAction: RowCreate, GroupID: 2, TypeID: 5}})
	require.NoError(t, err)
	mainID := created.Created[0].MainID

	_, err = f.svc.Propose(ctx, superadmin, 20, []Change{{RowAction: RowCreate, GroupID: 2, TypeID: 6}})
	require.ErrorIs(t, err, ErrInvalidProposal)

	updated, err := f.svc.Propose(ctx, maker, 20, []Change{{RowAction: RowUpdate, GroupID: 2, TypeID: 6}})
	require.NoError(t, err)
	assert.Equal(t, mainID, updated.Created[0].MainID)

	// Still the old type until approved.
	eff, err := f.svc.Effective(ctx, 20, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), eff.TypeID)

	_, err = f.svc.Approve(ctx, checker, updated.Created[0].ID, "")
	require.NoError(t, err)
	eff, err = f.svc.Effective(ctx, 20, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(6), eff.TypeID)

	deleted, err := f.svc.Propose(ctx, maker, 20, []Change{{RowAction: RowDelete, GroupID: 2}})
	require.NoError(t, err)
	assert.Equal(t, mainID, deleted.Created[0].MainID)
	assert.Equal(t, int64(6), deleted.Created[0].TypeID)

	_, err = f.svc.Approve(ctx, checker, deleted.Created[0].ID, "offboarded")
	require.NoError(t, err)
	_, err = f.svc.Effective(ctx, 20, 2)
	assert.ErrorIs(t, err, ErrNoBinding)
}

// TestPurpose: Validates checker scoping and the self-approval policy.
// Scope: Unit Test
// Security: Separation of duties
// Expected: SecurityDenied for another group's row and for self-approval when forbidden; superadmin exempt.
// Test Case ID: APR-06
func TestApproval_CheckerScope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Policy{ForbidSelfApproval: true})

	res, err := f.svc.Propose(ctx, maker, 20, []Change{{RowAction: RowCreate, GroupID: 2, TypeID: 5}})
	require.NoError(t, err)
	id := res.Created[0].ID

	_, err = f.svc.Approve(ctx, outsider, id, "")
	assert.ErrorIs(t, err, ErrOutsideGroup)

	_, err = f.svc.Approve(ctx, maker, id, "")
	assert.ErrorIs(t, err, ErrSelfApproval)
	assert.Equal(t, errs.KindSecurityDenied, errs.KindOf(err))

	stored, _ := f.repo.GetByID(ctx, id)
	assert.Equal(t, StateWaiting, stored.State)

	_, err = f.svc.Reject(ctx, superadmin, id, "not needed")
	require.NoError(t, err)
	stored, _ = f.repo.GetByID(ctx, id)
	assert.Equal(t, StateRejected, stored.State)
	assert.Empty(t, f.inv.pairs)

	lax := newFixture(Policy{ForbidSelfApproval: false})
	res, err = lax.svc.Propose(ctx, maker, 20, []Change{{RowAction: RowCreate, GroupID: 2, TypeID: 5}})
	require.NoError(t, err)
	_, err = lax.svc.Approve(ctx, maker, res.Created[0].ID, "")
	assert.NoError(t, err)

	_, err = f.svc.Approve(ctx, checker, 9999, "")
	assert.ErrorIs(t, err, ErrBindingNotFound)
}

// TestPurpose: Validates approval exclusivity under concurrent approve and reject calls.
// Scope: Unit Test
// Expected: Exactly one caller wins; every other caller observes AlreadyProcessed.
// Test Case ID: APR-07
func TestApproval_ConcurrentResolveHasOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Policy{})

	res, err := f.svc.Propose(ctx, maker, 20, []Change{{RowAction: RowCreate, GroupID: 2, TypeID: 5}})
	require.NoError(t, err)
	id := res.Created[0].ID

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.svc.Approve(ctx, checker, id, "approve")
			} else {
				_, err = f.svc.Reject(ctx, checker, id, "reject")
			}
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	winners := 0
	for err := range results {
		if err == nil {
			winners++
			continue
		}
		assert.True(t, errors.Is(err, ErrAlreadyProcessed), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, winners)
	assert.Len(t, f.notified.got, 1)
}

func TestApproval_PendingQueues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Policy{})

	_, err := f.svc.Propose(ctx, maker, 20, []Change{{RowAction: RowCreate, GroupID: 2, TypeID: 5}})
	require.NoError(t, err)
	_, err = f.svc.Propose(ctx, outsider, 10, []Change{{RowAction: RowCreate, GroupID: 3, TypeID: 7}})
	require.NoError(t, err)

	page, err := f.svc.PendingForGroup(ctx, checker, paging.Request{})
	require.NoError(t, err)
	require.Equal(t, 1, page.TotalRows)
	assert.Equal(t, int64(20), page.Items[0].UserID)

	page, err = f.svc.PendingForGroup(ctx, superadmin, paging.Request{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalRows)

	page, err = f.svc.PendingForMe(ctx, maker, paging.Request{})
	require.NoError(t, err)
	require.Equal(t, 1, page.TotalRows)
	assert.Equal(t, int64(3), page.Items[0].GroupID)
}

func TestApproval_EffectiveForUser_DefaultFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Policy{})

	_, err := f.svc.Propose(ctx, superadmin, 20, []Change{{RowAction: RowCreate, GroupID: 1, TypeID: 2}})
	require.NoError(t, err)
	_, err = f.svc.Propose(ctx, superadmin, 20, []Change{{RowAction: RowCreate, GroupID: 3, TypeID: 7, IsDefault: true}})
	require.NoError(t, err)
	_, err = f.svc.Propose(ctx, superadmin, 20, []Change{{RowAction: RowCreate, GroupID: 2, TypeID: 5}})
	require.NoError(t, err)

	rows, err := f.svc.EffectiveForUser(ctx, 20)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(3), rows[0].GroupID)
	assert.Equal(t, int64(2), rows[1].GroupID)
	assert.Equal(t, int64(1), rows[2].GroupID)
}

// TestPurpose: Validates the pre-creation check of a new user's bindings.
// Scope: Unit Test
// Expected: Inactive groups, foreign types and non-CREATE rows fail with item details;
// a valid batch passes without writing anything.
// Test Case ID: APR-10
func TestApproval_ValidateInitial(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Policy{})

	require.NoError(t, f.svc.ValidateInitial(ctx, []Change{{RowAction: RowCreate, GroupID: 2, TypeID: 5, IsDefault: true}}))

	err := f.svc.ValidateInitial(ctx, []Change{{RowAction: RowCreate, GroupID: 4, TypeID: 5}})
	require.ErrorIs(t, err, ErrInvalidProposal)
	e, _ := errs.As(err)
	require.Len(t, e.Items, 1)
	assert.Equal(t, "groupId", e.Items[0].Field)

	err = f.svc.ValidateInitial(ctx, []Change{{RowAction: RowCreate, GroupID: 3, TypeID: 5}})
	e, _ = errs.As(err)
	require.Len(t, e.Items, 1)
	assert.Equal(t, "typeId", e.Items[0].Field)

	err = f.svc.ValidateInitial(ctx, []Change{{RowAction: RowUpdate, GroupID: 2, TypeID: 6}})
	e, _ = errs.As(err)
	require.Len(t, e.Items, 1)
	assert.Equal(t, "rowAction", e.Items[0].Field)

	assert.ErrorIs(t, f.svc.ValidateInitial(ctx, nil), ErrInvalidProposal)
	assert.Equal(t, 0, f.repo.inserts)
}
