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

//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/opentrusty/opentrusty-admin/internal/access"
	"github.com/opentrusty/opentrusty-admin/internal/approval"
	"github.com/opentrusty/opentrusty-admin/internal/identity"
	"github.com/opentrusty/opentrusty-admin/internal/rbac"
	"github.com/opentrusty/opentrusty-admin/internal/session"
)

func setupDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		tcpostgres.WithDatabase("admin_test"),
		tcpostgres.WithUsername("admin"),
		tcpostgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("Skipping integration test: failed to start postgres: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	cfg := Config{
		Host:     host,
		Port:     port.Port(),
		User:     "admin",
		Password: "test-password",
		Database: "admin_test",
		SSLMode:  "disable",
	}
	require.NoError(t, Migrate(cfg, false))

	db, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func createUser(t *testing.T, db *DB, username string) *identity.User {
	t.Helper()
	u := &identity.User{Username: username, DirectoryID: "CN=" + username, Status: rbac.StatusActive}
	require.NoError(t, NewUserRepository(db).Create(context.Background(), u))
	return u
}

// TestPurpose: Validates that users are stored with revision snapshots and failed-attempt counting.
// Scope: Database Integration Test
// Security: Brute-force lockout bookkeeping
// Expected: Counter increments on user and latest revision, resets on success, disable writes a revision.
// Test Case ID: DB-01
func TestUserRepository_Lifecycle(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	repo := NewUserRepository(db)

	u := createUser(t, db, "jdoe")
	got, err := repo.GetByUsername(ctx, "JDOE")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	err = repo.Create(ctx, &identity.User{Username: "JDoe", Status: rbac.StatusActive})
	assert.ErrorIs(t, err, identity.ErrUserAlreadyExists)

	n, err := repo.RecordFailedAttempt(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = repo.RecordFailedAttempt(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rev, err := repo.LatestRevision(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, rev.FailedAttempts)

	require.NoError(t, repo.ResetAttempts(ctx, u.ID, "John Doe", ""))
	got, err = repo.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, got.FailedAttempts)
	assert.Equal(t, "John Doe", got.Fullname)

	require.NoError(t, repo.Disable(ctx, u.ID, 1))
	active, err := repo.IsActive(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, active)
	rev, err = repo.LatestRevision(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, rbac.StatusInactive, rev.Status)
}

// TestPurpose: Validates binding lineage and the atomic approval transition.
// Scope: Database Integration Test
// Security: Maker-checker integrity under concurrency
// Expected: Exactly one concurrent checker wins; approved updates supersede; an approved delete leaves no effective row.
// Test Case ID: DB-02
func TestBindingRepository_Lineage(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	repo := NewBindingRepository(db)
	u := createUser(t, db, "maker")
	now := time.Now()

	create := &approval.Binding{
		MainID: uuid.NewString(), UserID: u.ID, GroupID: rbac.GroupIDDefault, TypeID: rbac.TypeIDAdministrator,
		RowAction: approval.RowCreate, State: approval.StateWaiting, MadeBy: 1, MadeAt: now, Status: rbac.StatusActive,
	}
	require.NoError(t, repo.InsertBatch(ctx, []*approval.Binding{create}))

	pending, err := repo.HasPending(ctx, u.ID, rbac.GroupIDDefault)
	require.NoError(t, err)
	assert.True(t, pending)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, lost int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Resolve(ctx, create.ID, approval.StateApproved, 1, "ok", time.Now())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if assert.ErrorIs(t, err, approval.ErrAlreadyProcessed) {
				lost++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 7, lost)

	eff, err := repo.Effective(ctx, u.ID, rbac.GroupIDDefault)
	require.NoError(t, err)
	assert.Equal(t, rbac.TypeIDAdministrator, eff.TypeID)
	assert.Equal(t, "Default", eff.GroupName)

	update := &approval.Binding{
		MainID: create.MainID, UserID: u.ID, GroupID: rbac.GroupIDDefault, TypeID: rbac.TypeIDSuperadmin,
		RowAction: approval.RowUpdate, State: approval.StateApproved, MadeBy: 1, MadeAt: now,
		CheckedBy: null.IntFrom(1), CheckedAt: null.TimeFrom(time.Now()), Status: rbac.StatusActive,
	}
	require.NoError(t, repo.InsertBatch(ctx, []*approval.Binding{update}))
	eff, err = repo.Effective(ctx, u.ID, rbac.GroupIDDefault)
	require.NoError(t, err)
	assert.Equal(t, update.ID, eff.ID)
	assert.Equal(t, null.StringFrom(rbac.ModeSuperadmin), eff.TypeMode)

	n, err := NewTypeRepository(db).CountActiveBindings(ctx, rbac.TypeIDAdministrator)
	require.NoError(t, err)
	assert.Zero(t, n, "superseded row no longer counts")

	del := &approval.Binding{
		MainID: create.MainID, UserID: u.ID, GroupID: rbac.GroupIDDefault, TypeID: rbac.TypeIDSuperadmin,
		RowAction: approval.RowDelete, State: approval.StateWaiting, MadeBy: 1, MadeAt: now, Status: rbac.StatusActive,
	}
	require.NoError(t, repo.InsertBatch(ctx, []*approval.Binding{del}))
	_, err = repo.Resolve(ctx, del.ID, approval.StateApproved, 1, "", time.Now())
	require.NoError(t, err)

	_, err = repo.Effective(ctx, u.ID, rbac.GroupIDDefault)
	assert.ErrorIs(t, err, approval.ErrNoBinding)
	all, err := repo.EffectiveForUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = repo.Resolve(ctx, 9999, approval.StateRejected, 1, "", time.Now())
	assert.ErrorIs(t, err, approval.ErrBindingNotFound)
}

// TestPurpose: Validates atomic session rotation.
// Scope: Database Integration Test
// Security: Single active session
// Expected: Exclusive rotation leaves exactly one active session.
// Test Case ID: DB-03
func TestSessionRepository_Rotate(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	repo := NewSessionRepository(db)
	u := createUser(t, db, "sess")

	mk := func(token string) *session.Session {
		return &session.Session{
			UserID: u.ID, TokenHash: session.HashToken(token), Method: session.MethodOriginal,
			GroupID: rbac.GroupIDDefault, ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now(),
		}
	}
	require.NoError(t, repo.Rotate(ctx, mk("a"), false))
	require.NoError(t, repo.Rotate(ctx, mk("b"), false))
	require.NoError(t, repo.Rotate(ctx, mk("c"), true))

	for token, want := range map[string]bool{"a": false, "b": false, "c": true} {
		ok, err := repo.IsActive(ctx, session.HashToken(token))
		require.NoError(t, err)
		assert.Equal(t, want, ok, token)
	}

	ok, err := repo.DeactivateByToken(ctx, session.HashToken("c"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.DeactivateByToken(ctx, session.HashToken("c"))
	require.NoError(t, err)
	assert.False(t, ok)

	purged, err := repo.PurgeInactive(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), purged)
}

func TestTypeRepository_Matrix(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	types := NewTypeRepository(db)
	forms, err := NewFormRepository(db).ListForms(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, forms)

	rows := access.SeedMatrix(forms, rbac.TypeIDAdministrator, []access.Action{access.ActionRead})
	require.NoError(t, types.ReplaceAccess(ctx, rbac.TypeIDAdministrator, rows))

	got, err := types.AccessRows(ctx, rbac.TypeIDAdministrator)
	require.NoError(t, err)
	assert.Len(t, got, len(rows))
	assert.True(t, access.MatrixFor(forms, got)["/admin/groups"].IsRead)

	ok, err := types.BelongsToGroup(ctx, rbac.TypeIDAdministrator, rbac.GroupIDDefault)
	require.NoError(t, err)
	assert.True(t, ok)

	groups := NewGroupRepository(db)
	bindings, typeRefs, err := groups.References(ctx, rbac.GroupIDDefault)
	require.NoError(t, err)
	assert.Zero(t, bindings)
	assert.Equal(t, 2, typeRefs)
}
