// Package account registers directory users as administrators and retires them.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/opentrusty/opentrusty-admin/internal/approval"
	"github.com/opentrusty/opentrusty-admin/internal/audit"
	"github.com/opentrusty/opentrusty-admin/internal/directory"
	"github.com/opentrusty/opentrusty-admin/internal/errs"
	"github.com/opentrusty/opentrusty-admin/internal/identity"
	"github.com/opentrusty/opentrusty-admin/internal/rbac"
)

var (
	ErrNotInDirectory = errs.New(errs.KindValidation, "username not found in directory")
	ErrOutsideGroup   = errs.New(errs.KindSecurityDenied, "user is not bound to the caller's group")
)

// Users is the subset of user persistence used here
type Users interface {
	Create(ctx context.Context, u *identity.User) error
	GetByID(ctx context.Context, id int64) (*identity.User, error)
	GetByUsername(ctx context.Context, username string) (*identity.User, error)
	Disable(ctx context.Context, userID, actorID int64) error
}

// Directory resolves usernames
type Directory interface {
	FindUser(ctx context.Context, username string) (*directory.Entry, error)
}

// Workflow proposes and reads bindings
type Workflow interface {
	Propose(ctx context.Context, actor rbac.Actor, userID int64, changes []approval.Change) (*approval.ProposeResult, error)
	// ValidateInitial checks bindings proposed for a user not created yet
	ValidateInitial(ctx context.Context, changes []approval.Change) error
	Effective(ctx context.Context, userID, groupID int64) (*approval.Binding, error)
	EffectiveForUser(ctx context.Context, userID int64) ([]*approval.Binding, error)
}

// Sessions revokes sessions of a user
type Sessions interface {
	DeactivateUser(ctx context.Context, userID int64) (int64, error)
}

// Registration is the outcome of Register
type Registration struct {
	User     *identity.User           `json:"user"`
	Proposal *approval.ProposeResult `json:"proposal"`
}

// Profile is a user with its effective bindings
type Profile struct {
	User     *identity.User      `json:"user"`
	Bindings []*approval.Binding `json:"bindings"`
}

type Service struct {
	users       Users
	dir         Directory
	workflow    Workflow
	sessions    Sessions
	auditLogger audit.Logger
}

func NewService(users Users, dir Directory, workflow Workflow, sessions Sessions, auditLogger audit.Logger) *Service {
	return &Service{users: users, dir: dir, workflow: workflow, sessions: sessions, auditLogger: auditLogger}
}

// Register creates the user from its directory entry and proposes its
// bindings. Bindings follow the normal maker-checker path.
func (s *Service) Register(ctx context.Context, actor rbac.Actor, username string, changes []approval.Change) (*Registration, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, ErrNotInDirectory.WithItems(errs.Item{Field: "username", Message: "required"})
	}

	if _, err := s.users.GetByUsername(ctx, username); err == nil {
		return nil, identity.ErrUserAlreadyExists
	} else if !errors.Is(err, identity.ErrUserNotFound) {
		return nil, fmt.Errorf("failed to check user: %w", err)
	}

	entry, err := s.dir.FindUser(ctx, username)
	if err != nil {
		if errors.Is(err, directory.ErrEntryNotFound) {
			return nil, ErrNotInDirectory.WithItems(errs.Item{Field: "username", Value: username, Message: "not found in directory"})
		}
		return nil, fmt.Errorf("directory search failed: %w", err)
	}

	// Bindings are checked before the user row exists so a rejected batch
	// leaves nothing behind and the registration can be retried.
	if len(changes) > 0 {
		if err := s.workflow.ValidateInitial(ctx, changes); err != nil {
			return nil, err
		}
	}

	user := &identity.User{
		Username:    entry.Username,
		Fullname:    entry.Fullname,
		Email:       entry.Email,
		DirectoryID: entry.DN,
		Status:      rbac.StatusActive,
		CreatedBy:   actor.UserID,
	}
	if user.Username == "" {
		user.Username = username
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		ServiceName: audit.ServiceUser,
		Action:      audit.ActionUserRegistered,
		Message:     fmt.Sprintf("registered user %s", user.Username),
		Snapshot:    user,
	}.WithActor(actor))

	res := &Registration{User: user}
	if len(changes) == 0 {
		return res, nil
	}
	proposal, err := s.workflow.Propose(ctx, actor, user.ID, changes)
	if err != nil {
		return res, err
	}
	res.Proposal = proposal
	return res, nil
}

// Disable deactivates the user and ends all of its sessions
func (s *Service) Disable(ctx context.Context, actor rbac.Actor, userID int64) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.scope(ctx, actor, userID); err != nil {
		return err
	}

	if err := s.users.Disable(ctx, userID, actor.UserID); err != nil {
		return fmt.Errorf("failed to disable user: %w", err)
	}
	n, err := s.sessions.DeactivateUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to end sessions: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		ServiceName: audit.ServiceUser,
		Action:      audit.ActionUserDisabled,
		Message:     fmt.Sprintf("disabled user %s, ended %d sessions", user.Username, n),
	}.WithActor(actor))
	return nil
}

// Get returns the user with its effective bindings
func (s *Service) Get(ctx context.Context, actor rbac.Actor, userID int64) (*Profile, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.scope(ctx, actor, userID); err != nil {
		return nil, err
	}
	bindings, err := s.workflow.EffectiveForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bindings: %w", err)
	}
	return &Profile{User: user, Bindings: bindings}, nil
}

// scope limits non-superadmin actors to users bound to their own group
func (s *Service) scope(ctx context.Context, actor rbac.Actor, userID int64) error {
	if actor.IsSuperadmin() {
		return nil
	}
	if _, err := s.workflow.Effective(ctx, userID, actor.GroupID); err != nil {
		if errors.Is(err, approval.ErrNoBinding) {
			return ErrOutsideGroup
		}
		return fmt.Errorf("failed to load binding: %w", err)
	}
	return nil
}
