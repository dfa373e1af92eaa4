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

// Package authn turns directory credentials into sessions and derives the
// per-request authorization context from current store state.
package authn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opentrusty/opentrusty-admin/internal/access"
	"github.com/opentrusty/opentrusty-admin/internal/approval"
	"github.com/opentrusty/opentrusty-admin/internal/audit"
	"github.com/opentrusty/opentrusty-admin/internal/cache"
	"github.com/opentrusty/opentrusty-admin/internal/errs"
	"github.com/opentrusty/opentrusty-admin/internal/identity"
	"github.com/opentrusty/opentrusty-admin/internal/observability/logger"
	"github.com/opentrusty/opentrusty-admin/internal/observability/tracing"
	"github.com/opentrusty/opentrusty-admin/internal/rbac"
	"github.com/opentrusty/opentrusty-admin/internal/session"
)

// Errors
var (
	ErrNotRegistered  = identity.ErrInvalidCredentials
	ErrNoGroupBinding = errs.New(errs.KindSecurityDenied, "no approved binding to the requested group")
	ErrContextRevoked = errs.New(errs.KindUnauthenticated, "authorization context is no longer valid")
)

// Principal is the derived authorization context of a request
type Principal struct {
	UserID    int64  `json:"id"`
	Username  string `json:"username"`
	Fullname  string `json:"fullname"`
	Email     string `json:"email"`
	GroupID   int64  `json:"groupId"`
	GroupName string `json:"groupName"`
	TypeID    int64  `json:"typeId"`
	TypeName  string `json:"typeName"`
	Mode      string `json:"mode"`
	Method    string `json:"method"`
	Device    string `json:"-"`
	IP        string `json:"-"`
}

// Actor projects the principal for domain services
func (p Principal) Actor() rbac.Actor {
	return rbac.Actor{
		UserID:   p.UserID,
		Username: p.Username,
		GroupID:  p.GroupID,
		TypeID:   p.TypeID,
		TypeName: p.TypeName,
		Mode:     p.Mode,
		Device:   p.Device,
		IP:       p.IP,
	}
}

func (p Principal) claims() session.Claims {
	return session.Claims{
		UserID:   p.UserID,
		Username: p.Username,
		Fullname: p.Fullname,
		GroupID:  p.GroupID,
		Method:   p.Method,
		Type:     p.TypeName,
	}
}

// LoginInput is a login request
type LoginInput struct {
	Username string
	Password string // transport-encrypted
	Device   string
	IP       string
}

// LoginResult is an issued token
type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Principal Principal `json:"user"`
}

// GroupOption is a group the user may switch to
type GroupOption struct {
	GroupID   int64  `json:"groupId"`
	GroupName string `json:"groupName"`
	TypeID    int64  `json:"typeId"`
	TypeName  string `json:"typeName"`
	IsDefault bool   `json:"isDefault"`
}

// MeResult is the caller's own context
type MeResult struct {
	Principal Principal                     `json:"user"`
	Menu      []access.MenuNode             `json:"menu"`
	Matrix    map[string]access.Permissions `json:"matrix"`
	Groups    []GroupOption                 `json:"groups"`
}

// Authenticator verifies directory credentials
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string, client rbac.Actor) (*identity.User, error)
	GetUser(ctx context.Context, id int64) (*identity.User, error)
}

// Bindings reads effective user-group bindings
type Bindings interface {
	Effective(ctx context.Context, userID, groupID int64) (*approval.Binding, error)
	EffectiveForUser(ctx context.Context, userID int64) ([]*approval.Binding, error)
}

// Menus renders the matrix of a privilege type
type Menus interface {
	Menu(ctx context.Context, typeID int64) ([]access.MenuNode, map[string]access.Permissions, error)
}

// LoginRecorder counts login outcomes
type LoginRecorder interface {
	LoginAttempt(ctx context.Context, outcome string)
}

// Config holds the session policy
type Config struct {
	// Production enforces a single active session per user
	Production bool
}

// Service is the identity and session authority
type Service struct {
	users       Authenticator
	bindings    Bindings
	menus       Menus
	sessions    session.Repository
	issuer      *session.TokenIssuer
	cache       cache.Store
	cipher      PasswordCipher
	auditLogger audit.Logger
	recorder    LoginRecorder
	cfg         Config
	now         func() time.Time
}

// NewService creates the authority. A nil cache means no caching.
func NewService(
	users Authenticator,
	bindings Bindings,
	menus Menus,
	sessions session.Repository,
	issuer *session.TokenIssuer,
	store cache.Store,
	cipher PasswordCipher,
	auditLogger audit.Logger,
	recorder LoginRecorder,
	cfg Config,
) *Service {
	if store == nil {
		store = cache.NullStore{}
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Service{
		users:       users,
		bindings:    bindings,
		menus:       menus,
		sessions:    sessions,
		issuer:      issuer,
		cache:       store,
		cipher:      cipher,
		auditLogger: auditLogger,
		recorder:    recorder,
		cfg:         cfg,
		now:         time.Now,
	}
}

// Login authenticates against the directory, selects the active group and
// issues a token backed by a new session.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	ctx, span := tracing.Span(ctx, "authn", "authn.login")
	defer span.End()

	client := rbac.Actor{Username: strings.TrimSpace(in.Username), Device: in.Device, IP: in.IP}

	password, err := s.cipher.Decrypt(in.Password)
	if err != nil {
		s.loginFailed(ctx, client, "undecryptable_password")
		return nil, errs.Wrap(ErrNotRegistered.Kind, ErrNotRegistered.Message, err)
	}

	user, err := s.users.Authenticate(ctx, client.Username, password, client)
	if err != nil {
		s.recorder.LoginAttempt(ctx, string(errs.KindOf(err)))
		return nil, err
	}
	client.UserID = user.ID

	bindings, err := s.bindings.EffectiveForUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bindings: %w", err)
	}
	if len(bindings) == 0 {
		s.loginFailed(ctx, client, "no_active_binding")
		return nil, ErrNotRegistered
	}
	active := bindings[0]

	p := Principal{
		UserID:    user.ID,
		Username:  user.Username,
		Fullname:  user.Fullname,
		Email:     user.Email,
		GroupID:   active.GroupID,
		GroupName: active.GroupName,
		TypeID:    active.TypeID,
		TypeName:  active.TypeName,
		Mode:      active.TypeMode.String,
		Method:    session.MethodOriginal,
		Device:    in.Device,
		IP:        in.IP,
	}

	res, err := s.issue(ctx, p, p.claims())
	if err != nil {
		return nil, err
	}

	s.recorder.LoginAttempt(ctx, "success")
	s.auditLogger.Log(ctx, audit.Event{
		ServiceName: audit.ServiceAuth,
		Action:      audit.ActionLoginSuccess,
		Message:     fmt.Sprintf("user %s logged in to group %d", p.Username, p.GroupID),
	}.WithActor(p.Actor()))
	return res, nil
}

// Impersonate re-issues the caller's token for another group the caller
// holds an approved binding to.
func (s *Service) Impersonate(ctx context.Context, p Principal, groupID int64) (*LoginResult, error) {
	b, err := s.bindings.Effective(ctx, p.UserID, groupID)
	if err != nil {
		if errors.Is(err, approval.ErrNoBinding) {
			s.auditLogger.Log(ctx, audit.Event{
				ServiceName: audit.ServiceAuth,
				Action:      audit.ActionPermissionDenied,
				Message:     fmt.Sprintf("impersonation of group %d denied", groupID),
			}.WithActor(p.Actor()))
			return nil, ErrNoGroupBinding
		}
		return nil, fmt.Errorf("failed to load binding: %w", err)
	}

	next := p
	next.GroupID = b.GroupID
	next.GroupName = b.GroupName
	next.TypeID = b.TypeID
	next.TypeName = b.TypeName
	next.Mode = b.TypeMode.String
	next.Method = session.MethodImpersonate

	res, err := s.issue(ctx, next, session.DeriveClaims(p.claims(), b.GroupID, session.MethodImpersonate, b.TypeName))
	if err != nil {
		return nil, err
	}

	s.auditLogger.Log(ctx, audit.Event{
		ServiceName: audit.ServiceAuth,
		Action:      audit.ActionImpersonate,
		Message:     fmt.Sprintf("user %s switched from group %d to %d", p.Username, p.GroupID, b.GroupID),
	}.WithActor(next.Actor()))
	return res, nil
}

// issue signs claims and rotates the session; in production the rotation
// leaves exactly one active session.
func (s *Service) issue(ctx context.Context, p Principal, claims session.Claims) (*LoginResult, error) {
	now := s.now()
	token, exp, err := s.issuer.Issue(claims, now)
	if err != nil {
		return nil, err
	}

	sess := &session.Session{
		UserID:    p.UserID,
		TokenHash: session.HashToken(token),
		Method:    claims.Method,
		GroupID:   claims.GroupID,
		Device:    p.Device,
		IPAddress: p.IP,
		Status:    rbac.StatusActive,
		ExpiresAt: exp,
		CreatedAt: now,
	}
	if err := s.sessions.Rotate(ctx, sess, s.cfg.Production); err != nil {
		return nil, fmt.Errorf("failed to rotate session: %w", err)
	}
	cache.Invalidate(ctx, s.cache, cache.ContextKey(p.UserID, p.GroupID))

	return &LoginResult{Token: token, ExpiresAt: exp, Principal: p}, nil
}

// Logout deactivates the session of token
func (s *Service) Logout(ctx context.Context, token string, p Principal) error {
	ok, err := s.sessions.DeactivateByToken(ctx, session.HashToken(token))
	if err != nil {
		return fmt.Errorf("failed to deactivate session: %w", err)
	}
	if !ok {
		return session.ErrAlreadyLoggedOut
	}
	s.auditLogger.Log(ctx, audit.Event{
		ServiceName: audit.ServiceAuth,
		Action:      audit.ActionLogout,
		Message:     fmt.Sprintf("user %s logged out", p.Username),
	}.WithActor(p.Actor()))
	return nil
}

// MinValidate checks signature, expiry and that the session is still active
func (s *Service) MinValidate(ctx context.Context, token string) (*session.Claims, error) {
	claims, err := s.issuer.Parse(token)
	if err != nil {
		return nil, err
	}
	active, err := s.sessions.IsActive(ctx, session.HashToken(token))
	if err != nil {
		return nil, fmt.Errorf("failed to check session: %w", err)
	}
	if !active {
		return nil, session.ErrSessionNotFound
	}
	return claims, nil
}

// Validate is MinValidate plus the authorization context re-derived from the
// store: the token only names the user and group, never the privileges.
func (s *Service) Validate(ctx context.Context, token string) (*Principal, error) {
	claims, err := s.MinValidate(ctx, token)
	if err != nil {
		return nil, err
	}

	key := cache.ContextKey(claims.UserID, claims.GroupID)
	if p, ok := cache.GetJSON[Principal](ctx, s.cache, key); ok {
		p.Method = claims.Method
		return &p, nil
	}

	p, err := s.derive(ctx, claims)
	if err != nil {
		return nil, err
	}
	cache.SetJSON(ctx, s.cache, key, p, s.issuer.TTL())
	p.Method = claims.Method
	return p, nil
}

func (s *Service) derive(ctx context.Context, claims *session.Claims) (*Principal, error) {
	user, err := s.users.GetUser(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return nil, ErrContextRevoked
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user.Status != rbac.StatusActive {
		return nil, ErrContextRevoked
	}

	b, err := s.bindings.Effective(ctx, claims.UserID, claims.GroupID)
	if err != nil {
		if errors.Is(err, approval.ErrNoBinding) {
			slog.InfoContext(ctx, "token group no longer bound", logger.UserID(claims.UserID), logger.GroupID(claims.GroupID))
			return nil, ErrContextRevoked
		}
		return nil, fmt.Errorf("failed to load binding: %w", err)
	}

	return &Principal{
		UserID:    user.ID,
		Username:  user.Username,
		Fullname:  user.Fullname,
		Email:     user.Email,
		GroupID:   b.GroupID,
		GroupName: b.GroupName,
		TypeID:    b.TypeID,
		TypeName:  b.TypeName,
		Mode:      b.TypeMode.String,
	}, nil
}

// Me returns the caller's context with its menu and switchable groups
func (s *Service) Me(ctx context.Context, p Principal) (*MeResult, error) {
	menu, matrix, err := s.menus.Menu(ctx, p.TypeID)
	if err != nil {
		return nil, err
	}
	bindings, err := s.bindings.EffectiveForUser(ctx, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bindings: %w", err)
	}

	groups := make([]GroupOption, 0, len(bindings))
	for _, b := range bindings {
		groups = append(groups, GroupOption{
			GroupID:   b.GroupID,
			GroupName: b.GroupName,
			TypeID:    b.TypeID,
			TypeName:  b.TypeName,
			IsDefault: b.IsDefault,
		})
	}
	return &MeResult{Principal: p, Menu: menu, Matrix: matrix, Groups: groups}, nil
}

func (s *Service) loginFailed(ctx context.Context, client rbac.Actor, reason string) {
	s.recorder.LoginAttempt(ctx, reason)
	s.auditLogger.Log(ctx, audit.Event{
		ServiceName: audit.ServiceAuth,
		Action:      audit.ActionLoginFailed,
		Message:     "login failed: " + reason,
		Snapshot:    map[string]any{"reason": reason, "username": client.Username},
	}.WithActor(client))
}

type noopRecorder struct{}

func (noopRecorder) LoginAttempt(context.Context, string) {}
