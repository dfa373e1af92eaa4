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

package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/opentrusty/opentrusty-admin/internal/access"
	"github.com/opentrusty/opentrusty-admin/internal/account"
	"github.com/opentrusty/opentrusty-admin/internal/approval"
	"github.com/opentrusty/opentrusty-admin/internal/authn"
	"github.com/opentrusty/opentrusty-admin/internal/errs"
	"github.com/opentrusty/opentrusty-admin/internal/group"
	"github.com/opentrusty/opentrusty-admin/internal/identity"
	"github.com/opentrusty/opentrusty-admin/internal/paging"
	"github.com/opentrusty/opentrusty-admin/internal/privilege"
	"github.com/opentrusty/opentrusty-admin/internal/rbac"
)

// Form paths guarding the administrative routes. They match the seeded forms.
const (
	FormGroups    = "/admin/groups"
	FormTypes     = "/admin/types"
	FormUsers     = "/admin/users"
	FormApprovals = "/admin/approvals"
)

// AuthService is the identity and session authority
type AuthService interface {
	TokenValidator
	Login(ctx context.Context, in authn.LoginInput) (*authn.LoginResult, error)
	Impersonate(ctx context.Context, p authn.Principal, groupID int64) (*authn.LoginResult, error)
	Logout(ctx context.Context, token string, p authn.Principal) error
	Me(ctx context.Context, p authn.Principal) (*authn.MeResult, error)
}

// TypeService manages privilege types
type TypeService interface {
	PermissionChecker
	Create(ctx context.Context, actor rbac.Actor, in privilege.Input) (*privilege.Type, error)
	Update(ctx context.Context, actor rbac.Actor, id int64, in privilege.Input) (*privilege.Type, error)
	Delete(ctx context.Context, actor rbac.Actor, id int64) error
	Get(ctx context.Context, id int64) (*privilege.Detail, error)
	List(ctx context.Context, actor rbac.Actor, f privilege.Filter, req paging.Request) (paging.Page[*privilege.Type], error)
	Support(ctx context.Context) ([]access.MenuNode, error)
}

// GroupService manages groups
type GroupService interface {
	Create(ctx context.Context, actor rbac.Actor, in group.Input) (*group.Group, error)
	Update(ctx context.Context, actor rbac.Actor, id int64, in group.Input) (*group.Group, error)
	Delete(ctx context.Context, actor rbac.Actor, id int64) error
	Get(ctx context.Context, id int64) (*group.Group, error)
	Load(ctx context.Context, f group.Filter, req paging.Request) (paging.Page[*group.Group], error)
}

// AccountService registers and retires users
type AccountService interface {
	Register(ctx context.Context, actor rbac.Actor, username string, changes []approval.Change) (*account.Registration, error)
	Disable(ctx context.Context, actor rbac.Actor, userID int64) error
	Get(ctx context.Context, actor rbac.Actor, userID int64) (*account.Profile, error)
}

// UserLister pages through users
type UserLister interface {
	List(ctx context.Context, f identity.Filter, req paging.Request) (paging.Page[*identity.User], error)
}

// ApprovalService is the maker-checker workflow
type ApprovalService interface {
	Propose(ctx context.Context, actor rbac.Actor, userID int64, changes []approval.Change) (*approval.ProposeResult, error)
	Approve(ctx context.Context, actor rbac.Actor, id int64, changelog string) (*approval.Binding, error)
	Reject(ctx context.Context, actor rbac.Actor, id int64, changelog string) (*approval.Binding, error)
	PendingForGroup(ctx context.Context, actor rbac.Actor, req paging.Request) (paging.Page[*approval.Binding], error)
	PendingForMe(ctx context.Context, actor rbac.Actor, req paging.Request) (paging.Page[*approval.Binding], error)
}

// Pinger reports backing store health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds HTTP handlers and dependencies
type Handler struct {
	auth      AuthService
	types     TypeService
	groups    GroupService
	accounts  AccountService
	users     UserLister
	approvals ApprovalService
	health    Pinger
}

// Services bundles the handler dependencies
type Services struct {
	Auth      AuthService
	Types     TypeService
	Groups    GroupService
	Accounts  AccountService
	Users     UserLister
	Approvals ApprovalService
	Health    Pinger // optional
}

// NewHandler creates a new HTTP handler
func NewHandler(s Services) *Handler {
	return &Handler{
		auth:      s.Auth,
		types:     s.Types,
		groups:    s.Groups,
		accounts:  s.Accounts,
		users:     s.Users,
		approvals: s.Approvals,
		health:    s.Health,
	}
}

// RouterConfig holds router-level policy
type RouterConfig struct {
	RateLimiter      *RateLimiter
	LoginRateLimiter *RateLimiter
	RequestTimeout   time.Duration
	// AllowedOrigins enables CORS for the admin console origins
	AllowedOrigins []string
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Retry-After"},
			AllowCredentials: false,
			MaxAge:           600,
		}).Handler)
	}
	r.Use(RateLimitMiddleware(cfg.RateLimiter))
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(MetricsMiddleware)
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	perm := func(form string, action access.Action) func(http.Handler) http.Handler {
		return RequirePermission(h.types, form, action)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.With(RateLimitMiddleware(cfg.LoginRateLimiter)).Post("/auth/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.auth))

			r.Post("/auth/logout", h.Logout)
			r.Post("/auth/impersonate", h.Impersonate)
			r.Get("/auth/me", h.Me)

			r.Route("/groups", func(r chi.Router) {
				r.With(perm(FormGroups, access.ActionRead)).Get("/", h.ListGroups)
				r.With(perm(FormGroups, access.ActionCreate)).Post("/", h.CreateGroup)
				r.With(perm(FormGroups, access.ActionRead)).Get("/{id}", h.GetGroup)
				r.With(perm(FormGroups, access.ActionUpdate)).Put("/{id}", h.UpdateGroup)
				r.With(perm(FormGroups, access.ActionDelete)).Delete("/{id}", h.DeleteGroup)
			})

			r.Route("/types", func(r chi.Router) {
				r.With(perm(FormTypes, access.ActionRead)).Get("/", h.ListTypes)
				r.With(perm(FormTypes, access.ActionCreate)).Post("/", h.CreateType)
				r.With(perm(FormTypes, access.ActionCreate)).Get("/support", h.SupportMatrix)
				r.With(perm(FormTypes, access.ActionRead)).Get("/{id}", h.GetType)
				r.With(perm(FormTypes, access.ActionUpdate)).Put("/{id}", h.UpdateType)
				r.With(perm(FormTypes, access.ActionDelete)).Delete("/{id}", h.DeleteType)
			})

			r.Route("/users", func(r chi.Router) {
				r.With(perm(FormUsers, access.ActionRead)).Get("/", h.ListUsers)
				r.With(perm(FormUsers, access.ActionCreate)).Post("/", h.RegisterUser)
				r.With(perm(FormUsers, access.ActionRead)).Get("/{id}", h.GetUser)
				r.With(perm(FormUsers, access.ActionDelete)).Post("/{id}/disable", h.DisableUser)
				r.With(perm(FormApprovals, access.ActionCreate)).Post("/{id}/bindings", h.ProposeBindings)
			})

			r.Route("/approvals", func(r chi.Router) {
				r.Get("/mine", h.MyPending)
				r.With(perm(FormApprovals, access.ActionRead)).Get("/", h.GroupPending)
				r.With(perm(FormApprovals, access.ActionUpdate)).Post("/{id}/approve", h.Approve)
				r.With(perm(FormApprovals, access.ActionUpdate)).Post("/{id}/reject", h.Reject)
			})
		})
	})

	return r
}

// HealthCheck returns the health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "opentrusty-admin",
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "opentrusty-admin",
	})
}

func principal(r *http.Request) authn.Principal {
	p, _ := GetPrincipal(r.Context())
	return p
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, errs.KindValidation, "invalid id")
		return 0, false
	}
	return id, true
}

func pageRequest(r *http.Request) paging.Request {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("pageSize"))
	return paging.Request{
		Page:     page,
		PageSize: size,
		OrderBy:  q.Get("orderBy"),
		Dir:      paging.Direction(q.Get("dir")),
	}.Normalize()
}
