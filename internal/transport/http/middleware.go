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
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/opentrusty/opentrusty-admin/internal/access"
	"github.com/opentrusty/opentrusty-admin/internal/authn"
	"github.com/opentrusty/opentrusty-admin/internal/errs"
	"github.com/opentrusty/opentrusty-admin/internal/observability/logger"
	"github.com/opentrusty/opentrusty-admin/internal/rbac"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admin_http_requests_total",
		Help: "HTTP requests by route pattern, method and status.",
	}, []string{"route", "method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "admin_http_request_duration_seconds",
		Help:    "HTTP request latency by route pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})
)

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				attrs := []any{
					logger.RequestID(middleware.GetReqID(r.Context())),
					logger.Method(r.Method),
					logger.Path(r.URL.Path),
					logger.RemoteAddr(clientIP(r)),
					logger.StatusCode(ww.Status()),
					logger.Duration(time.Since(start).Milliseconds()),
				}
				if p, ok := GetPrincipal(r.Context()); ok {
					attrs = append(attrs, logger.UserID(p.UserID), logger.GroupID(p.GroupID))
				}
				slog.InfoContext(r.Context(), "http_request", attrs...)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// MetricsMiddleware records Prometheus request metrics keyed by route pattern
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		requestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		requestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// TokenValidator derives the principal of a bearer token
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*authn.Principal, error)
}

// AuthMiddleware validates the bearer token and re-derives the principal
// from current store state on every request.
func AuthMiddleware(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				respondError(w, http.StatusUnauthorized, errs.KindUnauthenticated, "not authenticated")
				return
			}

			p, err := v.Validate(r.Context(), token)
			if err != nil {
				if errs.KindOf(err) == errs.KindInternal {
					respondErr(w, r, err)
					return
				}
				respondError(w, http.StatusUnauthorized, errs.KindUnauthenticated, "invalid or expired token")
				return
			}

			principal := *p
			principal.Device = r.UserAgent()
			principal.IP = clientIP(r)
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal, token)))
		})
	}
}

// PermissionChecker answers matrix lookups
type PermissionChecker interface {
	HasPermission(ctx context.Context, actor rbac.Actor, formPath string, action access.Action) (bool, error)
}

// RequirePermission gates a route on the caller's access matrix
func RequirePermission(pc PermissionChecker, formPath string, action access.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := GetPrincipal(r.Context())
			if !ok {
				respondError(w, http.StatusUnauthorized, errs.KindUnauthenticated, "not authenticated")
				return
			}
			allowed, err := pc.HasPermission(r.Context(), p.Actor(), formPath, action)
			if err != nil {
				respondErr(w, r, err)
				return
			}
			if !allowed {
				respondError(w, http.StatusForbidden, errs.KindSecurityDenied, "permission denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}
