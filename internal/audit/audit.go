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

package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/opentrusty/opentrusty-admin/internal/rbac"
)

// Event actions
const (
	ActionLoginSuccess     = "login_success"
	ActionLoginFailed      = "login_failed"
	ActionUserLocked       = "user_locked"
	ActionLogout           = "logout"
	ActionImpersonate      = "impersonate"
	ActionTypeCreated      = "type_created"
	ActionTypeUpdated      = "type_updated"
	ActionTypeDeleted      = "type_deleted"
	ActionGroupCreated     = "group_created"
	ActionGroupUpdated     = "group_updated"
	ActionGroupDeleted     = "group_deleted"
	ActionBindingProposed  = "binding_proposed"
	ActionBindingApproved  = "binding_approved"
	ActionBindingRejected  = "binding_rejected"
	ActionUserRegistered   = "user_registered"
	ActionUserDisabled     = "user_disabled"
	ActionBootstrap        = "bootstrap"
	ActionInternalFailure  = "internal_failure"
	ActionPermissionDenied = "permission_denied"
)

// Service names
const (
	ServiceAuth     = "auth"
	ServiceType     = "type"
	ServiceGroup    = "group"
	ServiceApproval = "user_group"
	ServiceUser     = "user"
	ServiceSystem   = "system"
)

// Event represents an auditable action
type Event struct {
	ServiceName   string
	Action        string
	Message       string
	Snapshot      any
	ActorID       int64
	ActorUsername string
	RoleID        int64
	RoleName      string
	Device        string
	IPAddress     string
	CreatedAt     time.Time
}

// WithActor fills the actor fields from an authenticated actor
func (e Event) WithActor(a rbac.Actor) Event {
	e.ActorID = a.UserID
	e.ActorUsername = a.Username
	e.RoleID = a.TypeID
	e.RoleName = a.TypeName
	e.Device = a.Device
	e.IPAddress = a.IP
	return e
}

// SnapshotJSON encodes the snapshot with secrets redacted
func (e Event) SnapshotJSON() []byte {
	if e.Snapshot == nil {
		return nil
	}
	if m, ok := e.Snapshot.(map[string]any); ok {
		e.Snapshot = redact(m)
	}
	b, err := json.Marshal(e.Snapshot)
	if err != nil {
		return nil
	}
	return b
}

// Logger is the audit sink. Implementations must not block the caller on
// delivery failures.
type Logger interface {
	Log(ctx context.Context, event Event)
}

// SlogLogger implements Logger using slog
type SlogLogger struct{}

// NewSlogLogger creates a new audit logger
func NewSlogLogger() *SlogLogger {
	return &SlogLogger{}
}

// Log records an audit event
func (l *SlogLogger) Log(ctx context.Context, event Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	attrs := []any{
		slog.String("service_name", event.ServiceName),
		slog.String("action", event.Action),
		slog.Int64("actor_id", event.ActorID),
		slog.String("actor_username", event.ActorUsername),
		slog.Time("created_at", event.CreatedAt),
	}

	if event.Message != "" {
		attrs = append(attrs, slog.String("message", event.Message))
	}
	if event.RoleName != "" {
		attrs = append(attrs, slog.Int64("role_id", event.RoleID), slog.String("role_name", event.RoleName))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.Device != "" {
		attrs = append(attrs, slog.String("device", event.Device))
	}
	if snap := event.SnapshotJSON(); snap != nil {
		attrs = append(attrs, slog.String("json", string(snap)))
	}

	slog.InfoContext(ctx, "AUDIT_EVENT", append(attrs, slog.String("component", "audit"))...)
}

// Multi fans an event out to several sinks
type Multi []Logger

// Log records the event in every sink
func (m Multi) Log(ctx context.Context, event Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	for _, l := range m {
		l.Log(ctx, event)
	}
}

func redact(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch {
		case isSecret(k):
			out[k] = "[REDACTED]"
		default:
			if nested, ok := v.(map[string]any); ok {
				v = redact(nested)
			}
			out[k] = v
		}
	}
	return out
}

// isSecret checks if a key likely contains a secret
func isSecret(key string) bool {
	k := strings.ToLower(key)
	secrets := []string{"password", "secret", "token", "key", "authorization", "hash", "credential"}
	for _, s := range secrets {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
