package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opentrusty/opentrusty-admin/internal/audit"
	"github.com/opentrusty/opentrusty-admin/internal/notify"
	"github.com/opentrusty/opentrusty-admin/internal/observability/logger"
)

// AuditRepository persists audit events to audit_logs. It implements
// audit.Logger and never fails the caller.
type AuditRepository struct {
	db *DB
}

func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Log(ctx context.Context, e audit.Event) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO audit_logs (service_name, action, message, snapshot, actor_id, actor_username,
			role_id, role_name, device, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ServiceName, e.Action, e.Message, e.SnapshotJSON(), e.ActorID, e.ActorUsername,
		e.RoleID, e.RoleName, e.Device, e.IPAddress, e.CreatedAt)
	if err != nil {
		slog.ErrorContext(ctx, "failed to persist audit event",
			logger.Component("audit"), slog.String("action", e.Action), logger.Error(err))
	}
}

// NotificationRepository stores workflow notifications. It implements notify.Sink.
type NotificationRepository struct {
	db *DB
}

func NewNotificationRepository(db *DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

func (r *NotificationRepository) Deliver(ctx context.Context, n notify.Notification) error {
	var payload []byte
	if n.Payload != nil {
		b, err := json.Marshal(n.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode notification payload: %w", err)
		}
		payload = b
	}
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO notifications (id, from_user_id, action, for_user_id, message, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, n.ID, n.FromUserID, n.Action, n.ForUserID, n.Message, payload, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store notification: %w", err)
	}
	return nil
}
