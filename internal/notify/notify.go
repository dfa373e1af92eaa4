// Package notify delivers maker notifications for resolved approvals.
// Delivery is fire-and-forget: the caller never waits on, or fails because
// of, a sink.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opentrusty/opentrusty-admin/internal/observability/logger"
)

// Notification is one message for a user
type Notification struct {
	ID         string    `json:"id"`
	FromUserID int64     `json:"fromUserId"`
	Action     string    `json:"action"`
	ForUserID  int64     `json:"forUserId"`
	Message    string    `json:"message"`
	Payload    any       `json:"payload,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Sink persists or forwards a notification
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// Notifier accepts notifications without blocking the caller
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// SlogSink writes notifications to the structured log
type SlogSink struct{}

// Deliver logs the notification
func (SlogSink) Deliver(ctx context.Context, n Notification) error {
	slog.InfoContext(ctx, "notification",
		slog.String("id", n.ID),
		slog.String("action", n.Action),
		slog.Int64("from_user_id", n.FromUserID),
		slog.Int64("for_user_id", n.ForUserID),
		slog.String("message", n.Message),
	)
	return nil
}

// Async buffers notifications and hands them to sinks on a worker goroutine.
// When the buffer is full the notification is dropped and logged.
type Async struct {
	sinks   []Sink
	queue   chan Notification
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

// NewAsync starts a worker delivering to the given sinks
func NewAsync(buffer int, timeout time.Duration, sinks ...Sink) *Async {
	if buffer <= 0 {
		buffer = 64
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	a := &Async{
		sinks:   sinks,
		queue:   make(chan Notification, buffer),
		timeout: timeout,
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Notify enqueues n; it never blocks
func (a *Async) Notify(ctx context.Context, n Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		slog.WarnContext(ctx, "notification dropped: notifier closed", slog.String("id", n.ID))
		return
	}

	select {
	case a.queue <- n:
	default:
		slog.WarnContext(ctx, "notification dropped: queue full",
			slog.String("id", n.ID),
			slog.Int64("for_user_id", n.ForUserID),
		)
	}
}

// Close stops accepting notifications and drains the queue
func (a *Async) Close() {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
		a.wg.Wait()
	})
}

func (a *Async) run() {
	defer a.wg.Done()
	for n := range a.queue {
		for _, s := range a.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
			if err := s.Deliver(ctx, n); err != nil {
				slog.Error("notification delivery failed", logger.Error(err), slog.String("id", n.ID))
			}
			cancel()
		}
	}
}
