// Package notify records notifications durably and pushes them live.
//
// The two steps are deliberately separate. The row in the store is the
// source of truth; the push is a convenience on top. A failed push is
// logged and counted, never returned, and never undoes the write.
package notify

import (
	"context"
	"fmt"

	"github.com/lalith-99/echodesk/internal/fanout"
	"github.com/lalith-99/echodesk/internal/models"
	"github.com/lalith-99/echodesk/internal/observ"
	"github.com/lalith-99/echodesk/internal/repository"
	"github.com/lalith-99/echodesk/internal/worker"
	"go.uber.org/zap"
)

// DefaultPendingLimit caps how many unread notifications are replayed on connect.
const DefaultPendingLimit = 20

type Bridge struct {
	repo repository.NotificationRepository
	bus  fanout.Publisher
	pool *worker.Pool
	log  *zap.Logger
}

func NewBridge(repo repository.NotificationRepository, bus fanout.Publisher, pool *worker.Pool, log *zap.Logger) *Bridge {
	return &Bridge{repo: repo, bus: bus, pool: pool, log: log}
}

// Record durably writes a notification. It does not push.
func (b *Bridge) Record(ctx context.Context, nn repository.NewNotification) (*models.Notification, error) {
	n, err := worker.Do(ctx, b.pool, func(ctx context.Context) (*models.Notification, error) {
		return b.repo.Create(ctx, nn)
	})
	if err != nil {
		return nil, fmt.Errorf("record notification: %w", err)
	}
	observ.NotificationsRecorded.WithLabelValues(n.Type).Inc()
	return n, nil
}

// Push publishes a live notification frame to the recipient's feed.
// Failures are logged and swallowed.
func (b *Bridge) Push(ctx context.Context, n *models.Notification) {
	topic := fanout.NotificationsTopic(n.RecipientID)
	evt, err := fanout.NewEvent(fanout.KindNotification, fanout.NotificationFrame{
		Type:     fanout.KindNotification,
		ID:       n.ID,
		Title:    n.Title,
		TicketID: n.TicketID,
	})
	if err == nil {
		err = b.bus.Publish(ctx, topic, evt)
	}
	if err != nil {
		observ.FanoutFailures.WithLabelValues(topic.Family()).Inc()
		b.log.Warn("live notification push failed; notification is stored",
			zap.Int64("notification_id", n.ID),
			zap.Int64("recipient_id", n.RecipientID),
			zap.Error(err),
		)
	}
}

// Notify records then pushes. Only the record step can fail.
func (b *Bridge) Notify(ctx context.Context, nn repository.NewNotification) (*models.Notification, error) {
	n, err := b.Record(ctx, nn)
	if err != nil {
		return nil, err
	}
	b.Push(ctx, n)
	return n, nil
}

// FetchPending returns the identity's unread notifications, newest
// first, at most limit (DefaultPendingLimit when limit <= 0).
// Anonymous identities have nothing pending.
func (b *Bridge) FetchPending(ctx context.Context, id models.Identity, limit int) ([]models.Notification, error) {
	if !id.Authenticated {
		return []models.Notification{}, nil
	}
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	ns, err := worker.Do(ctx, b.pool, func(ctx context.Context) ([]models.Notification, error) {
		return b.repo.ListUnread(ctx, id.UserID, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch pending notifications: %w", err)
	}
	return ns, nil
}

// MarkRead marks the notification read if it belongs to the identity.
// A missing or foreign notification is a silent no-op, so callers cannot
// probe which ids exist. Only store failures return an error.
func (b *Bridge) MarkRead(ctx context.Context, id models.Identity, notificationID int64) error {
	if !id.Authenticated || notificationID <= 0 {
		return nil
	}
	matched, err := worker.Do(ctx, b.pool, func(ctx context.Context) (bool, error) {
		return b.repo.MarkRead(ctx, id.UserID, notificationID)
	})
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if !matched {
		b.log.Debug("mark_read ignored",
			zap.Int64("user_id", id.UserID),
			zap.Int64("notification_id", notificationID),
		)
	}
	return nil
}
