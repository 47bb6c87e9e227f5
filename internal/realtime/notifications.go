package realtime

import (
	"context"
	"encoding/json"

	"github.com/lalith-99/echodesk/internal/fanout"
	"github.com/lalith-99/echodesk/internal/notify"
	"go.uber.org/zap"
)

const (
	actionPing     = "ping"
	actionMarkRead = "mark_read"
)

// Notifications serves /ws/notifications/: a user's private feed.
type Notifications struct {
	bridge       *notify.Bridge
	pendingLimit int
	log          *zap.Logger
}

// NewNotifications builds the handler. pendingLimit <= 0 uses
// notify.DefaultPendingLimit.
func NewNotifications(bridge *notify.Bridge, pendingLimit int, log *zap.Logger) *Notifications {
	if pendingLimit <= 0 {
		pendingLimit = notify.DefaultPendingLimit
	}
	return &Notifications{bridge: bridge, pendingLimit: pendingLimit, log: log}
}

func (h *Notifications) Variant() string { return "notifications" }

// Connect refuses anonymous connections.
func (h *Notifications) Connect(_ context.Context, c *Conn) error {
	if !c.Identity.Authenticated {
		return ErrRejected
	}
	c.Join(fanout.NotificationsTopic(c.Identity.UserID))
	return nil
}

// Opened replays unread notifications, newest first.
func (h *Notifications) Opened(ctx context.Context, c *Conn) {
	pending, err := h.bridge.FetchPending(ctx, c.Identity, h.pendingLimit)
	if err != nil {
		c.Logger().Error("failed to load pending notifications", zap.Error(err))
		return
	}
	for _, n := range pending {
		err := c.Push(fanout.KindPendingNotification, fanout.PendingFrame{
			Type: fanout.KindPendingNotification,
			Notification: fanout.PendingNotification{
				ID:       n.ID,
				Type:     n.Type,
				Title:    n.Title,
				Body:     n.Body,
				Icon:     n.Icon,
				TicketID: n.TicketID,
				Created:  n.CreatedAt,
			},
		})
		if err != nil {
			c.Logger().Debug("stopped pending replay", zap.Int64("notification_id", n.ID), zap.Error(err))
			return
		}
	}
}

// notificationAction is read loosely: notification_id is only looked at
// for mark_read, so a bad id never costs a ping its pong.
type notificationAction struct {
	Action         string          `json:"action"`
	NotificationID json.RawMessage `json:"notification_id"`
}

func (h *Notifications) Receive(ctx context.Context, c *Conn, data []byte) {
	var in notificationAction
	if err := json.Unmarshal(data, &in); err != nil {
		c.Logger().Debug("ignoring malformed frame", zap.Error(err))
		return
	}
	switch in.Action {
	case actionPing:
		if err := c.Push(fanout.KindPong, fanout.PongFrame{Type: fanout.KindPong}); err != nil {
			c.Logger().Debug("pong not sent", zap.Error(err))
		}
	case actionMarkRead:
		id, ok := parseID(in.NotificationID)
		if !ok {
			c.Logger().Debug("mark_read without a usable notification_id")
			return
		}
		if err := h.bridge.MarkRead(context.WithoutCancel(ctx), c.Identity, id); err != nil {
			c.Logger().Error("mark_read failed", zap.Int64("notification_id", id), zap.Error(err))
		}
	}
}
