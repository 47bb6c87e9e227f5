package realtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/lalith-99/echodesk/internal/fanout"
	"github.com/lalith-99/echodesk/internal/models"
	"github.com/lalith-99/echodesk/internal/repository"
	"github.com/lalith-99/echodesk/internal/worker"
	"go.uber.org/zap"
)

// TicketAccessPolicy decides who may join a ticket's chat.
type TicketAccessPolicy func(ctx context.Context, id models.Identity, ticketID int64) (bool, error)

// AllowAnyViewer admits everyone, anonymous included.
func AllowAnyViewer(context.Context, models.Identity, int64) (bool, error) { return true, nil }

// ParticipantPolicy admits the ticket's owner, its assignee, and admins.
// Anonymous connections and unknown tickets are refused.
func ParticipantPolicy(tickets repository.TicketRepository) TicketAccessPolicy {
	return func(ctx context.Context, id models.Identity, ticketID int64) (bool, error) {
		if !id.Authenticated {
			return false, nil
		}
		if id.Role == models.RoleAdmin {
			return true, nil
		}
		t, err := tickets.GetByID(ctx, ticketID)
		if err != nil {
			return false, fmt.Errorf("load ticket: %w", err)
		}
		if t == nil {
			return false, nil
		}
		if t.OwnerID == id.UserID {
			return true, nil
		}
		return t.AssigneeID != nil && *t.AssigneeID == id.UserID, nil
	}
}

// TicketChat serves /ws/chat/:ticket_id/. Every connection joins the
// ticket's topic and anything it sends is stored then broadcast.
type TicketChat struct {
	tickets repository.TicketRepository
	pool    *worker.Pool
	policy  TicketAccessPolicy
	log     *zap.Logger
}

// NewTicketChat builds the handler. A nil policy means AllowAnyViewer.
func NewTicketChat(tickets repository.TicketRepository, pool *worker.Pool, policy TicketAccessPolicy, log *zap.Logger) *TicketChat {
	if policy == nil {
		policy = AllowAnyViewer
	}
	return &TicketChat{tickets: tickets, pool: pool, policy: policy, log: log}
}

func (h *TicketChat) Variant() string { return "ticket_chat" }

func ticketIDParam(c *Conn) (int64, error) {
	id, err := strconv.ParseInt(c.Param("ticket_id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrBadRoute
	}
	return id, nil
}

func (h *TicketChat) Connect(ctx context.Context, c *Conn) error {
	ticketID, err := ticketIDParam(c)
	if err != nil {
		return err
	}
	allowed, err := worker.Do(ctx, h.pool, func(ctx context.Context) (bool, error) {
		return h.policy(ctx, c.Identity, ticketID)
	})
	if err != nil {
		c.Logger().Error("ticket access check failed", zap.Int64("ticket_id", ticketID), zap.Error(err))
		return ErrRejected
	}
	if !allowed {
		return ErrRejected
	}
	c.Join(fanout.TicketTopic(ticketID))
	return nil
}

func (h *TicketChat) Opened(context.Context, *Conn) {}

func (h *TicketChat) Receive(ctx context.Context, c *Conn, data []byte) {
	ticketID, err := ticketIDParam(c)
	if err != nil {
		return
	}
	in, err := decodeChat(data)
	if err != nil {
		c.Logger().Debug("ignoring malformed frame", zap.Error(err))
		return
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return
	}

	var senderID *int64
	if c.Identity.Authenticated {
		uid := c.Identity.UserID
		senderID = &uid
	}

	// The write finishes even if the client hangs up meanwhile.
	msg, err := worker.Do(context.WithoutCancel(ctx), h.pool, func(ctx context.Context) (*models.TicketMessage, error) {
		return h.tickets.CreateMessage(ctx, ticketID, senderID, text, in.IsAgent)
	})
	if err != nil {
		c.Logger().Error("failed to store ticket message", zap.Int64("ticket_id", ticketID), zap.Error(err))
		return
	}
	if msg == nil {
		c.Logger().Debug("ticket not found; message dropped", zap.Int64("ticket_id", ticketID))
		return
	}
	if c.Closed() {
		return
	}

	sentAt := msg.CreatedAt
	publish(ctx, c, fanout.TicketTopic(ticketID), fanout.KindMessage, fanout.ChatFrame{
		Type:     fanout.KindMessage,
		TicketID: ticketID,
		Text:     msg.Text,
		Sender:   c.Identity.DisplayName(),
		IsAgent:  msg.IsAgent,
		SentAt:   &sentAt,
	})
}
