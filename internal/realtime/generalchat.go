package realtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/lalith-99/echodesk/internal/fanout"
	"github.com/lalith-99/echodesk/internal/models"
	"github.com/lalith-99/echodesk/internal/repository"
	"github.com/lalith-99/echodesk/internal/worker"
	"go.uber.org/zap"
)

// GeneralChat serves /ws/chat/. One socket carries all of a user's 1:1
// conversations; each inbound frame names its conversation.
type GeneralChat struct {
	conversations repository.ConversationRepository
	pool          *worker.Pool
	log           *zap.Logger
}

func NewGeneralChat(conversations repository.ConversationRepository, pool *worker.Pool, log *zap.Logger) *GeneralChat {
	return &GeneralChat{conversations: conversations, pool: pool, log: log}
}

func (h *GeneralChat) Variant() string { return "general_chat" }

// conversationsFor picks the membership query by role.
func (h *GeneralChat) conversationsFor(ctx context.Context, id models.Identity) ([]int64, error) {
	switch id.Role {
	case models.RoleAdmin:
		return h.conversations.ListAllIDs(ctx)
	case models.RoleAgent:
		return h.conversations.ListIDsByAgent(ctx, id.UserID)
	case models.RoleUser:
		return h.conversations.ListIDsByUser(ctx, id.UserID)
	default:
		return nil, fmt.Errorf("no conversation scope for role %v", id.Role)
	}
}

// Connect always accepts. Anonymous connections join nothing and stay
// inert; a failed membership lookup is logged and leaves the connection
// with no topics rather than refusing it.
func (h *GeneralChat) Connect(ctx context.Context, c *Conn) error {
	if !c.Identity.Authenticated {
		return nil
	}
	ids, err := worker.Do(ctx, h.pool, func(ctx context.Context) ([]int64, error) {
		return h.conversationsFor(ctx, c.Identity)
	})
	if err != nil {
		c.Logger().Error("failed to load conversations", zap.Error(err))
		return nil
	}
	for _, id := range ids {
		c.Join(fanout.ConversationTopic(id))
	}
	c.Logger().Debug("joined conversations", zap.Int("count", len(ids)))
	return nil
}

func (h *GeneralChat) Opened(context.Context, *Conn) {}

func (h *GeneralChat) Receive(ctx context.Context, c *Conn, data []byte) {
	if !c.Identity.Authenticated {
		return
	}
	in, err := decodeChat(data)
	if err != nil {
		c.Logger().Debug("ignoring malformed frame", zap.Error(err))
		return
	}
	text := strings.TrimSpace(in.Text)
	if in.ConversationID <= 0 || text == "" {
		return
	}
	convID := in.ConversationID
	senderID := c.Identity.UserID

	// Re-checked per message: membership can change after connect.
	msg, err := worker.Do(context.WithoutCancel(ctx), h.pool, func(ctx context.Context) (*models.ChatMessage, error) {
		ok, err := h.conversations.IsParticipant(ctx, convID, senderID)
		if err != nil {
			return nil, fmt.Errorf("check participant: %w", err)
		}
		if !ok {
			return nil, nil
		}
		return h.conversations.CreateMessage(ctx, convID, &senderID, text, in.IsAgent)
	})
	if err != nil {
		c.Logger().Error("failed to store chat message", zap.Int64("conversation_id", convID), zap.Error(err))
		return
	}
	if msg == nil {
		c.Logger().Debug("not a participant or no such conversation; message dropped", zap.Int64("conversation_id", convID))
		return
	}
	if c.Closed() {
		return
	}

	sentAt := msg.CreatedAt
	publish(ctx, c, fanout.ConversationTopic(convID), fanout.KindMessage, fanout.ChatFrame{
		Type:           fanout.KindMessage,
		ConversationID: convID,
		Text:           msg.Text,
		Sender:         c.Identity.DisplayName(),
		IsAgent:        msg.IsAgent,
		SentAt:         &sentAt,
	})
}
