package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/echodesk/internal/fanout"
	"github.com/lalith-99/echodesk/internal/middleware"
	"github.com/lalith-99/echodesk/internal/observ"
	"github.com/lalith-99/echodesk/internal/repository"
	"go.uber.org/zap"
)

// MessageHandler is the HTTP way to post into a 1:1 conversation, for
// clients that are not holding a websocket open.
type MessageHandler struct {
	repo   repository.ConversationRepository
	bus    fanout.Publisher
	logger *zap.Logger
}

func NewMessageHandler(repo repository.ConversationRepository, bus fanout.Publisher, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{repo: repo, bus: bus, logger: logger}
}

type createMessageRequest struct {
	Text string `json:"mensaje" binding:"required"`
}

// Create handles POST /v1/conversations/:id/messages
//
// The message is stored first. Live delivery to open /ws/chat/ sockets is
// best-effort: if the publish fails the client still gets 201, and the
// other side sees the message on its next history load.
func (h *MessageHandler) Create(c *gin.Context) {
	var req createMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message must not be empty"})
		return
	}
	convID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || convID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation ID"})
		return
	}

	ctx := c.Request.Context()
	id := middleware.GetIdentity(c)

	conv, err := h.repo.GetByID(ctx, convID)
	if err != nil {
		h.logger.Error("failed to load conversation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send message"})
		return
	}
	if conv == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	if !conv.HasParticipant(id.UserID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant of this conversation"})
		return
	}

	senderID := id.UserID
	isAgent := senderID == conv.AgentID
	msg, err := h.repo.CreateMessage(ctx, convID, &senderID, text, isAgent)
	if err != nil {
		h.logger.Error("failed to create message", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send message"})
		return
	}
	if msg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}

	sentAt := msg.CreatedAt
	publishBestEffort(ctx, h.bus, fanout.ConversationTopic(convID), fanout.ChatFrame{
		Type:           fanout.KindMessage,
		ConversationID: convID,
		Text:           msg.Text,
		Sender:         id.DisplayName(),
		IsAgent:        msg.IsAgent,
		SentAt:         &sentAt,
	}, h.logger)

	c.JSON(http.StatusCreated, msg)
}

// publishBestEffort pushes a chat frame after its row is committed.
// Errors are logged and counted; the HTTP response does not change.
func publishBestEffort(ctx context.Context, bus fanout.Publisher, topic fanout.Topic, frame fanout.ChatFrame, logger *zap.Logger) {
	evt, err := fanout.NewEvent(frame.Type, frame)
	if err == nil {
		err = bus.Publish(ctx, topic, evt)
	}
	if err != nil {
		observ.FanoutFailures.WithLabelValues(topic.Family()).Inc()
		logger.Warn("live delivery failed; message is stored",
			zap.String("topic", string(topic)),
			zap.Error(err),
		)
	}
}
