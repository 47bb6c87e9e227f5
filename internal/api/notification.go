package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/echodesk/internal/middleware"
	"github.com/lalith-99/echodesk/internal/repository"
	"go.uber.org/zap"
)

// NotificationHandler is the REST view of a user's notification inbox.
// The websocket feed pushes new ones; this is where the client pages
// through history and keeps the unread badge right.
type NotificationHandler struct {
	repo   repository.NotificationRepository
	logger *zap.Logger
}

func NewNotificationHandler(repo repository.NotificationRepository, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{repo: repo, logger: logger}
}

// List handles GET /v1/notifications
func (h *NotificationHandler) List(c *gin.Context) {
	ns, err := h.repo.ListByRecipient(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list notifications"})
		return
	}
	c.JSON(http.StatusOK, ns)
}

// UnreadCount handles GET /v1/notifications/unread-count
func (h *NotificationHandler) UnreadCount(c *gin.Context) {
	n, err := h.repo.CountUnread(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		h.logger.Error("failed to count notifications", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count notifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread_count": n})
}

// MarkRead handles PATCH /v1/notifications/:id/read
//
// Someone else's notification gets the same 404 as a missing one.
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification ID"})
		return
	}

	matched, err := h.repo.MarkRead(c.Request.Context(), middleware.GetUserID(c), id)
	if err != nil {
		h.logger.Error("failed to mark notification read", zap.Int64("notification_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update notification"})
		return
	}
	if !matched {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// MarkAllRead handles PATCH /v1/notifications/read-all
func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	n, err := h.repo.MarkAllRead(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		h.logger.Error("failed to mark notifications read", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update notifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}
