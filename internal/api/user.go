package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/echodesk/internal/middleware"
	"github.com/lalith-99/echodesk/internal/repository"
	"go.uber.org/zap"
)

// UserHandler handles user-related operations.
type UserHandler struct {
	repo   repository.UserRepository
	logger *zap.Logger
}

func NewUserHandler(repo repository.UserRepository, logger *zap.Logger) *UserHandler {
	return &UserHandler{repo: repo, logger: logger}
}

// GetMe handles GET /v1/users/me
//
// The frontend calls this right after login to learn the caller's role,
// which decides whether it renders the agent or the customer view.
func (h *UserHandler) GetMe(c *gin.Context) {
	user, err := h.repo.GetByID(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		h.logger.Error("failed to get user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get user"})
		return
	}

	// The middleware already loaded this user, so nil means it was deleted
	// between the two reads.
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	c.JSON(http.StatusOK, user)
}
