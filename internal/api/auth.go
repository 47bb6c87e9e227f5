package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/echodesk/internal/auth"
	"github.com/lalith-99/echodesk/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// AuthHandler handles login, the only PUBLIC endpoint besides health.
// It doesn't go through AuthMiddleware because the caller doesn't have
// a token yet (that's what this endpoint produces).
//
// Accounts are provisioned by the helpdesk admin tooling; there is no
// self-service signup here.
type AuthHandler struct {
	userRepo  repository.UserRepository
	jwtSecret string
	tokenTTL  time.Duration
	logger    *zap.Logger
}

func NewAuthHandler(userRepo repository.UserRepository, jwtSecret string, tokenTTL time.Duration, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		userRepo:  userRepo,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
		logger:    logger,
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// authResponse carries the token the client sends back as
// "Authorization: Bearer <token>" on REST calls and as ?token= on
// websocket handshakes.
type authResponse struct {
	Token string `json:"token"`
	Role  string `json:"rol"`
}

// Login handles POST /v1/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.userRepo.GetByUsername(c.Request.Context(), req.Username)
	if err != nil {
		h.logger.Error("failed to find user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	// One message for "no such user" and "wrong password", so the
	// endpoint cannot be used to enumerate usernames.
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}

	token, err := auth.GenerateToken(user.ID, h.jwtSecret, h.tokenTTL)
	if err != nil {
		h.logger.Error("failed to generate token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	c.JSON(http.StatusOK, authResponse{Token: token, Role: user.Role.String()})
}
