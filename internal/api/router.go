package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handlers bundles everything Register mounts.
type Handlers struct {
	Auth          *AuthHandler
	Users         *UserHandler
	Notifications *NotificationHandler
	Tickets       *TicketHandler
	Messages      *MessageHandler
	// Ping reports whether the store is reachable; nil skips the check.
	Ping func(ctx context.Context) error
}

// Register mounts the REST routes under /v1.
//
// Health and login are PUBLIC. Load balancers hit health without a token,
// and login is where the token comes from. Everything else runs behind
// requireAuth.
func Register(r gin.IRouter, h Handlers, requireAuth gin.HandlerFunc) {
	v1 := r.Group("/v1")
	v1.GET("/health", health(h.Ping))
	v1.POST("/auth/login", h.Auth.Login)

	authed := v1.Group("", requireAuth)
	authed.GET("/users/me", h.Users.GetMe)

	authed.GET("/notifications", h.Notifications.List)
	authed.GET("/notifications/unread-count", h.Notifications.UnreadCount)
	authed.PATCH("/notifications/read-all", h.Notifications.MarkAllRead)
	authed.PATCH("/notifications/:id/read", h.Notifications.MarkRead)

	authed.POST("/tickets", h.Tickets.Create)
	authed.POST("/tickets/:id/responses", h.Tickets.Respond)

	authed.POST("/conversations/:id/messages", h.Messages.Create)
}

func health(ping func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
