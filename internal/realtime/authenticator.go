package realtime

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/echodesk/internal/models"
	"go.uber.org/zap"
)

// ContextKeyIdentity is where Authenticate stores the resolved identity.
const ContextKeyIdentity = "ws_identity"

// TokenVerifier resolves a bearer token; *auth.Verifier satisfies it.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (models.Identity, error)
}

// Authenticate wraps the handshake of every websocket route.
//
// Browsers cannot set headers on a websocket handshake, so the credential
// arrives as ?token=. Unlike middleware.AuthMiddleware this never aborts:
// a missing token, a failed verification, or even a panic inside the
// verifier all degrade to models.Anonymous. Each handler variant then
// decides what anonymous means for it (ticket chat lets it watch,
// notifications rejects it). Runs once per connection, not per message.
func Authenticate(v TokenVerifier, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextKeyIdentity, resolveIdentity(c.Request.Context(), v, c.Query("token"), log))
		c.Next()
	}
}

func resolveIdentity(ctx context.Context, v TokenVerifier, token string, log *zap.Logger) (id models.Identity) {
	if token == "" {
		return models.Anonymous
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("token verification panicked; treating connection as anonymous", zap.Any("panic", r))
			id = models.Anonymous
		}
	}()

	id, err := v.Verify(ctx, token)
	if err != nil {
		log.Debug("websocket token rejected; treating connection as anonymous", zap.Error(err))
		return models.Anonymous
	}
	return id
}

// IdentityFrom returns the identity Authenticate stored, or Anonymous.
func IdentityFrom(c *gin.Context) models.Identity {
	val, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return models.Anonymous
	}
	id, ok := val.(models.Identity)
	if !ok {
		return models.Anonymous
	}
	return id
}
