package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/lalith-99/echodesk/internal/models"
	"github.com/lalith-99/echodesk/internal/worker"
)

// ErrAuthFailure covers every way a credential can fail to prove an
// identity: malformed, expired, bad signature, or a subject whose user
// row no longer exists. Callers only ever need errors.Is on it.
var ErrAuthFailure = errors.New("authentication failed")

// UserLookup is the one collaborator the verifier needs.
type UserLookup interface {
	GetByID(ctx context.Context, userID int64) (*models.User, error)
}

// Verifier resolves a bearer token to an Identity. It has no side
// effects: one signature check plus one user lookup.
type Verifier struct {
	secret string
	users  UserLookup
	pool   *worker.Pool
}

func NewVerifier(secret string, users UserLookup) *Verifier {
	return &Verifier{secret: secret, users: users}
}

// WithPool makes the user lookup wait for a slot in p, so handshakes
// share the store budget with message persistence. A verifier without a
// pool calls the store directly.
func (v *Verifier) WithPool(p *worker.Pool) *Verifier {
	v.pool = p
	return v
}

// Verify returns the authenticated identity for token, or an error
// wrapping ErrAuthFailure. A lookup failure is reported as an auth
// failure too; the caller decides whether that means "anonymous" or 401.
func (v *Verifier) Verify(ctx context.Context, token string) (models.Identity, error) {
	if token == "" {
		return models.Anonymous, fmt.Errorf("%w: empty token", ErrAuthFailure)
	}

	claims, err := ParseToken(token, v.secret)
	if err != nil {
		return models.Anonymous, fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}

	user, err := v.lookup(ctx, claims.UserID)
	if err != nil {
		return models.Anonymous, fmt.Errorf("%w: lookup user %d: %v", ErrAuthFailure, claims.UserID, err)
	}
	if user == nil {
		return models.Anonymous, fmt.Errorf("%w: user %d no longer exists", ErrAuthFailure, claims.UserID)
	}

	return models.IdentityOf(user), nil
}

func (v *Verifier) lookup(ctx context.Context, userID int64) (*models.User, error) {
	if v.pool == nil {
		return v.users.GetByID(ctx, userID)
	}
	return worker.Do(ctx, v.pool, func(ctx context.Context) (*models.User, error) {
		return v.users.GetByID(ctx, userID)
	})
}
