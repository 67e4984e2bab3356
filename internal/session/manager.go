// Package session grants, validates and ends login sessions. At most one
// session is active across the whole system.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-onboarding/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-onboarding/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-onboarding/internal/user/repo"
)

var (
	ErrMissingToken    = apperr.New(apperr.Auth, "Access token missing")
	ErrInvalidToken    = apperr.New(apperr.Auth, "Invalid token")
	ErrRevokedToken    = apperr.New(apperr.Auth, "Token is blacklisted or expired")
	ErrAlreadyLoggedIn = apperr.New(apperr.Conflict, "You are already logged in to the system.")
	ErrSessionHeld     = apperr.New(apperr.Conflict, "Already one user login in to the system")
	ErrSessionNotFound = apperr.New(apperr.NotFound, "Session not found or already logged out")
)

// Store is the slice of the identity store the manager needs.
type Store interface {
	OpenSession(ctx context.Context, userID int64, token string, at time.Time) (*entity.LoginSession, error)
	FindOpenSession(ctx context.Context, userID int64, token string) (*entity.LoginSession, error)
	CloseSession(ctx context.Context, userID int64, token string, at time.Time) (bool, error)
}

// Identity is the authenticated caller of a protected operation.
type Identity struct {
	UserID int64
	Email  string
	Token  string
}

type Manager struct {
	store  Store
	tokens *TokenIssuer
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewManager(store Store, tokens *TokenIssuer, logger *zap.SugaredLogger) *Manager {
	return &Manager{store: store, tokens: tokens, logger: logger, now: time.Now}
}

// Open issues a token and records the session. It fails with
// ErrAlreadyLoggedIn when u holds the active session and with
// ErrSessionHeld, naming the holder, when someone else does.
func (m *Manager) Open(ctx context.Context, u *entity.User) (string, error) {
	now := m.now()
	token, err := m.tokens.Issue(u.ID, u.Email, now)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	if _, err := m.store.OpenSession(ctx, u.ID, token, now); err != nil {
		var held *userrepo.ActiveSessionError
		switch {
		case errors.As(err, &held):
			if held.Holder.UserID == u.ID {
				return "", ErrAlreadyLoggedIn
			}
			m.logger.Infow("session refused, another user is logged in", "user_id", u.ID, "holder", held.Holder.Email)
			return "", ErrSessionHeld.WithDetail(held.Holder)
		case errors.Is(err, userrepo.ErrSessionActive):
			return "", ErrSessionHeld
		}
		return "", fmt.Errorf("open session: %w", err)
	}
	m.logger.Infow("session opened", "user_id", u.ID)
	return token, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// Authenticate validates a bearer header. A correctly signed token is only
// accepted while its login history row is still open.
func (m *Manager) Authenticate(ctx context.Context, authHeader string) (*Identity, error) {
	token := BearerToken(authHeader)
	if token == "" {
		return nil, ErrMissingToken
	}
	claims, err := m.tokens.Parse(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrRevokedToken
		}
		return nil, ErrInvalidToken
	}
	if _, err := m.store.FindOpenSession(ctx, claims.UserID, token); err != nil {
		if errors.Is(err, userrepo.ErrNotFound) {
			return nil, ErrRevokedToken
		}
		return nil, fmt.Errorf("find session: %w", err)
	}
	return &Identity{UserID: claims.UserID, Email: claims.Email, Token: token}, nil
}

// Logout closes the open session for (userID, token). A second call fails
// with ErrSessionNotFound.
func (m *Manager) Logout(ctx context.Context, userID int64, token string) error {
	ok, err := m.store.CloseSession(ctx, userID, token, m.now())
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if !ok {
		return ErrSessionNotFound
	}
	m.logger.Infow("session closed", "user_id", userID)
	return nil
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IdentityFrom returns the identity stored by the auth middleware.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(*Identity)
	return id, ok && id != nil
}
