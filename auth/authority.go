// Package auth is the session authority: it issues signed tokens, validates
// them against a revocation marker kept in the shared cache, and revokes them.
package auth

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/moonpointer/xschat/apperr"
	"github.com/moonpointer/xschat/cache"
	"github.com/moonpointer/xschat/config"
	"go.uber.org/zap"
)

// DefaultTTL is the token and marker lifetime when none is configured.
const DefaultTTL = 7 * 24 * time.Hour

// markerPrefix keys hold the jti of the user's latest token.
const markerPrefix = "auth:token:"

var (
	// ErrInvalidToken means the token failed signature or expiry checks.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrSessionRevoked means the token is well-formed but its marker is gone.
	ErrSessionRevoked = errors.New("auth: session revoked")
)

// Identity is the authenticated principal carried by a validated token.
type Identity struct {
	UserID int64
	Role   string
}

// Authority issues, validates and revokes session tokens.
type Authority struct {
	cache         cache.Cache
	secret        string
	ttl           time.Duration
	singleSession bool
	opTimeout     time.Duration
	logger        *zap.Logger
}

// NewAuthority creates an Authority from the security config.
func NewAuthority(c cache.Cache, sec config.SecurityConfig, logger *zap.Logger) *Authority {
	ttl := sec.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Authority{
		cache:         c,
		secret:        sec.JWTSecret,
		ttl:           ttl,
		singleSession: sec.SingleSession,
		opTimeout:     2 * time.Second,
		logger:        logger,
	}
}

// TTL is the lifetime of issued tokens.
func (a *Authority) TTL() time.Duration { return a.ttl }

// MarkerKey returns the cache key of userID's revocation marker.
func MarkerKey(userID int64) string {
	return markerPrefix + strconv.FormatInt(userID, 10)
}

// Issue signs a token for userID and (re)writes the marker with the same
// lifetime. Concurrent issues for one user resolve last-write-wins.
func (a *Authority) Issue(ctx context.Context, userID int64, role string) (string, error) {
	token, claims, err := GenerateToken(userID, role, a.secret, a.ttl)
	if err != nil {
		return "", apperr.Internal(err)
	}
	cctx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()
	if err := a.cache.Set(cctx, MarkerKey(userID), claims.ID, a.ttl); err != nil {
		a.logger.Error("auth: write marker failed", zap.Int64("user_id", userID), zap.Error(err))
		return "", apperr.Unavailable(err)
	}
	return token, nil
}

// Validate checks the token signature and expiry first, then that the
// user's marker is present. Both failures surface as Unauthenticated; the
// log line tells them apart.
func (a *Authority) Validate(ctx context.Context, token string) (Identity, error) {
	claims, err := ParseToken(token, a.secret)
	if err != nil {
		a.logger.Debug("auth: rejected", zap.String("reason", "invalid_token"), zap.Error(err))
		return Identity{}, unauthenticated(ErrInvalidToken)
	}

	cctx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()
	jti, err := a.cache.Get(cctx, MarkerKey(claims.UserID))
	switch {
	case errors.Is(err, cache.ErrNotFound):
		a.logger.Info("auth: rejected",
			zap.String("reason", "session_revoked"), zap.Int64("user_id", claims.UserID))
		return Identity{}, unauthenticated(ErrSessionRevoked)
	case err != nil:
		a.logger.Error("auth: read marker failed", zap.Int64("user_id", claims.UserID), zap.Error(err))
		return Identity{}, apperr.Unavailable(err)
	}
	if a.singleSession && jti != claims.ID {
		a.logger.Info("auth: rejected",
			zap.String("reason", "superseded"), zap.Int64("user_id", claims.UserID))
		return Identity{}, unauthenticated(ErrSessionRevoked)
	}
	return Identity{UserID: claims.UserID, Role: claims.Role}, nil
}

// Revoke deletes userID's marker; every outstanding token for the user stops
// validating immediately. Revoking an absent marker is not an error.
func (a *Authority) Revoke(ctx context.Context, userID int64) error {
	cctx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()
	if err := a.cache.Del(cctx, MarkerKey(userID)); err != nil {
		a.logger.Error("auth: revoke failed", zap.Int64("user_id", userID), zap.Error(err))
		return apperr.Unavailable(err)
	}
	return nil
}

func unauthenticated(cause error) *apperr.Error {
	e := apperr.Unauthenticated("invalid or expired session")
	e.Cause = cause
	return e
}
