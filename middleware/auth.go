package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/moonpointer/xschat/apperr"
	"github.com/moonpointer/xschat/auth"
	"go.uber.org/zap"
)

const (
	UserIDKey = "user_id"
	RoleKey   = "role"

	AdminKeyHeader = "X-Admin-Key"
)

var errAdminDisabled = errors.New("admin endpoints disabled: set server.admin_key")

// TokenValidator resolves a bearer token to an identity.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (auth.Identity, error)
}

// BearerToken returns the token of an "Authorization: Bearer" header, or "".
func BearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// Auth validates the Bearer token and stores the caller's identity on the
// context. A token whose session was revoked is rejected like a bad one.
func Auth(v TokenValidator, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			apperr.Write(c, logger, apperr.Unauthenticated("missing token"))
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		id, err := v.Validate(ctx, token)
		cancel()
		if err != nil {
			apperr.Write(c, logger, err)
			return
		}

		c.Set(UserIDKey, id.UserID)
		c.Set(RoleKey, id.Role)
		c.Next()
	}
}

// RequireRole rejects callers whose role is not role. Must run after Auth.
func RequireRole(role string, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetRole(c) != role {
			apperr.Write(c, logger, apperr.Forbidden("insufficient role"))
			return
		}
		c.Next()
	}
}

// AdminKey guards operator endpoints with a shared key sent in X-Admin-Key.
// An empty key disables the endpoints (503) so the server cannot be deployed
// with them open by accident.
func AdminKey(key string, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			apperr.Write(c, nil, apperr.Unavailable(errAdminDisabled))
			return
		}
		got := c.GetHeader(AdminKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			apperr.Write(c, logger, apperr.Unauthenticated("invalid admin key"))
			return
		}
		c.Next()
	}
}

// GetUserID retrieves the authenticated user ID from the Gin context.
func GetUserID(c *gin.Context) int64 {
	if v, exists := c.Get(UserIDKey); exists {
		return v.(int64)
	}
	return 0
}

// GetRole retrieves the authenticated role from the Gin context.
func GetRole(c *gin.Context) string {
	return c.GetString(RoleKey)
}
