package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/cadence/internal/identity"
)

const (
	// ContextKeyClaims holds the verified *Claims.
	ContextKeyClaims = "authClaims"
	// ContextKeyUser holds the freshly loaded *identity.User.
	ContextKeyUser = "authUser"
	// ContextKeyUsername holds the caller's username for access logs and
	// rate limiting.
	ContextKeyUsername = "authUsername"
)

// Accounts is the account lookup the middleware needs.
type Accounts interface {
	GetUser(ctx context.Context, username string) (*identity.User, error)
	IsBlocked(ctx context.Context, username string) (bool, error)
}

// Middleware rejects requests without a valid bearer token, and requests
// from blocked or unknown accounts.
func Middleware(m *Manager, accounts Accounts) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}

		claims, err := m.Verify(header)
		if err != nil {
			msg := "Invalid authentication token"
			if errors.Is(err, ErrTokenExpired) {
				msg = "Authentication token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": msg,
			})
			return
		}

		ctx := c.Request.Context()
		blocked, err := accounts.IsBlocked(ctx, claims.Subject)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "unavailable",
				"message": "Unable to verify account status",
			})
			return
		}
		if blocked {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "account_blocked",
				"message": "Account is blocked",
			})
			return
		}

		u, err := accounts.GetUser(ctx, claims.Subject)
		if errors.Is(err, identity.ErrNotFound) || (err == nil && u.ID != claims.UserID) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Account no longer exists",
			})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "unavailable",
				"message": "Unable to load account",
			})
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Set(ContextKeyUser, u)
		c.Set(ContextKeyUsername, u.Username)
		c.Next()
	}
}

// RequireRole admits only accounts holding one of roles. It must run after
// Middleware.
func RequireRole(roles ...identity.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := GetUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required.",
			})
			return
		}
		if !hasRole(u, roles) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Insufficient role for this resource.",
			})
			return
		}
		c.Next()
	}
}

// RequireSelfOrRole admits the account named by the paramName URL param,
// or any account holding one of roles.
func RequireSelfOrRole(paramName string, roles ...identity.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := GetUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required.",
			})
			return
		}
		if u.Username != c.Param(paramName) && !hasRole(u, roles) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Not authorized for this user's data.",
			})
			return
		}
		c.Next()
	}
}

func hasRole(u *identity.User, roles []identity.Role) bool {
	for _, r := range roles {
		if u.Role == r {
			return true
		}
	}
	return false
}

// GetClaims returns the verified token claims, if authenticated.
func GetClaims(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(ContextKeyClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// GetUser returns the authenticated account, if any.
func GetUser(c *gin.Context) (*identity.User, bool) {
	v, ok := c.Get(ContextKeyUser)
	if !ok {
		return nil, false
	}
	u, ok := v.(*identity.User)
	return u, ok
}
