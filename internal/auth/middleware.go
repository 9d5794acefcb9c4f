package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentbazaar/internal/logging"
)

const (
	// ContextKeyAPIKey holds the validated *APIKey in the gin context.
	ContextKeyAPIKey = "apiKey"
	// ContextKeyAgent holds the authenticated agent address.
	ContextKeyAgent = "authAgent"
)

// Middleware validates the API key if one is present. Requests without a
// key continue unauthenticated; RequireAuth rejects them where needed.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}
		if raw != "" {
			if key, err := m.Validate(c.Request.Context(), raw); err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyAgent, key.Agent)
				c.Request = c.Request.WithContext(logging.WithAgent(c.Request.Context(), key.Agent))
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid API key.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(ContextKeyAPIKey); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin accepts requests carrying the operator secret in
// X-Admin-Secret. An empty secret disables the admin surface.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		given := c.GetHeader("X-Admin-Secret")
		if secret == "" || subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
			logging.L(c.Request.Context()).Warn("admin request rejected", "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin secret required.",
			})
			return
		}
		c.Set(ContextKeyAgent, "operator")
		c.Next()
	}
}

// GetAPIKey returns the API key from context, if authenticated.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, ok := c.Get(ContextKeyAPIKey)
	if !ok {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}

// GetAuthenticatedAgent returns the acting agent's address, or "" if the
// request is not authenticated.
func GetAuthenticatedAgent(c *gin.Context) string {
	v, ok := c.Get(ContextKeyAgent)
	if !ok {
		return ""
	}
	addr, _ := v.(string)
	return strings.ToLower(addr)
}
