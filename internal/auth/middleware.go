// Package auth resolves the caller of an escrow request. Agent identity is
// asserted by the marketplace gateway in front of this service; admin
// operations additionally require the shared admin secret.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAgentID is the key for storing the calling agent id in gin context
	ContextKeyAgentID = "authAgentID"
	// ContextKeyAdminID is the key for storing the authenticated admin id
	ContextKeyAdminID = "authAdminID"

	HeaderAgentID     = "X-Agent-ID"
	HeaderAdminID     = "X-Admin-ID"
	HeaderAdminSecret = "X-Admin-Secret"
)

// Middleware copies the gateway-asserted agent id into the context.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := strings.TrimSpace(c.GetHeader(HeaderAgentID)); id != "" {
			c.Set(ContextKeyAgentID, id)
		}
		c.Next()
	}
}

// RequireAgent rejects requests without an agent identity.
func RequireAgent() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetAgentID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Agent identity required. Include the '" + HeaderAgentID + "' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin checks the X-Admin-Secret header. With an empty secret
// (development) every request passes.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		adminID := strings.TrimSpace(c.GetHeader(HeaderAdminID))
		if secret != "" {
			given := c.GetHeader(HeaderAdminSecret)
			if subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "Admin access required.",
				})
				return
			}
		}
		if adminID == "" {
			adminID = "admin"
		}
		c.Set(ContextKeyAdminID, adminID)
		c.Next()
	}
}

// GetAgentID returns the calling agent id, or "".
func GetAgentID(c *gin.Context) string {
	return c.GetString(ContextKeyAgentID)
}

// GetAdminID returns the authenticated admin id, or "".
func GetAdminID(c *gin.Context) string {
	return c.GetString(ContextKeyAdminID)
}
