// Package auth identifies callers of the sale API.
//
// The service sits behind a gateway that authenticates callers and forwards
// their principal in the X-Caller-Principal header. Operator endpoints are
// guarded by a shared admin secret instead.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/swapsale/internal/validation"
)

const (
	// HeaderCallerPrincipal carries the authenticated caller's principal.
	HeaderCallerPrincipal = "X-Caller-Principal"
	// HeaderAdminSecret carries the operator secret.
	HeaderAdminSecret = "X-Admin-Secret"

	// ContextKeyCaller is the key for storing the caller principal in gin context
	ContextKeyCaller = "callerPrincipal"
)

// Middleware extracts the caller principal, if any, and stores it in the
// context. A malformed principal is rejected outright.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(HeaderCallerPrincipal)
		if raw == "" {
			c.Next()
			return
		}

		p := validation.SanitizePrincipal(raw)
		if !validation.IsValidPrincipal(p) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_principal",
				"message": "X-Caller-Principal is not a valid principal",
			})
			return
		}
		c.Set(ContextKeyCaller, p)
		c.Next()
	}
}

// RequireCaller rejects requests without a caller principal.
func RequireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetCaller(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Caller principal required. Include the 'X-Caller-Principal' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin checks the X-Admin-Secret header against secret in constant
// time. An empty secret disables the guarded routes.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin endpoints are disabled. Set ADMIN_SECRET to enable them.",
			})
			return
		}
		got := c.GetHeader(HeaderAdminSecret)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret.",
			})
			return
		}
		c.Next()
	}
}

// GetCaller returns the caller principal from context.
func GetCaller(c *gin.Context) (string, bool) {
	v, exists := c.Get(ContextKeyCaller)
	if !exists {
		return "", false
	}
	p, ok := v.(string)
	return p, ok && p != ""
}
