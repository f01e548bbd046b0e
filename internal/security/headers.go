// Package security provides response hardening middleware for the sale API.
package security

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeadersMiddleware adds security headers to all responses. The service only
// serves JSON and WebSocket traffic, so the content policy forbids everything.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// allowedHeaders lists the request headers browsers may send cross-origin.
// The admin secret is deliberately absent.
var allowedHeaders = strings.Join([]string{
	"Content-Type",
	"X-Request-ID",
	"X-Caller-Principal",
}, ", ")

// CORSMiddleware answers cross-origin requests from allowedOrigins. "*"
// allows any origin; an empty list disables CORS entirely.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	wildcard := slices.Contains(allowedOrigins, "*")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		allowed := origin != "" && (wildcard || slices.Contains(allowedOrigins, origin))

		if allowed {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", allowedHeaders)
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			if !allowed {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
