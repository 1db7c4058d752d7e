package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Origins is a parsed CORS_ALLOWED_ORIGINS value. Empty or "*" allows every origin.
type Origins map[string]bool

// ParseOrigins parses "*" or a comma-separated list (e.g. "http://localhost:3000,http://localhost:3001").
func ParseOrigins(s string) Origins {
	m := make(Origins)
	for _, o := range strings.Split(strings.TrimSpace(s), ",") {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			m[o] = true
		}
	}
	return m
}

func (o Origins) wildcard() bool { return len(o) == 0 || o["*"] }

// Allows reports whether a request from origin may proceed. Requests without an Origin header
// (kiosk agents, server-to-server) are always allowed.
func (o Origins) Allows(origin string) bool {
	return origin == "" || o.wildcard() || o[origin]
}

// CORS returns a middleware that sets CORS headers for cross-origin requests. Preflights from
// origins outside the list are refused with 403.
func CORS(allowedOrigins string) gin.HandlerFunc {
	origins := ParseOrigins(allowedOrigins)
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && origins.Allows(origin) {
			if origins.wildcard() {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Max-Age", "86400")
		}
		if c.Request.Method == http.MethodOptions {
			if !origins.Allows(origin) {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
