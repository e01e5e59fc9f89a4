package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/troikatech/voicebridge/pkg/auth"
	"github.com/troikatech/voicebridge/pkg/errors"
)

// AuthMiddleware validates a bearer JWT and stores its claims in the gin
// context. Used in front of the control-plane REST surface (§6).
func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			errors.Unauthorized(c, "authorization header required")
			c.Abort()
			return
		}

		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
			errors.Unauthorized(c, "invalid authorization format")
			c.Abort()
			return
		}

		claims, err := auth.ParseToken(bearerToken[1], jwtSecret)
		if err != nil {
			errors.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}

		c.Set("subject", claims.Subject)
		c.Set("scopes", claims.Scopes)
		c.Next()
	}
}

// ScopeMiddleware requires the authenticated token to carry one of the
// allowed scopes.
func ScopeMiddleware(allowedScopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, exists := c.Get("scopes")
		if !exists {
			errors.Forbidden(c, "scopes not found in token")
			c.Abort()
			return
		}

		scopes, _ := raw.([]string)
		for _, have := range scopes {
			for _, allowed := range allowedScopes {
				if have == allowed {
					c.Next()
					return
				}
			}
		}

		errors.Forbidden(c, "insufficient scope")
		c.Abort()
	}
}
