package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-relay/internal/auth"
)

// UsernameKey is the gin context key holding the verified identity.
const UsernameKey = "username"

// AuthMiddleware validates the bearer token and binds the username to the request.
func AuthMiddleware(tokens *auth.Tokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c.GetHeader("Authorization"), "")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		username, err := tokens.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(UsernameKey, username)
		c.Next()
	}
}
