package httpmw

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/previewd/previewd/internal/common/token"
)

// APISecretHeader carries the shared secret on management API calls.
const APISecretHeader = "X-API-Secret"

// RequireAPISecret rejects requests that do not carry the shared API secret.
// When no secret is configured the middleware is a pass-through, which keeps
// local development working without extra setup.
func RequireAPISecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		supplied := c.GetHeader(APISecretHeader)
		if supplied == "" || !token.Equal(supplied, secret) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing API secret"})
			return
		}
		c.Next()
	}
}

// CORS allows browser clients on other origins to call the management API.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, "+APISecretHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
