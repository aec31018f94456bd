package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"voicecall-backend/pkg/jwt"
	"voicecall-backend/pkg/logger"
	"voicecall-backend/pkg/response"
)

// AuthMiddleware creates a Gin middleware that validates JWT tokens.
// It accepts "Authorization: Bearer <token>" and, for WebSocket upgrades
// where browsers cannot set headers, an access_token query parameter.
// If valid, it sets user_id and username in the Gin context.
func AuthMiddleware(jwtManager *jwt.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		// Audience and issuer are checked by ValidateToken
		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			logger.FromContext(c.Request.Context()).Debug("Rejected access token", zap.Error(err))
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if token := c.Query("access_token"); token != "" && c.GetHeader("Upgrade") == "websocket" {
			return token, true
		}
		return "", false
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
