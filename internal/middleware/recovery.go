package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"voicecall-backend/pkg/logger"
	"voicecall-backend/pkg/response"
)

// Recovery recovers from panics and returns 500 error
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.FromContext(c.Request.Context()).Error("Panic while serving request",
					zap.Any("panic", err),
					zap.String("path", c.Request.URL.Path),
					zap.ByteString("stack", debug.Stack()))

				response.InternalError(c, "Internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// HealthCheck answers /health before any other middleware runs. ready reports
// dependency health; a nil ready always reports healthy.
func HealthCheck(serviceName string, ready func() map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path != "/health" {
			c.Next()
			return
		}

		status := "healthy"
		var deps map[string]string
		if ready != nil {
			deps = ready()
			for _, state := range deps {
				if state != "ok" {
					status = "degraded"
				}
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status":       status,
			"service":      serviceName,
			"dependencies": deps,
		})
		c.Abort()
	}
}
