package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"physics-pipeline/internal/shared/telemetry"
)

// Logging emits a structured log per request. Polling endpoints log at debug.
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		fields := map[string]any{
			"request_id":  RequestIDFromContext(c),
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": float64(latency.Microseconds()) / 1000.0,
			"client_ip":   c.ClientIP(),
		}
		if runID := c.GetString("runId"); runID != "" {
			fields["run_id"] = runID
		}
		if c.Writer.Status() < 400 && isPolling(c.Request.URL.Path) {
			telemetry.Debug("request.complete", fields)
			return
		}
		telemetry.Info("request.complete", fields)
	}
}

func isPolling(path string) bool {
	return path == "/metrics" || strings.HasSuffix(path, "/progress") || strings.HasSuffix(path, "/health")
}
