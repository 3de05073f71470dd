package httpmw

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/previewd/previewd/internal/common/logger"
)

// RequestLogger logs each request after the handler completes. Only the
// path is logged, never the query string: preview URLs carry access tokens
// as query parameters. Probe endpoints are skipped entirely.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/health" || path == "/ready" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("client", c.ClientIP()),
		}

		switch {
		case status >= 500:
			log.Error("http", fields...)
		case strings.HasPrefix(path, "/preview/"):
			// The proxy hot path stays out of info-level logs.
			log.Debug("http", fields...)
		default:
			log.Info("http", fields...)
		}
	}
}
