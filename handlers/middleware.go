package handlers

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLogger writes one structured line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			logger.Error("request", fields...)
		case status >= 400:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}

// CORS answers preflight requests for every path and only echoes origins from allowed.
// A single "*" entry allows any origin. Requests from other origins are served without
// CORS headers, leaving enforcement to the browser.
func CORS(allowed []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	known := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			cfg.AllowAllOrigins = true
			break
		}
		known[o] = struct{}{}
	}
	if cfg.AllowAllOrigins {
		return cors.New(cfg)
	}

	cfg.AllowOrigins = allowed
	handler := cors.New(cfg)
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if _, ok := known[origin]; ok || origin == "" {
			handler(c)
			return
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
