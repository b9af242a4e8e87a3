package http

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"rimg/internal/shared/logging"
)

const logIDKey = "log_id"

func resolveLogID(r *http.Request) string {
	if r == nil {
		return ""
	}
	for _, header := range []string{"X-Log-Id", "X-Request-Id", "X-Correlation-Id"} {
		if value := strings.TrimSpace(r.Header.Get(header)); value != "" {
			return value
		}
	}
	return ""
}

// LoggingMiddleware tags every request with a log id and logs it once the
// handler chain has run.
func LoggingMiddleware(logger logging.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		logID := resolveLogID(c.Request)
		if logID == "" {
			logID = uuid.NewString()
		}
		c.Header("X-Log-Id", logID)
		c.Set(logIDKey, logID)

		start := time.Now()
		c.Next()

		path := c.Request.Header.Get("X-Original-Path")
		if path == "" {
			path = c.Request.URL.Path
		}
		reqLogger := logging.WithLogID(logger, logID)
		if path == "/healthz" || path == "/metrics" {
			reqLogger.Debug("%s %s from %s", c.Request.Method, path, c.ClientIP())
			return
		}
		reqLogger.Info("%s %s from %s: %d in %s", c.Request.Method, path, c.ClientIP(), c.Writer.Status(), time.Since(start))
	}
}

// requestLogger returns logger scoped to the current request's log id.
func requestLogger(c *gin.Context, logger logging.Logger) logging.Logger {
	return logging.WithLogID(logger, c.GetString(logIDKey))
}

func requireBearer(token string) gin.HandlerFunc {
	expected := []byte("Bearer " + token)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader("Authorization"))
		if subtle.ConstantTimeCompare(got, expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
