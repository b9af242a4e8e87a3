package http

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"rimg/internal/derivative/generate"
)

// mapDerivativeError converts delivery errors into HTTP status codes and
// plain-text messages.
func mapDerivativeError(err error) (status int, message string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, generate.ErrValidation):
		return http.StatusNotFound, "Not found."
	case errors.Is(err, generate.ErrSourceMissing):
		return http.StatusNotFound, "Error generating image, missing source file."
	case errors.Is(err, generate.ErrDenied):
		return http.StatusForbidden, "Access denied."
	case errors.Is(err, generate.ErrLockBusy):
		return http.StatusServiceUnavailable, "Image generation in progress. Try again shortly."
	default:
		return http.StatusInternalServerError, "Error generating image."
	}
}

func writeDerivativeError(c *gin.Context, err error) {
	status, message := mapDerivativeError(err)
	if wait, ok := generate.RetryAfter(err); ok {
		c.Header("Retry-After", strconv.Itoa(retrySeconds(wait)))
	}
	c.Header("Cache-Control", "no-store")
	c.String(status, message)
}

func retrySeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
