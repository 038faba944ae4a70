package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"neuron/internal/errors"
)

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.IsValidation(err):
		return http.StatusBadRequest
	case errors.IsPermission(err):
		return http.StatusForbidden
	case errors.IsRateLimit(err):
		return http.StatusTooManyRequests
	case errors.IsTimeout(err):
		return http.StatusRequestTimeout
	case errors.IsProvider(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorKind names the taxonomy bucket in API payloads.
func errorKind(err error) string {
	switch {
	case errors.IsValidation(err):
		return "validation"
	case errors.IsPermission(err):
		return "permission"
	case errors.IsRateLimit(err):
		return "rate_limit"
	case errors.IsTimeout(err):
		return "timeout"
	case errors.IsProvider(err):
		return "provider"
	case errors.IsConfig(err):
		return "configuration"
	default:
		return "internal"
	}
}

func errorBody(err error) gin.H {
	detail := gin.H{
		"type":    errorKind(err),
		"message": err.Error(),
	}
	if rle, ok := errors.AsRateLimit(err); ok && rle.RetryAfter > 0 {
		detail["retry_after_seconds"] = int(rle.RetryAfter.Seconds())
	}
	return gin.H{"error": detail}
}

func setRetryAfter(c *gin.Context, err error) {
	if rle, ok := errors.AsRateLimit(err); ok && rle.RetryAfter > 0 {
		seconds := int(rle.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
	}
}

// fail writes the standard error payload for err.
func (s *Server) fail(c *gin.Context, err error) {
	setRetryAfter(c, err)
	c.JSON(statusFor(err), errorBody(err))
}
