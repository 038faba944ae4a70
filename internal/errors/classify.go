package errors

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// IsTransient reports whether an error is worth retrying. Only infrastructure
// acquisition paths (sandbox create, embedding batches) consult it; domain
// failures classify permanent so they surface on the first attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Domain errors are never transient.
	if IsValidation(err) || IsPermission(err) || IsConfig(err) || IsTimeout(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var provider *ProviderError
	if errors.As(err, &provider) {
		return isTransientHTTPStatus(provider.StatusCode)
	}
	if IsRateLimit(err) {
		return true
	}

	if isNetworkError(err) || isSyscallError(err) {
		return true
	}

	return false
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func isSyscallError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

func isTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
