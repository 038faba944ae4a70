package errors

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports malformed input: unknown tools, schema violations,
// blocked parameters, unsafe paths. Never retried.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %q: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError creates a validation error scoped to a field or parameter.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// PermissionError reports a missing, revoked, expired, or exhausted grant.
type PermissionError struct {
	UserID  string
	AgentID string
	Tool    string
	Reason  string
}

func (e *PermissionError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("permission denied for tool %q: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("permission denied: %s", e.Reason)
}

// NewPermissionError creates a permission error for a (user, agent, tool) triple.
func NewPermissionError(userID, agentID, tool, format string, args ...any) *PermissionError {
	return &PermissionError{
		UserID:  userID,
		AgentID: agentID,
		Tool:    tool,
		Reason:  fmt.Sprintf(format, args...),
	}
}

// RateLimitError reports a window or concurrency ceiling hit. RetryAfter is a
// hint for the caller; the runtime itself never retries on its behalf.
type RateLimitError struct {
	Tool       string
	Window     string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Window != "" {
		return fmt.Sprintf("rate limit exceeded for tool %q: %d per %s", e.Tool, e.Limit, e.Window)
	}
	return fmt.Sprintf("rate limit exceeded for tool %q", e.Tool)
}

// ProviderError reports a model-provider failure. It propagates to the caller
// unchanged; the broker and orchestrator perform no retry.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("provider %s error: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("provider %s error: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// TimeoutError reports a tool execution that exceeded its deadline. The
// executor guarantees sandbox teardown before surfacing it.
type TimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %q exceeded its %s deadline", e.Tool, e.Timeout)
}

// StageError reports a single consolidation stage failure. It is logged and
// the stage skipped; it never reaches a chat caller.
type StageError struct {
	Stage   string
	AgentID string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("consolidation stage %s failed for agent %s: %v", e.Stage, e.AgentID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ConfigError reports an invalid or incomplete configuration. Fatal at
// initialization; the owning agent enters the error state.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("configuration error in %q: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// NewConfigError creates a configuration error for a named field.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsPermission reports whether err is (or wraps) a PermissionError.
func IsPermission(err error) bool {
	var target *PermissionError
	return errors.As(err, &target)
}

// IsRateLimit reports whether err is (or wraps) a RateLimitError.
func IsRateLimit(err error) bool {
	var target *RateLimitError
	return errors.As(err, &target)
}

// AsRateLimit extracts a RateLimitError so callers can read the retry hint.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var target *RateLimitError
	ok := errors.As(err, &target)
	return target, ok
}

// IsProvider reports whether err is (or wraps) a ProviderError.
func IsProvider(err error) bool {
	var target *ProviderError
	return errors.As(err, &target)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}

// IsStage reports whether err is (or wraps) a consolidation StageError.
func IsStage(err error) bool {
	var target *StageError
	return errors.As(err, &target)
}

// IsConfig reports whether err is (or wraps) a ConfigError.
func IsConfig(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}
