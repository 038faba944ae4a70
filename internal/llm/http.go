package llm

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"neuron/internal/errors"
	"neuron/internal/jsonx"
)

// errorEnvelope covers the error bodies the supported providers return.
// OpenAI-compatible servers nest an object, Ollama returns a bare string.
type errorEnvelope struct {
	Error jsonx.RawMessage `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// extractErrorMessage digs the human-readable message out of an error
// response body, falling back to the raw body when the shape is unknown.
func extractErrorMessage(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	var envelope errorEnvelope
	if err := jsonx.Unmarshal(body, &envelope); err == nil && len(envelope.Error) > 0 {
		var detail errorDetail
		if err := jsonx.Unmarshal(envelope.Error, &detail); err == nil && detail.Message != "" {
			return detail.Message
		}
		var message string
		if err := jsonx.Unmarshal(envelope.Error, &message); err == nil && message != "" {
			return message
		}
	}

	const maxErrorBody = 512
	if len(trimmed) > maxErrorBody {
		trimmed = trimmed[:maxErrorBody]
	}
	return trimmed
}

// mapHTTPError converts a non-2xx provider response into a ProviderError.
// The status code is preserved so callers can tell transient failures
// (429, 5xx) from permanent ones.
func mapHTTPError(provider, model string, statusCode int, body []byte, header http.Header) error {
	message := extractErrorMessage(body)
	if message == "" {
		message = http.StatusText(statusCode)
	}
	if retryAfter := header.Get("Retry-After"); retryAfter != "" {
		message = fmt.Sprintf("%s (retry after %ss)", message, retryAfter)
	}
	return &errors.ProviderError{
		Provider:   provider,
		Model:      model,
		StatusCode: statusCode,
		Message:    message,
	}
}

// wrapRequestError classifies transport-level failures. Context
// cancellation passes through untouched so callers can distinguish a
// user abort from a provider fault.
func wrapRequestError(provider, model string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &errors.ProviderError{
		Provider: provider,
		Model:    model,
		Message:  err.Error(),
		Err:      err,
	}
}
