package llm

import (
	"strings"

	"github.com/google/uuid"
)

// Config carries the connection settings for a single provider. API keys
// are resolved by the caller before a client is constructed; clients never
// read the environment themselves.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout int // seconds, 0 means the client default
	Headers map[string]string
}

const defaultTimeoutSeconds = 120

func (c Config) timeoutSeconds() int {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultTimeoutSeconds
}

// newRequestID returns a short id used to correlate log lines for one
// completion round trip.
func newRequestID() string {
	id := uuid.NewString()
	return strings.ReplaceAll(id, "-", "")[:8]
}

// requestIDFromMetadata prefers an id handed down by the caller so that a
// whole turn shares one correlation id across retries and providers.
func requestIDFromMetadata(metadata map[string]any) string {
	if metadata != nil {
		if v, ok := metadata["request_id"].(string); ok && v != "" {
			return v
		}
	}
	return newRequestID()
}
