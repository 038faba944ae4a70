package ports

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// PrivacyTier orders how far a tool or agent is allowed to send data.
// An agent at tier T uses only tools at tier <= T.
type PrivacyTier int

const (
	PrivacyLocal        PrivacyTier = 0
	PrivacyPrivateCloud PrivacyTier = 1
	PrivacyPublicAPI    PrivacyTier = 2
)

func (t PrivacyTier) String() string {
	switch t {
	case PrivacyLocal:
		return "local"
	case PrivacyPrivateCloud:
		return "private_cloud"
	case PrivacyPublicAPI:
		return "public_api"
	default:
		return "unknown"
	}
}

// SandboxTier selects the execution isolation level for a tool.
type SandboxTier int

const (
	SandboxInProcess SandboxTier = 0
	SandboxIsolated  SandboxTier = 1
	SandboxRemote    SandboxTier = 2
)

// ToolExecutor executes a single tool call.
type ToolExecutor interface {
	// Execute runs the tool with given arguments. User-level failures go in
	// ToolResult.Error; a non-nil Go error means the runtime itself failed.
	Execute(ctx context.Context, call ToolCall) (*ToolResult, error)

	// Definition returns the tool's schema for the model.
	Definition() ToolDefinition

	// Metadata returns registration metadata.
	Metadata() ToolMetadata
}

// ToolCall represents a request to execute a tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the execution result.
type ToolResult struct {
	CallID   string         `json:"call_id"`
	Content  string         `json:"content"`
	Error    error          `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MarshalJSON customizes ToolResult encoding to support the error interface.
func (r ToolResult) MarshalJSON() ([]byte, error) {
	type alias struct {
		CallID   string         `json:"call_id"`
		Content  string         `json:"content"`
		Error    any            `json:"error,omitempty"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	a := alias{
		CallID:   r.CallID,
		Content:  r.Content,
		Metadata: r.Metadata,
	}
	if r.Error != nil {
		a.Error = r.Error.Error()
	}
	return json.Marshal(a)
}

// UnmarshalJSON accepts both string and object error representations.
func (r *ToolResult) UnmarshalJSON(data []byte) error {
	type alias struct {
		CallID   string          `json:"call_id"`
		Content  string          `json:"content"`
		Error    json.RawMessage `json:"error"`
		Metadata map[string]any  `json:"metadata,omitempty"`
	}

	var aux alias
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	r.CallID = aux.CallID
	r.Content = aux.Content
	r.Metadata = aux.Metadata
	r.Error = nil

	raw := strings.TrimSpace(string(aux.Error))
	if raw == "" || raw == "null" {
		return nil
	}

	var errStr string
	if err := json.Unmarshal(aux.Error, &errStr); err == nil {
		if errStr != "" {
			r.Error = errors.New(errStr)
		}
		return nil
	}

	var errObj map[string]any
	if err := json.Unmarshal(aux.Error, &errObj); err == nil {
		if msg, ok := errObj["message"].(string); ok && msg != "" {
			r.Error = errors.New(msg)
			return nil
		}
	}

	r.Error = errors.New(raw)
	return nil
}

// ToolDefinition describes a tool for the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  ParameterSchema `json:"parameters"`
}

// ToolMetadata carries everything the registry, ledger, and executor need to
// govern a tool beyond its model-facing definition.
type ToolMetadata struct {
	Name                 string           `json:"name"`
	DisplayName          string           `json:"display_name,omitempty"`
	Version              string           `json:"version"`
	Category             string           `json:"category"`
	Tags                 []string         `json:"tags,omitempty"`
	OutputSchema         *ParameterSchema `json:"output_schema,omitempty"`
	PrivacyTier          PrivacyTier      `json:"privacy_tier"`
	Dangerous            bool             `json:"dangerous"`
	RequiresConfirmation bool             `json:"requires_confirmation"`
	SandboxTier          SandboxTier      `json:"sandbox_tier"`
	EstimatedDurationMS  int              `json:"estimated_duration_ms,omitempty"`
	EstimatedMemoryMB    int              `json:"estimated_memory_mb,omitempty"`
	RatePerMinute        int              `json:"rate_per_minute,omitempty"`
	RatePerHour          int              `json:"rate_per_hour,omitempty"`
	MaxConcurrent        int              `json:"max_concurrent,omitempty"`
	Enabled              bool             `json:"enabled"`
	Deprecated           bool             `json:"deprecated,omitempty"`
}

// ParameterSchema defines tool parameters (JSON Schema format).
type ParameterSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property defines a single parameter.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Enum        []any    `json:"enum,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
}
