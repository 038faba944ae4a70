package builtin

import (
	"context"
	"os"
	"path/filepath"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
)

type fileRead struct {
	root string
}

// NewFileRead reads files inside the workspace.
func NewFileRead(cfg Config) ports.ToolExecutor {
	return &fileRead{root: cfg.WorkspaceRoot}
}

func (t *fileRead) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	path, ok := stringArg(call.Arguments, "path")
	if !ok {
		return &ports.ToolResult{CallID: call.ID, Error: errors.NewValidationError("path", "missing 'path'")}, nil
	}

	target, err := resolveWorkspacePath(t.root, path)
	if err != nil {
		return &ports.ToolResult{CallID: call.ID, Error: err}, nil
	}

	data, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return &ports.ToolResult{CallID: call.ID, Error: errors.NewValidationError("path", "file not found: %s", path)}, nil
		}
		return &ports.ToolResult{CallID: call.ID, Error: err}, nil
	}

	rel, _ := filepath.Rel(t.root, target)
	return &ports.ToolResult{
		CallID: call.ID,
		Content: jsonContent(map[string]any{
			"path":       rel,
			"content":    string(data),
			"size_bytes": len(data),
		}),
		Metadata: map[string]any{"size_bytes": len(data)},
	}, nil
}

func (t *fileRead) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "file_read",
		Description: "Read a file from the agent workspace. Paths are relative to the workspace root.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"path": {Type: "string", Description: "File path relative to the workspace (e.g. 'reports/analysis.md')"},
			},
			Required: []string{"path"},
		},
	}
}

func (t *fileRead) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{
		Name:                "file_read",
		DisplayName:         "File Read",
		Version:             "1.0.0",
		Category:            "filesystem",
		Tags:                []string{"files", "read"},
		PrivacyTier:         ports.PrivacyLocal,
		SandboxTier:         ports.SandboxInProcess,
		EstimatedDurationMS: 500,
		Enabled:             true,
	}
}
