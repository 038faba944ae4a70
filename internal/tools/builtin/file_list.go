package builtin

import (
	"context"
	"os"
	"path/filepath"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
)

type fileList struct {
	root string
}

// NewFileList lists directory entries inside the workspace.
func NewFileList(cfg Config) ports.ToolExecutor {
	return &fileList{root: cfg.WorkspaceRoot}
}

func (t *fileList) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	path, ok := stringArg(call.Arguments, "path")
	if !ok {
		path = "."
	}

	target, err := resolveWorkspacePath(t.root, path)
	if err != nil {
		return &ports.ToolResult{CallID: call.ID, Error: err}, nil
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		if os.IsNotExist(err) {
			return &ports.ToolResult{CallID: call.ID, Error: errors.NewValidationError("path", "directory not found: %s", path)}, nil
		}
		return &ports.ToolResult{CallID: call.ID, Error: err}, nil
	}

	files := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		item := map[string]any{"name": entry.Name(), "type": "file"}
		if entry.IsDir() {
			item["type"] = "directory"
		} else if info, err := entry.Info(); err == nil {
			item["size"] = info.Size()
		}
		files = append(files, item)
	}

	rel, _ := filepath.Rel(t.root, target)
	return &ports.ToolResult{
		CallID: call.ID,
		Content: jsonContent(map[string]any{
			"path":  rel,
			"files": files,
			"count": len(files),
		}),
		Metadata: map[string]any{"count": len(files)},
	}, nil
}

func (t *fileList) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "file_list",
		Description: "List directory entries in the agent workspace.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"path": {Type: "string", Description: "Directory path relative to the workspace (default '.')"},
			},
		},
	}
}

func (t *fileList) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{
		Name:                "file_list",
		DisplayName:         "File List",
		Version:             "1.0.0",
		Category:            "filesystem",
		Tags:                []string{"files", "read"},
		PrivacyTier:         ports.PrivacyLocal,
		SandboxTier:         ports.SandboxInProcess,
		EstimatedDurationMS: 500,
		Enabled:             true,
	}
}
