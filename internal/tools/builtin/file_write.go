package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
)

type fileWrite struct {
	root string
}

// NewFileWrite writes or appends files inside the workspace. Dry runs
// preview the change as a unified diff.
func NewFileWrite(cfg Config) ports.ToolExecutor {
	return &fileWrite{root: cfg.WorkspaceRoot}
}

func (t *fileWrite) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	target, content, appendMode, err := t.resolve(call)
	if err != nil {
		return &ports.ToolResult{CallID: call.ID, Error: err}, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &ports.ToolResult{CallID: call.ID, Error: err}, nil
	}

	mode := "write"
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if appendMode {
		mode = "append"
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := os.OpenFile(target, flags, 0o644)
	if err != nil {
		return &ports.ToolResult{CallID: call.ID, Error: err}, nil
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return &ports.ToolResult{CallID: call.ID, Error: err}, nil
	}
	if err := f.Close(); err != nil {
		return &ports.ToolResult{CallID: call.ID, Error: err}, nil
	}

	rel, _ := filepath.Rel(t.root, target)
	return &ports.ToolResult{
		CallID: call.ID,
		Content: jsonContent(map[string]any{
			"path":          rel,
			"bytes_written": len(content),
			"mode":          mode,
		}),
		Metadata: map[string]any{"bytes_written": len(content)},
	}, nil
}

// Preview renders the change a real run would make as a unified diff
// without touching the file.
func (t *fileWrite) Preview(ctx context.Context, call ports.ToolCall) (string, error) {
	target, content, appendMode, err := t.resolve(call)
	if err != nil {
		return "", err
	}

	old := ""
	if data, err := os.ReadFile(target); err == nil {
		old = string(data)
	} else if !os.IsNotExist(err) {
		return "", err
	}

	updated := content
	if appendMode {
		updated = old + content
	}
	if updated == old {
		return "no changes", nil
	}

	// Line-mode diff, rendered as +/- lines. Character-level patches are
	// unreadable for config and source files.
	dmp := diffmatchpatch.New()
	fromChars, toChars, lineTable := dmp.DiffLinesToChars(old, updated)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(fromChars, toChars, false), lineTable)

	var b strings.Builder
	fmt.Fprintf(&b, "@@ -1,%d +1,%d @@\n", lineCount(old), lineCount(updated))
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		}
		for _, line := range diffLines(d.Text) {
			b.WriteString(prefix)
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

func diffLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

func (t *fileWrite) resolve(call ports.ToolCall) (target, content string, appendMode bool, err error) {
	path, ok := stringArg(call.Arguments, "path")
	if !ok {
		return "", "", false, errors.NewValidationError("path", "missing 'path'")
	}
	content, ok = stringArg(call.Arguments, "content")
	if !ok {
		return "", "", false, errors.NewValidationError("content", "missing 'content'")
	}
	target, err = resolveWorkspacePath(t.root, path)
	if err != nil {
		return "", "", false, err
	}
	return target, content, boolArg(call.Arguments, "append"), nil
}

func (t *fileWrite) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "file_write",
		Description: "Write or append content to a file in the agent workspace. Parent directories are created as needed.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"path":    {Type: "string", Description: "File path relative to the workspace"},
				"content": {Type: "string", Description: "Content to write"},
				"append":  {Type: "boolean", Description: "Append instead of overwrite"},
			},
			Required: []string{"path", "content"},
		},
	}
}

func (t *fileWrite) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{
		Name:                "file_write",
		DisplayName:         "File Write",
		Version:             "1.0.0",
		Category:            "filesystem",
		Tags:                []string{"files", "write"},
		PrivacyTier:         ports.PrivacyLocal,
		SandboxTier:         ports.SandboxInProcess,
		Dangerous:           true,
		EstimatedDurationMS: 500,
		Enabled:             true,
	}
}
