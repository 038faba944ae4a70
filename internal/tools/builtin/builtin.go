// Package builtin provides the standard tool family: workspace-confined file
// access, allow-listed shell execution, SSH remote execution, and HTTP
// requests. Every tool reports user-level failures through the result's
// Error field and reserves Go errors for infrastructure problems.
package builtin

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
	"neuron/internal/jsonx"
)

// Config carries the shared settings for the built-in tools.
type Config struct {
	// WorkspaceRoot confines every file tool. Relative paths resolve under
	// it and nothing escapes it.
	WorkspaceRoot string

	// HTTPClient overrides the web_request transport. Nil uses a default.
	HTTPClient *http.Client
}

// All returns the static registration table of built-in tools.
func All(cfg Config) []ports.ToolExecutor {
	return []ports.ToolExecutor{
		NewFileRead(cfg),
		NewFileWrite(cfg),
		NewFileList(cfg),
		NewShellExec(cfg),
		NewSSHExec(),
		NewWebRequest(cfg),
	}
}

// resolveWorkspacePath joins raw onto the workspace root and confines the
// result to it. Symlinks resolve before the containment check, so a link
// inside the workspace pointing outside it is an escape. Traversal out of
// the root is a validation error.
func resolveWorkspacePath(root, raw string) (string, error) {
	if raw == "" {
		return "", errors.NewValidationError("path", "path is required")
	}
	if root == "" {
		return "", errors.NewConfigError("workspace_root", "workspace root is not configured")
	}

	root = filepath.Clean(root)
	target := raw
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target = filepath.Clean(target)

	resolvedRoot, err := resolveExisting(root)
	if err != nil {
		return "", errors.NewConfigError("workspace_root", "cannot resolve workspace root: %v", err)
	}
	resolved, err := resolveExisting(target)
	if err != nil {
		return "", errors.NewValidationError("path", "cannot resolve %q: %v", raw, err)
	}

	rel, err := filepath.Rel(resolvedRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.NewValidationError("path", "path %q escapes the workspace", raw)
	}
	// Re-anchor at the configured root: rel is symlink-free, so the result
	// cannot point outside even when the root itself is a symlink.
	return filepath.Join(root, rel), nil
}

// resolveExisting follows symlinks in the longest existing prefix of path
// and rejoins the rest, so paths about to be created still resolve.
func resolveExisting(path string) (string, error) {
	suffix := ""
	for {
		resolved, err := filepath.EvalSymlinks(path)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(path)
		if parent == path {
			return "", err
		}
		suffix = filepath.Join(filepath.Base(path), suffix)
		path = parent
	}
}

// jsonContent marshals a tool payload for the result's Content field.
func jsonContent(payload map[string]any) string {
	raw, err := jsonx.Marshal(payload)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func numberArg(args map[string]any, key string) (float64, bool) {
	switch n := args[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
