package builtin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
	"neuron/internal/jsonx"
	"neuron/internal/tools"
)

var _ tools.Previewer = (*fileWrite)(nil)

// decodeContent fails the test on a tool-level error and returns the decoded
// payload otherwise.
func decodeContent(t *testing.T, res *ports.ToolResult) map[string]any {
	t.Helper()
	if res.Error != nil {
		t.Fatalf("unexpected tool error: %v", res.Error)
	}
	payload := map[string]any{}
	if err := jsonx.Unmarshal([]byte(res.Content), &payload); err != nil {
		t.Fatalf("decode content %q: %v", res.Content, err)
	}
	return payload
}

// workspaceRoot returns a symlink-free temp dir so resolved paths compare
// cleanly against it.
func workspaceRoot(t *testing.T) string {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return root
}

func TestResolveWorkspacePath(t *testing.T) {
	t.Parallel()
	root := workspaceRoot(t)

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative inside", "notes/today.md", false},
		{"current dir", ".", false},
		{"cleans to inside", "notes/../today.md", false},
		{"traversal", "../../etc/passwd", true},
		{"bare parent", "..", true},
		{"empty", "", true},
		{"absolute outside", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := resolveWorkspacePath(root, tt.path)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("resolveWorkspacePath(%q) = %q, want error", tt.path, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveWorkspacePath(%q): %v", tt.path, err)
			}
			if !strings.HasPrefix(got, root) {
				t.Fatalf("resolved path %q left the workspace %q", got, root)
			}
		})
	}
}

func TestResolveWorkspacePathAbsoluteInside(t *testing.T) {
	t.Parallel()
	root := workspaceRoot(t)
	want := filepath.Join(root, "data.txt")

	got, err := resolveWorkspacePath(root, want)
	if err != nil {
		t.Fatalf("resolveWorkspacePath: %v", err)
	}
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestResolveWorkspacePathSymlinkEscape(t *testing.T) {
	t.Parallel()
	root := workspaceRoot(t)
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0o600); err != nil {
		t.Fatal(err)
	}

	// A directory symlink inside the workspace pointing out of it.
	if err := os.Symlink(outside, filepath.Join(root, "escape")); err != nil {
		t.Fatal(err)
	}
	if got, err := resolveWorkspacePath(root, "escape/secret.txt"); err == nil {
		t.Fatalf("symlinked directory escaped the workspace: %q", got)
	}
	// A new file under the symlinked directory must not escape either.
	if got, err := resolveWorkspacePath(root, "escape/new.txt"); err == nil {
		t.Fatalf("write through symlinked directory escaped the workspace: %q", got)
	}

	// A file symlink pointing out of the workspace.
	if err := os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "alias.txt")); err != nil {
		t.Fatal(err)
	}
	if got, err := resolveWorkspacePath(root, "alias.txt"); err == nil {
		t.Fatalf("symlinked file escaped the workspace: %q", got)
	}

	// A symlink staying inside the workspace still resolves.
	if err := os.MkdirAll(filepath.Join(root, "real"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "inside")); err != nil {
		t.Fatal(err)
	}
	got, err := resolveWorkspacePath(root, "inside/notes.md")
	if err != nil {
		t.Fatalf("in-workspace symlink rejected: %v", err)
	}
	if want := filepath.Join(root, "real", "notes.md"); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestResolveWorkspacePathUnconfigured(t *testing.T) {
	t.Parallel()
	if _, err := resolveWorkspacePath("", "notes.md"); err == nil {
		t.Fatal("expected error with no workspace root")
	}
}

func TestFileToolsRefuseEscape(t *testing.T) {
	t.Parallel()
	cfg := Config{WorkspaceRoot: t.TempDir()}

	tests := []struct {
		name string
		tool ports.ToolExecutor
		args map[string]any
	}{
		{"read", NewFileRead(cfg), map[string]any{"path": "../../etc/passwd"}},
		{"write", NewFileWrite(cfg), map[string]any{"path": "../../etc/passwd", "content": "x"}},
		{"list", NewFileList(cfg), map[string]any{"path": "../.."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := tt.tool.Execute(context.Background(), ports.ToolCall{ID: "c1", Arguments: tt.args})
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.Error == nil {
				t.Fatal("expected an escape refusal")
			}
			if !errors.IsValidation(res.Error) {
				t.Fatalf("error %v is not a validation error", res.Error)
			}
		})
	}
}

func TestFileWriteReadRoundtrip(t *testing.T) {
	t.Parallel()
	cfg := Config{WorkspaceRoot: t.TempDir()}
	write := NewFileWrite(cfg)
	read := NewFileRead(cfg)
	ctx := context.Background()
	const content = "standup at ten\n"

	res, err := write.Execute(ctx, ports.ToolCall{ID: "w1", Name: "file_write", Arguments: map[string]any{
		"path":    "notes/today.md",
		"content": content,
	}})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	payload := decodeContent(t, res)
	if payload["path"] != "notes/today.md" {
		t.Errorf("path = %v", payload["path"])
	}
	if payload["mode"] != "write" {
		t.Errorf("mode = %v", payload["mode"])
	}

	res, err = read.Execute(ctx, ports.ToolCall{ID: "r1", Name: "file_read", Arguments: map[string]any{
		"path": "notes/today.md",
	}})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	payload = decodeContent(t, res)
	if payload["content"] != content {
		t.Errorf("content = %q, want %q", payload["content"], content)
	}
	if got := payload["size_bytes"].(float64); got != float64(len(content)) {
		t.Errorf("size_bytes = %v, want %d", got, len(content))
	}
}

func TestFileWriteAppend(t *testing.T) {
	t.Parallel()
	cfg := Config{WorkspaceRoot: t.TempDir()}
	write := NewFileWrite(cfg)
	ctx := context.Background()

	if _, err := write.Execute(ctx, ports.ToolCall{ID: "w1", Arguments: map[string]any{
		"path": "log.txt", "content": "one\n",
	}}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	res, err := write.Execute(ctx, ports.ToolCall{ID: "w2", Arguments: map[string]any{
		"path": "log.txt", "content": "two\n", "append": true,
	}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if payload := decodeContent(t, res); payload["mode"] != "append" {
		t.Errorf("mode = %v", payload["mode"])
	}

	data, err := os.ReadFile(filepath.Join(cfg.WorkspaceRoot, "log.txt"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "one\ntwo\n" {
		t.Errorf("file = %q", data)
	}
}

func TestFileReadMissing(t *testing.T) {
	t.Parallel()
	read := NewFileRead(Config{WorkspaceRoot: t.TempDir()})

	res, err := read.Execute(context.Background(), ports.ToolCall{ID: "r1", Arguments: map[string]any{
		"path": "never-written.md",
	}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !errors.IsValidation(res.Error) {
		t.Fatalf("error %v is not a validation error", res.Error)
	}
}

func TestFileList(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("aaa"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	list := NewFileList(Config{WorkspaceRoot: root})
	res, err := list.Execute(context.Background(), ports.ToolCall{ID: "l1", Arguments: map[string]any{}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	payload := decodeContent(t, res)
	if got := payload["count"].(float64); got != 2 {
		t.Fatalf("count = %v, want 2", got)
	}

	kinds := map[string]string{}
	for _, raw := range payload["files"].([]any) {
		entry := raw.(map[string]any)
		kinds[entry["name"].(string)] = entry["type"].(string)
	}
	if kinds["a.txt"] != "file" {
		t.Errorf("a.txt type = %q", kinds["a.txt"])
	}
	if kinds["sub"] != "directory" {
		t.Errorf("sub type = %q", kinds["sub"])
	}
}

func TestFileListMissingDirectory(t *testing.T) {
	t.Parallel()
	list := NewFileList(Config{WorkspaceRoot: t.TempDir()})

	res, err := list.Execute(context.Background(), ports.ToolCall{ID: "l1", Arguments: map[string]any{
		"path": "no-such-dir",
	}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !errors.IsValidation(res.Error) {
		t.Fatalf("error %v is not a validation error", res.Error)
	}
}

func TestFileWritePreviewDiff(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "config.yaml"), []byte("retries: alpha\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	write := NewFileWrite(Config{WorkspaceRoot: root}).(*fileWrite)

	diff, err := write.Preview(context.Background(), ports.ToolCall{ID: "p1", Arguments: map[string]any{
		"path": "config.yaml", "content": "retries: beta\n",
	}})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if !strings.Contains(diff, "@@") {
		t.Errorf("diff has no hunk header: %q", diff)
	}
	if !strings.Contains(diff, "-retries: alpha") {
		t.Errorf("diff does not show the removed line: %q", diff)
	}
	if !strings.Contains(diff, "+retries: beta") {
		t.Errorf("diff does not show the added line: %q", diff)
	}

	data, err := os.ReadFile(filepath.Join(root, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "retries: alpha\n" {
		t.Errorf("preview modified the file: %q", data)
	}
}

func TestFileWritePreviewNoChange(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "same.txt"), []byte("stable\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	write := NewFileWrite(Config{WorkspaceRoot: root}).(*fileWrite)

	diff, err := write.Preview(context.Background(), ports.ToolCall{ID: "p1", Arguments: map[string]any{
		"path": "same.txt", "content": "stable\n",
	}})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if diff != "no changes" {
		t.Errorf("diff = %q, want %q", diff, "no changes")
	}
}
