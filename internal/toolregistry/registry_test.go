package toolregistry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
	"neuron/internal/logging"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeClock is a hand-advanced clock shared by the ledger and rate limiter
// tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{now: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubTool is a canned executor for catalog tests.
type stubTool struct {
	md   ports.ToolMetadata
	desc string
}

func (s *stubTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	return &ports.ToolResult{CallID: call.ID, Content: "ok"}, nil
}

func (s *stubTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        s.md.Name,
		Description: s.desc,
		Parameters:  ports.ParameterSchema{Type: "object", Properties: map[string]ports.Property{}},
	}
}

func (s *stubTool) Metadata() ports.ToolMetadata { return s.md }

func catalogTool(name, category, desc string, tier ports.PrivacyTier, dangerous bool, tags ...string) *stubTool {
	return &stubTool{
		md: ports.ToolMetadata{
			Name:        name,
			DisplayName: name,
			Version:     "1.0.0",
			Category:    category,
			Tags:        tags,
			PrivacyTier: tier,
			Dangerous:   dangerous,
			Enabled:     true,
		},
		desc: desc,
	}
}

func testCatalog() []ports.ToolExecutor {
	return []ports.ToolExecutor{
		catalogTool("file_read", "filesystem", "Read a file from the agent workspace", ports.PrivacyLocal, false, "files", "read"),
		catalogTool("file_write", "filesystem", "Write a file under the agent workspace", ports.PrivacyLocal, false, "files", "write"),
		catalogTool("shell_exec", "system", "Run an allow-listed shell command", ports.PrivacyLocal, true, "shell"),
		catalogTool("web_request", "network", "Perform an HTTP request", ports.PrivacyPublicAPI, false, "http"),
		catalogTool("ssh_exec", "network", "Run a command on a remote host over SSH", ports.PrivacyPrivateCloud, true, "shell", "remote"),
	}
}

func newTestRegistry(t *testing.T, ledger *Ledger) *Registry {
	t.Helper()
	r, err := NewRegistry(ledger, testCatalog()...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func newTestLedger(t *testing.T) (*Ledger, *fakeClock) {
	t.Helper()
	clock := newFakeClock(testStart)
	return NewLedger(NewMemoryPermissionStore(), clock, nil, logging.Nop()), clock
}

func pageNames(page *Page) []string {
	names := make([]string, 0, len(page.Items))
	for _, item := range page.Items {
		names = append(names, item.Metadata.Name)
	}
	return names
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func tierPtr(t ports.PrivacyTier) *ports.PrivacyTier { return &t }

func TestRegistryGetFailsClosed(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, nil)

	if _, err := r.Get("file_read"); err != nil {
		t.Fatalf("Get(file_read) = %v, want nil", err)
	}

	_, err := r.Get("telepathy")
	if err == nil {
		t.Fatal("expected an error for an unknown tool")
	}
	if !errors.IsValidation(err) {
		t.Fatalf("Get(telepathy) = %v, want a validation error", err)
	}
	if !strings.Contains(err.Error(), "tool not found") {
		t.Fatalf("error %q does not name the failure", err)
	}
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, nil)

	err := r.Register(catalogTool("file_read", "filesystem", "duplicate", ports.PrivacyLocal, false))
	if !errors.IsValidation(err) {
		t.Fatalf("Register(duplicate) = %v, want a validation error", err)
	}
}

func TestRegistryValidatesMetadata(t *testing.T) {
	t.Parallel()

	badSandbox := catalogTool("b", "filesystem", "x", ports.PrivacyLocal, false)
	badSandbox.md.SandboxTier = ports.SandboxTier(-1)

	cases := []struct {
		name string
		tool *stubTool
	}{
		{"empty name", catalogTool("", "filesystem", "x", ports.PrivacyLocal, false)},
		{"privacy tier out of range", catalogTool("a", "filesystem", "x", ports.PrivacyTier(7), false)},
		{"sandbox tier out of range", badSandbox},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r, err := NewRegistry(nil)
			if err != nil {
				t.Fatalf("NewRegistry: %v", err)
			}
			if err := r.Register(tc.tool); !errors.IsValidation(err) {
				t.Fatalf("Register = %v, want a validation error", err)
			}
		})
	}
}

func TestDiscoverFilters(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, nil)
	publicCaller := Caller{UserID: "user-1", AgentID: "agent-1", PrivacyTier: ports.PrivacyPublicAPI}
	localCaller := Caller{UserID: "user-1", AgentID: "agent-1", PrivacyTier: ports.PrivacyLocal}

	cases := []struct {
		name   string
		caller Caller
		filter Filter
		want   []string
	}{
		{
			name:   "default hides dangerous tools",
			caller: publicCaller,
			filter: Filter{},
			want:   []string{"file_read", "file_write", "web_request"},
		},
		{
			name:   "dangerous included on request",
			caller: publicCaller,
			filter: Filter{IncludeDangerous: true},
			want:   []string{"file_read", "file_write", "shell_exec", "web_request", "ssh_exec"},
		},
		{
			name:   "category is case-insensitive",
			caller: publicCaller,
			filter: Filter{Category: "FileSystem"},
			want:   []string{"file_read", "file_write"},
		},
		{
			name:   "free text over descriptions",
			caller: publicCaller,
			filter: Filter{Query: "workspace"},
			want:   []string{"file_read", "file_write"},
		},
		{
			name:   "free text over names",
			caller: publicCaller,
			filter: Filter{Query: "web"},
			want:   []string{"web_request"},
		},
		{
			name:   "tags match any requested tag",
			caller: publicCaller,
			filter: Filter{Tags: []string{"http", "remote"}, IncludeDangerous: true},
			want:   []string{"web_request", "ssh_exec"},
		},
		{
			name:   "local caller sees only local tools",
			caller: localCaller,
			filter: Filter{IncludeDangerous: true},
			want:   []string{"file_read", "file_write", "shell_exec"},
		},
		{
			name:   "filter ceiling below the caller narrows further",
			caller: publicCaller,
			filter: Filter{MaxPrivacyTier: tierPtr(ports.PrivacyPrivateCloud), IncludeDangerous: true},
			want:   []string{"file_read", "file_write", "shell_exec", "ssh_exec"},
		},
		{
			name:   "filter ceiling cannot exceed the caller",
			caller: localCaller,
			filter: Filter{MaxPrivacyTier: tierPtr(ports.PrivacyPublicAPI), IncludeDangerous: true},
			want:   []string{"file_read", "file_write", "shell_exec"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			page, err := r.Discover(context.Background(), tc.caller, tc.filter)
			if err != nil {
				t.Fatalf("Discover: %v", err)
			}
			if got := pageNames(page); !equalStrings(got, tc.want) {
				t.Fatalf("Discover = %v, want %v", got, tc.want)
			}
			if page.Total != len(tc.want) {
				t.Fatalf("Total = %d, want %d", page.Total, len(tc.want))
			}
		})
	}
}

func TestDiscoverHidesUnavailableTools(t *testing.T) {
	t.Parallel()

	disabled := catalogTool("disabled_tool", "system", "off", ports.PrivacyLocal, false)
	disabled.md.Enabled = false
	deprecated := catalogTool("deprecated_tool", "system", "old", ports.PrivacyLocal, false)
	deprecated.md.Deprecated = true

	r, err := NewRegistry(nil, catalogTool("live_tool", "system", "on", ports.PrivacyLocal, false), disabled, deprecated)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	page, err := r.Discover(context.Background(), Caller{PrivacyTier: ports.PrivacyPublicAPI}, Filter{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got := pageNames(page); !equalStrings(got, []string{"live_tool"}) {
		t.Fatalf("Discover = %v, want [live_tool]", got)
	}

	// The catalog still resolves them; execution owns the enabled check.
	if _, err := r.Get("disabled_tool"); err != nil {
		t.Fatalf("Get(disabled_tool) = %v, want nil", err)
	}
}

func TestDiscoverPaginates(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t, nil)
	caller := Caller{PrivacyTier: ports.PrivacyPublicAPI}

	var seen []string
	for page := 1; ; page++ {
		out, err := r.Discover(context.Background(), caller, Filter{IncludeDangerous: true, Page: page, PerPage: 2})
		if err != nil {
			t.Fatalf("Discover page %d: %v", page, err)
		}
		if out.Total != 5 {
			t.Fatalf("Total = %d, want 5", out.Total)
		}
		if len(out.Items) == 0 {
			break
		}
		if len(out.Items) > 2 {
			t.Fatalf("page %d holds %d items, want <= 2", page, len(out.Items))
		}
		seen = append(seen, pageNames(out)...)
		if page > 5 {
			t.Fatal("pagination never terminated")
		}
	}
	want := []string{"file_read", "file_write", "shell_exec", "web_request", "ssh_exec"}
	if !equalStrings(seen, want) {
		t.Fatalf("paged names = %v, want %v", seen, want)
	}

	out, err := r.Discover(context.Background(), caller, Filter{Page: 0, PerPage: 1000})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if out.Page != 1 || out.PerPage != 100 {
		t.Fatalf("normalized page = %d/%d, want 1/100", out.Page, out.PerPage)
	}
}

func TestDiscoverAnnotatesCallerGrants(t *testing.T) {
	t.Parallel()
	ledger, _ := newTestLedger(t)
	r := newTestRegistry(t, ledger)
	ctx := context.Background()

	if _, err := ledger.Grant(ctx, "user-1", "agent-1", "file_read", GrantSpec{Scopes: []Scope{ScopeRead}}); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if _, err := ledger.Grant(ctx, "user-1", "agent-1", "web_request", GrantSpec{Scopes: []Scope{ScopeExecute}}); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := ledger.Revoke(ctx, "user-1", "agent-1", "web_request", "user-1", "testing"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	page, err := r.Discover(ctx, Caller{UserID: "user-1", AgentID: "agent-1", PrivacyTier: ports.PrivacyPublicAPI}, Filter{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	byName := make(map[string]DiscoveredTool, len(page.Items))
	for _, item := range page.Items {
		byName[item.Metadata.Name] = item
	}

	fileRead := byName["file_read"]
	if !fileRead.Permitted || len(fileRead.Scopes) != 1 || fileRead.Scopes[0] != ScopeRead {
		t.Fatalf("file_read annotation = %+v, want permitted with scope read", fileRead)
	}
	if byName["web_request"].Permitted {
		t.Fatal("web_request stayed permitted after revocation")
	}
	if byName["file_write"].Permitted {
		t.Fatal("file_write is permitted without a grant")
	}
}

func TestAvailableRequiresGrantAndTier(t *testing.T) {
	t.Parallel()
	ledger, _ := newTestLedger(t)
	r := newTestRegistry(t, ledger)
	ctx := context.Background()

	for _, tool := range []string{"file_read", "shell_exec", "web_request"} {
		if _, err := ledger.Grant(ctx, "user-1", "agent-1", tool, GrantSpec{Scopes: []Scope{ScopeExecute}}); err != nil {
			t.Fatalf("Grant(%s): %v", tool, err)
		}
	}

	defs, err := r.Available(ctx, Caller{UserID: "user-1", AgentID: "agent-1", PrivacyTier: ports.PrivacyLocal})
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
	}
	// web_request is granted but sits above the caller's privacy tier.
	if !equalStrings(names, []string{"file_read", "shell_exec"}) {
		t.Fatalf("Available = %v, want [file_read shell_exec]", names)
	}
}
