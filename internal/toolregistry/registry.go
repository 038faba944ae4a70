// Package toolregistry is the governance half of the tool system: a static
// tool catalog with permission-aware discovery, a grant ledger with scopes,
// expiry, and usage caps, and fixed-window rate limiting per (agent, tool).
package toolregistry

import (
	"context"
	"strings"
	"sync"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// Registry is the tool catalog. Tools register once from the static table at
// startup; lookups for unknown names fail closed.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]ports.ToolExecutor
	order  []string
	ledger *Ledger
}

// NewRegistry builds a catalog from the given registration table and wires
// the ledger used to annotate discovery pages. A nil ledger leaves the
// catalog ungoverned, which is only suitable for tests.
func NewRegistry(ledger *Ledger, tools ...ports.ToolExecutor) (*Registry, error) {
	r := &Registry{
		tools:  make(map[string]ports.ToolExecutor, len(tools)),
		ledger: ledger,
	}
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds one tool to the catalog. Names are unique.
func (r *Registry) Register(tool ports.ToolExecutor) error {
	if tool == nil {
		return errors.NewValidationError("tool", "nil tool")
	}
	md := tool.Metadata()
	if md.Name == "" {
		return errors.NewValidationError("tool", "tool name is required")
	}
	if md.PrivacyTier < ports.PrivacyLocal || md.PrivacyTier > ports.PrivacyPublicAPI {
		return errors.NewValidationError(md.Name, "privacy tier %d out of range", md.PrivacyTier)
	}
	if md.SandboxTier < ports.SandboxInProcess || md.SandboxTier > ports.SandboxRemote {
		return errors.NewValidationError(md.Name, "sandbox tier %d out of range", md.SandboxTier)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[md.Name]; exists {
		return errors.NewValidationError(md.Name, "tool already exists")
	}
	r.tools[md.Name] = tool
	r.order = append(r.order, md.Name)
	return nil
}

// Get resolves a tool by name. Unknown names fail closed with a validation
// error; callers enforce the Enabled flag at execution time.
func (r *Registry) Get(name string) (ports.ToolExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, errors.NewValidationError("tool", "tool not found: %s", name)
	}
	return tool, nil
}

// List returns every registered tool's model-facing definition in
// registration order, ungoverned by permissions.
func (r *Registry) List() []ports.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ports.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Available returns the definitions the caller may invoke right now: tool
// enabled and not deprecated, privacy tier within the caller's, and a
// currently-valid grant. This is the set handed to the model for a turn.
func (r *Registry) Available(ctx context.Context, caller Caller) ([]ports.ToolDefinition, error) {
	candidates := r.visible(caller.PrivacyTier)

	defs := make([]ports.ToolDefinition, 0, len(candidates))
	for _, tool := range candidates {
		if r.ledger != nil {
			if _, err := r.ledger.Check(ctx, caller.UserID, caller.AgentID, tool.Metadata().Name); err != nil {
				if errors.IsPermission(err) {
					continue
				}
				return nil, err
			}
		}
		defs = append(defs, tool.Definition())
	}
	return defs, nil
}

// Filter narrows a discovery page. The zero value lists every available,
// non-dangerous tool visible at the caller's privacy tier.
type Filter struct {
	Category         string             `json:"category,omitempty"`
	Tags             []string           `json:"tags,omitempty"`
	MaxPrivacyTier   *ports.PrivacyTier `json:"max_privacy_tier,omitempty"`
	IncludeDangerous bool               `json:"include_dangerous,omitempty"`
	Query            string             `json:"query,omitempty"`
	Page             int                `json:"page,omitempty"`
	PerPage          int                `json:"per_page,omitempty"`
}

// DiscoveredTool is one catalog entry annotated with the caller's standing.
type DiscoveredTool struct {
	Definition ports.ToolDefinition `json:"definition"`
	Metadata   ports.ToolMetadata   `json:"metadata"`
	Permitted  bool                 `json:"permitted"`
	Scopes     []Scope              `json:"scopes,omitempty"`
}

// Page is one discovery result page.
type Page struct {
	Items   []DiscoveredTool `json:"items"`
	Total   int              `json:"total"`
	Page    int              `json:"page"`
	PerPage int              `json:"per_page"`
}

// Discover lists catalog entries matching the filter, paginated in
// registration order, each annotated with whether the caller holds a valid
// grant and with which scopes. Disabled and deprecated tools never appear,
// and the caller's own privacy tier bounds the page even when the filter
// tolerates more. Tags match tools carrying at least one of the requested
// tags; Query is a case-insensitive substring match over name and
// description.
func (r *Registry) Discover(ctx context.Context, caller Caller, filter Filter) (*Page, error) {
	ceiling := caller.PrivacyTier
	if filter.MaxPrivacyTier != nil && *filter.MaxPrivacyTier < ceiling {
		ceiling = *filter.MaxPrivacyTier
	}
	query := strings.ToLower(strings.TrimSpace(filter.Query))

	var matched []ports.ToolExecutor
	for _, tool := range r.visible(ceiling) {
		md := tool.Metadata()
		if md.Dangerous && !filter.IncludeDangerous {
			continue
		}
		if filter.Category != "" && !strings.EqualFold(md.Category, filter.Category) {
			continue
		}
		if len(filter.Tags) > 0 && !hasAnyTag(md.Tags, filter.Tags) {
			continue
		}
		if query != "" && !matchesQuery(md, tool.Definition(), query) {
			continue
		}
		matched = append(matched, tool)
	}

	page, perPage := normalizePage(filter.Page, filter.PerPage)
	out := &Page{Items: []DiscoveredTool{}, Total: len(matched), Page: page, PerPage: perPage}

	start := (page - 1) * perPage
	if start >= len(matched) {
		return out, nil
	}
	end := start + perPage
	if end > len(matched) {
		end = len(matched)
	}

	for _, tool := range matched[start:end] {
		item := DiscoveredTool{Definition: tool.Definition(), Metadata: tool.Metadata()}
		if err := r.annotate(ctx, caller, &item); err != nil {
			return nil, err
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

// visible returns the enabled, non-deprecated tools at or below the tier, in
// registration order.
func (r *Registry) visible(ceiling ports.PrivacyTier) []ports.ToolExecutor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]ports.ToolExecutor, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		md := tool.Metadata()
		if !md.Enabled || md.Deprecated || md.PrivacyTier > ceiling {
			continue
		}
		tools = append(tools, tool)
	}
	return tools
}

func (r *Registry) annotate(ctx context.Context, caller Caller, item *DiscoveredTool) error {
	if r.ledger == nil {
		return nil
	}
	perm, err := r.ledger.Check(ctx, caller.UserID, caller.AgentID, item.Metadata.Name)
	if err != nil {
		if errors.IsPermission(err) {
			return nil
		}
		return err
	}
	item.Permitted = true
	item.Scopes = append([]Scope(nil), perm.Scopes...)
	return nil
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(h, w) {
				return true
			}
		}
	}
	return false
}

func matchesQuery(md ports.ToolMetadata, def ports.ToolDefinition, query string) bool {
	return strings.Contains(strings.ToLower(md.Name), query) ||
		strings.Contains(strings.ToLower(def.Description), query)
}

func normalizePage(page, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	return page, perPage
}
