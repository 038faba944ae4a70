package consolidator

import (
	"context"
	"fmt"
	"strings"

	"neuron/internal/jsonx"
	"neuron/internal/memory"
)

// Stage 1: compress the recent working-memory block into one episodic
// summary. The newest interactions stay in L1 for conversational continuity.
func (c *Consolidator) compressWorking(ctx context.Context, agentID string, model ModelRef) error {
	snap, err := c.mem.View(ctx, agentID)
	if err != nil {
		return err
	}
	if len(snap.Interactions) < compressMinWorking {
		return nil
	}

	recent := snap.Interactions
	if len(recent) > compressBlockSize {
		recent = recent[len(recent)-compressBlockSize:]
	}

	summary, err := c.ask(ctx, model, compressPrompt(recent))
	if err != nil {
		return fmt.Errorf("summarize working memory: %w", err)
	}
	if summary == "" {
		return fmt.Errorf("summarize working memory: empty response")
	}

	cut := len(snap.Interactions) - compressKeepRecent
	if cut < 0 {
		cut = 0
	}
	removed := make([]string, 0, cut)
	for _, interaction := range snap.Interactions[:cut] {
		removed = append(removed, interaction.ID)
	}

	episode := memory.Episode{
		ID:          memory.NewID(),
		Summary:     summary,
		SourceCount: len(recent),
		CreatedAt:   c.clock.Now(),
	}
	return c.mem.CompressInteractions(ctx, agentID, removed, episode)
}

// Stage 2: ask the model to merge and dedup episodic memory down to the
// target size. L2 is replaced only after a successful parse.
func (c *Consolidator) dedupEpisodes(ctx context.Context, agentID string, model ModelRef) error {
	snap, err := c.mem.View(ctx, agentID)
	if err != nil {
		return err
	}
	if len(snap.Episodes) <= c.config.DedupTarget {
		return nil
	}

	reply, err := c.ask(ctx, model, dedupPrompt(snap.Episodes, c.config.DedupTarget))
	if err != nil {
		return fmt.Errorf("dedup episodes: %w", err)
	}

	var entries []dedupEntry
	if err := jsonx.DecodeEmbedded(reply, &entries); err != nil {
		return fmt.Errorf("parse deduped episodes: %w", err)
	}
	if len(entries) > c.config.DedupTarget {
		entries = entries[:c.config.DedupTarget]
	}

	now := c.clock.Now()
	merged := make([]memory.Episode, 0, len(entries))
	for _, entry := range entries {
		summary := strings.TrimSpace(entry.Summary)
		if summary == "" {
			continue
		}
		merged = append(merged, memory.Episode{
			ID:        memory.NewID(),
			Summary:   summary,
			CreatedAt: now,
		})
	}
	if len(merged) == 0 {
		return fmt.Errorf("parse deduped episodes: no usable summaries")
	}

	replaced := make([]string, 0, len(snap.Episodes))
	for _, episode := range snap.Episodes {
		replaced = append(replaced, episode.ID)
	}
	return c.mem.MergeEpisodes(ctx, agentID, replaced, merged)
}

// Stage 3: extract entities, facts, and preferences from recent episodes
// into semantic memory. Entities and preferences merge last-write-wins;
// facts set-union.
func (c *Consolidator) extractKnowledge(ctx context.Context, agentID string, model ModelRef) error {
	snap, err := c.mem.View(ctx, agentID)
	if err != nil {
		return err
	}
	recent := snap.Episodes
	if len(recent) == 0 {
		return nil
	}
	if len(recent) > extractBlockSize {
		recent = recent[len(recent)-extractBlockSize:]
	}

	reply, err := c.ask(ctx, model, extractPrompt(recent))
	if err != nil {
		return fmt.Errorf("extract knowledge: %w", err)
	}

	var knowledge memory.Semantic
	if err := jsonx.DecodeEmbedded(reply, &knowledge); err != nil {
		return fmt.Errorf("parse extracted knowledge: %w", err)
	}
	return c.mem.MergeSemantic(ctx, agentID, knowledge)
}

// Stage 4: detect repeated action sequences in recent interactions and
// their tool traces. Known workflow names bump their frequency.
func (c *Consolidator) learnWorkflows(ctx context.Context, agentID string, model ModelRef) error {
	snap, err := c.mem.View(ctx, agentID)
	if err != nil {
		return err
	}
	if len(snap.Interactions) < workflowMinWorking {
		return nil
	}
	recent := snap.Interactions
	if len(recent) > workflowBlockSize {
		recent = recent[len(recent)-workflowBlockSize:]
	}

	reply, err := c.ask(ctx, model, workflowPrompt(recent))
	if err != nil {
		return fmt.Errorf("detect workflows: %w", err)
	}

	var parsed workflowReply
	if err := jsonx.DecodeEmbedded(reply, &parsed); err != nil {
		return fmt.Errorf("parse workflows: %w", err)
	}

	workflows := make([]memory.Workflow, 0, len(parsed.Workflows))
	for _, entry := range parsed.Workflows {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			continue
		}
		workflows = append(workflows, memory.Workflow{
			Name:      name,
			Steps:     entry.Steps,
			Frequency: frequencyRank(entry.Frequency),
		})
	}
	if len(workflows) == 0 {
		return nil
	}
	return c.mem.UpsertWorkflows(ctx, agentID, workflows)
}

// Stage 5: review facts for contradictions. The fact list becomes the
// validated facts plus the resolutions.
func (c *Consolidator) resolveContradictions(ctx context.Context, agentID string, model ModelRef) error {
	snap, err := c.mem.View(ctx, agentID)
	if err != nil {
		return err
	}
	facts := snap.Semantic.Facts
	if len(facts) < contradictionMinFacts {
		return nil
	}

	reply, err := c.ask(ctx, model, contradictionPrompt(facts))
	if err != nil {
		return fmt.Errorf("review facts: %w", err)
	}

	var parsed contradictionReply
	if err := jsonx.DecodeEmbedded(reply, &parsed); err != nil {
		return fmt.Errorf("parse fact review: %w", err)
	}

	next := make([]string, 0, len(parsed.ValidatedFacts)+len(parsed.Contradictions))
	for _, fact := range parsed.ValidatedFacts {
		if fact = strings.TrimSpace(fact); fact != "" {
			next = append(next, fact)
		}
	}
	for _, con := range parsed.Contradictions {
		if resolution := strings.TrimSpace(con.Resolution); resolution != "" {
			next = append(next, resolution)
		}
	}

	// A reply that names nothing at all is a non-answer, not a verdict
	// that every fact is wrong. Keep the current facts.
	if len(next) == 0 && len(parsed.OutdatedFacts) == 0 {
		return nil
	}
	return c.mem.ReplaceFacts(ctx, agentID, next)
}

type dedupEntry struct {
	Summary    string `json:"summary"`
	Importance int    `json:"importance"`
}

type workflowEntry struct {
	Name  string   `json:"name"`
	Steps []string `json:"steps"`
	// Models answer "high"/"medium"/"low" or a bare number.
	Frequency any `json:"frequency"`
}

type workflowReply struct {
	Workflows []workflowEntry `json:"workflows"`
}

type contradiction struct {
	Fact1      string `json:"fact1"`
	Fact2      string `json:"fact2"`
	Resolution string `json:"resolution"`
}

type contradictionReply struct {
	Contradictions []contradiction `json:"contradictions"`
	ValidatedFacts []string        `json:"validated_facts"`
	OutdatedFacts  []string        `json:"outdated_facts"`
}

func frequencyRank(v any) int {
	switch f := v.(type) {
	case string:
		switch strings.ToLower(strings.TrimSpace(f)) {
		case "high":
			return 3
		case "medium":
			return 2
		default:
			return 1
		}
	case float64:
		if f > 0 {
			return int(f)
		}
	case int:
		if f > 0 {
			return f
		}
	}
	return 1
}

func compressPrompt(interactions []memory.Interaction) string {
	var b strings.Builder
	b.WriteString("You are maintaining long-term memory for an AI assistant.\n\n")
	fmt.Fprintf(&b, "Summarize the following %d recent interactions into a concise episodic memory:\n", len(interactions))
	b.WriteString("- Focus on key facts, user preferences, and important context\n")
	b.WriteString("- Remove redundant information\n")
	b.WriteString("- Keep specific details that might be referenced later\n\n")
	b.WriteString("Interactions:\n")
	b.WriteString(formatInteractions(interactions))
	b.WriteString("\n\nProvide a 2-3 sentence summary.")
	return b.String()
}

func dedupPrompt(episodes []memory.Episode, target int) string {
	var b strings.Builder
	b.WriteString("You are maintaining episodic memory for an AI assistant.\n\n")
	fmt.Fprintf(&b, "Review these %d memory summaries and:\n", len(episodes))
	b.WriteString("1. Remove duplicate information\n")
	b.WriteString("2. Merge related episodes\n")
	b.WriteString("3. Flag outdated facts\n")
	fmt.Fprintf(&b, "4. Consolidate into max %d entries\n\n", target)
	b.WriteString("Episodic Memories:\n")
	b.WriteString(formatEpisodes(episodes))
	b.WriteString("\n\nReturn a JSON array of consolidated memories:\n")
	b.WriteString("[\n  {\"summary\": \"...\", \"importance\": 1-10},\n  ...\n]")
	return b.String()
}

func extractPrompt(episodes []memory.Episode) string {
	var b strings.Builder
	b.WriteString("Extract key knowledge from these memory summaries.\n\n")
	b.WriteString("Format as a knowledge graph with entities and relationships:\n")
	b.WriteString("{\n  \"entities\": {\"entity_name\": \"description\"},\n  \"facts\": [\"fact 1\", \"fact 2\"],\n  \"preferences\": {\"category\": \"preference\"}\n}\n\n")
	b.WriteString("Memories:\n")
	b.WriteString(formatEpisodes(episodes))
	return b.String()
}

func workflowPrompt(interactions []memory.Interaction) string {
	var b strings.Builder
	b.WriteString("Analyze these interactions to detect procedural patterns.\n\n")
	b.WriteString("Look for:\n")
	b.WriteString("- Common workflows (e.g., \"User always asks X then Y\")\n")
	b.WriteString("- Problem-solving sequences\n")
	b.WriteString("- Preferred interaction styles\n\n")
	b.WriteString("Interactions:\n")
	b.WriteString(formatInteractionsWithTools(interactions))
	b.WriteString("\n\nReturn workflows as JSON:\n")
	b.WriteString("{\n  \"workflows\": [\n    {\"name\": \"...\", \"steps\": [\"step1\", \"step2\"], \"frequency\": \"high/medium/low\"}\n  ]\n}")
	return b.String()
}

func contradictionPrompt(facts []string) string {
	var b strings.Builder
	b.WriteString("Review these facts for contradictions or outdated information:\n\n")
	for _, fact := range facts {
		b.WriteString("- ")
		b.WriteString(fact)
		b.WriteByte('\n')
	}
	b.WriteString("\nIdentify:\n")
	b.WriteString("1. Contradictions (fact A vs fact B)\n")
	b.WriteString("2. Outdated facts (based on recency)\n")
	b.WriteString("3. Validated facts (no issues)\n\n")
	b.WriteString("Return JSON:\n")
	b.WriteString("{\n  \"contradictions\": [\n    {\"fact1\": \"...\", \"fact2\": \"...\", \"resolution\": \"...\"}\n  ],\n  \"validated_facts\": [\"fact1\", \"fact2\"],\n  \"outdated_facts\": [\"old_fact1\"]\n}")
	return b.String()
}

func formatInteractions(interactions []memory.Interaction) string {
	lines := make([]string, 0, len(interactions))
	for i, interaction := range interactions {
		lines = append(lines, fmt.Sprintf("%d. User: %s\n   Assistant: %s", i+1, interaction.User, interaction.Assistant))
	}
	return strings.Join(lines, "\n")
}

func formatInteractionsWithTools(interactions []memory.Interaction) string {
	lines := make([]string, 0, len(interactions))
	for i, interaction := range interactions {
		line := fmt.Sprintf("%d. User: %s\n   Assistant: %s", i+1, interaction.User, interaction.Assistant)
		if len(interaction.ToolTrace) > 0 {
			line += "\n   Tools: " + strings.Join(interaction.ToolTrace, ", ")
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatEpisodes(episodes []memory.Episode) string {
	lines := make([]string, 0, len(episodes))
	for i, episode := range episodes {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, episode.Summary))
	}
	return strings.Join(lines, "\n")
}
