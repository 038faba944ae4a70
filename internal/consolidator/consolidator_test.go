package consolidator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"neuron/internal/agent/ports"
	"neuron/internal/logging"
	"neuron/internal/memory"
)

type completerReply struct {
	content string
	err     error
}

// scriptedCompleter pops replies in order and records every prompt it saw.
type scriptedCompleter struct {
	mu      sync.Mutex
	replies []completerReply
	calls   []string
}

func (s *scriptedCompleter) Complete(_ context.Context, _, _ string, req ports.CompletionRequest) (*ports.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prompt := ""
	if len(req.Messages) > 0 {
		prompt = req.Messages[len(req.Messages)-1].Content
	}
	s.calls = append(s.calls, prompt)

	if len(s.replies) == 0 {
		return &ports.CompletionResponse{Content: "ok", StopReason: "stop"}, nil
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	if reply.err != nil {
		return nil, reply.err
	}
	return &ports.CompletionResponse{Content: reply.content, StopReason: "stop"}, nil
}

func (s *scriptedCompleter) promptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptedCompleter) prompt(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

type panicCompleter struct{}

func (panicCompleter) Complete(context.Context, string, string, ports.CompletionRequest) (*ports.CompletionResponse, error) {
	panic("completer exploded")
}

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testClock() ports.Clock {
	return ports.ClockFunc(func() time.Time { return testTime })
}

func newTestConsolidator(t *testing.T, broker Completer) (*Consolidator, *memory.Manager) {
	t.Helper()
	mgr := memory.NewManager(memory.NewInMemoryStore(), 10, testClock(), logging.Nop())
	c := New(broker, mgr, Config{Workers: 1, QueueSize: 4}, nil, nil, testClock(), logging.Nop())
	t.Cleanup(c.Close)
	return c, mgr
}

func seedInteractions(t *testing.T, mgr *memory.Manager, agentID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		if err := mgr.AddInteraction(ctx, agentID, fmt.Sprintf("question %d", i), fmt.Sprintf("answer %d", i), nil); err != nil {
			t.Fatalf("AddInteraction: %v", err)
		}
	}
}

func TestShouldConsolidate(t *testing.T) {
	c, _ := newTestConsolidator(t, &scriptedCompleter{})
	now := testTime

	fresh := &memory.Snapshot{AgentID: "a", LastConsolidated: now}
	if c.ShouldConsolidate(fresh, now) {
		t.Fatal("fresh snapshot should not consolidate")
	}

	byCount := &memory.Snapshot{AgentID: "a", SinceConsolidation: 100, LastConsolidated: now}
	if !c.ShouldConsolidate(byCount, now) {
		t.Fatal("100 interactions since last run should consolidate")
	}
	byCount.SinceConsolidation = 99
	if c.ShouldConsolidate(byCount, now) {
		t.Fatal("99 interactions should not consolidate")
	}

	byEpisodes := &memory.Snapshot{AgentID: "a", LastConsolidated: now}
	byEpisodes.Episodes = make([]memory.Episode, 51)
	if !c.ShouldConsolidate(byEpisodes, now) {
		t.Fatal("51 episodes should consolidate")
	}
	byEpisodes.Episodes = byEpisodes.Episodes[:50]
	if c.ShouldConsolidate(byEpisodes, now) {
		t.Fatal("50 episodes should not consolidate")
	}

	byAge := &memory.Snapshot{AgentID: "a", LastConsolidated: now.Add(-25 * time.Hour)}
	if !c.ShouldConsolidate(byAge, now) {
		t.Fatal("25h since last run should consolidate")
	}
	byAge.LastConsolidated = now.Add(-23 * time.Hour)
	if c.ShouldConsolidate(byAge, now) {
		t.Fatal("23h since last run should not consolidate")
	}

	if c.ShouldConsolidate(nil, now) {
		t.Fatal("nil snapshot should not consolidate")
	}
}

func TestConsolidateFullRun(t *testing.T) {
	broker := &scriptedCompleter{replies: []completerReply{
		{content: "User is building an agent runtime and prefers terse answers."},
		{content: `{"entities": {"neuron": "an agent runtime"}, "facts": ["user builds agents"], "preferences": {"style": "terse"}}`},
	}}
	c, mgr := newTestConsolidator(t, broker)
	ctx := context.Background()
	seedInteractions(t, mgr, "a1", 10)

	run := c.Consolidate(ctx, "a1", ModelRef{Provider: "openai", Model: "gpt-4o"})

	if !run.Success {
		t.Fatalf("run failed: %s", run.Error)
	}
	if run.StagesAttempted != 5 || run.StagesCompleted != 5 {
		t.Fatalf("stages = %d/%d, want 5/5", run.StagesCompleted, run.StagesAttempted)
	}
	if run.Before != (LayerCounts{Working: 10}) {
		t.Fatalf("before counts = %+v", run.Before)
	}
	if run.After != (LayerCounts{Working: 5, Episodic: 1, Semantic: 3}) {
		t.Fatalf("after counts = %+v", run.After)
	}

	// Two model calls: compress and extract. Dedup, workflows, and
	// contradictions skip on their triggers.
	if broker.promptCount() != 2 {
		t.Fatalf("model calls = %d, want 2", broker.promptCount())
	}
	if !strings.Contains(broker.prompt(0), "Summarize the following 10 recent interactions") {
		t.Errorf("compress prompt missing header:\n%s", broker.prompt(0))
	}
	if !strings.Contains(broker.prompt(0), "1. User: question 0\n   Assistant: answer 0") {
		t.Errorf("compress prompt missing formatted interactions:\n%s", broker.prompt(0))
	}
	if !strings.Contains(broker.prompt(1), "Extract key knowledge") {
		t.Errorf("extract prompt missing header:\n%s", broker.prompt(1))
	}

	snap, err := mgr.View(ctx, "a1")
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if len(snap.Interactions) != 5 {
		t.Fatalf("working memory = %d entries, want 5", len(snap.Interactions))
	}
	if snap.Interactions[0].User != "question 5" {
		t.Errorf("oldest surviving interaction = %q, want question 5", snap.Interactions[0].User)
	}
	if len(snap.Episodes) != 1 {
		t.Fatalf("episodes = %d, want 1", len(snap.Episodes))
	}
	if snap.Episodes[0].Summary != "User is building an agent runtime and prefers terse answers." {
		t.Errorf("episode summary = %q", snap.Episodes[0].Summary)
	}
	if snap.Episodes[0].SourceCount != 10 {
		t.Errorf("episode source count = %d, want 10", snap.Episodes[0].SourceCount)
	}
	if snap.Semantic.Entities["neuron"] != "an agent runtime" {
		t.Errorf("entities = %v", snap.Semantic.Entities)
	}
	if snap.SinceConsolidation != 0 {
		t.Errorf("SinceConsolidation = %d, want 0 after a successful run", snap.SinceConsolidation)
	}
	if !snap.LastConsolidated.Equal(testTime) {
		t.Errorf("LastConsolidated = %v, want %v", snap.LastConsolidated, testTime)
	}
}

func TestConsolidateStageFailureKeepsEarlierCommits(t *testing.T) {
	broker := &scriptedCompleter{replies: []completerReply{
		{content: "Summary of the recent block."},
		{err: fmt.Errorf("model unavailable")},
	}}
	c, mgr := newTestConsolidator(t, broker)
	ctx := context.Background()
	seedInteractions(t, mgr, "a1", 10)

	run := c.Consolidate(ctx, "a1", ModelRef{Provider: "openai", Model: "gpt-4o"})

	if run.Success {
		t.Fatal("run with a failed stage should be marked failed")
	}
	if run.StagesAttempted != 5 {
		t.Fatalf("stages attempted = %d, want 5 (later stages still run)", run.StagesAttempted)
	}
	if run.StagesCompleted != 4 {
		t.Fatalf("stages completed = %d, want 4", run.StagesCompleted)
	}
	if !strings.Contains(run.Error, "extract") {
		t.Errorf("run error = %q, want the extract stage named", run.Error)
	}

	// Stage 1's commit survives the stage 3 failure.
	snap, err := mgr.View(ctx, "a1")
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if len(snap.Episodes) != 1 {
		t.Fatalf("episodes = %d, want the compress commit retained", len(snap.Episodes))
	}
	if len(snap.Interactions) != 5 {
		t.Fatalf("working memory = %d, want 5", len(snap.Interactions))
	}

	// A failed run leaves the trigger counters alone so the next check
	// schedules another attempt.
	if snap.SinceConsolidation != 10 {
		t.Errorf("SinceConsolidation = %d, want 10", snap.SinceConsolidation)
	}
}

func TestConsolidateFailedCompressLeavesWorkingMemoryForWorkflows(t *testing.T) {
	broker := &scriptedCompleter{replies: []completerReply{
		{err: fmt.Errorf("model unavailable")},
		{content: `{"workflows": [{"name": "deploy", "steps": ["build", "push"], "frequency": "high"}]}`},
	}}
	c, mgr := newTestConsolidator(t, broker)
	ctx := context.Background()
	seedInteractions(t, mgr, "a1", 10)

	run := c.Consolidate(ctx, "a1", ModelRef{Provider: "openai", Model: "gpt-4o"})

	if run.Success {
		t.Fatal("run should be marked failed")
	}
	if run.StagesCompleted != 4 {
		t.Fatalf("stages completed = %d, want 4", run.StagesCompleted)
	}

	snap, err := mgr.View(ctx, "a1")
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if len(snap.Interactions) != 10 {
		t.Fatalf("working memory = %d, want 10 untouched after failed compress", len(snap.Interactions))
	}
	if len(snap.Workflows) != 1 {
		t.Fatalf("workflows = %d, want the detected workflow committed", len(snap.Workflows))
	}
	if snap.Workflows[0].Name != "deploy" || snap.Workflows[0].Frequency != 3 {
		t.Errorf("workflow = %+v, want deploy with frequency 3", snap.Workflows[0])
	}
}

func TestConsolidateDedupBoundsEpisodes(t *testing.T) {
	dedupReply := `[
  {"summary": "User works on neuron", "importance": 9},
  {"summary": "User prefers Go", "importance": 7},
  {"summary": "Deploys happen on Fridays", "importance": 4}
]`
	broker := &scriptedCompleter{replies: []completerReply{
		{content: "Recent block summary."},
		{content: dedupReply},
		{content: `{"entities": {}, "facts": [], "preferences": {}}`},
	}}
	c, mgr := newTestConsolidator(t, broker)
	ctx := context.Background()
	// Bound 10 working entries; every add past ten compacts one episode.
	// 31 adds leaves L1=10 and L2=21.
	seedInteractions(t, mgr, "a1", 31)

	before, _ := mgr.View(ctx, "a1")
	if len(before.Episodes) != 21 {
		t.Fatalf("seed episodes = %d, want 21", len(before.Episodes))
	}

	run := c.Consolidate(ctx, "a1", ModelRef{Provider: "openai", Model: "gpt-4o"})
	if !run.Success {
		t.Fatalf("run failed: %s", run.Error)
	}

	snap, _ := mgr.View(ctx, "a1")
	// Dedup output is model-dependent; assert bounds, not content.
	if len(snap.Episodes) == 0 || len(snap.Episodes) > 20 {
		t.Fatalf("episodes after dedup = %d, want 1..20", len(snap.Episodes))
	}
	for _, episode := range snap.Episodes {
		if strings.TrimSpace(episode.Summary) == "" {
			t.Fatal("deduped episode with empty summary")
		}
	}
}

func TestConsolidateDedupKeepsEpisodesOnParseFailure(t *testing.T) {
	broker := &scriptedCompleter{replies: []completerReply{
		{content: "Recent block summary."},
		{content: "I am sorry, I cannot produce that list."},
		{content: `{"entities": {}, "facts": [], "preferences": {}}`},
	}}
	c, mgr := newTestConsolidator(t, broker)
	ctx := context.Background()
	seedInteractions(t, mgr, "a1", 31)

	run := c.Consolidate(ctx, "a1", ModelRef{Provider: "openai", Model: "gpt-4o"})

	if run.Success {
		t.Fatal("run should be marked failed after the dedup parse failure")
	}
	if !strings.Contains(run.Error, "dedup") {
		t.Errorf("run error = %q, want the dedup stage named", run.Error)
	}

	snap, _ := mgr.View(ctx, "a1")
	// 21 seeded episodes plus the one stage 1 committed.
	if len(snap.Episodes) != 22 {
		t.Fatalf("episodes = %d, want 22 (unparseable reply replaces nothing)", len(snap.Episodes))
	}
}

func TestConsolidateResolvesContradictions(t *testing.T) {
	broker := &scriptedCompleter{replies: []completerReply{
		{content: `{
  "contradictions": [{"fact1": "user deploys daily", "fact2": "user deploys weekly", "resolution": "user deploys weekly since May"}],
  "validated_facts": ["user builds agents", "user prefers Go"],
  "outdated_facts": ["user deploys daily"]
}`},
	}}
	c, mgr := newTestConsolidator(t, broker)
	ctx := context.Background()

	seedInteractions(t, mgr, "a1", 2)
	err := mgr.MergeSemantic(ctx, "a1", memory.Semantic{
		Facts: []string{"user builds agents", "user prefers Go", "user deploys daily", "user deploys weekly", "user runs linux"},
	})
	if err != nil {
		t.Fatalf("MergeSemantic: %v", err)
	}

	run := c.Consolidate(ctx, "a1", ModelRef{Provider: "openai", Model: "gpt-4o"})
	if !run.Success {
		t.Fatalf("run failed: %s", run.Error)
	}
	if broker.promptCount() != 1 {
		t.Fatalf("model calls = %d, want only the contradiction review", broker.promptCount())
	}
	if !strings.Contains(broker.prompt(0), "- user deploys daily\n") {
		t.Errorf("contradiction prompt missing fact list:\n%s", broker.prompt(0))
	}

	snap, _ := mgr.View(ctx, "a1")
	want := []string{"user builds agents", "user prefers Go", "user deploys weekly since May"}
	if len(snap.Semantic.Facts) != len(want) {
		t.Fatalf("facts = %v, want %v", snap.Semantic.Facts, want)
	}
	for i, fact := range want {
		if snap.Semantic.Facts[i] != fact {
			t.Errorf("facts[%d] = %q, want %q", i, snap.Semantic.Facts[i], fact)
		}
	}
}

func TestConsolidateRecoversFromStagePanic(t *testing.T) {
	c, mgr := newTestConsolidator(t, panicCompleter{})
	ctx := context.Background()
	seedInteractions(t, mgr, "a1", 10)

	run := c.Consolidate(ctx, "a1", ModelRef{Provider: "openai", Model: "gpt-4o"})

	if run.Success {
		t.Fatal("run should be marked failed after a stage panic")
	}
	// Compress and workflows hit the panicking completer; dedup, extract,
	// and contradictions skip on their triggers.
	if run.StagesAttempted != 5 || run.StagesCompleted != 3 {
		t.Fatalf("stages = %d/%d, want 3/5", run.StagesCompleted, run.StagesAttempted)
	}
	if !strings.Contains(run.Error, "panic") {
		t.Errorf("run error = %q, want panic recorded", run.Error)
	}

	snap, _ := mgr.View(ctx, "a1")
	if len(snap.Interactions) != 10 {
		t.Errorf("working memory = %d, want 10 untouched", len(snap.Interactions))
	}
}

func TestConsolidateRefusesConcurrentRunsPerAgent(t *testing.T) {
	c, mgr := newTestConsolidator(t, &scriptedCompleter{})
	ctx := context.Background()
	seedInteractions(t, mgr, "a1", 2)

	if !c.acquire("a1") {
		t.Fatal("acquire failed on idle agent")
	}
	defer c.release("a1")

	run := c.Consolidate(ctx, "a1", ModelRef{Provider: "openai", Model: "gpt-4o"})
	if run.Success {
		t.Fatal("second run should not start while the first holds the agent")
	}
	if run.Error != "consolidation already running" {
		t.Fatalf("error = %q", run.Error)
	}
	if !c.Running("a1") {
		t.Fatal("agent should still read as running")
	}
}

func TestScheduleRunsAsynchronously(t *testing.T) {
	broker := &scriptedCompleter{replies: []completerReply{
		{content: "Background summary."},
		{content: `{"entities": {}, "facts": [], "preferences": {}}`},
	}}
	c, mgr := newTestConsolidator(t, broker)
	seedInteractions(t, mgr, "a1", 10)

	if !c.Schedule("a1", ModelRef{Provider: "openai", Model: "gpt-4o"}) {
		t.Fatal("Schedule should accept an idle agent")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if runs := c.History("a1"); len(runs) == 1 {
			if !runs[0].Success {
				t.Fatalf("scheduled run failed: %s", runs[0].Error)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scheduled run never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if c.Running("a1") {
		t.Fatal("agent should be idle after the run finishes")
	}
	if last := c.LastRun("a1"); last == nil || !last.Success {
		t.Fatalf("LastRun = %+v", last)
	}
}

func TestScheduleRefusesDuplicate(t *testing.T) {
	// An empty script makes every stage call answer instantly; holding the
	// agent beforehand keeps the window open deterministically.
	c, _ := newTestConsolidator(t, &scriptedCompleter{})

	if !c.acquire("a1") {
		t.Fatal("acquire failed")
	}
	defer c.release("a1")

	if c.Schedule("a1", ModelRef{Provider: "openai", Model: "gpt-4o"}) {
		t.Fatal("Schedule should refuse an agent that is already active")
	}
}

func TestFrequencyRank(t *testing.T) {
	cases := []struct {
		in   any
		want int
	}{
		{"high", 3},
		{"Medium", 2},
		{"low", 1},
		{"sometimes", 1},
		{float64(7), 7},
		{float64(-1), 1},
		{nil, 1},
	}
	for _, tc := range cases {
		if got := frequencyRank(tc.in); got != tc.want {
			t.Errorf("frequencyRank(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
