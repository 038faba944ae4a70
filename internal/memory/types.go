package memory

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Interaction is one L1 working-memory record: a single user/assistant
// exchange plus the tools the agent ran while producing it.
type Interaction struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	ToolTrace []string  `json:"tool_trace,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Episode is one L2 episodic summary covering several interactions.
type Episode struct {
	ID          string    `json:"id"`
	Summary     string    `json:"summary"`
	SourceCount int       `json:"source_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Semantic is the L3 layer: distilled knowledge rather than transcripts.
// Entities and preferences merge last-write-wins per key; facts behave as
// an ordered set.
type Semantic struct {
	Entities    map[string]string `json:"entities,omitempty"`
	Facts       []string          `json:"facts,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// Workflow is one L4 procedural record: a recurring action sequence the
// agent has learned, with how often it has been seen.
type Workflow struct {
	Name      string    `json:"name"`
	Steps     []string  `json:"steps"`
	Frequency int       `json:"frequency"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is the full memory state of one agent across all four layers,
// plus the counters consolidation scheduling reads.
type Snapshot struct {
	AgentID            string        `json:"agent_id"`
	Interactions       []Interaction `json:"interactions"`
	Episodes           []Episode     `json:"episodes"`
	Semantic           Semantic      `json:"semantic"`
	Workflows          []Workflow    `json:"workflows"`
	TotalInteractions  int           `json:"total_interactions"`
	SinceConsolidation int           `json:"since_consolidation"`
	LastConsolidated   time.Time     `json:"last_consolidated"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// NewID returns a sortable unique id for memory records.
func NewID() string {
	return ulid.Make().String()
}

// Clone returns a deep copy, so readers can hold a snapshot while the
// manager keeps mutating the live state.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s

	out.Interactions = make([]Interaction, len(s.Interactions))
	for i, interaction := range s.Interactions {
		out.Interactions[i] = interaction
		if interaction.ToolTrace != nil {
			out.Interactions[i].ToolTrace = append([]string(nil), interaction.ToolTrace...)
		}
	}

	out.Episodes = append([]Episode(nil), s.Episodes...)

	out.Semantic = Semantic{Facts: append([]string(nil), s.Semantic.Facts...)}
	if s.Semantic.Entities != nil {
		out.Semantic.Entities = make(map[string]string, len(s.Semantic.Entities))
		for k, v := range s.Semantic.Entities {
			out.Semantic.Entities[k] = v
		}
	}
	if s.Semantic.Preferences != nil {
		out.Semantic.Preferences = make(map[string]string, len(s.Semantic.Preferences))
		for k, v := range s.Semantic.Preferences {
			out.Semantic.Preferences[k] = v
		}
	}

	out.Workflows = make([]Workflow, len(s.Workflows))
	for i, wf := range s.Workflows {
		out.Workflows[i] = wf
		out.Workflows[i].Steps = append([]string(nil), wf.Steps...)
	}

	return &out
}
