package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"neuron/internal/agent"
	"neuron/internal/toolregistry"
)

func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// newRenderer builds a terminal markdown renderer sized to the terminal.
// Returns nil when stdout is not a terminal; callers fall back to plain text.
func newRenderer() *glamour.TermRenderer {
	if !isTTY() {
		return nil
	}
	width := 100
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w - 4
		if width > 120 {
			width = 120
		}
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil
	}
	return renderer
}

func newChatCommand() *cobra.Command {
	var (
		agentID string
		name    string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with an agent in an interactive REPL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			container, err := newContainer(ctx, cfg)
			if err != nil {
				return err
			}
			defer container.Close(ctx)

			a, err := resolveAgent(ctx, container, agentID, name)
			if err != nil {
				return err
			}
			return runREPL(ctx, container, a)
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "existing agent id")
	cmd.Flags().StringVar(&name, "name", "assistant", "name for a new agent when --agent is not set")
	return cmd
}

// resolveAgent loads the requested agent, or creates one when no id was
// given.
func resolveAgent(ctx context.Context, container *Container, agentID, name string) (*agent.Agent, error) {
	if agentID != "" {
		return container.Manager.Get(ctx, agentID)
	}
	// Reuse an existing agent with the same name before creating another.
	for _, status := range container.Manager.List(ctx) {
		if status.Name == name {
			return container.Manager.Get(ctx, status.ID)
		}
	}
	return container.Manager.Create(ctx, agent.Record{Name: name, OwnerID: "local"})
}

func runREPL(ctx context.Context, container *Container, a *agent.Agent) error {
	fmt.Printf("%s agent %s (%s)\n", green("neuron"), bold(a.Name), gray(a.ID))
	fmt.Println(gray("type a message, or /tools, /memory, /quit"))
	fmt.Println()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            cyan("> "),
		HistoryFile:       filepath.Join(container.Config.DataDir, "history"),
		InterruptPrompt:   "^C",
		EOFPrompt:         "/quit",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	renderer := newRenderer()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := runSlashCommand(ctx, container, a, line); quit {
				return nil
			}
			continue
		}

		if err := runChatTurn(ctx, container, a.ID, line, renderer); err != nil {
			fmt.Printf("%s %v\n\n", red("error:"), err)
		}
	}
}

// runChatTurn streams one exchange. With a renderer the full answer is
// rendered as markdown once complete; otherwise fragments print as they
// arrive.
func runChatTurn(ctx context.Context, container *Container, agentID, message string, renderer *glamour.TermRenderer) error {
	fragments, err := container.Manager.Chat(ctx, agentID, message)
	if err != nil {
		return err
	}

	var full strings.Builder
	for fragment := range fragments {
		if fragment.Err != nil {
			return fragment.Err
		}
		if renderer == nil {
			fmt.Print(fragment.Text)
		}
		full.WriteString(fragment.Text)
	}

	if renderer == nil {
		fmt.Println()
		return nil
	}
	rendered, err := renderer.Render(full.String())
	if err != nil {
		fmt.Println(full.String())
		return nil
	}
	fmt.Print(rendered)
	return nil
}

// runSlashCommand handles REPL commands. Returns true when the session
// should end.
func runSlashCommand(ctx context.Context, container *Container, a *agent.Agent, line string) bool {
	switch strings.Fields(line)[0] {
	case "/quit", "/exit", "/q":
		return true
	case "/tools":
		printAgentTools(ctx, container, a)
	case "/memory":
		printMemory(ctx, container, a.ID)
	default:
		fmt.Println(gray("commands: /tools, /memory, /quit"))
	}
	return false
}

func printAgentTools(ctx context.Context, container *Container, a *agent.Agent) {
	page, err := container.Registry.Discover(ctx, toolregistry.Caller{
		UserID:      a.OwnerID,
		AgentID:     a.ID,
		PrivacyTier: a.Config.PrivacyTier,
	}, toolregistry.Filter{})
	if err != nil {
		fmt.Printf("%s %v\n", red("error:"), err)
		return
	}
	for _, item := range page.Items {
		mark := gray("denied")
		if item.Permitted {
			mark = green("granted")
		}
		fmt.Printf("  %-16s %-8s %s\n", bold(item.Metadata.Name), mark, gray(item.Definition.Description))
	}
	fmt.Println()
}

func printMemory(ctx context.Context, container *Container, agentID string) {
	snap, err := container.Memory.View(ctx, agentID)
	if err != nil {
		fmt.Printf("%s %v\n", red("error:"), err)
		return
	}
	fmt.Printf("  working set   %d\n", len(snap.Interactions))
	fmt.Printf("  episodes      %d\n", len(snap.Episodes))
	fmt.Printf("  facts         %d\n", len(snap.Semantic.Facts))
	fmt.Printf("  workflows     %d\n", len(snap.Workflows))
	fmt.Printf("  interactions  %d total, %d since consolidation\n",
		snap.TotalInteractions, snap.SinceConsolidation)
	if !snap.LastConsolidated.IsZero() {
		fmt.Printf("  consolidated  %s\n", snap.LastConsolidated.Format("2006-01-02 15:04:05"))
	}
	fmt.Println()
}
