package tools

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
	"neuron/internal/logging"
)

func TestLocalSandboxRunsCommand(t *testing.T) {
	t.Parallel()
	p := NewLocalSandboxProvider(logging.Nop())
	ctx := context.Background()

	id, err := p.Create(ctx, ports.ResourceLimits{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	result, err := p.Run(ctx, id, ports.RunSpec{Command: "/bin/sh", Args: []string{"-c", "echo hello"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 0 || !strings.Contains(result.Stdout, "hello") {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.MemoryPeakBytes <= 0 {
		t.Fatalf("no memory accounting: %+v", result)
	}

	if err := p.Destroy(ctx, id); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	// Destroy is idempotent.
	if err := p.Destroy(ctx, id); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	if _, err := p.Run(ctx, id, ports.RunSpec{Command: "true"}); !errors.IsValidation(err) {
		t.Fatalf("run after destroy: %v", err)
	}
}

func TestLocalSandboxReportsNonZeroExit(t *testing.T) {
	t.Parallel()
	p := NewLocalSandboxProvider(logging.Nop())
	ctx := context.Background()

	id, err := p.Create(ctx, ports.ResourceLimits{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer p.Destroy(ctx, id)

	result, err := p.Run(ctx, id, ports.RunSpec{Command: "/bin/sh", Args: []string{"-c", "echo oops >&2; exit 3"}})
	if err != nil {
		t.Fatalf("non-zero exit should not be a Go error: %v", err)
	}
	if result.ExitCode != 3 || !strings.Contains(result.Stderr, "oops") {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestLocalSandboxPipesStdin(t *testing.T) {
	t.Parallel()
	p := NewLocalSandboxProvider(logging.Nop())
	ctx := context.Background()

	id, err := p.Create(ctx, ports.ResourceLimits{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer p.Destroy(ctx, id)

	result, err := p.Run(ctx, id, ports.RunSpec{Command: "cat", Stdin: "ping"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Stdout != "ping" {
		t.Fatalf("stdout = %q", result.Stdout)
	}
}

func TestLocalSandboxKillsProcessTreeOnTimeout(t *testing.T) {
	t.Parallel()
	p := NewLocalSandboxProvider(logging.Nop())

	id, err := p.Create(context.Background(), ports.ResourceLimits{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer p.Destroy(context.Background(), id)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	result, err := p.Run(ctx, id, ports.RunSpec{Command: "/bin/sh", Args: []string{"-c", "sleep 5"}})
	if err != context.DeadlineExceeded {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("kill took %s", elapsed)
	}
	if result == nil {
		t.Fatal("killed run should still report partial accounting")
	}
}

func TestLocalSandboxHonorsCreateTimeLimit(t *testing.T) {
	t.Parallel()
	p := NewLocalSandboxProvider(logging.Nop())
	ctx := context.Background()

	id, err := p.Create(ctx, ports.ResourceLimits{TimeoutMS: 100})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer p.Destroy(ctx, id)

	start := time.Now()
	_, err = p.Run(ctx, id, ports.RunSpec{Command: "/bin/sh", Args: []string{"-c", "sleep 5"}})
	if err != context.DeadlineExceeded {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("limit not enforced: %s", elapsed)
	}
}

func TestLocalSandboxScratchDirLifecycle(t *testing.T) {
	t.Parallel()
	p := NewLocalSandboxProvider(logging.Nop())
	ctx := context.Background()

	id, err := p.Create(ctx, ports.ResourceLimits{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	result, err := p.Run(ctx, id, ports.RunSpec{Command: "/bin/sh", Args: []string{"-c", "pwd"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	dir := strings.TrimSpace(result.Stdout)
	if dir == "" {
		t.Fatal("no working directory reported")
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("scratch dir missing while live: %v", err)
	}

	if err := p.Destroy(ctx, id); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("scratch dir survived destroy: %v", err)
	}
}
