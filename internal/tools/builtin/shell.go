package builtin

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
)

// allowedShellCommands is the set of first tokens a shell command may start
// with. Anything else is refused before the process is spawned.
var allowedShellCommands = map[string]struct{}{
	"ls": {}, "cat": {}, "echo": {}, "pwd": {}, "whoami": {}, "hostname": {},
	"date": {}, "git": {}, "npm": {}, "pip": {}, "python": {}, "node": {},
	"docker": {}, "kubectl": {}, "curl": {}, "wget": {}, "ping": {}, "dig": {},
	"nslookup": {}, "grep": {}, "find": {}, "wc": {}, "head": {}, "tail": {},
	"sort": {}, "uniq": {},
}

// deniedShellPatterns are substrings that refuse a command outright, even
// when the leading token is allowed.
var deniedShellPatterns = []string{
	"rm -rf",
	"mkfs",
	"dd if=",
	">> /etc/",
	"chmod 777",
	"curl | sh",
	"wget | sh",
	"eval",
	"exec",
	"| sh",
	"sudo",
	"su -",
	"passwd",
}

const maxShellOutputBytes = 256 * 1024

type shellExec struct {
	workdir string
}

// NewShellExec runs allow-listed shell commands rooted at the workspace.
func NewShellExec(cfg Config) ports.ToolExecutor {
	return &shellExec{workdir: cfg.WorkspaceRoot}
}

// checkCommand validates a command against the deny patterns and the
// allow-list. Deny patterns win over the allow-list.
func checkCommand(command string) error {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return errors.NewValidationError("command", "command is required")
	}
	lowered := strings.ToLower(trimmed)
	for _, pattern := range deniedShellPatterns {
		if strings.Contains(lowered, pattern) {
			return errors.NewValidationError("command", "command contains blocked pattern %q", pattern)
		}
	}
	fields := strings.Fields(trimmed)
	if _, ok := allowedShellCommands[fields[0]]; !ok {
		return errors.NewValidationError("command", "command %q is not on the allow-list", fields[0])
	}
	return nil
}

func (t *shellExec) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	command, ok := stringArg(call.Arguments, "command")
	if !ok {
		return &ports.ToolResult{CallID: call.ID, Error: errors.NewValidationError("command", "command is required")}, nil
	}
	if err := checkCommand(command); err != nil {
		return &ports.ToolResult{CallID: call.ID, Error: err}, nil
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = t.workdir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	runErr := cmd.Run()
	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return &ports.ToolResult{CallID: call.ID, Error: runErr}, nil
		}
		exitCode = exitErr.ExitCode()
	}
	if err := ctx.Err(); err != nil {
		return &ports.ToolResult{CallID: call.ID, Error: err}, nil
	}

	return &ports.ToolResult{
		CallID: call.ID,
		Content: jsonContent(map[string]any{
			"success":   exitCode == 0,
			"exit_code": exitCode,
			"stdout":    capOutput(stdout.String()),
			"stderr":    capOutput(stderr.String()),
			"command":   command,
			"cwd":       t.workdir,
		}),
		Metadata: map[string]any{"exit_code": exitCode},
	}, nil
}

// RunSpec lets the executor dispatch the command into a sandbox instead of
// the host shell. The sandbox provider supplies the working directory.
func (t *shellExec) RunSpec(call ports.ToolCall) (ports.RunSpec, error) {
	command, ok := stringArg(call.Arguments, "command")
	if !ok {
		return ports.RunSpec{}, errors.NewValidationError("command", "command is required")
	}
	if err := checkCommand(command); err != nil {
		return ports.RunSpec{}, err
	}
	return ports.RunSpec{Command: "/bin/sh", Args: []string{"-c", command}}, nil
}

func capOutput(s string) string {
	if len(s) <= maxShellOutputBytes {
		return s
	}
	return s[:maxShellOutputBytes] + "\n... [output truncated]"
}

func (t *shellExec) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "shell_exec",
		Description: "Run an allow-listed shell command in the agent workspace.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"command": {Type: "string", Description: "Shell command to execute"},
			},
			Required: []string{"command"},
		},
	}
}

func (t *shellExec) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{
		Name:                 "shell_exec",
		DisplayName:          "Shell Command",
		Version:              "1.0.0",
		Category:             "system",
		Tags:                 []string{"shell", "system"},
		PrivacyTier:          ports.PrivacyLocal,
		Dangerous:            true,
		RequiresConfirmation: true,
		SandboxTier:          ports.SandboxIsolated,
		EstimatedDurationMS:  60000,
		Enabled:              true,
	}
}
