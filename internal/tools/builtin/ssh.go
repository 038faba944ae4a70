package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
)

// dangerousSSHPatterns mark a remote command as destructive. Unlike the shell
// deny-list these never block execution; the result is flagged so the caller
// can surface it. Patterns must be lowercase; matching folds the command.
var dangerousSSHPatterns = []string{
	"rm ", "del ", "format ", "mkfs.", "dd ",
	"shutdown", "reboot", "halt", "poweroff",
	"> /dev/", "chmod -r", "chown -r",
}

const sshDialTimeout = 10 * time.Second

type sshExec struct{}

// NewSSHExec runs a command on a remote host over SSH.
func NewSSHExec() ports.ToolExecutor {
	return &sshExec{}
}

func dangerousCommand(command string) bool {
	lowered := strings.ToLower(command)
	for _, pattern := range dangerousSSHPatterns {
		if strings.Contains(lowered, pattern) {
			return true
		}
	}
	return false
}

func (t *sshExec) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	host, ok := stringArg(call.Arguments, "host")
	if !ok {
		return &ports.ToolResult{CallID: call.ID, Error: errors.NewValidationError("host", "host is required")}, nil
	}
	command, ok := stringArg(call.Arguments, "command")
	if !ok {
		return &ports.ToolResult{CallID: call.ID, Error: errors.NewValidationError("command", "command is required")}, nil
	}
	username, ok := stringArg(call.Arguments, "username")
	if !ok {
		return &ports.ToolResult{CallID: call.ID, Error: errors.NewValidationError("username", "username is required")}, nil
	}

	port := 22
	if raw, ok := numberArg(call.Arguments, "port"); ok {
		port = int(raw)
		if port < 1 || port > 65535 {
			return &ports.ToolResult{CallID: call.ID, Error: errors.NewValidationError("port", "port must be between 1 and 65535")}, nil
		}
	}

	auth, err := sshAuthMethods(call.Arguments)
	if err != nil {
		return &ports.ToolResult{CallID: call.ID, Error: err}, nil
	}

	cfg := &ssh.ClientConfig{
		User:            username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshDialTimeout,
	}

	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", host, port), cfg)
	if err != nil {
		return &ports.ToolResult{CallID: call.ID, Error: fmt.Errorf("ssh dial %s: %w", host, err)}, nil
	}
	defer client.Close()

	// ssh sessions do not take a context; close the client to abort the
	// command when the caller gives up.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()

	session, err := client.NewSession()
	if err != nil {
		return &ports.ToolResult{CallID: call.ID, Error: fmt.Errorf("ssh session: %w", err)}, nil
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	exitCode := 0
	if runErr := session.Run(command); runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &ports.ToolResult{CallID: call.ID, Error: ctxErr}, nil
		}
		exitErr, ok := runErr.(*ssh.ExitError)
		if !ok {
			return &ports.ToolResult{CallID: call.ID, Error: fmt.Errorf("ssh run: %w", runErr)}, nil
		}
		exitCode = exitErr.ExitStatus()
	}

	return &ports.ToolResult{
		CallID: call.ID,
		Content: jsonContent(map[string]any{
			"success":   exitCode == 0,
			"stdout":    stdout.String(),
			"stderr":    stderr.String(),
			"exit_code": exitCode,
			"host":      host,
			"command":   command,
			"dangerous": dangerousCommand(command),
		}),
		Metadata: map[string]any{"host": host, "exit_code": exitCode},
	}, nil
}

func sshAuthMethods(args map[string]any) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if password, ok := stringArg(args, "password"); ok {
		methods = append(methods, ssh.Password(password))
	}
	if keyPath, ok := stringArg(args, "private_key_path"); ok {
		keyBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, errors.NewValidationError("private_key_path", "read private key: %v", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, errors.NewValidationError("private_key_path", "parse private key: %v", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if len(methods) == 0 {
		return nil, errors.NewValidationError("password", "password or private_key_path is required")
	}
	return methods, nil
}

func (t *sshExec) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "ssh_exec",
		Description: "Run a command on a remote host over SSH.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"host":             {Type: "string", Description: "Remote host name or address"},
				"command":          {Type: "string", Description: "Command to run on the remote host"},
				"username":         {Type: "string", Description: "SSH user name"},
				"password":         {Type: "string", Description: "SSH password"},
				"private_key_path": {Type: "string", Description: "Path to a private key file"},
				"port":             {Type: "integer", Description: "SSH port (default 22)"},
			},
			Required: []string{"host", "command"},
		},
	}
}

func (t *sshExec) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{
		Name:                 "ssh_exec",
		DisplayName:          "SSH Command",
		Version:              "1.0.0",
		Category:             "network",
		Tags:                 []string{"ssh", "remote"},
		PrivacyTier:          ports.PrivacyPrivateCloud,
		Dangerous:            true,
		RequiresConfirmation: true,
		SandboxTier:          ports.SandboxInProcess,
		EstimatedDurationMS:  30000,
		RatePerMinute:        20,
		Enabled:              true,
	}
}
