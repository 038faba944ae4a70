package tools

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"neuron/internal/agent/ports"
	"neuron/internal/errors"
	"neuron/internal/logging"
)

const maxCaptureBytes = 256 * 1024

// LocalSandboxProvider runs commands as local subprocesses, one scratch
// directory per sandbox. Processes get their own process group so a timeout
// kills the whole tree, and resource usage is harvested from the reaped
// process even when it was killed. CPU and memory limits are advisory here;
// TimeoutMS is enforced.
type LocalSandboxProvider struct {
	logger logging.Logger

	mu    sync.Mutex
	boxes map[string]*localSandbox
}

type localSandbox struct {
	id     string
	dir    string
	limits ports.ResourceLimits
}

// NewLocalSandboxProvider returns a provider backed by local subprocesses.
func NewLocalSandboxProvider(logger logging.Logger) *LocalSandboxProvider {
	return &LocalSandboxProvider{
		logger: logging.OrNop(logger),
		boxes:  make(map[string]*localSandbox),
	}
}

// Create allocates a scratch directory and returns the sandbox id.
func (p *LocalSandboxProvider) Create(ctx context.Context, limits ports.ResourceLimits) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir, err := os.MkdirTemp("", "neuron-sandbox-")
	if err != nil {
		return "", err
	}

	box := &localSandbox{id: uuid.NewString(), dir: dir, limits: limits}

	p.mu.Lock()
	p.boxes[box.id] = box
	p.mu.Unlock()

	p.logger.Debug("sandbox %s created (dir=%s)", box.id, dir)
	return box.id, nil
}

// Run executes one command inside the sandbox and blocks until it exits or
// the context expires. A partial RunResult with whatever accounting could be
// harvested accompanies every error.
func (p *LocalSandboxProvider) Run(ctx context.Context, sandboxID string, spec ports.RunSpec) (*ports.RunResult, error) {
	p.mu.Lock()
	box, ok := p.boxes[sandboxID]
	p.mu.Unlock()
	if !ok {
		return nil, errors.NewValidationError("sandbox_id", "unknown sandbox: %s", sandboxID)
	}
	if spec.Command == "" {
		return nil, errors.NewValidationError("command", "command is required")
	}

	runCtx := ctx
	if box.limits.TimeoutMS > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(box.limits.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = box.dir
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	cmd.Env = sandboxEnv(box.dir, spec.Env)
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		result := harvest(cmd, &stdout, &stderr)
		if err != nil {
			if _, exited := err.(*exec.ExitError); exited {
				// Non-zero exit is reported through ExitCode, not an error.
				return result, nil
			}
			return result, err
		}
		return result, nil

	case <-runCtx.Done():
		killProcessGroup(cmd)
		<-waitErr
		result := harvest(cmd, &stdout, &stderr)
		p.logger.Warn("sandbox %s run killed: %v", sandboxID, runCtx.Err())
		return result, runCtx.Err()
	}
}

// Destroy releases the sandbox. Destroying an unknown or already-destroyed
// id is a no-op.
func (p *LocalSandboxProvider) Destroy(ctx context.Context, sandboxID string) error {
	p.mu.Lock()
	box, ok := p.boxes[sandboxID]
	delete(p.boxes, sandboxID)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	if err := os.RemoveAll(box.dir); err != nil {
		return err
	}
	p.logger.Debug("sandbox %s destroyed", sandboxID)
	return nil
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return
	}
	_ = cmd.Process.Kill()
}

func harvest(cmd *exec.Cmd, stdout, stderr *bytes.Buffer) *ports.RunResult {
	result := &ports.RunResult{
		Stdout:   truncateOutput(stdout.String()),
		Stderr:   truncateOutput(stderr.String()),
		ExitCode: -1,
	}
	state := cmd.ProcessState
	if state == nil {
		return result
	}
	result.ExitCode = state.ExitCode()
	result.CPUTimeMS = (state.UserTime() + state.SystemTime()).Milliseconds()
	result.MemoryPeakBytes = maxRSSBytes(state)
	return result
}

func maxRSSBytes(state *os.ProcessState) int64 {
	ru, ok := state.SysUsage().(*syscall.Rusage)
	if !ok || ru == nil {
		return 0
	}
	rss := int64(ru.Maxrss)
	if runtime.GOOS == "darwin" {
		// Darwin reports Maxrss in bytes, Linux in kilobytes.
		return rss
	}
	return rss * 1024
}

func sandboxEnv(home string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=" + home,
		"TMPDIR=" + home,
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func truncateOutput(s string) string {
	if len(s) <= maxCaptureBytes {
		return s
	}
	return s[:maxCaptureBytes] + "\n[output truncated]"
}
