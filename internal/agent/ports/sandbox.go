package ports

import "context"

// ResourceLimits bounds a sandbox before creation.
type ResourceLimits struct {
	CPUMillis    int `json:"cpu_millis,omitempty"`
	MemoryMB     int `json:"memory_mb,omitempty"`
	TimeoutMS    int `json:"timeout_ms,omitempty"`
	MaxProcesses int `json:"max_processes,omitempty"`
	DiskQuotaMB  int `json:"disk_quota_mb,omitempty"`
}

// RunSpec describes one command run inside a sandbox.
type RunSpec struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Stdin   string            `json:"stdin,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Dir     string            `json:"dir,omitempty"`
}

// RunResult captures output and resource accounting for one sandbox run.
type RunResult struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exit_code"`
	CPUTimeMS       int64  `json:"cpu_time_ms"`
	MemoryPeakBytes int64  `json:"memory_peak_bytes"`
}

// SandboxProvider provisions isolated execution environments. Destroy must be
// safe to call on an already-destroyed id.
type SandboxProvider interface {
	Create(ctx context.Context, limits ResourceLimits) (string, error)
	Run(ctx context.Context, sandboxID string, spec RunSpec) (*RunResult, error)
	Destroy(ctx context.Context, sandboxID string) error
}
