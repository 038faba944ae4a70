package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"neuron/internal/errors"
	"neuron/internal/observability"
)

// Config is the complete runtime configuration.
type Config struct {
	DataDir       string                    `yaml:"data_dir"`
	Providers     map[string]ProviderConfig `yaml:"providers"`
	Agent         AgentDefaults             `yaml:"agent"`
	Memory        MemoryConfig              `yaml:"memory"`
	Consolidation ConsolidationConfig       `yaml:"consolidation"`
	Executor      ExecutorConfig            `yaml:"executor"`
	Retrieval     RetrievalConfig           `yaml:"retrieval"`
	Server        ServerConfig              `yaml:"server"`
	Audit         AuditConfig               `yaml:"audit"`
	Observability ObservabilityConfig       `yaml:"observability"`
}

// ObservabilityConfig groups metrics and tracing settings.
type ObservabilityConfig struct {
	Metrics observability.MetricsConfig `yaml:"metrics"`
	Tracing observability.TracingConfig `yaml:"tracing"`
}

// ProviderConfig holds connection settings for one model provider.
type ProviderConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	APIKeyEnv      string `yaml:"api_key_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// ResolveAPIKey prefers the environment variable over the literal key so
// config files never need to carry secrets.
func (p ProviderConfig) ResolveAPIKey() string {
	if p.APIKeyEnv != "" {
		if v := os.Getenv(p.APIKeyEnv); v != "" {
			return v
		}
	}
	return p.APIKey
}

// Timeout returns the provider HTTP timeout.
func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// AgentDefaults seeds new agents that don't override these fields.
type AgentDefaults struct {
	Provider     string  `yaml:"provider"`
	Model        string  `yaml:"model"`
	Temperature  float64 `yaml:"temperature"`
	TopP         float64 `yaml:"top_p"`
	MaxTokens    int     `yaml:"max_tokens"`
	SystemPrompt string  `yaml:"system_prompt"`
	PrivacyTier  int     `yaml:"privacy_tier"`
}

// MemoryConfig bounds the hierarchical memory layers.
type MemoryConfig struct {
	WorkingSetSize  int `yaml:"working_set_size"`
	EpisodicSoftCap int `yaml:"episodic_soft_cap"`
	EpisodicTarget  int `yaml:"episodic_target"`
}

// ConsolidationConfig tunes when and where consolidation runs.
type ConsolidationConfig struct {
	InteractionThreshold int `yaml:"interaction_threshold"`
	MaxAgeHours          int `yaml:"max_age_hours"`
	Workers              int `yaml:"workers"`
	QueueSize            int `yaml:"queue_size"`
}

// ExecutorConfig governs tool execution.
type ExecutorConfig struct {
	WorkspaceRoot         string `yaml:"workspace_root"`
	DefaultTimeoutSeconds int    `yaml:"default_timeout_seconds"`
	MaxConcurrentPerTool  int    `yaml:"max_concurrent_per_tool"`
	CacheSize             int    `yaml:"cache_size"`
	CacheTTLSeconds       int    `yaml:"cache_ttl_seconds"`
}

// RetrievalConfig configures the vector store and its embedder.
type RetrievalConfig struct {
	Enabled       bool           `yaml:"enabled"`
	Path          string         `yaml:"path"`
	TopK          int            `yaml:"top_k"`
	MinSimilarity float32        `yaml:"min_similarity"`
	Embedder      EmbedderConfig `yaml:"embedder"`
}

// EmbedderConfig points retrieval at an OpenAI-compatible embeddings API.
type EmbedderConfig struct {
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// AuditConfig configures the append-only audit sink.
type AuditConfig struct {
	Path      string `yaml:"path"`
	SecretEnv string `yaml:"secret_env"`
}

// ResolveSecret reads the HMAC signing key from the configured environment
// variable so config files never need to carry it.
func (a AuditConfig) ResolveSecret() []byte {
	if a.SecretEnv == "" {
		return nil
	}
	if v := os.Getenv(a.SecretEnv); v != "" {
		return []byte(v)
	}
	return nil
}

// DefaultConfig returns the baseline configuration. Load overlays a config
// file on top of it, so every field here is a working default.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".neuron")

	return Config{
		DataDir: dataDir,
		Providers: map[string]ProviderConfig{
			"openai": {
				BaseURL:   "https://api.openai.com/v1",
				APIKeyEnv: "OPENAI_API_KEY",
			},
			"anthropic": {
				BaseURL:   "https://api.anthropic.com",
				APIKeyEnv: "ANTHROPIC_API_KEY",
			},
			"ollama": {
				BaseURL: "http://localhost:11434",
			},
			"together": {
				BaseURL:   "https://api.together.xyz/v1",
				APIKeyEnv: "TOGETHER_API_KEY",
			},
			"groq": {
				BaseURL:   "https://api.groq.com/openai/v1",
				APIKeyEnv: "GROQ_API_KEY",
			},
		},
		Agent: AgentDefaults{
			Provider:    "openai",
			Model:       "gpt-4o",
			Temperature: 0.7,
			TopP:        0.9,
			MaxTokens:   4096,
		},
		Memory: MemoryConfig{
			WorkingSetSize:  10,
			EpisodicSoftCap: 50,
			EpisodicTarget:  20,
		},
		Consolidation: ConsolidationConfig{
			InteractionThreshold: 100,
			MaxAgeHours:          24,
			Workers:              2,
			QueueSize:            16,
		},
		Executor: ExecutorConfig{
			WorkspaceRoot:         filepath.Join(dataDir, "workspace"),
			DefaultTimeoutSeconds: 30,
			MaxConcurrentPerTool:  4,
			CacheSize:             256,
			CacheTTLSeconds:       300,
		},
		Retrieval: RetrievalConfig{
			Enabled:       false,
			Path:          filepath.Join(dataDir, "retrieval"),
			TopK:          5,
			MinSimilarity: 0.3,
			Embedder: EmbedderConfig{
				BaseURL:   "https://api.openai.com/v1",
				Model:     "text-embedding-3-small",
				APIKeyEnv: "OPENAI_API_KEY",
			},
		},
		Server: ServerConfig{
			Addr:        ":8420",
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Audit: AuditConfig{
			Path:      filepath.Join(dataDir, "audit.jsonl"),
			SecretEnv: "NEURON_AUDIT_SECRET",
		},
		Observability: ObservabilityConfig{
			Metrics: observability.MetricsConfig{
				Enabled:        false,
				PrometheusPort: 9090,
			},
			Tracing: observability.TracingConfig{
				Enabled:        false,
				Exporter:       "otlp",
				SampleRate:     1.0,
				ServiceName:    "neuron",
				ServiceVersion: "dev",
			},
		},
	}
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error; the defaults stand. Keys absent from the file keep default values.
func Load(configPath string) (Config, error) {
	config := DefaultConfig()

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			configPath = filepath.Join(home, ".neuron", "config.yaml")
		}
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return config, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// Validate rejects configurations the runtime cannot start with.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.NewConfigError("data_dir", "must not be empty")
	}
	if c.Memory.WorkingSetSize < 1 {
		return errors.NewConfigError("memory.working_set_size", "must be at least 1, got %d", c.Memory.WorkingSetSize)
	}
	if c.Memory.EpisodicTarget > c.Memory.EpisodicSoftCap {
		return errors.NewConfigError("memory.episodic_target",
			"target %d exceeds soft cap %d", c.Memory.EpisodicTarget, c.Memory.EpisodicSoftCap)
	}
	if c.Agent.Provider == "" || c.Agent.Model == "" {
		return errors.NewConfigError("agent", "provider and model must be set")
	}
	if _, ok := c.Providers[c.Agent.Provider]; !ok {
		return errors.NewConfigError("agent.provider", "unknown provider %q", c.Agent.Provider)
	}
	if c.Executor.WorkspaceRoot == "" {
		return errors.NewConfigError("executor.workspace_root", "must not be empty")
	}
	if c.Executor.DefaultTimeoutSeconds < 1 {
		return errors.NewConfigError("executor.default_timeout_seconds", "must be positive, got %d", c.Executor.DefaultTimeoutSeconds)
	}
	if c.Consolidation.Workers < 1 {
		return errors.NewConfigError("consolidation.workers", "must be at least 1, got %d", c.Consolidation.Workers)
	}
	if t := c.Observability.Tracing; t.Enabled && t.Exporter != "otlp" && t.Exporter != "zipkin" {
		return errors.NewConfigError("observability.tracing.exporter", "must be otlp or zipkin, got %q", t.Exporter)
	}
	return nil
}

// Save writes the configuration to disk, creating parent directories.
func Save(config Config, configPath string) error {
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		configPath = filepath.Join(home, ".neuron", "config.yaml")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(configPath, data, 0o644)
}
