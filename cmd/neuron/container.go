package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"neuron/internal/agent"
	"neuron/internal/agent/ports"
	"neuron/internal/audit"
	"neuron/internal/config"
	"neuron/internal/consolidator"
	"neuron/internal/llm"
	"neuron/internal/logging"
	"neuron/internal/memory"
	"neuron/internal/observability"
	"neuron/internal/rag"
	"neuron/internal/server"
	"neuron/internal/storage"
	"neuron/internal/toolregistry"
	"neuron/internal/tools"
	"neuron/internal/tools/builtin"
)

// Container wires the full runtime from a configuration. Construction order
// matters: storage and observability come up first, the agent manager last,
// and Close tears everything down in reverse.
type Container struct {
	Config config.Config
	Logger logging.Logger

	Metrics *observability.MetricsCollector
	Tracing *observability.TracerProvider

	DB        *storage.DB
	AuditFile *audit.Sink
	Audit     ports.AuditSink

	Broker       *llm.Broker
	Memory       *memory.Manager
	Consolidator *consolidator.Consolidator

	Registry   *toolregistry.Registry
	Ledger     *toolregistry.Ledger
	Limiter    *toolregistry.RateLimiter
	Executions tools.ExecutionStore
	Runner     tools.Runner

	Retrieval *rag.Store
	Manager   *agent.Manager
	Server    *server.Server
}

func newContainer(ctx context.Context, cfg config.Config) (*Container, error) {
	logger := logging.NewComponentLogger("neuron")
	c := &Container{Config: cfg, Logger: logger}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	metrics, err := observability.NewMetricsCollector(cfg.Observability.Metrics, logger)
	if err != nil {
		return nil, err
	}
	c.Metrics = metrics

	tracing, err := observability.NewTracerProvider(cfg.Observability.Tracing)
	if err != nil {
		c.close(ctx)
		return nil, err
	}
	c.Tracing = tracing

	db, err := storage.Open(filepath.Join(cfg.DataDir, "neuron.db"))
	if err != nil {
		c.close(ctx)
		return nil, err
	}
	c.DB = db

	fileSink, err := audit.Open(cfg.Audit.Path, cfg.Audit.ResolveSecret(), logger)
	if err != nil {
		c.close(ctx)
		return nil, err
	}
	c.AuditFile = fileSink
	c.Audit = audit.Fanout(fileSink, db.Audit(logger))

	providers := make(map[string]llm.Config, len(cfg.Providers))
	for name, p := range cfg.Providers {
		providers[name] = llm.Config{
			APIKey:  p.ResolveAPIKey(),
			BaseURL: p.BaseURL,
			Timeout: p.TimeoutSeconds,
		}
	}
	c.Broker = llm.NewBroker(providers, logger)
	if err := c.Broker.Initialize(ctx); err != nil {
		c.close(ctx)
		return nil, err
	}

	c.Memory = memory.NewManager(
		memory.NewFileStore(filepath.Join(cfg.DataDir, "memory")),
		cfg.Memory.WorkingSetSize,
		nil,
		logger,
	)

	c.Consolidator = consolidator.New(c.Broker, c.Memory, consolidator.Config{
		InteractionThreshold: cfg.Consolidation.InteractionThreshold,
		EpisodicSoftCap:      cfg.Memory.EpisodicSoftCap,
		MaxAge:               time.Duration(cfg.Consolidation.MaxAgeHours) * time.Hour,
		DedupTarget:          cfg.Memory.EpisodicTarget,
		Workers:              cfg.Consolidation.Workers,
		QueueSize:            cfg.Consolidation.QueueSize,
	}, metrics, tracing, nil, logger)

	c.Ledger = toolregistry.NewLedger(db.Permissions(), nil, c.Audit, logger)
	registry, err := toolregistry.NewRegistry(c.Ledger, builtin.All(builtin.Config{
		WorkspaceRoot: cfg.Executor.WorkspaceRoot,
	})...)
	if err != nil {
		c.close(ctx)
		return nil, err
	}
	c.Registry = registry
	c.Limiter = toolregistry.NewRateLimiter(registry, db.RateCounters(), nil)
	c.Executions = db.Executions()

	executor, err := tools.NewExecutor(registry, c.Ledger, c.Limiter, tools.Options{
		Store:          c.Executions,
		Sandbox:        tools.NewLocalSandboxProvider(logger),
		Audit:          c.Audit,
		Metrics:        metrics,
		Logger:         logger,
		DefaultTimeout: time.Duration(cfg.Executor.DefaultTimeoutSeconds) * time.Second,
		OnTransition: func(exec tools.Execution) {
			if c.Manager != nil {
				c.Manager.PublishExecution(exec)
			}
		},
	})
	if err != nil {
		c.close(ctx)
		return nil, err
	}
	c.Runner = tools.NewCachedRunner(executor, registry, tools.CacheConfig{
		MaxSize: cfg.Executor.CacheSize,
		TTL:     time.Duration(cfg.Executor.CacheTTLSeconds) * time.Second,
	}, nil, metrics)

	var retrieval ports.RetrievalStore
	if cfg.Retrieval.Enabled {
		embedder, err := rag.NewEmbedder(rag.EmbedderConfig{
			BaseURL: cfg.Retrieval.Embedder.BaseURL,
			Model:   cfg.Retrieval.Embedder.Model,
			APIKey:  os.Getenv(cfg.Retrieval.Embedder.APIKeyEnv),
		})
		if err != nil {
			c.close(ctx)
			return nil, err
		}
		store, err := rag.NewStore(rag.StoreConfig{
			Path:          cfg.Retrieval.Path,
			MinSimilarity: cfg.Retrieval.MinSimilarity,
		}, embedder, logger)
		if err != nil {
			c.close(ctx)
			return nil, err
		}
		c.Retrieval = store
		retrieval = store
	}

	manager, err := agent.NewManager(agent.Options{
		Broker:       c.Broker,
		Memory:       c.Memory,
		Consolidator: c.Consolidator,
		Registry:     registry,
		Runner:       c.Runner,
		Retrieval:    retrieval,
		Store:        agent.NewFileStore(filepath.Join(cfg.DataDir, "agents")),
		Audit:        c.Audit,
		Metrics:      metrics,
		Tracing:      tracing,
		Logger:       logger,
		Defaults: agent.Config{
			Provider:     cfg.Agent.Provider,
			Model:        cfg.Agent.Model,
			Temperature:  cfg.Agent.Temperature,
			TopP:         cfg.Agent.TopP,
			MaxTokens:    cfg.Agent.MaxTokens,
			SystemPrompt: cfg.Agent.SystemPrompt,
			PrivacyTier:  ports.PrivacyTier(cfg.Agent.PrivacyTier),
		},
		RetrievalTopK: cfg.Retrieval.TopK,
	})
	if err != nil {
		c.close(ctx)
		return nil, err
	}
	c.Manager = manager
	if err := manager.Load(ctx); err != nil {
		c.close(ctx)
		return nil, err
	}

	srv, err := server.New(server.Options{
		Manager:      manager,
		Registry:     registry,
		Ledger:       c.Ledger,
		Runner:       c.Runner,
		Executions:   c.Executions,
		Consolidator: c.Consolidator,
		Logger:       logger,
		Addr:         cfg.Server.Addr,
		CORSOrigins:  cfg.Server.CORSOrigins,
	})
	if err != nil {
		c.close(ctx)
		return nil, err
	}
	c.Server = srv

	return c, nil
}

// Close shuts the runtime down in reverse construction order. Safe to call
// on a partially built container.
func (c *Container) Close(ctx context.Context) {
	c.close(ctx)
}

func (c *Container) close(ctx context.Context) {
	if c.Manager != nil {
		c.Manager.Close()
	}
	if c.Consolidator != nil {
		c.Consolidator.Close()
	}
	if c.AuditFile != nil {
		_ = c.AuditFile.Close()
	}
	if c.DB != nil {
		_ = c.DB.Close()
	}
	if c.Tracing != nil {
		_ = c.Tracing.Shutdown(ctx)
	}
	if c.Metrics != nil {
		_ = c.Metrics.Shutdown(ctx)
	}
}
