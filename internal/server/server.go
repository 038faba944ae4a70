// Package server exposes the runtime over HTTP: agent lifecycle, streaming
// chat, tool discovery and governance, execution queries, and a websocket
// event stream. It is a thin adapter; every decision lives in the packages
// it fronts.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"neuron/internal/agent"
	"neuron/internal/consolidator"
	"neuron/internal/errors"
	"neuron/internal/logging"
	"neuron/internal/toolregistry"
	"neuron/internal/tools"
)

// Options wires the server's collaborators. Manager, registry, ledger, and
// runner are required.
type Options struct {
	Manager      *agent.Manager
	Registry     *toolregistry.Registry
	Ledger       *toolregistry.Ledger
	Runner       tools.Runner
	Executions   tools.ExecutionStore
	Consolidator *consolidator.Consolidator
	Logger       logging.Logger

	Addr        string
	CORSOrigins []string
}

// Server is the HTTP front of the runtime.
type Server struct {
	manager      *agent.Manager
	registry     *toolregistry.Registry
	ledger       *toolregistry.Ledger
	runner       tools.Runner
	executions   tools.ExecutionStore
	consolidator *consolidator.Consolidator
	logger       logging.Logger

	engine    *gin.Engine
	http      *http.Server
	startedAt time.Time
}

// New builds the server and its route table.
func New(opts Options) (*Server, error) {
	if opts.Manager == nil || opts.Registry == nil || opts.Ledger == nil || opts.Runner == nil {
		return nil, errors.NewConfigError("server", "manager, registry, ledger, and runner are required")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		manager:      opts.Manager,
		registry:     opts.Registry,
		ledger:       opts.Ledger,
		runner:       opts.Runner,
		executions:   opts.Executions,
		consolidator: opts.Consolidator,
		logger:       logging.OrNop(opts.Logger),
		engine:       engine,
		startedAt:    time.Now(),
	}

	engine.Use(gin.Recovery())
	engine.Use(s.requestLog())

	corsConfig := cors.DefaultConfig()
	if len(opts.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = opts.CORSOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", "X-User-ID")
	engine.Use(cors.New(corsConfig))

	s.routes()

	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.health)

	v1 := s.engine.Group("/api/v1")
	{
		v1.POST("/agents", s.createAgent)
		v1.GET("/agents", s.listAgents)
		v1.GET("/agents/:id", s.getAgent)
		v1.DELETE("/agents/:id", s.deleteAgent)
		v1.POST("/agents/:id/chat", s.chat)
		v1.POST("/agents/:id/consolidate", s.consolidate)
		v1.GET("/agents/:id/executions", s.listExecutions)

		v1.GET("/tools", s.discoverTools)
		v1.POST("/permissions", s.grantPermission)
		v1.DELETE("/permissions", s.revokePermission)

		v1.POST("/executions", s.execute)
		v1.GET("/executions/:id", s.getExecution)
		v1.POST("/executions/:id/confirm", s.confirmExecution)

		v1.GET("/stats", s.stats)
		v1.GET("/ws", s.websocket)
	}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requestLog stamps each request with a short id and logs its outcome.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := uuid.NewString()[:8]
		c.Set("request_id", reqID)

		c.Next()

		s.logger.Debug("[req:%s] %s %s -> %d (%s)",
			reqID, c.Request.Method, c.Request.URL.Path,
			c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

// callerID identifies the requesting principal. Authentication is an outer
// concern; absent a header the principal is the local operator.
func callerID(c *gin.Context) string {
	if id := c.GetHeader("X-User-ID"); id != "" {
		return id
	}
	return "local"
}

// callerFor builds the tool-subsystem identity for a request against one
// agent: the agent's privacy tier bounds what the principal may reach.
func (s *Server) callerFor(c *gin.Context, agentID string) (toolregistry.Caller, error) {
	a, err := s.manager.Get(c.Request.Context(), agentID)
	if err != nil {
		return toolregistry.Caller{}, err
	}
	return toolregistry.Caller{
		UserID:      callerID(c),
		AgentID:     a.ID,
		PrivacyTier: a.Config.PrivacyTier,
	}, nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}
