package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"neuron/internal/agent"
	"neuron/internal/agent/ports"
	"neuron/internal/consolidator"
	"neuron/internal/errors"
	"neuron/internal/jsonx"
	"neuron/internal/toolregistry"
	"neuron/internal/tools"
)

type createAgentRequest struct {
	Name        string       `json:"name" binding:"required"`
	Description string       `json:"description"`
	OwnerID     string       `json:"owner_id"`
	Config      agent.Config `json:"config"`
}

func (s *Server) createAgent(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errors.NewValidationError("body", "%v", err))
		return
	}
	if req.OwnerID == "" {
		req.OwnerID = callerID(c)
	}

	a, err := s.manager.Create(c.Request.Context(), agent.Record{
		Name:        req.Name,
		Description: req.Description,
		OwnerID:     req.OwnerID,
		Config:      req.Config,
	})
	if err != nil && a == nil {
		s.fail(c, err)
		return
	}
	// A configuration error still registers the agent; the status carries
	// the error state so the caller can fix the config and reinitialize.
	c.JSON(http.StatusCreated, a.Status())
}

func (s *Server) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.manager.List(c.Request.Context())})
}

func (s *Server) getAgent(c *gin.Context) {
	a, err := s.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a.Status())
}

func (s *Server) deleteAgent(c *gin.Context) {
	if err := s.manager.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type chatRequest struct {
	Message string `json:"message" binding:"required"`
}

// chat streams the agent's response as server-sent events: one `data` event
// per fragment, an `error` event on failure, and a closing `done` event.
func (s *Server) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errors.NewValidationError("body", "%v", err))
		return
	}

	fragments, err := s.manager.Chat(c.Request.Context(), c.Param("id"), req.Message)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	for fragment := range fragments {
		if fragment.Err != nil {
			payload, _ := jsonx.Marshal(errorBody(fragment.Err))
			c.SSEvent("error", string(payload))
		} else {
			payload, _ := jsonx.Marshal(gin.H{"text": fragment.Text})
			c.SSEvent("message", string(payload))
		}
		c.Writer.Flush()
	}
	c.SSEvent("done", "{}")
	c.Writer.Flush()
}

// consolidate triggers a synchronous consolidation run, outside the chat
// path. Useful for operators and tests; chat turns schedule their own.
func (s *Server) consolidate(c *gin.Context) {
	if s.consolidator == nil {
		s.fail(c, errors.NewConfigError("consolidator", "consolidation is not configured"))
		return
	}
	a, err := s.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	run := s.consolidator.Consolidate(c.Request.Context(), a.ID, consolidator.ModelRef{
		Provider: a.Config.Provider,
		Model:    a.Config.Model,
	})
	c.JSON(http.StatusOK, run)
}

func (s *Server) discoverTools(c *gin.Context) {
	caller := toolregistry.Caller{UserID: callerID(c), PrivacyTier: ports.PrivacyPublicAPI}
	if agentID := c.Query("agent_id"); agentID != "" {
		resolved, err := s.callerFor(c, agentID)
		if err != nil {
			s.fail(c, err)
			return
		}
		caller = resolved
	}

	filter := toolregistry.Filter{
		Category:         c.Query("category"),
		Query:            c.Query("q"),
		IncludeDangerous: c.Query("include_dangerous") == "true",
		Page:             intQuery(c, "page", 0),
		PerPage:          intQuery(c, "per_page", 0),
	}
	if tags := c.Query("tags"); tags != "" {
		filter.Tags = strings.Split(tags, ",")
	}
	if raw := c.Query("max_privacy_tier"); raw != "" {
		if tier, err := strconv.Atoi(raw); err == nil {
			t := ports.PrivacyTier(tier)
			filter.MaxPrivacyTier = &t
		}
	}

	page, err := s.registry.Discover(c.Request.Context(), caller, filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type grantRequest struct {
	UserID              string     `json:"user_id"`
	AgentID             string     `json:"agent_id" binding:"required"`
	ToolName            string     `json:"tool_name" binding:"required"`
	Scopes              []string   `json:"scopes" binding:"required"`
	ExpiresAt           *time.Time `json:"expires_at"`
	MaxDailyUses        int        `json:"max_daily_uses"`
	MaxTotalUses        int        `json:"max_total_uses"`
	AllowedParams       []string   `json:"allowed_params"`
	DeniedParams        []string   `json:"denied_params"`
	RequireConfirmation bool       `json:"require_confirmation"`
}

func (s *Server) grantPermission(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errors.NewValidationError("body", "%v", err))
		return
	}
	if req.UserID == "" {
		req.UserID = callerID(c)
	}

	scopes := make([]toolregistry.Scope, 0, len(req.Scopes))
	for _, raw := range req.Scopes {
		scope, err := toolregistry.ParseScope(raw)
		if err != nil {
			s.fail(c, err)
			return
		}
		scopes = append(scopes, scope)
	}

	perm, err := s.ledger.Grant(c.Request.Context(), req.UserID, req.AgentID, req.ToolName, toolregistry.GrantSpec{
		Scopes:              scopes,
		ExpiresAt:           req.ExpiresAt,
		MaxDailyUses:        req.MaxDailyUses,
		MaxTotalUses:        req.MaxTotalUses,
		AllowedParams:       req.AllowedParams,
		DeniedParams:        req.DeniedParams,
		RequireConfirmation: req.RequireConfirmation,
		GrantedBy:           callerID(c),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, perm)
}

type revokeRequest struct {
	UserID   string `json:"user_id"`
	AgentID  string `json:"agent_id" binding:"required"`
	ToolName string `json:"tool_name" binding:"required"`
	Reason   string `json:"reason"`
}

func (s *Server) revokePermission(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errors.NewValidationError("body", "%v", err))
		return
	}
	if req.UserID == "" {
		req.UserID = callerID(c)
	}

	if err := s.ledger.Revoke(c.Request.Context(), req.UserID, req.AgentID, req.ToolName, callerID(c), req.Reason); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type executeRequest struct {
	AgentID         string         `json:"agent_id" binding:"required"`
	ToolName        string         `json:"tool_name" binding:"required"`
	Params          map[string]any `json:"params"`
	SandboxID       string         `json:"sandbox_id"`
	DryRun          bool           `json:"dry_run"`
	TimeoutMS       int            `json:"timeout_ms"`
	ConfirmExpiryMS int            `json:"confirm_expiry_ms"`
}

func (s *Server) execute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errors.NewValidationError("body", "%v", err))
		return
	}

	caller, err := s.callerFor(c, req.AgentID)
	if err != nil {
		s.fail(c, err)
		return
	}
	caller.UserID = callerID(c)

	exec, err := s.runner.Execute(c.Request.Context(), tools.Request{
		ToolName:      req.ToolName,
		Params:        req.Params,
		Caller:        caller,
		SandboxID:     req.SandboxID,
		DryRun:        req.DryRun,
		Timeout:       time.Duration(req.TimeoutMS) * time.Millisecond,
		ConfirmExpiry: time.Duration(req.ConfirmExpiryMS) * time.Millisecond,
	})
	if err != nil {
		// A refused call has no record; a failed one does, and the caller
		// gets it alongside the classification.
		status := statusFor(err)
		body := gin.H{"error": errorBody(err)["error"]}
		if exec != nil {
			body["execution"] = exec
		}
		setRetryAfter(c, err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution": exec})
}

func (s *Server) getExecution(c *gin.Context) {
	if s.executions == nil {
		s.fail(c, errors.NewConfigError("executions", "execution store is not configured"))
		return
	}
	exec, err := s.executions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution": exec})
}

func (s *Server) listExecutions(c *gin.Context) {
	if s.executions == nil {
		s.fail(c, errors.NewConfigError("executions", "execution store is not configured"))
		return
	}
	execs, err := s.executions.ListByAgent(c.Request.Context(), c.Param("id"), intQuery(c, "limit", 50))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

type confirmRequest struct {
	Approve bool `json:"approve"`
}

func (s *Server) confirmExecution(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errors.NewValidationError("body", "%v", err))
		return
	}
	if err := s.runner.Confirm(c.Request.Context(), c.Param("id"), callerID(c), req.Approve); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution_id": c.Param("id"), "approved": req.Approve})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Stats(c.Request.Context()))
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
