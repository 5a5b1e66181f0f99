// Package handlers exposes the agent-facing HTTP surface: lifecycle, chat,
// queue administration, and shared-folder configuration.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	agentclient "github.com/trinity/trinity/internal/agent/client"
	"github.com/trinity/trinity/internal/agent/models"
	"github.com/trinity/trinity/internal/agent/repository"
	"github.com/trinity/trinity/internal/agent/service"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/execqueue"
)

// Handlers bundles the agent endpoints.
type Handlers struct {
	service *service.Service
	repo    *repository.Repository
	agents  *agentclient.Client
	logger  *logger.Logger
}

// New creates the handlers.
func New(svc *service.Service, repo *repository.Repository, agents *agentclient.Client, log *logger.Logger) *Handlers {
	return &Handlers{
		service: svc,
		repo:    repo,
		agents:  agents,
		logger:  log.WithFields(zap.String("component", "agent-handlers")),
	}
}

// RegisterRoutes mounts the agent API under the given group.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/agents", h.upsertAgent)
	rg.GET("/agents/:name", h.getAgent)
	rg.POST("/agents/:name/start", h.startAgent)
	rg.POST("/agents/:name/stop", h.stopAgent)
	rg.POST("/agents/:name/chat", h.chat)
	rg.POST("/agents/:name/call", h.agentCall)
	rg.GET("/agents/:name/session", h.session)
	rg.GET("/agents/:name/queue", h.queueStatus)
	rg.POST("/agents/:name/queue/clear", h.clearQueue)
	rg.POST("/agents/:name/queue/release", h.forceRelease)
	rg.PUT("/agents/:name/shared-folders", h.setSharedFolders)
	rg.POST("/agents/:name/permissions", h.grantPermission)
	rg.DELETE("/agents/:name/permissions/:peer", h.revokePermission)
}

type upsertAgentRequest struct {
	Name            string `json:"name" binding:"required"`
	Image           string `json:"image"`
	OwnerID         string `json:"owner_id"`
	AutonomyEnabled *bool  `json:"autonomy_enabled"`
}

func (h *Handlers) upsertAgent(c *gin.Context) {
	var req upsertAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	autonomy := true
	if req.AutonomyEnabled != nil {
		autonomy = *req.AutonomyEnabled
	}
	agent := &models.Agent{
		Name:            req.Name,
		Image:           req.Image,
		OwnerID:         req.OwnerID,
		AutonomyEnabled: autonomy,
	}
	if err := h.repo.UpsertAgent(c.Request.Context(), agent); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *Handlers) getAgent(c *gin.Context) {
	agent, err := h.repo.GetAgent(c.Request.Context(), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *Handlers) startAgent(c *gin.Context) {
	result, err := h.service.Start(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.logger.Error("agent start failed",
			zap.String("agent", c.Param("name")),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) stopAgent(c *gin.Context) {
	if err := h.service.Stop(c.Request.Context(), c.Param("name")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

type chatRequest struct {
	Message string `json:"message" binding:"required"`
}

func (h *Handlers) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.service.Chat(c.Request.Context(), c.Param("name"), req.Message,
		c.GetHeader("X-User-ID"), c.GetHeader("X-User-Email"))
	if err != nil {
		h.respondQueueError(c, err)
		return
	}

	status := http.StatusOK
	if result.State == "queued" {
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}

type agentCallRequest struct {
	Message     string `json:"message" binding:"required"`
	SourceAgent string `json:"source_agent" binding:"required"`
}

func (h *Handlers) agentCall(c *gin.Context) {
	var req agentCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	allowed, err := h.repo.HasPermission(c.Request.Context(), req.SourceAgent, c.Param("name"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "calling permission not granted"})
		return
	}

	result, err := h.service.AgentCall(c.Request.Context(), c.Param("name"), req.Message, req.SourceAgent)
	if err != nil {
		h.respondQueueError(c, err)
		return
	}

	status := http.StatusOK
	if result.State == "queued" {
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}

func (h *Handlers) session(c *gin.Context) {
	info, err := h.agents.Session(c.Request.Context(), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handlers) queueStatus(c *gin.Context) {
	status, err := h.service.QueueStatus(c.Request.Context(), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handlers) clearQueue(c *gin.Context) {
	cleared, err := h.service.ClearQueue(c.Request.Context(), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

func (h *Handlers) forceRelease(c *gin.Context) {
	released, err := h.service.ForceRelease(c.Request.Context(), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

type sharedFoldersRequest struct {
	ExposeEnabled  bool `json:"expose_enabled"`
	ConsumeEnabled bool `json:"consume_enabled"`
}

func (h *Handlers) setSharedFolders(c *gin.Context) {
	var req sharedFoldersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg := &models.SharedFolderConfig{
		AgentName:      c.Param("name"),
		ExposeEnabled:  req.ExposeEnabled,
		ConsumeEnabled: req.ConsumeEnabled,
	}
	if err := h.repo.SetSharedFolderConfig(c.Request.Context(), cfg); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	// Mount convergence happens on the next start.
	c.JSON(http.StatusOK, cfg)
}

type permissionRequest struct {
	Peer string `json:"peer" binding:"required"`
}

func (h *Handlers) grantPermission(c *gin.Context) {
	var req permissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.repo.GrantPermission(c.Request.Context(), c.Param("name"), req.Peer); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "granted"})
}

func (h *Handlers) revokePermission(c *gin.Context) {
	if err := h.repo.RevokePermission(c.Request.Context(), c.Param("name"), c.Param("peer")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

// respondQueueError maps queue errors to their HTTP contract: a full wait
// list is 429 with a retry hint, a busy agent (wait disallowed) is 409.
func (h *Handlers) respondQueueError(c *gin.Context, err error) {
	var full *execqueue.QueueFullError
	if errors.As(err, &full) {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":        full.Error(),
			"queue_length": full.QueueLength,
			"retry_after":  30,
		})
		return
	}

	var busy *execqueue.AgentBusyError
	if errors.As(err, &busy) {
		c.JSON(http.StatusConflict, gin.H{"error": busy.Error()})
		return
	}

	appErr := apperrors.AsAppError(err)
	h.logger.Error("request failed", zap.Error(err))
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message})
}
