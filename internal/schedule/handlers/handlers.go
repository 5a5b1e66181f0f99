// Package handlers exposes schedule CRUD and execution history endpoints.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/schedule/service"
)

// Handlers bundles the schedule endpoints.
type Handlers struct {
	service *service.Service
	logger  *logger.Logger
}

// New creates the handlers.
func New(svc *service.Service, log *logger.Logger) *Handlers {
	return &Handlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "schedule-handlers")),
	}
}

// RegisterRoutes mounts the schedule API under the given group.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/schedules", h.create)
	rg.GET("/schedules", h.list)
	rg.GET("/schedules/:id", h.get)
	rg.PATCH("/schedules/:id", h.update)
	rg.DELETE("/schedules/:id", h.delete)
	rg.GET("/schedules/:id/executions", h.executions)
}

type createRequest struct {
	AgentName      string    `json:"agent_name" binding:"required"`
	Name           string    `json:"name"`
	CronExpression string    `json:"cron_expression" binding:"required"`
	Message        string    `json:"message" binding:"required"`
	Enabled        bool      `json:"enabled"`
	Timezone       string    `json:"timezone"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	AllowedTools   *[]string `json:"allowed_tools,omitempty"`
	OwnerID        string    `json:"owner_id"`
}

func (h *Handlers) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	schedule, err := h.service.Create(c.Request.Context(), service.CreateParams{
		AgentName:      req.AgentName,
		Name:           req.Name,
		CronExpression: req.CronExpression,
		Message:        req.Message,
		Enabled:        req.Enabled,
		Timezone:       req.Timezone,
		TimeoutSeconds: req.TimeoutSeconds,
		AllowedTools:   req.AllowedTools,
		OwnerID:        req.OwnerID,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, schedule)
}

func (h *Handlers) list(c *gin.Context) {
	schedules, err := h.service.List(c.Request.Context(), c.Query("owner_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

func (h *Handlers) get(c *gin.Context) {
	schedule, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedule)
}

type updateRequest struct {
	Name              *string   `json:"name,omitempty"`
	CronExpression    *string   `json:"cron_expression,omitempty"`
	Message           *string   `json:"message,omitempty"`
	Enabled           *bool     `json:"enabled,omitempty"`
	Timezone          *string   `json:"timezone,omitempty"`
	TimeoutSeconds    *int      `json:"timeout_seconds,omitempty"`
	AllowedTools      *[]string `json:"allowed_tools,omitempty"`
	ClearAllowedTools bool      `json:"clear_allowed_tools,omitempty"`
}

func (h *Handlers) update(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	schedule, err := h.service.Update(c.Request.Context(), c.Param("id"), service.UpdateParams{
		Name:              req.Name,
		CronExpression:    req.CronExpression,
		Message:           req.Message,
		Enabled:           req.Enabled,
		Timezone:          req.Timezone,
		TimeoutSeconds:    req.TimeoutSeconds,
		AllowedTools:      req.AllowedTools,
		ClearAllowedTools: req.ClearAllowedTools,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedule)
}

func (h *Handlers) delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *Handlers) executions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	executions, err := h.service.Executions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": executions})
}

func (h *Handlers) respondError(c *gin.Context, err error) {
	appErr := apperrors.AsAppError(err)
	if appErr.HTTPStatus >= 500 {
		h.logger.Error("request failed", zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message, "code": appErr.Code})
}
