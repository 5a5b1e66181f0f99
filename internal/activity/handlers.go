package activity

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/common/logger"
)

// Handlers exposes the internal activities API consumed by the scheduler.
type Handlers struct {
	service *Service
	logger  *logger.Logger
}

// NewHandlers creates the handlers.
func NewHandlers(service *Service, log *logger.Logger) *Handlers {
	return &Handlers{
		service: service,
		logger:  log.WithFields(zap.String("component", "activity-handlers")),
	}
}

// RegisterRoutes mounts the internal API under the given group.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/activities/track", h.track)
	rg.POST("/activities/:id/complete", h.complete)
	rg.GET("/activities/agent/:name", h.listByAgent)
}

func (h *Handlers) track(c *gin.Context) {
	var req TrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.service.Track(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("failed to track activity", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"activity_id": id})
}

func (h *Handlers) complete(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.service.Complete(c.Request.Context(), c.Param("id"), req); err != nil {
		h.logger.Error("failed to complete activity",
			zap.String("activity_id", c.Param("id")),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) listByAgent(c *gin.Context) {
	activities, err := h.service.ListByAgent(c.Request.Context(), c.Param("name"), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"activities": activities})
}
