// Package api exposes the scheduler's HTTP surface: manual trigger and
// health.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trinity/trinity/internal/common/httpmw"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/scheduler"
)

// NewRouter builds the scheduler's gin router.
func NewRouter(service *scheduler.Service, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "scheduler"))
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.OtelTracing("scheduler"))

	router.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "running": service.IsRunning()})
	})

	// Manual trigger: acknowledged immediately, dispatched in the background.
	router.POST("/api/schedules/:id/trigger", func(c *gin.Context) {
		err := service.Trigger(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, scheduler.ErrScheduleNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "triggered"})
	})

	return router
}
