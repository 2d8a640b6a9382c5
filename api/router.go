package api

import (
	"github.com/gin-gonic/gin"

	"ffbatch/config"
	"ffbatch/task"
)

func SetupRouter(tm *task.Manager, cfg *config.Config, reports ReportIndex, resources Snapshotter, hub *Hub) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger())
	h := NewHandler(tm, cfg, reports, resources, hub)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/jobs", h.handleCreateJob)
		v1.GET("/jobs", h.handleListJobs)
		v1.GET("/jobs/:jobId", h.handleGetJob)
		v1.PATCH("/jobs/:jobId/cancel", h.handleCancelJob)
		v1.POST("/jobs/:jobId/export", h.handleExportJob)

		v1.GET("/tasks/:taskId", h.handleGetTask)
		v1.PATCH("/tasks/:taskId/cancel", h.handleCancelTask)

		v1.GET("/reports", h.handleListReports)
		v1.GET("/stats", h.handleStats)
		v1.GET("/resources", h.handleResources)
		v1.GET("/events", h.handleEvents)
	}
	return r
}
