package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"ffbatch/config"
	"ffbatch/resource"
	"ffbatch/store"
	"ffbatch/task"
)

// ReportIndex serves reports of jobs that may no longer be in memory.
type ReportIndex interface {
	Get(ctx context.Context, jobID string) (*store.Record, error)
	List(ctx context.Context, limit int) ([]store.Record, error)
}

// Snapshotter reports host resource usage.
type Snapshotter interface {
	Snapshot(ctx context.Context) (resource.Snapshot, error)
}

type Handler struct {
	taskManager *task.Manager
	cfg         *config.Config
	reports     ReportIndex
	resources   Snapshotter
	hub         *Hub
	upgrader    websocket.Upgrader
}

func NewHandler(tm *task.Manager, cfg *config.Config, reports ReportIndex, resources Snapshotter, hub *Hub) *Handler {
	return &Handler{
		taskManager: tm,
		cfg:         cfg,
		reports:     reports,
		resources:   resources,
		hub:         hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// errorStatus maps manager errors to HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, task.ErrJobNotFound), errors.Is(err, task.ErrTaskNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrNotCancelable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// handleCreateJob validates and enqueues a job.
func (h *Handler) handleCreateJob(c *gin.Context) {
	var req task.JobSpec
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.taskManager.SubmitJob(req)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID, "job": job})
}

func (h *Handler) handleListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, h.taskManager.Jobs())
}

// handleGetJob serves a live job, or the stored report of one that has been
// released from memory.
func (h *Handler) handleGetJob(c *gin.Context) {
	jobID := c.Param("jobId")
	job, err := h.taskManager.Job(jobID)
	if err == nil {
		c.JSON(http.StatusOK, job)
		return
	}
	if errors.Is(err, task.ErrJobNotFound) && h.reports != nil {
		rec, rerr := h.reports.Get(c.Request.Context(), jobID)
		if rerr == nil {
			c.JSON(http.StatusOK, gin.H{"archived": true, "report": rec.Report, "path": rec.Path, "exportedAt": rec.ExportedAt})
			return
		}
		if !errors.Is(rerr, store.ErrNotFound) {
			log.Error().Err(rerr).Str("job", jobID).Msg("report lookup failed")
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
}

func (h *Handler) handleCancelJob(c *gin.Context) {
	if err := h.taskManager.CancelJob(c.Param("jobId")); err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Job cancellation requested"})
}

func (h *Handler) handleExportJob(c *gin.Context) {
	report, path, err := h.taskManager.Export(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "report": report})
}

func (h *Handler) handleGetTask(c *gin.Context) {
	t, err := h.taskManager.Task(c.Param("taskId"))
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": "Task not found"})
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) handleCancelTask(c *gin.Context) {
	if err := h.taskManager.CancelTask(c.Param("taskId")); err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task cancellation requested"})
}

func (h *Handler) handleListReports(c *gin.Context) {
	if h.reports == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Report index is disabled"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	recs, err := h.reports.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []store.Record{}
	}
	c.JSON(http.StatusOK, recs)
}

func (h *Handler) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.taskManager.Stats())
}

func (h *Handler) handleResources(c *gin.Context) {
	if h.resources == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Resource monitor is disabled"})
		return
	}
	snap, err := h.resources.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleEvents upgrades to a websocket that streams job events.
func (h *Handler) handleEvents(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.hub.Add(conn)
}
