package oracle

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/alancoin-escrow/internal/errs"
	"github.com/mbd888/alancoin-escrow/internal/jobs"
)

// Handler exposes scheduler triggers and the run log.
type Handler struct {
	releaser *AutoReleaser
	runner   *jobs.Runner
	runs     RunStore
}

// NewHandler creates a new oracle handler.
func NewHandler(releaser *AutoReleaser, runner *jobs.Runner, runs RunStore) *Handler {
	return &Handler{releaser: releaser, runner: runner, runs: runs}
}

// RegisterAdminRoutes sets up trigger and run-log routes. All of them sit
// behind the admin secret.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/oracle/auto-release", h.TriggerAutoRelease)
	r.POST("/oracle/jobs/run", h.TriggerJobs)
	r.GET("/oracle/jobs", h.ListJobs)
	r.GET("/oracle/runs", h.ListRuns)
	r.GET("/oracle/runs/:id", h.GetRun)
}

// TriggerAutoRelease handles POST /v1/oracle/auto-release
func (h *Handler) TriggerAutoRelease(c *gin.Context) {
	run, err := h.releaser.Run(c.Request.Context())
	if err != nil {
		status := errs.HTTPStatus(err)
		if errors.Is(err, ErrDisabled) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"error":   errs.CodeOf(err),
			"kind":    errs.KindOf(err),
			"message": errs.DetailOf(err),
			"run":     run,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

// TriggerJobs handles POST /v1/oracle/jobs/run. With ?name= only that job runs.
func (h *Handler) TriggerJobs(c *gin.Context) {
	if name := c.Query("name"); name != "" {
		res, err := h.runner.RunOne(c.Request.Context(), name)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   errs.CodeOf(err),
				"message": errs.DetailOf(err),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": []jobs.Result{res}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": h.runner.RunAll(c.Request.Context())})
}

// ListJobs handles GET /v1/oracle/jobs
func (h *Handler) ListJobs(c *gin.Context) {
	locks, err := h.runner.Locks(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load job locks",
		})
		return
	}
	if locks == nil {
		locks = []*jobs.Lock{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": h.runner.Jobs(), "locks": locks})
}

// ListRuns handles GET /v1/oracle/runs?type=auto_release&limit=50
func (h *Handler) ListRuns(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	runs, err := h.runs.List(c.Request.Context(), RunType(c.Query("type")), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list runs",
		})
		return
	}
	if runs == nil {
		runs = []*Run{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

// GetRun handles GET /v1/oracle/runs/:id
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.runs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(errs.HTTPStatus(err), gin.H{
			"error":   errs.CodeOf(err),
			"message": errs.DetailOf(err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}
