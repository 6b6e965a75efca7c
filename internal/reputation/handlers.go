package reputation

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for reputation feedback
type Handler struct {
	emitter *Emitter
}

// NewHandler creates a new reputation handler
func NewHandler(emitter *Emitter) *Handler {
	return &Handler{emitter: emitter}
}

// RegisterRoutes sets up reputation endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/agents/:id/feedback", h.GetFeedback)
}

// GetFeedback handles GET /v1/agents/:id/feedback
func (h *Handler) GetFeedback(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	summary, fbs, err := h.emitter.Summary(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load feedback",
		})
		return
	}
	if fbs == nil {
		fbs = []*Feedback{}
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary, "feedback": fbs})
}
