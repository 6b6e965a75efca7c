package feed

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler serves the activity feed over HTTP and WebSocket.
type Handler struct {
	recent *MemoryFeed
	hub    *Hub
}

// NewHandler creates a feed handler. hub may be nil.
func NewHandler(recent *MemoryFeed, hub *Hub) *Handler {
	return &Handler{recent: recent, hub: hub}
}

// RegisterRoutes sets up feed routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/feed", h.ListRecent)
	if h.hub != nil {
		r.GET("/feed/ws", h.Stream)
		r.GET("/feed/stats", h.Stats)
	}
}

// ListRecent handles GET /v1/feed?limit=50&agentId=
func (h *Handler) ListRecent(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= DefaultRingSize {
			limit = n
		}
	}
	events := h.recent.Recent(limit, c.Query("agentId"))
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// Stream handles GET /v1/feed/ws
func (h *Handler) Stream(c *gin.Context) {
	h.hub.HandleWebSocket(c.Writer, c.Request)
}

// Stats handles GET /v1/feed/stats
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.hub.Stats())
}
