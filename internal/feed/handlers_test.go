package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_ListRecent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mem := NewMemoryFeed(10)
	ctx := context.Background()
	_ = mem.Append(ctx, Event{Type: EventFunded, TransactionID: "tx_1", BuyerID: "alice", SellerID: "bob"})
	_ = mem.Append(ctx, Event{Type: EventFunded, TransactionID: "tx_2", BuyerID: "carol", SellerID: "dave"})

	r := gin.New()
	NewHandler(mem, nil).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/feed?agentId=bob", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Events []Event `json:"events"`
		Count  int     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "tx_1", resp.Events[0].TransactionID)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/feed/stats", nil))
	assert.Equal(t, http.StatusNotFound, w.Code, "stats are only served with a hub")
}
