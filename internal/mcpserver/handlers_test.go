package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewEscrowClient(Config{APIURL: ts.URL, AgentID: "agent_buyer"})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

const deliveredTxJSON = `{"transaction":{
	"id":"tx_1","state":"DELIVERED","amountMinor":5000000,"currency":"USDC",
	"buyerId":"agent_buyer","sellerId":"agent_seller",
	"deliveredAt":"2026-03-01T10:00:00Z","disputeWindowHours":24}}`

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AgentHeader(t *testing.T) {
	var gotAgent string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("X-Agent-ID")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewEscrowClient(Config{APIURL: ts.URL, AgentID: "agent_42"})
	_, err := client.GetTransaction(context.Background(), "tx_1")
	require.NoError(t, err)
	assert.Equal(t, "agent_42", gotAgent)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "dispute_window_closed",
			"message": "window ended 2026-03-02T10:00:00Z",
		})
	}))
	defer ts.Close()

	client := NewEscrowClient(Config{APIURL: ts.URL, AgentID: "a"})
	_, err := client.FileDispute(context.Background(), "tx_1", "late", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "dispute_window_closed")
	assert.Contains(t, err.Error(), "window ended")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer ts.Close()

	client := NewEscrowClient(Config{APIURL: ts.URL, AgentID: "a"})
	_, err := client.GetTransaction(context.Background(), "tx_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
}

func TestClient_ListTransactions_Path(t *testing.T) {
	var gotPath, gotLimit string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotLimit = r.URL.Query().Get("limit")
		_, _ = w.Write([]byte(`{"transactions":[]}`))
	}))
	defer ts.Close()

	client := NewEscrowClient(Config{APIURL: ts.URL, AgentID: "agent_seller"})
	_, err := client.ListTransactions(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "/v1/agents/agent_seller/transactions", gotPath)
	assert.Equal(t, "5", gotLimit)
}

func TestClient_FileDispute_RequestBody(t *testing.T) {
	var got map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/transactions/tx_1/dispute", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewEscrowClient(Config{APIURL: ts.URL, AgentID: "a"})
	_, err := client.FileDispute(context.Background(), "tx_1", "empty file", "")
	require.NoError(t, err)
	assert.Equal(t, "empty file", got["reason"])
	_, hasHash := got["txHash"]
	assert.False(t, hasHash)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleGetTransaction(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transactions/tx_1", r.URL.Path)
		_, _ = w.Write([]byte(deliveredTxJSON))
	}))
	defer cleanup()

	result, err := h.HandleGetTransaction(context.Background(), makeRequest(map[string]any{"transaction_id": "tx_1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "DELIVERED")
	assert.Contains(t, text, "5.000000 USDC")
	assert.Contains(t, text, "2026-03-02T10:00:00Z")
}

func TestHandleGetTransaction_MissingID(t *testing.T) {
	h := NewHandlers(NewEscrowClient(Config{APIURL: "http://unused"}))
	result, err := h.HandleGetTransaction(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "transaction_id is required")
}

func TestHandleListTransactions(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"transactions":[
			{"id":"tx_2","state":"FUNDED","amountMinor":1500000,"currency":"USDC"},
			{"id":"tx_1","state":"RELEASED","amountMinor":5000000,"currency":"USDC"}],"count":2}`))
	}))
	defer cleanup()

	result, err := h.HandleListTransactions(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "2 transaction(s)")
	assert.Contains(t, text, "tx_2  FUNDED  1.500000 USDC")
}

func TestHandleListTransactions_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"transactions":[],"count":0}`))
	}))
	defer cleanup()

	result, err := h.HandleListTransactions(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No transactions found.", resultText(t, result))
}

func TestHandleRecordDelivery(t *testing.T) {
	var got map[string]string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transactions/tx_1/deliver", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(deliveredTxJSON))
	}))
	defer cleanup()

	hash := "0x" + "ab00000000000000000000000000000000000000000000000000000000000000"
	result, err := h.HandleRecordDelivery(context.Background(), makeRequest(map[string]any{
		"transaction_id":   "tx_1",
		"deliverable_hash": hash,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, hash, got["deliverableHash"])
	assert.Contains(t, resultText(t, result), "until 2026-03-02T10:00:00Z")
}

func TestHandleRecordDelivery_MissingHash(t *testing.T) {
	h := NewHandlers(NewEscrowClient(Config{APIURL: "http://unused"}))
	result, err := h.HandleRecordDelivery(context.Background(), makeRequest(map[string]any{"transaction_id": "tx_1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "deliverable_hash is required")
}

func TestHandleDisputeTransaction(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"transaction":{"id":"tx_1","state":"DISPUTED"}}`))
	}))
	defer cleanup()

	result, err := h.HandleDisputeTransaction(context.Background(), makeRequest(map[string]any{
		"transaction_id": "tx_1",
		"reason":         "output was truncated",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "tx_1 disputed")
	assert.Contains(t, text, "output was truncated")
}

func TestHandleDisputeTransaction_MissingReason(t *testing.T) {
	h := NewHandlers(NewEscrowClient(Config{APIURL: "http://unused"}))
	result, err := h.HandleDisputeTransaction(context.Background(), makeRequest(map[string]any{"transaction_id": "tx_1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "reason is required")
}

func TestHandleDisputeTransaction_APIError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"not_buyer","message":"only the buyer may dispute"}`))
	}))
	defer cleanup()

	result, err := h.HandleDisputeTransaction(context.Background(), makeRequest(map[string]any{
		"transaction_id": "tx_1",
		"reason":         "x",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "only the buyer may dispute")
}

func TestHandleGetFeedback(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/agents/agent_seller/feedback", r.URL.Path)
		_, _ = w.Write([]byte(`{"summary":{"agentId":"agent_seller","count":3,"averageRating":4.67,
			"byOutcome":{"auto_release":2,"disputed_release":1},"tier":"emerging"},"feedback":[]}`))
	}))
	defer cleanup()

	result, err := h.HandleGetFeedback(context.Background(), makeRequest(map[string]any{"agent_id": "agent_seller"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "emerging")
	assert.Contains(t, text, "3 transaction(s)")
	assert.Contains(t, text, "4.67 / 5")
	assert.Contains(t, text, "auto_release: 2")
}

// ============================================================
// Formatting helpers
// ============================================================

func TestFormatTransaction_MalformedJSON(t *testing.T) {
	_, err := formatTransaction(json.RawMessage(`{bad`))
	assert.Error(t, err)
}

func TestDisputeDeadline_NotDelivered(t *testing.T) {
	assert.Equal(t, "unknown", disputeDeadline(map[string]any{"state": "FUNDED"}))
}

func TestGetString_NumericValue(t *testing.T) {
	assert.Equal(t, "24", getString(map[string]any{"h": float64(24)}, "h"))
}

func TestFormatJSON_InvalidJSON(t *testing.T) {
	assert.Equal(t, "{bad", formatJSON(json.RawMessage(`{bad`)))
}

func TestNewMCPServer_RegistersAllTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", AgentID: "a"})
	require.NotNil(t, s)
}

// ============================================================
// Edge cases: handler never returns Go error
// ============================================================

func TestHandlers_NeverReturnGoError(t *testing.T) {
	// Failures are encoded in result.IsError, not in the Go error.
	h := NewHandlers(NewEscrowClient(Config{APIURL: "http://127.0.0.1:1", AgentID: "a"}))

	tests := []struct {
		name string
		fn   func() (*mcp.CallToolResult, error)
	}{
		{"GetTransaction", func() (*mcp.CallToolResult, error) {
			return h.HandleGetTransaction(context.Background(), makeRequest(map[string]any{"transaction_id": "tx_1"}))
		}},
		{"ListTransactions", func() (*mcp.CallToolResult, error) {
			return h.HandleListTransactions(context.Background(), makeRequest(nil))
		}},
		{"RecordDelivery", func() (*mcp.CallToolResult, error) {
			return h.HandleRecordDelivery(context.Background(), makeRequest(map[string]any{"transaction_id": "tx_1", "deliverable_hash": "0x1"}))
		}},
		{"DisputeTransaction", func() (*mcp.CallToolResult, error) {
			return h.HandleDisputeTransaction(context.Background(), makeRequest(map[string]any{"transaction_id": "tx_1", "reason": "bad"}))
		}},
		{"GetFeedback", func() (*mcp.CallToolResult, error) {
			return h.HandleGetFeedback(context.Background(), makeRequest(map[string]any{"agent_id": "a"}))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.fn()
			assert.NoError(t, err, "handler should never return Go error")
			assert.NotNil(t, result, "handler should always return a result")
			assert.True(t, result.IsError, "unreachable server should produce isError result")
		})
	}
}
