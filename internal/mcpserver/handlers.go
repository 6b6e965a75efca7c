package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/alancoin-escrow/internal/usdc"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *EscrowClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *EscrowClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetTransaction reports one transaction's status.
func (h *Handlers) HandleGetTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.GetTransaction(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get transaction: %v", err)), nil
	}

	text, err := formatTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListTransactions lists the caller's transactions.
func (h *Handlers) HandleListTransactions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListTransactions(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list transactions: %v", err)), nil
	}

	text, err := formatTransactionList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transactions: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRecordDelivery marks a transaction delivered.
func (h *Handlers) HandleRecordDelivery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}
	hash := req.GetString("deliverable_hash", "")
	if hash == "" {
		return mcp.NewToolResultError("deliverable_hash is required"), nil
	}

	raw, err := h.client.RecordDelivery(ctx, id, hash, req.GetString("tx_hash", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Delivery failed: %v", err)), nil
	}

	tx, err := parseTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Transaction %s marked as delivered.\n"+
			"State: %s\n"+
			"The buyer can dispute until %s. After that the funds are released to you automatically.",
		id, getString(tx, "state"), disputeDeadline(tx))), nil
}

// HandleDisputeTransaction files a dispute as the buyer.
func (h *Handlers) HandleDisputeTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	_, err := h.client.FileDispute(ctx, id, reason, req.GetString("tx_hash", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Transaction %s disputed.\n"+
			"Reason: %s\n"+
			"Status: Funds held in escrow until an administrator resolves the dispute.",
		id, reason)), nil
}

// HandleGetFeedback reports an agent's reputation summary.
func (h *Handlers) HandleGetFeedback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	raw, err := h.client.GetFeedback(ctx, agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get feedback: %v", err)), nil
	}

	text, err := formatFeedback(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse feedback: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func parseTransaction(raw json.RawMessage) (map[string]any, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if tx, ok := resp["transaction"].(map[string]any); ok {
		return tx, nil
	}
	return resp, nil
}

func formatTransaction(raw json.RawMessage) (string, error) {
	tx, err := parseTransaction(raw)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Transaction %s\n", getString(tx, "id")))
	sb.WriteString(fmt.Sprintf("  State:  %s\n", getString(tx, "state")))
	sb.WriteString(fmt.Sprintf("  Amount: %s %s\n", formatAmount(tx), getString(tx, "currency")))
	sb.WriteString(fmt.Sprintf("  Buyer:  %s\n", getString(tx, "buyerId")))
	sb.WriteString(fmt.Sprintf("  Seller: %s\n", getString(tx, "sellerId")))
	if getString(tx, "state") == "DELIVERED" {
		sb.WriteString(fmt.Sprintf("  Dispute window closes: %s\n", disputeDeadline(tx)))
	}
	if reason := getString(tx, "disputeReason"); reason != "" {
		sb.WriteString(fmt.Sprintf("  Dispute reason: %s\n", reason))
	}
	return sb.String(), nil
}

func formatTransactionList(raw json.RawMessage) (string, error) {
	var resp struct {
		Transactions []map[string]any `json:"transactions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Transactions) == 0 {
		return "No transactions found.", nil
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d transaction(s):\n\n", len(resp.Transactions)))
	for i, tx := range resp.Transactions {
		sb.WriteString(fmt.Sprintf("%d. %s  %s  %s %s\n", i+1,
			getString(tx, "id"), getString(tx, "state"), formatAmount(tx), getString(tx, "currency")))
	}
	return sb.String(), nil
}

func formatFeedback(raw json.RawMessage) (string, error) {
	var resp struct {
		Summary map[string]any `json:"summary"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	s := resp.Summary
	if s == nil {
		return formatJSON(raw), nil
	}
	count, _ := getFloat(s, "count")
	avg, _ := getFloat(s, "averageRating")
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Agent %s\n", getString(s, "agentId")))
	sb.WriteString(fmt.Sprintf("  Tier:           %s\n", getString(s, "tier")))
	sb.WriteString(fmt.Sprintf("  Rated:          %d transaction(s)\n", int(count)))
	sb.WriteString(fmt.Sprintf("  Average rating: %.2f / 5\n", avg))
	if by, ok := s["byOutcome"].(map[string]any); ok && len(by) > 0 {
		sb.WriteString("  Outcomes:\n")
		for _, k := range []string{"auto_release", "disputed_release", "disputed_refund"} {
			if n, ok := getFloat(by, k); ok {
				sb.WriteString(fmt.Sprintf("    %s: %d\n", k, int(n)))
			}
		}
	}
	return sb.String(), nil
}

func formatAmount(tx map[string]any) string {
	minor, ok := getFloat(tx, "amountMinor")
	if !ok {
		return "?"
	}
	return usdc.FormatMinor(int64(math.Round(minor)))
}

func disputeDeadline(tx map[string]any) string {
	delivered, err := time.Parse(time.RFC3339Nano, getString(tx, "deliveredAt"))
	if err != nil {
		return "unknown"
	}
	hours, _ := getFloat(tx, "disputeWindowHours")
	return delivered.Add(time.Duration(hours) * time.Hour).UTC().Format(time.RFC3339)
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
