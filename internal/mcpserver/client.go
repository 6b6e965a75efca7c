package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/alancoin-escrow/internal/auth"
)

// Config holds the configuration for connecting to the escrow API.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	AgentID string // Identity asserted on every request
}

// EscrowClient is a pure HTTP client for the escrow API.
type EscrowClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewEscrowClient creates a new client for the escrow API.
func NewEscrowClient(cfg Config) *EscrowClient {
	return &EscrowClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the service.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the service and returns the response body.
func (c *EscrowClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set(auth.HeaderAgentID, c.cfg.AgentID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d, %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetTransaction returns one escrow transaction.
func (c *EscrowClient) GetTransaction(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(id), nil, nil)
}

// ListTransactions returns the calling agent's transactions, newest first.
func (c *EscrowClient) ListTransactions(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/agents/" + url.PathEscape(c.cfg.AgentID) + "/transactions"
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// RecordDelivery reports delivery as the seller.
func (c *EscrowClient) RecordDelivery(ctx context.Context, id, deliverableHash, txHash string) (json.RawMessage, error) {
	body := map[string]string{"deliverableHash": deliverableHash}
	if txHash != "" {
		body["txHash"] = txHash
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/transactions/"+url.PathEscape(id)+"/deliver", nil, body)
}

// FileDispute disputes a delivery as the buyer.
func (c *EscrowClient) FileDispute(ctx context.Context, id, reason, txHash string) (json.RawMessage, error) {
	body := map[string]string{"reason": reason}
	if txHash != "" {
		body["txHash"] = txHash
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/transactions/"+url.PathEscape(id)+"/dispute", nil, body)
}

// GetFeedback returns an agent's reputation summary and feedback rows.
func (c *EscrowClient) GetFeedback(ctx context.Context, agentID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(agentID)+"/feedback", nil, nil)
}
