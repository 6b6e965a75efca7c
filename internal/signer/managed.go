package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mbd888/alancoin-escrow/internal/chain"
	"github.com/mbd888/alancoin-escrow/internal/errs"
)

// ManagedSigner delegates signing to a custody service over HTTP.
type ManagedSigner struct {
	baseURL string
	token   string
	chainID int64
	enc     chain.Encoder
	client  *http.Client
}

var _ Signer = (*ManagedSigner)(nil)

// NewManagedSigner creates a signer posting to baseURL/v1/transactions.
func NewManagedSigner(baseURL, token string, chainID int64, enc chain.Encoder) *ManagedSigner {
	return &ManagedSigner{
		baseURL: baseURL,
		token:   token,
		chainID: chainID,
		enc:     enc,
		client:  &http.Client{Timeout: 20 * time.Second},
	}
}

type managedRequest struct {
	ChainID        int64  `json:"chainId"`
	To             string `json:"to"`
	Data           string `json:"data"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type managedResponse struct {
	TxHash string `json:"txHash"`
	Error  string `json:"error,omitempty"`
}

func (s *ManagedSigner) Strategy() Strategy { return StrategyManaged }

// Submit asks the custody service to sign and broadcast call. The
// idempotency key lets the service collapse a retried submission.
func (s *ManagedSigner) Submit(ctx context.Context, call chain.Call) (string, error) {
	to, data, err := s.enc.Encode(call)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(managedRequest{
		ChainID:        s.chainID,
		To:             to.Hex(),
		Data:           hexutil.Encode(data),
		IdempotencyKey: fmt.Sprintf("%s:%s", call.EscrowID.Hex(), call.Method),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/transactions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &SubmitError{Op: "managed_submit", Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var out managedResponse
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", errs.E(errs.KindChainTransient, "managed_signer_unavailable",
			fmt.Errorf("managed signer returned %d: %s", resp.StatusCode, out.Error))
	case resp.StatusCode >= 300:
		return "", errs.E(errs.KindChainFatal, "managed_signer_rejected",
			fmt.Errorf("managed signer returned %d: %s", resp.StatusCode, out.Error))
	}
	if err := validHash(out.TxHash); err != nil {
		return "", errs.E(errs.KindChainFatal, "managed_signer_bad_response", err)
	}
	return out.TxHash, nil
}

func (s *ManagedSigner) ReportExternalTxHash(context.Context, chain.Call, string) (string, error) {
	return "", unsupported(StrategyManaged, "report external tx hash")
}
