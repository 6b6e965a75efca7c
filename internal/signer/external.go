package signer

import (
	"bytes"
	"context"

	"github.com/mbd888/alancoin-escrow/internal/chain"
)

// ExternalSigner covers counterparties that hold their own keys. It never
// submits; it verifies hashes they report against what the call should be.
type ExternalSigner struct {
	enc     chain.Encoder
	inspect chain.Inspector
}

var _ Signer = (*ExternalSigner)(nil)

// NewExternalSigner creates a verifier over the node's transaction index.
func NewExternalSigner(enc chain.Encoder, inspect chain.Inspector) *ExternalSigner {
	return &ExternalSigner{enc: enc, inspect: inspect}
}

func (s *ExternalSigner) Strategy() Strategy { return StrategyExternal }

func (s *ExternalSigner) Submit(_ context.Context, call chain.Call) (string, error) {
	return "", ErrExternalRequired.WithDetail("%s", call)
}

// ReportExternalTxHash checks that txHash targets the right contract with
// exactly the calldata for call. Whether it succeeded is left to the
// caller's confirmation wait.
func (s *ExternalSigner) ReportExternalTxHash(ctx context.Context, call chain.Call, txHash string) (string, error) {
	if err := validHash(txHash); err != nil {
		return "", err
	}
	to, data, err := s.enc.Encode(call)
	if err != nil {
		return "", err
	}
	info, err := s.inspect.TransactionByHash(ctx, txHash)
	if err != nil {
		return "", err
	}
	if info.To != to {
		return "", ErrHashMismatch.WithDetail("%s targets %s, expected %s", txHash, info.To.Hex(), to.Hex())
	}
	if !bytes.Equal(info.Data, data) {
		return "", ErrHashMismatch.WithDetail("%s calldata does not encode %s", txHash, call)
	}
	return txHash, nil
}
