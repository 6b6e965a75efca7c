// Package signer submits escrow contract calls under one of three custody
// strategies. The strategy is stored on each transaction and selects a
// Signer from a Registry; callers never branch on the concrete type.
package signer

import (
	"context"

	"github.com/mbd888/alancoin-escrow/internal/chain"
	"github.com/mbd888/alancoin-escrow/internal/errs"
)

// Strategy names a custody model.
type Strategy string

const (
	// StrategyPlatform signs with the oracle key held by this service.
	StrategyPlatform Strategy = "platform"
	// StrategyManaged delegates signing to an external signing service.
	StrategyManaged Strategy = "managed"
	// StrategyExternal means the counterparty signs and submits from its
	// own wallet and reports the hash back.
	StrategyExternal Strategy = "external"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return s == StrategyPlatform || s == StrategyManaged || s == StrategyExternal
}

var (
	ErrUnknownStrategy   = errs.New(errs.KindValidation, "unknown_signer_strategy", "unknown signer strategy")
	ErrNotSupported      = errs.New(errs.KindValidation, "signer_operation_unsupported", "operation not supported by signer strategy")
	ErrExternalRequired  = errs.New(errs.KindValidation, "external_submission_required", "counterparty must submit this call and report the transaction hash")
	ErrHashMismatch      = errs.New(errs.KindStateConflict, "reported_tx_mismatch", "reported transaction does not match the expected call")
	ErrInvalidReportHash = errs.New(errs.KindValidation, "invalid_tx_hash", "invalid transaction hash")
)

// Signer submits a call and returns its transaction hash. Submission is not
// confirmation: callers must wait for a receipt or observe chain state.
type Signer interface {
	Strategy() Strategy
	Submit(ctx context.Context, call chain.Call) (string, error)
	// ReportExternalTxHash accepts a hash submitted outside this service and
	// returns it only after verifying it is the expected call.
	ReportExternalTxHash(ctx context.Context, call chain.Call, txHash string) (string, error)
}

// Registry selects a Signer by strategy.
type Registry struct {
	signers map[Strategy]Signer
}

// NewRegistry builds a registry from signers, skipping nils.
func NewRegistry(signers ...Signer) *Registry {
	r := &Registry{signers: make(map[Strategy]Signer)}
	for _, s := range signers {
		if s != nil {
			r.signers[s.Strategy()] = s
		}
	}
	return r
}

// For returns the signer for s.
func (r *Registry) For(s Strategy) (Signer, error) {
	if s == "" {
		s = StrategyPlatform
	}
	if !s.Valid() {
		return nil, ErrUnknownStrategy.WithDetail("%q", s)
	}
	sg, ok := r.signers[s]
	if !ok {
		return nil, ErrUnknownStrategy.WithDetail("%s signer not configured", s)
	}
	return sg, nil
}

// Platform returns the platform (oracle) signer. Oracle-only calls such as
// release and resolve always go through it.
func (r *Registry) Platform() (Signer, error) {
	return r.For(StrategyPlatform)
}

func unsupported(s Strategy, op string) error {
	return ErrNotSupported.WithDetail("%s: %s", s, op)
}

func validHash(h string) error {
	if len(h) != 66 || h[:2] != "0x" {
		return ErrInvalidReportHash.WithDetail("%q", h)
	}
	return nil
}
