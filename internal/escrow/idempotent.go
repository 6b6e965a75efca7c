package escrow

import (
	"context"

	"github.com/mbd888/alancoin-escrow/internal/alerts"
	"github.com/mbd888/alancoin-escrow/internal/chain"
	"github.com/mbd888/alancoin-escrow/internal/retry"
	"github.com/mbd888/alancoin-escrow/internal/signer"
)

// OpResult is the outcome of a check-then-act chain operation.
type OpResult struct {
	TxHash      string
	AlreadyDone bool // target state was already on chain; nothing was sent
}

// SafeRelease drives an undisputed escrow to RELEASED through release().
// It reads the chain first: already RELEASED returns AlreadyDone with the
// hash of the transaction that released it. Only DELIVERED may be released,
// or FUNDED in oracle_buyer mode where the contract never saw a delivery.
// A DISPUTED escrow fails without submitting; only ResolveDispute settles
// those. It does not touch the ledger.
func (s *Service) SafeRelease(ctx context.Context, tx *Transaction) (*OpResult, error) {
	allowed := []chain.State{chain.StateDelivered}
	if tx.FundingMode == FundingOracleBuyer {
		allowed = append(allowed, chain.StateFunded)
	}
	return s.platformAct(ctx, tx, chain.MethodRelease, false, chain.StateReleased, allowed...)
}

// SafeRefund is SafeRelease toward REFUNDED. FUNDED and DELIVERED escrows
// may be refunded; DISPUTED ones may not.
func (s *Service) SafeRefund(ctx context.Context, tx *Transaction) (*OpResult, error) {
	return s.platformAct(ctx, tx, chain.MethodRefund, false, chain.StateRefunded, chain.StateFunded, chain.StateDelivered)
}

// resolveOnChain settles a DISPUTED escrow through resolve(toSeller).
func (s *Service) resolveOnChain(ctx context.Context, tx *Transaction, toSeller bool) (*OpResult, error) {
	target := chain.StateRefunded
	if toSeller {
		target = chain.StateReleased
	}
	return s.platformAct(ctx, tx, chain.MethodResolve, toSeller, target, chain.StateDisputed)
}

func (s *Service) platformAct(ctx context.Context, tx *Transaction, method chain.Method, toSeller bool, target chain.State, allowed ...chain.State) (*OpResult, error) {
	call, err := s.call(tx, method)
	if err != nil {
		return nil, err
	}
	call.ReleaseToSeller = toSeller

	sg, err := s.signers.Platform()
	if err != nil {
		return nil, err
	}
	return s.checkThenAct(ctx, tx, sg, call, "", target, allowed...)
}

// checkThenAct reads the escrow, then submits call unless the chain is
// already at target. Any state outside allowed fails before submission.
func (s *Service) checkThenAct(ctx context.Context, tx *Transaction, sg signer.Signer, call chain.Call, reportedHash string, target chain.State, allowed ...chain.State) (*OpResult, error) {
	rec, err := s.readEscrow(ctx, tx)
	if err != nil {
		return nil, err
	}
	return s.act(ctx, tx, rec, sg, call, reportedHash, target, allowed...)
}

func (s *Service) act(ctx context.Context, tx *Transaction, rec *chain.EscrowRecord, sg signer.Signer, call chain.Call, reportedHash string, target chain.State, allowed ...chain.State) (*OpResult, error) {
	if rec.State == target {
		s.logger.Info("chain already in target state, skipping submission",
			"txId", tx.ID, "method", call.Method, "chainState", rec.State.String())
		return &OpResult{TxHash: s.recoverHash(ctx, tx, call.EscrowID, target), AlreadyDone: true}, nil
	}
	ok := false
	for _, a := range allowed {
		if rec.State == a {
			ok = true
			break
		}
	}
	if !ok {
		return nil, ErrWrongOnChainState.WithDetail("cannot %s: chain reports %s", call.Method, rec.State)
	}

	hash, err := s.submit(ctx, sg, call, reportedHash)
	if err != nil {
		return nil, err
	}
	return &OpResult{TxHash: hash}, nil
}

// recoverHash finds the transaction that moved the escrow into state when
// the ledger is catching up. An empty result is escalated because the
// ledger will then carry a transition with no chain reference.
func (s *Service) recoverHash(ctx context.Context, tx *Transaction, id chain.EscrowID, state chain.State) string {
	hash, err := retry.Run(ctx, s.retry, "find_transition_tx", func(ctx context.Context) (string, error) {
		return s.chain.FindTransitionTx(ctx, tx.ContractVersion, id, state)
	})
	if err == nil && hash != "" {
		s.logger.Info("recovered chain transaction from event logs",
			"txId", tx.ID, "chainState", state.String(), "chainTx", hash)
		return hash
	}
	if err == nil {
		err = chain.ErrEventNotFound
	}
	s.logger.Error("chain transaction for catch-up not found",
		"txId", tx.ID, "escrowId", id.Hex(), "chainState", state.String(), "error", err)
	s.alerts.Send(ctx, alerts.New(alerts.SeverityCritical, "chain transaction hash missing", map[string]any{
		"txId":       tx.ID,
		"escrowId":   id.Hex(),
		"chainState": state.String(),
		"error":      err.Error(),
	}).WithKey("missing_chain_hash:"+tx.ID))
	return ""
}
