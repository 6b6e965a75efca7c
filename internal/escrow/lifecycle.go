package escrow

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/alancoin-escrow/internal/alerts"
	"github.com/mbd888/alancoin-escrow/internal/chain"
	"github.com/mbd888/alancoin-escrow/internal/feed"
	"github.com/mbd888/alancoin-escrow/internal/reputation"
	"github.com/mbd888/alancoin-escrow/internal/retry"
	"github.com/mbd888/alancoin-escrow/internal/signer"
	"github.com/mbd888/alancoin-escrow/internal/traces"
	"github.com/mbd888/alancoin-escrow/internal/usdc"
)

// ConfirmFunding moves a PENDING transaction to FUNDED once the buyer's
// funding transaction is mined and the contract holds the expected amount.
// Re-confirming with the same hash returns the transaction unchanged.
func (s *Service) ConfirmFunding(ctx context.Context, id, fundTxHash string) (tx *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmFunding", traces.TransactionID(id))
	defer func() { s.observe("confirm_funding", err); traces.End(span, err) }()

	if !isHash32(fundTxHash) {
		return nil, ErrInvalidRequest.WithDetail("fundTxHash must be a 0x-prefixed 32-byte hash")
	}

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.State != StatePending {
		if tx.FundTxHash != "" && strings.EqualFold(tx.FundTxHash, fundTxHash) {
			return tx, nil
		}
		return tx, ErrInvalidTransition.WithDetail("cannot confirm funding in state %s", tx.State)
	}

	rcpt, err := s.chain.WaitForConfirmation(ctx, fundTxHash)
	if err != nil {
		return tx, err
	}

	escrowID, err := tx.ChainEscrowID()
	if err != nil {
		return tx, err
	}
	version, rec, err := s.resolveVersion(ctx, tx, escrowID)
	if err != nil {
		return tx, err
	}
	if err := s.verifyFundingTx(ctx, version, escrowID, rcpt); err != nil {
		return tx, err
	}

	if rec.State != chain.StateFunded {
		return tx, ErrWrongOnChainState.WithDetail("expected FUNDED, chain reports %s", rec.State)
	}
	if !usdc.WithinTolerance(tx.AmountMinor, rec.Amount, s.tolerance) {
		return tx, ErrAmountMismatch.WithDetail("expected %s, on-chain %s (diff %s, tolerance %s)",
			usdc.FormatMinor(tx.AmountMinor), usdc.Format(rec.Amount),
			usdc.Diff(tx.AmountMinor, rec.Amount).String(), s.tolerance.String())
	}

	next := tx.clone()
	now := s.now()
	next.State = StateFunded
	next.ContractVersion = version
	next.FundTxHash = fundTxHash
	next.FundedAt = &now
	if !rec.Deadline.IsZero() {
		next.ChainDeadline = timeRef(rec.Deadline.UTC())
	}
	if rec.DisputeWindow > 0 {
		next.DisputeWindowHours = int((rec.DisputeWindow + time.Hour - 1) / time.Hour)
	}

	if err := s.persistAfterChain(ctx, next, StatePending, fundTxHash); err != nil {
		return tx, err
	}

	s.logger.Info("escrow funded", "txId", next.ID, "escrowId", next.EscrowID,
		"version", version.String(), "amount", usdc.FormatMinor(next.AmountMinor), "chainTx", fundTxHash)
	s.publish(ctx, feed.EventFunded, next, fundTxHash, next.BuyerID)
	return next, nil
}

// verifyFundingTx checks that the mined transaction funded this escrow:
// either it emitted an event from the contract indexed by id, or it was
// sent to the contract with id in its calldata.
func (s *Service) verifyFundingTx(ctx context.Context, v chain.Version, id chain.EscrowID, rcpt *chain.Receipt) error {
	contract, err := s.chain.ContractAddress(v)
	if err != nil {
		return err
	}
	if rcpt.References(contract, id) {
		return nil
	}
	info, err := retry.Run(ctx, s.retry, "tx_by_hash", func(ctx context.Context) (*chain.TxInfo, error) {
		return s.chain.TransactionByHash(ctx, rcpt.TxHash)
	})
	if err != nil {
		return err
	}
	if info.To != contract {
		return ErrFundingTxMismatch.WithDetail("%s targets %s, expected %s contract %s",
			rcpt.TxHash, info.To.Hex(), v, contract.Hex())
	}
	if !bytes.Contains(info.Data, id[:]) {
		return ErrFundingTxMismatch.WithDetail("%s does not reference escrow %s", rcpt.TxHash, id.Hex())
	}
	return nil
}

// resolveVersion reads the escrow at the stored version, or probes every
// version when none is stored yet.
func (s *Service) resolveVersion(ctx context.Context, tx *Transaction, id chain.EscrowID) (chain.Version, *chain.EscrowRecord, error) {
	if tx.ContractVersion.Valid() {
		rec, err := s.readEscrow(ctx, tx)
		if err != nil {
			return chain.VersionUnknown, nil, err
		}
		if !rec.Exists() {
			return chain.VersionUnknown, nil, chain.ErrEscrowNotFound.WithDetail("%s on %s", id.Hex(), tx.ContractVersion)
		}
		return tx.ContractVersion, rec, nil
	}

	type probed struct {
		v   chain.Version
		rec *chain.EscrowRecord
	}
	p, err := retry.Run(ctx, s.retry, "probe_version", func(ctx context.Context) (probed, error) {
		v, rec, err := chain.ProbeVersion(ctx, s.chain, id)
		return probed{v, rec}, err
	})
	if err != nil {
		return chain.VersionUnknown, nil, err
	}
	return p.v, p.rec, nil
}

// RecordDelivery moves FUNDED to DELIVERED. Only the seller may deliver.
// In oracle_buyer mode nothing is sent on chain.
func (s *Service) RecordDelivery(ctx context.Context, id, sellerID string, req DeliverRequest) (tx *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RecordDelivery", traces.TransactionID(id))
	defer func() { s.observe("record_delivery", err); traces.End(span, err) }()

	if !isHash32(req.DeliverableHash) {
		return nil, ErrInvalidRequest.WithDetail("deliverableHash must be a 0x-prefixed 32-byte hash")
	}

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.SellerID != sellerID {
		return tx, ErrNotSeller
	}
	if tx.State != StateFunded {
		if tx.DeliveredAt != nil && strings.EqualFold(tx.DeliverableHash, req.DeliverableHash) {
			return tx, nil
		}
		return tx, ErrInvalidTransition.WithDetail("cannot deliver in state %s", tx.State)
	}

	var chainTx string
	if tx.FundingMode != FundingOracleBuyer {
		call, err := s.call(tx, chain.MethodDeliver)
		if err != nil {
			return tx, err
		}
		call.DeliverableHash = common.HexToHash(req.DeliverableHash)

		sg, err := s.signers.For(tx.SignerStrategy)
		if err != nil {
			return tx, err
		}
		res, err := s.checkThenAct(ctx, tx, sg, call, req.TxHash, chain.StateDelivered, chain.StateFunded)
		if err != nil {
			return tx, err
		}
		chainTx = res.TxHash
	}

	next := tx.clone()
	next.State = StateDelivered
	next.DeliveredAt = timeRef(s.now())
	next.DeliverableHash = strings.ToLower(req.DeliverableHash)
	next.DeliverTxHash = chainTx
	if err := s.persistAfterChain(ctx, next, StateFunded, chainTx); err != nil {
		return tx, err
	}

	s.logger.Info("delivery recorded", "txId", next.ID, "mode", next.FundingMode, "chainTx", chainTx)
	s.publish(ctx, feed.EventDelivered, next, chainTx, next.SellerID)
	return next, nil
}

// FileDispute moves DELIVERED to DISPUTED. Only the buyer may dispute and
// only until deliveredAt + disputeWindowHours.
func (s *Service) FileDispute(ctx context.Context, id, buyerID string, req DisputeRequest) (tx *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.FileDispute", traces.TransactionID(id))
	defer func() { s.observe("file_dispute", err); traces.End(span, err) }()

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, ErrInvalidRequest.WithDetail("reason is required")
	}

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.BuyerID != buyerID {
		return tx, ErrNotBuyer
	}
	if tx.State == StateDisputed || tx.WasDisputed() {
		return tx, ErrAlreadyDisputed
	}
	if tx.State != StateDelivered {
		return tx, ErrInvalidTransition.WithDetail("cannot dispute in state %s", tx.State)
	}
	now := s.now()
	if deadline := tx.DisputeDeadline(); now.After(deadline) {
		return tx, ErrWindowClosed.WithDetail("window ended %s", deadline.Format(time.RFC3339))
	}

	if s.limiter != nil {
		allowed, lerr := s.limiter.Allow(ctx, buyerID)
		if lerr != nil {
			s.logger.Warn("dispute rate limiter unavailable, allowing", "buyer", buyerID, "error", lerr)
		} else if !allowed {
			return tx, ErrRateLimited.WithDetail("at most %d disputes per window", s.limiter.Limit())
		}
	}

	call, err := s.call(tx, chain.MethodDispute)
	if err != nil {
		return tx, err
	}
	sg, err := s.disputeSigner(tx)
	if err != nil {
		return tx, err
	}
	res, err := s.checkThenAct(ctx, tx, sg, call, req.TxHash, chain.StateDisputed, chain.StateFunded, chain.StateDelivered)
	if err != nil {
		return tx, err
	}

	next := tx.clone()
	next.State = StateDisputed
	next.DisputedAt = &now
	next.DisputeReason = reason
	next.DisputeTxHash = res.TxHash
	if err := s.persistAfterChain(ctx, next, StateDelivered, res.TxHash); err != nil {
		return tx, err
	}

	s.logger.Info("dispute filed", "txId", next.ID, "buyer", buyerID, "chainTx", res.TxHash)
	s.alerts.Send(ctx, alerts.New(alerts.SeverityInfo, "dispute filed", map[string]any{
		"txId":   next.ID,
		"buyer":  next.BuyerID,
		"seller": next.SellerID,
		"amount": usdc.FormatMinor(next.AmountMinor),
	}))
	s.publish(ctx, feed.EventDisputed, next, res.TxHash, buyerID)
	return next, nil
}

// disputeSigner picks who signs the dispute call. When the oracle funded
// the escrow it is the on-chain buyer and must sign.
func (s *Service) disputeSigner(tx *Transaction) (signer.Signer, error) {
	if tx.FundingMode == FundingOracleBuyer {
		return s.signers.Platform()
	}
	return s.signers.For(tx.SignerStrategy)
}

// ResolveDispute settles a DISPUTED transaction. The chain must still say
// DISPUTED immediately before acting; if it already reached the requested
// outcome the ledger catches up without another chain write, and any other
// state aborts. Re-resolving with the same outcome is a no-op.
func (s *Service) ResolveDispute(ctx context.Context, id, adminID string, releaseToSeller bool, notes string) (tx *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute", traces.TransactionID(id))
	defer func() { s.observe("resolve_dispute", err); traces.End(span, err) }()

	if !s.isAdmin(adminID) {
		return nil, ErrNotAdmin
	}

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	target, chainTarget, outcome := StateRefunded, chain.StateRefunded, reputation.OutcomeDisputedRefund
	if releaseToSeller {
		target, chainTarget, outcome = StateReleased, chain.StateReleased, reputation.OutcomeDisputedRelease
	}

	if tx.IsTerminal() {
		if tx.State == target && tx.WasDisputed() {
			return tx, nil
		}
		return tx, ErrInvalidTransition.WithDetail("already %s", tx.State)
	}
	if tx.State != StateDisputed {
		return tx, ErrInvalidTransition.WithDetail("cannot resolve in state %s", tx.State)
	}

	rec, err := s.readEscrow(ctx, tx)
	if err != nil {
		return tx, err
	}
	if rec.State != chain.StateDisputed && rec.State != chainTarget {
		s.logger.Warn("dispute resolution aborted, chain not disputed", "txId", tx.ID, "chainState", rec.State.String())
		return tx, ErrWrongOnChainState.WithDetail("expected DISPUTED, chain reports %s", rec.State)
	}

	res, err := s.resolveOnChain(ctx, tx, releaseToSeller)
	if err != nil {
		return tx, err
	}

	next := tx.clone()
	next.State = target
	next.CompletedAt = timeRef(s.now())
	next.ResolvedBy = adminID
	next.DisputeResolution = strings.TrimSpace(notes)
	if next.DisputeResolution == "" {
		next.DisputeResolution = string(outcome)
	}
	if releaseToSeller {
		next.ReleaseTxHash = res.TxHash
	} else {
		next.RefundTxHash = res.TxHash
	}
	if err := s.persistAfterChain(ctx, next, StateDisputed, res.TxHash); err != nil {
		return tx, err
	}

	s.logger.Info("dispute resolved", "txId", next.ID, "admin", adminID, "outcome", outcome,
		"chainTx", res.TxHash, "alreadyOnChain", res.AlreadyDone)
	s.emitOutcome(ctx, next, outcome)
	evt := feed.EventRefunded
	if releaseToSeller {
		evt = feed.EventReleased
	}
	s.publish(ctx, evt, next, res.TxHash, "admin")
	return next, nil
}

// AutoRelease releases a DELIVERED, undisputed transaction whose escrow is
// ready on chain. Only the oracle scheduler calls it.
func (s *Service) AutoRelease(ctx context.Context, id string) (tx *Transaction, res *OpResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.AutoRelease", traces.TransactionID(id))
	defer func() { s.observe("auto_release", err); traces.End(span, err) }()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	tx, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if tx.State == StateReleased && !tx.WasDisputed() {
		return tx, &OpResult{TxHash: tx.ReleaseTxHash, AlreadyDone: true}, nil
	}
	if tx.State != StateDelivered || tx.WasDisputed() {
		return tx, nil, ErrInvalidTransition.WithDetail("cannot auto-release in state %s", tx.State)
	}

	ready, err := s.releaseReady(ctx, tx)
	if err != nil {
		return tx, nil, err
	}
	if !ready {
		return tx, nil, ErrNotReady
	}

	res, err = s.SafeRelease(ctx, tx)
	if err != nil {
		return tx, nil, err
	}

	next := tx.clone()
	next.State = StateReleased
	next.CompletedAt = timeRef(s.now())
	next.ResolvedBy = OracleActor
	next.ReleaseTxHash = res.TxHash
	if err := s.persistAfterChain(ctx, next, StateDelivered, res.TxHash); err != nil {
		return tx, nil, err
	}
	if err := s.store.ResetReleaseFailures(ctx, next.ID); err != nil {
		s.logger.Warn("failed to reset release failures", "txId", next.ID, "error", err)
	}
	next.ReleaseFailureCount = 0

	s.logger.Info("auto-released escrow", "txId", next.ID, "seller", next.SellerID,
		"amount", usdc.FormatMinor(next.AmountMinor), "chainTx", res.TxHash, "alreadyOnChain", res.AlreadyDone)
	s.emitOutcome(ctx, next, reputation.OutcomeAutoRelease)
	s.publish(ctx, feed.EventReleased, next, res.TxHash, OracleActor)
	return next, res, nil
}

// releaseReady asks the contract whether auto-release is allowed. In
// oracle_buyer mode the contract never saw a delivery, so the ledger's
// window decides and the chain only has to still hold the funds. An
// escrow already released on chain counts as ready so the ledger can
// catch up after a crash.
func (s *Service) releaseReady(ctx context.Context, tx *Transaction) (bool, error) {
	if tx.DisputeDeadline().After(s.now()) {
		return false, nil
	}
	id, err := tx.ChainEscrowID()
	if err != nil {
		return false, err
	}

	if tx.FundingMode != FundingOracleBuyer {
		ready, err := retry.Run(ctx, s.retry, "auto_release_ready", func(ctx context.Context) (bool, error) {
			return s.chain.AutoReleaseReady(ctx, tx.ContractVersion, id)
		})
		if err != nil || ready {
			return ready, err
		}
	}

	rec, err := s.readEscrow(ctx, tx)
	if err != nil {
		return false, err
	}
	if rec.State == chain.StateReleased {
		return true, nil
	}
	return tx.FundingMode == FundingOracleBuyer && rec.State == chain.StateFunded, nil
}

func (s *Service) call(tx *Transaction, m chain.Method) (chain.Call, error) {
	if !tx.ContractVersion.Valid() {
		return chain.Call{}, chain.ErrUnknownVersion.WithDetail("transaction %s has no contract version", tx.ID)
	}
	id, err := tx.ChainEscrowID()
	if err != nil {
		return chain.Call{}, err
	}
	return chain.Call{Version: tx.ContractVersion, Method: m, EscrowID: id}, nil
}

func isHash32(h string) bool {
	if len(h) != 66 || !strings.HasPrefix(h, "0x") {
		return false
	}
	for _, c := range h[2:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
