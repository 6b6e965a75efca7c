// Package reconcile compares open ledger transactions against their
// on-chain escrows. Disagreements are reported and alerted, never applied:
// an operator decides which side is right.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/alancoin-escrow/internal/alerts"
	"github.com/mbd888/alancoin-escrow/internal/chain"
	"github.com/mbd888/alancoin-escrow/internal/escrow"
	"github.com/mbd888/alancoin-escrow/internal/jobs"
	"github.com/mbd888/alancoin-escrow/internal/logging"
	"github.com/mbd888/alancoin-escrow/internal/oracle"
	"github.com/mbd888/alancoin-escrow/internal/traces"
	"github.com/mbd888/alancoin-escrow/internal/usdc"
)

// JobName is the processing-lock name of the reconciliation job.
const JobName = "reconcile_escrows"

const defaultBatchSize = 500

// Kind classifies a finding.
type Kind string

const (
	KindChainAhead     Kind = "chain_ahead"
	KindChainBehind    Kind = "chain_behind"
	KindAmountMismatch Kind = "amount_mismatch"
	KindMissingOnChain Kind = "missing_on_chain"
	KindReadError      Kind = "read_error"
)

var allKinds = []Kind{KindChainAhead, KindChainBehind, KindAmountMismatch, KindMissingOnChain, KindReadError}

// Finding is one transaction whose ledger and chain records disagree.
type Finding struct {
	TxID          string       `json:"txId"`
	EscrowID      string       `json:"escrowId"`
	Kind          Kind         `json:"kind"`
	LedgerState   escrow.State `json:"ledgerState"`
	ExpectedChain string       `json:"expectedChainState,omitempty"`
	ChainState    string       `json:"chainState,omitempty"`
	Detail        string       `json:"detail,omitempty"`
}

// Report is the result of one reconciliation pass.
type Report struct {
	RunID    string    `json:"runId"`
	Checked  int       `json:"checked"`
	Findings []Finding `json:"findings"`
}

// Clean reports whether nothing disagreed.
func (r *Report) Clean() bool {
	return len(r.Findings) == 0
}

// Reconciler checks FUNDED, DELIVERED and DISPUTED transactions.
type Reconciler struct {
	store     escrow.Store
	chain     chain.Reader
	recorder  *oracle.Recorder
	alerts    alerts.Sink
	tolerance decimal.Decimal
	batch     int
	logger    *slog.Logger
}

// New creates a reconciler.
func New(store escrow.Store, reader chain.Reader, recorder *oracle.Recorder, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:     store,
		chain:     reader,
		recorder:  recorder,
		alerts:    alerts.Nop{},
		tolerance: usdc.DefaultTolerance,
		batch:     defaultBatchSize,
		logger:    logger,
	}
}

// WithAlerts sets the operational alert sink.
func (r *Reconciler) WithAlerts(s alerts.Sink) *Reconciler {
	r.alerts = s
	return r
}

// WithTolerance sets the amount tolerance in major units.
func (r *Reconciler) WithTolerance(tol decimal.Decimal) *Reconciler {
	r.tolerance = tol
	return r
}

// WithBatchSize caps how many transactions one pass reads.
func (r *Reconciler) WithBatchSize(n int) *Reconciler {
	if n > 0 {
		r.batch = n
	}
	return r
}

// Job adapts the reconciler for the locking job runner.
func (r *Reconciler) Job() jobs.Job {
	return jobs.Func{JobName: JobName, Fn: func(ctx context.Context) error {
		_, err := r.Run(ctx)
		return err
	}}
}

// Run performs one reconciliation pass and records it as a reconcile run.
func (r *Reconciler) Run(ctx context.Context) (report *Report, err error) {
	ctx, span := traces.StartSpan(ctx, "reconcile.Run")
	defer func() { traces.End(span, err) }()

	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	run, err := r.recorder.Begin(ctx, oracle.RunReconcile)
	if err != nil {
		return nil, err
	}
	report = &Report{RunID: run.ID, Findings: []Finding{}}
	defer func() {
		run.SetDetail(report)
		r.recorder.Finish(ctx, run, err)
	}()

	ctx = logging.WithRunID(ctx, run.ID)
	txs, err := r.store.ListByStates(ctx, []escrow.State{
		escrow.StateFunded, escrow.StateDelivered, escrow.StateDisputed,
	}, r.batch)
	if err != nil {
		return report, fmt.Errorf("failed to list open transactions: %w", err)
	}

	counts := make(map[Kind]int, len(allKinds))
	for _, tx := range txs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		run.ProcessedCount++

		f := r.check(ctx, tx)
		if f == nil {
			run.SuccessCount++
			continue
		}
		run.FailureCount++
		counts[f.Kind]++
		report.Findings = append(report.Findings, *f)
		r.raise(ctx, run.ID, f)
	}

	reconcileChecked.Set(float64(report.Checked))
	for _, k := range allKinds {
		reconcileFindings.WithLabelValues(string(k)).Set(float64(counts[k]))
	}
	r.logger.Info("reconciliation complete", "runId", run.ID,
		"checked", report.Checked, "findings", len(report.Findings))
	return report, nil
}

// check compares one transaction with its escrow. Nil means they agree.
func (r *Reconciler) check(ctx context.Context, tx *escrow.Transaction) *Finding {
	f := &Finding{TxID: tx.ID, EscrowID: tx.EscrowID, LedgerState: tx.State}

	if !tx.ContractVersion.Valid() {
		f.Kind = KindReadError
		f.Detail = "no contract version recorded"
		return f
	}
	id, err := tx.ChainEscrowID()
	if err != nil {
		f.Kind = KindReadError
		f.Detail = err.Error()
		return f
	}

	rec, err := r.chain.GetEscrow(ctx, tx.ContractVersion, id)
	switch {
	case errors.Is(err, chain.ErrEscrowNotFound):
		f.Kind = KindMissingOnChain
		return f
	case err != nil:
		reconcileErrors.Inc()
		f.Kind = KindReadError
		f.Detail = err.Error()
		return f
	case !rec.Exists():
		f.Kind = KindMissingOnChain
		return f
	}

	want := ExpectedChainState(tx)
	f.ExpectedChain = want.String()
	f.ChainState = rec.State.String()
	switch got := rank(rec.State); {
	case got > rank(want):
		f.Kind = KindChainAhead
		return f
	case got < rank(want):
		f.Kind = KindChainBehind
		return f
	}

	if !usdc.WithinTolerance(tx.AmountMinor, rec.Amount, r.tolerance) {
		f.Kind = KindAmountMismatch
		f.Detail = fmt.Sprintf("ledger %s, chain %s, diff %s",
			usdc.FormatMinor(tx.AmountMinor), usdc.Format(rec.Amount), usdc.Diff(tx.AmountMinor, rec.Amount).String())
		return f
	}
	return nil
}

func (r *Reconciler) raise(ctx context.Context, runID string, f *Finding) {
	r.logger.Error("ledger and chain disagree", "runId", runID, "txId", f.TxID, "kind", f.Kind,
		"ledgerState", f.LedgerState, "chainState", f.ChainState, "detail", f.Detail)
	r.alerts.Send(ctx, alerts.New(alerts.SeverityCritical, "ledger/chain mismatch", map[string]any{
		"runId":       runID,
		"txId":        f.TxID,
		"escrowId":    f.EscrowID,
		"kind":        string(f.Kind),
		"ledgerState": string(f.LedgerState),
		"chainState":  f.ChainState,
		"detail":      f.Detail,
	}).WithKey("reconcile:"+string(f.Kind)+":"+f.TxID))
}

// ExpectedChainState is the contract state a transaction in tx.State
// should have. In oracle_buyer mode delivery never reaches the contract.
func ExpectedChainState(tx *escrow.Transaction) chain.State {
	switch tx.State {
	case escrow.StateFunded:
		return chain.StateFunded
	case escrow.StateDelivered:
		if tx.FundingMode == escrow.FundingOracleBuyer {
			return chain.StateFunded
		}
		return chain.StateDelivered
	case escrow.StateDisputed:
		return chain.StateDisputed
	case escrow.StateReleased:
		return chain.StateReleased
	case escrow.StateRefunded:
		return chain.StateRefunded
	default:
		return chain.StateNone
	}
}

// rank orders contract states along the lifecycle. Both terminal states
// share the top rank.
func rank(s chain.State) int {
	if s.Terminal() {
		return int(chain.StateReleased)
	}
	return int(s)
}
