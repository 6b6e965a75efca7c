package oracle

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/alancoin-escrow/internal/alerts"
	"github.com/mbd888/alancoin-escrow/internal/errs"
	"github.com/mbd888/alancoin-escrow/internal/escrow"
	"github.com/mbd888/alancoin-escrow/internal/logging"
	"github.com/mbd888/alancoin-escrow/internal/metrics"
	"github.com/mbd888/alancoin-escrow/internal/traces"
	"github.com/mbd888/alancoin-escrow/internal/usdc"
)

const (
	DefaultBatchSize = 20
	// FailureAlertThreshold is the consecutive release failures on one
	// transaction that escalate to a critical alert.
	FailureAlertThreshold = 2
)

// Releaser performs the idempotent release of one transaction.
type Releaser interface {
	AutoRelease(ctx context.Context, id string) (*escrow.Transaction, *escrow.OpResult, error)
}

// Candidates lists releasable transactions and tracks release failures.
type Candidates interface {
	ListAutoReleaseCandidates(ctx context.Context, now time.Time, limit int) ([]*escrow.Transaction, error)
	IncrementReleaseFailure(ctx context.Context, id string) (int, error)
}

// GasChecker reports the native balance of an address.
type GasChecker interface {
	GasBalance(ctx context.Context, addr common.Address) (*big.Int, error)
}

// AutoReleaseConfig configures the auto-release scheduler.
type AutoReleaseConfig struct {
	Enabled        bool
	BatchSize      int
	OracleAddress  common.Address
	MinBalanceWei  *big.Int // below this the run halts
	WarnBalanceWei *big.Int // below this the run warns and continues
}

// AutoReleaser releases DELIVERED transactions whose dispute window closed.
type AutoReleaser struct {
	releaser   Releaser
	candidates Candidates
	recorder   *Recorder
	gas        GasChecker
	alerts     alerts.Sink
	cfg        AutoReleaseConfig
	now        func() time.Time
	logger     *slog.Logger
}

// NewAutoReleaser creates the auto-release scheduler.
func NewAutoReleaser(releaser Releaser, candidates Candidates, recorder *Recorder, cfg AutoReleaseConfig, logger *slog.Logger) *AutoReleaser {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &AutoReleaser{
		releaser:   releaser,
		candidates: candidates,
		recorder:   recorder,
		alerts:     alerts.Nop{},
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
}

// WithGasChecker enables the operator wallet balance guard.
func (a *AutoReleaser) WithGasChecker(g GasChecker) *AutoReleaser {
	a.gas = g
	return a
}

// WithAlerts sets the operational alert sink.
func (a *AutoReleaser) WithAlerts(s alerts.Sink) *AutoReleaser {
	a.alerts = s
	return a
}

// WithClock replaces the time source.
func (a *AutoReleaser) WithClock(now func() time.Time) *AutoReleaser {
	a.now = now
	return a
}

type releaseDetail struct {
	Released []string          `json:"released"`
	Skipped  []string          `json:"skipped,omitempty"`
	Failed   map[string]string `json:"failed,omitempty"`
	Note     string            `json:"note,omitempty"`
}

// Run performs one scheduler invocation. A failure on one transaction is
// counted and the batch continues. The returned run is always closed.
func (a *AutoReleaser) Run(ctx context.Context) (run *Run, err error) {
	ctx, span := traces.StartSpan(ctx, "oracle.AutoRelease")
	defer func() { traces.End(span, err) }()

	if !a.cfg.Enabled {
		a.logger.Info("auto-release disabled, skipping run")
		return nil, ErrDisabled
	}
	if err := a.checkGas(ctx); err != nil {
		return nil, err
	}

	run, err = a.recorder.Begin(ctx, RunAutoRelease)
	if err != nil {
		return nil, err
	}
	detail := releaseDetail{Released: []string{}, Failed: map[string]string{}}
	defer func() {
		if run.ResultDetail == "" {
			run.SetDetail(detail)
		}
		a.recorder.Finish(ctx, run, err)
	}()

	ctx = logging.WithRunID(ctx, run.ID)
	logger := a.logger.With("runId", run.ID)

	txs, err := a.candidates.ListAutoReleaseCandidates(ctx, a.now(), a.cfg.BatchSize)
	if err != nil {
		return run, err
	}
	if len(txs) == 0 {
		detail.Note = "nothing to process"
		return run, nil
	}

	for _, tx := range txs {
		if ctx.Err() != nil {
			detail.Note = "cancelled"
			return run, ctx.Err()
		}
		logger := logger.With("txId", tx.ID, "escrowId", tx.EscrowID)

		released, res, rerr := a.releaser.AutoRelease(ctx, tx.ID)
		switch {
		case rerr == nil:
			run.ProcessedCount++
			run.SuccessCount++
			detail.Released = append(detail.Released, tx.ID)
			metrics.OracleItemsTotal.WithLabelValues(string(RunAutoRelease), "released").Inc()
			logger.Info("auto-release succeeded", "chainTx", res.TxHash, "alreadyOnChain", res.AlreadyDone,
				"amount", usdc.FormatMinor(released.AmountMinor))

		case errors.Is(rerr, escrow.ErrNotReady):
			detail.Skipped = append(detail.Skipped, tx.ID)
			metrics.OracleItemsTotal.WithLabelValues(string(RunAutoRelease), "not_ready").Inc()
			logger.Debug("escrow not ready for auto-release")

		default:
			run.ProcessedCount++
			run.FailureCount++
			detail.Failed[tx.ID] = rerr.Error()
			metrics.OracleItemsTotal.WithLabelValues(string(RunAutoRelease), "failed").Inc()
			a.recordFailure(ctx, logger, tx, rerr)
		}
	}
	return run, nil
}

// recordFailure bumps the transaction's consecutive failure count and
// escalates once it reaches FailureAlertThreshold.
func (a *AutoReleaser) recordFailure(ctx context.Context, logger *slog.Logger, tx *escrow.Transaction, cause error) {
	logger.Warn("auto-release failed", "kind", errs.KindOf(cause), "error", cause)

	n, err := a.candidates.IncrementReleaseFailure(ctx, tx.ID)
	if err != nil {
		logger.Error("failed to record release failure", "error", err)
		return
	}
	if n < FailureAlertThreshold {
		return
	}
	a.alerts.Send(ctx, alerts.New(alerts.SeverityCritical, "auto-release failing repeatedly", map[string]any{
		"txId":     tx.ID,
		"escrowId": tx.EscrowID,
		"failures": n,
		"kind":     string(errs.KindOf(cause)),
		"error":    cause.Error(),
	}).WithKey("auto_release_failing:"+tx.ID))
}

// checkGas halts when the oracle wallet cannot pay for releases and warns
// when it is running low. Without a checker the guard is skipped.
func (a *AutoReleaser) checkGas(ctx context.Context) error {
	if a.gas == nil || a.cfg.OracleAddress == (common.Address{}) {
		return nil
	}
	bal, err := a.gas.GasBalance(ctx, a.cfg.OracleAddress)
	if err != nil {
		// An unreadable balance does not halt the run.
		a.logger.Warn("failed to read oracle gas balance", "error", err)
		return nil
	}
	metrics.OracleGasBalanceWei.Set(weiFloat(bal))

	if a.cfg.MinBalanceWei != nil && bal.Cmp(a.cfg.MinBalanceWei) < 0 {
		a.logger.Error("oracle gas balance below minimum, halting", "balanceWei", bal.String(), "minWei", a.cfg.MinBalanceWei.String())
		a.alerts.Send(ctx, alerts.New(alerts.SeverityCritical, "oracle wallet out of gas", map[string]any{
			"address":    a.cfg.OracleAddress.Hex(),
			"balanceWei": bal.String(),
			"minWei":     a.cfg.MinBalanceWei.String(),
		}).WithKey("oracle_gas_empty"))
		return ErrGasTooLow.WithDetail("balance %s wei", bal.String())
	}
	if a.cfg.WarnBalanceWei != nil && bal.Cmp(a.cfg.WarnBalanceWei) < 0 {
		a.logger.Warn("oracle gas balance low", "balanceWei", bal.String(), "warnWei", a.cfg.WarnBalanceWei.String())
		a.alerts.Send(ctx, alerts.New(alerts.SeverityWarning, "oracle wallet gas low", map[string]any{
			"address":    a.cfg.OracleAddress.Hex(),
			"balanceWei": bal.String(),
		}).WithKey("oracle_gas_low"))
	}
	return nil
}

func weiFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
