package reconcile

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/mbd888/alancoin-escrow/internal/alerts"
	"github.com/mbd888/alancoin-escrow/internal/chain"
	"github.com/mbd888/alancoin-escrow/internal/escrow"
	"github.com/mbd888/alancoin-escrow/internal/jobs"
	"github.com/mbd888/alancoin-escrow/internal/logging"
	"github.com/mbd888/alancoin-escrow/internal/oracle"
)

type mockReader struct {
	records map[chain.EscrowID]*chain.EscrowRecord
	errs    map[chain.EscrowID]error
}

func newMockReader() *mockReader {
	return &mockReader{
		records: make(map[chain.EscrowID]*chain.EscrowRecord),
		errs:    make(map[chain.EscrowID]error),
	}
}

func (m *mockReader) put(ledgerID string, state chain.State, amount int64) {
	id := chain.EscrowIDFor(ledgerID)
	m.records[id] = &chain.EscrowRecord{ID: id, Version: chain.V2, State: state, Amount: big.NewInt(amount)}
}

func (m *mockReader) GetEscrow(_ context.Context, v chain.Version, id chain.EscrowID) (*chain.EscrowRecord, error) {
	if err := m.errs[id]; err != nil {
		return nil, err
	}
	if rec, ok := m.records[id]; ok {
		cp := *rec
		return &cp, nil
	}
	return &chain.EscrowRecord{ID: id, Version: v, Amount: big.NewInt(0)}, nil
}

func (m *mockReader) AutoReleaseReady(context.Context, chain.Version, chain.EscrowID) (bool, error) {
	return false, nil
}

func seed(t *testing.T, s escrow.Store, id string, state escrow.State, mode escrow.FundingMode) {
	t.Helper()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tx := &escrow.Transaction{
		ID:                 id,
		BuyerID:            "agent_buyer",
		SellerID:           "agent_seller",
		State:              state,
		EscrowID:           chain.EscrowIDFor(id).Hex(),
		AmountMinor:        5_000_000,
		Currency:           "USDC",
		ContractVersion:    chain.V2,
		FundingMode:        mode,
		DisputeWindowHours: 24,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.Create(context.Background(), tx); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func newTestReconciler(store escrow.Store, reader chain.Reader, sink alerts.Sink) (*Reconciler, *oracle.MemoryRunStore) {
	runs := oracle.NewMemoryRunStore()
	rec := oracle.NewRecorder(runs, logging.Discard())
	return New(store, reader, rec, logging.Discard()).WithAlerts(sink), runs
}

func findingFor(r *Report, txID string) *Finding {
	for i := range r.Findings {
		if r.Findings[i].TxID == txID {
			return &r.Findings[i]
		}
	}
	return nil
}

func TestReconcile_AllConsistent(t *testing.T) {
	store := escrow.NewMemoryStore()
	reader := newMockReader()
	seed(t, store, "tx_funded", escrow.StateFunded, escrow.FundingDirect)
	seed(t, store, "tx_delivered", escrow.StateDelivered, escrow.FundingDirect)
	seed(t, store, "tx_oracle", escrow.StateDelivered, escrow.FundingOracleBuyer)
	seed(t, store, "tx_disputed", escrow.StateDisputed, escrow.FundingDirect)
	seed(t, store, "tx_done", escrow.StateReleased, escrow.FundingDirect)
	reader.put("tx_funded", chain.StateFunded, 5_000_000)
	reader.put("tx_delivered", chain.StateDelivered, 5_000_000)
	reader.put("tx_oracle", chain.StateFunded, 5_000_000)
	reader.put("tx_disputed", chain.StateDisputed, 4_995_000)

	sink := alerts.NewMemorySink()
	r, runs := newTestReconciler(store, reader, sink)
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Checked != 4 {
		t.Errorf("expected 4 checked (terminal skipped), got %d", report.Checked)
	}
	if !report.Clean() {
		t.Errorf("expected no findings, got %+v", report.Findings)
	}
	if len(sink.Alerts()) != 0 {
		t.Errorf("expected no alerts, got %d", len(sink.Alerts()))
	}

	run, err := runs.Get(context.Background(), report.RunID)
	if err != nil {
		t.Fatalf("run not recorded: %v", err)
	}
	if run.Type != oracle.RunReconcile || run.Open() {
		t.Errorf("expected closed reconcile run, got type=%s open=%v", run.Type, run.Open())
	}
	if run.SuccessCount != 4 || run.FailureCount != 0 {
		t.Errorf("unexpected counts: success=%d failure=%d", run.SuccessCount, run.FailureCount)
	}
}

func TestReconcile_Findings(t *testing.T) {
	store := escrow.NewMemoryStore()
	reader := newMockReader()

	// Chain settled while the ledger still shows a dispute.
	seed(t, store, "tx_ahead", escrow.StateDisputed, escrow.FundingDirect)
	reader.put("tx_ahead", chain.StateReleased, 5_000_000)

	// Ledger recorded a delivery the chain never saw.
	seed(t, store, "tx_behind", escrow.StateDelivered, escrow.FundingDirect)
	reader.put("tx_behind", chain.StateFunded, 5_000_000)

	seed(t, store, "tx_short", escrow.StateFunded, escrow.FundingDirect)
	reader.put("tx_short", chain.StateFunded, 4_980_000)

	seed(t, store, "tx_missing", escrow.StateFunded, escrow.FundingDirect)

	seed(t, store, "tx_unreadable", escrow.StateFunded, escrow.FundingDirect)
	reader.errs[chain.EscrowIDFor("tx_unreadable")] = errors.New("connection refused")

	sink := alerts.NewMemorySink()
	r, runs := newTestReconciler(store, reader, sink)
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := map[string]Kind{
		"tx_ahead":      KindChainAhead,
		"tx_behind":     KindChainBehind,
		"tx_short":      KindAmountMismatch,
		"tx_missing":    KindMissingOnChain,
		"tx_unreadable": KindReadError,
	}
	if len(report.Findings) != len(want) {
		t.Fatalf("expected %d findings, got %d: %+v", len(want), len(report.Findings), report.Findings)
	}
	for id, kind := range want {
		f := findingFor(report, id)
		if f == nil {
			t.Errorf("no finding for %s", id)
			continue
		}
		if f.Kind != kind {
			t.Errorf("%s: expected %s, got %s", id, kind, f.Kind)
		}
	}

	if f := findingFor(report, "tx_short"); f != nil && !strings.Contains(f.Detail, "diff 0.02") {
		t.Errorf("expected amount diff in detail, got %q", f.Detail)
	}
	if got := sink.Count(alerts.SeverityCritical); got != len(want) {
		t.Errorf("expected %d critical alerts, got %d", len(want), got)
	}

	// Findings are reported, never applied.
	tx, _ := store.Get(context.Background(), "tx_ahead")
	if tx.State != escrow.StateDisputed {
		t.Errorf("ledger must not change, got %s", tx.State)
	}

	run, _ := runs.Get(context.Background(), report.RunID)
	if run.FailureCount != len(want) || run.ProcessedCount != len(want) {
		t.Errorf("unexpected counts: processed=%d failure=%d", run.ProcessedCount, run.FailureCount)
	}
	if !strings.Contains(run.ResultDetail, "chain_ahead") {
		t.Errorf("expected findings in run detail, got %s", run.ResultDetail)
	}
}

func TestReconcile_OracleBuyerDeliveredIsFunded(t *testing.T) {
	store := escrow.NewMemoryStore()
	reader := newMockReader()
	seed(t, store, "tx_oracle", escrow.StateDelivered, escrow.FundingOracleBuyer)
	reader.put("tx_oracle", chain.StateDelivered, 5_000_000)

	r, _ := newTestReconciler(store, reader, alerts.Nop{})
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	f := findingFor(report, "tx_oracle")
	if f == nil || f.Kind != KindChainAhead {
		t.Fatalf("expected chain_ahead, got %+v", f)
	}
	if f.ExpectedChain != "FUNDED" {
		t.Errorf("expected FUNDED, got %s", f.ExpectedChain)
	}
}

func TestReconcile_RunsUnderJobLock(t *testing.T) {
	store := escrow.NewMemoryStore()
	r, runs := newTestReconciler(store, newMockReader(), alerts.Nop{})

	runner := jobs.NewRunner(jobs.NewMemoryLockStore(), logging.Discard(), r.Job())
	res, err := runner.RunOne(context.Background(), JobName)
	if err != nil {
		t.Fatalf("RunOne failed: %v", err)
	}
	if !res.Ran || res.Error != "" {
		t.Fatalf("expected clean run, got %+v", res)
	}

	list, _ := runs.List(context.Background(), oracle.RunReconcile, 10)
	if len(list) != 1 {
		t.Errorf("expected 1 reconcile run, got %d", len(list))
	}
}
