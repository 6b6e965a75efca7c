package escrow

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/alancoin-escrow/internal/alerts"
	"github.com/mbd888/alancoin-escrow/internal/chain"
	"github.com/mbd888/alancoin-escrow/internal/feed"
	"github.com/mbd888/alancoin-escrow/internal/logging"
	"github.com/mbd888/alancoin-escrow/internal/reputation"
	"github.com/mbd888/alancoin-escrow/internal/retry"
	"github.com/mbd888/alancoin-escrow/internal/signer"
)

const (
	buyer       = "buyer_1"
	seller      = "seller_1"
	admin       = "admin_1"
	deliverable = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	fundHash    = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

// fakeChain is an in-memory contract. Signers mutate it as if their
// transactions were mined.
type fakeChain struct {
	mu         sync.Mutex
	records    map[chain.EscrowID]*chain.EscrowRecord
	ready      map[chain.EscrowID]bool
	txs        map[string]*chain.TxInfo
	logs       map[string][]chain.Log // receipt logs by tx hash
	events     map[chain.EscrowID]map[chain.State]string
	confirmErr error
	reads      int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		records: make(map[chain.EscrowID]*chain.EscrowRecord),
		ready:   make(map[chain.EscrowID]bool),
		txs:     make(map[string]*chain.TxInfo),
		logs:    make(map[string][]chain.Log),
		events:  make(map[chain.EscrowID]map[chain.State]string),
	}
}

// contractAddr is the fake deployment address of v.
func contractAddr(v chain.Version) common.Address {
	return common.BigToAddress(big.NewInt(0xa0 + int64(v)))
}

func (f *fakeChain) put(id chain.EscrowID, v chain.Version, state chain.State, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[id] = &chain.EscrowRecord{
		ID:            id,
		Version:       v,
		Amount:        big.NewInt(amount),
		Deadline:      time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		DisputeWindow: 24 * time.Hour,
		State:         state,
	}
	// The buyer's fund(id, amount) call.
	f.txs[fundHash] = &chain.TxInfo{
		Hash: fundHash,
		To:   contractAddr(v),
		Data: append([]byte{0xde, 0xad, 0xbe, 0xef}, id[:]...),
	}
}

// settleOutOfBand moves the escrow to state as if another process had
// mined hash.
func (f *fakeChain) settleOutOfBand(id chain.EscrowID, state chain.State, hash string) {
	f.setState(id, state)
	f.recordEvent(id, state, hash)
}

func (f *fakeChain) recordEvent(id chain.EscrowID, state chain.State, hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events[id] == nil {
		f.events[id] = make(map[chain.State]string)
	}
	f.events[id][state] = hash
}

func (f *fakeChain) setState(id chain.EscrowID, state chain.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[id].State = state
}

func (f *fakeChain) state(id chain.EscrowID) chain.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[id]; ok {
		return rec.State
	}
	return chain.StateNone
}

func (f *fakeChain) setReady(id chain.EscrowID, ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready[id] = ready
}

func (f *fakeChain) GetEscrow(_ context.Context, v chain.Version, id chain.EscrowID) (*chain.EscrowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	rec, ok := f.records[id]
	if !ok || rec.Version != v {
		return &chain.EscrowRecord{ID: id, Version: v, Amount: big.NewInt(0)}, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeChain) AutoReleaseReady(_ context.Context, _ chain.Version, id chain.EscrowID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready[id], nil
}

func (f *fakeChain) WaitForConfirmation(_ context.Context, txHash string) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	return &chain.Receipt{TxHash: txHash, BlockNumber: 1, Logs: f.logs[txHash]}, nil
}

func (f *fakeChain) ContractAddress(v chain.Version) (common.Address, error) {
	if !v.Valid() {
		return common.Address{}, chain.ErrUnknownVersion
	}
	return contractAddr(v), nil
}

// TransactionByHash reports unknown hashes as mined elsewhere.
func (f *fakeChain) TransactionByHash(_ context.Context, txHash string) (*chain.TxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.txs[txHash]; ok {
		cp := *info
		return &cp, nil
	}
	return &chain.TxInfo{Hash: txHash, To: common.HexToAddress("0x00000000000000000000000000000000000dead0")}, nil
}

func (f *fakeChain) FindTransitionTx(_ context.Context, _ chain.Version, id chain.EscrowID, state chain.State) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.events[id][state]; ok {
		return h, nil
	}
	return "", chain.ErrEventNotFound
}

// apply mines call, sent as hash, against the fake contract.
func (f *fakeChain) apply(call chain.Call, hash string) {
	next := map[chain.Method]chain.State{
		chain.MethodDeliver: chain.StateDelivered,
		chain.MethodDispute: chain.StateDisputed,
		chain.MethodRelease: chain.StateReleased,
		chain.MethodRefund:  chain.StateRefunded,
	}[call.Method]
	if call.Method == chain.MethodResolve {
		next = chain.StateRefunded
		if call.ReleaseToSeller {
			next = chain.StateReleased
		}
	}
	f.settleOutOfBand(call.EscrowID, next, hash)
}

type fakeSigner struct {
	mu       sync.Mutex
	strategy signer.Strategy
	chain    *fakeChain
	calls    []chain.Call
	failures []error // returned, in order, before any submit succeeds
	n        int
}

func (s *fakeSigner) Strategy() signer.Strategy { return s.strategy }

func (s *fakeSigner) Submit(_ context.Context, call chain.Call) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return "", err
	}
	if s.strategy == signer.StrategyExternal {
		return "", signer.ErrExternalRequired
	}
	s.n++
	hash := fmt.Sprintf("0x%064x", s.n)
	s.chain.apply(call, hash)
	return hash, nil
}

func (s *fakeSigner) ReportExternalTxHash(_ context.Context, call chain.Call, txHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.strategy != signer.StrategyExternal {
		return "", signer.ErrNotSupported
	}
	s.calls = append(s.calls, call)
	s.chain.apply(call, txHash)
	return txHash, nil
}

func (s *fakeSigner) submitted() []chain.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chain.Call(nil), s.calls...)
}

type harness struct {
	svc      *Service
	store    *MemoryStore
	chain    *fakeChain
	platform *fakeSigner
	external *fakeSigner
	feedback *reputation.MemoryStore
	alerts   *alerts.MemorySink
	feed     *feed.MemoryFeed
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    NewMemoryStore(),
		chain:    newFakeChain(),
		feedback: reputation.NewMemoryStore(),
		alerts:   alerts.NewMemorySink(),
		feed:     feed.NewMemoryFeed(100),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.platform = &fakeSigner{strategy: signer.StrategyPlatform, chain: h.chain}
	h.external = &fakeSigner{strategy: signer.StrategyExternal, chain: h.chain}

	logger := logging.Discard()
	exec := retry.NewExecutor(retry.DefaultPolicy(), retry.ClassifyChainError, logger).
		WithSleep(func(context.Context, time.Duration) error { return nil }).
		WithAlerts(h.alerts)

	h.svc = NewService(h.store, h.chain, signer.NewRegistry(h.platform, h.external), exec, logger).
		WithFeedback(reputation.NewEmitter(h.feedback, logger)).
		WithPublisher(feed.NewFanout(logger, h.feed)).
		WithAlerts(h.alerts).
		WithAdmins(admin).
		WithClock(func() time.Time { return h.now })
	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func (h *harness) create(t *testing.T, mutate ...func(*CreateRequest)) *Transaction {
	t.Helper()
	req := CreateRequest{BuyerID: buyer, SellerID: seller, AmountMinor: 5_000_000}
	for _, m := range mutate {
		m(&req)
	}
	tx, err := h.svc.Create(context.Background(), req)
	require.NoError(t, err)
	return tx
}

func (h *harness) funded(t *testing.T, mutate ...func(*CreateRequest)) *Transaction {
	t.Helper()
	tx := h.create(t, mutate...)
	id, err := tx.ChainEscrowID()
	require.NoError(t, err)
	h.chain.put(id, chain.V2, chain.StateFunded, tx.AmountMinor)

	tx, err = h.svc.ConfirmFunding(context.Background(), tx.ID, fundHash)
	require.NoError(t, err)
	return tx
}

func (h *harness) delivered(t *testing.T, mutate ...func(*CreateRequest)) *Transaction {
	t.Helper()
	tx := h.funded(t, mutate...)
	tx, err := h.svc.RecordDelivery(context.Background(), tx.ID, seller, DeliverRequest{DeliverableHash: deliverable})
	require.NoError(t, err)
	return tx
}

func (h *harness) escrowID(t *testing.T, tx *Transaction) chain.EscrowID {
	t.Helper()
	id, err := tx.ChainEscrowID()
	require.NoError(t, err)
	return id
}
