package escrow

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/alancoin-escrow/internal/alerts"
	"github.com/mbd888/alancoin-escrow/internal/chain"
	"github.com/mbd888/alancoin-escrow/internal/errs"
	"github.com/mbd888/alancoin-escrow/internal/feed"
	"github.com/mbd888/alancoin-escrow/internal/idgen"
	"github.com/mbd888/alancoin-escrow/internal/metrics"
	"github.com/mbd888/alancoin-escrow/internal/ratelimit"
	"github.com/mbd888/alancoin-escrow/internal/reputation"
	"github.com/mbd888/alancoin-escrow/internal/retry"
	"github.com/mbd888/alancoin-escrow/internal/signer"
	"github.com/mbd888/alancoin-escrow/internal/syncutil"
	"github.com/mbd888/alancoin-escrow/internal/traces"
	"github.com/mbd888/alancoin-escrow/internal/usdc"
)

// Chain is the part of the chain adapter the state machine reads from.
type Chain interface {
	chain.Reader
	chain.Confirmer
	chain.Inspector
	chain.EventLocator
}

// FeedbackEmitter records the reputation outcome of a terminal transition.
type FeedbackEmitter interface {
	Emit(ctx context.Context, agentID, transactionID string, outcome reputation.Outcome, oc reputation.OutcomeContext) (*reputation.Feedback, error)
}

// Publisher receives activity events.
type Publisher interface {
	Publish(ctx context.Context, e feed.Event)
}

// OracleActor is recorded as the actor for oracle-driven transitions.
const OracleActor = "oracle"

// Service implements the transaction state machine.
type Service struct {
	store     Store
	chain     Chain
	signers   *signer.Registry
	retry     *retry.Executor
	feedback  FeedbackEmitter
	publisher Publisher
	alerts    alerts.Sink
	limiter   *ratelimit.Limiter
	tolerance decimal.Decimal
	admins    map[string]bool
	locks     *syncutil.KeyedMutex
	now       func() time.Time
	logger    *slog.Logger
}

// NewService creates a new escrow service.
func NewService(store Store, c Chain, signers *signer.Registry, exec *retry.Executor, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		chain:     c,
		signers:   signers,
		retry:     exec,
		alerts:    alerts.Nop{},
		tolerance: usdc.DefaultTolerance,
		admins:    make(map[string]bool),
		locks:     syncutil.NewKeyedMutex(syncutil.DefaultShards),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// WithFeedback sets the reputation emitter for terminal outcomes.
func (s *Service) WithFeedback(f FeedbackEmitter) *Service {
	s.feedback = f
	return s
}

// WithPublisher sets the activity feed.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// WithAlerts sets the operational alert sink.
func (s *Service) WithAlerts(a alerts.Sink) *Service {
	s.alerts = a
	return s
}

// WithDisputeLimiter limits disputes per buyer.
func (s *Service) WithDisputeLimiter(l *ratelimit.Limiter) *Service {
	s.limiter = l
	return s
}

// WithTolerance sets the funding amount tolerance in major units.
func (s *Service) WithTolerance(tol decimal.Decimal) *Service {
	s.tolerance = tol
	return s
}

// WithAdmins restricts dispute resolution to the given ids. With no ids
// any caller that passed admin authentication may resolve.
func (s *Service) WithAdmins(ids ...string) *Service {
	for _, id := range ids {
		s.admins[id] = true
	}
	return s
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store {
	return s.store
}

// Create inserts a PENDING transaction on behalf of the marketplace.
func (s *Service) Create(ctx context.Context, req CreateRequest) (tx *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create")
	defer func() { s.observe("create", err); traces.End(span, err) }()

	req.BuyerID = strings.TrimSpace(req.BuyerID)
	req.SellerID = strings.TrimSpace(req.SellerID)
	switch {
	case req.BuyerID == "" || req.SellerID == "":
		return nil, ErrInvalidRequest.WithDetail("buyerId and sellerId are required")
	case req.BuyerID == req.SellerID:
		return nil, ErrInvalidRequest.WithDetail("buyer and seller must differ")
	case req.AmountMinor <= 0:
		return nil, ErrInvalidRequest.WithDetail("amountMinor must be positive")
	case req.DisputeWindowHours < 0 || req.DisputeWindowHours > MaxDisputeWindowHours:
		return nil, ErrInvalidRequest.WithDetail("disputeWindowHours must be between 0 and %d", MaxDisputeWindowHours)
	case req.FundingMode != "" && !req.FundingMode.Valid():
		return nil, ErrInvalidRequest.WithDetail("unknown funding mode %q", req.FundingMode)
	case req.SignerStrategy != "" && !req.SignerStrategy.Valid():
		return nil, ErrInvalidRequest.WithDetail("unknown signer strategy %q", req.SignerStrategy)
	case req.ContractVersion != chain.VersionUnknown && !req.ContractVersion.Valid():
		return nil, chain.ErrUnknownVersion.WithDetail("%d", int(req.ContractVersion))
	}

	now := s.now()
	tx = &Transaction{
		ID:                 req.ID,
		BuyerID:            req.BuyerID,
		SellerID:           req.SellerID,
		State:              StatePending,
		AmountMinor:        req.AmountMinor,
		Currency:           strings.ToUpper(req.Currency),
		ContractVersion:    req.ContractVersion,
		FundingMode:        req.FundingMode,
		SignerStrategy:     req.SignerStrategy,
		DisputeWindowHours: req.DisputeWindowHours,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if tx.ID == "" {
		tx.ID = idgen.WithPrefix("tx_")
	}
	if tx.Currency == "" {
		tx.Currency = "USDC"
	}
	if tx.FundingMode == "" {
		tx.FundingMode = FundingDirect
	}
	if tx.SignerStrategy == "" {
		tx.SignerStrategy = signer.StrategyPlatform
	}
	if tx.DisputeWindowHours == 0 {
		tx.DisputeWindowHours = DefaultDisputeWindowHours
	}
	tx.EscrowID = chain.EscrowIDFor(tx.ID).Hex()

	if err := s.store.Create(ctx, tx); err != nil {
		return nil, err
	}
	s.logger.Info("transaction created", "txId", tx.ID, "escrowId", tx.EscrowID,
		"buyer", tx.BuyerID, "seller", tx.SellerID, "amount", usdc.FormatMinor(tx.AmountMinor))
	return tx, nil
}

// Get returns a transaction by id.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// ListByAgent returns transactions where agentID is buyer or seller.
func (s *Service) ListByAgent(ctx context.Context, agentID string, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByAgent(ctx, agentID, limit)
}

// lock serializes operations on one transaction within this process.
// Across processes the store's compare-and-set is what holds.
func (s *Service) lock(ctx context.Context, id string) (func(), error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, errs.E(errs.KindChainTransient, "lock_timeout", err)
	}
	return unlock, nil
}

// transition validates the lattice move and persists tx guarded by from.
func (s *Service) transition(ctx context.Context, tx *Transaction, from State) error {
	if !CanTransition(from, tx.State) {
		return ErrInvalidTransition.WithDetail("%s → %s", from, tx.State)
	}
	tx.UpdatedAt = s.now()
	if err := s.store.Transition(ctx, tx, from); err != nil {
		return err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(tx.State)).Inc()
	if tx.State.Terminal() && tx.FundedAt != nil && tx.CompletedAt != nil {
		metrics.EscrowDuration.Observe(tx.CompletedAt.Sub(*tx.FundedAt).Seconds())
	}
	return nil
}

// persistAfterChain writes a transition whose chain effect already
// happened. A failure here leaves the ledger behind the chain, which the
// reconciler will report; it is escalated immediately as well.
func (s *Service) persistAfterChain(ctx context.Context, tx *Transaction, from State, txHash string) error {
	err := s.transition(ctx, tx, from)
	if err == nil {
		return nil
	}
	s.logger.Error("ledger write failed after chain confirmation",
		"txId", tx.ID, "from", from, "to", tx.State, "chainTx", txHash, "error", err)
	s.alerts.Send(ctx, alerts.New(alerts.SeverityCritical, "ledger behind chain", map[string]any{
		"txId":    tx.ID,
		"from":    string(from),
		"to":      string(tx.State),
		"chainTx": txHash,
		"error":   err.Error(),
	}).WithKey("ledger_behind_chain:"+tx.ID))
	return err
}

// readEscrow reads the on-chain record for tx at its stored version.
func (s *Service) readEscrow(ctx context.Context, tx *Transaction) (*chain.EscrowRecord, error) {
	if !tx.ContractVersion.Valid() {
		return nil, chain.ErrUnknownVersion.WithDetail("transaction %s has no contract version", tx.ID)
	}
	id, err := tx.ChainEscrowID()
	if err != nil {
		return nil, err
	}
	return retry.Run(ctx, s.retry, "get_escrow", func(ctx context.Context) (*chain.EscrowRecord, error) {
		return s.chain.GetEscrow(ctx, tx.ContractVersion, id)
	})
}

// submit sends call through sg and waits for it to be mined. For external
// signers the counterparty's reported hash is verified instead.
func (s *Service) submit(ctx context.Context, sg signer.Signer, call chain.Call, reportedHash string) (string, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.submit",
		traces.ChainMethod(string(call.Method)), traces.EscrowID(call.EscrowID.Hex()), traces.ContractVersion(call.Version.String()))
	var err error
	defer func() { traces.End(span, err) }()

	var hash string
	if sg.Strategy() == signer.StrategyExternal {
		if reportedHash == "" {
			err = signer.ErrExternalRequired.WithDetail("%s", call.Method)
			return "", err
		}
		hash, err = sg.ReportExternalTxHash(ctx, call, reportedHash)
	} else {
		hash, err = retry.Run(ctx, s.retry, string(call.Method), func(ctx context.Context) (string, error) {
			return sg.Submit(ctx, call)
		})
	}
	if err != nil {
		return "", err
	}

	if _, err = s.chain.WaitForConfirmation(ctx, hash); err != nil {
		return hash, err
	}
	return hash, nil
}

func (s *Service) publish(ctx context.Context, typ feed.EventType, tx *Transaction, txHash, actor string) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, feed.Event{
		Type:          typ,
		TransactionID: tx.ID,
		BuyerID:       tx.BuyerID,
		SellerID:      tx.SellerID,
		AmountMinor:   tx.AmountMinor,
		Currency:      tx.Currency,
		TxHash:        txHash,
		Actor:         actor,
	})
}

// emitOutcome records reputation feedback for a terminal transaction. The
// money has already moved, so failures are logged, not returned.
func (s *Service) emitOutcome(ctx context.Context, tx *Transaction, outcome reputation.Outcome) {
	if s.feedback == nil {
		return
	}
	agentID, txHash := tx.SellerID, tx.ReleaseTxHash
	if outcome == reputation.OutcomeDisputedRefund {
		agentID, txHash = tx.BuyerID, tx.RefundTxHash
	}
	var duration int64
	if tx.CompletedAt != nil {
		start := tx.CreatedAt
		if tx.FundedAt != nil {
			start = *tx.FundedAt
		}
		duration = int64(tx.CompletedAt.Sub(start).Seconds())
	}
	_, err := s.feedback.Emit(ctx, agentID, tx.ID, outcome, reputation.OutcomeContext{
		AmountMinor:     tx.AmountMinor,
		Currency:        tx.Currency,
		DurationSeconds: duration,
		TxHash:          txHash,
		DeliverableHash: tx.DeliverableHash,
	})
	if err != nil {
		s.logger.Warn("failed to record reputation feedback", "txId", tx.ID, "agent", agentID, "outcome", outcome, "error", err)
	}
}

func (s *Service) isAdmin(id string) bool {
	if id == "" {
		return false
	}
	if len(s.admins) == 0 {
		return true
	}
	return s.admins[id]
}

func (s *Service) observe(op string, err error) {
	if err != nil {
		metrics.EscrowRejectedTotal.WithLabelValues(op, string(errs.KindOf(err))).Inc()
	}
}

func timeRef(t time.Time) *time.Time {
	return &t
}
