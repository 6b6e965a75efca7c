// Package escrow is the ledger side of an on-chain escrow.
//
// Flow:
//  1. Marketplace creates a PENDING transaction for a buyer/seller pair
//  2. Buyer funds the contract → confirmFunding verifies the chain → FUNDED
//  3. Seller delivers → deliver() on chain (skipped in oracle_buyer mode) → DELIVERED
//  4. Buyer disputes within the window → dispute() on chain → DISPUTED
//     4a. Admin resolves → resolve() on chain → RELEASED or REFUNDED
//  5. Window passes undisputed → oracle releases → RELEASED
//
// The chain is the source of truth for money. Every ledger write is a
// compare-and-set on the prior state and carries the hash of the chain
// transaction that caused it.
package escrow

import (
	"context"
	"time"

	"github.com/mbd888/alancoin-escrow/internal/chain"
	"github.com/mbd888/alancoin-escrow/internal/errs"
	"github.com/mbd888/alancoin-escrow/internal/signer"
)

var (
	ErrTransactionNotFound = errs.New(errs.KindNotFound, "transaction_not_found", "transaction not found")
	ErrDuplicate           = errs.New(errs.KindStateConflict, "duplicate_transaction", "transaction already exists")
	ErrInvalidRequest      = errs.New(errs.KindValidation, "invalid_request", "invalid request")
	ErrInvalidTransition   = errs.New(errs.KindStateConflict, "invalid_transition", "invalid state transition")
	ErrStaleState          = errs.New(errs.KindStateConflict, "stale_state", "transaction state changed concurrently")
	ErrAmountMismatch      = errs.New(errs.KindStateConflict, "amount_mismatch", "on-chain amount does not match")
	ErrWrongOnChainState   = errs.New(errs.KindStateConflict, "wrong_onchain_state", "on-chain escrow is in the wrong state")
	ErrNotMined            = chain.ErrNotMined
	ErrWindowClosed        = errs.New(errs.KindStateConflict, "dispute_window_closed", "dispute window has closed")
	ErrNotBuyer            = errs.New(errs.KindValidation, "not_buyer", "only the buyer may perform this operation")
	ErrNotSeller           = errs.New(errs.KindValidation, "not_seller", "only the seller may perform this operation")
	ErrNotAdmin            = errs.New(errs.KindValidation, "not_admin", "only an admin may perform this operation")
	ErrAlreadyDisputed     = errs.New(errs.KindStateConflict, "already_disputed", "transaction is already disputed")
	ErrNotReady            = errs.New(errs.KindStateConflict, "auto_release_not_ready", "escrow is not ready for auto-release")
	ErrRateLimited         = errs.New(errs.KindValidation, "rate_limit_exceeded", "too many requests")
	ErrEscrowIDMismatch    = errs.New(errs.KindStateConflict, "escrow_id_mismatch", "stored escrow id does not match transaction id")
	ErrFundingTxMismatch   = errs.New(errs.KindValidation, "funding_tx_mismatch", "transaction did not fund this escrow")
)

// State is a ledger transaction state.
type State string

const (
	StatePending   State = "PENDING"
	StateFunded    State = "FUNDED"
	StateDelivered State = "DELIVERED"
	StateDisputed  State = "DISPUTED"
	StateReleased  State = "RELEASED"
	StateRefunded  State = "REFUNDED"
)

// transitions is the state lattice. Anything not listed is illegal.
var transitions = map[State][]State{
	StatePending:   {StateFunded},
	StateFunded:    {StateDelivered},
	StateDelivered: {StateDisputed, StateReleased, StateRefunded},
	StateDisputed:  {StateReleased, StateRefunded},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s is final.
func (s State) Terminal() bool {
	return s == StateReleased || s == StateRefunded
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateFunded, StateDelivered, StateDisputed, StateReleased, StateRefunded:
		return true
	}
	return false
}

// FundingMode describes who funded the escrow.
type FundingMode string

const (
	// FundingDirect: the buyer funds from its own wallet.
	FundingDirect FundingMode = "direct"
	// FundingOracleBuyer: the oracle wallet funds on the buyer's behalf.
	// The on-chain delivered marker is never set in this mode, because
	// it would open the contract's dispute window against the oracle.
	FundingOracleBuyer FundingMode = "oracle_buyer"
)

// Valid reports whether m is a known funding mode.
func (m FundingMode) Valid() bool {
	return m == FundingDirect || m == FundingOracleBuyer
}

// DefaultDisputeWindowHours applies when a transaction is created without one.
const DefaultDisputeWindowHours = 24

// MaxDisputeWindowHours bounds the window a marketplace may request.
const MaxDisputeWindowHours = 720

// Transaction is one escrowed purchase.
type Transaction struct {
	ID                  string          `json:"id"`
	BuyerID             string          `json:"buyerId"`
	SellerID            string          `json:"sellerId"`
	State               State           `json:"state"`
	EscrowID            string          `json:"escrowId"`
	AmountMinor         int64           `json:"amountMinor"`
	Currency            string          `json:"currency"`
	ContractVersion     chain.Version   `json:"contractVersion"`
	FundingMode         FundingMode     `json:"fundingMode"`
	SignerStrategy      signer.Strategy `json:"signerStrategy"`
	DisputeWindowHours  int             `json:"disputeWindowHours"`
	ChainDeadline       *time.Time      `json:"chainDeadline,omitempty"`
	DisputeReason       string          `json:"disputeReason,omitempty"`
	DisputeResolution   string          `json:"disputeResolution,omitempty"`
	ResolvedBy          string          `json:"resolvedBy,omitempty"`
	FundTxHash          string          `json:"fundTxHash,omitempty"`
	DeliverTxHash       string          `json:"deliverTxHash,omitempty"`
	DisputeTxHash       string          `json:"disputeTxHash,omitempty"`
	ReleaseTxHash       string          `json:"releaseTxHash,omitempty"`
	RefundTxHash        string          `json:"refundTxHash,omitempty"`
	DeliverableHash     string          `json:"deliverableHash,omitempty"`
	ReleaseFailureCount int             `json:"releaseFailureCount"`
	CreatedAt           time.Time       `json:"createdAt"`
	FundedAt            *time.Time      `json:"fundedAt,omitempty"`
	DeliveredAt         *time.Time      `json:"deliveredAt,omitempty"`
	DisputedAt          *time.Time      `json:"disputedAt,omitempty"`
	CompletedAt         *time.Time      `json:"completedAt,omitempty"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// IsTerminal returns true if the transaction is in a final state.
func (t *Transaction) IsTerminal() bool {
	return t.State.Terminal()
}

// WasDisputed reports whether a dispute was ever filed.
func (t *Transaction) WasDisputed() bool {
	return t.DisputedAt != nil
}

// DisputeDeadline is the last instant a dispute may be filed. Zero before delivery.
func (t *Transaction) DisputeDeadline() time.Time {
	if t.DeliveredAt == nil {
		return time.Time{}
	}
	return t.DeliveredAt.Add(time.Duration(t.DisputeWindowHours) * time.Hour)
}

// ChainEscrowID parses the stored escrow id and checks it is still the one
// derived from the transaction id.
func (t *Transaction) ChainEscrowID() (chain.EscrowID, error) {
	id, err := chain.ParseEscrowID(t.EscrowID)
	if err != nil {
		return chain.EscrowID{}, err
	}
	if want := chain.EscrowIDFor(t.ID); id != want {
		return chain.EscrowID{}, ErrEscrowIDMismatch.WithDetail("%s stores %s, derives %s", t.ID, id.Hex(), want.Hex())
	}
	return id, nil
}

func (t *Transaction) clone() *Transaction {
	cp := *t
	cp.ChainDeadline = copyTime(t.ChainDeadline)
	cp.FundedAt = copyTime(t.FundedAt)
	cp.DeliveredAt = copyTime(t.DeliveredAt)
	cp.DisputedAt = copyTime(t.DisputedAt)
	cp.CompletedAt = copyTime(t.CompletedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Store persists transactions. Transition is the only way state changes:
// it writes every mutable field of tx if and only if the stored state is
// still from, so concurrent writers across instances cannot both win.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByEscrowID(ctx context.Context, escrowID string) (*Transaction, error)
	Transition(ctx context.Context, tx *Transaction, from State) error
	// ListAutoReleaseCandidates returns DELIVERED, never-disputed
	// transactions on a supported contract version whose dispute window
	// ended at or before now, oldest delivery first.
	ListAutoReleaseCandidates(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)
	ListByStates(ctx context.Context, states []State, limit int) ([]*Transaction, error)
	ListByAgent(ctx context.Context, agentID string, limit int) ([]*Transaction, error)
	// IncrementReleaseFailure atomically bumps the failure counter and returns the new value.
	IncrementReleaseFailure(ctx context.Context, id string) (int, error)
	ResetReleaseFailures(ctx context.Context, id string) error
}

// CreateRequest contains the parameters for creating a transaction.
type CreateRequest struct {
	ID                 string          `json:"id" validate:"omitempty,max=64"`
	BuyerID            string          `json:"buyerId" validate:"required,max=128"`
	SellerID           string          `json:"sellerId" validate:"required,max=128,nefield=BuyerID"`
	AmountMinor        int64           `json:"amountMinor" validate:"gt=0"`
	Currency           string          `json:"currency" validate:"omitempty,max=10"`
	DisputeWindowHours int             `json:"disputeWindowHours" validate:"gte=0,lte=720"`
	FundingMode        FundingMode     `json:"fundingMode" validate:"omitempty,oneof=direct oracle_buyer"`
	SignerStrategy     signer.Strategy `json:"signerStrategy" validate:"omitempty,oneof=platform managed external"`
	ContractVersion    chain.Version   `json:"contractVersion" validate:"gte=0,lte=2"`
}

// ConfirmFundingRequest carries the buyer's funding transaction hash.
type ConfirmFundingRequest struct {
	FundTxHash string `json:"fundTxHash" validate:"required,len=66,startswith=0x,hexadecimal"`
}

// DeliverRequest records delivery. TxHash is required for external signers.
type DeliverRequest struct {
	DeliverableHash string `json:"deliverableHash" validate:"required,len=66,startswith=0x,hexadecimal"`
	TxHash          string `json:"txHash" validate:"omitempty,len=66,startswith=0x,hexadecimal"`
}

// DisputeRequest files a dispute. TxHash is required for external signers.
type DisputeRequest struct {
	Reason string `json:"reason" validate:"required,max=2000"`
	TxHash string `json:"txHash" validate:"omitempty,len=66,startswith=0x,hexadecimal"`
}

// ResolveRequest settles a dispute.
type ResolveRequest struct {
	ReleaseToSeller *bool  `json:"releaseToSeller" validate:"required"`
	Notes           string `json:"notes" validate:"max=2000"`
}
