// Package chain translates ledger operations into calls against the on-chain
// escrow contract and reads its state back. It carries no business rules:
// only identifier derivation, ABI encoding for each contract generation,
// and confirmation waiting.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/alancoin-escrow/internal/errs"
)

var (
	ErrUnknownVersion     = errs.New(errs.KindValidation, "unknown_contract_version", "unknown contract version")
	ErrVersionNotDeployed = errs.New(errs.KindValidation, "contract_version_not_configured", "no contract configured for version")
	ErrVersionConflict    = errs.New(errs.KindStateConflict, "contract_version_conflict", "escrow found on more than one contract version")
	ErrEscrowNotFound     = errs.New(errs.KindNotFound, "escrow_not_found", "escrow not found on chain")
	ErrNotMined           = errs.New(errs.KindChainTransient, "tx_not_mined", "transaction not mined")
	ErrTxReverted         = errs.New(errs.KindChainFatal, "tx_reverted", "transaction reverted")
	ErrUnsupportedMethod  = errs.New(errs.KindValidation, "unsupported_method", "method not supported by contract version")
	ErrMalformedResponse  = errs.New(errs.KindChainFatal, "malformed_chain_response", "unexpected contract response")
	ErrEventNotFound      = errs.New(errs.KindNotFound, "chain_event_not_found", "no matching contract event")
)

// Version identifies a contract generation. It is persisted on every
// transaction at funding time and never inferred from identifier shape.
type Version int

const (
	VersionUnknown Version = 0
	V1             Version = 1
	V2             Version = 2
)

func (v Version) String() string {
	switch v {
	case V1:
		return "v1"
	case V2:
		return "v2"
	default:
		return "unknown"
	}
}

// Valid reports whether v names a supported generation.
func (v Version) Valid() bool {
	return v == V1 || v == V2
}

// SupportedVersions lists every generation the adapter can talk to.
var SupportedVersions = []Version{V1, V2}

// State is the contract's escrow state byte.
type State uint8

const (
	StateNone      State = 0
	StateFunded    State = 1
	StateDelivered State = 2
	StateDisputed  State = 3
	StateReleased  State = 4
	StateRefunded  State = 5
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateFunded:
		return "FUNDED"
	case StateDelivered:
		return "DELIVERED"
	case StateDisputed:
		return "DISPUTED"
	case StateReleased:
		return "RELEASED"
	case StateRefunded:
		return "REFUNDED"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}

// Terminal reports whether funds have left escrow.
func (s State) Terminal() bool {
	return s == StateReleased || s == StateRefunded
}

// EscrowID is the contract-side identifier for a ledger transaction.
type EscrowID common.Hash

// EscrowIDFor derives the escrow id from a ledger id with keccak256.
func EscrowIDFor(ledgerID string) EscrowID {
	return EscrowID(crypto.Keccak256Hash([]byte(ledgerID)))
}

// ParseEscrowID parses a 0x-prefixed 32-byte hex id.
func ParseEscrowID(s string) (EscrowID, error) {
	b := common.FromHex(s)
	if len(b) != common.HashLength {
		return EscrowID{}, errs.New(errs.KindValidation, "invalid_escrow_id", "invalid escrow id").WithDetail("%q", s)
	}
	return EscrowID(common.BytesToHash(b)), nil
}

func (id EscrowID) Hex() string    { return common.Hash(id).Hex() }
func (id EscrowID) String() string { return id.Hex() }
func (id EscrowID) IsZero() bool   { return id == EscrowID{} }

// EscrowRecord mirrors the contract's view of an escrow.
type EscrowRecord struct {
	ID            EscrowID
	Version       Version
	Buyer         common.Address
	Seller        common.Address
	Token         common.Address
	Amount        *big.Int
	Deadline      time.Time
	DisputeWindow time.Duration
	DeliveredAt   time.Time // zero on v1
	State         State
}

// Exists reports whether the contract knows this escrow.
func (r *EscrowRecord) Exists() bool {
	return r != nil && r.State != StateNone
}

// Method is a state-changing contract operation.
type Method string

const (
	MethodDeliver Method = "deliver"
	MethodDispute Method = "dispute"
	MethodResolve Method = "resolve"
	MethodRelease Method = "release"
	MethodRefund  Method = "refund"
)

// Call is one state-changing request against an escrow.
type Call struct {
	Version         Version
	Method          Method
	EscrowID        EscrowID
	DeliverableHash common.Hash // deliver only
	ReleaseToSeller bool        // resolve only
}

func (c Call) String() string {
	return fmt.Sprintf("%s.%s(%s)", c.Version, c.Method, c.EscrowID.Hex())
}

// Receipt is the observed result of a mined transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Logs        []Log
}

// Log is an event emitted during a mined transaction.
type Log struct {
	Address common.Address
	Topics  []common.Hash
}

// References reports whether any log emitted by contract carries id as its
// first indexed argument.
func (r *Receipt) References(contract common.Address, id EscrowID) bool {
	if r == nil {
		return false
	}
	for _, l := range r.Logs {
		if l.Address == contract && len(l.Topics) > 1 && l.Topics[1] == common.Hash(id) {
			return true
		}
	}
	return false
}

// TxInfo describes a submitted transaction as the node reports it.
type TxInfo struct {
	Hash    string
	To      common.Address
	Data    []byte
	Pending bool
}

// Reader queries escrow state.
type Reader interface {
	GetEscrow(ctx context.Context, v Version, id EscrowID) (*EscrowRecord, error)
	AutoReleaseReady(ctx context.Context, v Version, id EscrowID) (bool, error)
}

// Confirmer waits for a submitted transaction to be mined.
type Confirmer interface {
	WaitForConfirmation(ctx context.Context, txHash string) (*Receipt, error)
}

// Encoder turns a Call into a contract address and calldata.
type Encoder interface {
	Encode(call Call) (common.Address, []byte, error)
}

// Inspector looks up transactions by hash.
type Inspector interface {
	TransactionByHash(ctx context.Context, txHash string) (*TxInfo, error)
}

// EventLocator finds the transaction behind an on-chain state change.
type EventLocator interface {
	ContractAddress(v Version) (common.Address, error)
	FindTransitionTx(ctx context.Context, v Version, id EscrowID, state State) (string, error)
}

// ProbeVersion finds which contract generation holds id. Exactly one must
// report the escrow: none is ErrEscrowNotFound, more than one is
// ErrVersionConflict. Versions without a configured contract are skipped.
func ProbeVersion(ctx context.Context, r Reader, id EscrowID) (Version, *EscrowRecord, error) {
	var (
		found   Version
		record  *EscrowRecord
		probed  int
		lastErr error
	)
	for _, v := range SupportedVersions {
		rec, err := r.GetEscrow(ctx, v, id)
		if errors.Is(err, ErrVersionNotDeployed) {
			continue
		}
		if err != nil {
			lastErr = err
			continue
		}
		probed++
		if !rec.Exists() {
			continue
		}
		if found != VersionUnknown {
			return VersionUnknown, nil, ErrVersionConflict.WithDetail("%s reported by %s and %s", id.Hex(), found, v)
		}
		found, record = v, rec
	}
	if lastErr != nil {
		// A failed probe could be hiding a second copy; never guess.
		return VersionUnknown, nil, lastErr
	}
	if found == VersionUnknown {
		if probed == 0 {
			return VersionUnknown, nil, ErrVersionNotDeployed.WithDetail("no escrow contracts configured")
		}
		return VersionUnknown, nil, ErrEscrowNotFound.WithDetail("%s", id.Hex())
	}
	return found, record, nil
}
