package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/alancoin-escrow/internal/chain"
	"github.com/mbd888/alancoin-escrow/internal/errs"
)

// DefaultGasLimit is used when estimation fails.
const DefaultGasLimit = uint64(250000)

var ErrInvalidPrivateKey = errs.New(errs.KindValidation, "invalid_private_key", "invalid private key")

// SubmitError wraps submission failures with context
type SubmitError struct {
	Op     string // step that failed
	TxHash string // set once the transaction was signed
	Err    error
}

func (e *SubmitError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("signer: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("signer: %s failed: %v", e.Op, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// PlatformSigner signs with a locally held key using EIP-155.
type PlatformSigner struct {
	eth     chain.EthClient
	enc     chain.Encoder
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int

	// Serializes nonce selection so concurrent submits do not collide.
	mu sync.Mutex
}

var _ Signer = (*PlatformSigner)(nil)

// NewPlatformSigner parses hexKey (with or without 0x).
func NewPlatformSigner(eth chain.EthClient, enc chain.Encoder, hexKey string, chainID int64) (*PlatformSigner, error) {
	key := strings.TrimPrefix(hexKey, "0x")
	if len(key) != 64 {
		return nil, ErrInvalidPrivateKey.WithDetail("must be 64 hex characters")
	}
	pk, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, ErrInvalidPrivateKey.Wrap(err)
	}
	pub, ok := pk.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, ErrInvalidPrivateKey.WithDetail("failed to derive public key")
	}
	return &PlatformSigner{
		eth:     eth,
		enc:     enc,
		key:     pk,
		address: crypto.PubkeyToAddress(*pub),
		chainID: big.NewInt(chainID),
	}, nil
}

func (s *PlatformSigner) Strategy() Strategy { return StrategyPlatform }

// Address returns the oracle wallet address.
func (s *PlatformSigner) Address() common.Address { return s.address }

// Submit signs and broadcasts call.
func (s *PlatformSigner) Submit(ctx context.Context, call chain.Call) (string, error) {
	to, data, err := s.enc.Encode(call)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, err := s.eth.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", &SubmitError{Op: "nonce", Err: err}
	}
	gasPrice, err := s.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", &SubmitError{Op: "gas_price", Err: err}
	}
	gasLimit, err := s.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:  s.address,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Reverts surface at estimation; anything else falls back to the default.
		if strings.Contains(strings.ToLower(err.Error()), "revert") {
			return "", &SubmitError{Op: "estimate_gas", Err: err}
		}
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(s.chainID), s.key)
	if err != nil {
		return "", &SubmitError{Op: "sign", Err: err}
	}
	hash := signed.Hash().Hex()
	if err := s.eth.SendTransaction(ctx, signed); err != nil {
		return "", &SubmitError{Op: "send", TxHash: hash, Err: err}
	}
	return hash, nil
}

func (s *PlatformSigner) ReportExternalTxHash(context.Context, chain.Call, string) (string, error) {
	return "", unsupported(StrategyPlatform, "report external tx hash")
}
