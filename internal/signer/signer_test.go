package signer

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mbd888/alancoin-escrow/internal/chain"
	"github.com/mbd888/alancoin-escrow/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var contract = common.HexToAddress("0x00000000000000000000000000000000000000e5")

type stubEncoder struct{}

func (stubEncoder) Encode(call chain.Call) (common.Address, []byte, error) {
	if !call.Version.Valid() {
		return common.Address{}, nil, chain.ErrUnknownVersion
	}
	return contract, []byte(call.String()), nil
}

type stubEth struct {
	sent        []*types.Transaction
	sendErr     error
	estimateErr error
}

func (s *stubEth) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 7, nil }
func (s *stubEth) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (s *stubEth) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if s.estimateErr != nil {
		return 0, s.estimateErr
	}
	return 80_000, nil
}
func (s *stubEth) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, tx)
	return nil
}
func (s *stubEth) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}
func (s *stubEth) TransactionByHash(context.Context, common.Hash) (*types.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}
func (s *stubEth) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}
func (s *stubEth) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (s *stubEth) Close() {}
func (s *stubEth) BlockNumber(context.Context) (uint64, error) { return 0, nil }
func (s *stubEth) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func releaseCall() chain.Call {
	return chain.Call{Version: chain.V2, Method: chain.MethodRelease, EscrowID: chain.EscrowIDFor("tx_1")}
}

func TestPlatformSigner_SignsEIP155(t *testing.T) {
	eth := &stubEth{}
	s, err := NewPlatformSigner(eth, stubEncoder{}, "0x"+testKey, 84532)
	require.NoError(t, err)

	hash, err := s.Submit(context.Background(), releaseCall())
	require.NoError(t, err)
	require.Len(t, eth.sent, 1)

	tx := eth.sent[0]
	assert.Equal(t, tx.Hash().Hex(), hash)
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(80_000), tx.Gas())
	assert.Equal(t, contract, *tx.To())

	from, err := types.Sender(types.NewEIP155Signer(big.NewInt(84532)), tx)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), from)
}

func TestPlatformSigner_SendErrorKeepsMessage(t *testing.T) {
	eth := &stubEth{sendErr: errors.New("nonce too low")}
	s, err := NewPlatformSigner(eth, stubEncoder{}, testKey, 1)
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), releaseCall())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce too low")
	var se *SubmitError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "send", se.Op)
	assert.NotEmpty(t, se.TxHash)
}

func TestPlatformSigner_RevertAtEstimationFails(t *testing.T) {
	eth := &stubEth{estimateErr: errors.New("execution reverted: not delivered")}
	s, err := NewPlatformSigner(eth, stubEncoder{}, testKey, 1)
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), releaseCall())
	require.Error(t, err)
	assert.Empty(t, eth.sent)
}

func TestNewPlatformSigner_RejectsBadKey(t *testing.T) {
	_, err := NewPlatformSigner(&stubEth{}, stubEncoder{}, "abc", 1)
	assert.True(t, errors.Is(err, ErrInvalidPrivateKey))
}

func TestManagedSigner_Submit(t *testing.T) {
	var got managedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/transactions", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(managedResponse{TxHash: "0x" + testKey})
	}))
	defer srv.Close()

	s := NewManagedSigner(srv.URL, "secret", 8453, stubEncoder{})
	hash, err := s.Submit(context.Background(), releaseCall())
	require.NoError(t, err)
	assert.Equal(t, "0x"+testKey, hash)
	assert.Equal(t, int64(8453), got.ChainID)
	assert.Equal(t, contract.Hex(), got.To)
	assert.Contains(t, got.IdempotencyKey, ":release")
}

func TestManagedSigner_ErrorClassification(t *testing.T) {
	for _, tc := range []struct {
		status int
		want   errs.Kind
	}{
		{http.StatusServiceUnavailable, errs.KindChainTransient},
		{http.StatusTooManyRequests, errs.KindChainTransient},
		{http.StatusBadRequest, errs.KindChainFatal},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))
		_, err := NewManagedSigner(srv.URL, "", 1, stubEncoder{}).Submit(context.Background(), releaseCall())
		srv.Close()
		assert.Equal(t, tc.want, errs.KindOf(err), "status %d", tc.status)
	}
}

type stubInspector struct {
	info *chain.TxInfo
	err  error
}

func (s stubInspector) TransactionByHash(context.Context, string) (*chain.TxInfo, error) {
	return s.info, s.err
}

func TestExternalSigner_VerifiesReportedHash(t *testing.T) {
	call := releaseCall()
	hash := "0x" + testKey
	ctx := context.Background()

	good := NewExternalSigner(stubEncoder{}, stubInspector{info: &chain.TxInfo{To: contract, Data: []byte(call.String())}})
	got, err := good.ReportExternalTxHash(ctx, call, hash)
	require.NoError(t, err)
	assert.Equal(t, hash, got)

	wrongTarget := NewExternalSigner(stubEncoder{}, stubInspector{info: &chain.TxInfo{To: common.HexToAddress("0x01"), Data: []byte(call.String())}})
	_, err = wrongTarget.ReportExternalTxHash(ctx, call, hash)
	assert.True(t, errors.Is(err, ErrHashMismatch))

	wrongData := NewExternalSigner(stubEncoder{}, stubInspector{info: &chain.TxInfo{To: contract, Data: []byte("refund")}})
	_, err = wrongData.ReportExternalTxHash(ctx, call, hash)
	assert.True(t, errors.Is(err, ErrHashMismatch))

	unknown := NewExternalSigner(stubEncoder{}, stubInspector{err: chain.ErrNotMined})
	_, err = unknown.ReportExternalTxHash(ctx, call, hash)
	assert.True(t, errors.Is(err, chain.ErrNotMined))

	_, err = good.ReportExternalTxHash(ctx, call, "0x1234")
	assert.True(t, errors.Is(err, ErrInvalidReportHash))

	_, err = good.Submit(ctx, call)
	assert.True(t, errors.Is(err, ErrExternalRequired))
}

func TestRegistry_For(t *testing.T) {
	ext := NewExternalSigner(stubEncoder{}, stubInspector{})
	r := NewRegistry(ext, nil)

	s, err := r.For(StrategyExternal)
	require.NoError(t, err)
	assert.Equal(t, StrategyExternal, s.Strategy())

	_, err = r.For(StrategyPlatform)
	assert.True(t, errors.Is(err, ErrUnknownStrategy))

	_, err = r.For("hsm")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}
