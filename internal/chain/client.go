package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/mbd888/alancoin-escrow/internal/errs"
	"github.com/mbd888/alancoin-escrow/internal/metrics"
)

// EthClient abstracts the go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

const (
	DefaultConfirmationTimeout = 60 * time.Second
	ConfirmationPollInterval   = 2 * time.Second
)

// Config for creating a Client
type Config struct {
	RPCURL              string
	Contracts           map[Version]string // contract address per generation
	ConfirmationTimeout time.Duration
	LogLookbackBlocks   uint64 // how far back FindTransitionTx searches; 0 means from genesis
}

// Option configures the client
type Option func(*Client)

// WithEthClient sets a custom Ethereum client (useful for testing)
func WithEthClient(eth EthClient) Option {
	return func(c *Client) {
		c.eth = eth
	}
}

// WithPollInterval overrides how often receipts are polled
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = d
	}
}

// Client talks to the escrow contracts over JSON-RPC.
type Client struct {
	eth            EthClient
	contracts      map[Version]common.Address
	abis           map[Version]*contractABI
	confirmTimeout time.Duration
	pollInterval   time.Duration
	lookback       uint64
	logger         *slog.Logger
}

var (
	_ Reader       = (*Client)(nil)
	_ Confirmer    = (*Client)(nil)
	_ Encoder      = (*Client)(nil)
	_ Inspector    = (*Client)(nil)
	_ EventLocator = (*Client)(nil)
)

// New creates a Client, dialing RPCURL unless an EthClient option is given.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	abis, err := loadABIs()
	if err != nil {
		return nil, err
	}

	contracts := make(map[Version]common.Address)
	for v, addr := range cfg.Contracts {
		if addr == "" {
			continue
		}
		if !v.Valid() {
			return nil, ErrUnknownVersion.WithDetail("%d", int(v))
		}
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("chain: invalid %s contract address %q", v, addr)
		}
		contracts[v] = common.HexToAddress(addr)
	}
	if len(contracts) == 0 {
		return nil, errors.New("chain: at least one escrow contract address is required")
	}

	c := &Client{
		contracts:      contracts,
		abis:           abis,
		confirmTimeout: cfg.ConfirmationTimeout,
		pollInterval:   ConfirmationPollInterval,
		lookback:       cfg.LogLookbackBlocks,
		logger:         logger,
	}
	if c.confirmTimeout <= 0 {
		c.confirmTimeout = DefaultConfirmationTimeout
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.eth == nil {
		if cfg.RPCURL == "" {
			return nil, errors.New("chain: RPC URL required")
		}
		eth, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
		}
		c.eth = eth
	}
	return c, nil
}

// Eth exposes the underlying client to signers sharing the connection.
func (c *Client) Eth() EthClient {
	return c.eth
}

// ContractAddress returns the contract for v.
func (c *Client) ContractAddress(v Version) (common.Address, error) {
	if !v.Valid() {
		return common.Address{}, ErrUnknownVersion.WithDetail("%d", int(v))
	}
	addr, ok := c.contracts[v]
	if !ok {
		return common.Address{}, ErrVersionNotDeployed.WithDetail("%s", v)
	}
	return addr, nil
}

// GetEscrow reads the escrow record from the contract for v.
func (c *Client) GetEscrow(ctx context.Context, v Version, id EscrowID) (rec *EscrowRecord, err error) {
	done := observe("get_escrow")
	defer func() { done(err) }()

	addr, a, err := c.target(v)
	if err != nil {
		return nil, err
	}
	data, err := a.abi.Pack(a.getEscrow, [32]byte(id))
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", a.getEscrow, err)
	}
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", a.getEscrow, err)
	}
	return a.decodeEscrow(v, id, out)
}

// AutoReleaseReady asks the contract whether the dispute window has lapsed
// and release is permitted.
func (c *Client) AutoReleaseReady(ctx context.Context, v Version, id EscrowID) (ready bool, err error) {
	done := observe("auto_release_ready")
	defer func() { done(err) }()

	addr, a, err := c.target(v)
	if err != nil {
		return false, err
	}
	data, err := a.abi.Pack(a.ready, [32]byte(id))
	if err != nil {
		return false, fmt.Errorf("pack %s: %w", a.ready, err)
	}
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("call %s: %w", a.ready, err)
	}
	return a.decodeBool(a.ready, out)
}

// Encode returns the contract address and calldata for call.
func (c *Client) Encode(call Call) (common.Address, []byte, error) {
	addr, a, err := c.target(call.Version)
	if err != nil {
		return common.Address{}, nil, err
	}
	data, err := a.pack(call)
	if err != nil {
		return common.Address{}, nil, err
	}
	return addr, data, nil
}

// WaitForConfirmation polls for the receipt of txHash until it is mined or
// the confirmation timeout passes. A receipt with status 0 is ErrTxReverted.
func (c *Client) WaitForConfirmation(ctx context.Context, txHash string) (rcpt *Receipt, err error) {
	done := observe("wait_confirmation")
	defer func() { done(err) }()

	hash := common.HexToHash(txHash)
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, ErrTxReverted.WithDetail("%s", txHash)
			}
			r := &Receipt{TxHash: txHash, GasUsed: receipt.GasUsed}
			if receipt.BlockNumber != nil {
				r.BlockNumber = receipt.BlockNumber.Uint64()
			}
			for _, l := range receipt.Logs {
				if l != nil {
					r.Logs = append(r.Logs, Log{Address: l.Address, Topics: l.Topics})
				}
			}
			return r, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			c.logger.Debug("receipt lookup failed", "txHash", txHash, "error", err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrNotMined.WithDetail("confirmation timeout waiting for %s", txHash)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TransactionByHash reports where a transaction was sent and with what data.
func (c *Client) TransactionByHash(ctx context.Context, txHash string) (info *TxInfo, err error) {
	done := observe("tx_by_hash")
	defer func() { done(err) }()

	tx, pending, err := c.eth.TransactionByHash(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrNotMined.WithDetail("%s unknown to node", txHash)
	}
	if err != nil {
		return nil, err
	}
	info = &TxInfo{Hash: txHash, Data: tx.Data(), Pending: pending}
	if tx.To() != nil {
		info.To = *tx.To()
	}
	return info, nil
}

// FindTransitionTx returns the hash of the latest transaction whose event
// moved id into state, searching the configured lookback range.
// ErrEventNotFound when no such log exists.
func (c *Client) FindTransitionTx(ctx context.Context, v Version, id EscrowID, state State) (hash string, err error) {
	done := observe("filter_logs")
	defer func() { done(err) }()

	addr, a, err := c.target(v)
	if err != nil {
		return "", err
	}
	name, topic, ok := a.eventTopic(state)
	if !ok {
		return "", ErrUnsupportedMethod.WithDetail("%s emits no event for %s", v, state)
	}

	from := new(big.Int)
	if c.lookback > 0 {
		head, err := c.eth.BlockNumber(ctx)
		if err != nil {
			return "", fmt.Errorf("block number: %w", err)
		}
		if head > c.lookback {
			from.SetUint64(head - c.lookback)
		}
	}

	logs, err := c.eth.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: from,
		Addresses: []common.Address{addr},
		Topics:    [][]common.Hash{{topic}, {common.Hash(id)}},
	})
	if err != nil {
		return "", fmt.Errorf("filter %s logs: %w", name, err)
	}
	for i := len(logs) - 1; i >= 0; i-- {
		if !logs[i].Removed {
			return logs[i].TxHash.Hex(), nil
		}
	}
	return "", ErrEventNotFound.WithDetail("%s(%s) on %s", name, id.Hex(), v)
}

// GasBalance returns the native balance of addr in wei.
func (c *Client) GasBalance(ctx context.Context, addr common.Address) (bal *big.Int, err error) {
	done := observe("balance")
	defer func() { done(err) }()
	return c.eth.BalanceAt(ctx, addr, nil)
}

// Ping checks RPC reachability for health checks.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.eth.SuggestGasPrice(ctx)
	return err
}

// Close closes the RPC connection
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

func (c *Client) target(v Version) (common.Address, *contractABI, error) {
	addr, err := c.ContractAddress(v)
	if err != nil {
		return common.Address{}, nil, err
	}
	return addr, c.abis[v], nil
}

func observe(method string) func(error) {
	start := time.Now()
	return func(err error) {
		metrics.ChainCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		outcome := "ok"
		if err != nil {
			outcome = string(errs.KindOf(err))
		}
		metrics.ChainCallsTotal.WithLabelValues(method, outcome).Inc()
	}
}
