package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// ERC20 minimal ABI for balanceOf
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// DefaultGasLimit is used when estimation fails.
const DefaultGasLimit = uint64(250000)

// Config for creating a new Client
type Config struct {
	RPCURL        string
	PrivateKey    string // Hex string, with or without 0x prefix
	ChainID       int64
	USDCContract  string
	Confirmations uint64 // required depth for TxConfirmed, minimum 1
	FromBlock     uint64 // first block searched by FindLog (contract deployment)
}

// Option configures the client
type Option func(*Client)

// WithEthClient sets a custom Ethereum client (useful for testing)
func WithEthClient(client EthClient) Option {
	return func(c *Client) {
		c.eth = client
	}
}

// Client signs and sends contract calls from the operator account.
type Client struct {
	eth           EthClient
	privateKey    *ecdsa.PrivateKey
	address       common.Address
	chainID       *big.Int
	usdcContract  common.Address
	usdcABI       abi.ABI
	confirmations uint64
	fromBlock     uint64

	sendMu sync.Mutex // nonce allocation and send are one step
}

// New creates a Client and dials the RPC endpoint unless one is injected.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}

	c := &Client{
		privateKey:    privateKey,
		address:       crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:       big.NewInt(cfg.ChainID),
		usdcContract:  common.HexToAddress(cfg.USDCContract),
		usdcABI:       parsedABI,
		confirmations: confirmations,
		fromBlock:     cfg.FromBlock,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.eth == nil {
		eth, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.eth = eth
	}

	return c, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	if len(strings.TrimPrefix(cfg.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if cfg.USDCContract != "" && !common.IsHexAddress(cfg.USDCContract) {
		return fmt.Errorf("%w: USDC contract %q", ErrInvalidAddress, cfg.USDCContract)
	}
	return nil
}

// Address returns the operator address.
func (c *Client) Address() common.Address {
	return c.address
}

// Send signs a call to contract with the given calldata and broadcasts it.
func (c *Client) Send(ctx context.Context, contract common.Address, data []byte) (string, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.eth.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", &TxError{Op: "nonce", Err: errors.Join(ErrUnavailable, err)}
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", &TxError{Op: "gas_price", Err: errors.Join(ErrUnavailable, err)}
	}

	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Estimation fails when the call would revert; surface that
		// instead of paying gas for a doomed transaction.
		if isExecutionError(err) {
			return "", &TxError{Op: "estimate", Err: fmt.Errorf("%w: %v", ErrReverted, err)}
		}
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return "", &TxError{Op: "sign", Err: err}
	}

	if err := c.eth.SendTransaction(ctx, signedTx); err != nil {
		if strings.Contains(err.Error(), "insufficient funds") {
			err = fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		} else {
			err = errors.Join(ErrUnavailable, err)
		}
		return "", &TxError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return signedTx.Hash().Hex(), nil
}

// Receipt reports the status of txHash and its confirmation depth.
func (c *Client) Receipt(ctx context.Context, txHash string) (Receipt, error) {
	out := Receipt{TxHash: txHash, Status: TxPending}

	receipt, err := c.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return out, nil
	}
	if err != nil {
		return out, &TxError{Op: "receipt", TxHash: txHash, Err: errors.Join(ErrUnavailable, err)}
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == types.ReceiptStatusFailed {
		out.Status = TxReverted
		return out, nil
	}

	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return out, &TxError{Op: "receipt", TxHash: txHash, Err: errors.Join(ErrUnavailable, err)}
	}
	if head >= out.BlockNumber {
		out.Confirmations = head - out.BlockNumber + 1
	}
	if out.Confirmations >= c.confirmations {
		out.Status = TxConfirmed
	}
	return out, nil
}

// FindLog returns the hash of the most recent transaction that emitted a log
// from contract matching topics. It is how a prior submission is recovered
// from its indexed idempotency key.
func (c *Client) FindLog(ctx context.Context, contract common.Address, topics [][]common.Hash) (string, bool, error) {
	logs, err := c.eth.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(c.fromBlock),
		Addresses: []common.Address{contract},
		Topics:    topics,
	})
	if err != nil {
		return "", false, &TxError{Op: "lookup", Err: errors.Join(ErrUnavailable, err)}
	}
	for i := len(logs) - 1; i >= 0; i-- {
		if !logs[i].Removed {
			return logs[i].TxHash.Hex(), true, nil
		}
	}
	return "", false, nil
}

// USDCBalance returns the token balance of addr in smallest units.
func (c *Client) USDCBalance(ctx context.Context, addr string) (*big.Int, error) {
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	data, err := c.usdcABI.Pack("balanceOf", common.HexToAddress(addr))
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{
		To:   &c.usdcContract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", errors.Join(ErrUnavailable, err))
	}

	return new(big.Int).SetBytes(result), nil
}

// Close closes the client connection
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

func isExecutionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert")
}

// KeyTopic converts a 32-byte idempotency key into a log topic filter value.
func KeyTopic(key [32]byte) common.Hash {
	return common.BytesToHash(key[:])
}
