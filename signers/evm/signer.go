// Package evm provides the facilitator's EVM chain provider: one
// FacilitatorSigner per private key, backed by a JSON-RPC client.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	x402evm "github.com/x402x/facilitator/mechanisms/evm"
)

// Receipt polling defaults
const (
	DefaultReceiptPollInterval = time.Second
	DefaultReceiptTimeout      = 2 * time.Minute
)

// EthClient is the subset of *ethclient.Client a signer uses
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// FacilitatorSigner implements x402evm.FacilitatorEvmSigner with an ECDSA
// private key. It must only be driven by one goroutine at a time for writes;
// the account pool guarantees that.
type FacilitatorSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	client     EthClient
	chainID    *big.Int
	logger     *zap.Logger

	pollInterval   time.Duration
	receiptTimeout time.Duration
}

// SignerOption configures a FacilitatorSigner
type SignerOption func(*FacilitatorSigner)

// WithSignerLogger sets the signer logger
func WithSignerLogger(logger *zap.Logger) SignerOption {
	return func(s *FacilitatorSigner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithReceiptPolling sets how often and how long WaitForTransactionReceipt polls
func WithReceiptPolling(interval, timeout time.Duration) SignerOption {
	return func(s *FacilitatorSigner) {
		if interval > 0 {
			s.pollInterval = interval
		}
		if timeout > 0 {
			s.receiptTimeout = timeout
		}
	}
}

// ParsePrivateKey parses a hex-encoded private key, with or without "0x" prefix
func ParsePrivateKey(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return privateKey, nil
}

// NewFacilitatorSigner creates a signer from a hex-encoded private key.
// The chain ID is read once from client.
func NewFacilitatorSigner(ctx context.Context, privateKeyHex string, client EthClient, opts ...SignerOption) (*FacilitatorSigner, error) {
	privateKey, err := ParsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errors.New("signer needs an RPC client")
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	s := &FacilitatorSigner{
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(privateKey.PublicKey),
		client:         client,
		chainID:        chainID,
		logger:         zap.NewNop(),
		pollInterval:   DefaultReceiptPollInterval,
		receiptTimeout: DefaultReceiptTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("account", s.address.Hex()))
	return s, nil
}

// Address returns the checksummed account address
func (s *FacilitatorSigner) Address() string {
	return s.address.Hex()
}

// GetChainID returns the chain ID read at construction
func (s *FacilitatorSigner) GetChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(s.chainID), nil
}

// GetGasPrice returns the node's suggested gas price
func (s *FacilitatorSigner) GetGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	return price, nil
}

// GetBalance returns the native balance when tokenAddress is empty or the
// zero address, and the ERC20 balance otherwise
func (s *FacilitatorSigner) GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error) {
	if tokenAddress == "" || common.HexToAddress(tokenAddress) == (common.Address{}) {
		balance, err := s.client.BalanceAt(ctx, common.HexToAddress(address), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to get balance: %w", err)
		}
		return balance, nil
	}

	result, err := s.ReadContract(ctx, tokenAddress, x402evm.ERC20BalanceOfABI, x402evm.FunctionBalanceOf, common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	balance, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from balanceOf: %T", result)
	}
	return balance, nil
}

// ReadContract calls a view function at the latest block. A single output is
// returned as is; several outputs come back as []interface{}.
func (s *FacilitatorSigner) ReadContract(ctx context.Context, contractAddress string, abiJSON []byte, method string, args ...interface{}) (interface{}, error) {
	contractABI, err := parseABI(abiJSON)
	if err != nil {
		return nil, err
	}

	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	to := common.HexToAddress(contractAddress)
	result, err := s.client.CallContract(ctx, ethereum.CallMsg{From: s.address, To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s on %s: %w", method, contractAddress, err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("empty result from %s on %s", method, contractAddress)
	}

	output, err := contractABI.Methods[method].Outputs.Unpack(result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}

	switch len(output) {
	case 0:
		return nil, nil
	case 1:
		return output[0], nil
	default:
		return output, nil
	}
}

// WriteContract signs and sends a contract call from this account. The
// transaction is EIP-1559 when the chain reports a base fee and legacy
// otherwise. A zero opts.GasLimit is estimated by the node.
func (s *FacilitatorSigner) WriteContract(ctx context.Context, contractAddress string, abiJSON []byte, method string, opts x402evm.TxOptions, args ...interface{}) (string, error) {
	contractABI, err := parseABI(abiJSON)
	if err != nil {
		return "", err
	}

	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	to := common.HexToAddress(contractAddress)

	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	gasLimit := opts.GasLimit
	if gasLimit == 0 {
		gasLimit, err = s.client.EstimateGas(ctx, ethereum.CallMsg{From: s.address, To: &to, Data: data})
		if err != nil {
			return "", fmt.Errorf("failed to estimate gas for %s: %w", method, err)
		}
	}

	txData, err := s.txData(ctx, nonce, to, gasLimit, data)
	if err != nil {
		return "", err
	}

	signedTx, err := types.SignTx(types.NewTx(txData), types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	s.logger.Debug("transaction sent",
		zap.String("method", method),
		zap.String("to", to.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", gasLimit),
		zap.String("tx", signedTx.Hash().Hex()))

	return signedTx.Hash().Hex(), nil
}

func (s *FacilitatorSigner) txData(ctx context.Context, nonce uint64, to common.Address, gasLimit uint64, data []byte) (types.TxData, error) {
	head, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}

	if head.BaseFee == nil {
		gasPrice, err := s.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get gas price: %w", err)
		}
		return &types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    new(big.Int),
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     data,
		}, nil
	}

	tip, err := s.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas tip cap: %w", err)
	}
	// 2×baseFee + tip survives six full blocks of base fee growth
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	return &types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		To:        &to,
		Value:     new(big.Int),
		Gas:       gasLimit,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Data:      data,
	}, nil
}

// WaitForTransactionReceipt polls for the receipt of txHash until it is mined,
// ctx ends or the receipt timeout passes
func (s *FacilitatorSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*x402evm.TransactionReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.receiptTimeout)
	defer cancel()

	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return toReceipt(receipt), nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			s.logger.Debug("receipt lookup failed", zap.String("tx", txHash), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for receipt of %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

func toReceipt(r *types.Receipt) *x402evm.TransactionReceipt {
	out := &x402evm.TransactionReceipt{
		Status:  r.Status,
		TxHash:  r.TxHash.Hex(),
		GasUsed: r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	if r.EffectiveGasPrice != nil {
		out.EffectiveGasPrice = new(big.Int).Set(r.EffectiveGasPrice)
	}
	return out
}

var abiCache sync.Map // string -> abi.ABI

func parseABI(abiJSON []byte) (abi.ABI, error) {
	key := string(abiJSON)
	if cached, ok := abiCache.Load(key); ok {
		return cached.(abi.ABI), nil
	}
	parsed, err := abi.JSON(strings.NewReader(key))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse ABI: %w", err)
	}
	abiCache.Store(key, parsed)
	return parsed, nil
}
