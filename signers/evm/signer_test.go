package evm

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402x/facilitator"
	x402evm "github.com/x402x/facilitator/mechanisms/evm"
)

const (
	testKey     = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	otherKey    = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

type fakeClient struct {
	mu sync.Mutex

	chainID  *big.Int
	baseFee  *big.Int
	nonce    uint64
	estimate uint64
	call     []byte
	callMsg  ethereum.CallMsg
	balance  *big.Int
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	lookups  int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		chainID:  big.NewInt(84532),
		nonce:    7,
		estimate: 90_000,
		balance:  big.NewInt(42),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (c *fakeClient) ChainID(context.Context) (*big.Int, error) { return c.chainID, nil }

func (c *fakeClient) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callMsg = msg
	return c.call, nil
}

func (c *fakeClient) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return c.balance, nil
}

func (c *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return c.nonce, nil
}

func (c *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(3e9), nil }

func (c *fakeClient) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(1e8), nil }

func (c *fakeClient) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1), BaseFee: c.baseFee}, nil
}

func (c *fakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return c.estimate, nil
}

func (c *fakeClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, tx)
	return nil
}

func (c *fakeClient) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	r, ok := c.receipts[hash]
	if !ok || c.lookups < 2 {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func newTestSigner(t *testing.T, client *fakeClient) *FacilitatorSigner {
	t.Helper()
	s, err := NewFacilitatorSigner(context.Background(), testKey, client,
		WithReceiptPolling(5*time.Millisecond, time.Second))
	require.NoError(t, err)
	return s
}

func TestFacilitatorSignerAddress(t *testing.T) {
	s := newTestSigner(t, newFakeClient())
	assert.Equal(t, testAddress, s.Address())

	chainID, err := s.GetChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(84532), chainID.Int64())
}

func TestNewSigners(t *testing.T) {
	ctx := context.Background()

	signers, err := NewSigners(ctx, []string{testKey, otherKey}, newFakeClient())
	require.NoError(t, err)
	require.Len(t, signers, 2)
	assert.Equal(t, testAddress, signers[0].Address())

	_, err = NewSigners(ctx, nil, newFakeClient())
	var cfgErr *x402.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = NewSigners(ctx, []string{testKey, "0xnot-a-key"}, newFakeClient())
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "#2")
	assert.NotContains(t, err.Error(), "not-a-key")
}

func TestNewAccountPool(t *testing.T) {
	pool, err := NewAccountPool(context.Background(), "eip155:84532", []string{testKey, otherKey}, newFakeClient(), nil)
	require.NoError(t, err)
	defer pool.Close(context.Background())

	assert.Equal(t, 2, pool.Len())
	assert.Equal(t, testAddress, pool.Addresses()[0])
}

func TestReadContract(t *testing.T) {
	client := newFakeClient()
	client.call = common.LeftPadBytes([]byte{1}, 32)
	s := newTestSigner(t, client)

	var nonce [32]byte
	nonce[31] = 9
	used, err := s.ReadContract(context.Background(), "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		x402evm.AuthorizationStateABI, x402evm.FunctionAuthorizationState,
		common.HexToAddress(testAddress), nonce)
	require.NoError(t, err)
	assert.Equal(t, true, used)
	assert.Equal(t, common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"), *client.callMsg.To)

	client.call = nil
	_, err = s.ReadContract(context.Background(), "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		x402evm.AuthorizationStateABI, x402evm.FunctionAuthorizationState,
		common.HexToAddress(testAddress), nonce)
	assert.Error(t, err)
}

func TestGetBalance(t *testing.T) {
	client := newFakeClient()
	s := newTestSigner(t, client)

	native, err := s.GetBalance(context.Background(), testAddress, "")
	require.NoError(t, err)
	assert.Equal(t, int64(42), native.Int64())

	client.call = common.LeftPadBytes(big.NewInt(1_000_000).Bytes(), 32)
	token, err := s.GetBalance(context.Background(), testAddress, "0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), token.Int64())
}

func transferArgs() []interface{} {
	var nonce, r, sv [32]byte
	return []interface{}{
		common.HexToAddress(testAddress),
		common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
		big.NewInt(1000), big.NewInt(0), big.NewInt(2_000_000_000),
		nonce, uint8(27), r, sv,
	}
}

func TestWriteContract(t *testing.T) {
	token := "0x036CbD53842c5426634e7929541eC2318f3dCF7e"

	t.Run("legacy transaction with estimated gas", func(t *testing.T) {
		client := newFakeClient()
		s := newTestSigner(t, client)

		hash, err := s.WriteContract(context.Background(), token, x402evm.TransferWithAuthorizationVRSABI,
			x402evm.FunctionTransferWithAuthorization, x402evm.TxOptions{}, transferArgs()...)
		require.NoError(t, err)

		require.Len(t, client.sent, 1)
		tx := client.sent[0]
		assert.Equal(t, hash, tx.Hash().Hex())
		assert.Equal(t, uint8(types.LegacyTxType), tx.Type())
		assert.Equal(t, uint64(7), tx.Nonce())
		assert.Equal(t, uint64(90_000), tx.Gas())
		assert.Equal(t, int64(3e9), tx.GasPrice().Int64())

		sender, err := types.Sender(types.LatestSignerForChainID(client.chainID), tx)
		require.NoError(t, err)
		assert.Equal(t, testAddress, sender.Hex())
	})

	t.Run("dynamic fee transaction with fixed gas", func(t *testing.T) {
		client := newFakeClient()
		client.baseFee = big.NewInt(1e9)
		s := newTestSigner(t, client)

		_, err := s.WriteContract(context.Background(), token, x402evm.TransferWithAuthorizationVRSABI,
			x402evm.FunctionTransferWithAuthorization, x402evm.TxOptions{GasLimit: 266_666}, transferArgs()...)
		require.NoError(t, err)

		tx := client.sent[0]
		assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
		assert.Equal(t, uint64(266_666), tx.Gas())
		assert.Equal(t, int64(1e8), tx.GasTipCap().Int64())
		assert.Equal(t, int64(2e9+1e8), tx.GasFeeCap().Int64())
	})

	t.Run("bad arguments never send", func(t *testing.T) {
		client := newFakeClient()
		s := newTestSigner(t, client)

		_, err := s.WriteContract(context.Background(), token, x402evm.TransferWithAuthorizationVRSABI,
			x402evm.FunctionTransferWithAuthorization, x402evm.TxOptions{}, "not", "enough")
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "pack"))
		assert.Empty(t, client.sent)
	})
}

func TestWaitForTransactionReceipt(t *testing.T) {
	client := newFakeClient()
	s := newTestSigner(t, client)

	hash := common.HexToHash("0xabc")
	client.receipts[hash] = &types.Receipt{
		Status:            types.ReceiptStatusSuccessful,
		TxHash:            hash,
		BlockNumber:       big.NewInt(12),
		GasUsed:           120_000,
		EffectiveGasPrice: big.NewInt(1e9),
	}

	receipt, err := s.WaitForTransactionReceipt(context.Background(), hash.Hex())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), receipt.Status)
	assert.Equal(t, uint64(12), receipt.BlockNumber)
	assert.Equal(t, uint64(120_000), receipt.GasUsed)
	assert.Equal(t, int64(1e9), receipt.EffectiveGasPrice.Int64())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.WaitForTransactionReceipt(ctx, common.HexToHash("0xdead").Hex())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
