// Package chain provides an in-memory chain provider and a payer that signs
// real EIP-3009 authorizations, for tests of the settlement path.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/mechanisms/evm"
)

// Write records one WriteContract call
type Write struct {
	Account  string
	Contract string
	Function string
	Opts     evm.TxOptions
	Args     []interface{}
}

// Ledger is chain state shared by every Signer of a test
type Ledger struct {
	mu sync.Mutex

	Balances   map[string]*big.Int
	UsedNonces map[[32]byte]bool
	Settled    map[common.Hash]bool
	Writes     []Write

	GasPrice          *big.Int
	GasUsed           uint64
	EffectiveGasPrice *big.Int

	// Failure injection
	ReadErr    error
	WriteErr   error
	ReceiptErr error
	Revert     bool
	WriteDelay time.Duration
	// PanicWrites makes the next n writes panic before anything is recorded
	PanicWrites int

	txCounter atomic.Uint64
}

// NewLedger creates an empty ledger with a 1 gwei gas price
func NewLedger() *Ledger {
	return &Ledger{
		Balances:          make(map[string]*big.Int),
		UsedNonces:        make(map[[32]byte]bool),
		Settled:           make(map[common.Hash]bool),
		GasPrice:          big.NewInt(1_000_000_000),
		GasUsed:           120_000,
		EffectiveGasPrice: big.NewInt(1_000_000_000),
	}
}

// SetBalance sets the token balance of an address
func (l *Ledger) SetBalance(address string, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Balances[strings.ToLower(address)] = amount
}

// WritesSnapshot returns a copy of the recorded writes
func (l *Ledger) WritesSnapshot() []Write {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Write(nil), l.Writes...)
}

// Signer is a mock evm.FacilitatorEvmSigner for one account.
// It records the peak number of concurrent writes it has seen.
type Signer struct {
	Addr    string
	ChainID *big.Int
	Ledger  *Ledger

	inFlight atomic.Int32
	peak     atomic.Int32
}

var _ evm.FacilitatorEvmSigner = (*Signer)(nil)

// NewSigner creates a signer for address backed by ledger
func NewSigner(address string, chainID *big.Int, ledger *Ledger) *Signer {
	return &Signer{Addr: address, ChainID: chainID, Ledger: ledger}
}

// PeakConcurrency returns the highest number of overlapping writes seen
func (s *Signer) PeakConcurrency() int32 { return s.peak.Load() }

func (s *Signer) Address() string { return s.Addr }

func (s *Signer) ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error) {
	l := s.Ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ReadErr != nil {
		return nil, l.ReadErr
	}
	switch functionName {
	case evm.FunctionAuthorizationState:
		nonce, ok := args[1].([32]byte)
		if !ok {
			return nil, fmt.Errorf("nonce argument is %T", args[1])
		}
		return l.UsedNonces[nonce], nil
	case evm.FunctionIsSettled:
		key, ok := args[0].([32]byte)
		if !ok {
			return nil, fmt.Errorf("context key argument is %T", args[0])
		}
		return l.Settled[common.Hash(key)], nil
	}
	return nil, fmt.Errorf("unexpected read %s", functionName)
}

func (s *Signer) GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error) {
	l := s.Ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ReadErr != nil {
		return nil, l.ReadErr
	}
	if b, ok := l.Balances[strings.ToLower(address)]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (s *Signer) WriteContract(ctx context.Context, address string, abi []byte, functionName string, opts evm.TxOptions, args ...interface{}) (string, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	l := s.Ledger
	if l.WriteDelay > 0 {
		time.Sleep(l.WriteDelay)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.PanicWrites > 0 {
		l.PanicWrites--
		panic("signer crashed while sending")
	}
	if l.WriteErr != nil {
		return "", l.WriteErr
	}
	l.Writes = append(l.Writes, Write{Account: s.Addr, Contract: address, Function: functionName, Opts: opts, Args: args})

	if !l.Revert {
		switch functionName {
		case evm.FunctionTransferWithAuthorization:
			if nonce, ok := args[5].([32]byte); ok {
				l.UsedNonces[nonce] = true
			}
		case evm.FunctionSettleAndExecute:
			from, _ := args[1].(common.Address)
			token, _ := args[0].(common.Address)
			nonce, _ := args[5].([32]byte)
			l.UsedNonces[nonce] = true
			l.Settled[evm.SettlementContextKey(from, token, nonce)] = true
		}
	}

	return common.BigToHash(new(big.Int).SetUint64(l.txCounter.Add(1))).Hex(), nil
}

func (s *Signer) WaitForTransactionReceipt(ctx context.Context, txHash string) (*evm.TransactionReceipt, error) {
	l := s.Ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ReceiptErr != nil {
		return nil, l.ReceiptErr
	}
	status := uint64(evm.TxStatusSuccess)
	if l.Revert {
		status = evm.TxStatusFailed
	}
	return &evm.TransactionReceipt{
		Status:            status,
		BlockNumber:       1,
		TxHash:            txHash,
		GasUsed:           l.GasUsed,
		EffectiveGasPrice: new(big.Int).Set(l.EffectiveGasPrice),
	}, nil
}

func (s *Signer) GetGasPrice(ctx context.Context) (*big.Int, error) {
	l := s.Ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.GasPrice), nil
}

func (s *Signer) GetChainID(ctx context.Context) (*big.Int, error) {
	return s.ChainID, nil
}

// Payer signs EIP-3009 authorizations with a fresh key
type Payer struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

// NewPayer generates a payer key
func NewPayer(t testing.TB) *Payer {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &Payer{Key: key, Address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Authorization describes what the payer signs
type Authorization struct {
	Network     x402.Network
	Config      evm.NetworkConfig
	To          string
	Value       *big.Int
	ValidAfter  int64
	ValidBefore int64
	Nonce       [32]byte
}

// Sign returns the payment payload map for auth
func (p *Payer) Sign(t testing.TB, auth Authorization) map[string]interface{} {
	t.Helper()

	authorization := evm.ExactEIP3009Authorization{
		From:        p.Address.Hex(),
		To:          auth.To,
		Value:       auth.Value.String(),
		ValidAfter:  fmt.Sprint(auth.ValidAfter),
		ValidBefore: fmt.Sprint(auth.ValidBefore),
		Nonce:       common.Hash(auth.Nonce).Hex(),
	}
	asset := auth.Config.DefaultAsset
	digest, err := evm.HashEIP3009Authorization(authorization, auth.Config.ChainID, asset.Address, asset.Name, asset.Version)
	if err != nil {
		t.Fatalf("hash authorization: %v", err)
	}
	sig, err := crypto.Sign(digest, p.Key)
	if err != nil {
		t.Fatalf("sign authorization: %v", err)
	}
	sig[64] += 27

	payload := &evm.ExactEIP3009Payload{
		Signature:     "0x" + common.Bytes2Hex(sig),
		Authorization: authorization,
	}
	return payload.ToMap()
}

// StandardPayment builds a signed standard-mode payment of value to payTo
func (p *Payer) StandardPayment(t testing.TB, network x402.Network, cfg evm.NetworkConfig, payTo string, value *big.Int, now time.Time, nonce [32]byte) (x402.PaymentPayload, x402.PaymentRequirements) {
	t.Helper()

	requirements := x402.PaymentRequirements{
		Scheme:            evm.SchemeExact,
		Network:           network,
		Asset:             cfg.DefaultAsset.Address,
		Amount:            value.String(),
		PayTo:             payTo,
		MaxTimeoutSeconds: 300,
	}
	payload := x402.PaymentPayload{
		X402Version: 2,
		Accepted:    requirements,
		Payload: p.Sign(t, Authorization{
			Network:     network,
			Config:      cfg,
			To:          payTo,
			Value:       value,
			ValidAfter:  now.Add(-time.Minute).Unix(),
			ValidBefore: now.Add(5 * time.Minute).Unix(),
			Nonce:       nonce,
		}),
	}
	return payload, requirements
}

// RouterPayment builds a signed router-mode payment whose nonce is the
// commitment over the router parameters in m
func (p *Payer) RouterPayment(t testing.TB, network x402.Network, cfg evm.NetworkConfig, value *big.Int, m evm.RouterSettlement, now time.Time) (x402.PaymentPayload, x402.PaymentRequirements) {
	t.Helper()

	validAfter := now.Add(-time.Minute).Unix()
	validBefore := now.Add(5 * time.Minute).Unix()

	commitment, err := evm.CalculateCommitment(evm.CommitmentParams{
		ChainID:        cfg.ChainID,
		Router:         m.Router,
		Token:          common.HexToAddress(cfg.DefaultAsset.Address),
		From:           p.Address,
		Value:          value,
		ValidAfter:     big.NewInt(validAfter),
		ValidBefore:    big.NewInt(validBefore),
		Salt:           m.Salt,
		PayTo:          m.PayTo,
		FacilitatorFee: m.FacilitatorFee,
		Hook:           m.Hook,
		HookData:       m.HookData,
	})
	if err != nil {
		t.Fatalf("commitment: %v", err)
	}

	requirements := x402.PaymentRequirements{
		Scheme:            evm.SchemeExact,
		Network:           network,
		Asset:             cfg.DefaultAsset.Address,
		Amount:            value.String(),
		PayTo:             m.Router.Hex(),
		MaxTimeoutSeconds: 300,
		Extra:             m.Extra(),
	}
	payload := x402.PaymentPayload{
		X402Version: 2,
		Accepted:    requirements,
		Payload: p.Sign(t, Authorization{
			Network:     network,
			Config:      cfg,
			To:          m.Router.Hex(),
			Value:       value,
			ValidAfter:  validAfter,
			ValidBefore: validBefore,
			Nonce:       commitment,
		}),
	}
	return payload, requirements
}
