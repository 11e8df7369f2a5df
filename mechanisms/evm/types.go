package evm

import (
	"context"
	"fmt"
	"math/big"
)

// ExactEIP3009Authorization represents the EIP-3009 TransferWithAuthorization data
type ExactEIP3009Authorization struct {
	From        string `json:"from"`        // Ethereum address (hex)
	To          string `json:"to"`          // Ethereum address (hex); the router in router mode
	Value       string `json:"value"`       // Amount in atomic units as string
	ValidAfter  string `json:"validAfter"`  // Unix timestamp as string
	ValidBefore string `json:"validBefore"` // Unix timestamp as string
	Nonce       string `json:"nonce"`       // 32-byte nonce as hex string; the commitment in router mode
}

// ExactEIP3009Payload represents the exact payment payload for EVM networks
type ExactEIP3009Payload struct {
	Signature     string                    `json:"signature,omitempty"`
	Authorization ExactEIP3009Authorization `json:"authorization"`
}

// ToMap converts an ExactEIP3009Payload to a map for JSON marshaling
func (p *ExactEIP3009Payload) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"authorization": map[string]interface{}{
			"from":        p.Authorization.From,
			"to":          p.Authorization.To,
			"value":       p.Authorization.Value,
			"validAfter":  p.Authorization.ValidAfter,
			"validBefore": p.Authorization.ValidBefore,
			"nonce":       p.Authorization.Nonce,
		},
	}
	if p.Signature != "" {
		result["signature"] = p.Signature
	}
	return result
}

// PayloadFromMap creates an ExactEIP3009Payload from a map.
// Returns an error if the authorization or one of its fields is missing.
func PayloadFromMap(data map[string]interface{}) (*ExactEIP3009Payload, error) {
	payload := &ExactEIP3009Payload{}

	if sig, ok := data["signature"].(string); ok {
		payload.Signature = sig
	}

	auth, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid authorization field")
	}

	fields := []struct {
		name string
		dst  *string
	}{
		{"from", &payload.Authorization.From},
		{"to", &payload.Authorization.To},
		{"value", &payload.Authorization.Value},
		{"validAfter", &payload.Authorization.ValidAfter},
		{"validBefore", &payload.Authorization.ValidBefore},
		{"nonce", &payload.Authorization.Nonce},
	}
	for _, f := range fields {
		v, ok := auth[f.name].(string)
		if !ok || v == "" {
			return nil, fmt.Errorf("missing or invalid authorization.%s field", f.name)
		}
		*f.dst = v
	}

	return payload, nil
}

// ChainReader is the read-only part of the chain provider
type ChainReader interface {
	// ReadContract calls a view function and returns its single output, or all
	// outputs as []interface{} when there are several
	ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error)

	// GetBalance gets the balance of an address for a token; an empty or zero
	// token address means the native balance
	GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error)
}

// FacilitatorEvmSigner is the chain provider of one signing account.
// Each account of a pool has its own signer, so transactions sent through one
// signer never race another for the same nonce.
type FacilitatorEvmSigner interface {
	ChainReader

	// Address returns the account address
	Address() string

	// WriteContract signs and sends a contract call, returning the transaction hash.
	// A zero opts.GasLimit lets the provider estimate it.
	WriteContract(ctx context.Context, address string, abi []byte, functionName string, opts TxOptions, args ...interface{}) (string, error)

	// WaitForTransactionReceipt waits for a transaction to be mined
	WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)

	// GetGasPrice returns the current gas price in wei
	GetGasPrice(ctx context.Context) (*big.Int, error)

	// GetChainID returns the chain ID of the connected network
	GetChainID(ctx context.Context) (*big.Int, error)
}

// TxOptions controls transaction submission
type TxOptions struct {
	GasLimit uint64
}

// TypedDataDomain represents the EIP-712 domain separator
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TransactionReceipt represents the receipt of a mined transaction
type TransactionReceipt struct {
	Status            uint64   `json:"status"`
	BlockNumber       uint64   `json:"blockNumber"`
	TxHash            string   `json:"transactionHash"`
	GasUsed           uint64   `json:"gasUsed"`
	EffectiveGasPrice *big.Int `json:"effectiveGasPrice"`
}

// AssetInfo contains information about an ERC20 token
type AssetInfo struct {
	Address  string
	Name     string
	Version  string
	Decimals int
}

// NetworkConfig contains network-specific configuration
type NetworkConfig struct {
	ChainID      *big.Int
	DefaultAsset AssetInfo

	// SettlementRouter is the router contract address. Empty disables router mode.
	SettlementRouter string

	// Hooks maps a built-in hook type (e.g. "transfer") to its deployed address
	Hooks map[string]string

	// NativeTokenPriceID identifies the gas token at the price feed (e.g. "ethereum")
	NativeTokenPriceID string
}
