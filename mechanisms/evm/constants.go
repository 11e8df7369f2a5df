package evm

import (
	"math/big"
)

const (
	// Scheme identifier
	SchemeExact = "exact"

	// CaipFamily is the CAIP-2 namespace pattern served by this mechanism
	CaipFamily = "eip155:*"

	// Default token decimals for USDC
	DefaultDecimals = 6

	// NativeTokenDecimals is the precision of the gas token on every EVM chain
	NativeTokenDecimals = 18

	// EIP-3009 function names
	FunctionTransferWithAuthorization = "transferWithAuthorization"
	FunctionAuthorizationState        = "authorizationState"
	FunctionBalanceOf                 = "balanceOf"

	// Settlement router function names
	FunctionSettleAndExecute = "settleAndExecute"
	FunctionIsSettled        = "isSettled"

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0

	// ValidBeforeBuffer is the number of seconds an authorization must still be
	// valid for when it is verified, to leave room for block inclusion.
	ValidBeforeBuffer = 6

	// CommitmentDomain prefixes every settlement router commitment
	CommitmentDomain = "X402/settle/v1"

	// ZeroAddress is the EVM zero address
	ZeroAddress = "0x0000000000000000000000000000000000000000"

	// Built-in hook types. Any hook address not configured as a built-in
	// classifies as HookTypeCustom.
	HookTypeTransfer = "transfer"
	HookTypeCustom   = "custom"
)

var (
	// Network chain IDs
	ChainIDBase        = big.NewInt(8453)
	ChainIDBaseSepolia = big.NewInt(84532)

	// EIP-3009 ABI for transferWithAuthorization with v,r,s (EOA signatures)
	TransferWithAuthorizationVRSABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "v", "type": "uint8"},
				{"name": "r", "type": "bytes32"},
				{"name": "s", "type": "bytes32"}
			],
			"name": "transferWithAuthorization",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ABI for authorizationState check
	AuthorizationStateABI = []byte(`[
		{
			"inputs": [
				{"name": "authorizer", "type": "address"},
				{"name": "nonce", "type": "bytes32"}
			],
			"name": "authorizationState",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20BalanceOfABI for checking token balance
	ERC20BalanceOfABI = []byte(`[
		{
			"inputs": [
				{"name": "account", "type": "address"}
			],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// SettlementRouterABI covers the router entry point and its idempotency view.
	// settleAndExecute pulls the authorized amount into the router, deducts the
	// facilitator fee and hands the remainder to the hook in one transaction.
	SettlementRouterABI = []byte(`[
		{
			"inputs": [
				{"name": "token", "type": "address"},
				{"name": "from", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "signature", "type": "bytes"},
				{"name": "salt", "type": "bytes32"},
				{"name": "payTo", "type": "address"},
				{"name": "facilitatorFee", "type": "uint256"},
				{"name": "hook", "type": "address"},
				{"name": "hookData", "type": "bytes"}
			],
			"name": "settleAndExecute",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "contextKey", "type": "bytes32"}
			],
			"name": "isSettled",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// EIP3009Types are the EIP-712 types signed for transferWithAuthorization
	EIP3009Types = map[string][]TypedDataField{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"TransferWithAuthorization": {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "nonce", Type: "bytes32"},
		},
	}
)
