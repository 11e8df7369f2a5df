package x402

import (
	"fmt"
	"strings"
)

// Network represents a blockchain network identifier in CAIP-2 format
// Format: namespace:reference (e.g., "eip155:8453" for Base mainnet)
type Network string

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// Match checks if this network matches a pattern (supports wildcards)
// e.g., "eip155:1" matches "eip155:*" and "eip155:*" matches "eip155:1"
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}

	nStr := string(n)
	patternStr := string(pattern)

	if strings.HasSuffix(patternStr, ":*") {
		prefix := strings.TrimSuffix(patternStr, "*")
		return strings.HasPrefix(nStr, prefix)
	}

	if strings.HasSuffix(nStr, ":*") {
		prefix := strings.TrimSuffix(nStr, "*")
		return strings.HasPrefix(patternStr, prefix)
	}

	return false
}

// PaymentRequirements defines what payment is acceptable for a resource.
// In settlement-router mode Extra carries the router parameters
// (settlementRouter, salt, payTo, facilitatorFee, hook, hookData).
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	Asset             string                 `json:"asset"`
	Amount            string                 `json:"amount"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentPayload contains the signed payment authorization from a client
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Payload     map[string]interface{} `json:"payload"`
	Accepted    PaymentRequirements    `json:"accepted"`
	Resource    *ResourceInfo          `json:"resource,omitempty"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// ResourceInfo describes the resource being accessed
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// VerifyRequest contains the payment to verify
type VerifyRequest struct {
	X402Version         int                 `json:"x402Version,omitempty"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse contains the verification result
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleRequest contains the payment to settle
type SettleRequest struct {
	X402Version         int                 `json:"x402Version,omitempty"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// SettleResponse contains the settlement result.
// A failed settlement attempt is a normal response with Success=false,
// not a transport-level error.
type SettleResponse struct {
	Success     bool        `json:"success"`
	ErrorReason string      `json:"errorReason,omitempty"`
	Payer       string      `json:"payer,omitempty"`
	Transaction string      `json:"transaction"`
	Network     Network     `json:"network"`
	GasMetrics  *GasMetrics `json:"gasMetrics,omitempty"`
}

// GasMetrics describes the realized cost of a router settlement.
// Wei and atomic token amounts are decimal strings; USD values are decimal strings.
type GasMetrics struct {
	GasLimit            uint64 `json:"gasLimit"`
	GasUsed             uint64 `json:"gasUsed"`
	EffectiveGasPrice   string `json:"effectiveGasPrice"`
	ActualGasCostNative string `json:"actualGasCostNative"`
	ActualGasCostUSD    string `json:"actualGasCostUSD,omitempty"`
	FacilitatorFee      string `json:"facilitatorFee"`
	FacilitatorFeeUSD   string `json:"facilitatorFeeUSD"`
	ProfitUSD           string `json:"profitUSD,omitempty"`
	Profitable          bool   `json:"profitable"`
}

// SupportedKind represents a single supported payment configuration
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     Network                `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse describes what payment kinds a facilitator supports
type SupportedResponse struct {
	Kinds      []SupportedKind     `json:"kinds"`
	Extensions []string            `json:"extensions"`
	Signers    map[string][]string `json:"signers,omitempty"`
}

// AccountInfo is a point-in-time view of one signing account of a pool.
type AccountInfo struct {
	Address        string `json:"address"`
	QueueDepth     int64  `json:"queueDepth"`
	TotalProcessed uint64 `json:"totalProcessed"`
}

// ReadinessResponse groups account snapshots by network.
type ReadinessResponse struct {
	Ready    bool                      `json:"ready"`
	Networks map[Network][]AccountInfo `json:"networks"`
}
