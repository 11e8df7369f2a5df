package x402

import (
	"context"
)

// PaymentVerifier checks the signature and authorization correctness of a
// payment. Settlement delegates all cryptographic checks to it.
type PaymentVerifier interface {
	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error)
}

// SchemeNetworkFacilitator is implemented by facilitator-side payment mechanisms
type SchemeNetworkFacilitator interface {
	Scheme() string

	// CaipFamily returns the CAIP family pattern this facilitator supports.
	// EVM facilitators return "eip155:*".
	CaipFamily() string

	// GetExtra returns mechanism-specific extra data for the supported kinds endpoint.
	// For the settlement router this carries the router and built-in hook addresses.
	GetExtra(network Network) map[string]interface{}

	// GetSigners returns signer addresses used by this facilitator for a given network.
	// Multiple addresses are returned when the facilitator runs an account pool.
	GetSigners(network Network) []string

	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (SettleResponse, error)
}

// AccountReporter is implemented by mechanisms backed by an account pool.
// The snapshot is read-only and used for readiness reporting.
type AccountReporter interface {
	AccountsInfo() []AccountInfo
}
