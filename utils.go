package x402

import "fmt"

// ValidatePaymentPayload performs basic validation on a payment payload
func ValidatePaymentPayload(p PaymentPayload) error {
	if p.X402Version != 2 {
		return fmt.Errorf("unsupported x402 version: %d", p.X402Version)
	}
	if p.Accepted.Scheme == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if p.Accepted.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	if p.Payload == nil {
		return fmt.Errorf("payment payload is required")
	}
	return nil
}

// ValidatePaymentRequirements performs basic validation on payment requirements
func ValidatePaymentRequirements(r PaymentRequirements) error {
	if r.Scheme == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if r.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	if r.Asset == "" {
		return fmt.Errorf("payment asset is required")
	}
	if r.Amount == "" {
		return fmt.Errorf("payment amount is required")
	}
	if r.PayTo == "" {
		return fmt.Errorf("payment recipient is required")
	}
	return nil
}

// findSchemesByNetwork finds all schemes for a given network
// This supports pattern matching for networks (e.g., "eip155:*")
func findSchemesByNetwork[T any](networkMap map[Network]map[string]T, network Network) map[string]T {
	if schemeMap, exists := networkMap[network]; exists {
		return schemeMap
	}

	for registeredNetwork, schemeMap := range networkMap {
		if network.Match(registeredNetwork) || registeredNetwork.Match(network) {
			return schemeMap
		}
	}

	return nil
}
