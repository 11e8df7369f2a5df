package x402

import (
	"errors"
	"fmt"
)

// PaymentError represents a payment-specific error as it is sent over the wire
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeInvalidPayment     = "invalid_payment"
	ErrCodeInvalidRequest     = "invalid_request"
	ErrCodeNetworkMismatch    = "network_mismatch"
	ErrCodeSchemeMismatch     = "scheme_mismatch"
	ErrCodeSettlementFailed   = "settlement_failed"
	ErrCodeUnsupportedScheme  = "unsupported_scheme"
	ErrCodeUnsupportedNetwork = "unsupported_network"
	ErrCodeConfiguration      = "configuration_error"
	ErrCodeEconomicGuard      = "economic_guard"
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// ConfigurationError reports malformed startup configuration, such as an
// empty or unparsable list of signing keys. It is fatal at startup.
type ConfigurationError struct {
	Message string
	Err     error
}

func NewConfigurationError(message string, err error) *ConfigurationError {
	return &ConfigurationError{Message: message, Err: err}
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Err)
	}
	return "configuration error: " + e.Message
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ValidationError rejects a request before any chain interaction.
// Details carries the data the caller needs to understand the rejection,
// e.g. the full fee breakdown when a facilitator fee is too low.
type ValidationError struct {
	Code    string
	Message string
	Details map[string]interface{}
}

func NewValidationError(code, message string, details map[string]interface{}) *ValidationError {
	return &ValidationError{Code: code, Message: message, Details: details}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Code, e.Message)
}

// ChainError reports an RPC failure, a reverted transaction or a receipt
// timeout. Transaction is set when a transaction hash is known.
type ChainError struct {
	Code        string
	Message     string
	Transaction string
	Err         error
}

func NewChainError(code, message string, err error) *ChainError {
	return &ChainError{Code: code, Message: message, Err: err}
}

func (e *ChainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chain error: %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("chain error: %s: %s", e.Code, e.Message)
}

func (e *ChainError) Unwrap() error { return e.Err }

// EconomicGuardError is raised when gas economics refuse a settlement,
// e.g. when the baseline gas limit already exceeds the configured maximum.
type EconomicGuardError struct {
	Code    string
	Message string
	Details map[string]interface{}
}

func NewEconomicGuardError(code, message string, details map[string]interface{}) *EconomicGuardError {
	return &EconomicGuardError{Code: code, Message: message, Details: details}
}

func (e *EconomicGuardError) Error() string {
	return fmt.Sprintf("economic guard: %s: %s", e.Code, e.Message)
}

// AsPaymentError converts any error of the taxonomy into its wire form.
// Unknown errors map to a settlement_failed PaymentError.
func AsPaymentError(err error) *PaymentError {
	if err == nil {
		return nil
	}
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return NewPaymentError(ve.Code, ve.Message, ve.Details)
	}
	var ge *EconomicGuardError
	if errors.As(err, &ge) {
		return NewPaymentError(ge.Code, ge.Message, ge.Details)
	}
	var ce *ChainError
	if errors.As(err, &ce) {
		var details map[string]interface{}
		if ce.Transaction != "" {
			details = map[string]interface{}{"transaction": ce.Transaction}
		}
		return NewPaymentError(ce.Code, ce.Error(), details)
	}
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return NewPaymentError(ErrCodeConfiguration, cfgErr.Error(), nil)
	}
	return NewPaymentError(ErrCodeSettlementFailed, err.Error(), nil)
}

// IsRejection reports whether err means a request was refused before any
// chain interaction took place.
func IsRejection(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	var ge *EconomicGuardError
	return errors.As(err, &ge)
}
