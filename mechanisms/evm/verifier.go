package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/x402x/facilitator"
)

// Verify reason codes
const (
	ErrInvalidScheme             = "invalid_exact_evm_scheme"
	ErrNetworkMismatch           = "invalid_exact_evm_network_mismatch"
	ErrInvalidPayload            = "invalid_exact_evm_payload"
	ErrMissingSignature          = "invalid_exact_evm_payload_missing_signature"
	ErrInvalidAsset              = "invalid_exact_evm_asset"
	ErrRecipientMismatch         = "invalid_exact_evm_recipient_mismatch"
	ErrInvalidAuthorizationValue = "invalid_exact_evm_authorization_value"
	ErrInvalidRequiredAmount     = "invalid_exact_evm_required_amount"
	ErrInsufficientAmount        = "invalid_exact_evm_insufficient_amount"
	ErrValidBeforeExpired        = "invalid_exact_evm_payload_authorization_valid_before"
	ErrValidAfterInFuture        = "invalid_exact_evm_payload_authorization_valid_after"
	ErrNonceAlreadyUsed          = "invalid_exact_evm_nonce_already_used"
	ErrInsufficientBalance       = "invalid_exact_evm_insufficient_balance"
	ErrInvalidSignatureFormat    = "invalid_exact_evm_signature_format"
	ErrInvalidSignature          = "invalid_exact_evm_signature"
	ErrRouterNotConfigured       = "settlement_router_not_configured"
	ErrRouterMismatch            = "settlement_router_mismatch"
	ErrCommitmentMismatch        = "settlement_commitment_mismatch"
	ErrFeeExceedsValue           = "facilitator_fee_exceeds_value"
)

// EIP3009Verifier checks EIP-3009 payments for one network: authorization
// fields against the requirements, the nonce and balance on chain, and the
// EIP-712 signature. In router mode it also checks that the authorization pays
// the router and that its nonce is the commitment over the router parameters.
type EIP3009Verifier struct {
	network x402.Network
	config  NetworkConfig
	reader  ChainReader
	clock   clock.Clock
}

// VerifierOption configures an EIP3009Verifier
type VerifierOption func(*EIP3009Verifier)

// WithVerifierClock sets the clock used for validity window checks
func WithVerifierClock(clk clock.Clock) VerifierOption {
	return func(v *EIP3009Verifier) {
		if clk != nil {
			v.clock = clk
		}
	}
}

// NewEIP3009Verifier creates a verifier for a network
func NewEIP3009Verifier(network x402.Network, config NetworkConfig, reader ChainReader, opts ...VerifierOption) *EIP3009Verifier {
	v := &EIP3009Verifier{
		network: network,
		config:  config,
		reader:  reader,
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify verifies a payment payload against requirements.
// Invalid payments return IsValid=false with a reason and a nil error; an
// error is returned only when the chain could not be read.
func (v *EIP3009Verifier) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error) {
	invalid := func(reason, payer string) (x402.VerifyResponse, error) {
		return x402.VerifyResponse{IsValid: false, InvalidReason: reason, Payer: payer}, nil
	}

	if payload.Accepted.Scheme != SchemeExact || requirements.Scheme != SchemeExact {
		return invalid(ErrInvalidScheme, "")
	}
	if payload.Accepted.Network != requirements.Network || requirements.Network != v.network {
		return invalid(ErrNetworkMismatch, "")
	}

	evmPayload, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return invalid(ErrInvalidPayload, "")
	}
	auth := evmPayload.Authorization
	payer := auth.From

	if evmPayload.Signature == "" {
		return invalid(ErrMissingSignature, payer)
	}
	if !IsValidAddress(auth.From) || !IsValidAddress(auth.To) {
		return invalid(ErrInvalidPayload, payer)
	}
	nonce, err := ParseBytes32(auth.Nonce)
	if err != nil {
		return invalid(ErrInvalidPayload, payer)
	}

	assetInfo, err := v.config.AssetInfo(requirements.Asset)
	if err != nil {
		return invalid(ErrInvalidAsset, payer)
	}

	authValue, err := ParseUint256(auth.Value)
	if err != nil {
		return invalid(ErrInvalidAuthorizationValue, payer)
	}
	validAfter, err := ParseUint256(auth.ValidAfter)
	if err != nil {
		return invalid(ErrInvalidPayload, payer)
	}
	validBefore, err := ParseUint256(auth.ValidBefore)
	if err != nil {
		return invalid(ErrInvalidPayload, payer)
	}

	// Requirements.Amount is already in the smallest unit
	requiredValue, err := ParseUint256(requirements.Amount)
	if err != nil {
		return invalid(ErrInvalidRequiredAmount, payer)
	}
	if authValue.Cmp(requiredValue) < 0 {
		return invalid(ErrInsufficientAmount, payer)
	}

	mode, err := ParseSettlementMode(requirements.Extra)
	if err != nil {
		reason := ErrInvalidSettlementExtra
		var ve *x402.ValidationError
		if errors.As(err, &ve) {
			reason = ve.Code
		}
		return invalid(reason, payer)
	}

	switch m := mode.(type) {
	case StandardSettlement:
		if !strings.EqualFold(auth.To, requirements.PayTo) {
			return invalid(ErrRecipientMismatch, payer)
		}
	case RouterSettlement:
		if reason := v.checkRouterBinding(m, auth, nonce, authValue, validAfter, validBefore, assetInfo.Address); reason != "" {
			return invalid(reason, payer)
		}
	}

	now := v.clock.Now().Unix()
	if validBefore.Cmp(big.NewInt(now+ValidBeforeBuffer)) < 0 {
		return invalid(ErrValidBeforeExpired, payer)
	}
	if validAfter.Cmp(big.NewInt(now)) > 0 {
		return invalid(ErrValidAfterInFuture, payer)
	}

	signature, err := HexToBytes(evmPayload.Signature)
	if err != nil || len(signature) != 65 {
		return invalid(ErrInvalidSignatureFormat, payer)
	}

	// Token name/version may be overridden by requirements for non-default assets
	tokenName := assetInfo.Name
	tokenVersion := assetInfo.Version
	if requirements.Extra != nil {
		if name, ok := requirements.Extra["name"].(string); ok {
			tokenName = name
		}
		if version, ok := requirements.Extra["version"].(string); ok {
			tokenVersion = version
		}
	}

	valid, err := VerifyEIP3009Signature(auth, signature, v.config.ChainID, assetInfo.Address, tokenName, tokenVersion)
	if err != nil || !valid {
		return invalid(ErrInvalidSignature, payer)
	}

	used, err := v.nonceUsed(ctx, auth.From, nonce, assetInfo.Address)
	if err != nil {
		return x402.VerifyResponse{}, fmt.Errorf("failed to check nonce: %w", err)
	}
	if used {
		return invalid(ErrNonceAlreadyUsed, payer)
	}

	balance, err := v.reader.GetBalance(ctx, auth.From, assetInfo.Address)
	if err != nil {
		return x402.VerifyResponse{}, fmt.Errorf("failed to get balance: %w", err)
	}
	if balance.Cmp(authValue) < 0 {
		return invalid(ErrInsufficientBalance, payer)
	}

	return x402.VerifyResponse{IsValid: true, Payer: payer}, nil
}

func (v *EIP3009Verifier) checkRouterBinding(
	m RouterSettlement,
	auth ExactEIP3009Authorization,
	nonce [32]byte,
	value, validAfter, validBefore *big.Int,
	token string,
) string {
	if v.config.SettlementRouter == "" {
		return ErrRouterNotConfigured
	}
	if !strings.EqualFold(m.Router.Hex(), v.config.SettlementRouter) {
		return ErrRouterMismatch
	}
	if !strings.EqualFold(auth.To, m.Router.Hex()) {
		return ErrRecipientMismatch
	}
	if m.FacilitatorFee.Cmp(value) > 0 {
		return ErrFeeExceedsValue
	}

	commitment, err := CalculateCommitment(CommitmentParams{
		ChainID:        v.config.ChainID,
		Router:         m.Router,
		Token:          common.HexToAddress(token),
		From:           common.HexToAddress(auth.From),
		Value:          value,
		ValidAfter:     validAfter,
		ValidBefore:    validBefore,
		Salt:           m.Salt,
		PayTo:          m.PayTo,
		FacilitatorFee: m.FacilitatorFee,
		Hook:           m.Hook,
		HookData:       m.HookData,
	})
	if err != nil || commitment != common.Hash(nonce) {
		return ErrCommitmentMismatch
	}
	return ""
}

// nonceUsed checks if an authorization nonce has already been used
func (v *EIP3009Verifier) nonceUsed(ctx context.Context, from string, nonce [32]byte, tokenAddress string) (bool, error) {
	result, err := v.reader.ReadContract(
		ctx,
		tokenAddress,
		AuthorizationStateABI,
		FunctionAuthorizationState,
		common.HexToAddress(from),
		nonce,
	)
	if err != nil {
		return false, err
	}

	used, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected result type from authorizationState: %T", result)
	}
	return used, nil
}
