package evm

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/x402x/facilitator"
)

// Keys of PaymentRequirements.Extra read in router mode
const (
	ExtraSettlementRouter = "settlementRouter"
	ExtraSalt             = "salt"
	ExtraPayTo            = "payTo"
	ExtraFacilitatorFee   = "facilitatorFee"
	ExtraHook             = "hook"
	ExtraHookData         = "hookData"
)

// ErrInvalidSettlementExtra is the reason code for malformed router parameters
const ErrInvalidSettlementExtra = "invalid_settlement_extra"

// SettlementMode is either StandardSettlement or RouterSettlement
type SettlementMode interface {
	settlementMode()
}

// StandardSettlement is a plain EIP-3009 transfer to the payee with no hook
// and no fee.
type StandardSettlement struct{}

// RouterSettlement routes the payment through the settlement router, which
// deducts FacilitatorFee and passes the remainder to Hook.
type RouterSettlement struct {
	Router         common.Address
	Salt           [32]byte
	PayTo          common.Address
	FacilitatorFee *big.Int
	Hook           common.Address
	HookData       []byte
}

func (StandardSettlement) settlementMode() {}
func (RouterSettlement) settlementMode()   {}

// ParseSettlementMode discriminates the settlement mode of a request.
// The presence of a settlementRouter entry selects router mode, in which case
// every router parameter is required and validated. Malformed parameters are
// reported as a ValidationError.
func ParseSettlementMode(extra map[string]interface{}) (SettlementMode, error) {
	raw, present := extra[ExtraSettlementRouter]
	if !present || raw == nil {
		return StandardSettlement{}, nil
	}
	if s, ok := raw.(string); ok && strings.TrimSpace(s) == "" {
		return StandardSettlement{}, nil
	}

	var m RouterSettlement
	var err error

	if m.Router, err = addressField(extra, ExtraSettlementRouter); err != nil {
		return nil, err
	}
	if m.PayTo, err = addressField(extra, ExtraPayTo); err != nil {
		return nil, err
	}
	if m.Hook, err = addressField(extra, ExtraHook); err != nil {
		return nil, err
	}

	saltStr, err := stringField(extra, ExtraSalt)
	if err != nil {
		return nil, err
	}
	if m.Salt, err = ParseBytes32(saltStr); err != nil {
		return nil, invalidExtra(ExtraSalt, err)
	}

	if m.FacilitatorFee, err = amountField(extra, ExtraFacilitatorFee); err != nil {
		return nil, err
	}

	hookData := ""
	if v, ok := extra[ExtraHookData]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return nil, invalidExtra(ExtraHookData, fmt.Errorf("expected hex string, got %T", v))
		}
		hookData = s
	}
	if m.HookData, err = HexToBytes(hookData); err != nil {
		return nil, invalidExtra(ExtraHookData, err)
	}

	return m, nil
}

// Extra renders the router parameters in their wire form
func (m RouterSettlement) Extra() map[string]interface{} {
	return map[string]interface{}{
		ExtraSettlementRouter: m.Router.Hex(),
		ExtraSalt:             common.Hash(m.Salt).Hex(),
		ExtraPayTo:            m.PayTo.Hex(),
		ExtraFacilitatorFee:   m.FacilitatorFee.String(),
		ExtraHook:             m.Hook.Hex(),
		ExtraHookData:         "0x" + common.Bytes2Hex(m.HookData),
	}
}

func invalidExtra(field string, err error) *x402.ValidationError {
	return x402.NewValidationError(ErrInvalidSettlementExtra,
		fmt.Sprintf("invalid %s: %v", field, err),
		map[string]interface{}{"field": field})
}

func stringField(extra map[string]interface{}, field string) (string, error) {
	v, ok := extra[field]
	if !ok || v == nil {
		return "", invalidExtra(field, fmt.Errorf("missing"))
	}
	s, ok := v.(string)
	if !ok {
		return "", invalidExtra(field, fmt.Errorf("expected string, got %T", v))
	}
	return s, nil
}

func addressField(extra map[string]interface{}, field string) (common.Address, error) {
	s, err := stringField(extra, field)
	if err != nil {
		return common.Address{}, err
	}
	addr, err := ParseAddress(s)
	if err != nil {
		return common.Address{}, invalidExtra(field, err)
	}
	return addr, nil
}

// amountField accepts a decimal string, a json.Number, or an integral float64
// as produced by encoding/json for small numbers.
func amountField(extra map[string]interface{}, field string) (*big.Int, error) {
	v, ok := extra[field]
	if !ok || v == nil {
		return nil, invalidExtra(field, fmt.Errorf("missing"))
	}

	var s string
	switch n := v.(type) {
	case string:
		s = n
	case json.Number:
		s = n.String()
	case float64:
		if n != math.Trunc(n) || n < 0 || n > 1<<53 {
			return nil, invalidExtra(field, fmt.Errorf("not an exact non-negative integer: %v", n))
		}
		s = fmt.Sprintf("%.0f", n)
	default:
		return nil, invalidExtra(field, fmt.Errorf("expected decimal string, got %T", v))
	}

	amount, err := ParseUint256(s)
	if err != nil {
		return nil, invalidExtra(field, err)
	}
	return amount, nil
}
