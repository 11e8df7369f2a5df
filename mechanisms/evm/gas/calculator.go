package gas

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	x402 "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/mechanisms/evm"
	"github.com/x402x/facilitator/mechanisms/evm/hooks"
)

// Rejection codes
const (
	ErrGasLimitExceeded           = "gas_limit_exceeded"
	ErrNativePriceUnavailable     = "native_token_price_unavailable"
	ErrGasPriceUnavailable        = "gas_price_unavailable"
	ErrInsufficientFacilitatorFee = "insufficient_facilitator_fee"
)

// FeeCalculationResult is the breakdown behind a minimum facilitator fee
type FeeCalculationResult struct {
	Network  x402.Network
	Hook     string
	HookType string

	// HookAllowed is false only when the whitelist rejected the hook
	HookAllowed bool

	GasLimit uint64
	GasPrice *big.Int

	// GasCostNative is GasLimit × GasPrice in wei
	GasCostNative *big.Int

	NativeTokenPriceUSD float64
	GasCostUSD          decimal.Decimal

	// FinalCostUSD is GasCostUSD marked up by the safety multiplier
	FinalCostUSD decimal.Decimal

	// MinFacilitatorFee is FinalCostUSD in the token's smallest unit, rounded up
	MinFacilitatorFee    *big.Int
	MinFacilitatorFeeUSD decimal.Decimal
	TokenDecimals        int32
}

// Details renders the breakdown as strings for a rejection body
func (r *FeeCalculationResult) Details() map[string]interface{} {
	if r == nil {
		return nil
	}
	d := map[string]interface{}{
		"network":              string(r.Network),
		"hook":                 r.Hook,
		"hookType":             r.HookType,
		"hookAllowed":          r.HookAllowed,
		"gasLimit":             fmt.Sprint(r.GasLimit),
		"nativeTokenPriceUSD":  decimal.NewFromFloat(r.NativeTokenPriceUSD).String(),
		"gasCostUSD":           r.GasCostUSD.String(),
		"finalCostUSD":         r.FinalCostUSD.String(),
		"minFacilitatorFeeUSD": r.MinFacilitatorFeeUSD.String(),
		"tokenDecimals":        r.TokenDecimals,
	}
	for key, v := range map[string]*big.Int{
		"gasPrice":          r.GasPrice,
		"gasCostNative":     r.GasCostNative,
		"minFacilitatorFee": r.MinFacilitatorFee,
	} {
		if v != nil {
			d[key] = v.String()
		}
	}
	return d
}

// Calculator computes gas limits and minimum facilitator fees
type Calculator struct {
	cfg         Config
	hooks       *hooks.Validator
	gasPrices   GasPriceSource
	tokenPrices TokenPriceSource
	logger      *zap.Logger
}

// CalculatorOption configures a Calculator
type CalculatorOption func(*Calculator)

// WithLogger sets the calculator logger
func WithLogger(logger *zap.Logger) CalculatorOption {
	return func(c *Calculator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCalculator creates a calculator
func NewCalculator(cfg Config, validator *hooks.Validator, gasPrices GasPriceSource, tokenPrices TokenPriceSource, opts ...CalculatorOption) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, x402.NewConfigurationError("gas", err)
	}
	if validator == nil || gasPrices == nil || tokenPrices == nil {
		return nil, x402.NewConfigurationError("gas calculator needs a hook validator and price sources", nil)
	}
	c := &Calculator{
		cfg:         cfg,
		hooks:       validator,
		gasPrices:   gasPrices,
		tokenPrices: tokenPrices,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Config returns the calculator configuration
func (c *Calculator) Config() Config { return c.cfg }

// GasPrice returns the current gas price of network per the configured strategy
func (c *Calculator) GasPrice(ctx context.Context, network x402.Network) (*big.Int, error) {
	return c.gasPrices.GasPrice(ctx, network)
}

// NativeTokenPriceUSD returns the current native token price per the configured strategy
func (c *Calculator) NativeTokenPriceUSD(ctx context.Context, network x402.Network) (float64, error) {
	return c.tokenPrices.NativeTokenPriceUSD(ctx, network)
}

// GasLimit is the baseline gas limit of a settlement through hook:
// MinGasLimit plus the hook's overhead. It fails with an EconomicGuardError
// when the baseline already exceeds MaxGasLimit.
func (c *Calculator) GasLimit(network x402.Network, hook string, hookData []byte) (uint64, error) {
	limit, _, err := c.gasLimit(network, hook, hookData)
	return limit, err
}

func (c *Calculator) gasLimit(network x402.Network, hook string, hookData []byte) (uint64, string, error) {
	hookType := c.hooks.Classify(network, hook)
	overhead, err := c.hooks.GasOverhead(hookType, hookData)
	if err != nil {
		return 0, hookType, err
	}
	limit := c.cfg.MinGasLimit + overhead
	if limit > c.cfg.MaxGasLimit {
		return 0, hookType, x402.NewEconomicGuardError(ErrGasLimitExceeded,
			fmt.Sprintf("gas limit %d exceeds maximum %d", limit, c.cfg.MaxGasLimit),
			map[string]interface{}{
				"gasLimit":    fmt.Sprint(limit),
				"maxGasLimit": fmt.Sprint(c.cfg.MaxGasLimit),
				"hookType":    hookType,
			})
	}
	return limit, hookType, nil
}

// MinFacilitatorFee computes the smallest fee, in the settlement token's
// smallest unit, that pays for a settlement through hook at current prices.
// A hook outside the whitelist is rejected with a ValidationError.
func (c *Calculator) MinFacilitatorFee(ctx context.Context, network x402.Network, hook string, hookData []byte, tokenDecimals int32) (*FeeCalculationResult, error) {
	result := &FeeCalculationResult{
		Network:       network,
		Hook:          hook,
		TokenDecimals: tokenDecimals,
		HookAllowed:   c.hooks.IsAllowed(network, hook),
	}
	if !result.HookAllowed {
		result.HookType = c.hooks.Classify(network, hook)
		return result, x402.NewValidationError(hooks.ErrHookNotAllowed,
			fmt.Sprintf("hook %s is not whitelisted on %s", hook, network), result.Details())
	}

	limit, hookType, err := c.gasLimit(network, hook, hookData)
	result.HookType = hookType
	if err != nil {
		return result, err
	}
	result.GasLimit = limit

	gasPrice, err := c.gasPrices.GasPrice(ctx, network)
	if err != nil {
		return result, x402.NewEconomicGuardError(ErrGasPriceUnavailable, err.Error(), result.Details())
	}
	result.GasPrice = gasPrice

	nativePrice, err := c.tokenPrices.NativeTokenPriceUSD(ctx, network)
	if err != nil {
		return result, x402.NewEconomicGuardError(ErrNativePriceUnavailable, err.Error(), result.Details())
	}
	if !validPrice(nativePrice) {
		return result, x402.NewEconomicGuardError(ErrNativePriceUnavailable,
			fmt.Sprintf("invalid native token price %v", nativePrice), result.Details())
	}
	result.NativeTokenPriceUSD = nativePrice

	result.GasCostNative = new(big.Int).Mul(new(big.Int).SetUint64(limit), gasPrice)
	result.GasCostUSD = decimal.NewFromBigInt(result.GasCostNative, -evm.NativeTokenDecimals).
		Mul(decimal.NewFromFloat(nativePrice))
	result.FinalCostUSD = result.GasCostUSD.Mul(decimal.NewFromFloat(c.cfg.SafetyMultiplier))

	// Never under-charge: any fraction of the smallest unit rounds up
	atomic := result.FinalCostUSD.Shift(tokenDecimals).Ceil()
	result.MinFacilitatorFee = atomic.BigInt()
	result.MinFacilitatorFeeUSD = atomic.Shift(-tokenDecimals)

	c.logger.Debug("facilitator fee quoted",
		zap.String("network", string(network)),
		zap.String("hook", hook),
		zap.String("hook_type", hookType),
		zap.Uint64("gas_limit", limit),
		zap.String("gas_price", gasPrice.String()),
		zap.String("min_fee", result.MinFacilitatorFee.String()))

	return result, nil
}

// IsFeeSufficient reports whether fee covers minFee within the configured
// tolerance: fee ≥ ceil(minFee × (1 − FeeTolerance))
func (c *Calculator) IsFeeSufficient(fee, minFee *big.Int) bool {
	if fee == nil || minFee == nil {
		return false
	}
	threshold := decimal.NewFromBigInt(minFee, 0).
		Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(c.cfg.FeeTolerance))).
		Ceil().
		BigInt()
	return fee.Cmp(threshold) >= 0
}

// EffectiveGasLimit turns the fee offered with a settlement into the gas it
// can pay for after withholding the profit margin:
//
//	available = fee / 10^feeDecimals × (1 − DynamicGasLimitMargin)   [USD]
//	affordable = floor(available / nativeTokenPriceUSD × 10^18 / gasPrice)
//
// The result is clamped to [MinGasLimit, MaxGasLimit]. An unusable price
// (non-finite, zero, negative) or gas price yields MinGasLimit.
func EffectiveGasLimit(fee *big.Int, feeDecimals int32, gasPrice *big.Int, nativeTokenPriceUSD float64, cfg Config) uint64 {
	if !validPrice(nativeTokenPriceUSD) || gasPrice == nil || gasPrice.Sign() <= 0 || fee == nil || fee.Sign() <= 0 {
		return cfg.MinGasLimit
	}

	available := decimal.NewFromBigInt(fee, -feeDecimals).
		Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(cfg.DynamicGasLimitMargin)))
	costPerGasUSD := decimal.NewFromBigInt(gasPrice, -evm.NativeTokenDecimals).
		Mul(decimal.NewFromFloat(nativeTokenPriceUSD))
	affordable := available.Div(costPerGasUSD).Floor()

	if affordable.Cmp(decimal.NewFromInt(int64(cfg.MaxGasLimit))) >= 0 {
		return cfg.MaxGasLimit
	}
	if affordable.Cmp(decimal.NewFromInt(int64(cfg.MinGasLimit))) <= 0 {
		return cfg.MinGasLimit
	}
	return affordable.BigInt().Uint64()
}

// EffectiveGasLimit applies EffectiveGasLimit with the calculator configuration
func (c *Calculator) EffectiveGasLimit(fee *big.Int, feeDecimals int32, gasPrice *big.Int, nativeTokenPriceUSD float64) uint64 {
	return EffectiveGasLimit(fee, feeDecimals, gasPrice, nativeTokenPriceUSD, c.cfg)
}
