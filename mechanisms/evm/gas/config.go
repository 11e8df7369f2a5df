// Package gas prices settlements: it bounds the gas a settlement may burn and
// computes the minimum facilitator fee that covers it at current prices.
package gas

import (
	"fmt"

	"github.com/x402x/facilitator/mechanisms/evm/hooks"
)

// Defaults
const (
	DefaultMinGasLimit           uint64  = 150_000
	DefaultMaxGasLimit           uint64  = 5_000_000
	DefaultDynamicGasLimitMargin float64 = 0.2
	DefaultSafetyMultiplier      float64 = 1.5
)

// Config is the economics configuration shared by every network
type Config struct {
	hooks.Config `yaml:",inline"`

	// MinGasLimit is the router's base cost; no settlement gets less
	MinGasLimit uint64 `yaml:"minGasLimit"`

	// MaxGasLimit caps the gas any settlement may burn
	MaxGasLimit uint64 `yaml:"maxGasLimit"`

	// DynamicGasLimitMargin is the share of the fee withheld as profit when
	// converting it into a gas budget
	DynamicGasLimitMargin float64 `yaml:"dynamicGasLimitMargin"`

	// SafetyMultiplier marks up the quoted gas cost to absorb price drift
	SafetyMultiplier float64 `yaml:"safetyMultiplier"`

	// FeeTolerance is the share below the quoted minimum fee still accepted
	FeeTolerance float64 `yaml:"feeTolerance"`
}

// DefaultConfig returns the default economics configuration
func DefaultConfig() Config {
	return Config{
		Config:                hooks.DefaultConfig(),
		MinGasLimit:           DefaultMinGasLimit,
		MaxGasLimit:           DefaultMaxGasLimit,
		DynamicGasLimitMargin: DefaultDynamicGasLimitMargin,
		SafetyMultiplier:      DefaultSafetyMultiplier,
	}
}

// Validate checks the configuration for values that would make the
// economics meaningless
func (c Config) Validate() error {
	if c.MinGasLimit == 0 {
		return fmt.Errorf("minGasLimit must be positive")
	}
	if c.MaxGasLimit < c.MinGasLimit {
		return fmt.Errorf("maxGasLimit %d is below minGasLimit %d", c.MaxGasLimit, c.MinGasLimit)
	}
	if c.DynamicGasLimitMargin < 0 || c.DynamicGasLimitMargin > 1 {
		return fmt.Errorf("dynamicGasLimitMargin must be in [0, 1], got %v", c.DynamicGasLimitMargin)
	}
	if c.SafetyMultiplier < 1 {
		return fmt.Errorf("safetyMultiplier must be at least 1, got %v", c.SafetyMultiplier)
	}
	if c.FeeTolerance < 0 || c.FeeTolerance >= 1 {
		return fmt.Errorf("feeTolerance must be in [0, 1), got %v", c.FeeTolerance)
	}
	return nil
}
