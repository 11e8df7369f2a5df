// Package hooks decides which settlement hooks a facilitator is willing to
// call and how much gas each of them is expected to burn.
package hooks

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/mechanisms/evm"
)

// Rejection codes
const (
	ErrHookNotAllowed          = "hook_not_whitelisted"
	ErrInvalidTransferHookData = "invalid_transfer_hook_data"
)

// Default gas overheads, in gas units on top of the router's base cost
const (
	DefaultCustomOverhead               uint64 = 100_000
	DefaultTransferMinimalOverhead      uint64 = 15_000
	DefaultTransferBaseOverhead         uint64 = 30_000
	DefaultTransferPerRecipientOverhead uint64 = 25_000
)

// Config controls hook whitelisting and gas overhead estimation
type Config struct {
	// HookWhitelistEnabled=false allows every hook
	HookWhitelistEnabled bool `yaml:"hookWhitelistEnabled"`

	// AllowedHooks maps a canonical network to its allowed hook addresses
	AllowedHooks map[string][]string `yaml:"allowedHooks"`

	// HookGasOverhead maps a hook type to its overhead. The "custom" entry is
	// the fallback for hook types without their own entry.
	HookGasOverhead map[string]uint64 `yaml:"hookGasOverhead"`

	TransferMinimalOverhead      uint64 `yaml:"transferMinimalOverhead"`
	TransferBaseOverhead         uint64 `yaml:"transferBaseOverhead"`
	TransferPerRecipientOverhead uint64 `yaml:"transferPerRecipientOverhead"`
}

// DefaultConfig returns a config with the whitelist enabled and nothing allowed
func DefaultConfig() Config {
	return Config{
		HookWhitelistEnabled: true,
		AllowedHooks:         map[string][]string{},
		HookGasOverhead: map[string]uint64{
			evm.HookTypeCustom: DefaultCustomOverhead,
		},
		TransferMinimalOverhead:      DefaultTransferMinimalOverhead,
		TransferBaseOverhead:         DefaultTransferBaseOverhead,
		TransferPerRecipientOverhead: DefaultTransferPerRecipientOverhead,
	}
}

// Validator applies a Config to the hooks of the configured networks
type Validator struct {
	cfg      Config
	registry *evm.NetworkRegistry
	allowed  map[x402.Network]map[string]struct{}
}

// NewValidator creates a validator. Allow-list entries may name networks by
// alias; they are resolved through registry once here.
func NewValidator(cfg Config, registry *evm.NetworkRegistry) (*Validator, error) {
	v := &Validator{
		cfg:      cfg,
		registry: registry,
		allowed:  make(map[x402.Network]map[string]struct{}, len(cfg.AllowedHooks)),
	}
	for name, hooks := range cfg.AllowedHooks {
		network, _, err := registry.Resolve(name)
		if err != nil {
			return nil, x402.NewConfigurationError("allowedHooks", err)
		}
		set, ok := v.allowed[network]
		if !ok {
			set = make(map[string]struct{}, len(hooks))
			v.allowed[network] = set
		}
		for _, hook := range hooks {
			if !evm.IsValidAddress(hook) {
				return nil, x402.NewConfigurationError(fmt.Sprintf("allowedHooks[%s]: invalid hook address %q", name, hook), nil)
			}
			set[strings.ToLower(hook)] = struct{}{}
		}
	}
	return v, nil
}

// WhitelistEnabled reports whether hooks are checked against the allow list
func (v *Validator) WhitelistEnabled() bool {
	return v.cfg.HookWhitelistEnabled
}

// IsAllowed reports whether hook may be called on network.
// Addresses compare case-insensitively.
func (v *Validator) IsAllowed(network x402.Network, hook string) bool {
	if !v.cfg.HookWhitelistEnabled {
		return true
	}
	_, ok := v.allowed[network][strings.ToLower(hook)]
	return ok
}

// Classify returns the built-in type of hook on network, or "custom"
func (v *Validator) Classify(network x402.Network, hook string) string {
	for hookType, address := range v.registry.KnownHooks(network) {
		if strings.EqualFold(address, hook) {
			return hookType
		}
	}
	return evm.HookTypeCustom
}

// GasOverhead estimates the gas a hook of hookType consumes.
// For the transfer hook it scales with the number of recipients in hookData.
func (v *Validator) GasOverhead(hookType string, hookData []byte) (uint64, error) {
	if hookType == evm.HookTypeTransfer {
		if len(hookData) == 0 {
			return v.cfg.TransferMinimalOverhead, nil
		}
		recipients, _, err := DecodeTransferHookData(hookData)
		if err != nil {
			return 0, err
		}
		return v.cfg.TransferBaseOverhead + v.cfg.TransferPerRecipientOverhead*uint64(len(recipients)), nil
	}

	if overhead, ok := v.cfg.HookGasOverhead[hookType]; ok {
		return overhead, nil
	}
	if overhead, ok := v.cfg.HookGasOverhead[evm.HookTypeCustom]; ok {
		return overhead, nil
	}
	return DefaultCustomOverhead, nil
}

var transferHookArgs = func() abi.Arguments {
	addresses, err := abi.NewType("address[]", "", nil)
	if err != nil {
		panic(err)
	}
	amounts, err := abi.NewType("uint256[]", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: addresses}, {Type: amounts}}
}()

// EncodeTransferHookData encodes split recipients for the transfer hook:
// abi.encode(address[] recipients, uint256[] amounts)
func EncodeTransferHookData(recipients []common.Address, amounts []*big.Int) ([]byte, error) {
	return transferHookArgs.Pack(recipients, amounts)
}

// DecodeTransferHookData decodes transfer hook data without validating it
func DecodeTransferHookData(data []byte) ([]common.Address, []*big.Int, error) {
	values, err := transferHookArgs.Unpack(data)
	if err != nil {
		return nil, nil, invalidHookData(fmt.Sprintf("cannot decode: %v", err))
	}
	recipients, ok := values[0].([]common.Address)
	if !ok {
		return nil, nil, invalidHookData("recipients are not addresses")
	}
	amounts, ok := values[1].([]*big.Int)
	if !ok {
		return nil, nil, invalidHookData("amounts are not integers")
	}
	return recipients, amounts, nil
}

// ValidateTransferHookData checks transfer hook data before any chain
// interaction. Empty data is a pay-to-only transfer and always valid.
// Otherwise the arrays must be non-empty and of equal length, every recipient
// non-zero, every amount positive, and the amounts must sum to hookAmount.
func ValidateTransferHookData(data []byte, hookAmount *big.Int) error {
	if len(data) == 0 {
		return nil
	}
	recipients, amounts, err := DecodeTransferHookData(data)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return invalidHookData("no recipients")
	}
	if len(recipients) != len(amounts) {
		return invalidHookData(fmt.Sprintf("%d recipients but %d amounts", len(recipients), len(amounts)))
	}

	sum := new(big.Int)
	for i, recipient := range recipients {
		if recipient == (common.Address{}) {
			return invalidHookData(fmt.Sprintf("recipient %d is the zero address", i))
		}
		if amounts[i].Sign() <= 0 {
			return invalidHookData(fmt.Sprintf("amount %d is not positive", i))
		}
		sum.Add(sum, amounts[i])
	}
	if sum.Cmp(hookAmount) != 0 {
		return x402.NewValidationError(ErrInvalidTransferHookData,
			fmt.Sprintf("amounts sum to %s, hook receives %s", sum, hookAmount),
			map[string]interface{}{"sum": sum.String(), "hookAmount": hookAmount.String()})
	}
	return nil
}

func invalidHookData(msg string) *x402.ValidationError {
	return x402.NewValidationError(ErrInvalidTransferHookData, msg, nil)
}
