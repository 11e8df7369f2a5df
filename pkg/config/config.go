// Package config loads the facilitator's YAML configuration.
package config

import (
	"bytes"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	x402 "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/mechanisms/evm"
	"github.com/x402x/facilitator/mechanisms/evm/gas"
	"github.com/x402x/facilitator/pkg/accountpool"
	"github.com/x402x/facilitator/pkg/pricefeed"
)

// Defaults
const (
	DefaultListenAddress      = ":4021"
	DefaultPrivateKeysEnv     = "FACILITATOR_PRIVATE_KEYS"
	DefaultShutdownTimeout    = 30 * time.Second
	DefaultRequestTimeout     = 2 * time.Minute
	DefaultRequestsPerSecond  = 20
	DefaultRateLimitBurst     = 40
	DefaultSettlementCacheTTL = 10 * time.Minute
)

// Config is the complete facilitator configuration
type Config struct {
	ListenAddress   string        `yaml:"listen"`
	LogLevel        string        `yaml:"logLevel"`
	LogFormat       string        `yaml:"logFormat"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	RateLimit       RateLimit     `yaml:"rateLimit"`

	// PrivateKeysEnv names the environment variable holding the
	// comma-separated signing keys of every network without its own
	PrivateKeysEnv string `yaml:"privateKeysEnv"`

	AccountSelection string `yaml:"accountSelection"`
	QueueSize        int    `yaml:"queueSize"`

	GasPriceStrategy   string        `yaml:"gasPriceStrategy"`
	TokenPriceStrategy string        `yaml:"tokenPriceStrategy"`
	GasPriceTTL        time.Duration `yaml:"gasPriceTTL"`
	TokenPriceTTL      time.Duration `yaml:"tokenPriceTTL"`

	PriceFeed pricefeed.Config `yaml:"priceFeed"`

	// PriceFeedAPIKeyEnv names the environment variable holding the price API key
	PriceFeedAPIKeyEnv string `yaml:"priceFeedApiKeyEnv"`

	SettlementCacheTTL time.Duration `yaml:"settlementCacheTTL"`

	Economics gas.Config `yaml:"economics"`

	Networks map[x402.Network]Network `yaml:"networks"`
}

// RateLimit bounds the request rate of one client address
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// Network configures one EVM network
type Network struct {
	RPCURL  string   `yaml:"rpcUrl"`
	Aliases []string `yaml:"aliases"`

	// PrivateKeysEnv overrides the top-level key variable for this network
	PrivateKeysEnv string `yaml:"privateKeysEnv"`

	Asset              Asset             `yaml:"asset"`
	SettlementRouter   string            `yaml:"settlementRouter"`
	Hooks              map[string]string `yaml:"hooks"`
	NativeTokenPriceID string            `yaml:"nativeTokenPriceId"`

	// StaticGasPrice is the static gas price in wei, as a decimal string
	StaticGasPrice string `yaml:"staticGasPrice"`

	StaticNativeTokenPriceUSD float64 `yaml:"staticNativeTokenPriceUsd"`
}

// Asset overrides the default settlement token of a network
type Asset struct {
	Address  string `yaml:"address"`
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	Decimals int    `yaml:"decimals"`
}

// Load reads and validates the configuration file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, x402.NewConfigurationError("read config", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML configuration
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, x402.NewConfigurationError("decode config", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used for every field a file leaves unset
func Default() *Config {
	return &Config{
		ListenAddress:   DefaultListenAddress,
		LogLevel:        "info",
		LogFormat:       "json",
		ShutdownTimeout: DefaultShutdownTimeout,
		RequestTimeout:  DefaultRequestTimeout,
		RateLimit: RateLimit{
			RequestsPerSecond: DefaultRequestsPerSecond,
			Burst:             DefaultRateLimitBurst,
		},
		PrivateKeysEnv:     DefaultPrivateKeysEnv,
		QueueSize:          accountpool.DefaultQueueSize,
		GasPriceStrategy:   string(gas.StrategyHybrid),
		TokenPriceStrategy: string(gas.StrategyHybrid),
		GasPriceTTL:        gas.DefaultGasPriceTTL,
		TokenPriceTTL:      gas.DefaultTokenPriceTTL,
		SettlementCacheTTL: DefaultSettlementCacheTTL,
		Economics:          gas.DefaultConfig(),
	}
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.PrivateKeysEnv == "" {
		c.PrivateKeysEnv = DefaultPrivateKeysEnv
	}
	if c.QueueSize <= 0 {
		c.QueueSize = accountpool.DefaultQueueSize
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.SettlementCacheTTL <= 0 {
		c.SettlementCacheTTL = DefaultSettlementCacheTTL
	}
	if c.Economics.HookGasOverhead == nil {
		c.Economics.HookGasOverhead = map[string]uint64{}
	}
	if _, ok := c.Economics.HookGasOverhead[evm.HookTypeCustom]; !ok {
		c.Economics.HookGasOverhead[evm.HookTypeCustom] = gas.DefaultConfig().HookGasOverhead[evm.HookTypeCustom]
	}
}

// Validate checks the configuration; every failure is a ConfigurationError
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return x402.NewConfigurationError(fmt.Sprintf(format, args...), nil)
	}

	if len(c.Networks) == 0 {
		return invalid("no networks configured")
	}
	if _, err := accountpool.ParseStrategy(c.AccountSelection); err != nil {
		return x402.NewConfigurationError("accountSelection", err)
	}
	if _, err := gas.ParseStrategy(c.GasPriceStrategy); err != nil {
		return x402.NewConfigurationError("gasPriceStrategy", err)
	}
	if _, err := gas.ParseStrategy(c.TokenPriceStrategy); err != nil {
		return x402.NewConfigurationError("tokenPriceStrategy", err)
	}
	if err := c.Economics.Validate(); err != nil {
		return x402.NewConfigurationError("economics", err)
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return invalid("rate limit must not be negative")
	}

	gasStrategy, _ := gas.ParseStrategy(c.GasPriceStrategy)
	tokenStrategy, _ := gas.ParseStrategy(c.TokenPriceStrategy)

	for network, n := range c.Networks {
		if _, _, err := network.Parse(); err != nil {
			return x402.NewConfigurationError("networks", err)
		}
		if strings.TrimSpace(n.RPCURL) == "" {
			return invalid("network %s has no rpcUrl", network)
		}
		if n.SettlementRouter != "" && !evm.IsValidAddress(n.SettlementRouter) {
			return invalid("network %s has an invalid settlementRouter %q", network, n.SettlementRouter)
		}
		for hookType, addr := range n.Hooks {
			if !evm.IsValidAddress(addr) {
				return invalid("network %s has an invalid %s hook address %q", network, hookType, addr)
			}
		}
		if n.Asset.Address != "" && !evm.IsValidAddress(n.Asset.Address) {
			return invalid("network %s has an invalid asset address %q", network, n.Asset.Address)
		}
		if n.StaticGasPrice != "" {
			if p, ok := new(big.Int).SetString(n.StaticGasPrice, 10); !ok || p.Sign() <= 0 {
				return invalid("network %s has an invalid staticGasPrice %q", network, n.StaticGasPrice)
			}
		} else if gasStrategy != gas.StrategyDynamic {
			return invalid("network %s needs staticGasPrice for the %s gas price strategy", network, gasStrategy)
		}
		if n.StaticNativeTokenPriceUSD < 0 {
			return invalid("network %s has a negative staticNativeTokenPriceUsd", network)
		}
		if n.StaticNativeTokenPriceUSD == 0 && tokenStrategy != gas.StrategyDynamic {
			return invalid("network %s needs staticNativeTokenPriceUsd for the %s token price strategy", network, tokenStrategy)
		}
	}
	return nil
}

// NetworkRegistry builds the registry of the configured networks. Built-in
// network defaults fill fields a network leaves empty, and built-in aliases
// of configured networks are kept.
func (c *Config) NetworkRegistry() (*evm.NetworkRegistry, error) {
	defaults := evm.DefaultNetworkConfigs()
	configs := make(map[x402.Network]evm.NetworkConfig, len(c.Networks))
	aliases := make(map[string]x402.Network)

	for alias, network := range evm.DefaultNetworkAliases() {
		if _, ok := c.Networks[network]; ok {
			aliases[alias] = network
		}
	}

	for network, n := range c.Networks {
		nc := defaults[network]
		if n.Asset.Address != "" {
			nc.DefaultAsset = evm.AssetInfo{
				Address:  n.Asset.Address,
				Name:     n.Asset.Name,
				Version:  n.Asset.Version,
				Decimals: n.Asset.Decimals,
			}
			if nc.DefaultAsset.Decimals == 0 {
				nc.DefaultAsset.Decimals = evm.DefaultDecimals
			}
		}
		if nc.DefaultAsset.Address == "" {
			return nil, x402.NewConfigurationError(fmt.Sprintf("network %s has no asset", network), nil)
		}
		nc.SettlementRouter = n.SettlementRouter
		nc.Hooks = n.Hooks
		if n.NativeTokenPriceID != "" {
			nc.NativeTokenPriceID = n.NativeTokenPriceID
		}
		configs[network] = nc

		for _, alias := range n.Aliases {
			aliases[alias] = network
		}
	}

	registry, err := evm.NewNetworkRegistry(configs, aliases)
	if err != nil {
		return nil, x402.NewConfigurationError("networks", err)
	}
	return registry, nil
}

// PrivateKeys returns the signing keys of network read through getenv.
// Keys are comma or whitespace separated.
func (c *Config) PrivateKeys(network x402.Network, getenv func(string) string) ([]string, error) {
	env := c.PrivateKeysEnv
	if n, ok := c.Networks[network]; ok && n.PrivateKeysEnv != "" {
		env = n.PrivateKeysEnv
	}
	keys := strings.FieldsFunc(getenv(env), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	if len(keys) == 0 {
		return nil, x402.NewConfigurationError(fmt.Sprintf("no private keys in $%s for network %s", env, network), nil)
	}
	return keys, nil
}

// PriceFeedConfig returns the price feed configuration with its API key read through getenv
func (c *Config) PriceFeedConfig(getenv func(string) string) pricefeed.Config {
	pf := c.PriceFeed
	if c.PriceFeedAPIKeyEnv != "" {
		pf.APIKey = getenv(c.PriceFeedAPIKeyEnv)
	}
	return pf
}

// StaticGasPrices returns the configured static gas prices
func (c *Config) StaticGasPrices() gas.StaticGasPrices {
	out := make(gas.StaticGasPrices, len(c.Networks))
	for network, n := range c.Networks {
		if p, ok := new(big.Int).SetString(n.StaticGasPrice, 10); ok {
			out[network] = p
		}
	}
	return out
}

// StaticTokenPrices returns the configured static native token prices
func (c *Config) StaticTokenPrices() gas.StaticTokenPrices {
	out := make(gas.StaticTokenPrices, len(c.Networks))
	for network, n := range c.Networks {
		if n.StaticNativeTokenPriceUSD > 0 {
			out[network] = n.StaticNativeTokenPriceUSD
		}
	}
	return out
}

// PoolOptions returns the account pool options of the configuration
func (c *Config) PoolOptions() []accountpool.Option {
	strategy, _ := accountpool.ParseStrategy(c.AccountSelection)
	return []accountpool.Option{
		accountpool.WithStrategy(strategy),
		accountpool.WithQueueSize(c.QueueSize),
	}
}
