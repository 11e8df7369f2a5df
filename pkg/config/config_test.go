package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/mechanisms/evm/gas"
	"github.com/x402x/facilitator/pkg/accountpool"
)

const sample = `
listen: ":8080"
logLevel: debug
accountSelection: random
gasPriceStrategy: hybrid
tokenPriceTTL: 30m
priceFeed:
  baseUrl: http://prices.local
  timeout: 3s
priceFeedApiKeyEnv: PRICE_KEY
economics:
  minGasLimit: 160000
  safetyMultiplier: 2
  feeTolerance: 0.05
  allowedHooks:
    base-sepolia:
      - "0x6b3C0Bc24A5C3D56b6a3CB5dF6f2a4b2a6B1e2A1"
  hookGasOverhead:
    mint: 120000
networks:
  "eip155:84532":
    rpcUrl: https://sepolia.base.org
    aliases: [bsep]
    privateKeysEnv: SEPOLIA_KEYS
    settlementRouter: "0x817e4f0ee2fbdaac426f1178e149f7dc98873ecb"
    hooks:
      transfer: "0x6b3C0Bc24A5C3D56b6a3CB5dF6f2a4b2a6B1e2A1"
    staticGasPrice: "1000000000"
    staticNativeTokenPriceUsd: 3000
  "eip155:8453":
    rpcUrl: https://mainnet.base.org
    staticGasPrice: "2000000000"
    staticNativeTokenPriceUsd: 3100
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddress)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 30*time.Minute, cfg.TokenPriceTTL)
	assert.Equal(t, gas.DefaultGasPriceTTL, cfg.GasPriceTTL)
	assert.Equal(t, 3*time.Second, cfg.PriceFeed.Timeout)
	assert.Equal(t, DefaultSettlementCacheTTL, cfg.SettlementCacheTTL)
	assert.Equal(t, accountpool.DefaultQueueSize, cfg.QueueSize)

	// Unset economics keep their defaults
	assert.Equal(t, uint64(160000), cfg.Economics.MinGasLimit)
	assert.Equal(t, gas.DefaultMaxGasLimit, cfg.Economics.MaxGasLimit)
	assert.Equal(t, 2.0, cfg.Economics.SafetyMultiplier)
	assert.True(t, cfg.Economics.HookWhitelistEnabled)
	assert.Equal(t, uint64(120000), cfg.Economics.HookGasOverhead["mint"])
	assert.Equal(t, uint64(100000), cfg.Economics.HookGasOverhead["custom"])
	assert.Equal(t, gas.DefaultConfig().TransferPerRecipientOverhead, cfg.Economics.TransferPerRecipientOverhead)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facilitator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Networks, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	var cfgErr *x402.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestNetworkRegistry(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	registry, err := cfg.NetworkRegistry()
	require.NoError(t, err)

	assert.Equal(t, []x402.Network{"eip155:8453", "eip155:84532"}, registry.Networks())

	for _, name := range []string{"eip155:84532", "base-sepolia", "BSEP"} {
		network, nc, err := registry.Resolve(name)
		require.NoError(t, err, name)
		assert.Equal(t, x402.Network("eip155:84532"), network)
		assert.Equal(t, "0x817e4f0ee2fbdaac426f1178e149f7dc98873ecb", nc.SettlementRouter)
		assert.Equal(t, "0x036CbD53842c5426634e7929541eC2318f3dCF7e", nc.DefaultAsset.Address)
		assert.Equal(t, "ethereum", nc.NativeTokenPriceID)
	}

	network, _, err := registry.Resolve("base")
	require.NoError(t, err)
	assert.Equal(t, x402.Network("eip155:8453"), network)
}

func TestUnknownNetworkNeedsAsset(t *testing.T) {
	cfg, err := Parse([]byte(`
networks:
  "eip155:10":
    rpcUrl: https://mainnet.optimism.io
    staticGasPrice: "1000"
    staticNativeTokenPriceUsd: 3000
`))
	require.NoError(t, err)

	_, err = cfg.NetworkRegistry()
	var cfgErr *x402.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no networks", `listen: ":1"`},
		{"unknown field", "networks: {}\nbogus: 1"},
		{"bad strategy", `
accountSelection: fastest
networks:
  "eip155:8453": {rpcUrl: x, staticGasPrice: "1", staticNativeTokenPriceUsd: 1}`},
		{"bad price strategy", `
gasPriceStrategy: oracle
networks:
  "eip155:8453": {rpcUrl: x, staticGasPrice: "1", staticNativeTokenPriceUsd: 1}`},
		{"missing rpc", `
networks:
  "eip155:8453": {staticGasPrice: "1", staticNativeTokenPriceUsd: 1}`},
		{"bad router", `
networks:
  "eip155:8453": {rpcUrl: x, settlementRouter: nope, staticGasPrice: "1", staticNativeTokenPriceUsd: 1}`},
		{"static gas price required for hybrid", `
networks:
  "eip155:8453": {rpcUrl: x, staticNativeTokenPriceUsd: 1}`},
		{"bad static gas price", `
networks:
  "eip155:8453": {rpcUrl: x, staticGasPrice: "-5", staticNativeTokenPriceUsd: 1}`},
		{"bad economics", `
economics: {maxGasLimit: 10}
networks:
  "eip155:8453": {rpcUrl: x, staticGasPrice: "1", staticNativeTokenPriceUsd: 1}`},
		{"bad network name", `
networks:
  "base": {rpcUrl: x, staticGasPrice: "1", staticNativeTokenPriceUsd: 1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			var cfgErr *x402.ConfigurationError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}

	_, err := Parse([]byte(`
gasPriceStrategy: dynamic
tokenPriceStrategy: dynamic
networks:
  "eip155:8453": {rpcUrl: x}`))
	assert.NoError(t, err, "dynamic strategies need no static prices")
}

func TestPrivateKeys(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	env := map[string]string{
		DefaultPrivateKeysEnv: "0xaa, 0xbb",
		"SEPOLIA_KEYS":        "0xcc\n0xdd 0xee",
		"PRICE_KEY":           "k",
	}
	getenv := func(k string) string { return env[k] }

	keys, err := cfg.PrivateKeys("eip155:8453", getenv)
	require.NoError(t, err)
	assert.Equal(t, []string{"0xaa", "0xbb"}, keys)

	keys, err = cfg.PrivateKeys("eip155:84532", getenv)
	require.NoError(t, err)
	assert.Equal(t, []string{"0xcc", "0xdd", "0xee"}, keys)

	_, err = cfg.PrivateKeys("eip155:8453", func(string) string { return " , " })
	var cfgErr *x402.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	assert.Equal(t, "k", cfg.PriceFeedConfig(getenv).APIKey)
}

func TestStaticPrices(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	gp := cfg.StaticGasPrices()
	assert.Equal(t, "1000000000", gp["eip155:84532"].String())
	assert.Equal(t, "2000000000", gp["eip155:8453"].String())
	assert.Equal(t, 3100.0, cfg.StaticTokenPrices()["eip155:8453"])
	assert.Len(t, cfg.PoolOptions(), 2)
}
