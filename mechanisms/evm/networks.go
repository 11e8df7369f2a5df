package evm

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	x402 "github.com/x402x/facilitator"
)

// NetworkRegistry resolves network names to their configuration.
// It is built once at startup; lookups never consult the environment.
type NetworkRegistry struct {
	configs map[x402.Network]NetworkConfig
	aliases map[string]x402.Network
}

// NewNetworkRegistry creates a registry from canonical CAIP-2 configs and
// additional aliases (e.g. "base-sepolia" -> "eip155:84532").
// Every network is also reachable by its lowercased canonical name.
func NewNetworkRegistry(configs map[x402.Network]NetworkConfig, aliases map[string]x402.Network) (*NetworkRegistry, error) {
	r := &NetworkRegistry{
		configs: make(map[x402.Network]NetworkConfig, len(configs)),
		aliases: make(map[string]x402.Network, len(configs)+len(aliases)),
	}

	for network, cfg := range configs {
		namespace, reference, err := network.Parse()
		if err != nil {
			return nil, err
		}
		if namespace != "eip155" {
			return nil, fmt.Errorf("network %s is not an eip155 network", network)
		}
		if cfg.ChainID == nil {
			id, ok := new(big.Int).SetString(reference, 10)
			if !ok {
				return nil, fmt.Errorf("network %s has no numeric chain id", network)
			}
			cfg.ChainID = id
		} else if cfg.ChainID.String() != reference {
			return nil, fmt.Errorf("network %s configured with chain id %s", network, cfg.ChainID)
		}
		r.configs[network] = cfg
		r.aliases[strings.ToLower(string(network))] = network
	}

	for alias, network := range aliases {
		if _, ok := r.configs[network]; !ok {
			return nil, fmt.Errorf("alias %q points to unknown network %s", alias, network)
		}
		key := strings.ToLower(strings.TrimSpace(alias))
		if existing, ok := r.aliases[key]; ok && existing != network {
			return nil, fmt.Errorf("alias %q already points to %s", alias, existing)
		}
		r.aliases[key] = network
	}

	return r, nil
}

// DefaultNetworkRegistry returns the built-in Base networks with their USDC
// assets. Settlement routers and hooks are deployment specific and come from
// configuration.
func DefaultNetworkRegistry() *NetworkRegistry {
	r, err := NewNetworkRegistry(DefaultNetworkConfigs(), DefaultNetworkAliases())
	if err != nil {
		panic(err)
	}
	return r
}

// DefaultNetworkConfigs returns a fresh copy of the built-in network table
func DefaultNetworkConfigs() map[x402.Network]NetworkConfig {
	return map[x402.Network]NetworkConfig{
		// Base Mainnet
		"eip155:8453": {
			ChainID: ChainIDBase,
			DefaultAsset: AssetInfo{
				Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", // USDC on Base
				Name:     "USD Coin",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
			NativeTokenPriceID: "ethereum",
		},
		// Base Sepolia Testnet
		"eip155:84532": {
			ChainID: ChainIDBaseSepolia,
			DefaultAsset: AssetInfo{
				Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e", // USDC on Base Sepolia
				Name:     "USDC",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
			NativeTokenPriceID: "ethereum",
		},
	}
}

// DefaultNetworkAliases returns the legacy v1 names of the built-in networks
func DefaultNetworkAliases() map[string]x402.Network {
	return map[string]x402.Network{
		"base":         "eip155:8453",
		"base-sepolia": "eip155:84532",
	}
}

// Resolve maps a canonical name or alias to the canonical network and its config
func (r *NetworkRegistry) Resolve(name string) (x402.Network, NetworkConfig, error) {
	network, ok := r.aliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", NetworkConfig{}, fmt.Errorf("unsupported network: %s", name)
	}
	return network, r.configs[network], nil
}

// Config returns the configuration of a network
func (r *NetworkRegistry) Config(network x402.Network) (NetworkConfig, error) {
	_, cfg, err := r.Resolve(string(network))
	return cfg, err
}

// Networks returns the canonical networks in sorted order
func (r *NetworkRegistry) Networks() []x402.Network {
	out := make([]x402.Network, 0, len(r.configs))
	for network := range r.configs {
		out = append(out, network)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// KnownHooks returns the built-in hook addresses of a network keyed by hook type
func (r *NetworkRegistry) KnownHooks(network x402.Network) map[string]string {
	cfg, err := r.Config(network)
	if err != nil {
		return nil
	}
	return cfg.Hooks
}

// GetAssetInfo returns the asset information of a network's token.
// An empty asset means the network default. Unknown tokens get the default
// decimals and no EIP-712 domain name; callers supply those via extra.
func (r *NetworkRegistry) GetAssetInfo(network x402.Network, asset string) (AssetInfo, error) {
	cfg, err := r.Config(network)
	if err != nil {
		return AssetInfo{}, err
	}
	return cfg.AssetInfo(asset)
}

// AssetInfo returns the asset information for a token of this network
func (c NetworkConfig) AssetInfo(asset string) (AssetInfo, error) {
	if asset == "" || strings.EqualFold(asset, c.DefaultAsset.Address) {
		return c.DefaultAsset, nil
	}
	if !IsValidAddress(asset) {
		return AssetInfo{}, fmt.Errorf("invalid asset address: %s", asset)
	}
	return AssetInfo{Address: asset, Decimals: DefaultDecimals}, nil
}
