package gas

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	x402 "github.com/x402x/facilitator"
)

// Strategy selects how a price is obtained
type Strategy string

const (
	// StrategyStatic uses fixed per-network prices from configuration
	StrategyStatic Strategy = "static"
	// StrategyDynamic fetches live prices through a TTL cache
	StrategyDynamic Strategy = "dynamic"
	// StrategyHybrid tries dynamic and falls back to static on failure
	StrategyHybrid Strategy = "hybrid"
)

// Cache lifetimes of dynamic prices
const (
	DefaultGasPriceTTL   = 5 * time.Minute
	DefaultTokenPriceTTL = time.Hour
)

// ParseStrategy parses a strategy name; empty means hybrid
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyHybrid, nil
	case StrategyStatic, StrategyDynamic, StrategyHybrid:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown price strategy %q", s)
}

// GasPriceSource returns the gas price of a network in wei
type GasPriceSource interface {
	GasPrice(ctx context.Context, network x402.Network) (*big.Int, error)
}

// TokenPriceSource returns the USD price of a network's native token
type TokenPriceSource interface {
	NativeTokenPriceUSD(ctx context.Context, network x402.Network) (float64, error)
}

// GasPriceFetcher reads the live gas price of a network
type GasPriceFetcher func(ctx context.Context, network x402.Network) (*big.Int, error)

// DefaultPriceFetchTimeout bounds a single shared price fetch
const DefaultPriceFetchTimeout = 30 * time.Second

// TokenPriceFetcher reads the live native token price of a network
type TokenPriceFetcher func(ctx context.Context, network x402.Network) (float64, error)

// PriceCache holds fetched prices for a TTL. Concurrent refreshes of the
// same key share one fetch.
type PriceCache[V any] struct {
	ttl          time.Duration
	fetchTimeout time.Duration
	clock        clock.Clock
	group        singleflight.Group

	mu      sync.RWMutex
	entries map[string]priceEntry[V]
}

type priceEntry[V any] struct {
	value     V
	fetchedAt time.Time
}

// NewPriceCache creates a cache. A nil clock means the wall clock.
func NewPriceCache[V any](ttl time.Duration, clk clock.Clock) *PriceCache[V] {
	if clk == nil {
		clk = clock.New()
	}
	return &PriceCache[V]{
		ttl:          ttl,
		fetchTimeout: DefaultPriceFetchTimeout,
		clock:        clk,
		entries:      make(map[string]priceEntry[V]),
	}
}

// Get returns the cached value of key, calling fetch when it is missing or
// expired. The shared fetch runs detached from any one caller, so a caller
// that gives up does not fail the others waiting on it.
func (c *PriceCache[V]) Get(ctx context.Context, key string, fetch func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.fresh(key); ok {
		return v, nil
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		if v, ok := c.fresh(key); ok {
			return v, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		v, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = priceEntry[V]{value: v, fetchedAt: c.clock.Now()}
		c.mu.Unlock()
		return v, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

// Invalidate drops the cached value of key
func (c *PriceCache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *PriceCache[V]) fresh(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || c.clock.Since(e.fetchedAt) >= c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

// StaticGasPrices are fixed gas prices in wei per network
type StaticGasPrices map[x402.Network]*big.Int

func (s StaticGasPrices) GasPrice(_ context.Context, network x402.Network) (*big.Int, error) {
	price, ok := s[network]
	if !ok || price == nil {
		return nil, fmt.Errorf("no static gas price for %s", network)
	}
	return new(big.Int).Set(price), nil
}

// StaticTokenPrices are fixed native token USD prices per network
type StaticTokenPrices map[x402.Network]float64

func (s StaticTokenPrices) NativeTokenPriceUSD(_ context.Context, network x402.Network) (float64, error) {
	price, ok := s[network]
	if !ok {
		return 0, fmt.Errorf("no static token price for %s", network)
	}
	return price, nil
}

// DynamicGasPrices fetches gas prices through a PriceCache
type DynamicGasPrices struct {
	fetch GasPriceFetcher
	cache *PriceCache[*big.Int]
}

// NewDynamicGasPrices creates a dynamic gas price source
func NewDynamicGasPrices(fetch GasPriceFetcher, cache *PriceCache[*big.Int]) *DynamicGasPrices {
	return &DynamicGasPrices{fetch: fetch, cache: cache}
}

func (d *DynamicGasPrices) GasPrice(ctx context.Context, network x402.Network) (*big.Int, error) {
	price, err := d.cache.Get(ctx, string(network), func(ctx context.Context) (*big.Int, error) {
		p, err := d.fetch(ctx, network)
		if err != nil {
			return nil, err
		}
		if p == nil || p.Sign() <= 0 {
			return nil, fmt.Errorf("invalid gas price %v for %s", p, network)
		}
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gas price: %w", err)
	}
	return new(big.Int).Set(price), nil
}

// DynamicTokenPrices fetches native token prices through a PriceCache
type DynamicTokenPrices struct {
	fetch TokenPriceFetcher
	cache *PriceCache[float64]
}

// NewDynamicTokenPrices creates a dynamic token price source
func NewDynamicTokenPrices(fetch TokenPriceFetcher, cache *PriceCache[float64]) *DynamicTokenPrices {
	return &DynamicTokenPrices{fetch: fetch, cache: cache}
}

func (d *DynamicTokenPrices) NativeTokenPriceUSD(ctx context.Context, network x402.Network) (float64, error) {
	price, err := d.cache.Get(ctx, string(network), func(ctx context.Context) (float64, error) {
		p, err := d.fetch(ctx, network)
		if err != nil {
			return 0, err
		}
		if !validPrice(p) {
			return 0, fmt.Errorf("invalid token price %v for %s", p, network)
		}
		return p, nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch token price: %w", err)
	}
	return price, nil
}

type hybridGasPrices struct {
	dynamic GasPriceSource
	static  GasPriceSource
	logger  *zap.Logger
}

func (h *hybridGasPrices) GasPrice(ctx context.Context, network x402.Network) (*big.Int, error) {
	price, err := h.dynamic.GasPrice(ctx, network)
	if err == nil {
		return price, nil
	}
	h.logger.Warn("dynamic gas price unavailable, using static",
		zap.String("network", string(network)), zap.Error(err))
	return h.static.GasPrice(ctx, network)
}

type hybridTokenPrices struct {
	dynamic TokenPriceSource
	static  TokenPriceSource
	logger  *zap.Logger
}

func (h *hybridTokenPrices) NativeTokenPriceUSD(ctx context.Context, network x402.Network) (float64, error) {
	price, err := h.dynamic.NativeTokenPriceUSD(ctx, network)
	if err == nil {
		return price, nil
	}
	h.logger.Warn("dynamic token price unavailable, using static",
		zap.String("network", string(network)), zap.Error(err))
	return h.static.NativeTokenPriceUSD(ctx, network)
}

// SourceOptions carries the inputs of NewGasPriceSource and NewTokenPriceSource
type SourceOptions struct {
	TTL    time.Duration
	Clock  clock.Clock
	Logger *zap.Logger
}

func (o SourceOptions) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// NewGasPriceSource builds the gas price source of a strategy
func NewGasPriceSource(strategy Strategy, static StaticGasPrices, fetch GasPriceFetcher, opts SourceOptions) (GasPriceSource, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultGasPriceTTL
	}
	dynamic := func() (GasPriceSource, error) {
		if fetch == nil {
			return nil, fmt.Errorf("%s gas price strategy needs a fetcher", strategy)
		}
		return NewDynamicGasPrices(fetch, NewPriceCache[*big.Int](ttl, opts.Clock)), nil
	}

	switch strategy {
	case StrategyStatic:
		return static, nil
	case StrategyDynamic:
		return dynamic()
	case StrategyHybrid:
		d, err := dynamic()
		if err != nil {
			return nil, err
		}
		return &hybridGasPrices{dynamic: d, static: static, logger: opts.logger()}, nil
	}
	return nil, fmt.Errorf("unknown gas price strategy %q", strategy)
}

// NewTokenPriceSource builds the token price source of a strategy
func NewTokenPriceSource(strategy Strategy, static StaticTokenPrices, fetch TokenPriceFetcher, opts SourceOptions) (TokenPriceSource, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTokenPriceTTL
	}
	dynamic := func() (TokenPriceSource, error) {
		if fetch == nil {
			return nil, fmt.Errorf("%s token price strategy needs a fetcher", strategy)
		}
		return NewDynamicTokenPrices(fetch, NewPriceCache[float64](ttl, opts.Clock)), nil
	}

	switch strategy {
	case StrategyStatic:
		return static, nil
	case StrategyDynamic:
		return dynamic()
	case StrategyHybrid:
		d, err := dynamic()
		if err != nil {
			return nil, err
		}
		return &hybridTokenPrices{dynamic: d, static: static, logger: opts.logger()}, nil
	}
	return nil, fmt.Errorf("unknown token price strategy %q", strategy)
}

func validPrice(p float64) bool {
	return !math.IsNaN(p) && !math.IsInf(p, 0) && p > 0
}
