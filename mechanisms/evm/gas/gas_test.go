package gas

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/mechanisms/evm"
	"github.com/x402x/facilitator/mechanisms/evm/hooks"
)

const (
	sepolia      = x402.Network("eip155:84532")
	transferHook = "0x4DB0A8A0bfAE6a2E5E0bD1C9d2d6Bc1F1C7b6A8e"
	customHook   = "0xABCdef0123456789ABCdef0123456789ABCdef01"
)

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

func scenarioConfig() Config {
	cfg := DefaultConfig()
	cfg.MinGasLimit = 150_000
	cfg.MaxGasLimit = 500_000
	cfg.DynamicGasLimitMargin = 0.2
	return cfg
}

func TestEffectiveGasLimitScenarios(t *testing.T) {
	cfg := scenarioConfig()

	// 1 USDC buys ~26,666 gas at 10 gwei and $3000, below the floor
	assert.Equal(t, uint64(150_000), EffectiveGasLimit(big.NewInt(1_000_000), 6, gwei(10), 3000, cfg))

	// 100 USDC buys ~2,666,666 gas, above the cap
	assert.Equal(t, uint64(500_000), EffectiveGasLimit(big.NewInt(100_000_000), 6, gwei(10), 3000, cfg))

	// 12 USDC buys floor(9.6 / 0.00003) = 320,000 gas
	assert.Equal(t, uint64(320_000), EffectiveGasLimit(big.NewInt(12_000_000), 6, gwei(10), 3000, cfg))
}

func TestEffectiveGasLimitFailsSafe(t *testing.T) {
	cfg := scenarioConfig()
	fee := big.NewInt(100_000_000)

	for _, price := range []float64{0, -1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		assert.Equal(t, cfg.MinGasLimit, EffectiveGasLimit(fee, 6, gwei(10), price, cfg), "price %v", price)
	}
	assert.Equal(t, cfg.MinGasLimit, EffectiveGasLimit(fee, 6, nil, 3000, cfg))
	assert.Equal(t, cfg.MinGasLimit, EffectiveGasLimit(fee, 6, big.NewInt(0), 3000, cfg))
	assert.Equal(t, cfg.MinGasLimit, EffectiveGasLimit(big.NewInt(0), 6, gwei(10), 3000, cfg))
}

func TestEffectiveGasLimitMonotonicAndBounded(t *testing.T) {
	cfg := scenarioConfig()

	prev := uint64(0)
	for fee := int64(1); fee <= 1_000_000_000; fee = fee*3 + 7 {
		got := EffectiveGasLimit(big.NewInt(fee), 6, gwei(10), 3000, cfg)
		require.GreaterOrEqual(t, got, prev, "fee %d", fee)
		require.GreaterOrEqual(t, got, cfg.MinGasLimit)
		require.LessOrEqual(t, got, cfg.MaxGasLimit)
		prev = got
	}
	assert.Equal(t, cfg.MaxGasLimit, prev)
}

func newTestCalculator(t *testing.T, cfg Config, gasPrice *big.Int, nativePrice float64) *Calculator {
	t.Helper()

	configs := evm.DefaultNetworkConfigs()
	netCfg := configs[sepolia]
	netCfg.Hooks = map[string]string{evm.HookTypeTransfer: transferHook}
	configs[sepolia] = netCfg
	registry, err := evm.NewNetworkRegistry(configs, evm.DefaultNetworkAliases())
	require.NoError(t, err)

	validator, err := hooks.NewValidator(cfg.Config, registry)
	require.NoError(t, err)

	c, err := NewCalculator(cfg, validator,
		StaticGasPrices{sepolia: gasPrice},
		StaticTokenPrices{sepolia: nativePrice})
	require.NoError(t, err)
	return c
}

func allowAll(cfg Config) Config {
	cfg.AllowedHooks = map[string][]string{"base-sepolia": {transferHook, customHook}}
	return cfg
}

func TestGasLimit(t *testing.T) {
	c := newTestCalculator(t, allowAll(DefaultConfig()), gwei(1), 3000)

	limit, err := c.GasLimit(sepolia, transferHook, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultMinGasLimit+hooks.DefaultTransferMinimalOverhead, limit)

	limit, err = c.GasLimit(sepolia, customHook, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultMinGasLimit+hooks.DefaultCustomOverhead, limit)
}

func TestGasLimitExceeded(t *testing.T) {
	cfg := allowAll(DefaultConfig())
	cfg.MaxGasLimit = 200_000
	c := newTestCalculator(t, cfg, gwei(1), 3000)

	_, err := c.GasLimit(sepolia, customHook, nil)
	var guard *x402.EconomicGuardError
	require.ErrorAs(t, err, &guard)
	assert.Equal(t, ErrGasLimitExceeded, guard.Code)
	assert.Equal(t, "250000", guard.Details["gasLimit"])
}

func TestMinFacilitatorFee(t *testing.T) {
	c := newTestCalculator(t, allowAll(DefaultConfig()), gwei(1), 3000)

	result, err := c.MinFacilitatorFee(context.Background(), sepolia, transferHook, nil, 6)
	require.NoError(t, err)

	// 165,000 gas × 1 gwei = 0.000165 ETH = $0.495, ×1.5 = $0.7425
	assert.Equal(t, evm.HookTypeTransfer, result.HookType)
	assert.Equal(t, uint64(165_000), result.GasLimit)
	assert.Equal(t, "165000000000000", result.GasCostNative.String())
	assert.Equal(t, "0.495", result.GasCostUSD.String())
	assert.Equal(t, "0.7425", result.FinalCostUSD.String())
	assert.Equal(t, "742500", result.MinFacilitatorFee.String())

	details := result.Details()
	assert.Equal(t, "742500", details["minFacilitatorFee"])
	assert.Equal(t, "1000000000", details["gasPrice"])
}

func TestMinFacilitatorFeeRoundsUp(t *testing.T) {
	c := newTestCalculator(t, allowAll(DefaultConfig()), big.NewInt(1), 3000)

	result, err := c.MinFacilitatorFee(context.Background(), sepolia, transferHook, nil, 6)
	require.NoError(t, err)

	require.True(t, result.FinalCostUSD.IsPositive())
	assert.Equal(t, "1", result.MinFacilitatorFee.String(), "a fraction of the smallest unit must round up")
}

func TestMinFacilitatorFeeRejectsUnlistedHook(t *testing.T) {
	c := newTestCalculator(t, DefaultConfig(), gwei(1), 3000)

	result, err := c.MinFacilitatorFee(context.Background(), sepolia, customHook, nil, 6)
	var ve *x402.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, hooks.ErrHookNotAllowed, ve.Code)
	assert.Equal(t, false, ve.Details["hookAllowed"])
	assert.False(t, result.HookAllowed)
}

func TestMinFacilitatorFeeNeedsValidPrice(t *testing.T) {
	c := newTestCalculator(t, allowAll(DefaultConfig()), gwei(1), 0)

	_, err := c.MinFacilitatorFee(context.Background(), sepolia, transferHook, nil, 6)
	var guard *x402.EconomicGuardError
	require.ErrorAs(t, err, &guard)
	assert.Equal(t, ErrNativePriceUnavailable, guard.Code)
}

func TestIsFeeSufficient(t *testing.T) {
	cfg := allowAll(DefaultConfig())
	exact := newTestCalculator(t, cfg, gwei(1), 3000)
	assert.True(t, exact.IsFeeSufficient(big.NewInt(1000), big.NewInt(1000)))
	assert.False(t, exact.IsFeeSufficient(big.NewInt(999), big.NewInt(1000)))
	assert.False(t, exact.IsFeeSufficient(nil, big.NewInt(1000)))

	cfg.FeeTolerance = 0.1
	tolerant := newTestCalculator(t, cfg, gwei(1), 3000)
	assert.True(t, tolerant.IsFeeSufficient(big.NewInt(900), big.NewInt(1000)))
	assert.False(t, tolerant.IsFeeSufficient(big.NewInt(899), big.NewInt(1000)))
	// ceil(5 × 0.9) = 5
	assert.False(t, tolerant.IsFeeSufficient(big.NewInt(4), big.NewInt(5)))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	for name, mutate := range map[string]func(*Config){
		"zero min":          func(c *Config) { c.MinGasLimit = 0 },
		"max below min":     func(c *Config) { c.MaxGasLimit = c.MinGasLimit - 1 },
		"margin above one":  func(c *Config) { c.DynamicGasLimitMargin = 1.1 },
		"negative margin":   func(c *Config) { c.DynamicGasLimitMargin = -0.1 },
		"discount":          func(c *Config) { c.SafetyMultiplier = 0.9 },
		"tolerance too big": func(c *Config) { c.FeeTolerance = 1 },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestFullMarginPinsMinimumGasLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DynamicGasLimitMargin = 1
	require.NoError(t, cfg.Validate())

	// the whole fee is withheld, nothing is left to buy gas beyond the floor
	limit := EffectiveGasLimit(big.NewInt(1_000_000_000), 6, gwei(1), 3000, cfg)
	assert.Equal(t, cfg.MinGasLimit, limit)
}

func TestPriceCacheTTL(t *testing.T) {
	clk := clock.NewMock()
	cache := NewPriceCache[float64](time.Minute, clk)

	var calls atomic.Int32
	fetch := func(context.Context) (float64, error) {
		return float64(calls.Add(1)), nil
	}

	v, err := cache.Get(context.Background(), "eth", fetch)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)

	clk.Add(59 * time.Second)
	v, _ = cache.Get(context.Background(), "eth", fetch)
	assert.Equal(t, 1.0, v, "value is fresh within the TTL")

	clk.Add(time.Second)
	v, _ = cache.Get(context.Background(), "eth", fetch)
	assert.Equal(t, 2.0, v, "value is refetched once the TTL passes")

	cache.Invalidate("eth")
	v, _ = cache.Get(context.Background(), "eth", fetch)
	assert.Equal(t, 3.0, v)
}

func TestPriceCacheErrorIsNotCached(t *testing.T) {
	cache := NewPriceCache[float64](time.Minute, clock.NewMock())

	_, err := cache.Get(context.Background(), "eth", func(context.Context) (float64, error) {
		return 0, errors.New("feed down")
	})
	require.Error(t, err)

	v, err := cache.Get(context.Background(), "eth", func(context.Context) (float64, error) {
		return 3000, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3000.0, v)
}

func TestPriceCacheCoalescesRefresh(t *testing.T) {
	cache := NewPriceCache[float64](time.Minute, clock.NewMock())

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(context.Context) (float64, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return 3000, nil
	}

	var wg sync.WaitGroup
	results := make([]float64, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = cache.Get(context.Background(), "eth", fetch)
		}(i)
	}

	<-started
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, 3000.0, r)
	}
}

func TestPriceCacheFetchOutlivesCanceledCaller(t *testing.T) {
	cache := NewPriceCache[float64](time.Minute, clock.NewMock())

	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context) (float64, error) {
		close(started)
		select {
		case <-release:
			return 3000, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.Get(firstCtx, "eth", fetch)
		firstErr <- err
	}()
	<-started

	second := make(chan float64, 1)
	go func() {
		v, _ := cache.Get(context.Background(), "eth", fetch)
		second <- v
	}()

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	select {
	case v := <-second:
		assert.Equal(t, 3000.0, v)
	case <-time.After(time.Second):
		t.Fatal("waiter did not receive the shared price")
	}

	v, err := cache.Get(context.Background(), "eth", func(context.Context) (float64, error) {
		return 0, errors.New("should be cached")
	})
	require.NoError(t, err)
	assert.Equal(t, 3000.0, v)
}

func TestHybridSourcesFallBackToStatic(t *testing.T) {
	failing := func(context.Context, x402.Network) (*big.Int, error) {
		return nil, errors.New("rpc down")
	}
	src, err := NewGasPriceSource(StrategyHybrid, StaticGasPrices{sepolia: gwei(2)}, failing, SourceOptions{Clock: clock.NewMock()})
	require.NoError(t, err)

	price, err := src.GasPrice(context.Background(), sepolia)
	require.NoError(t, err)
	assert.Equal(t, gwei(2).String(), price.String())

	dynamic, err := NewGasPriceSource(StrategyDynamic, nil, failing, SourceOptions{Clock: clock.NewMock()})
	require.NoError(t, err)
	_, err = dynamic.GasPrice(context.Background(), sepolia)
	assert.Error(t, err)

	nanFeed := func(context.Context, x402.Network) (float64, error) { return math.NaN(), nil }
	tokens, err := NewTokenPriceSource(StrategyHybrid, StaticTokenPrices{sepolia: 2500}, nanFeed, SourceOptions{})
	require.NoError(t, err)
	p, err := tokens.NativeTokenPriceUSD(context.Background(), sepolia)
	require.NoError(t, err)
	assert.Equal(t, 2500.0, p)
}

func TestDynamicGasPriceIsCached(t *testing.T) {
	clk := clock.NewMock()
	var calls atomic.Int32
	fetch := func(context.Context, x402.Network) (*big.Int, error) {
		calls.Add(1)
		return gwei(3), nil
	}
	src, err := NewGasPriceSource(StrategyDynamic, nil, fetch, SourceOptions{Clock: clk})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := src.GasPrice(context.Background(), sepolia)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())

	clk.Add(DefaultGasPriceTTL)
	_, err = src.GasPrice(context.Background(), sepolia)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNewSourceRejectsMissingFetcher(t *testing.T) {
	_, err := NewGasPriceSource(StrategyDynamic, nil, nil, SourceOptions{})
	assert.Error(t, err)
	_, err = NewTokenPriceSource("spot", nil, nil, SourceOptions{})
	assert.Error(t, err)

	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyHybrid, s)
}
