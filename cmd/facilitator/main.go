// Command facilitator runs the x402 settlement facilitator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	x402 "github.com/x402x/facilitator"
	x402http "github.com/x402x/facilitator/http"
	"github.com/x402x/facilitator/mechanisms/evm"
	"github.com/x402x/facilitator/mechanisms/evm/exact/facilitator"
	"github.com/x402x/facilitator/mechanisms/evm/gas"
	"github.com/x402x/facilitator/mechanisms/evm/hooks"
	"github.com/x402x/facilitator/pkg/accountpool"
	"github.com/x402x/facilitator/pkg/config"
	"github.com/x402x/facilitator/pkg/logging"
	"github.com/x402x/facilitator/pkg/metrics"
	"github.com/x402x/facilitator/pkg/pricefeed"
	evmsigners "github.com/x402x/facilitator/signers/evm"
)

const rateLimiterIdle = 10 * time.Minute

func main() {
	configPath := flag.String("config", "facilitator.yaml", "path to the YAML configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "facilitator: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	app, err := build(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer app.close(logger, cfg.ShutdownTimeout)

	server := x402http.NewServer(app.facilitator,
		x402http.WithServerLogger(logger),
		x402http.WithMetrics(m, m.Handler()),
		x402http.WithRateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		x402http.WithRequestTimeout(cfg.RequestTimeout),
		x402http.WithNetworkResolver(func(name string) (x402.Network, error) {
			network, _, err := app.registry.Resolve(name)
			return network, err
		}),
	)

	httpServer := &nethttp.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("facilitator listening",
			zap.String("addr", cfg.ListenAddress),
			zap.Int("networks", len(app.pools)))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := server.CleanupRateLimiter(rateLimiterIdle); n > 0 {
					logger.Debug("rate limiter cleaned", zap.Int("clients", n))
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

type application struct {
	facilitator *x402.X402Facilitator
	registry    *evm.NetworkRegistry
	pools       map[x402.Network]*accountpool.Pool[evm.FacilitatorEvmSigner]
	clients     map[x402.Network]*ethclient.Client
}

// build wires every configured network into one facilitator
func build(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*application, error) {
	registry, err := cfg.NetworkRegistry()
	if err != nil {
		return nil, err
	}

	f := x402.Newx402Facilitator(x402.WithFacilitatorLogger(logger))
	m.Instrument(f)

	app := &application{
		facilitator: f,
		registry:    registry,
		pools:       make(map[x402.Network]*accountpool.Pool[evm.FacilitatorEvmSigner]),
		clients:     make(map[x402.Network]*ethclient.Client),
	}

	for network, n := range cfg.Networks {
		client, err := ethclient.DialContext(ctx, n.RPCURL)
		if err != nil {
			app.close(logger, cfg.ShutdownTimeout)
			return nil, x402.NewConfigurationError(fmt.Sprintf("dial %s rpc", network), err)
		}
		app.clients[network] = client
	}

	calculator, validator, err := buildEconomics(cfg, registry, app.clients, logger)
	if err != nil {
		app.close(logger, cfg.ShutdownTimeout)
		return nil, err
	}

	for network := range cfg.Networks {
		if err := app.register(ctx, cfg, network, validator, calculator, logger, m); err != nil {
			app.close(logger, cfg.ShutdownTimeout)
			return nil, err
		}
	}
	return app, nil
}

func buildEconomics(
	cfg *config.Config,
	registry *evm.NetworkRegistry,
	clients map[x402.Network]*ethclient.Client,
	logger *zap.Logger,
) (*gas.Calculator, *hooks.Validator, error) {
	validator, err := hooks.NewValidator(cfg.Economics.Config, registry)
	if err != nil {
		return nil, nil, err
	}

	gasStrategy, err := gas.ParseStrategy(cfg.GasPriceStrategy)
	if err != nil {
		return nil, nil, x402.NewConfigurationError("gas price strategy", err)
	}
	tokenStrategy, err := gas.ParseStrategy(cfg.TokenPriceStrategy)
	if err != nil {
		return nil, nil, x402.NewConfigurationError("token price strategy", err)
	}

	fetchGasPrice := func(ctx context.Context, network x402.Network) (*big.Int, error) {
		client, ok := clients[network]
		if !ok {
			return nil, fmt.Errorf("no rpc client for %s", network)
		}
		return client.SuggestGasPrice(ctx)
	}
	gasPrices, err := gas.NewGasPriceSource(gasStrategy, cfg.StaticGasPrices(), fetchGasPrice,
		gas.SourceOptions{TTL: cfg.GasPriceTTL, Logger: logger})
	if err != nil {
		return nil, nil, x402.NewConfigurationError("gas price source", err)
	}

	ids := make(map[x402.Network]string)
	for _, network := range registry.Networks() {
		nc, err := registry.Config(network)
		if err == nil && nc.NativeTokenPriceID != "" {
			ids[network] = nc.NativeTokenPriceID
		}
	}
	feed := pricefeed.NewClient(cfg.PriceFeedConfig(os.Getenv))
	tokenPrices, err := gas.NewTokenPriceSource(tokenStrategy, cfg.StaticTokenPrices(), feed.TokenPriceFetcher(ids),
		gas.SourceOptions{TTL: cfg.TokenPriceTTL, Logger: logger})
	if err != nil {
		return nil, nil, x402.NewConfigurationError("token price source", err)
	}

	calculator, err := gas.NewCalculator(cfg.Economics, validator, gasPrices, tokenPrices, gas.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return calculator, validator, nil
}

func (a *application) register(
	ctx context.Context,
	cfg *config.Config,
	network x402.Network,
	validator *hooks.Validator,
	calculator *gas.Calculator,
	logger *zap.Logger,
	m *metrics.Metrics,
) error {
	nc, err := a.registry.Config(network)
	if err != nil {
		return err
	}
	keys, err := cfg.PrivateKeys(network, os.Getenv)
	if err != nil {
		return err
	}

	poolOpts := append(cfg.PoolOptions(),
		accountpool.WithLogger(logger),
		accountpool.WithObserver(m))
	pool, err := evmsigners.NewAccountPool(ctx, network, keys, a.clients[network],
		[]evmsigners.SignerOption{evmsigners.WithSignerLogger(logger)}, poolOpts...)
	if err != nil {
		return err
	}
	a.pools[network] = pool

	scheme, err := facilitator.NewExactEvmScheme(network, nc, pool, validator, calculator,
		facilitator.WithLogger(logger),
		facilitator.WithObserver(m),
		facilitator.WithSettlementCache(x402.NewSettlementCache(cfg.SettlementCacheTTL, nil)))
	if err != nil {
		return err
	}
	a.facilitator.Register(network, scheme)

	logger.Info("network registered",
		zap.String("network", string(network)),
		zap.Strings("accounts", pool.Addresses()),
		zap.Bool("router", nc.SettlementRouter != ""))
	return nil
}

// close drains every account pool, then drops the rpc connections
func (a *application) close(logger *zap.Logger, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for network, pool := range a.pools {
		if err := pool.Close(ctx); err != nil {
			logger.Warn("account pool did not drain",
				zap.String("network", string(network)), zap.Error(err))
		}
	}
	for _, client := range a.clients {
		client.Close()
	}
}
