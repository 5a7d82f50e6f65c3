package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"pegkeeper/observability/logging"
	telemetry "pegkeeper/observability/otel"
	"pegkeeper/services/pegd/config"
	"pegkeeper/services/pegd/controller"
	"pegkeeper/services/pegd/keeper"
	"pegkeeper/services/pegd/ledger"
	"pegkeeper/services/pegd/oracle"
	"pegkeeper/services/pegd/server"
	"pegkeeper/services/pegd/storage"
	"pegkeeper/services/pegd/twamm"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/pegd/config.yaml", "path to pegd configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("pegd: load config: %v", err)
	}
	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service:    "pegd",
		Env:        cfg.Environment,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("pegd exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	endpoint := cfg.Telemetry.Endpoint
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "pegd",
		Environment: cfg.Environment,
		Endpoint:    endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	db, err := storage.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	store, err := storage.New(db)
	if err != nil {
		return fmt.Errorf("migrate storage: %w", err)
	}

	balances, err := genesisLedger(cfg)
	if err != nil {
		return err
	}
	pool, err := twamm.NewPool(balances, common.HexToAddress(cfg.Pool.Address),
		twamm.WithFeeBps(cfg.Pool.FeeBps),
		twamm.WithOrderInterval(cfg.Pool.OrderInterval.Duration),
	)
	if err != nil {
		return fmt.Errorf("twamm pool: %w", err)
	}
	if err := seedPool(ctx, cfg, pool); err != nil {
		return err
	}

	prices, err := buildPrices(ctx, cfg, store)
	if err != nil {
		return err
	}

	params, err := cfg.ControllerParams()
	if err != nil {
		return err
	}
	hub := server.NewHub(cfg.Stream.Buffer, cfg.Stream.WriteTimeout.Duration, cfg.Stream.AllowedOrigins)
	ctrl, err := controller.New(params, balances, pool, prices,
		controller.WithStore(store),
		controller.WithEventSink(store),
		controller.WithEventSink(hub),
	)
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	if state, ok, err := store.LoadState(ctx); err != nil {
		return fmt.Errorf("load controller state: %w", err)
	} else if ok {
		if err := ctrl.Restore(state); err != nil {
			return fmt.Errorf("restore controller state: %w", err)
		}
		logger.Info("restored controller state", "updated_at", state.UpdatedAt)
	}

	manager, err := buildOracle(cfg, prices, store, logger)
	if err != nil {
		return err
	}

	principal, err := cfg.KeeperPrincipal()
	if err != nil {
		return err
	}
	kp, err := keeper.New(keeper.Config{
		ExecuteSpec:   cfg.Keeper.Execute,
		CollectSpec:   cfg.Keeper.Collect,
		RebalanceSpec: cfg.Keeper.Rebalance,
		Principal:     principal,
		Timeout:       cfg.Keeper.Timeout.Duration,
	}, ctrl, pool, keeper.WithLogger(logger.With("component", "pegd/keeper")))
	if err != nil {
		return err
	}

	var timelock common.Address
	if common.IsHexAddress(cfg.Controller.Timelock) {
		timelock = common.HexToAddress(cfg.Controller.Timelock)
	}
	srv, err := server.New(server.Config{
		Auth: server.AuthConfig{
			OwnerToken:    cfg.Auth.OwnerToken,
			OwnerAddress:  params.Owner,
			TimelockToken: cfg.Auth.TimelockToken,
			TimelockAddr:  timelock,
			JWTSecret:     cfg.Auth.JWTSecret,
			Issuer:        cfg.Auth.JWTIssuer,
		},
		RateLimit: cfg.Auth.RateLimit,
		RateBurst: cfg.Auth.RateBurst,
	}, ctrl, balances, store, hub, server.WithMarket(pool))
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("oracle manager stopped", "error", err)
		}
	}()
	kp.Start(ctx)
	defer kp.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("pegd listening", "addr", cfg.ListenAddress, "controller", params.Address.Hex())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func genesisLedger(cfg config.Config) (*ledger.Ledger, error) {
	balances := ledger.New()
	ops := make([]ledger.Op, 0, len(cfg.Genesis)+2)
	for _, bal := range cfg.Genesis {
		asset, err := ledger.ParseAsset(bal.Asset)
		if err != nil {
			return nil, fmt.Errorf("genesis %s: %w", bal.Account, err)
		}
		amount, err := bal.Amount.E18()
		if err != nil {
			return nil, fmt.Errorf("genesis %s: %w", bal.Account, err)
		}
		ops = append(ops, ledger.Mint(asset, common.HexToAddress(bal.Account), amount))
	}
	if cfg.Pool.Provider != "" {
		seedFRAX, err := cfg.Pool.SeedFRAX.E18()
		if err != nil {
			return nil, fmt.Errorf("pool.seed_frax: %w", err)
		}
		seedFPI, err := cfg.Pool.SeedFPI.E18()
		if err != nil {
			return nil, fmt.Errorf("pool.seed_fpi: %w", err)
		}
		provider := common.HexToAddress(cfg.Pool.Provider)
		ops = append(ops, ledger.Mint(ledger.FRAX, provider, seedFRAX), ledger.Mint(ledger.FPI, provider, seedFPI))
	}
	if err := balances.Apply(ops...); err != nil {
		return nil, fmt.Errorf("apply genesis: %w", err)
	}
	return balances, nil
}

func seedPool(ctx context.Context, cfg config.Config, pool *twamm.Pool) error {
	if cfg.Pool.Provider == "" {
		return nil
	}
	seedFRAX, _ := cfg.Pool.SeedFRAX.E18()
	seedFPI, _ := cfg.Pool.SeedFPI.E18()
	if seedFRAX.IsZero() || seedFPI.IsZero() {
		return nil
	}
	if err := pool.AddLiquidity(ctx, common.HexToAddress(cfg.Pool.Provider), seedFRAX, seedFPI); err != nil {
		return fmt.Errorf("seed pool: %w", err)
	}
	return nil
}

func buildPrices(ctx context.Context, cfg config.Config, store *storage.Store) (*oracle.Prices, error) {
	initialPeg, err := cfg.Oracle.InitialPeg.E18()
	if err != nil {
		return nil, fmt.Errorf("oracle.initial_peg: %w", err)
	}
	maxDelta, err := cfg.Oracle.MaxCPIDelta.Fraction()
	if err != nil {
		return nil, fmt.Errorf("oracle.max_cpi_delta: %w", err)
	}
	tracker, err := oracle.NewTracker(initialPeg, cfg.Oracle.RampPeriod.Duration, maxDelta)
	if err != nil {
		return nil, err
	}
	if state, ok, err := store.LoadTracker(ctx); err != nil {
		return nil, fmt.Errorf("load cpi tracker: %w", err)
	} else if ok {
		if err := tracker.Restore(state); err != nil {
			return nil, fmt.Errorf("restore cpi tracker: %w", err)
		}
	}
	return oracle.NewPrices(tracker)
}

func buildOracle(cfg config.Config, prices *oracle.Prices, store *storage.Store, logger *slog.Logger) (*oracle.Manager, error) {
	registry := oracle.NewRegistry()
	sources := make([]oracle.Source, 0, len(cfg.Sources))
	for _, src := range cfg.OracleSources() {
		built, err := registry.Build(src)
		if err != nil {
			return nil, fmt.Errorf("oracle source %s: %w", src.Name, err)
		}
		logger.Info("oracle source configured", logging.MaskField("source", src.Name), logging.MaskField("endpoint", src.Endpoint), logging.MaskField("api_key", src.APIKey))
		sources = append(sources, built)
	}
	// CPI observations move the peg target, so the tracker is saved after each one.
	publisher := oracle.PublisherFunc(func(ctx context.Context, update oracle.Update) error {
		if err := prices.PublishOracleUpdate(ctx, update); err != nil {
			return err
		}
		if update.Feed == oracle.FeedCPI {
			return store.SaveTracker(ctx, prices.Tracker().State())
		}
		return nil
	})
	return oracle.NewManager(publisher, sources, []string{oracle.FeedCPI, oracle.FeedFRAXUSD},
		cfg.Oracle.Interval.Duration, cfg.Oracle.MaxAge.Duration, cfg.Oracle.MinFeeds,
		oracle.WithLogger(logger.With("component", "pegd/oracle")),
		oracle.WithRecorder(store),
	)
}
