package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"stake-arena/server/internal/config"
	"stake-arena/server/internal/ledger"
	servernet "stake-arena/server/internal/net"
	"stake-arena/server/internal/net/ws"
	"stake-arena/server/internal/observability"
	"stake-arena/server/internal/pricing"
	"stake-arena/server/internal/session"
	"stake-arena/server/internal/session/postgres"
	"stake-arena/server/internal/session/sqlite"
	"stake-arena/server/internal/settlement"
	"stake-arena/server/internal/sim"
	"stake-arena/server/internal/telemetry"
	"stake-arena/server/internal/world"
	"stake-arena/server/logging"
	loggingSinks "stake-arena/server/logging/sinks"

	"github.com/ethereum/go-ethereum/common"
)

const defaultShutdownTimeout = 10 * time.Second

// ErrNoPriceSource is returned for non-native quotes when PRICE_API_URL is unset.
var ErrNoPriceSource = errors.New("app: no price source configured")

type Config struct {
	Logger telemetry.Logger
	Server config.Config
}

// Run builds the room and serves it until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	fallbackLogger := log.Default()
	if provider, ok := telemetryLogger.(interface{ StandardLogger() *log.Logger }); ok {
		if candidate := provider.StandardLogger(); candidate != nil {
			fallbackLogger = candidate
		}
	}

	settings := cfg.Server
	if settings.ShutdownTimeout <= 0 {
		settings.ShutdownTimeout = defaultShutdownTimeout
	}
	router, closeSinks, err := newRouter(settings, fallbackLogger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
		defer cancel()
		if cerr := router.Close(shutdownCtx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
		closeSinks()
	}()

	observabilityCfg := observability.Config{
		Endpoint:    settings.OTelEndpoint,
		ServiceName: settings.ServiceName,
		EnablePprof: settings.EnablePprof,
	}
	shutdownTracing, err := observability.Setup(ctx, observabilityCfg)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			telemetryLogger.Printf("failed to flush traces: %v", err)
		}
	}()

	metrics := &logging.Metrics{}
	telemetryMetrics := telemetry.WrapMetrics(metrics)

	store, closeStore, err := openStore(ctx, settings)
	if err != nil {
		return err
	}
	defer closeStore()

	ledgerOpts := []ledger.MemoryOption{
		ledger.WithFeeBps(settings.LedgerFeeBps),
		ledger.WithGameIDs(store.NextGameID),
	}
	if settings.ContractAddress != "" {
		ledgerOpts = append(ledgerOpts, ledger.WithContract(common.HexToAddress(settings.ContractAddress)))
	}
	chain := ledger.NewMemory(ledgerOpts...)

	quoter := pricing.NewQuoter(priceSource(settings),
		pricing.WithTTL(settings.PriceTTL),
		pricing.WithMetrics(telemetryMetrics),
		pricing.WithLogger(telemetry.WithPrefix(telemetryLogger, "[pricing] ")),
	)
	defer quoter.Close()

	settler, err := settlement.NewSettler(settlement.Config{EntryFee: settings.EntryFee}, settlement.Deps{
		Ledger:    chain,
		Store:     store,
		Valuer:    quoter,
		Publisher: router,
		Metrics:   telemetryMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to construct settler: %w", err)
	}
	dispatcher := settlement.NewDispatcher(settler, settlement.DispatcherConfig{
		InitialInterval: settings.Settlement.InitialBackoff,
		MaxInterval:     settings.Settlement.MaxBackoff,
		MaxElapsed:      settings.Settlement.MaxElapsed,
		MaxTries:        settings.Settlement.MaxTries,
	}, telemetry.WithPrefix(telemetryLogger, "[settlement] "), router)
	reconciler := settlement.NewReconciler(chain, store, router, settlement.WithSettlements(dispatcher))

	worldCfg := world.DefaultConfig()
	worldCfg.EscapeThreshold = settings.EscapeThreshold
	room := world.New(worldCfg, world.Deps{
		Pricer:    quoter,
		RNG:       world.NewDeterministicRNG(settings.WorldSeed, "world"),
		Publisher: router,
		Metrics:   telemetryMetrics,
	})

	hub := ws.NewHub(ws.HubConfig{Logger: telemetry.WithPrefix(telemetryLogger, "[ws] "), Metrics: telemetryMetrics, Publisher: router})

	loopCfg := sim.DefaultLoopConfig()
	loopCfg.TickRate = settings.TickRate
	loopCfg.DetectEvery = settings.DetectEvery
	loopCfg.CheckpointInterval = settings.CheckpointInterval
	loopCfg.StatsEvery = settings.StatsEvery
	loopCfg.CommandCapacity = settings.CommandCapacity
	loopCfg.PerActorLimit = settings.PerActorLimit
	loopCfg.WarningStep = settings.CommandCapacity / 4
	loop := sim.NewLoop(room, dispatcher, reconciler, loopCfg, sim.Deps{
		Logger:    telemetryLogger,
		Metrics:   telemetryMetrics,
		Publisher: router,
	}, sim.LoopHooks{
		AfterStep: hub.Deliver,
		OnQueueWarning: func(length int) {
			telemetryLogger.Printf("command queue at %d entries", length)
		},
	})

	wsHandler := ws.NewHandler(hub, loop, reconciler, ws.HandlerConfig{Logger: telemetry.WithPrefix(telemetryLogger, "[ws] "), Publisher: router})

	httpCfg := servernet.HTTPHandlerConfig{
		Logger:      telemetryLogger,
		Metrics:     metrics,
		RouterStats: router.Stats,
		TickRate:    settings.TickRate,
		Pending:     loop.Pending,
		Unsettled:   dispatcher.Outstanding,
		EnablePprof: observabilityCfg.EnablePprof,
	}
	if settings.DevLedgerEndpoints {
		httpCfg.DevLedger = chain
		telemetryLogger.Printf("dev ledger endpoints enabled")
	}
	handler := servernet.NewHTTPHandler(loop, reconciler, quoter, wsHandler, httpCfg)

	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(loopCtx)
	}()

	srv := &http.Server{Addr: settings.Addr(), Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		telemetryLogger.Printf("server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		telemetryLogger.Printf("http shutdown: %v", err)
	}
	stopLoop()
	<-loopDone
	if err := loop.Wait(shutdownCtx); err != nil {
		telemetryLogger.Printf("checkpoint writes still pending at shutdown: %v", err)
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		telemetryLogger.Printf("settlements still pending at shutdown: %v", err)
	}
	return runErr
}

func newRouter(settings config.Config, fallback *log.Logger) (*logging.Router, func(), error) {
	logConfig := logging.DefaultConfig()
	if len(settings.LogSinks) > 0 {
		logConfig.EnabledSinks = settings.LogSinks
	}
	logConfig.MinimumSeverity = logging.ParseSeverity(settings.LogMinSeverity)
	logConfig.JSON.FilePath = settings.LogJSONPath
	logConfig.Fields = map[string]any{"service": settings.ServiceName}

	var named []logging.NamedSink
	var closers []io.Closer
	if logConfig.HasSink("console") {
		named = append(named, logging.NamedSink{Name: "console", Sink: loggingSinks.NewConsoleSink(os.Stdout)})
	}
	if logConfig.HasSink("json") {
		if err := os.MkdirAll(filepath.Dir(logConfig.JSON.FilePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(logConfig.JSON.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open json log: %w", err)
		}
		closers = append(closers, file)
		named = append(named, logging.NamedSink{Name: "json", Sink: loggingSinks.NewJSON(file, logConfig.JSON.FlushInterval)})
	}

	router, err := logging.NewRouter(logging.SystemClock{}, logConfig, fallback, named)
	if err != nil {
		for _, c := range closers {
			c.Close()
		}
		return nil, nil, fmt.Errorf("failed to construct logging router: %w", err)
	}
	return router, func() {
		for _, c := range closers {
			c.Close()
		}
	}, nil
}

func openStore(ctx context.Context, settings config.Config) (session.Store, func(), error) {
	switch settings.StoreDriver {
	case config.StoreSQLite:
		if dir := filepath.Dir(settings.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("failed to create sqlite directory: %w", err)
			}
		}
		store, err := sqlite.Open(ctx, settings.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, func() { store.Close() }, nil
	case config.StorePostgres:
		store, err := postgres.Open(ctx, settings.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return store, func() { store.Close() }, nil
	default:
		return session.NewMemoryStore(), func() {}, nil
	}
}

func priceSource(settings config.Config) pricing.Source {
	if settings.PriceAPIURL != "" {
		return pricing.NewHTTPSource(settings.PriceAPIURL, settings.ChainID)
	}
	return pricing.SourceFunc(func(ctx context.Context, token string) (float64, error) {
		return 0, fmt.Errorf("%w for %s", ErrNoPriceSource, token)
	})
}
