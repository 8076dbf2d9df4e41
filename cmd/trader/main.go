// Command trader runs the automated spot-trading engine against
// Binance.US: scan, signal, size, execute, manage.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"spottrader/internal/bootstrap"
	"spottrader/internal/config"
	"spottrader/internal/engine"
	"spottrader/internal/execution"
	"spottrader/internal/filters"
	"spottrader/internal/gateway"
	"spottrader/internal/health"
	"spottrader/internal/ops"
	"spottrader/internal/positions"
	"spottrader/internal/risk"
	"spottrader/internal/safety"
	"spottrader/internal/scanner"
	"spottrader/internal/signals"
	"spottrader/internal/store"
	"spottrader/pkg/concurrency"
	"spottrader/pkg/telemetry"
)

const (
	serviceName      = "spottrader"
	databaseName     = "spottrader"
	quoteAsset       = "USDT"
	defaultStreamURL = "wss://stream.binance.us:9443/stream"
)

func main() {
	tuningPath := flag.String("config", "", "path to the optional tuning YAML file")
	flag.Parse()

	app, err := bootstrap.NewApp(*tuningPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boot failed: %v\n", err)
		os.Exit(1)
	}
	logger := app.Logger
	cfg := app.Cfg

	tel, err := telemetry.Setup(serviceName)
	if err != nil {
		logger.Fatal("Telemetry setup failed", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	connectCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	st, err := store.NewMongoStore(connectCtx, string(cfg.MongoURI), databaseName, logger)
	cancel()
	if err != nil {
		logger.Fatal("Store connection failed", "error", err)
	}
	defer st.Close(context.Background())

	gw := gateway.New(cfg.BaseURL, cfg.APIKey, cfg.APISecret, defaultStreamURL, logger)
	defer gw.Stop()

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "scan",
		MaxWorkers: cfg.Tuning.ScanWorkers,
	}, logger)
	defer pool.Stop()

	botCfg := cfg.BotConfig()
	fs := filters.NewService(gw, st, logger)
	cooldown := scanner.NewCooldownTracker()
	router := execution.NewRouter(gw, fs, st, cooldown, routerConfig(cfg), botCfg.UserID, logger)
	healthMgr := health.NewManager(logger)

	supervisor := engine.NewSupervisor(engine.Deps{
		Gateway:   gw,
		Store:     st,
		Filters:   fs,
		Scanner:   scanner.NewScanner(gw, pool, logger),
		Generator: signals.NewGenerator(gw, cfg.Tier.ImpulseThresholdPct, logger),
		Risk:      risk.NewEngine(st, gw, cooldown, quoteAsset, cfg.Tier.Name, logger),
		Router:    router,
		Positions: positions.NewManager(gw, st, router, botCfg.UserID, logger),
		Safety:    safety.NewChecker(gw, st, logger),
		Health:    healthMgr,
		Cooldown:  cooldown,
		Logger:    logger,
	}, engine.Options{
		UserID:          botCfg.UserID,
		QuoteAsset:      quoteAsset,
		ScanInterval:    cfg.ScanInterval(),
		MonitorInterval: cfg.MonitorInterval(),
		BotConfig:       botCfg,
	})

	opsServer := ops.NewServer(cfg.Port, healthMgr, supervisor, logger)

	if err := app.Run(supervisor, opsServer); err != nil {
		logger.Error("Engine exited with error", "error", err)
		os.Exit(1)
	}
}

func routerConfig(cfg *config.Config) execution.Config {
	makerFirst := true
	if cfg.Tuning.MakerFirst != nil {
		makerFirst = *cfg.Tuning.MakerFirst
	}
	return execution.Config{
		MakerFirst:  makerFirst,
		VWAPBias:    cfg.Tuning.VWAPBias,
		LimitBypass: cfg.Tuning.LimitBypass,
	}
}
