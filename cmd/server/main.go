// Package main provides the portfolio analysis server entry point.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/portfolio-analysis/internal/analysis"
	"github.com/portfolio-analysis/internal/api"
	"github.com/portfolio-analysis/internal/config"
	"github.com/portfolio-analysis/internal/logging"
	"github.com/portfolio-analysis/internal/market"
	"github.com/portfolio-analysis/internal/session"
	"github.com/portfolio-analysis/internal/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
	)
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	// Connect to the document store and register the mutation scripts.
	// Either failing is fatal: the process is useless without them.
	store, err := storage.NewRedisStore(&cfg.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer store.Close()

	gateway := storage.NewStateGateway(store, int(cfg.Session.TTL.Seconds()))

	bootstrapCtx, cancelBootstrap := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	err = gateway.RegisterScripts(bootstrapCtx)
	cancelBootstrap()
	if err != nil {
		logger.WithError(err).Fatal("Failed to register state scripts")
	}
	logger.Info("Redis connected and state scripts registered")

	repo := storage.NewPortfolioRepository(gateway)

	kernel, err := analysis.NewKernel(cfg.Analysis.DelayMin, cfg.Analysis.DelayMax)
	if err != nil {
		logger.WithError(err).Fatal("Invalid analysis delay range")
	}

	engine, err := analysis.NewEngine(&analysis.EngineConfig{
		Repository: repo,
		Kernel:     kernel,
		Metrics:    cfg.Analysis.Metrics,
		Logger:     logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create analysis engine")
	}

	registry := session.NewRegistry()

	updater, err := market.NewUpdater(&market.UpdaterConfig{
		Repository: repo,
		Prices: market.NewPriceBook(&market.PriceBookConfig{
			BasePrices:   cfg.Market.BasePrices,
			DefaultPrice: cfg.Market.DefaultPrice,
			Volatility:   cfg.Market.Volatility,
		}),
		Interval: cfg.Market.Interval,
		Logger:   logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create market updater")
	}

	server, err := api.NewServer(&api.ServerConfig{
		Config:     cfg,
		Repository: repo,
		Engine:     engine,
		Registry:   registry,
		Logger:     logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create API server")
	}

	// appCtx is the parent of the market updater and every live session;
	// cancelling it begins teardown everywhere.
	appCtx, cancelApp := context.WithCancel(context.Background())
	defer cancelApp()

	updaterDone := make(chan struct{})
	go func() {
		defer close(updaterDone)
		updater.Run(appCtx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(appCtx)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}

	cancelApp()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown was not clean")
	}

	<-updaterDone
	logger.Info("Shutdown complete")
}
