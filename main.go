package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"perpflow/cache"
	"perpflow/candles"
	"perpflow/config"
	"perpflow/feed"
	"perpflow/fetcher"
	"perpflow/internal/channel"
	"perpflow/logger"
	"perpflow/scheduler"
	"perpflow/server"
	"perpflow/store"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Perpflow.Name,
		"version": cfg.Perpflow.Version,
	}).Info("starting perpflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval.D())
	}

	channels := channel.NewChannels(cfg.Channels.TickerBuffer)
	defer channels.Close()

	indicatorCache, err := openCache(cfg.Cache)
	if err != nil {
		log.WithError(err).Error("failed to open indicator cache")
		os.Exit(1)
	}
	defer indicatorCache.Close()

	unified := store.New()
	httpFetcher := fetcher.New(cfg.Fetcher)
	candleClient := candles.NewClient(cfg.Fetcher.BaseURL, httpFetcher)
	tickerFeed := feed.New(cfg.Feed, channels)
	sched := scheduler.New(cfg.Scheduler, candleClient, indicatorCache, unified)
	api := server.New(cfg.Server, unified, indicatorCache, sched, tickerFeed)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		unified.Run(ctx, channels)
	}()

	if err := tickerFeed.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start ticker feed")
		os.Exit(1)
	}

	if err := sched.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start scheduler")
		os.Exit(1)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := api.Start(ctx); err != nil {
			log.WithError(err).Error("http server failed")
			cancel()
		}
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping scheduler")
	sched.Stop()

	log.Info("stopping ticker feed")
	tickerFeed.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown failed")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("perpflow stopped")
}

// openCache builds the configured persistence backend.
func openCache(cfg config.CacheConfig) (*cache.IndicatorCache, error) {
	var (
		kv  cache.Store
		err error
	)
	switch cfg.Backend {
	case "file":
		kv, err = cache.NewFileStore(cfg.Dir)
	default:
		kv, err = cache.NewSQLiteStore(cfg.Path)
	}
	if err != nil {
		return nil, err
	}
	return cache.New(kv, cfg.TTL.D()), nil
}
