package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"binance-strategy-engine/config"
	"binance-strategy-engine/internal/api"
	"binance-strategy-engine/internal/binance"
	"binance-strategy-engine/internal/cache"
	"binance-strategy-engine/internal/engine"
	"binance-strategy-engine/internal/events"
	"binance-strategy-engine/internal/history"
	"binance-strategy-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("configuration error")
	}
	log := newLogger(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priceCache := cache.New(cfg.Redis.URL, log)
	defer priceCache.Close()

	hist, err := history.New(ctx, cfg.History.DatabaseURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("history backend failed")
	}
	defer hist.Close()

	client := binance.NewClient(cfg.Binance.APIKey, cfg.Binance.SecretKey, cfg.Binance.BaseURL, log)
	client.StartTimeSync(ctx)

	bus := events.NewBus(log)

	st, err := store.New(cfg.DataDir, log)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("data directory unusable")
	}

	factory := engine.NewRunnerFactory(client, bus, priceCache, hist, log)
	manager := engine.NewManager(st, bus, factory, log)
	if err := manager.LoadBotsFromDisk(); err != nil {
		log.Fatal().Err(err).Msg("loading persisted bots failed")
	}

	userStream := binance.NewUserDataStream(client, cfg.Binance.WSBaseURL, bus, priceCache, log)
	if err := userStream.Start(); err != nil {
		log.Error().Err(err).Msg("user data stream unavailable, fills depend on reconciliation only")
	}

	marketStream := binance.NewMarketStream(cfg.Binance.WSBaseURL, bus, priceCache, log)
	for _, symbol := range cfg.SubscribeSymbols {
		marketStream.SubscribeTrade(symbol)
		marketStream.SubscribeKline(symbol, "1m")
	}

	server := api.NewServer(
		api.ServerConfig{Host: cfg.Server.Host, Port: cfg.Server.Port},
		manager, client, priceCache, hist, bus, log,
	)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("api server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	manager.StopAll()
	userStream.Stop()
	marketStream.CloseAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api shutdown incomplete")
	}
	cancel()
	log.Info().Msg("shutdown complete")
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.JSON {
		return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
}
