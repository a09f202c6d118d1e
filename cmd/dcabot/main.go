// dcabot - multi-pair DCA trading bot for Binance spot and USDT-M futures.
//
// Each pair runs an independent worker: RSI/EMA/ADX entry filters, a
// martingale safety-order ladder, optional futures break-even exit, and a
// shared consecutive-loss circuit breaker. State survives restarts through
// the SQL store; a Telegram bot provides remote control.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dcabot/internal/config"
	"dcabot/internal/exchange"
	"dcabot/internal/feed"
	"dcabot/internal/manager"
	"dcabot/internal/notify"
	"dcabot/internal/storage"
	"dcabot/internal/strategy"
)

const version = "1.2.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Str("run_mode", cfg.DefaultRunMode).
		Msg("🤖 dcabot starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// State store
	store, err := storage.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open state store")
	}

	// Market data feed
	marketFeed := feed.New(cfg.StreamURL)
	marketFeed.Start()
	log.Info().Msg("📈 Binance market feed started")

	// Telegram bot (optional)
	var tg *notify.Bot
	var notifier manager.Notifier
	if cfg.TelegramToken != "" {
		tg, err = notify.New(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram disabled")
		} else {
			notifier = tg
		}
	} else {
		log.Warn().Msg("⚠️ No TELEGRAM_BOT_TOKEN, running headless")
	}

	// Bot manager
	mgr := manager.New(manager.Config{
		Store:    store,
		Feed:     marketFeed,
		Notifier: notifier,
	})
	if cfg.BinanceAPIKey != "" {
		mgr.SetExchangeCredentials("binance", exchange.Credentials{
			APIKey:    cfg.BinanceAPIKey,
			APISecret: cfg.BinanceAPISecret,
			Testnet:   cfg.BinanceTestnet,
		})
	}
	if err := mgr.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize bot manager")
	}

	// First boot convenience: seed pairs from PAIRS when nothing persisted.
	if len(mgr.Pairs()) == 0 && len(cfg.DefaultPairs) > 0 {
		settings := strategy.DefaultSettings()
		settings.RunMode = cfg.DefaultRunMode
		for _, pair := range cfg.DefaultPairs {
			if err := mgr.AddPair(ctx, pair, "binance", settings); err != nil {
				log.Error().Err(err).Str("pair", pair).Msg("Failed to add pair")
				continue
			}
			if err := mgr.StartPair(pair); err != nil {
				log.Error().Err(err).Str("pair", pair).Msg("Failed to start pair")
			}
		}
	}

	if tg != nil {
		tg.SetManager(mgr)
		tg.Start()
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down...")

	if tg != nil {
		tg.Stop()
	}
	mgr.Shutdown()
	log.Info().Msg("👋 dcabot stopped")
}
