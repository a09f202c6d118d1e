package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all configuration for the bot
type Config struct {
	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Mode
	Debug          bool
	DefaultRunMode string // Live / Paper

	// Binance
	BinanceAPIKey    string
	BinanceAPISecret string
	BinanceTestnet   bool
	StreamURL        string // override for the market data websocket

	// Pairs seeded on first start, e.g. "BTCUSDT,ETHUSDT"
	DefaultPairs []string

	// Database. A postgres:// DSN selects PostgreSQL, anything else is a
	// SQLite path.
	DatabaseDSN string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		Debug:          getEnvBool("DEBUG", false),
		DefaultRunMode: getEnv("RUN_MODE", "Paper"),

		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret: os.Getenv("BINANCE_API_SECRET"),
		BinanceTestnet:   getEnvBool("BINANCE_TESTNET", false),
		StreamURL:        os.Getenv("BINANCE_STREAM_URL"),

		DatabaseDSN: getEnv("DATABASE_DSN", "data/dcabot.db"),
	}

	if pairs := os.Getenv("PAIRS"); pairs != "" {
		for _, p := range strings.Split(pairs, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.DefaultPairs = append(cfg.DefaultPairs, strings.ToUpper(p))
			}
		}
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.DefaultRunMode != "Live" && cfg.DefaultRunMode != "Paper" {
		return nil, fmt.Errorf("invalid RUN_MODE %q, expected Live or Paper", cfg.DefaultRunMode)
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}
