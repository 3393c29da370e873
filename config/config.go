package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

// Config holds the full engine configuration, assembled from the
// environment at startup.
type Config struct {
	Binance BinanceConfig `json:"binance"`
	Server  ServerConfig  `json:"server"`
	Redis   RedisConfig   `json:"redis"`
	History HistoryConfig `json:"history"`
	Logging LoggingConfig `json:"logging"`

	// DataDir is where per-bot snapshots are written.
	DataDir string `json:"data_dir"`

	// SubscribeSymbols are the market streams opened at startup.
	SubscribeSymbols []string `json:"subscribe_symbols"`
}

type BinanceConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	BaseURL   string `json:"base_url"`
	WSBaseURL string `json:"ws_base_url"`
}

type ServerConfig struct {
	Port int    `json:"port"`
	Host string `json:"host"`
}

type RedisConfig struct {
	// URL is empty when the external cache mirror is disabled.
	URL string `json:"url"`
}

type HistoryConfig struct {
	// DatabaseURL is empty when fill history recording is disabled.
	DatabaseURL string `json:"database_url"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	JSON  bool   `json:"json"`
}

// ErrMissingCredentials is returned when the Binance API key pair is absent.
// Callers treat this as fatal at startup.
var ErrMissingCredentials = errors.New("BINANCE_API_KEY and BINANCE_API_SECRET must be set")

// Load builds the configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Binance: BinanceConfig{
			APIKey:    os.Getenv("BINANCE_API_KEY"),
			SecretKey: os.Getenv("BINANCE_API_SECRET"),
			BaseURL:   getEnvOrDefault("BINANCE_BASE_URL", "https://api.binance.com"),
			WSBaseURL: getEnvOrDefault("BINANCE_WS_URL", "wss://stream.binance.com:9443"),
		},
		Server: ServerConfig{
			Port: getEnvIntOrDefault("PORT", 8123),
			Host: getEnvOrDefault("HOST", "0.0.0.0"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		History: HistoryConfig{
			DatabaseURL: os.Getenv("DATABASE_URL"),
		},
		Logging: LoggingConfig{
			Level: getEnvOrDefault("LOG_LEVEL", "info"),
			JSON:  getEnvOrDefault("LOG_JSON", "true") == "true",
		},
		DataDir:          getEnvOrDefault("DATA_DIR", "./data"),
		SubscribeSymbols: splitSymbols(getEnvOrDefault("SUBSCRIBE_SYMBOLS", "BTCUSDT,ETHUSDT,BTCFDUSD")),
	}

	if cfg.Binance.APIKey == "" || cfg.Binance.SecretKey == "" {
		return nil, ErrMissingCredentials
	}

	return cfg, nil
}

func splitSymbols(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
