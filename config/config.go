package config

import (
	"errors"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Trading modes.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// OKX endpoints
	OKXRestURL       string
	OKXWSPublicURL   string
	OKXWSBusinessURL string
	OKXWSPrivateURL  string
	OKXSimulated     bool

	// Execution
	TradingMode      string // paper | live
	PaperEquity      float64
	PaperSlippageBps float64
	ExecMaxAttempts  int
	OrderTag         string

	// Funding scanner
	FundingPollInterval   time.Duration
	FundingMinRate        float64
	FundingMinVolume      float64
	FundingMaxInstruments int

	// Streaming
	WSPingInterval time.Duration

	// Infrastructure
	RedisAddr     string // empty disables Redis
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string
	APIAddr       string

	// Alerts
	TelegramBotToken string
	TelegramChatID   string
	AlertWebhookURL  string
	AlertMinLevel    string // INFO | WARNING | CRITICAL, for Telegram and webhook

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present;
// variables already set in the environment win.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("[config] .env: %v", err)
	}

	return &Config{
		OKXRestURL:       getEnv("OKX_REST_URL", "https://www.okx.com"),
		OKXWSPublicURL:   getEnv("OKX_WS_PUBLIC_URL", "wss://ws.okx.com:8443/ws/v5/public"),
		OKXWSBusinessURL: getEnv("OKX_WS_BUSINESS_URL", "wss://ws.okx.com:8443/ws/v5/business"),
		OKXWSPrivateURL:  getEnv("OKX_WS_PRIVATE_URL", "wss://ws.okx.com:8443/ws/v5/private"),
		OKXSimulated:     getBool("OKX_SIMULATED", false),

		TradingMode:      strings.ToLower(getEnv("TRADING_MODE", ModePaper)),
		PaperEquity:      getFloat("PAPER_EQUITY", 10000),
		PaperSlippageBps: getFloat("PAPER_SLIPPAGE_BPS", 5),
		ExecMaxAttempts:  getInt("EXEC_MAX_ATTEMPTS", 3),
		OrderTag:         getEnv("ORDER_TAG", ""),

		FundingPollInterval:   getDuration("FUNDING_POLL_INTERVAL", time.Minute),
		FundingMinRate:        getFloat("FUNDING_MIN_RATE", 0.0005),
		FundingMinVolume:      getFloat("FUNDING_MIN_VOLUME", 10_000_000),
		FundingMaxInstruments: getInt("FUNDING_MAX_INSTRUMENTS", 10),

		WSPingInterval: getDuration("WS_PING_INTERVAL", 25*time.Second),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/executions.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		APIAddr:       getEnv("API_ADDR", ":8080"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		AlertWebhookURL:  getEnv("ALERT_WEBHOOK_URL", ""),
		AlertMinLevel:    strings.ToUpper(getEnv("ALERT_MIN_LEVEL", "INFO")),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// Paper reports whether orders go to the in-process paper venue.
func (c *Config) Paper() bool { return c.TradingMode != ModeLive }

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		log.Printf("[config] invalid LOG_LEVEL %q, using info", c.LogLevel)
		return slog.LevelInfo
	}
	return lvl
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		log.Printf("[config] invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
