package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ProviderConfig carries the externally configured options of one upstream adapter.
type ProviderConfig struct {
	Name               string
	Enabled            bool
	BaseURL            string
	Timeout            time.Duration
	MaxRetries         int
	APIKey             string
	RateLimitPerMinute int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
}

type Config struct {
	App struct {
		Environment string
		LogLevel    string
		LogDir      string
		HTTPAddr    string

		APIRatePerSecond float64
		APIRateBurst     int
	}

	Redis struct {
		Enabled  bool
		Host     string
		Port     int
		Password string
		DB       int
		CacheTTL time.Duration
	}

	Refresh struct {
		Interval         time.Duration
		StaleSourceAfter time.Duration
		WatchWindow      time.Duration
		SpikeThreshold   float64
	}

	Broadcast struct {
		QueueSize      int
		ClientSendBuf  int
		AllowedOrigins []string
	}

	ClickHouse struct {
		Enabled       bool
		Host          string
		Port          int
		User          string
		Password      string
		Database      string
		BatchSize     int
		FlushInterval time.Duration
	}

	Providers struct {
		DexScreener   ProviderConfig
		GeckoTerminal ProviderConfig
		Jupiter       ProviderConfig
	}
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; its absence is not an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}

	// App settings
	cfg.App.Environment = getEnvOrDefault("APP_ENV", "production")
	cfg.App.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.App.LogDir = getEnvOrDefault("LOG_DIR", "logs")
	cfg.App.HTTPAddr = getEnvOrDefault("HTTP_ADDR", ":8080")
	cfg.App.APIRatePerSecond = getEnvAsFloatOrDefault("API_RATE_LIMIT_RPS", 20)
	cfg.App.APIRateBurst = getEnvAsIntOrDefault("API_RATE_LIMIT_BURST", 40)

	// Redis settings
	cfg.Redis.Enabled = getEnvAsBoolOrDefault("REDIS_ENABLED", true)
	cfg.Redis.Host = getEnvOrDefault("REDIS_HOST", "localhost")
	cfg.Redis.Port = getEnvAsIntOrDefault("REDIS_PORT", 6379)
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	cfg.Redis.DB = getEnvAsIntOrDefault("REDIS_DB", 0)
	cfg.Redis.CacheTTL = time.Duration(getEnvAsIntOrDefault("CACHE_TTL", 30)) * time.Second

	// Refresh settings
	cfg.Refresh.Interval = time.Duration(getEnvAsIntOrDefault("REFRESH_INTERVAL_MS", 10000)) * time.Millisecond
	cfg.Refresh.StaleSourceAfter = time.Duration(getEnvAsIntOrDefault("STALE_SOURCE_AFTER_MS", int(3*cfg.Refresh.Interval/time.Millisecond))) * time.Millisecond
	cfg.Refresh.WatchWindow = time.Duration(getEnvAsIntOrDefault("WATCH_WINDOW_SECS", 300)) * time.Second
	cfg.Refresh.SpikeThreshold = getEnvAsFloatOrDefault("VOLUME_SPIKE_PERCENT", 50)

	cfg.Broadcast.QueueSize = getEnvAsIntOrDefault("BROADCAST_QUEUE_SIZE", 4096)
	cfg.Broadcast.ClientSendBuf = getEnvAsIntOrDefault("WS_CLIENT_SEND_BUFFER", 256)
	cfg.Broadcast.AllowedOrigins = getEnvAsListOrDefault("WS_ALLOWED_ORIGINS", nil)

	// ClickHouse settings
	cfg.ClickHouse.Enabled = getEnvAsBoolOrDefault("CLICKHOUSE_ENABLED", false)
	cfg.ClickHouse.Host = getEnvOrDefault("CLICKHOUSE_HOST", "localhost")
	cfg.ClickHouse.Port = getEnvAsIntOrDefault("CLICKHOUSE_PORT", 9000)
	cfg.ClickHouse.User = getEnvOrDefault("CLICKHOUSE_USER", "default")
	cfg.ClickHouse.Password = os.Getenv("CLICKHOUSE_PASSWORD")
	cfg.ClickHouse.Database = getEnvOrDefault("CLICKHOUSE_DB", "default")
	cfg.ClickHouse.BatchSize = getEnvAsIntOrDefault("CLICKHOUSE_BATCH_SIZE", 1000)
	cfg.ClickHouse.FlushInterval = time.Duration(getEnvAsIntOrDefault("CLICKHOUSE_FLUSH_SECS", 5)) * time.Second

	// Upstream providers; rate limits follow each API's published quota.
	cfg.Providers.DexScreener = loadProvider("DEXSCREENER", "DexScreener", "https://api.dexscreener.com/latest/dex", 300)
	cfg.Providers.GeckoTerminal = loadProvider("GECKOTERMINAL", "GeckoTerminal", "https://api.geckoterminal.com/api/v2", 30)
	cfg.Providers.Jupiter = loadProvider("JUPITER", "Jupiter", "https://lite-api.jup.ag", 600)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadProvider(prefix, name, baseURL string, ratePerMinute int) ProviderConfig {
	return ProviderConfig{
		Name:               name,
		Enabled:            getEnvAsBoolOrDefault(prefix+"_ENABLED", true),
		BaseURL:            getEnvOrDefault(prefix+"_BASE_URL", baseURL),
		Timeout:            time.Duration(getEnvAsIntOrDefault(prefix+"_TIMEOUT_MS", 5000)) * time.Millisecond,
		MaxRetries:         getEnvAsIntOrDefault(prefix+"_MAX_RETRIES", 5),
		APIKey:             os.Getenv(prefix + "_API_KEY"),
		RateLimitPerMinute: getEnvAsIntOrDefault(prefix+"_RATE_LIMIT", ratePerMinute),
		BaseDelay:          time.Duration(getEnvAsIntOrDefault(prefix+"_BASE_DELAY_MS", 200)) * time.Millisecond,
		MaxDelay:           time.Duration(getEnvAsIntOrDefault(prefix+"_MAX_DELAY_MS", 10000)) * time.Millisecond,
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Refresh.Interval <= 0 {
		return fmt.Errorf("REFRESH_INTERVAL_MS must be positive, got %v", c.Refresh.Interval)
	}
	if c.Redis.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive, got %v", c.Redis.CacheTTL)
	}
	if c.Broadcast.QueueSize <= 0 || c.Broadcast.ClientSendBuf <= 0 {
		return errors.New("broadcast queue and client send buffer must be positive")
	}
	for _, p := range c.ProviderList() {
		if p.MaxRetries < 0 {
			return fmt.Errorf("%s: max retries must not be negative", p.Name)
		}
		if p.Timeout <= 0 {
			return fmt.Errorf("%s: timeout must be positive", p.Name)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("%s: base url is required", p.Name)
		}
	}
	return nil
}

// ProviderList returns provider settings in registration order.
func (c *Config) ProviderList() []ProviderConfig {
	return []ProviderConfig{c.Providers.DexScreener, c.Providers.GeckoTerminal, c.Providers.Jupiter}
}

// RedisAddr joins host and port.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsListOrDefault splits a comma separated value, dropping empty items.
func getEnvAsListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
