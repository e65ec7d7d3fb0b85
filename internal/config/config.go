/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from an optional .env file and the environment,
 * then normalises the values so the rest of the service can trust them.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ProcessingModeSync  = "sync"
	ProcessingModeAsync = "async"
)

// Config holds all the configuration variables for the transfer-service.
type Config struct {
	ServerPort         string   `mapstructure:"SERVER_PORT"`
	DatabaseURL        string   `mapstructure:"DATABASE_URL"`
	DatabaseMaxConns   int32    `mapstructure:"DATABASE_MAX_CONNS"`
	DatabaseMinConns   int32    `mapstructure:"DATABASE_MIN_CONNS"`
	RedisURL           string   `mapstructure:"REDIS_URL"`
	RedisKeyPrefix     string   `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL        string   `mapstructure:"RABBITMQ_URL"`
	ProcessingMode     string   `mapstructure:"PROCESSING_MODE"`
	LogLevel           string   `mapstructure:"LOG_LEVEL"`
	JWTSecret          string   `mapstructure:"JWT_SECRET"`
	CORSAllowedOrigins []string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	RateLimitPerMinute int      `mapstructure:"RATE_LIMIT_PER_MINUTE"`

	ExchangeAPIURL               string        `mapstructure:"EXCHANGE_API_URL"`
	ExchangeAPITimeout           time.Duration `mapstructure:"EXCHANGE_API_TIMEOUT"`
	ExchangeCacheSize            int           `mapstructure:"EXCHANGE_CACHE_SIZE"`
	ExchangeCacheTTL             time.Duration `mapstructure:"EXCHANGE_CACHE_TTL"`
	ExchangeRetryMaxAttempts     int           `mapstructure:"EXCHANGE_RETRY_MAX_ATTEMPTS"`
	ExchangeRetryInitialInterval time.Duration `mapstructure:"EXCHANGE_RETRY_INITIAL_INTERVAL"`
	ExchangeRetryMaxInterval     time.Duration `mapstructure:"EXCHANGE_RETRY_MAX_INTERVAL"`
	ExchangeFetchTimeout         time.Duration `mapstructure:"EXCHANGE_FETCH_TIMEOUT"`
	BreakerMaxFailures           uint32        `mapstructure:"BREAKER_MAX_FAILURES"`
	BreakerOpenTimeout           time.Duration `mapstructure:"BREAKER_OPEN_TIMEOUT"`

	RabbitMQPrefetch          int           `mapstructure:"RABBITMQ_PREFETCH"`
	SettlementWorkers         int           `mapstructure:"SETTLEMENT_WORKERS"`
	SettlementMaxRedeliveries int           `mapstructure:"SETTLEMENT_MAX_REDELIVERIES"`
	OutboxPollInterval        time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize           int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	ReconcileCron             string        `mapstructure:"RECONCILE_CRON"`
	ReconcileStaleAfter       time.Duration `mapstructure:"RECONCILE_STALE_AFTER"`

	// Warnings collects the adjustments made while normalising. They are logged
	// once the logger exists.
	Warnings []string `mapstructure:"-"`
}

var defaults = map[string]interface{}{
	"SERVER_PORT":                     "8080",
	"DATABASE_MAX_CONNS":              100,
	"DATABASE_MIN_CONNS":              20,
	"REDIS_KEY_PREFIX":                "transfer",
	"PROCESSING_MODE":                 ProcessingModeAsync,
	"LOG_LEVEL":                       "info",
	"CORS_ALLOWED_ORIGINS":            "*",
	"RATE_LIMIT_PER_MINUTE":           60,
	"EXCHANGE_API_URL":                "https://api.frankfurter.app",
	"EXCHANGE_API_TIMEOUT":            "5s",
	"EXCHANGE_CACHE_SIZE":             1000,
	"EXCHANGE_CACHE_TTL":              "1h",
	"EXCHANGE_RETRY_MAX_ATTEMPTS":     3,
	"EXCHANGE_RETRY_INITIAL_INTERVAL": "200ms",
	"EXCHANGE_RETRY_MAX_INTERVAL":     "2s",
	"EXCHANGE_FETCH_TIMEOUT":          "30s",
	"BREAKER_MAX_FAILURES":            5,
	"BREAKER_OPEN_TIMEOUT":            "30s",
	"RABBITMQ_PREFETCH":               20,
	"SETTLEMENT_WORKERS":              8,
	"SETTLEMENT_MAX_REDELIVERIES":     5,
	"OUTBOX_POLL_INTERVAL":            "1200ms",
	"OUTBOX_BATCH_SIZE":               50,
	"RECONCILE_CRON":                  "@every 1m",
	"RECONCILE_STALE_AFTER":           "2m",
}

// LoadConfig reads configuration from the environment and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		viper.SetDefault(key, value)
		// Bind explicitly so Unmarshal sees environment-only keys.
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL", "RABBITMQ_URL", "AMQP_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("JWT_SECRET")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			config.Warnings = append(config.Warnings, fmt.Sprintf("failed to read config file, using environment values: %v", err))
		}
		err = nil
	}

	warnings := config.Warnings
	if err = viper.Unmarshal(&config); err != nil {
		return
	}
	config.Warnings = warnings
	config.normalize()
	return
}

func (c *Config) warnf(format string, args ...interface{}) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

func (c *Config) normalize() {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		c.ServerPort = port
	}
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.ExchangeAPIURL = strings.TrimRight(strings.TrimSpace(c.ExchangeAPIURL), "/")
	c.RedisKeyPrefix = strings.TrimSpace(c.RedisKeyPrefix)
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = "transfer"
	}

	c.ProcessingMode = strings.ToLower(strings.TrimSpace(c.ProcessingMode))
	if c.ProcessingMode != ProcessingModeSync && c.ProcessingMode != ProcessingModeAsync {
		c.warnf("unknown PROCESSING_MODE %q, falling back to %s", c.ProcessingMode, ProcessingModeAsync)
		c.ProcessingMode = ProcessingModeAsync
	}

	origins := make([]string, 0, len(c.CORSAllowedOrigins))
	for _, raw := range c.CORSAllowedOrigins {
		// Values from the environment arrive as a single comma separated string.
		for _, origin := range strings.Split(raw, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				origins = append(origins, origin)
			}
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c.CORSAllowedOrigins = origins

	if c.DatabaseMaxConns <= 0 {
		c.DatabaseMaxConns = 100
	}
	if c.DatabaseMinConns < 0 || c.DatabaseMinConns > c.DatabaseMaxConns {
		c.warnf("DATABASE_MIN_CONNS %d out of range, clamping", c.DatabaseMinConns)
		c.DatabaseMinConns = 0
	}
	if c.RateLimitPerMinute < 0 {
		c.RateLimitPerMinute = 0
	}

	if c.ExchangeAPITimeout <= 0 {
		c.ExchangeAPITimeout = 5 * time.Second
	}
	if c.ExchangeCacheSize <= 0 {
		c.warnf("EXCHANGE_CACHE_SIZE must be positive, using 1000")
		c.ExchangeCacheSize = 1000
	}
	if c.ExchangeCacheTTL <= 0 {
		c.ExchangeCacheTTL = time.Hour
	}
	if c.ExchangeRetryMaxAttempts < 1 {
		c.ExchangeRetryMaxAttempts = 1
	}
	if c.ExchangeRetryMaxAttempts > 10 {
		c.warnf("EXCHANGE_RETRY_MAX_ATTEMPTS %d too high, capping at 10", c.ExchangeRetryMaxAttempts)
		c.ExchangeRetryMaxAttempts = 10
	}
	if c.ExchangeRetryInitialInterval <= 0 {
		c.ExchangeRetryInitialInterval = 200 * time.Millisecond
	}
	if c.ExchangeRetryMaxInterval < c.ExchangeRetryInitialInterval {
		c.ExchangeRetryMaxInterval = c.ExchangeRetryInitialInterval
	}
	if c.ExchangeFetchTimeout <= 0 {
		c.ExchangeFetchTimeout = 30 * time.Second
	}
	if c.BreakerMaxFailures == 0 {
		c.BreakerMaxFailures = 5
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = 30 * time.Second
	}

	if c.RabbitMQPrefetch <= 0 {
		c.RabbitMQPrefetch = 20
	}
	if c.SettlementWorkers <= 0 {
		c.SettlementWorkers = 1
	}
	if c.SettlementMaxRedeliveries <= 0 {
		c.SettlementMaxRedeliveries = 5
	}
	if c.OutboxPollInterval <= 0 {
		c.OutboxPollInterval = 1200 * time.Millisecond
	}
	if c.OutboxBatchSize <= 0 {
		c.OutboxBatchSize = 50
	}
	c.ReconcileCron = strings.TrimSpace(c.ReconcileCron)
	if c.ReconcileCron == "" {
		c.ReconcileCron = "@every 1m"
	}
	if c.ReconcileStaleAfter <= 0 {
		c.ReconcileStaleAfter = 2 * time.Minute
	}
}
