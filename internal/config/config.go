/**
 * @description
 * This package handles the configuration management for the payout-service. It uses
 * Viper to read settings from environment variables and an optional .env file, and
 * normalizes the values the resilience layer depends on.
 *
 * @notes
 * - Invalid numeric settings are logged and coerced back to their defaults rather
 *   than failing startup; only DATABASE_URL and INTERNAL_API_KEY are mandatory.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"errors"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the payout-service.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix       string `mapstructure:"REDIS_KEY_PREFIX"`
	SharedStoreTimeoutMS int    `mapstructure:"SHARED_STORE_TIMEOUT_MS"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	WebhookEventQueue    string `mapstructure:"WEBHOOK_EVENT_QUEUE"`
	SaleEventsExchange   string `mapstructure:"SALE_EVENTS_EXCHANGE"`

	ProcessorAPIBaseURL    string  `mapstructure:"PROCESSOR_API_BASE_URL"`
	ProcessorAPIKey        string  `mapstructure:"PROCESSOR_API_KEY"`
	ProcessorRatePerSecond float64 `mapstructure:"PROCESSOR_RATE_PER_SECOND"`

	InternalAPIKey   string `mapstructure:"INTERNAL_API_KEY"`
	JWTSigningSecret string `mapstructure:"JWT_SIGNING_SECRET"`

	RateLimitPolicyFile         string `mapstructure:"RATE_LIMIT_POLICY_FILE"`
	RateLimitAnonymousPerMinute int    `mapstructure:"RATE_LIMIT_ANONYMOUS_PER_MINUTE"`

	SettlementCurrency string  `mapstructure:"SETTLEMENT_CURRENCY"`
	HoldingPeriodHours int     `mapstructure:"HOLDING_PERIOD_HOURS"`
	MinimumPayoutKobo  int64   `mapstructure:"MINIMUM_PAYOUT_KOBO"`
	PayoutFeeKobo      int64   `mapstructure:"PAYOUT_FEE_KOBO"`
	PlatformFeePercent float64 `mapstructure:"PLATFORM_FEE_PERCENT"`

	BreakerFailureThreshold     int `mapstructure:"BREAKER_FAILURE_THRESHOLD"`
	BreakerRollingPeriodSeconds int `mapstructure:"BREAKER_ROLLING_PERIOD_SECONDS"`
	BreakerResetTimeoutSeconds  int `mapstructure:"BREAKER_RESET_TIMEOUT_SECONDS"`
	RetryMaxAttempts            int `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelayMS            int `mapstructure:"RETRY_BASE_DELAY_MS"`
	RetryMaxDelayMS             int `mapstructure:"RETRY_MAX_DELAY_MS"`

	SettlementJobSchedule      string `mapstructure:"SETTLEMENT_JOB_SCHEDULE"`
	MaturationJobSchedule      string `mapstructure:"MATURATION_JOB_SCHEDULE"`
	ReconcileJobSchedule       string `mapstructure:"RECONCILE_JOB_SCHEDULE"`
	ReconcileStaleAfterMinutes int    `mapstructure:"RECONCILE_STALE_AFTER_MINUTES"`
}

var defaults = map[string]interface{}{
	"SERVER_PORT":                     "8080",
	"REDIS_KEY_PREFIX":                "transfa:payouts",
	"SHARED_STORE_TIMEOUT_MS":         250,
	"WEBHOOK_EVENT_QUEUE":             "payout_service.sale_events",
	"SALE_EVENTS_EXCHANGE":            "sale_events",
	"PROCESSOR_RATE_PER_SECOND":       10.0,
	"RATE_LIMIT_ANONYMOUS_PER_MINUTE": 30,
	"SETTLEMENT_CURRENCY":             "NGN",
	"HOLDING_PERIOD_HOURS":            168,
	"MINIMUM_PAYOUT_KOBO":             500000, // ₦5,000.00
	"PAYOUT_FEE_KOBO":                 5000,   // ₦50.00
	"PLATFORM_FEE_PERCENT":            10.0,
	"BREAKER_FAILURE_THRESHOLD":       5,
	"BREAKER_ROLLING_PERIOD_SECONDS":  60,
	"BREAKER_RESET_TIMEOUT_SECONDS":   30,
	"RETRY_MAX_ATTEMPTS":              3,
	"RETRY_BASE_DELAY_MS":             200,
	"RETRY_MAX_DELAY_MS":              5000,
	"SETTLEMENT_JOB_SCHEDULE":         "0 3 * * *",    // At 03:00 every day.
	"MATURATION_JOB_SCHEDULE":         "0 * * * *",    // Every hour.
	"RECONCILE_JOB_SCHEDULE":          "*/15 * * * *", // Every 15 minutes.
	"RECONCILE_STALE_AFTER_MINUTES":   30,
}

var boundKeys = []string{
	"PROCESSOR_API_BASE_URL",
	"PROCESSOR_API_KEY",
	"DATABASE_URL",
	"REDIS_URL",
	"RABBITMQ_URL",
	"JWT_SIGNING_SECRET",
	"RATE_LIMIT_POLICY_FILE",
}

// LoadConfig reads configuration from environment variables and an optional .env
// file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		viper.SetDefault(key, value)
		_ = viper.BindEnv(key)
	}
	for _, key := range boundKeys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYOUT_SERVICE_INTERNAL_API_KEY")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.normalize()

	if config.DatabaseURL == "" {
		return config, errors.New("DATABASE_URL is required")
	}
	if config.InternalAPIKey == "" {
		return config, errors.New("INTERNAL_API_KEY is required")
	}
	return config, nil
}

func (c *Config) normalize() {
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.InternalAPIKey = strings.TrimSpace(c.InternalAPIKey)
	c.RedisKeyPrefix = strings.TrimSpace(c.RedisKeyPrefix)
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = defaults["REDIS_KEY_PREFIX"].(string)
	}
	c.SettlementCurrency = strings.ToUpper(strings.TrimSpace(c.SettlementCurrency))
	if c.SettlementCurrency == "" {
		c.SettlementCurrency = defaults["SETTLEMENT_CURRENCY"].(string)
	}

	positiveInt(&c.SharedStoreTimeoutMS, "SHARED_STORE_TIMEOUT_MS")
	positiveInt(&c.RateLimitAnonymousPerMinute, "RATE_LIMIT_ANONYMOUS_PER_MINUTE")
	positiveInt(&c.BreakerFailureThreshold, "BREAKER_FAILURE_THRESHOLD")
	positiveInt(&c.BreakerRollingPeriodSeconds, "BREAKER_ROLLING_PERIOD_SECONDS")
	positiveInt(&c.BreakerResetTimeoutSeconds, "BREAKER_RESET_TIMEOUT_SECONDS")
	positiveInt(&c.RetryMaxAttempts, "RETRY_MAX_ATTEMPTS")
	positiveInt(&c.RetryBaseDelayMS, "RETRY_BASE_DELAY_MS")
	positiveInt(&c.RetryMaxDelayMS, "RETRY_MAX_DELAY_MS")
	positiveInt(&c.ReconcileStaleAfterMinutes, "RECONCILE_STALE_AFTER_MINUTES")

	if c.HoldingPeriodHours < 0 {
		log.Printf("level=warn component=config msg=\"negative holding period configured; coercing to zero\" hours=%d", c.HoldingPeriodHours)
		c.HoldingPeriodHours = 0
	}
	if c.PayoutFeeKobo < 0 {
		log.Printf("level=warn component=config msg=\"negative payout fee configured; coercing to zero\" fee_kobo=%d", c.PayoutFeeKobo)
		c.PayoutFeeKobo = 0
	}
	// A payout must always leave the creator a positive net amount.
	if c.MinimumPayoutKobo <= c.PayoutFeeKobo {
		log.Printf("level=warn component=config msg=\"minimum payout must exceed payout fee; raising\" minimum_kobo=%d fee_kobo=%d", c.MinimumPayoutKobo, c.PayoutFeeKobo)
		c.MinimumPayoutKobo = c.PayoutFeeKobo + 1
	}
	if c.PlatformFeePercent < 0 || c.PlatformFeePercent > 100 {
		log.Printf("level=warn component=config msg=\"platform fee percent out of range; using default\" percent=%v", c.PlatformFeePercent)
		c.PlatformFeePercent = defaults["PLATFORM_FEE_PERCENT"].(float64)
	}
	if c.ProcessorRatePerSecond <= 0 {
		log.Printf("level=warn component=config msg=\"invalid processor rate; using default\" rate=%v", c.ProcessorRatePerSecond)
		c.ProcessorRatePerSecond = defaults["PROCESSOR_RATE_PER_SECOND"].(float64)
	}
	if c.RetryMaxDelayMS < c.RetryBaseDelayMS {
		log.Printf("level=warn component=config msg=\"retry max delay below base delay; raising\" base_ms=%d max_ms=%d", c.RetryBaseDelayMS, c.RetryMaxDelayMS)
		c.RetryMaxDelayMS = c.RetryBaseDelayMS
	}
}

func positiveInt(value *int, key string) {
	if *value > 0 {
		return
	}
	fallback := defaults[key].(int)
	log.Printf("level=warn component=config msg=\"non-positive value configured; using default\" key=%s value=%d default=%d", key, *value, fallback)
	*value = fallback
}

// SharedStoreTimeout is the per-operation deadline for SharedStore calls.
func (c Config) SharedStoreTimeout() time.Duration {
	return time.Duration(c.SharedStoreTimeoutMS) * time.Millisecond
}

// HoldingPeriod is how long an earning stays PENDING before it can be paid out.
func (c Config) HoldingPeriod() time.Duration {
	return time.Duration(c.HoldingPeriodHours) * time.Hour
}

// ReconcileStaleAfter is how old a PROCESSING payout must be before the reconciler checks it.
func (c Config) ReconcileStaleAfter() time.Duration {
	return time.Duration(c.ReconcileStaleAfterMinutes) * time.Minute
}
