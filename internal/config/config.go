/**
 * @description
 * This package handles the configuration management for the escrow engine. It
 * uses the Viper library to read configuration from environment variables and
 * an optional .env file, then sanitizes the business parameters so a bad
 * deployment value degrades to a safe default instead of failing open.
 *
 * @dependencies
 * - github.com/spf13/viper: application configuration.
 * - github.com/joho/godotenv: optional .env loading for local development.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables of the escrow engine.
type Config struct {
	ServerPort          string `mapstructure:"SERVER_PORT"`
	DatabaseURL         string `mapstructure:"DATABASE_URL"`
	RedisURL            string `mapstructure:"REDIS_URL"`
	RedisPrefix         string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL         string `mapstructure:"RABBITMQ_URL"`
	EventsExchange      string `mapstructure:"EVENTS_EXCHANGE"`
	DisputeExchange     string `mapstructure:"DISPUTE_EXCHANGE"`
	DisputeEventsQueue  string `mapstructure:"DISPUTE_EVENTS_QUEUE"`
	ProviderExchange    string `mapstructure:"PROVIDER_EXCHANGE"`
	ProviderEventsQueue string `mapstructure:"PROVIDER_EVENTS_QUEUE"`

	InternalAPIKey   string `mapstructure:"INTERNAL_API_KEY"`
	WebhookJWTSecret string `mapstructure:"WEBHOOK_JWT_SECRET"`

	IdentityServiceURL    string `mapstructure:"IDENTITY_SERVICE_URL"`
	IdentityServiceAPIKey string `mapstructure:"IDENTITY_SERVICE_API_KEY"`
	CustodianPhone        string `mapstructure:"CUSTODIAN_PHONE"`

	OrangeMoneyBaseURL       string  `mapstructure:"ORANGE_MONEY_BASE_URL"`
	OrangeMoneyAPIKey        string  `mapstructure:"ORANGE_MONEY_API_KEY"`
	MTNMoMoBaseURL           string  `mapstructure:"MTN_MOMO_BASE_URL"`
	MTNMoMoAPIKey            string  `mapstructure:"MTN_MOMO_API_KEY"`
	MoovMoneyBaseURL         string  `mapstructure:"MOOV_MONEY_BASE_URL"`
	MoovMoneyAPIKey          string  `mapstructure:"MOOV_MONEY_API_KEY"`
	GatewayRequestsPerSecond float64 `mapstructure:"GATEWAY_REQUESTS_PER_SECOND"`

	MaterialsPercent          int     `mapstructure:"MATERIALS_PERCENT"`
	LaborPercent              int     `mapstructure:"LABOR_PERCENT"`
	ServiceFeePercent         int     `mapstructure:"SERVICE_FEE_PERCENT"`
	TokenTTLHours             int     `mapstructure:"TOKEN_TTL_HOURS"`
	ProximityThresholdMeters  float64 `mapstructure:"PROXIMITY_THRESHOLD_METERS"`
	MaxLocationAccuracyMeters float64 `mapstructure:"MAX_LOCATION_ACCURACY_METERS"`

	PaymentMaxRetries         int    `mapstructure:"PAYMENT_MAX_RETRIES"`
	PaymentRetryBaseDelayMS   int    `mapstructure:"PAYMENT_RETRY_BASE_DELAY_MS"`
	GatewayCallTimeoutSeconds int    `mapstructure:"GATEWAY_CALL_TIMEOUT_SECONDS"`
	NonRetryableErrorCodes    string `mapstructure:"NON_RETRYABLE_ERROR_CODES"`

	ReconcileMinAgeMinutes int    `mapstructure:"RECONCILE_MIN_AGE_MINUTES"`
	ReconcileBatchSize     int    `mapstructure:"RECONCILE_BATCH_SIZE"`
	ReconcileSchedule      string `mapstructure:"RECONCILE_SCHEDULE"`
	TokenExpirySchedule    string `mapstructure:"TOKEN_EXPIRY_SCHEDULE"`

	FallbackCodeTTLSeconds   int `mapstructure:"FALLBACK_CODE_TTL_SECONDS"`
	FallbackCodeMaxAttempts  int `mapstructure:"FALLBACK_CODE_MAX_ATTEMPTS"`
	RedeemRateLimitPerMinute int `mapstructure:"REDEEM_RATE_LIMIT_PER_MINUTE"`
}

var defaults = map[string]interface{}{
	"SERVER_PORT":                  "8080",
	"REDIS_KEY_PREFIX":             "escrow",
	"EVENTS_EXCHANGE":              "escrow_events",
	"DISPUTE_EXCHANGE":             "dispute_events",
	"DISPUTE_EVENTS_QUEUE":         "escrow_engine.disputes",
	"PROVIDER_EXCHANGE":            "provider_events",
	"PROVIDER_EVENTS_QUEUE":        "escrow_engine.provider_status",
	"GATEWAY_REQUESTS_PER_SECOND":  5.0,
	"MATERIALS_PERCENT":            65,
	"LABOR_PERCENT":                35,
	"SERVICE_FEE_PERCENT":          0,
	"TOKEN_TTL_HOURS":              720,
	"PROXIMITY_THRESHOLD_METERS":   100.0,
	"MAX_LOCATION_ACCURACY_METERS": 50.0,
	"PAYMENT_MAX_RETRIES":          3,
	"PAYMENT_RETRY_BASE_DELAY_MS":  1000,
	"GATEWAY_CALL_TIMEOUT_SECONDS": 30,
	"NON_RETRYABLE_ERROR_CODES":    "",
	"RECONCILE_MIN_AGE_MINUTES":    15,
	"RECONCILE_BATCH_SIZE":         100,
	"RECONCILE_SCHEDULE":           "*/15 * * * *",
	"TOKEN_EXPIRY_SCHEDULE":        "5 * * * *",
	"FALLBACK_CODE_TTL_SECONDS":    300,
	"FALLBACK_CODE_MAX_ATTEMPTS":   5,
	"REDEEM_RATE_LIMIT_PER_MINUTE": 10,
}

var envKeys = []string{
	"SERVER_PORT", "DATABASE_URL", "REDIS_URL", "REDIS_KEY_PREFIX", "RABBITMQ_URL",
	"EVENTS_EXCHANGE", "DISPUTE_EXCHANGE", "DISPUTE_EVENTS_QUEUE", "PROVIDER_EXCHANGE", "PROVIDER_EVENTS_QUEUE",
	"INTERNAL_API_KEY", "WEBHOOK_JWT_SECRET",
	"IDENTITY_SERVICE_URL", "IDENTITY_SERVICE_API_KEY", "CUSTODIAN_PHONE",
	"ORANGE_MONEY_BASE_URL", "ORANGE_MONEY_API_KEY", "MTN_MOMO_BASE_URL", "MTN_MOMO_API_KEY",
	"MOOV_MONEY_BASE_URL", "MOOV_MONEY_API_KEY", "GATEWAY_REQUESTS_PER_SECOND",
	"MATERIALS_PERCENT", "LABOR_PERCENT", "SERVICE_FEE_PERCENT", "TOKEN_TTL_HOURS",
	"PROXIMITY_THRESHOLD_METERS", "MAX_LOCATION_ACCURACY_METERS",
	"PAYMENT_MAX_RETRIES", "PAYMENT_RETRY_BASE_DELAY_MS", "GATEWAY_CALL_TIMEOUT_SECONDS", "NON_RETRYABLE_ERROR_CODES",
	"RECONCILE_MIN_AGE_MINUTES", "RECONCILE_BATCH_SIZE", "RECONCILE_SCHEDULE", "TOKEN_EXPIRY_SCHEDULE",
	"FALLBACK_CODE_TTL_SECONDS", "FALLBACK_CODE_MAX_ATTEMPTS", "REDEEM_RATE_LIMIT_PER_MINUTE",
}

// LoadConfig reads configuration from the environment, an optional .env file
// in path, and the defaults above.
func LoadConfig(path string) (config Config, err error) {
	// godotenv never overrides variables already present in the environment.
	if path != "" {
		if loadErr := godotenv.Load(path + "/.env"); loadErr != nil && !os.IsNotExist(loadErr) {
			log.Printf("level=warn component=config msg=\"failed to load .env file\" err=%v", loadErr)
		}
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		viper.SetDefault(key, value)
	}
	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "ESCROW_SERVICE_INTERNAL_API_KEY")

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.sanitize()
	return
}

func (c *Config) sanitize() {
	c.InternalAPIKey = strings.TrimSpace(c.InternalAPIKey)
	c.WebhookJWTSecret = strings.TrimSpace(c.WebhookJWTSecret)
	c.IdentityServiceAPIKey = strings.TrimSpace(c.IdentityServiceAPIKey)
	if c.IdentityServiceAPIKey == "" {
		c.IdentityServiceAPIKey = c.InternalAPIKey
	}
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RedisPrefix = strings.TrimSpace(c.RedisPrefix)
	if c.RedisPrefix == "" {
		c.RedisPrefix = "escrow"
	}

	if c.MaterialsPercent < 0 || c.LaborPercent < 0 || c.MaterialsPercent+c.LaborPercent != 100 {
		log.Printf("level=warn component=config msg=\"fragmentation percentages must sum to 100; using 65/35\" materials=%d labor=%d", c.MaterialsPercent, c.LaborPercent)
		c.MaterialsPercent, c.LaborPercent = 65, 35
	}
	if c.ServiceFeePercent < 0 || c.ServiceFeePercent >= 100 {
		log.Printf("level=warn component=config msg=\"service fee percent out of range; coercing to zero\" fee_percent=%d", c.ServiceFeePercent)
		c.ServiceFeePercent = 0
	}

	positiveInt(&c.TokenTTLHours, "TOKEN_TTL_HOURS")
	positiveInt(&c.PaymentMaxRetries, "PAYMENT_MAX_RETRIES")
	positiveInt(&c.PaymentRetryBaseDelayMS, "PAYMENT_RETRY_BASE_DELAY_MS")
	positiveInt(&c.GatewayCallTimeoutSeconds, "GATEWAY_CALL_TIMEOUT_SECONDS")
	positiveInt(&c.ReconcileMinAgeMinutes, "RECONCILE_MIN_AGE_MINUTES")
	positiveInt(&c.ReconcileBatchSize, "RECONCILE_BATCH_SIZE")
	positiveInt(&c.FallbackCodeTTLSeconds, "FALLBACK_CODE_TTL_SECONDS")
	positiveInt(&c.FallbackCodeMaxAttempts, "FALLBACK_CODE_MAX_ATTEMPTS")
	positiveInt(&c.RedeemRateLimitPerMinute, "REDEEM_RATE_LIMIT_PER_MINUTE")
	positiveFloat(&c.ProximityThresholdMeters, "PROXIMITY_THRESHOLD_METERS")
	positiveFloat(&c.MaxLocationAccuracyMeters, "MAX_LOCATION_ACCURACY_METERS")
	positiveFloat(&c.GatewayRequestsPerSecond, "GATEWAY_REQUESTS_PER_SECOND")

	c.ReconcileSchedule = strings.TrimSpace(c.ReconcileSchedule)
	c.TokenExpirySchedule = strings.TrimSpace(c.TokenExpirySchedule)
}

func positiveInt(v *int, key string) {
	if *v > 0 {
		return
	}
	def := defaults[key].(int)
	log.Printf("level=warn component=config msg=\"non-positive value; using default\" key=%s value=%d default=%d", key, *v, def)
	*v = def
}

func positiveFloat(v *float64, key string) {
	if *v > 0 {
		return
	}
	def := defaults[key].(float64)
	log.Printf("level=warn component=config msg=\"non-positive value; using default\" key=%s value=%g default=%g", key, *v, def)
	*v = def
}

// NonRetryableCodes splits NON_RETRYABLE_ERROR_CODES. Nil means the built-in set.
func (c Config) NonRetryableCodes() []string {
	var codes []string
	for _, part := range strings.Split(c.NonRetryableErrorCodes, ",") {
		if code := strings.ToUpper(strings.TrimSpace(part)); code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}

func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLHours) * time.Hour
}

func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.PaymentRetryBaseDelayMS) * time.Millisecond
}

func (c Config) GatewayCallTimeout() time.Duration {
	return time.Duration(c.GatewayCallTimeoutSeconds) * time.Second
}

func (c Config) ReconcileMinAge() time.Duration {
	return time.Duration(c.ReconcileMinAgeMinutes) * time.Minute
}

func (c Config) FallbackCodeTTL() time.Duration {
	return time.Duration(c.FallbackCodeTTLSeconds) * time.Second
}
