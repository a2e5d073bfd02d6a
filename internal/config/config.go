/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the marketplace-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	DistributionQueue        string `mapstructure:"DISTRIBUTION_QUEUE"`
	MetricsQueue             string `mapstructure:"METRICS_QUEUE"`
	DistributionPrefetch     int    `mapstructure:"DISTRIBUTION_PREFETCH"`
	MetricsPrefetch          int    `mapstructure:"METRICS_PREFETCH"`
	MaxDeliveryAttempts      int    `mapstructure:"MAX_DELIVERY_ATTEMPTS"`
	JWTSecret                string `mapstructure:"JWT_SECRET"`
	InternalAPIKey           string `mapstructure:"INTERNAL_API_KEY"`
	IngestRateLimitPerMinute int    `mapstructure:"INGEST_RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DISTRIBUTION_QUEUE", "marketplace.lead_distribution")
	viper.SetDefault("METRICS_QUEUE", "marketplace.metrics_refresh")
	viper.SetDefault("DISTRIBUTION_PREFETCH", 1)
	viper.SetDefault("METRICS_PREFETCH", 10)
	viper.SetDefault("MAX_DELIVERY_ATTEMPTS", 5)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "leadflow:rate_limit")
	viper.SetDefault("INGEST_RATE_LIMIT_PER_MINUTE", 120)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "MARKETPLACE_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("DISTRIBUTION_QUEUE")
	_ = viper.BindEnv("METRICS_QUEUE")
	_ = viper.BindEnv("DISTRIBUTION_PREFETCH")
	_ = viper.BindEnv("METRICS_PREFETCH")
	_ = viper.BindEnv("MAX_DELIVERY_ATTEMPTS")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "MARKETPLACE_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("INGEST_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("MARKETPLACE_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "leadflow:rate_limit"
	}

	if config.DistributionPrefetch <= 0 {
		config.DistributionPrefetch = 1
	}
	if config.MetricsPrefetch <= 0 {
		config.MetricsPrefetch = 10
	}
	if config.MaxDeliveryAttempts <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive max delivery attempts configured; coercing to default\" attempts=%d", config.MaxDeliveryAttempts)
		config.MaxDeliveryAttempts = 5
	}
	if config.IngestRateLimitPerMinute <= 0 {
		config.IngestRateLimitPerMinute = 120
	}

	return
}
