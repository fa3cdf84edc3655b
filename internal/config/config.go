/**
 * @description
 * This file handles the configuration management for the billing-service.
 * It uses the 'viper' library to load configuration from environment
 * variables, providing a centralized and consistent way to manage
 * application settings.
 */
package config

import (
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	PaymentAPIURL        string `mapstructure:"PAYMENT_API_URL"`
	PaymentAPIKey        string `mapstructure:"PAYMENT_API_KEY"`
	PaymentWebhookSecret string `mapstructure:"PAYMENT_WEBHOOK_SECRET"`
	AuthJWKSURL          string `mapstructure:"AUTH_JWKS_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	SweepSchedule        string `mapstructure:"SWEEP_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (config Config, err error) {
	viper.SetDefault("SERVER_PORT", "8086")
	viper.SetDefault("SWEEP_SCHEDULE", "@hourly")
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("PAYMENT_API_URL")
	_ = viper.BindEnv("PAYMENT_API_KEY")
	_ = viper.BindEnv("PAYMENT_WEBHOOK_SECRET")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("SWEEP_SCHEDULE")

	err = viper.Unmarshal(&config)
	return
}
