/**
 * @description
 * This file handles the configuration management for the licensing-service.
 * It uses the 'viper' library to load configuration from environment variables,
 * providing a centralized and consistent way to manage application settings.
 */
package config

import (
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	AMQPURL     string `mapstructure:"AMQP_URL"`

	JWTSecret string `mapstructure:"JWT_SECRET"`

	// Google Play API access. PlayAPIBaseURL is overridable so tests and staging can
	// point the client at a stand-in server.
	PlayAPIBaseURL string `mapstructure:"PLAY_API_BASE_URL"`
	PlayAPIToken   string `mapstructure:"PLAY_API_TOKEN"`
	PlayPackage    string `mapstructure:"PLAY_PACKAGE"`

	// Sweep job.
	SweepSchedule  string `mapstructure:"SWEEP_SCHEDULE"`
	SweepBatchSize int    `mapstructure:"SWEEP_BATCH_SIZE"`

	// Rate limiting for the public webhook/verify endpoints.
	RateLimitPerMinute int    `mapstructure:"RATE_LIMIT_PER_MINUTE"`
	RateLimitPrefix    string `mapstructure:"RATE_LIMIT_PREFIX"`

	// Backup blob storage directory.
	BackupStorageDir string `mapstructure:"BACKUP_STORAGE_DIR"`
}

// AgentConfig holds the configuration for the headless device agent.
type AgentConfig struct {
	ServerURL string `mapstructure:"GATE_SERVER_URL"`
	AuthToken string `mapstructure:"GATE_AUTH_TOKEN"`
	UID       string `mapstructure:"GATE_UID"`
	Email     string `mapstructure:"GATE_EMAIL"`
	Platform  string `mapstructure:"GATE_PLATFORM"`
	StateDir  string `mapstructure:"GATE_STATE_DIR"`

	// Offline forces the agent onto the local advisory lock path, for air-gapped
	// runs and testing.
	Offline bool `mapstructure:"GATE_OFFLINE"`
}

// LoadAgentConfig reads the device agent configuration from environment variables.
func LoadAgentConfig() (config AgentConfig, err error) {
	viper.SetDefault("GATE_SERVER_URL", "http://localhost:8086")
	viper.SetDefault("GATE_PLATFORM", "android")
	viper.SetDefault("GATE_STATE_DIR", "./data/gate")
	viper.AutomaticEnv()

	_ = viper.BindEnv("GATE_SERVER_URL")
	_ = viper.BindEnv("GATE_AUTH_TOKEN")
	_ = viper.BindEnv("GATE_UID")
	_ = viper.BindEnv("GATE_EMAIL")
	_ = viper.BindEnv("GATE_PLATFORM")
	_ = viper.BindEnv("GATE_STATE_DIR")
	_ = viper.BindEnv("GATE_OFFLINE")

	err = viper.Unmarshal(&config)
	return
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (config Config, err error) {
	viper.SetDefault("SERVER_PORT", "8086")
	viper.SetDefault("PLAY_API_BASE_URL", "https://androidpublisher.googleapis.com")
	viper.SetDefault("SWEEP_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("SWEEP_BATCH_SIZE", 450)
	viper.SetDefault("RATE_LIMIT_PER_MINUTE", 120)
	viper.SetDefault("RATE_LIMIT_PREFIX", "alcalc:rate_limit")
	viper.SetDefault("BACKUP_STORAGE_DIR", "./data/backups")
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("AMQP_URL")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("PLAY_API_BASE_URL")
	_ = viper.BindEnv("PLAY_API_TOKEN")
	_ = viper.BindEnv("PLAY_PACKAGE")
	_ = viper.BindEnv("SWEEP_SCHEDULE")
	_ = viper.BindEnv("SWEEP_BATCH_SIZE")
	_ = viper.BindEnv("RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("BACKUP_STORAGE_DIR")

	err = viper.Unmarshal(&config)
	return
}
