package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/docquery/internal/platform/validate"
)

type Config struct {
	Port        string `mapstructure:"PORT" validate:"required"`
	Env         string `mapstructure:"ENV" validate:"oneof=development test production"`
	DatabaseURL string `mapstructure:"DATABASE_URL" validate:"required"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS" validate:"gt=0"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS" validate:"gte=0,ltefield=DBMaxConns"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	WebhookTimeout     time.Duration `mapstructure:"WEBHOOK_TIMEOUT" validate:"gt=0"`
	WebhookRetryJitter time.Duration `mapstructure:"WEBHOOK_RETRY_JITTER" validate:"gte=0"`
	WebhookWorkers     int           `mapstructure:"WEBHOOK_WORKERS" validate:"gt=0"`

	SweepInterval   time.Duration `mapstructure:"SWEEP_INTERVAL" validate:"gt=0"`
	SweepStaleAfter time.Duration `mapstructure:"SWEEP_STALE_AFTER" validate:"gt=0"`

	KafkaBrokers         []string `mapstructure:"KAFKA_BROKERS" validate:"required_with=KafkaConversionTopic"`
	KafkaConversionTopic string   `mapstructure:"KAFKA_CONVERSION_TOPIC"`
	KafkaGroupID         string   `mapstructure:"KAFKA_GROUP_ID"`
}

var keys = []string{
	"PORT",
	"ENV",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"AUTH_SIGNING_KEY",
	"AUTH_ISSUER",
	"AUTH_AUDIENCE",
	"WEBHOOK_TIMEOUT",
	"WEBHOOK_RETRY_JITTER",
	"WEBHOOK_WORKERS",
	"SWEEP_INTERVAL",
	"SWEEP_STALE_AFTER",
	"KAFKA_BROKERS",
	"KAFKA_CONVERSION_TOPIC",
	"KAFKA_GROUP_ID",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("WEBHOOK_TIMEOUT", "2s")
	v.SetDefault("WEBHOOK_RETRY_JITTER", "200ms")
	v.SetDefault("WEBHOOK_WORKERS", 8)
	v.SetDefault("SWEEP_INTERVAL", "5m")
	v.SetDefault("SWEEP_STALE_AFTER", "30m")
	v.SetDefault("KAFKA_GROUP_ID", "docquery-conversions")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.KafkaBrokers) == 1 && strings.Contains(cfg.KafkaBrokers[0], ",") {
		cfg.KafkaBrokers = strings.Split(cfg.KafkaBrokers[0], ",")
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// AUTH_SIGNING_KEY must be set so that tokens are actually verified.
func (c *Config) Validate() error {
	if err := validate.New().Validate(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.IsDev() && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters when ENV=%q", c.Env)
	}
	return nil
}
