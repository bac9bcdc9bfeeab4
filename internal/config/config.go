package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// ProviderConfig holds credentials for one payment network. A provider with
// Enabled=false is not registered.
type ProviderConfig struct {
	Enabled       bool   `env:"ENABLED" envDefault:"false"`
	BaseURL       string `env:"BASE_URL"`
	PublicKey     string `env:"PUBLIC_KEY"`
	SecretKey     string `env:"SECRET_KEY"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	CallbackURL   string `env:"CALLBACK_URL"`
	RedirectURL   string `env:"REDIRECT_URL"`
	// M-Pesa specific
	ShortCode string `env:"SHORT_CODE"`
	Passkey   string `env:"PASSKEY"`
}

type Config struct {
	AppEnv     string `env:"APP_ENV" envDefault:"development"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`

	// StorageBackend is postgres, or memory for local development.
	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"postgres"`
	DBHost         string `env:"DB_HOST" envDefault:"localhost"`
	DBPort         string `env:"DB_PORT" envDefault:"5432"`
	DBUser         string `env:"DB_USER" envDefault:"postgres"`
	DBPassword     string `env:"DB_PASSWORD" envDefault:"password"`
	DBName         string `env:"DB_NAME" envDefault:"payments"`
	DBSSLMode      string `env:"DB_SSLMODE" envDefault:"disable"`

	RateLimitRequests  int           `env:"RATE_LIMIT_REQUESTS" envDefault:"10"`
	RateLimitWindow    time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`
	RateLimitBackend   string        `env:"RATE_LIMIT_BACKEND" envDefault:"memory"`
	RedisURL           string        `env:"REDIS_URL"`
	TrustForwardedFor  bool          `env:"TRUST_FORWARDED_FOR" envDefault:"false"`
	ProviderTimeout    time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"15s"`
	ReconcileInterval  time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`
	PollInterval       time.Duration `env:"POLL_INTERVAL" envDefault:"2m"`
	PollPendingAfter   time.Duration `env:"POLL_PENDING_AFTER" envDefault:"5m"`
	BackgroundBatch    int           `env:"BACKGROUND_BATCH_SIZE" envDefault:"50"`
	KafkaBrokers       []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaPaymentsTopic string        `env:"KAFKA_PAYMENTS_TOPIC" envDefault:"payment.status_changed"`

	Mpesa       ProviderConfig `envPrefix:"MPESA_"`
	Flutterwave ProviderConfig `envPrefix:"FLUTTERWAVE_"`
	Paystack    ProviderConfig `envPrefix:"PAYSTACK_"`
	Stripe      ProviderConfig `envPrefix:"STRIPE_"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.AppEnv != EnvDevelopment && c.AppEnv != EnvProduction {
		return fmt.Errorf("invalid APP_ENV: %s (must be %q or %q)", c.AppEnv, EnvDevelopment, EnvProduction)
	}
	switch c.StorageBackend {
	case "postgres":
	case "memory":
		if c.AppEnv == EnvProduction {
			return fmt.Errorf("STORAGE_BACKEND=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("invalid STORAGE_BACKEND: %s", c.StorageBackend)
	}
	if c.RateLimitRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive")
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
	}
	switch c.RateLimitBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when RATE_LIMIT_BACKEND=redis")
		}
	default:
		return fmt.Errorf("invalid RATE_LIMIT_BACKEND: %s", c.RateLimitBackend)
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.ReconcileInterval <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL and POLL_INTERVAL must be positive")
	}
	if c.BackgroundBatch <= 0 {
		return fmt.Errorf("BACKGROUND_BATCH_SIZE must be positive")
	}

	// Unsigned webhooks are tolerated in development only.
	if c.AppEnv == EnvProduction {
		for name, p := range c.Providers() {
			if p.Enabled && p.SigningSecret(name) == "" {
				return fmt.Errorf("%s_WEBHOOK_SECRET is required in production", strings.ToUpper(name))
			}
		}
	}
	return nil
}

// apiKeySigners sign webhooks with the API secret key unless a dedicated
// webhook secret is set.
var apiKeySigners = map[string]bool{"paystack": true}

// SigningSecret returns the key the named provider signs webhooks with.
func (p ProviderConfig) SigningSecret(name string) string {
	if p.WebhookSecret == "" && apiKeySigners[name] {
		return p.SecretKey
	}
	return p.WebhookSecret
}

// Providers returns provider configs keyed by provider tag.
func (c *Config) Providers() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"mpesa":       c.Mpesa,
		"flutterwave": c.Flutterwave,
		"paystack":    c.Paystack,
		"stripe":      c.Stripe,
	}
}

func (c *Config) GetDBConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
