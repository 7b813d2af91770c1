// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config is the configuration shared by every service. Each service reads
// the fields it needs and ignores the rest.
type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	Port      string `env:"PORT" envDefault:"8080"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	Database    DatabaseConfig

	RedisAddr      string        `env:"REDIS_ADDR"`
	RedisPassword  string        `env:"REDIS_PASSWORD"`
	TenantCacheTTL time.Duration `env:"TENANT_CACHE_TTL" envDefault:"5m"`
	SessionJWKSURL string        `env:"SESSION_JWKS_URL"`
	SessionIssuer  string        `env:"SESSION_ISSUER"`

	KafkaBroker   string `env:"KAFKA_BROKER"`
	EventsTopic   string `env:"EVENTS_TOPIC" envDefault:"points-events"`
	EventsGroupID string `env:"EVENTS_GROUP_ID" envDefault:"loyalty-notifier"`

	Payment PaymentConfig

	AdminToken      string `env:"ADMIN_TOKEN"`
	DevTenantAPIKey string `env:"DEV_TENANT_API_KEY"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"50"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"100"`

	Reconcile ReconcileConfig
	Webhook   WebhookConfig

	Services ServiceURLs
}

// PaymentConfig configures the external payment collaborator.
type PaymentConfig struct {
	StripeSecretKey      string        `env:"STRIPE_SECRET_KEY"`
	AuthorizationTimeout time.Duration `env:"PAYMENT_AUTHORIZATION_TIMEOUT" envDefault:"10s"`
	LookupAttempts       int           `env:"PAYMENT_LOOKUP_ATTEMPTS" envDefault:"3"`
	BreakerFailures      int           `env:"PAYMENT_BREAKER_FAILURES" envDefault:"5"`
	BreakerReset         time.Duration `env:"PAYMENT_BREAKER_RESET" envDefault:"30s"`
}

// ReconcileConfig configures the background reconciler.
type ReconcileConfig struct {
	Interval   time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`
	StaleAfter time.Duration `env:"RECONCILE_STALE_AFTER" envDefault:"10m"`
	Workers    int           `env:"RECONCILE_WORKERS" envDefault:"4"`
}

// WebhookConfig configures event delivery to tenant webhooks.
type WebhookConfig struct {
	Timeout     time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
	MaxAttempts int           `env:"WEBHOOK_MAX_ATTEMPTS" envDefault:"4"`
	BaseDelay   time.Duration `env:"WEBHOOK_RETRY_DELAY" envDefault:"500ms"`

	// A webhook failing this many deliveries in a row is skipped until
	// BreakerReset has passed.
	BreakerFailures int           `env:"WEBHOOK_BREAKER_FAILURES" envDefault:"5"`
	BreakerReset    time.Duration `env:"WEBHOOK_BREAKER_RESET" envDefault:"1m"`
}

// ServiceURLs are the upstreams the gateway proxies to.
type ServiceURLs struct {
	Ledger string `env:"LEDGER_SERVICE_URL" envDefault:"http://localhost:8081"`
	Tenant string `env:"TENANT_SERVICE_URL" envDefault:"http://localhost:8082"`
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be positive")
	}
	if c.Payment.LookupAttempts < 1 {
		return fmt.Errorf("PAYMENT_LOOKUP_ATTEMPTS must be positive")
	}
	if c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be positive")
	}
	return nil
}
