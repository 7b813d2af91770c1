// Package bootstrap builds the collaborators every service shares from a
// loaded configuration.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-loyalty-ledger/shared/audit"
	"github.com/pavitra93/go-loyalty-ledger/shared/catalog"
	"github.com/pavitra93/go-loyalty-ledger/shared/config"
	"github.com/pavitra93/go-loyalty-ledger/shared/events"
	"github.com/pavitra93/go-loyalty-ledger/shared/ledger"
	"github.com/pavitra93/go-loyalty-ledger/shared/lifecycle"
	"github.com/pavitra93/go-loyalty-ledger/shared/metrics"
	"github.com/pavitra93/go-loyalty-ledger/shared/payment"
	"github.com/pavitra93/go-loyalty-ledger/shared/redemption"
	"github.com/pavitra93/go-loyalty-ledger/shared/store/memory"
	"github.com/pavitra93/go-loyalty-ledger/shared/store/postgres"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
	"github.com/pavitra93/go-loyalty-ledger/shared/txmanager"
	"github.com/pavitra93/go-loyalty-ledger/shared/utils"
)

// Storage is every storage port. Both the memory and the postgres store
// implement it.
type Storage interface {
	ledger.Store
	catalog.Store
	redemption.Store
	audit.Store
	lifecycle.Provisioner
	tenancy.Registry
}

// Backend is an opened store with its transaction manager.
type Backend struct {
	Store Storage
	Tx    txmanager.AdminManager
	Pool  *txmanager.Pool

	closers []func() error
}

// Open connects the configured store. STORE_DRIVER=memory keeps all data
// in process and seeds DEV_TENANT_API_KEY when set.
func Open(ctx context.Context, cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) (*Backend, error) {
	pool := txmanager.NewPool(cfg.Database.MaxOpenConns, cfg.Database.AcquireTimeout, m)

	if cfg.StoreDriver == "memory" {
		store := memory.New(pool)
		if cfg.DevTenantAPIKey != "" {
			tenant, _, err := store.SeedTenant(ctx, "development", cfg.DevTenantAPIKey)
			if err != nil {
				return nil, err
			}
			logger.WithField("tenant_id", tenant.ID).Info("seeded development tenant")
		}
		logger.Warn("using in-memory store, data is lost on restart")
		return &Backend{Store: store, Tx: store, Pool: pool}, nil
	}

	db, err := config.ConnectDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}
	store := postgres.New(db)
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	tx, err := txmanager.NewPostgres(db, pool, cfg.Database.Isolation)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}
	return &Backend{Store: store, Tx: tx, Pool: pool, closers: []func() error{sqlDB.Close}}, nil
}

// Close releases the database connections.
func (b *Backend) Close() {
	for _, c := range b.closers {
		_ = c()
	}
}

// NewResolver builds the credential resolver with a Redis cache when
// REDIS_ADDR is set and an in-process cache otherwise. The returned func
// closes the Redis client.
func NewResolver(ctx context.Context, cfg *config.Config, registry tenancy.Registry, logger *logrus.Logger, m *metrics.Metrics) (*tenancy.Resolver, func(), error) {
	var (
		cache   tenancy.Cache = memory.NewCache()
		closeFn               = func() {}
	)
	if cfg.RedisAddr != "" {
		client, err := utils.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, nil, err
		}
		cache = utils.NewRedisCache(client, "loyalty:")
		closeFn = func() { _ = client.Close() }
	}

	opts := []tenancy.ResolverOption{
		tenancy.WithCache(cache, cfg.TenantCacheTTL),
		tenancy.WithMetrics(m),
	}
	if cfg.SessionJWKSURL != "" {
		verifier := tenancy.NewJWKSVerifier(cfg.SessionJWKSURL, &http.Client{Timeout: 5 * time.Second})
		opts = append(opts, tenancy.WithSessions(verifier))
	}
	return tenancy.NewResolver(registry, logger, opts...), closeFn, nil
}

// NewPaymentGateway returns the Stripe gateway behind a circuit breaker, or
// the disabled gateway when no secret key is configured.
func NewPaymentGateway(cfg config.PaymentConfig, logger *logrus.Logger, m *metrics.Metrics) payment.Gateway {
	if cfg.StripeSecretKey == "" {
		logger.Warn("STRIPE_SECRET_KEY not set, priced rewards are disabled")
		return payment.Disabled{}
	}
	breaker := utils.NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerReset).
		OnStateChange(func(from, to utils.CircuitState) {
			logger.WithFields(logrus.Fields{"from": from, "to": to}).Warn("payment circuit breaker changed state")
		})
	return payment.NewGuarded(payment.NewStripeGateway(cfg.StripeSecretKey, nil), breaker, m)
}

// NewPublisher returns a Kafka publisher when KAFKA_BROKER is set. The
// returned func drains and closes it.
func NewPublisher(cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) (events.Publisher, func()) {
	if cfg.KafkaBroker == "" {
		logger.Warn("KAFKA_BROKER not set, events are discarded")
		return events.Discard{}, func() {}
	}
	kp := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.KafkaBroker), cfg.EventsTopic, 4, logger, m)
	return kp, func() {
		if err := kp.Close(); err != nil {
			logger.WithError(err).Error("failed to close event publisher")
		}
	}
}

// WorkflowConfig maps payment settings onto the redemption workflow.
func WorkflowConfig(cfg config.PaymentConfig) redemption.Config {
	return redemption.Config{
		AuthorizationTimeout: cfg.AuthorizationTimeout,
		LookupAttempts:       cfg.LookupAttempts,
	}
}
