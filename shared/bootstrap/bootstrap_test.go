package bootstrap

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavitra93/go-loyalty-ledger/shared/config"
	"github.com/pavitra93/go-loyalty-ledger/shared/events"
	"github.com/pavitra93/go-loyalty-ledger/shared/payment"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func memoryConfig() *config.Config {
	return &config.Config{
		StoreDriver:     "memory",
		DevTenantAPIKey: "lyl_dev-key",
		TenantCacheTTL:  time.Minute,
		Database:        config.DatabaseConfig{MaxOpenConns: 4, AcquireTimeout: time.Second},
	}
}

func TestOpenMemorySeedsDevelopmentTenant(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	backend, err := Open(ctx, cfg, quietLogger(), nil)
	require.NoError(t, err)
	defer backend.Close()

	resolver, closeFn, err := NewResolver(ctx, cfg, backend.Store, quietLogger(), nil)
	require.NoError(t, err)
	defer closeFn()

	res, err := resolver.ResolveAPIKey(ctx, "lyl_dev-key")
	require.NoError(t, err)
	assert.Equal(t, "development", res.Tenant.Name)
	assert.Equal(t, 4, backend.Pool.Size())
}

func TestDefaultsWithoutExternalServices(t *testing.T) {
	cfg := memoryConfig()
	assert.IsType(t, payment.Disabled{}, NewPaymentGateway(cfg.Payment, quietLogger(), nil))

	pub, closeFn := NewPublisher(cfg, quietLogger(), nil)
	defer closeFn()
	assert.IsType(t, events.Discard{}, pub)
}

func TestStripeGatewayIsGuarded(t *testing.T) {
	gw := NewPaymentGateway(config.PaymentConfig{StripeSecretKey: "sk_test_x", BreakerFailures: 3, BreakerReset: time.Second}, quietLogger(), nil)
	assert.IsType(t, &payment.Guarded{}, gw)
}
