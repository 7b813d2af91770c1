package tenancy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/models"
)

type fakeRegistry struct {
	mu      sync.Mutex
	byHash  map[string]models.Tenant
	byID    map[uuid.UUID]models.Tenant
	lookups int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{byHash: map[string]models.Tenant{}, byID: map[uuid.UUID]models.Tenant{}}
}

func (f *fakeRegistry) add(key string) models.Tenant {
	id := uuid.New()
	t := models.Tenant{ID: id, Name: "acme", APIKeyHash: HashAPIKey(key), APIKeyPrefix: key[:8], Namespace: NamespaceFor(id)}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byHash[t.APIKeyHash] = t
	f.byID[id] = t
	return t
}

func (f *fakeRegistry) remove(t models.Tenant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byHash, t.APIKeyHash)
	delete(f.byID, t.ID)
}

func (f *fakeRegistry) FindTenantByKeyHash(_ context.Context, keyHash string) (*models.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	t, ok := f.byHash[keyHash]
	if !ok {
		return nil, apperrors.ErrTenantNotFound
	}
	return &t, nil
}

func (f *fakeRegistry) FindTenantByID(_ context.Context, id uuid.UUID) (*models.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	t, ok := f.byID[id]
	if !ok {
		return nil, apperrors.ErrTenantNotFound
	}
	return &t, nil
}

type mapCache struct {
	mu sync.Mutex
	m  map[string]string
}

func (c *mapCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.m, k)
	}
	return nil
}

type fakeVerifier struct {
	claims *SessionClaims
	err    error
}

func (f fakeVerifier) Verify(context.Context, string) (*SessionClaims, error) {
	return f.claims, f.err
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestResolveAPIKey(t *testing.T) {
	reg := newFakeRegistry()
	tenant := reg.add("lyl_valid-key-000000")
	r := NewResolver(reg, quietLogger())

	res, err := r.ResolveAPIKey(context.Background(), "lyl_valid-key-000000")
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, res.Handle.TenantID())
	assert.Equal(t, tenant.Namespace, res.Handle.Namespace())
	assert.Equal(t, models.CredentialAPIKey, res.Actor.Kind)
	assert.Equal(t, "lyl_vali", res.Actor.ID)

	for _, key := range []string{"", "   ", "lyl_unknown"} {
		_, err := r.ResolveAPIKey(context.Background(), key)
		assert.ErrorIs(t, err, apperrors.ErrInvalidTenantCredential, "key %q", key)
	}
}

func TestResolveAPIKeyUsesCacheAndInvalidate(t *testing.T) {
	reg := newFakeRegistry()
	tenant := reg.add("lyl_cached-key-00000")
	cache := &mapCache{m: map[string]string{}}
	r := NewResolver(reg, quietLogger(), WithCache(cache, time.Minute))

	for i := 0; i < 3; i++ {
		_, err := r.ResolveAPIKey(context.Background(), "lyl_cached-key-00000")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, reg.lookups)

	reg.remove(tenant)
	r.Invalidate(context.Background(), tenant.APIKeyHash)

	_, err := r.ResolveAPIKey(context.Background(), "lyl_cached-key-00000")
	assert.ErrorIs(t, err, apperrors.ErrInvalidTenantCredential, "deleted tenant is rejected once invalidated")
}

func TestResolveSession(t *testing.T) {
	reg := newFakeRegistry()
	tenant := reg.add("lyl_session-owner-00")

	claims := &SessionClaims{
		CustomTenantID:   tenant.ID.String(),
		Email:            "ops@acme.test",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	}
	r := NewResolver(reg, quietLogger(), WithSessions(fakeVerifier{claims: claims}))

	res, err := r.Resolve(context.Background(), Credential{Kind: models.CredentialSession, Secret: "token"})
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, res.Handle.TenantID())
	assert.Equal(t, "user-1", res.Actor.ID)
	assert.Equal(t, "session:user-1", *res.Actor.AuditID())

	t.Run("rejected token", func(t *testing.T) {
		r := NewResolver(reg, quietLogger(), WithSessions(fakeVerifier{err: errors.New("expired")}))
		_, err := r.ResolveSession(context.Background(), "token")
		assert.ErrorIs(t, err, apperrors.ErrInvalidTenantCredential)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		other := &SessionClaims{TenantID: uuid.NewString()}
		r := NewResolver(reg, quietLogger(), WithSessions(fakeVerifier{claims: other}))
		_, err := r.ResolveSession(context.Background(), "token")
		assert.ErrorIs(t, err, apperrors.ErrInvalidTenantCredential)
	})

	t.Run("sessions disabled", func(t *testing.T) {
		r := NewResolver(reg, quietLogger())
		_, err := r.ResolveSession(context.Background(), "token")
		assert.ErrorIs(t, err, apperrors.ErrInvalidTenantCredential)
	})
}

func TestResolveUnknownKind(t *testing.T) {
	r := NewResolver(newFakeRegistry(), quietLogger())
	_, err := r.Resolve(context.Background(), Credential{Kind: "cookie", Secret: "x"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidTenantCredential)
}
