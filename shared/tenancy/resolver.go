package tenancy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/metrics"
	"github.com/pavitra93/go-loyalty-ledger/shared/models"
)

const (
	cacheKeyPrefix  = "tenant:key:"
	apiKeyPrefixLen = 12
)

// Registry is the read side of the shared tenant registry. Implementations
// return apperrors.ErrTenantNotFound for missing rows.
type Registry interface {
	FindTenantByKeyHash(ctx context.Context, keyHash string) (*models.Tenant, error)
	FindTenantByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
}

// Cache stores resolved registry rows keyed by credential hash. A miss is
// reported as ("", false, nil).
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// SessionVerifier checks a session token and returns its claims.
type SessionVerifier interface {
	Verify(ctx context.Context, token string) (*SessionClaims, error)
}

// Credential is what an inbound request presented to prove its tenant.
type Credential struct {
	Kind   models.CredentialKind
	Secret string
}

// Resolution is a validated credential.
type Resolution struct {
	Handle Handle
	Tenant *models.Tenant
	Actor  *models.Actor
}

// Resolver turns tenant credentials into namespace handles. It only reads
// the registry and never opens a tenant namespace itself.
type Resolver struct {
	registry Registry
	cache    Cache
	sessions SessionVerifier
	cacheTTL time.Duration
	metrics  *metrics.Metrics
	logger   *logrus.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCache puts a cache in front of registry lookups by API key.
func WithCache(cache Cache, ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.cache = cache
		r.cacheTTL = ttl
	}
}

// WithSessions enables session token credentials.
func WithSessions(v SessionVerifier) ResolverOption {
	return func(r *Resolver) { r.sessions = v }
}

func WithMetrics(m *metrics.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a resolver over the given registry.
func NewResolver(registry Registry, logger *logrus.Logger, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		registry: registry,
		cacheTTL: 5 * time.Minute,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HashAPIKey returns the registry representation of an API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// APIKeyPrefix returns the part of a key that is safe to display and log.
func APIKeyPrefix(key string) string {
	if len(key) > apiKeyPrefixLen {
		return key[:apiKeyPrefixLen]
	}
	return key
}

// Resolve dispatches on the credential kind.
func (r *Resolver) Resolve(ctx context.Context, cred Credential) (*Resolution, error) {
	switch cred.Kind {
	case models.CredentialAPIKey:
		return r.ResolveAPIKey(ctx, cred.Secret)
	case models.CredentialSession:
		return r.ResolveSession(ctx, cred.Secret)
	default:
		return nil, apperrors.ErrInvalidTenantCredential
	}
}

// ResolveAPIKey validates a tenant API key.
func (r *Resolver) ResolveAPIKey(ctx context.Context, key string) (*Resolution, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, apperrors.ErrInvalidTenantCredential
	}
	keyHash := HashAPIKey(key)

	tenant, err := r.lookupByKeyHash(ctx, keyHash)
	if err != nil {
		return nil, err
	}
	h, err := HandleFor(tenant)
	if err != nil {
		return nil, err
	}
	return &Resolution{
		Handle: h,
		Tenant: tenant,
		Actor: &models.Actor{
			ID:       tenant.APIKeyPrefix,
			Kind:     models.CredentialAPIKey,
			TenantID: tenant.ID,
		},
	}, nil
}

// ResolveSession validates a session token and requires the tenant named in
// its claims to still exist in the registry.
func (r *Resolver) ResolveSession(ctx context.Context, token string) (*Resolution, error) {
	if r.sessions == nil || strings.TrimSpace(token) == "" {
		return nil, apperrors.ErrInvalidTenantCredential
	}
	claims, err := r.sessions.Verify(ctx, token)
	if err != nil {
		r.logger.WithError(err).Debug("session token rejected")
		return nil, apperrors.ErrInvalidTenantCredential
	}
	tenantID, err := uuid.Parse(claims.Tenant())
	if err != nil {
		return nil, apperrors.ErrInvalidTenantCredential
	}

	tenant, err := r.registry.FindTenantByID(ctx, tenantID)
	if errors.Is(err, apperrors.ErrTenantNotFound) {
		return nil, apperrors.ErrInvalidTenantCredential
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant %s: %w", tenantID, err)
	}
	h, err := HandleFor(tenant)
	if err != nil {
		return nil, err
	}
	return &Resolution{
		Handle: h,
		Tenant: tenant,
		Actor: &models.Actor{
			ID:       claims.Subject,
			Kind:     models.CredentialSession,
			TenantID: tenant.ID,
			Email:    claims.Email,
		},
	}, nil
}

// HandleByID builds a handle for a tenant id taken from trusted input, such
// as the reconciler's registry sweep.
func (r *Resolver) HandleByID(ctx context.Context, id uuid.UUID) (Handle, error) {
	tenant, err := r.registry.FindTenantByID(ctx, id)
	if err != nil {
		return Handle{}, err
	}
	return HandleFor(tenant)
}

// Invalidate drops a cached credential so the next request hits the registry.
func (r *Resolver) Invalidate(ctx context.Context, keyHash string) {
	if r.cache == nil || keyHash == "" {
		return
	}
	if err := r.cache.Delete(ctx, cacheKeyPrefix+keyHash); err != nil {
		r.logger.WithError(err).Warn("failed to invalidate cached tenant credential")
	}
}

func (r *Resolver) lookupByKeyHash(ctx context.Context, keyHash string) (*models.Tenant, error) {
	if tenant, ok := r.fromCache(ctx, keyHash); ok {
		r.metrics.CredentialLookup(true)
		return tenant, nil
	}
	r.metrics.CredentialLookup(false)

	tenant, err := r.registry.FindTenantByKeyHash(ctx, keyHash)
	if errors.Is(err, apperrors.ErrTenantNotFound) {
		return nil, apperrors.ErrInvalidTenantCredential
	}
	if err != nil {
		return nil, fmt.Errorf("lookup tenant credential: %w", err)
	}
	r.toCache(ctx, keyHash, tenant)
	return tenant, nil
}

// Cache failures degrade to registry reads; they never fail a request.
func (r *Resolver) fromCache(ctx context.Context, keyHash string) (*models.Tenant, bool) {
	if r.cache == nil {
		return nil, false
	}
	raw, ok, err := r.cache.Get(ctx, cacheKeyPrefix+keyHash)
	if err != nil {
		r.logger.WithError(err).Warn("tenant credential cache read failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var tenant models.Tenant
	if err := json.Unmarshal([]byte(raw), &tenant); err != nil {
		return nil, false
	}
	return &tenant, true
}

func (r *Resolver) toCache(ctx context.Context, keyHash string, tenant *models.Tenant) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(tenant)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, cacheKeyPrefix+keyHash, string(data), r.cacheTTL); err != nil {
		r.logger.WithError(err).Warn("tenant credential cache write failed")
	}
}
