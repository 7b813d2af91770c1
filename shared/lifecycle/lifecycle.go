// Package lifecycle creates and removes tenants. A tenant is a registry row
// plus its own storage namespace, and the two are only ever changed
// together inside one administrative transaction.
package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/audit"
	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
	"github.com/pavitra93/go-loyalty-ledger/shared/txmanager"
)

const (
	apiKeyPrefix  = "lyl_"
	apiKeyBytes   = 32
	maxNameLength = 200
)

// Provisioner is the registry plus namespace DDL.
type Provisioner interface {
	FindTenantByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	ListTenants(ctx context.Context) ([]models.Tenant, error)
	InsertTenant(ctx context.Context, t *models.Tenant) error
	UpdateTenant(ctx context.Context, t *models.Tenant) error
	DeleteTenant(ctx context.Context, id uuid.UUID) error
	ProvisionNamespace(ctx context.Context, h tenancy.Handle) error
	DropNamespace(ctx context.Context, h tenancy.Handle) error
}

// CredentialCache forgets resolved credentials.
type CredentialCache interface {
	Invalidate(ctx context.Context, keyHash string)
}

// Manager runs tenant lifecycle operations.
type Manager struct {
	store  Provisioner
	tx     txmanager.AdminManager
	audit  *audit.Recorder
	cache  CredentialCache
	logger *logrus.Logger
	now    func() time.Time
}

// New creates a manager. cache may be nil when no credential cache is used.
func New(store Provisioner, tx txmanager.AdminManager, rec *audit.Recorder, cache CredentialCache, logger *logrus.Logger) *Manager {
	return &Manager{
		store:  store,
		tx:     tx,
		audit:  rec,
		cache:  cache,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// GenerateAPIKey returns a new random tenant key.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// CreateTenant registers a tenant and provisions its namespace. The plain
// API key is returned once and never stored.
func (m *Manager) CreateTenant(ctx context.Context, name string) (*models.Tenant, string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameLength {
		return nil, "", fmt.Errorf("%w: tenant name must be 1-%d characters", apperrors.ErrInvalidInput, maxNameLength)
	}
	key, err := GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}

	id := uuid.New()
	now := m.now()
	tenant := &models.Tenant{
		ID:           id,
		Name:         name,
		APIKeyHash:   tenancy.HashAPIKey(key),
		APIKeyPrefix: tenancy.APIKeyPrefix(key),
		Namespace:    tenancy.NamespaceFor(id),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	h, err := tenancy.HandleFor(tenant)
	if err != nil {
		return nil, "", err
	}

	err = m.tx.RunAdmin(ctx, func(ctx context.Context) error {
		if err := m.store.InsertTenant(ctx, tenant); err != nil {
			return fmt.Errorf("insert tenant: %w", err)
		}
		if err := m.store.ProvisionNamespace(ctx, h); err != nil {
			return fmt.Errorf("provision namespace %s: %w", h.Namespace(), err)
		}
		return m.tx.Run(ctx, h, func(ctx context.Context) error {
			_, err := m.audit.Record(ctx, h, audit.ActionTenantCreated, audit.SubjectTenant, id, map[string]interface{}{
				"name":           name,
				"api_key_prefix": tenant.APIKeyPrefix,
			})
			return err
		})
	})
	if err != nil {
		m.cleanup(ctx, h)
		m.logger.WithFields(logrus.Fields{
			"tenant_id": id,
			"namespace": h.Namespace(),
		}).WithError(err).Error("tenant creation rolled back")
		return nil, "", fmt.Errorf("%w: %w", apperrors.ErrNamespaceProvisioningFailed, err)
	}

	m.logger.WithFields(logrus.Fields{
		"tenant_id":      id,
		"namespace":      h.Namespace(),
		"api_key_prefix": tenant.APIKeyPrefix,
	}).Info("tenant created")
	return tenant, key, nil
}

// cleanup drops a namespace left behind by a failed creation. Schema DDL is
// transactional, so this normally finds nothing.
func (m *Manager) cleanup(ctx context.Context, h tenancy.Handle) {
	err := m.tx.RunAdmin(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return m.store.DropNamespace(ctx, h)
	})
	if err != nil {
		m.logger.WithField("namespace", h.Namespace()).WithError(err).Error("namespace cleanup failed")
	}
}

// DeleteTenant drops the tenant's namespace and registry row together.
// Its credential stops resolving as soon as this returns.
func (m *Manager) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	var keyHash string
	err := m.tx.RunAdmin(ctx, func(ctx context.Context) error {
		tenant, err := m.store.FindTenantByID(ctx, id)
		if err != nil {
			return err
		}
		h, err := tenancy.HandleFor(tenant)
		if err != nil {
			return err
		}
		keyHash = tenant.APIKeyHash
		if err := m.store.DropNamespace(ctx, h); err != nil {
			return fmt.Errorf("drop namespace %s: %w", h.Namespace(), err)
		}
		if err := m.store.DeleteTenant(ctx, id); err != nil {
			return fmt.Errorf("delete tenant: %w", err)
		}
		return nil
	})
	if errors.Is(err, apperrors.ErrTenantNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrNamespaceProvisioningFailed, err)
	}
	m.invalidate(ctx, keyHash)
	m.logger.WithField("tenant_id", id).Info("tenant deleted")
	return nil
}

// RotateAPIKey replaces the tenant's key. The old key stops resolving
// immediately.
func (m *Manager) RotateAPIKey(ctx context.Context, id uuid.UUID) (string, error) {
	key, err := GenerateAPIKey()
	if err != nil {
		return "", err
	}
	var oldHash string
	err = m.updateTenant(ctx, id, audit.ActionTenantKeyRotated, func(t *models.Tenant) map[string]interface{} {
		oldHash = t.APIKeyHash
		rotated := m.now()
		t.APIKeyHash = tenancy.HashAPIKey(key)
		t.APIKeyPrefix = tenancy.APIKeyPrefix(key)
		t.KeyRotatedAt = &rotated
		return map[string]interface{}{"api_key_prefix": t.APIKeyPrefix}
	})
	if err != nil {
		return "", err
	}
	m.invalidate(ctx, oldHash)
	return key, nil
}

// SetWebhook sets or, with an empty url, clears the URL committed events are
// relayed to.
func (m *Manager) SetWebhook(ctx context.Context, id uuid.UUID, rawURL string) (*models.Tenant, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL != "" {
		u, err := url.Parse(rawURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: webhook url must be an absolute http(s) url", apperrors.ErrInvalidInput)
		}
	}

	var updated models.Tenant
	err := m.updateTenant(ctx, id, audit.ActionTenantWebhookSet, func(t *models.Tenant) map[string]interface{} {
		if rawURL == "" {
			t.WebhookURL = nil
		} else {
			t.WebhookURL = &rawURL
		}
		updated = *t
		return map[string]interface{}{"webhook_url": rawURL}
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (m *Manager) updateTenant(ctx context.Context, id uuid.UUID, action string, change func(t *models.Tenant) map[string]interface{}) error {
	return m.tx.RunAdmin(ctx, func(ctx context.Context) error {
		tenant, err := m.store.FindTenantByID(ctx, id)
		if err != nil {
			return err
		}
		h, err := tenancy.HandleFor(tenant)
		if err != nil {
			return err
		}
		metadata := change(tenant)
		tenant.UpdatedAt = m.now()
		if err := m.store.UpdateTenant(ctx, tenant); err != nil {
			return fmt.Errorf("update tenant: %w", err)
		}
		return m.tx.Run(ctx, h, func(ctx context.Context) error {
			_, err := m.audit.Record(ctx, h, action, audit.SubjectTenant, id, metadata)
			return err
		})
	})
}

// GetTenant returns one registry row.
func (m *Manager) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	return m.store.FindTenantByID(ctx, id)
}

// ListTenants returns every registry row.
func (m *Manager) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	return m.store.ListTenants(ctx)
}

func (m *Manager) invalidate(ctx context.Context, keyHash string) {
	if m.cache != nil {
		m.cache.Invalidate(ctx, keyHash)
	}
}
