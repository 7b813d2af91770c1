package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
)

// SeedTenant registers a tenant with a known API key and an empty
// namespace. It backs local development and tests; production tenants are
// created through the lifecycle manager.
func (s *Store) SeedTenant(ctx context.Context, name, apiKey string) (*models.Tenant, tenancy.Handle, error) {
	id := uuid.New()
	now := time.Now().UTC()
	tenant := &models.Tenant{
		ID:           id,
		Name:         name,
		APIKeyHash:   tenancy.HashAPIKey(apiKey),
		APIKeyPrefix: tenancy.APIKeyPrefix(apiKey),
		Namespace:    tenancy.NamespaceFor(id),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	h, err := tenancy.HandleFor(tenant)
	if err != nil {
		return nil, tenancy.Handle{}, err
	}
	err = s.RunAdmin(ctx, func(ctx context.Context) error {
		if err := s.InsertTenant(ctx, tenant); err != nil {
			return err
		}
		return s.ProvisionNamespace(ctx, h)
	})
	if err != nil {
		return nil, tenancy.Handle{}, fmt.Errorf("seed tenant %s: %w", name, err)
	}
	return tenant, h, nil
}
