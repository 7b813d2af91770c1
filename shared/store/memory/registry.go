package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
)

// registryView returns the tenants visible to ctx: the admin working copy
// inside RunAdmin, the committed registry otherwise. The returned unlock
// must be called when done.
func (s *Store) registryView(ctx context.Context) (map[uuid.UUID]models.Tenant, func()) {
	if at, err := s.adminData(ctx); err == nil {
		return at.tenants, func() {}
	}
	s.mu.Lock()
	return s.tenants, s.mu.Unlock
}

func (s *Store) FindTenantByKeyHash(ctx context.Context, keyHash string) (*models.Tenant, error) {
	tenants, unlock := s.registryView(ctx)
	defer unlock()
	for _, t := range tenants {
		if t.APIKeyHash == keyHash {
			t = copyTenant(t)
			return &t, nil
		}
	}
	return nil, apperrors.ErrTenantNotFound
}

func (s *Store) FindTenantByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	tenants, unlock := s.registryView(ctx)
	defer unlock()
	t, ok := tenants[id]
	if !ok {
		return nil, apperrors.ErrTenantNotFound
	}
	t = copyTenant(t)
	return &t, nil
}

// ListTenants returns every registered tenant, oldest first.
func (s *Store) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	tenants, unlock := s.registryView(ctx)
	out := make([]models.Tenant, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, copyTenant(t))
	}
	unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) InsertTenant(ctx context.Context, t *models.Tenant) error {
	at, err := s.adminData(ctx)
	if err != nil {
		return err
	}
	for _, existing := range at.tenants {
		switch {
		case existing.ID == t.ID:
			return fmt.Errorf("%w: tenant %s", apperrors.ErrDuplicate, t.ID)
		case existing.APIKeyHash == t.APIKeyHash:
			return fmt.Errorf("%w: tenant api key", apperrors.ErrDuplicate)
		case existing.Namespace == t.Namespace:
			return fmt.Errorf("%w: namespace %s", apperrors.ErrDuplicate, t.Namespace)
		}
	}
	at.tenants[t.ID] = copyTenant(*t)
	return nil
}

func (s *Store) UpdateTenant(ctx context.Context, t *models.Tenant) error {
	at, err := s.adminData(ctx)
	if err != nil {
		return err
	}
	if _, ok := at.tenants[t.ID]; !ok {
		return apperrors.ErrTenantNotFound
	}
	at.tenants[t.ID] = copyTenant(*t)
	return nil
}

func (s *Store) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	at, err := s.adminData(ctx)
	if err != nil {
		return err
	}
	if _, ok := at.tenants[id]; !ok {
		return apperrors.ErrTenantNotFound
	}
	delete(at.tenants, id)
	return nil
}

// ProvisionNamespace creates an empty namespace for h.
func (s *Store) ProvisionNamespace(ctx context.Context, h tenancy.Handle) error {
	at, err := s.adminData(ctx)
	if err != nil {
		return err
	}
	d, err := s.bindAdmin(ctx, at, h.Namespace())
	if err != nil {
		return err
	}
	if d != nil {
		return fmt.Errorf("%w: namespace %s", apperrors.ErrDuplicate, h.Namespace())
	}
	if s.FailProvisioning != nil {
		if err := s.FailProvisioning(h); err != nil {
			return err
		}
	}
	at.touched[h.Namespace()] = newNamespaceData()
	return nil
}

// DropNamespace removes h's namespace and everything in it. Dropping a
// namespace that does not exist is not an error.
func (s *Store) DropNamespace(ctx context.Context, h tenancy.Handle) error {
	at, err := s.adminData(ctx)
	if err != nil {
		return err
	}
	if _, err := s.bindAdmin(ctx, at, h.Namespace()); err != nil {
		return err
	}
	at.touched[h.Namespace()] = nil
	return nil
}

// HasNamespace reports whether a committed namespace exists.
func (s *Store) HasNamespace(h tenancy.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[h.Namespace()]
	return ok
}
