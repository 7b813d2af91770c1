package postgres

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
	"github.com/pavitra93/go-loyalty-ledger/shared/txmanager"
)

const registryTable = "public.tenants"

// registry reads through the admin transaction when one is in scope and
// straight from the pool otherwise.
func (s *Store) registry(ctx context.Context) *gorm.DB {
	if tx, err := txmanager.AdminTx(ctx); err == nil {
		return tx.Table(registryTable)
	}
	return s.db.WithContext(ctx).Table(registryTable)
}

func (s *Store) FindTenantByKeyHash(ctx context.Context, keyHash string) (*models.Tenant, error) {
	var t models.Tenant
	if err := s.registry(ctx).Where("api_key_hash = ?", keyHash).Take(&t).Error; err != nil {
		return nil, notFound(err, apperrors.ErrTenantNotFound)
	}
	return &t, nil
}

func (s *Store) FindTenantByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var t models.Tenant
	if err := s.registry(ctx).Where("id = ?", id).Take(&t).Error; err != nil {
		return nil, notFound(err, apperrors.ErrTenantNotFound)
	}
	return &t, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	var out []models.Tenant
	if err := s.registry(ctx).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, wrap("list tenants", err)
	}
	return out, nil
}

func (s *Store) InsertTenant(ctx context.Context, t *models.Tenant) error {
	tx, err := txmanager.AdminTx(ctx)
	if err != nil {
		return err
	}
	if err := tx.Table(registryTable).Create(t).Error; err != nil {
		return wrap("insert tenant", err)
	}
	return nil
}

func (s *Store) UpdateTenant(ctx context.Context, t *models.Tenant) error {
	tx, err := txmanager.AdminTx(ctx)
	if err != nil {
		return err
	}
	res := tx.Table(registryTable).Where("id = ?", t.ID).
		Select("name", "api_key_hash", "api_key_prefix", "webhook_url", "key_rotated_at", "updated_at").
		Updates(t)
	if res.Error != nil {
		return wrap("update tenant", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrTenantNotFound
	}
	return nil
}

func (s *Store) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	tx, err := txmanager.AdminTx(ctx)
	if err != nil {
		return err
	}
	res := tx.Table(registryTable).Where("id = ?", id).Delete(&models.Tenant{})
	if res.Error != nil {
		return wrap("delete tenant", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrTenantNotFound
	}
	return nil
}

// ProvisionNamespace creates h's schema and tables inside the admin
// transaction, so a failed registration leaves neither behind.
func (s *Store) ProvisionNamespace(ctx context.Context, h tenancy.Handle) error {
	tx, err := txmanager.AdminTx(ctx)
	if err != nil {
		return err
	}
	for _, stmt := range schemaStatements(h) {
		if err := tx.Exec(stmt).Error; err != nil {
			return wrap("provision "+h.Namespace(), err)
		}
	}
	return nil
}

func (s *Store) DropNamespace(ctx context.Context, h tenancy.Handle) error {
	tx, err := txmanager.AdminTx(ctx)
	if err != nil {
		return err
	}
	if err := tx.Exec("DROP SCHEMA IF EXISTS " + h.QuotedNamespace() + " CASCADE").Error; err != nil {
		return wrap("drop "+h.Namespace(), err)
	}
	return nil
}

// HasNamespace reports whether h's schema exists.
func (s *Store) HasNamespace(ctx context.Context, h tenancy.Handle) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Raw(
		"SELECT COUNT(*) FROM information_schema.schemata WHERE schema_name = ?", h.Namespace(),
	).Scan(&n).Error
	if err != nil {
		return false, wrap("lookup namespace", err)
	}
	return n > 0, nil
}
