package postgres

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
	"github.com/pavitra93/go-loyalty-ledger/shared/txmanager"
)

func (s *Store) InsertCustomer(ctx context.Context, h tenancy.Handle, c *models.Customer) error {
	q, err := table(ctx, h, models.TableCustomers)
	if err != nil {
		return err
	}
	if err := q.Create(c).Error; err != nil {
		return wrap("insert customer", err)
	}
	return nil
}

func (s *Store) GetCustomer(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.Customer, error) {
	return s.customer(ctx, h, id, false)
}

// LockCustomer reads the customer with FOR UPDATE. Every balance change
// takes this lock first, so concurrent debits of one customer serialize.
func (s *Store) LockCustomer(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.Customer, error) {
	return s.customer(ctx, h, id, true)
}

func (s *Store) customer(ctx context.Context, h tenancy.Handle, id uuid.UUID, lock bool) (*models.Customer, error) {
	q, err := table(ctx, h, models.TableCustomers)
	if err != nil {
		return nil, err
	}
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var c models.Customer
	if err := q.Where("id = ?", id).Take(&c).Error; err != nil {
		return nil, notFound(err, apperrors.ErrCustomerNotFound)
	}
	return &c, nil
}

func (s *Store) InsertEntry(ctx context.Context, h tenancy.Handle, e *models.PointsEntry) error {
	q, err := table(ctx, h, models.TablePointsEntries)
	if err != nil {
		return err
	}
	if err := q.Create(e).Error; err != nil {
		if isForeignKeyViolation(err) {
			return apperrors.ErrCustomerNotFound
		}
		return wrap("insert points entry", err)
	}
	return nil
}

func (s *Store) GetEntry(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.PointsEntry, error) {
	q, err := table(ctx, h, models.TablePointsEntries)
	if err != nil {
		return nil, err
	}
	var e models.PointsEntry
	if err := q.Where("id = ?", id).Take(&e).Error; err != nil {
		return nil, notFound(err, apperrors.ErrEntryNotFound)
	}
	return &e, nil
}

func (s *Store) FindEntryByReference(ctx context.Context, h tenancy.Handle, customerID uuid.UUID, kind models.EntryKind, ref uuid.UUID) (*models.PointsEntry, error) {
	q, err := table(ctx, h, models.TablePointsEntries)
	if err != nil {
		return nil, err
	}
	var e models.PointsEntry
	err = q.Where("customer_id = ? AND kind = ? AND reference_id = ?", customerID, kind, ref).Take(&e).Error
	if err != nil {
		return nil, notFound(err, apperrors.ErrEntryNotFound)
	}
	return &e, nil
}

// SumEntries derives the balance. It never reads a stored total.
func (s *Store) SumEntries(ctx context.Context, h tenancy.Handle, customerID uuid.UUID) (int64, error) {
	tx, err := txmanager.Tx(ctx, h)
	if err != nil {
		return 0, err
	}
	var sum int64
	err = tx.Raw(
		"SELECT COALESCE(SUM(amount), 0) FROM "+h.Qualify(models.TablePointsEntries)+" WHERE tenant_id = ? AND customer_id = ?",
		h.TenantID(), customerID,
	).Scan(&sum).Error
	if err != nil {
		return 0, wrap("sum points entries", err)
	}
	return sum, nil
}

func (s *Store) ListEntries(ctx context.Context, h tenancy.Handle, customerID uuid.UUID, limit int) ([]models.PointsEntry, error) {
	q, err := table(ctx, h, models.TablePointsEntries)
	if err != nil {
		return nil, err
	}
	q = q.Where("customer_id = ?", customerID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.PointsEntry
	if err := q.Find(&out).Error; err != nil {
		return nil, wrap("list points entries", err)
	}
	return out, nil
}
