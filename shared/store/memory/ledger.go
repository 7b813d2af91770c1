package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
)

func (s *Store) InsertCustomer(ctx context.Context, h tenancy.Handle, c *models.Customer) error {
	d, err := s.tenantData(ctx, h)
	if err != nil {
		return err
	}
	if _, exists := d.customers[c.ID]; exists {
		return fmt.Errorf("%w: customer %s", apperrors.ErrDuplicate, c.ID)
	}
	d.customers[c.ID] = copyCustomer(*c)
	return nil
}

func (s *Store) GetCustomer(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.Customer, error) {
	d, err := s.tenantData(ctx, h)
	if err != nil {
		return nil, err
	}
	c, ok := d.customers[id]
	if !ok {
		return nil, apperrors.ErrCustomerNotFound
	}
	c = copyCustomer(c)
	return &c, nil
}

// LockCustomer is GetCustomer: tenant transactions are already serialized.
func (s *Store) LockCustomer(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.Customer, error) {
	return s.GetCustomer(ctx, h, id)
}

func (s *Store) InsertEntry(ctx context.Context, h tenancy.Handle, e *models.PointsEntry) error {
	d, err := s.tenantData(ctx, h)
	if err != nil {
		return err
	}
	if _, ok := d.customers[e.CustomerID]; !ok {
		return apperrors.ErrCustomerNotFound
	}
	for _, existing := range d.entries {
		if existing.ID == e.ID {
			return fmt.Errorf("%w: points entry %s", apperrors.ErrDuplicate, e.ID)
		}
		if e.ReferenceID != nil && existing.ReferenceID != nil &&
			existing.CustomerID == e.CustomerID && existing.Kind == e.Kind &&
			*existing.ReferenceID == *e.ReferenceID {
			return fmt.Errorf("%w: %s entry for reference %s", apperrors.ErrDuplicate, e.Kind, *e.ReferenceID)
		}
	}
	d.entries = append(d.entries, copyEntry(*e))
	return nil
}

func (s *Store) GetEntry(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.PointsEntry, error) {
	d, err := s.tenantData(ctx, h)
	if err != nil {
		return nil, err
	}
	for _, e := range d.entries {
		if e.ID == id {
			e = copyEntry(e)
			return &e, nil
		}
	}
	return nil, apperrors.ErrEntryNotFound
}

func (s *Store) FindEntryByReference(ctx context.Context, h tenancy.Handle, customerID uuid.UUID, kind models.EntryKind, ref uuid.UUID) (*models.PointsEntry, error) {
	d, err := s.tenantData(ctx, h)
	if err != nil {
		return nil, err
	}
	for _, e := range d.entries {
		if e.CustomerID == customerID && e.Kind == kind && e.ReferenceID != nil && *e.ReferenceID == ref {
			e = copyEntry(e)
			return &e, nil
		}
	}
	return nil, apperrors.ErrEntryNotFound
}

func (s *Store) SumEntries(ctx context.Context, h tenancy.Handle, customerID uuid.UUID) (int64, error) {
	d, err := s.tenantData(ctx, h)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, e := range d.entries {
		if e.CustomerID == customerID {
			sum += e.Amount
		}
	}
	return sum, nil
}

// ListEntries returns a customer's entries newest first.
func (s *Store) ListEntries(ctx context.Context, h tenancy.Handle, customerID uuid.UUID, limit int) ([]models.PointsEntry, error) {
	d, err := s.tenantData(ctx, h)
	if err != nil {
		return nil, err
	}
	var out []models.PointsEntry
	for i := len(d.entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if d.entries[i].CustomerID == customerID {
			out = append(out, copyEntry(d.entries[i]))
		}
	}
	return out, nil
}
