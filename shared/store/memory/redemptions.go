package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
)

func (s *Store) InsertRedemption(ctx context.Context, h tenancy.Handle, r *models.RedemptionRecord) error {
	d, err := s.tenantData(ctx, h)
	if err != nil {
		return err
	}
	if _, exists := d.redemptions[r.ID]; exists {
		return fmt.Errorf("%w: redemption %s", apperrors.ErrDuplicate, r.ID)
	}
	d.redemptions[r.ID] = copyRedemption(*r)
	return nil
}

func (s *Store) GetRedemption(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.RedemptionRecord, error) {
	d, err := s.tenantData(ctx, h)
	if err != nil {
		return nil, err
	}
	r, ok := d.redemptions[id]
	if !ok {
		return nil, apperrors.ErrRedemptionNotFound
	}
	r = copyRedemption(r)
	return &r, nil
}

func (s *Store) LockRedemption(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.RedemptionRecord, error) {
	return s.GetRedemption(ctx, h, id)
}

func (s *Store) UpdateRedemption(ctx context.Context, h tenancy.Handle, r *models.RedemptionRecord) error {
	d, err := s.tenantData(ctx, h)
	if err != nil {
		return err
	}
	if _, ok := d.redemptions[r.ID]; !ok {
		return apperrors.ErrRedemptionNotFound
	}
	d.redemptions[r.ID] = copyRedemption(*r)
	return nil
}

// ListRedemptionsForReconcile returns pending records, and failed records
// whose payment outcome is unknown, untouched since staleBefore, oldest
// first.
func (s *Store) ListRedemptionsForReconcile(ctx context.Context, h tenancy.Handle, staleBefore time.Time, limit int) ([]models.RedemptionRecord, error) {
	d, err := s.tenantData(ctx, h)
	if err != nil {
		return nil, err
	}
	var out []models.RedemptionRecord
	for _, r := range d.redemptions {
		pending := r.Status == models.RedemptionPending
		unknown := r.Status == models.RedemptionFailed && r.PaymentState == models.PaymentUnknown
		if (pending || unknown) && r.UpdatedAt.Before(staleBefore) {
			out = append(out, copyRedemption(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
