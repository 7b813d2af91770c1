package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
)

func (s *Store) InsertRedemption(ctx context.Context, h tenancy.Handle, r *models.RedemptionRecord) error {
	q, err := table(ctx, h, models.TableRedemptions)
	if err != nil {
		return err
	}
	if err := q.Create(r).Error; err != nil {
		return wrap("insert redemption", err)
	}
	return nil
}

func (s *Store) GetRedemption(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.RedemptionRecord, error) {
	return s.redemption(ctx, h, id, false)
}

func (s *Store) LockRedemption(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.RedemptionRecord, error) {
	return s.redemption(ctx, h, id, true)
}

func (s *Store) redemption(ctx context.Context, h tenancy.Handle, id uuid.UUID, lock bool) (*models.RedemptionRecord, error) {
	q, err := table(ctx, h, models.TableRedemptions)
	if err != nil {
		return nil, err
	}
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var r models.RedemptionRecord
	if err := q.Where("id = ?", id).Take(&r).Error; err != nil {
		return nil, notFound(err, apperrors.ErrRedemptionNotFound)
	}
	return &r, nil
}

func (s *Store) UpdateRedemption(ctx context.Context, h tenancy.Handle, r *models.RedemptionRecord) error {
	q, err := table(ctx, h, models.TableRedemptions)
	if err != nil {
		return err
	}
	res := q.Where("id = ?", r.ID).
		Select("payment_ref", "payment_state", "status", "step", "failure_code", "failure_reason", "updated_at", "finalized_at").
		Updates(r)
	if res.Error != nil {
		return wrap("update redemption", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrRedemptionNotFound
	}
	return nil
}

// ListRedemptionsForReconcile returns pending records, and failed records
// whose payment outcome is unknown, untouched since staleBefore, oldest
// first. Rows locked by a running attempt or another sweep are skipped;
// the caller still claims each row before acting on it.
func (s *Store) ListRedemptionsForReconcile(ctx context.Context, h tenancy.Handle, staleBefore time.Time, limit int) ([]models.RedemptionRecord, error) {
	q, err := table(ctx, h, models.TableRedemptions)
	if err != nil {
		return nil, err
	}
	q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("(status = ? OR (status = ? AND payment_state = ?)) AND updated_at < ?",
			models.RedemptionPending, models.RedemptionFailed, models.PaymentUnknown, staleBefore).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.RedemptionRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, wrap("list redemptions for reconcile", err)
	}
	return out, nil
}
