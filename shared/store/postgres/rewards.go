package postgres

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
)

func (s *Store) InsertReward(ctx context.Context, h tenancy.Handle, r *models.Reward) error {
	q, err := table(ctx, h, models.TableRewards)
	if err != nil {
		return err
	}
	if err := q.Create(r).Error; err != nil {
		return wrap("insert reward", err)
	}
	return nil
}

func (s *Store) GetReward(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.Reward, error) {
	return s.reward(ctx, h, id, false)
}

func (s *Store) LockReward(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.Reward, error) {
	return s.reward(ctx, h, id, true)
}

func (s *Store) reward(ctx context.Context, h tenancy.Handle, id uuid.UUID, lock bool) (*models.Reward, error) {
	q, err := table(ctx, h, models.TableRewards)
	if err != nil {
		return nil, err
	}
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var r models.Reward
	if err := q.Where("id = ?", id).Take(&r).Error; err != nil {
		return nil, notFound(err, apperrors.ErrRewardNotFound)
	}
	return &r, nil
}

func (s *Store) UpdateReward(ctx context.Context, h tenancy.Handle, r *models.Reward) error {
	q, err := table(ctx, h, models.TableRewards)
	if err != nil {
		return err
	}
	res := q.Where("id = ?", r.ID).
		Select("name", "points_cost", "remaining_quantity", "active", "price_cents", "currency", "updated_at").
		Updates(r)
	if res.Error != nil {
		return wrap("update reward", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrRewardNotFound
	}
	return nil
}

// DecrementRewardStock takes one unit of a limited reward in a single
// conditional update. Unlimited rewards are left untouched.
func (s *Store) DecrementRewardStock(ctx context.Context, h tenancy.Handle, id uuid.UUID) error {
	r, err := s.reward(ctx, h, id, false)
	if err != nil {
		return err
	}
	if r.RemainingQuantity == nil {
		return nil
	}
	q, err := table(ctx, h, models.TableRewards)
	if err != nil {
		return err
	}
	res := q.Where("id = ? AND remaining_quantity > 0", id).
		UpdateColumn("remaining_quantity", gorm.Expr("remaining_quantity - 1"))
	if res.Error != nil {
		return wrap("decrement reward stock", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrRewardUnavailable
	}
	return nil
}
