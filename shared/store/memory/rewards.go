package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
)

func (s *Store) InsertReward(ctx context.Context, h tenancy.Handle, r *models.Reward) error {
	d, err := s.tenantData(ctx, h)
	if err != nil {
		return err
	}
	if _, exists := d.rewards[r.ID]; exists {
		return fmt.Errorf("%w: reward %s", apperrors.ErrDuplicate, r.ID)
	}
	d.rewards[r.ID] = copyReward(*r)
	return nil
}

func (s *Store) GetReward(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.Reward, error) {
	d, err := s.tenantData(ctx, h)
	if err != nil {
		return nil, err
	}
	r, ok := d.rewards[id]
	if !ok {
		return nil, apperrors.ErrRewardNotFound
	}
	r = copyReward(r)
	return &r, nil
}

func (s *Store) LockReward(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.Reward, error) {
	return s.GetReward(ctx, h, id)
}

func (s *Store) UpdateReward(ctx context.Context, h tenancy.Handle, r *models.Reward) error {
	d, err := s.tenantData(ctx, h)
	if err != nil {
		return err
	}
	if _, ok := d.rewards[r.ID]; !ok {
		return apperrors.ErrRewardNotFound
	}
	d.rewards[r.ID] = copyReward(*r)
	return nil
}

// DecrementRewardStock takes one unit of a limited reward. Unlimited
// rewards are left untouched.
func (s *Store) DecrementRewardStock(ctx context.Context, h tenancy.Handle, id uuid.UUID) error {
	d, err := s.tenantData(ctx, h)
	if err != nil {
		return err
	}
	r, ok := d.rewards[id]
	if !ok {
		return apperrors.ErrRewardNotFound
	}
	if r.RemainingQuantity == nil {
		return nil
	}
	if *r.RemainingQuantity <= 0 {
		return apperrors.ErrRewardUnavailable
	}
	r = copyReward(r)
	*r.RemainingQuantity--
	d.rewards[id] = r
	return nil
}
