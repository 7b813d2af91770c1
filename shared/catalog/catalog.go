// Package catalog registers customers and rewards inside a tenant.
package catalog

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/audit"
	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
	"github.com/pavitra93/go-loyalty-ledger/shared/txmanager"
)

type Store interface {
	InsertCustomer(ctx context.Context, h tenancy.Handle, c *models.Customer) error
	GetCustomer(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.Customer, error)
	InsertReward(ctx context.Context, h tenancy.Handle, r *models.Reward) error
	GetReward(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.Reward, error)
	LockReward(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.Reward, error)
	UpdateReward(ctx context.Context, h tenancy.Handle, r *models.Reward) error
}

type Catalog struct {
	store Store
	tx    txmanager.Manager
	audit *audit.Recorder
	now   func() time.Time
}

func New(store Store, tx txmanager.Manager, rec *audit.Recorder) *Catalog {
	return &Catalog{store: store, tx: tx, audit: rec, now: func() time.Time { return time.Now().UTC() }}
}

// NewCustomer is the input for CreateCustomer. A nil ID gets a fresh one.
type NewCustomer struct {
	ID                 uuid.UUID
	Name               string
	Email              string
	Phone              string
	WalletAddress      *string
	PaymentCustomerRef *string
}

func (c *Catalog) CreateCustomer(ctx context.Context, h tenancy.Handle, in NewCustomer) (*models.Customer, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, fmt.Errorf("%w: customer name is required", apperrors.ErrInvalidInput)
	}
	if in.Email != "" {
		if _, err := mail.ParseAddress(in.Email); err != nil {
			return nil, fmt.Errorf("%w: invalid email", apperrors.ErrInvalidInput)
		}
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}

	now := c.now()
	customer := &models.Customer{
		ID:                 in.ID,
		TenantID:           h.TenantID(),
		Name:               in.Name,
		Email:              in.Email,
		Phone:              in.Phone,
		WalletAddress:      in.WalletAddress,
		PaymentCustomerRef: in.PaymentCustomerRef,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err := c.tx.Run(ctx, h, func(ctx context.Context) error {
		if err := c.store.InsertCustomer(ctx, h, customer); err != nil {
			return fmt.Errorf("insert customer: %w", err)
		}
		_, err := c.audit.Record(ctx, h, audit.ActionCustomerCreated, audit.SubjectCustomer, customer.ID, map[string]interface{}{
			"name": customer.Name,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return customer, nil
}

func (c *Catalog) GetCustomer(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.Customer, error) {
	var customer *models.Customer
	err := c.tx.Run(ctx, h, func(ctx context.Context) error {
		var err error
		customer, err = c.store.GetCustomer(ctx, h, id)
		return err
	})
	return customer, err
}

// NewReward is the input for CreateReward. Stock nil means unlimited and
// PriceCents nil means points only.
type NewReward struct {
	Name       string
	PointsCost int64
	Stock      *int64
	PriceCents *int64
	Currency   string
}

func (c *Catalog) CreateReward(ctx context.Context, h tenancy.Handle, in NewReward) (*models.Reward, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Currency = strings.ToLower(strings.TrimSpace(in.Currency))
	switch {
	case in.Name == "":
		return nil, fmt.Errorf("%w: reward name is required", apperrors.ErrInvalidInput)
	case in.PointsCost <= 0:
		return nil, fmt.Errorf("%w: points cost must be positive", apperrors.ErrInvalidInput)
	case in.Stock != nil && *in.Stock < 0:
		return nil, fmt.Errorf("%w: stock must not be negative", apperrors.ErrInvalidInput)
	case in.PriceCents != nil && *in.PriceCents <= 0:
		return nil, fmt.Errorf("%w: price must be positive", apperrors.ErrInvalidInput)
	case in.PriceCents != nil && len(in.Currency) != 3:
		return nil, fmt.Errorf("%w: priced rewards need a 3-letter currency", apperrors.ErrInvalidInput)
	}

	now := c.now()
	reward := &models.Reward{
		ID:                uuid.New(),
		TenantID:          h.TenantID(),
		Name:              in.Name,
		PointsCost:        in.PointsCost,
		RemainingQuantity: in.Stock,
		Active:            true,
		PriceCents:        in.PriceCents,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if in.PriceCents != nil {
		reward.Currency = in.Currency
	}
	err := c.tx.Run(ctx, h, func(ctx context.Context) error {
		if err := c.store.InsertReward(ctx, h, reward); err != nil {
			return fmt.Errorf("insert reward: %w", err)
		}
		_, err := c.audit.Record(ctx, h, audit.ActionRewardCreated, audit.SubjectReward, reward.ID, map[string]interface{}{
			"name":        reward.Name,
			"points_cost": reward.PointsCost,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return reward, nil
}

func (c *Catalog) GetReward(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.Reward, error) {
	var reward *models.Reward
	err := c.tx.Run(ctx, h, func(ctx context.Context) error {
		var err error
		reward, err = c.store.GetReward(ctx, h, id)
		return err
	})
	return reward, err
}

// SetRewardActive enables or disables redemption of a reward.
func (c *Catalog) SetRewardActive(ctx context.Context, h tenancy.Handle, id uuid.UUID, active bool) (*models.Reward, error) {
	return c.updateReward(ctx, h, id, func(r *models.Reward) (map[string]interface{}, error) {
		r.Active = active
		return map[string]interface{}{"active": active}, nil
	})
}

// RestockReward adds units to a limited reward.
func (c *Catalog) RestockReward(ctx context.Context, h tenancy.Handle, id uuid.UUID, quantity int64) (*models.Reward, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: restock quantity must be positive", apperrors.ErrInvalidInput)
	}
	return c.updateReward(ctx, h, id, func(r *models.Reward) (map[string]interface{}, error) {
		if r.RemainingQuantity == nil {
			return nil, fmt.Errorf("%w: reward stock is unlimited", apperrors.ErrInvalidInput)
		}
		remaining := *r.RemainingQuantity + quantity
		r.RemainingQuantity = &remaining
		return map[string]interface{}{"restocked": quantity, "remaining_quantity": remaining}, nil
	})
}

func (c *Catalog) updateReward(ctx context.Context, h tenancy.Handle, id uuid.UUID, change func(r *models.Reward) (map[string]interface{}, error)) (*models.Reward, error) {
	var reward *models.Reward
	err := c.tx.Run(ctx, h, func(ctx context.Context) error {
		var err error
		reward, err = c.store.LockReward(ctx, h, id)
		if err != nil {
			return err
		}
		metadata, err := change(reward)
		if err != nil {
			return err
		}
		reward.UpdatedAt = c.now()
		if err := c.store.UpdateReward(ctx, h, reward); err != nil {
			return fmt.Errorf("update reward: %w", err)
		}
		_, err = c.audit.Record(ctx, h, audit.ActionRewardUpdated, audit.SubjectReward, reward.ID, metadata)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reward, nil
}
