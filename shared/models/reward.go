package models

import (
	"time"

	"github.com/google/uuid"
)

// Reward is something a customer can redeem points for. A non-nil
// PriceCents means the reward also carries a monetary price that must be
// authorized with the payment provider.
type Reward struct {
	ID                uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	TenantID          uuid.UUID `json:"tenant_id" gorm:"type:uuid;not null;index"`
	Name              string    `json:"name" gorm:"not null"`
	PointsCost        int64     `json:"points_cost" gorm:"not null"`
	RemainingQuantity *int64    `json:"remaining_quantity"`
	Active            bool      `json:"active" gorm:"not null;default:true"`
	PriceCents        *int64    `json:"price_cents,omitempty"`
	Currency          string    `json:"currency,omitempty" gorm:"type:varchar(3)"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName returns the table name for the Reward model
func (Reward) TableName() string {
	return TableRewards
}

// Available reports whether the reward can currently be redeemed.
func (r *Reward) Available() bool {
	if !r.Active {
		return false
	}
	return r.RemainingQuantity == nil || *r.RemainingQuantity > 0
}

// RequiresPayment reports whether redemption needs an external authorization.
func (r *Reward) RequiresPayment() bool {
	return r.PriceCents != nil && *r.PriceCents > 0
}
