package models

import (
	"time"

	"github.com/google/uuid"
)

// Customer is a loyalty member of one tenant. Its balance is never stored;
// it is always the sum of the customer's points entries.
type Customer struct {
	ID                 uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	TenantID           uuid.UUID `json:"tenant_id" gorm:"type:uuid;not null;index"`
	Name               string    `json:"name" gorm:"not null"`
	Email              string    `json:"email"`
	Phone              string    `json:"phone"`
	WalletAddress      *string   `json:"wallet_address,omitempty"`
	PaymentCustomerRef *string   `json:"payment_customer_ref,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// TableName returns the table name for the Customer model
func (Customer) TableName() string {
	return TableCustomers
}

// Table names inside a tenant namespace.
const (
	TableCustomers     = "customers"
	TablePointsEntries = "points_entries"
	TableRewards       = "rewards"
	TableRedemptions   = "redemptions"
	TableAuditLog      = "audit_log"
)
