package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant is a row of the shared tenant registry. It lives outside every
// tenant namespace and is the only table the credential resolver reads.
type Tenant struct {
	ID           uuid.UUID  `json:"id" gorm:"type:uuid;primary_key"`
	Name         string     `json:"name" gorm:"not null"`
	APIKeyHash   string     `json:"-" gorm:"type:varchar(64);not null;uniqueIndex"`
	APIKeyPrefix string     `json:"api_key_prefix" gorm:"type:varchar(16);not null"`
	Namespace    string     `json:"namespace" gorm:"type:varchar(63);not null;uniqueIndex"`
	WebhookURL   *string    `json:"webhook_url,omitempty"`
	KeyRotatedAt *time.Time `json:"key_rotated_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName returns the table name for the Tenant model
func (Tenant) TableName() string {
	return "tenants"
}
