package models

import (
	"time"

	"github.com/google/uuid"
)

// EntryKind classifies a points entry.
type EntryKind string

const (
	EntryCredit      EntryKind = "credit"
	EntryDebit       EntryKind = "debit"
	EntryTransferOut EntryKind = "transfer-out"
	EntryTransferIn  EntryKind = "transfer-in"
)

// PointsEntry is one immutable ledger row. Amount is signed: credits are
// positive, debits and outgoing transfers negative.
type PointsEntry struct {
	ID          uuid.UUID  `json:"id" gorm:"type:uuid;primary_key"`
	TenantID    uuid.UUID  `json:"tenant_id" gorm:"type:uuid;not null;index:idx_points_entries_tenant_customer,priority:1"`
	CustomerID  uuid.UUID  `json:"customer_id" gorm:"type:uuid;not null;index:idx_points_entries_tenant_customer,priority:2"`
	Amount      int64      `json:"amount" gorm:"not null"`
	Kind        EntryKind  `json:"kind" gorm:"type:varchar(20);not null"`
	Note        string     `json:"note"`
	ReferenceID *uuid.UUID `json:"reference_id,omitempty" gorm:"type:uuid"`
	ActorID     *string    `json:"actor_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at" gorm:"not null"`
}

// TableName returns the table name for the PointsEntry model
func (PointsEntry) TableName() string {
	return TablePointsEntries
}

// IsDebit reports whether the entry reduces the balance.
func (e *PointsEntry) IsDebit() bool {
	return e.Amount < 0
}
