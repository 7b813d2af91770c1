package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// AuditLogEntry is an append-only record of a mutating action. ActorID is
// nil for system actions.
type AuditLogEntry struct {
	ID          uuid.UUID         `json:"id" gorm:"type:uuid;primary_key"`
	TenantID    uuid.UUID         `json:"tenant_id" gorm:"type:uuid;not null;index"`
	ActorID     *string           `json:"actor_id,omitempty"`
	Action      string            `json:"action" gorm:"type:varchar(64);not null;index"`
	SubjectType string            `json:"subject_type" gorm:"type:varchar(32);not null"`
	SubjectID   uuid.UUID         `json:"subject_id" gorm:"type:uuid;not null"`
	Metadata    datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`
	CreatedAt   time.Time         `json:"created_at" gorm:"not null"`
}

// TableName returns the table name for the AuditLogEntry model
func (AuditLogEntry) TableName() string {
	return TableAuditLog
}

// AuditFilter narrows an audit log listing. Zero fields match everything.
type AuditFilter struct {
	Action      string
	SubjectType string
	SubjectID   *uuid.UUID
	Limit       int
}
