package models

import (
	"github.com/google/uuid"
)

// CredentialKind identifies how a caller proved which tenant it acts for.
type CredentialKind string

const (
	CredentialAPIKey  CredentialKind = "api_key"
	CredentialSession CredentialKind = "session"
)

// Actor describes the caller behind a request once its credential has been
// resolved. It is what ends up in AuditLogEntry.ActorID.
type Actor struct {
	ID       string         `json:"id"`
	Kind     CredentialKind `json:"kind"`
	TenantID uuid.UUID      `json:"tenant_id"`
	Email    string         `json:"email,omitempty"`
}

// AuditID returns the identifier recorded in the audit log for this actor.
func (a *Actor) AuditID() *string {
	if a == nil || a.ID == "" {
		return nil
	}
	id := string(a.Kind) + ":" + a.ID
	return &id
}

func (a *Actor) CanAccessTenant(tenantID uuid.UUID) bool {
	return a != nil && a.TenantID == tenantID
}
