// Package payment is the port to the external payment provider that
// authorizes the monetary part of a priced reward.
package payment

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotAttempted marks a call that never reached the provider, so its
// outcome is known: nothing happened.
var ErrNotAttempted = errors.New("payment call not attempted")

// State is the provider-side state of an authorization.
type State string

const (
	StateAuthorized State = "authorized"
	StateDeclined   State = "declined"
	StateVoided     State = "voided"
	StatePending    State = "pending"
	StateNotFound   State = "not_found"
)

// AuthorizationRequest places a hold for a redemption. RedemptionID is the
// idempotency key: repeating a request with the same id never places a
// second hold.
type AuthorizationRequest struct {
	RedemptionID        uuid.UUID
	TenantID            uuid.UUID
	AmountCents         int64
	Currency            string
	ExternalCustomerRef string
	Description         string
}

// Authorization is the provider's answer. Ref is empty when nothing exists
// at the provider.
type Authorization struct {
	Ref    string
	State  State
	Reason string
}

// Gateway is implemented by payment providers. A decline is reported as an
// Authorization with StateDeclined, not as an error; errors mean the
// outcome is unknown.
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizationRequest) (*Authorization, error)
	// Void releases a hold. Voiding an already voided hold succeeds.
	Void(ctx context.Context, ref string) error
	// Lookup finds the authorization placed for a redemption, if any.
	Lookup(ctx context.Context, redemptionID uuid.UUID) (*Authorization, error)
}
