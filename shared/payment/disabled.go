package payment

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
)

// Disabled is used when no provider is configured. Nothing can be
// authorized, and nothing can exist at the provider.
type Disabled struct{}

func (Disabled) Authorize(context.Context, AuthorizationRequest) (*Authorization, error) {
	return nil, fmt.Errorf("%w: %w", apperrors.ErrPaymentUnavailable, ErrNotAttempted)
}

func (Disabled) Void(context.Context, string) error {
	return apperrors.ErrPaymentUnavailable
}

func (Disabled) Lookup(context.Context, uuid.UUID) (*Authorization, error) {
	return &Authorization{State: StateNotFound}, nil
}
