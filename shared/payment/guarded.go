package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/metrics"
	"github.com/pavitra93/go-loyalty-ledger/shared/utils"
)

// Guarded wraps a Gateway with a circuit breaker and call metrics. While
// the breaker is open calls fail fast with ErrNotAttempted.
type Guarded struct {
	next    Gateway
	breaker *utils.CircuitBreaker
	metrics *metrics.Metrics
}

// NewGuarded wraps next. Only provider unavailability counts towards
// tripping the breaker; rejected requests and cancellations do not.
func NewGuarded(next Gateway, breaker *utils.CircuitBreaker, m *metrics.Metrics) *Guarded {
	breaker.WithFailurePredicate(func(err error) bool {
		if errors.Is(err, context.Canceled) || errors.Is(err, apperrors.ErrInvalidInput) {
			return false
		}
		return IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
	})
	return &Guarded{next: next, breaker: breaker, metrics: m}
}

func (g *Guarded) Authorize(ctx context.Context, req AuthorizationRequest) (*Authorization, error) {
	var auth *Authorization
	err := g.call(func() error {
		var err error
		auth, err = g.next.Authorize(ctx, req)
		return err
	})
	if err != nil {
		g.metrics.PaymentCall("authorize", outcome(err))
		return nil, err
	}
	g.metrics.PaymentCall("authorize", string(auth.State))
	return auth, nil
}

func (g *Guarded) Void(ctx context.Context, ref string) error {
	err := g.call(func() error {
		return g.next.Void(ctx, ref)
	})
	if err != nil {
		g.metrics.PaymentCall("void", outcome(err))
		return err
	}
	g.metrics.PaymentCall("void", string(StateVoided))
	return nil
}

func (g *Guarded) Lookup(ctx context.Context, redemptionID uuid.UUID) (*Authorization, error) {
	var auth *Authorization
	err := g.call(func() error {
		var err error
		auth, err = g.next.Lookup(ctx, redemptionID)
		return err
	})
	if err != nil {
		g.metrics.PaymentCall("lookup", outcome(err))
		return nil, err
	}
	g.metrics.PaymentCall("lookup", string(auth.State))
	return auth, nil
}

func (g *Guarded) call(fn func() error) error {
	err := g.breaker.Call(fn)
	if errors.Is(err, utils.ErrCircuitOpen) || errors.Is(err, utils.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w: %w", apperrors.ErrPaymentUnavailable, ErrNotAttempted, err)
	}
	return err
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrNotAttempted):
		return "rejected"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
