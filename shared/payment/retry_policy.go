package payment

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/stripe/stripe-go/v79"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
)

// IsRetryable reports whether a failed provider call may be repeated.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, apperrors.ErrPaymentUnavailable) ||
		isRetryableStripeError(err) || isRetryableNetworkError(err) || isRetryableSystemError(err)
}

func isRetryableStripeError(err error) bool {
	var stripeError *stripe.Error
	if !errors.As(err, &stripeError) {
		return false
	}
	if stripeError.HTTPStatusCode >= 500 && stripeError.HTTPStatusCode < 600 {
		return true
	}
	switch stripeError.Code {
	case stripe.ErrorCodeRateLimit, stripe.ErrorCodeLockTimeout:
		return true
	}
	return false
}

func isRetryableNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isRetryableSystemError(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

// RetryPolicy repeats idempotent provider calls with exponential backoff.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy is used for voids and lookups.
var DefaultRetryPolicy = RetryPolicy{Attempts: 4, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}

// Do calls fn until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx is done. It returns fn's last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !IsRetryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}
