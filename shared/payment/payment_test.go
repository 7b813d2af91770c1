package payment

import (
	"context"
	"errors"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/metrics"
	"github.com/pavitra93/go-loyalty-ledger/shared/utils"
)

type scriptedGateway struct {
	authorize func() (*Authorization, error)
	calls     int
}

func (s *scriptedGateway) Authorize(context.Context, AuthorizationRequest) (*Authorization, error) {
	s.calls++
	return s.authorize()
}

func (s *scriptedGateway) Void(context.Context, string) error { return nil }

func (s *scriptedGateway) Lookup(context.Context, uuid.UUID) (*Authorization, error) {
	return &Authorization{State: StateNotFound}, nil
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"provider unavailable", apperrors.ErrPaymentUnavailable, true},
		{"stripe 5xx", &stripe.Error{HTTPStatusCode: http.StatusBadGateway}, true},
		{"stripe rate limit", &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests, Code: stripe.ErrorCodeRateLimit}, true},
		{"stripe lock timeout", &stripe.Error{HTTPStatusCode: http.StatusBadRequest, Code: stripe.ErrorCodeLockTimeout}, true},
		{"stripe card declined", &stripe.Error{HTTPStatusCode: http.StatusPaymentRequired, Code: stripe.ErrorCodeCardDeclined}, false},
		{"connection refused", syscall.ECONNREFUSED, true},
		{"connection reset", syscall.ECONNRESET, true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestRetryPolicyStopsOnSuccess(t *testing.T) {
	p := RetryPolicy{Attempts: 5, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return apperrors.ErrPaymentUnavailable
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyGivesUp(t *testing.T) {
	p := RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return apperrors.ErrPaymentUnavailable
	})
	assert.ErrorIs(t, err, apperrors.ErrPaymentUnavailable)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyDoesNotRetryPermanentErrors(t *testing.T) {
	p := RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}
	calls := 0
	permanent := errors.New("no such payment intent")
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := RetryPolicy{Attempts: 10, BaseDelay: time.Hour}
	calls := 0
	err := p.Do(ctx, func(context.Context) error {
		calls++
		return apperrors.ErrPaymentUnavailable
	})
	assert.ErrorIs(t, err, apperrors.ErrPaymentUnavailable)
	assert.Equal(t, 1, calls)
}

func TestDisabledGateway(t *testing.T) {
	var g Gateway = Disabled{}

	_, err := g.Authorize(context.Background(), AuthorizationRequest{AmountCents: 100})
	assert.ErrorIs(t, err, apperrors.ErrPaymentUnavailable)
	assert.ErrorIs(t, err, ErrNotAttempted)

	auth, err := g.Lookup(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, StateNotFound, auth.State)
}

func TestToAuthorization(t *testing.T) {
	tests := []struct {
		status stripe.PaymentIntentStatus
		want   State
	}{
		{stripe.PaymentIntentStatusRequiresCapture, StateAuthorized},
		{stripe.PaymentIntentStatusSucceeded, StateAuthorized},
		{stripe.PaymentIntentStatusCanceled, StateVoided},
		{stripe.PaymentIntentStatusRequiresPaymentMethod, StateDeclined},
		{stripe.PaymentIntentStatusProcessing, StatePending},
		{stripe.PaymentIntentStatusRequiresAction, StatePending},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			a := toAuthorization(&stripe.PaymentIntent{ID: "pi_123", Status: tt.status})
			assert.Equal(t, "pi_123", a.Ref)
			assert.Equal(t, tt.want, a.State)
		})
	}
}

func TestDeclineReason(t *testing.T) {
	reason, declined := declineReason(&stripe.Error{Type: stripe.ErrorTypeCard, Msg: "Your card was declined."})
	assert.True(t, declined)
	assert.Equal(t, "Your card was declined.", reason)

	_, declined = declineReason(&stripe.Error{Code: stripe.ErrorCodeExpiredCard})
	assert.True(t, declined)

	_, declined = declineReason(&stripe.Error{HTTPStatusCode: http.StatusInternalServerError})
	assert.False(t, declined)

	_, declined = declineReason(errors.New("dial tcp: timeout"))
	assert.False(t, declined)
}

func TestMapStripeError(t *testing.T) {
	sg := &StripeGateway{}
	err := sg.mapStripeError(&stripe.Error{HTTPStatusCode: http.StatusServiceUnavailable, Msg: "down"})
	assert.ErrorIs(t, err, apperrors.ErrPaymentUnavailable)

	err = sg.mapStripeError(&stripe.Error{HTTPStatusCode: http.StatusBadRequest, Code: stripe.ErrorCode("parameter_missing")})
	assert.False(t, errors.Is(err, apperrors.ErrPaymentUnavailable))
}

func TestGuardedOpensOnProviderFailures(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	next := &scriptedGateway{authorize: func() (*Authorization, error) {
		return nil, apperrors.ErrPaymentUnavailable
	}}
	g := NewGuarded(next, utils.NewCircuitBreaker(2, time.Minute), m)

	for i := 0; i < 2; i++ {
		_, err := g.Authorize(context.Background(), AuthorizationRequest{AmountCents: 100})
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrNotAttempted))
	}

	_, err := g.Authorize(context.Background(), AuthorizationRequest{AmountCents: 100})
	assert.ErrorIs(t, err, ErrNotAttempted)
	assert.ErrorIs(t, err, apperrors.ErrPaymentUnavailable)
	assert.Equal(t, 2, next.calls)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PaymentCallsTotal.WithLabelValues("authorize", "rejected")))
}

func TestGuardedIgnoresDeclines(t *testing.T) {
	next := &scriptedGateway{authorize: func() (*Authorization, error) {
		return &Authorization{State: StateDeclined, Reason: "insufficient funds"}, nil
	}}
	g := NewGuarded(next, utils.NewCircuitBreaker(1, time.Minute), nil)

	for i := 0; i < 3; i++ {
		auth, err := g.Authorize(context.Background(), AuthorizationRequest{AmountCents: 100})
		require.NoError(t, err)
		assert.Equal(t, StateDeclined, auth.State)
	}
	assert.Equal(t, 3, next.calls)
}

func TestGuardedIgnoresRejectedRequests(t *testing.T) {
	next := &scriptedGateway{authorize: func() (*Authorization, error) {
		return nil, errors.New("payment provider rejected request (parameter_missing)")
	}}
	g := NewGuarded(next, utils.NewCircuitBreaker(1, time.Minute), nil)

	for i := 0; i < 3; i++ {
		_, err := g.Authorize(context.Background(), AuthorizationRequest{AmountCents: 100})
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrNotAttempted))
	}
	assert.Equal(t, 3, next.calls)
}
