package redemption_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/payment"
	"github.com/pavitra93/go-loyalty-ledger/shared/redemption"
)

func (f *fixture) abandoned(t *testing.T, c, r uuid.UUID, step models.RedemptionStep, age time.Duration) uuid.UUID {
	t.Helper()
	at := time.Now().UTC().Add(-age)
	rec := &models.RedemptionRecord{
		ID:            uuid.New(),
		TenantID:      f.h.TenantID(),
		CustomerID:    c,
		RewardID:      r,
		PointsDebited: 60,
		PriceCents:    int64p(1500),
		Currency:      "usd",
		PaymentState:  models.PaymentNone,
		Status:        models.RedemptionPending,
		Step:          step,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
	require.NoError(t, f.store.Run(context.Background(), f.h, func(ctx context.Context) error {
		return f.store.InsertRedemption(ctx, f.h, rec)
	}))
	return rec.ID
}

// age backdates the last touch of a redemption.
func (f *fixture) age(t *testing.T, id uuid.UUID, d time.Duration) {
	t.Helper()
	require.NoError(t, f.store.Run(context.Background(), f.h, func(ctx context.Context) error {
		rec, err := f.store.LockRedemption(ctx, f.h, id)
		if err != nil {
			return err
		}
		rec.UpdatedAt = time.Now().UTC().Add(-d)
		return f.store.UpdateRedemption(ctx, f.h, rec)
	}))
}

func (f *fixture) reconciler() *redemption.Reconciler {
	return redemption.NewReconciler(f.workflow, f.store, redemption.ReconcilerConfig{
		StaleAfter: 10 * time.Minute,
		Workers:    2,
	}, f.logger, nil)
}

func TestSweepCompensatesAbandonedHold(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t, 100)
	r := f.reward(t, 60, int64p(1500), nil)
	id := f.abandoned(t, c, r, models.StepBalanceChecked, time.Hour)
	f.gateway.Hold(id, "pi_orphan")

	summary, err := f.reconciler().Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Tenants)
	assert.Equal(t, 1, summary.Examined)
	assert.Equal(t, 1, summary.Outcomes[redemption.OutcomeCompensated])

	rec := f.stored(t, id)
	assert.Equal(t, models.RedemptionCompensated, rec.Status)
	assert.Equal(t, models.PaymentVoided, rec.PaymentState)
	assert.Equal(t, "pi_orphan", *rec.PaymentRef)
	assert.Equal(t, models.FailureAbandoned, *rec.FailureCode)
	assert.Equal(t, []string{"pi_orphan"}, f.gateway.VoidCalls)
	assert.Equal(t, payment.StateVoided, f.gateway.HoldState(id))
	assert.Equal(t, int64(100), f.balance(t, c), "reconciliation never debits")

	// A second sweep has nothing left to do.
	summary, err = f.reconciler().Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Examined)
	assert.Equal(t, 1, f.gateway.VoidCount())
}

func TestSweepFailsAbandonedAttemptWithoutHold(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t, 100)
	r := f.reward(t, 60, int64p(1500), nil)
	id := f.abandoned(t, c, r, models.StepBalanceChecked, time.Hour)

	summary, err := f.reconciler().Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Outcomes[redemption.OutcomeFailed])

	rec := f.stored(t, id)
	assert.Equal(t, models.RedemptionFailed, rec.Status)
	assert.Equal(t, models.FailureAbandoned, *rec.FailureCode)
	assert.Zero(t, f.gateway.VoidCount())
}

func TestSweepLeavesFreshAttemptsAlone(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t, 100)
	r := f.reward(t, 60, int64p(1500), nil)
	id := f.abandoned(t, c, r, models.StepBalanceChecked, time.Minute)

	summary, err := f.reconciler().Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Examined)
	assert.Equal(t, models.RedemptionPending, f.stored(t, id).Status)
	assert.Zero(t, f.gateway.LookupCount())
}

func TestSweepVoidsHoldSurfacingAfterTimeout(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t, 100)
	r := f.reward(t, 60, int64p(1500), nil)
	f.gateway.AuthorizeFunc = func(ctx context.Context, req payment.AuthorizationRequest) (*payment.Authorization, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.gateway.LookupFunc = func(context.Context, uuid.UUID) (*payment.Authorization, error) {
		return &payment.Authorization{Ref: "pi_limbo", State: payment.StatePending}, nil
	}

	rec, err := f.workflow.Redeem(context.Background(), f.h, c, r)
	require.ErrorIs(t, err, apperrors.ErrExternalAuthorizationTimeout)
	require.Equal(t, models.PaymentUnknown, rec.PaymentState)

	// The provider eventually settles the hold.
	f.gateway.LookupFunc = nil
	f.gateway.Hold(rec.ID, "pi_limbo")

	summary, err := f.reconciler().Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Examined, "unknown outcomes wait out the stale window")
	f.age(t, rec.ID, time.Hour)

	summary, err = f.reconciler().Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Outcomes[redemption.OutcomeVoided])

	stored := f.stored(t, rec.ID)
	assert.Equal(t, models.RedemptionFailed, stored.Status)
	assert.Equal(t, models.PaymentVoided, stored.PaymentState)
	assert.Equal(t, []string{"pi_limbo"}, f.gateway.VoidCalls)
	assert.Equal(t, int64(100), f.balance(t, c))
}

func TestLateHoldAfterTimeoutIsVoidedBySweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.customer(t, 100)
	r := f.reward(t, 60, int64p(1500), nil)
	f.gateway.AuthorizeFunc = func(ctx context.Context, req payment.AuthorizationRequest) (*payment.Authorization, error) {
		// The hold is placed, but neither the answer nor the search index
		// catch up before the workflow gives up.
		f.gateway.Hold(req.RedemptionID, "pi_lag")
		<-ctx.Done()
		return nil, ctx.Err()
	}
	indexed := false
	f.gateway.LookupFunc = func(_ context.Context, id uuid.UUID) (*payment.Authorization, error) {
		if !indexed {
			return &payment.Authorization{State: payment.StateNotFound}, nil
		}
		return &payment.Authorization{Ref: "pi_lag", State: f.gateway.HoldState(id)}, nil
	}

	rec, err := f.workflow.Redeem(ctx, f.h, c, r)
	require.ErrorIs(t, err, apperrors.ErrExternalAuthorizationTimeout)
	assert.Equal(t, models.RedemptionFailed, rec.Status)
	assert.Equal(t, models.PaymentUnknown, rec.PaymentState)

	indexed = true
	f.age(t, rec.ID, time.Hour)
	summary, err := f.reconciler().Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Outcomes[redemption.OutcomeVoided])

	stored := f.stored(t, rec.ID)
	assert.Equal(t, models.RedemptionFailed, stored.Status)
	assert.Equal(t, models.PaymentVoided, stored.PaymentState)
	assert.Equal(t, payment.StateVoided, f.gateway.HoldState(rec.ID))
	assert.Equal(t, []string{"pi_lag"}, f.gateway.VoidCalls)
	assert.Equal(t, int64(100), f.balance(t, c))
}

func TestHoldPlacedAfterSweepTookOverIsVoided(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t, 100)
	r := f.reward(t, 60, int64p(1500), nil)
	id := uuid.New()

	var swept redemption.Summary
	f.gateway.AuthorizeFunc = func(ctx context.Context, req payment.AuthorizationRequest) (*payment.Authorization, error) {
		// The attempt outlives the stale window and a sweep runs meanwhile.
		f.age(t, req.RedemptionID, time.Hour)
		var err error
		swept, err = f.reconciler().Sweep(context.Background())
		require.NoError(t, err)

		f.gateway.Hold(req.RedemptionID, "pi_slow")
		return &payment.Authorization{Ref: "pi_slow", State: payment.StateAuthorized}, nil
	}

	rec, err := f.workflow.Redeem(context.Background(), f.h, c, r, redemption.WithRedemptionID(id))
	assert.ErrorIs(t, err, apperrors.ErrExternalAuthorizationTimeout)
	assert.Equal(t, 1, swept.Outcomes[redemption.OutcomeFailed])
	require.NotNil(t, rec)
	assert.Equal(t, models.RedemptionFailed, rec.Status)

	stored := f.stored(t, id)
	assert.Equal(t, models.RedemptionFailed, stored.Status)
	assert.Equal(t, models.FailureAbandoned, *stored.FailureCode)
	assert.Equal(t, models.PaymentVoided, stored.PaymentState)
	require.NotNil(t, stored.PaymentRef)
	assert.Equal(t, "pi_slow", *stored.PaymentRef)
	assert.Equal(t, payment.StateVoided, f.gateway.HoldState(id))
	assert.Equal(t, []string{"pi_slow"}, f.gateway.VoidCalls)
	assert.Zero(t, f.debitsFor(t, c, id))
	assert.Equal(t, int64(100), f.balance(t, c))
}

func TestResumedAttemptIsNotTakenOverBySweep(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t, 100)
	r := f.reward(t, 60, int64p(1500), nil)
	id := f.abandoned(t, c, r, models.StepBalanceChecked, time.Hour)

	var swept redemption.Summary
	f.gateway.AuthorizeFunc = func(ctx context.Context, req payment.AuthorizationRequest) (*payment.Authorization, error) {
		var err error
		swept, err = f.reconciler().Sweep(context.Background())
		require.NoError(t, err)
		f.gateway.Hold(req.RedemptionID, "pi_resumed")
		return &payment.Authorization{Ref: "pi_resumed", State: payment.StateAuthorized}, nil
	}

	rec, err := f.workflow.Redeem(context.Background(), f.h, c, r, redemption.WithRedemptionID(id))
	require.NoError(t, err)
	assert.Equal(t, models.RedemptionCompleted, rec.Status)
	assert.Zero(t, swept.Examined)
	assert.Zero(t, f.gateway.VoidCount())
	assert.Equal(t, 1, f.debitsFor(t, c, id))
	assert.Equal(t, int64(40), f.balance(t, c))
}

func TestClaimedRedemptionIsSkippedByConcurrentSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.customer(t, 100)
	r := f.reward(t, 60, int64p(1500), nil)
	id := f.abandoned(t, c, r, models.StepBalanceChecked, time.Hour)
	f.gateway.LookupFunc = func(context.Context, uuid.UUID) (*payment.Authorization, error) {
		return &payment.Authorization{State: payment.StatePending}, nil
	}
	// Both sweeps listed the record before either acted on it.
	staleBefore := time.Now().UTC().Add(-10 * time.Minute)

	outcome, _ := f.workflow.Reconcile(ctx, f.h, id, staleBefore)
	assert.Equal(t, redemption.OutcomeUnresolved, outcome)
	lookups := f.gateway.LookupCount()
	require.Positive(t, lookups)

	outcome, err := f.workflow.Reconcile(ctx, f.h, id, staleBefore)
	require.NoError(t, err)
	assert.Equal(t, redemption.OutcomeSkipped, outcome)
	assert.Equal(t, lookups, f.gateway.LookupCount(), "second sweep never calls the provider")

	// A replay of the claimed attempt neither charges nor debits.
	_, err = f.workflow.Redeem(ctx, f.h, c, r, redemption.WithRedemptionID(id))
	assert.ErrorIs(t, err, apperrors.ErrExternalAuthorizationTimeout)
	assert.Zero(t, f.gateway.AuthorizeCount())
	assert.Equal(t, int64(100), f.balance(t, c))
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- redemption.NewReconciler(f.workflow, f.store, redemption.ReconcilerConfig{Interval: 5 * time.Millisecond}, f.logger, nil).Run(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
