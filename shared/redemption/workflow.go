// Package redemption exchanges points, and optionally an external payment,
// for a reward.
//
// A redemption moves through initiated, balance-checked, payment-authorized,
// ledger-debited and completed. Any step may exit to failed; compensated is
// only reachable once a payment hold exists. Points-only rewards finish in a
// single transaction. Priced rewards commit the balance check, place the
// hold outside any transaction, then debit in a second transaction; when
// that debit fails the hold is voided.
package redemption

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/audit"
	"github.com/pavitra93/go-loyalty-ledger/shared/events"
	"github.com/pavitra93/go-loyalty-ledger/shared/ledger"
	"github.com/pavitra93/go-loyalty-ledger/shared/metrics"
	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/payment"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
	"github.com/pavitra93/go-loyalty-ledger/shared/txmanager"
)

// Store is the persistence the workflow needs inside a tenant namespace.
type Store interface {
	LockCustomer(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.Customer, error)
	SumEntries(ctx context.Context, h tenancy.Handle, customerID uuid.UUID) (int64, error)
	LockReward(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.Reward, error)
	DecrementRewardStock(ctx context.Context, h tenancy.Handle, id uuid.UUID) error
	InsertRedemption(ctx context.Context, h tenancy.Handle, r *models.RedemptionRecord) error
	GetRedemption(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.RedemptionRecord, error)
	LockRedemption(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.RedemptionRecord, error)
	UpdateRedemption(ctx context.Context, h tenancy.Handle, r *models.RedemptionRecord) error
	ListRedemptionsForReconcile(ctx context.Context, h tenancy.Handle, staleBefore time.Time, limit int) ([]models.RedemptionRecord, error)
}

// Debiter takes points from a customer. *ledger.Ledger implements it.
type Debiter interface {
	Debit(ctx context.Context, h tenancy.Handle, customerID uuid.UUID, amount int64, note string, opts ...ledger.Option) (*models.PointsEntry, error)
}

// Config tunes the external payment step.
type Config struct {
	// AuthorizationTimeout bounds each call to the payment provider.
	AuthorizationTimeout time.Duration
	// LookupAttempts is how often an unanswered authorization is re-queried.
	LookupAttempts int
	LookupBackoff  time.Duration
	// VoidPolicy retries compensating voids.
	VoidPolicy payment.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.AuthorizationTimeout <= 0 {
		c.AuthorizationTimeout = 10 * time.Second
	}
	if c.LookupAttempts <= 0 {
		c.LookupAttempts = 3
	}
	if c.LookupBackoff <= 0 {
		c.LookupBackoff = 500 * time.Millisecond
	}
	if c.VoidPolicy.Attempts <= 0 {
		c.VoidPolicy = payment.DefaultRetryPolicy
	}
	return c
}

// Dependencies are the collaborators of a Workflow.
type Dependencies struct {
	Store   Store
	Tx      txmanager.Manager
	Ledger  Debiter
	Gateway payment.Gateway
	Audit   *audit.Recorder
	Events  events.Publisher
	Metrics *metrics.Metrics
	Logger  *logrus.Logger
}

// Workflow runs redemptions.
type Workflow struct {
	store   Store
	tx      txmanager.Manager
	ledger  Debiter
	gateway payment.Gateway
	audit   *audit.Recorder
	events  events.Publisher
	metrics *metrics.Metrics
	logger  *logrus.Logger
	cfg     Config
	group   singleflight.Group
	now     func() time.Time
}

// New creates a workflow. A nil gateway disables priced rewards and a nil
// publisher discards events.
func New(deps Dependencies, cfg Config) *Workflow {
	if deps.Gateway == nil {
		deps.Gateway = payment.Disabled{}
	}
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	return &Workflow{
		store:   deps.Store,
		tx:      deps.Tx,
		ledger:  deps.Ledger,
		gateway: deps.Gateway,
		audit:   deps.Audit,
		events:  deps.Events,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		cfg:     cfg.withDefaults(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type options struct {
	id *uuid.UUID
}

// Option tunes a single redemption.
type Option func(*options)

// WithRedemptionID makes the call idempotent: a repeated call with the same
// id returns the stored outcome, or resumes an attempt left pending.
func WithRedemptionID(id uuid.UUID) Option {
	return func(o *options) { o.id = &id }
}

// errReplay reports that the redemption id already has a record.
var errReplay = errors.New("redemption already recorded")

// Redeem exchanges points for a reward. The record is returned together
// with the error whenever the attempt was recorded.
func (w *Workflow) Redeem(ctx context.Context, h tenancy.Handle, customerID, rewardID uuid.UUID, opts ...Option) (*models.RedemptionRecord, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	id := uuid.New()
	if o.id != nil {
		id = *o.id
	}
	if id == uuid.Nil {
		return nil, fmt.Errorf("%w: redemption id must not be nil", apperrors.ErrInvalidInput)
	}

	v, err, _ := w.group.Do(h.TenantID().String()+":"+id.String(), func() (interface{}, error) {
		return w.redeem(ctx, h, id, customerID, rewardID)
	})
	rec, _ := v.(*models.RedemptionRecord)
	return rec, err
}

// Get returns a stored redemption.
func (w *Workflow) Get(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.RedemptionRecord, error) {
	var rec *models.RedemptionRecord
	err := w.tx.Run(ctx, h, func(ctx context.Context) error {
		var err error
		rec, err = w.store.GetRedemption(ctx, h, id)
		return err
	})
	return rec, err
}

func (w *Workflow) redeem(ctx context.Context, h tenancy.Handle, id, customerID, rewardID uuid.UUID) (*models.RedemptionRecord, error) {
	rec, req, err := w.begin(ctx, h, id, customerID, rewardID)
	if errors.Is(err, errReplay) {
		return w.replay(ctx, h, id, customerID, rewardID)
	}
	if err != nil || rec.IsTerminal() {
		return rec, err
	}
	return w.pay(ctx, h, rec, req)
}

// begin runs the first transaction: load the reward, lock the customer and
// check the balance. Points-only rewards are settled here as well; priced
// rewards come back with the authorization request to place.
func (w *Workflow) begin(ctx context.Context, h tenancy.Handle, id, customerID, rewardID uuid.UUID) (*models.RedemptionRecord, payment.AuthorizationRequest, error) {
	var (
		rec     *models.RedemptionRecord
		req     payment.AuthorizationRequest
		outcome error
	)
	err := w.tx.Run(ctx, h, func(ctx context.Context) error {
		_, err := w.store.GetRedemption(ctx, h, id)
		if err == nil {
			return errReplay
		}
		if !errors.Is(err, apperrors.ErrRedemptionNotFound) {
			return err
		}

		reward, err := w.store.LockReward(ctx, h, rewardID)
		if err != nil {
			return err
		}
		customer, err := w.store.LockCustomer(ctx, h, customerID)
		if err != nil {
			return err
		}

		now := w.now()
		rec = &models.RedemptionRecord{
			ID:            id,
			TenantID:      h.TenantID(),
			CustomerID:    customer.ID,
			RewardID:      reward.ID,
			PointsDebited: reward.PointsCost,
			PriceCents:    reward.PriceCents,
			Currency:      reward.Currency,
			PaymentState:  models.PaymentNone,
			Status:        models.RedemptionPending,
			Step:          models.StepInitiated,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		if !reward.Available() {
			outcome = apperrors.ErrRewardUnavailable
			return w.recordFailure(ctx, h, rec, models.FailureRewardUnavailable, "reward is inactive or out of stock")
		}

		balance, err := w.store.SumEntries(ctx, h, customerID)
		if err != nil {
			return fmt.Errorf("sum entries: %w", err)
		}
		if balance < reward.PointsCost {
			outcome = fmt.Errorf("%w: balance %d, cost %d", apperrors.ErrInsufficientPoints, balance, reward.PointsCost)
			return w.recordFailure(ctx, h, rec, models.FailureInsufficientPoints, outcome.Error())
		}
		rec.Step = models.StepBalanceChecked

		if err := w.store.InsertRedemption(ctx, h, rec); err != nil {
			if errors.Is(err, apperrors.ErrDuplicate) {
				return errReplay
			}
			return fmt.Errorf("insert redemption: %w", err)
		}
		if reward.RequiresPayment() {
			req = authorizationRequest(h, rec, customer, reward.Name)
			return nil
		}
		return w.settle(ctx, h, rec)
	})
	if err != nil {
		return nil, req, err
	}
	return rec, req, outcome
}

func authorizationRequest(h tenancy.Handle, rec *models.RedemptionRecord, customer *models.Customer, description string) payment.AuthorizationRequest {
	req := payment.AuthorizationRequest{
		RedemptionID: rec.ID,
		TenantID:     h.TenantID(),
		AmountCents:  *rec.PriceCents,
		Currency:     rec.Currency,
		Description:  description,
	}
	if customer.PaymentCustomerRef != nil {
		req.ExternalCustomerRef = *customer.PaymentCustomerRef
	}
	return req
}

// pay places the hold and runs the debit transaction, compensating when the
// debit cannot be committed. Work after the hold is detached from the
// caller's cancellation so the record always reaches a resolution.
func (w *Workflow) pay(ctx context.Context, h tenancy.Handle, rec *models.RedemptionRecord, req payment.AuthorizationRequest) (*models.RedemptionRecord, error) {
	auth, err := w.authorize(ctx, h, rec, req)
	dctx := context.WithoutCancel(ctx)
	if err != nil {
		return w.failPayment(dctx, h, rec, auth, err)
	}
	switch auth.State {
	case payment.StateAuthorized:
	case payment.StateDeclined:
		return w.failPayment(dctx, h, rec, auth, fmt.Errorf("%w: %s", apperrors.ErrExternalAuthorizationFailed, auth.Reason))
	default:
		return w.failPayment(dctx, h, rec, auth, fmt.Errorf("%w: provider reports %s", apperrors.ErrExternalAuthorizationFailed, auth.State))
	}

	authorized, err := w.update(dctx, h, rec.ID, "", func(r *models.RedemptionRecord) error {
		if r.IsTerminal() || r.FailureCode != nil {
			return errAlreadyFinal
		}
		r.PaymentRef = &auth.Ref
		r.PaymentState = models.PaymentAuthorized
		r.Step = models.StepPaymentAuthorized
		return nil
	})
	if errors.Is(err, errAlreadyFinal) {
		return w.release(dctx, h, rec.ID, auth.Ref)
	}
	if err != nil {
		// The hold exists but could not be recorded.
		w.logger.WithFields(w.fields(h, rec)).WithError(err).Error("failed to record payment authorization, voiding")
		if verr := w.void(dctx, auth.Ref); verr != nil {
			w.logger.WithFields(w.fields(h, rec)).WithError(verr).Error("void failed, left for reconciliation")
		}
		return rec, err
	}
	return w.complete(dctx, h, authorized)
}

// complete runs the debit transaction for an authorized redemption. The
// reward is locked before the customer, in the same order as begin.
func (w *Workflow) complete(ctx context.Context, h tenancy.Handle, rec *models.RedemptionRecord) (*models.RedemptionRecord, error) {
	var done *models.RedemptionRecord
	err := w.tx.Run(ctx, h, func(ctx context.Context) error {
		locked, err := w.store.LockRedemption(ctx, h, rec.ID)
		if err != nil {
			return err
		}
		if locked.IsTerminal() || locked.FailureCode != nil {
			return errAlreadyFinal
		}
		if _, err := w.store.LockReward(ctx, h, locked.RewardID); err != nil {
			return fmt.Errorf("lock reward: %w", err)
		}
		if err := w.settle(ctx, h, locked); err != nil {
			return err
		}
		done = locked
		return nil
	})
	if err == nil {
		return done, nil
	}
	if errors.Is(err, errAlreadyFinal) && rec.PaymentRef != nil {
		return w.release(ctx, h, rec.ID, *rec.PaymentRef)
	}
	return w.compensate(ctx, h, rec, err)
}

// release handles a hold that turned up for a redemption someone else
// already finalized or abandoned. The hold is voided unless it is the one
// a completed redemption was paid with.
func (w *Workflow) release(ctx context.Context, h tenancy.Handle, id uuid.UUID, ref string) (*models.RedemptionRecord, error) {
	stored, err := w.Get(ctx, h, id)
	if err != nil {
		return nil, err
	}
	if stored.Status == models.RedemptionCompleted && stored.PaymentRef != nil && *stored.PaymentRef == ref {
		return stored, nil
	}
	if !stored.IsTerminal() {
		stored.PaymentRef = &ref
		stored.Step = models.StepPaymentAuthorized
		return w.compensate(ctx, h, stored, failureError(stored))
	}

	state := models.PaymentVoided
	if err := w.void(ctx, ref); err != nil {
		w.logger.WithFields(w.fields(h, stored)).WithError(err).Error("void of late hold failed, left for reconciliation")
		state = models.PaymentUnknown
	}
	out, err := w.markPayment(ctx, h, id, ref, state)
	if err != nil {
		return stored, err
	}
	return out, replayError(out)
}

// markPayment records what happened to a hold on a finalized redemption.
// An unknown state hands the record to the reconciler.
func (w *Workflow) markPayment(ctx context.Context, h tenancy.Handle, id uuid.UUID, ref string, state models.PaymentState) (*models.RedemptionRecord, error) {
	return w.update(ctx, h, id, "", func(r *models.RedemptionRecord) error {
		r.PaymentRef = &ref
		r.PaymentState = state
		return nil
	})
}

// settle debits the points, takes one unit of stock and completes the
// record. It must run inside a transaction bound to h.
func (w *Workflow) settle(ctx context.Context, h tenancy.Handle, rec *models.RedemptionRecord) error {
	if rec.PointsDebited > 0 {
		_, err := w.ledger.Debit(ctx, h, rec.CustomerID, rec.PointsDebited, "redemption "+rec.ID.String(), ledger.WithReference(rec.ID))
		if err != nil {
			return fmt.Errorf("debit points: %w", err)
		}
	}
	rec.Step = models.StepLedgerDebited
	if err := w.store.DecrementRewardStock(ctx, h, rec.RewardID); err != nil {
		return fmt.Errorf("take reward stock: %w", err)
	}
	if err := rec.Transition(models.RedemptionCompleted, w.now()); err != nil {
		return err
	}
	if err := w.store.UpdateRedemption(ctx, h, rec); err != nil {
		return fmt.Errorf("update redemption: %w", err)
	}
	if _, err := w.audit.Record(ctx, h, audit.ActionRedemptionCompleted, audit.SubjectRedemption, rec.ID, w.metadata(rec)); err != nil {
		return err
	}
	w.afterFinalize(ctx, h, rec, events.TypeRedemptionCompleted)
	return nil
}

// compensate voids the hold of an authorized redemption whose debit failed
// and marks it compensated. The record is marked as failing before the
// void, so a replay or the reconciler never retries the debit and a
// completion by someone else is never undone. cause is returned to the
// caller either way.
func (w *Workflow) compensate(ctx context.Context, h tenancy.Handle, rec *models.RedemptionRecord, cause error) (*models.RedemptionRecord, error) {
	if rec.PaymentRef == nil {
		return rec, cause
	}
	logger := w.logger.WithFields(w.fields(h, rec))
	ref := *rec.PaymentRef
	code := failureCode(cause)
	reason := cause.Error()

	marked, err := w.update(ctx, h, rec.ID, "", func(r *models.RedemptionRecord) error {
		if r.IsTerminal() {
			return errAlreadyFinal
		}
		r.PaymentRef = &ref
		r.PaymentState = models.PaymentAuthorized
		r.Step = models.StepPaymentAuthorized
		if r.FailureCode == nil {
			r.FailureCode = &code
			r.FailureReason = &reason
		}
		return nil
	})
	if errors.Is(err, errAlreadyFinal) {
		return w.release(ctx, h, rec.ID, ref)
	}
	if err != nil {
		logger.WithError(err).Error("failed to mark redemption for compensation, left for reconciliation")
		return rec, cause
	}

	if err := w.void(ctx, ref); err != nil {
		logger.WithError(err).Error("compensating void failed, left for reconciliation")
		return marked, cause
	}

	out, err := w.update(ctx, h, rec.ID, audit.ActionRedemptionCompensate, func(r *models.RedemptionRecord) error {
		if r.IsTerminal() {
			return errAlreadyFinal
		}
		if err := r.Transition(models.RedemptionCompensated, w.now()); err != nil {
			return err
		}
		r.PaymentState = models.PaymentVoided
		return nil
	})
	if errors.Is(err, errAlreadyFinal) {
		// The reconciler finished it first; the hold is voided all the same.
		if out, err = w.markPayment(ctx, h, rec.ID, ref, models.PaymentVoided); err != nil {
			return marked, cause
		}
		return out, replayError(out)
	}
	if err != nil {
		logger.WithError(err).Error("hold voided but redemption not marked compensated")
		return marked, cause
	}
	logger.WithError(cause).Warn("redemption compensated")
	return out, fmt.Errorf("redemption %s compensated: %w", rec.ID, cause)
}

// failPayment finalizes a redemption whose hold was never placed, declined,
// or could not be resolved.
func (w *Workflow) failPayment(ctx context.Context, h tenancy.Handle, rec *models.RedemptionRecord, auth *payment.Authorization, cause error) (*models.RedemptionRecord, error) {
	code := models.FailurePaymentDeclined
	state := models.PaymentDeclined
	switch {
	case errors.Is(cause, apperrors.ErrExternalAuthorizationTimeout):
		code, state = models.FailurePaymentUnknown, models.PaymentUnknown
	case errors.Is(cause, payment.ErrNotAttempted), errors.Is(cause, apperrors.ErrPaymentUnavailable):
		code, state = models.FailurePaymentUnavailable, models.PaymentNone
	}

	reason := cause.Error()
	out, err := w.update(ctx, h, rec.ID, audit.ActionRedemptionFailed, func(r *models.RedemptionRecord) error {
		if r.IsTerminal() {
			return errAlreadyFinal
		}
		if err := r.Fail(code, reason, w.now()); err != nil {
			return err
		}
		r.PaymentState = state
		if auth != nil && auth.Ref != "" {
			ref := auth.Ref
			r.PaymentRef = &ref
		}
		return nil
	})
	if errors.Is(err, errAlreadyFinal) {
		stored, gerr := w.Get(ctx, h, rec.ID)
		if gerr != nil {
			return rec, cause
		}
		return stored, replayError(stored)
	}
	if err != nil {
		return rec, err
	}
	return out, cause
}

// authorize places the hold. When the provider does not answer, the
// authorization is looked up by redemption id; it is never blindly retried.
// The provider's search lags behind writes, so a hold that cannot be found
// yet leaves the outcome unknown rather than absent.
func (w *Workflow) authorize(ctx context.Context, h tenancy.Handle, rec *models.RedemptionRecord, req payment.AuthorizationRequest) (*payment.Authorization, error) {
	actx, cancel := context.WithTimeout(ctx, w.cfg.AuthorizationTimeout)
	auth, err := w.gateway.Authorize(actx, req)
	cancel()
	if err == nil && auth.State != payment.StatePending {
		return auth, nil
	}
	if errors.Is(err, payment.ErrNotAttempted) {
		return nil, err
	}

	w.logger.WithFields(w.fields(h, rec)).WithError(err).Warn("authorization outcome unknown, querying provider")
	found, lerr := w.lookup(context.WithoutCancel(ctx), rec.ID)
	if lerr != nil {
		return found, fmt.Errorf("%w: %w", apperrors.ErrExternalAuthorizationTimeout, lerr)
	}
	cause := err
	if cause == nil {
		cause = errors.New("authorization left pending")
	}
	switch found.State {
	case payment.StateNotFound:
		return found, fmt.Errorf("%w: no hold visible yet: %w", apperrors.ErrExternalAuthorizationTimeout, cause)
	case payment.StateVoided:
		return found, fmt.Errorf("%w: hold already voided: %w", apperrors.ErrPaymentUnavailable, cause)
	}
	return found, nil
}

var errStillPending = fmt.Errorf("%w: authorization still pending", apperrors.ErrPaymentUnavailable)

// lookup re-queries the provider until it gives a definite answer.
func (w *Workflow) lookup(ctx context.Context, id uuid.UUID) (*payment.Authorization, error) {
	policy := payment.RetryPolicy{
		Attempts:  w.cfg.LookupAttempts,
		BaseDelay: w.cfg.LookupBackoff,
		MaxDelay:  w.cfg.VoidPolicy.MaxDelay,
	}
	var last *payment.Authorization
	err := policy.Do(ctx, func(ctx context.Context) error {
		lctx, cancel := context.WithTimeout(ctx, w.cfg.AuthorizationTimeout)
		defer cancel()
		auth, err := w.gateway.Lookup(lctx, id)
		if err != nil {
			return fmt.Errorf("%w: %w", apperrors.ErrPaymentUnavailable, err)
		}
		last = auth
		if auth.State == payment.StatePending {
			return errStillPending
		}
		return nil
	})
	return last, err
}

func (w *Workflow) void(ctx context.Context, ref string) error {
	return w.cfg.VoidPolicy.Do(ctx, func(ctx context.Context) error {
		vctx, cancel := context.WithTimeout(ctx, w.cfg.AuthorizationTimeout)
		defer cancel()
		return w.gateway.Void(vctx, ref)
	})
}

// replay answers a repeated call for an existing redemption id.
func (w *Workflow) replay(ctx context.Context, h tenancy.Handle, id, customerID, rewardID uuid.UUID) (*models.RedemptionRecord, error) {
	rec, err := w.Get(ctx, h, id)
	if err != nil {
		return nil, err
	}
	if rec.CustomerID != customerID || rec.RewardID != rewardID {
		return nil, fmt.Errorf("%w: redemption %s belongs to a different request", apperrors.ErrInvalidInput, id)
	}
	if rec.IsTerminal() {
		return rec, replayError(rec)
	}
	return w.resume(ctx, h, rec)
}

// resume continues a pending redemption from its recorded step.
func (w *Workflow) resume(ctx context.Context, h tenancy.Handle, rec *models.RedemptionRecord) (*models.RedemptionRecord, error) {
	dctx := context.WithoutCancel(ctx)
	switch {
	case rec.Step == models.StepPaymentAuthorized && rec.FailureCode != nil:
		return w.compensate(dctx, h, rec, failureError(rec))
	case rec.Step == models.StepPaymentAuthorized:
		return w.complete(dctx, h, rec)
	case rec.FailureCode != nil:
		// Abandoned; the reconciler owns it now.
		return rec, failureError(rec)
	}

	// The hold may or may not have been placed; authorize is keyed by the
	// redemption id, so it never places a second one. Touching the record
	// keeps the reconciler off it while the provider is called.
	claimed, err := w.update(ctx, h, rec.ID, "", func(r *models.RedemptionRecord) error {
		if r.IsTerminal() || r.FailureCode != nil {
			return errAlreadyFinal
		}
		return nil
	})
	if errors.Is(err, errAlreadyFinal) {
		stored, gerr := w.Get(ctx, h, rec.ID)
		if gerr != nil {
			return rec, gerr
		}
		return stored, replayError(stored)
	}
	if err != nil {
		return rec, err
	}

	var req payment.AuthorizationRequest
	err = w.tx.Run(ctx, h, func(ctx context.Context) error {
		customer, err := w.store.LockCustomer(ctx, h, claimed.CustomerID)
		if err != nil {
			return err
		}
		req = authorizationRequest(h, claimed, customer, "")
		return nil
	})
	if err != nil {
		return claimed, err
	}
	return w.pay(ctx, h, claimed, req)
}

// update locks the record, applies fn and saves it. A non-empty action is
// audited and marks the record as finalized.
func (w *Workflow) update(ctx context.Context, h tenancy.Handle, id uuid.UUID, action string, fn func(r *models.RedemptionRecord) error) (*models.RedemptionRecord, error) {
	var out *models.RedemptionRecord
	err := w.tx.Run(ctx, h, func(ctx context.Context) error {
		rec, err := w.store.LockRedemption(ctx, h, id)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		rec.UpdatedAt = w.now()
		if err := w.store.UpdateRedemption(ctx, h, rec); err != nil {
			return fmt.Errorf("update redemption: %w", err)
		}
		if action != "" {
			if _, err := w.audit.Record(ctx, h, action, audit.SubjectRedemption, rec.ID, w.metadata(rec)); err != nil {
				return err
			}
			w.afterFinalize(ctx, h, rec, eventFor(rec.Status))
		}
		out = rec
		return nil
	})
	return out, err
}

// recordFailure stores a redemption that failed before any external call.
func (w *Workflow) recordFailure(ctx context.Context, h tenancy.Handle, rec *models.RedemptionRecord, code, reason string) error {
	if err := rec.Fail(code, reason, w.now()); err != nil {
		return err
	}
	if err := w.store.InsertRedemption(ctx, h, rec); err != nil {
		if errors.Is(err, apperrors.ErrDuplicate) {
			return errReplay
		}
		return fmt.Errorf("insert redemption: %w", err)
	}
	if _, err := w.audit.Record(ctx, h, audit.ActionRedemptionFailed, audit.SubjectRedemption, rec.ID, w.metadata(rec)); err != nil {
		return err
	}
	w.afterFinalize(ctx, h, rec, events.TypeRedemptionFailed)
	return nil
}

func (w *Workflow) afterFinalize(ctx context.Context, h tenancy.Handle, rec *models.RedemptionRecord, eventType string) {
	snapshot := *rec
	txmanager.OnCommit(ctx, func() {
		w.metrics.RedemptionFinalized(string(snapshot.Status))
		ev := events.New(eventType, h.TenantID(), snapshot.CustomerID, snapshot.ID, snapshot.PointsDebited)
		ev.Data = map[string]interface{}{
			"reward_id":     snapshot.RewardID.String(),
			"payment_state": string(snapshot.PaymentState),
		}
		if snapshot.FailureCode != nil {
			ev.Data["failure_code"] = *snapshot.FailureCode
		}
		if err := w.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
			w.logger.WithFields(w.fields(h, &snapshot)).WithError(err).Warn("committed event not published")
		}
	})
}

func (w *Workflow) metadata(rec *models.RedemptionRecord) map[string]interface{} {
	md := map[string]interface{}{
		"customer_id":   rec.CustomerID.String(),
		"reward_id":     rec.RewardID.String(),
		"points":        rec.PointsDebited,
		"step":          string(rec.Step),
		"payment_state": string(rec.PaymentState),
	}
	if rec.PaymentRef != nil {
		md["payment_ref"] = *rec.PaymentRef
	}
	if rec.FailureCode != nil {
		md["failure_code"] = *rec.FailureCode
	}
	return md
}

func (w *Workflow) fields(h tenancy.Handle, rec *models.RedemptionRecord) logrus.Fields {
	return logrus.Fields{
		"tenant_id":     h.TenantID(),
		"redemption_id": rec.ID,
		"customer_id":   rec.CustomerID,
	}
}

func eventFor(status models.RedemptionStatus) string {
	switch status {
	case models.RedemptionCompleted:
		return events.TypeRedemptionCompleted
	case models.RedemptionCompensated:
		return events.TypeRedemptionCompensated
	default:
		return events.TypeRedemptionFailed
	}
}

func failureCode(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrInsufficientBalance), errors.Is(err, apperrors.ErrInsufficientPoints):
		return models.FailureInsufficientPoints
	case errors.Is(err, apperrors.ErrRewardUnavailable), errors.Is(err, apperrors.ErrRewardNotFound):
		return models.FailureRewardUnavailable
	default:
		return models.FailureLedgerDebit
	}
}

var failureErrors = map[string]error{
	models.FailureInsufficientPoints: apperrors.ErrInsufficientPoints,
	models.FailureRewardUnavailable:  apperrors.ErrRewardUnavailable,
	models.FailurePaymentDeclined:    apperrors.ErrExternalAuthorizationFailed,
	models.FailurePaymentUnavailable: apperrors.ErrPaymentUnavailable,
	models.FailurePaymentUnknown:     apperrors.ErrExternalAuthorizationTimeout,
	models.FailureAbandoned:          apperrors.ErrExternalAuthorizationTimeout,
}

// failureError rebuilds the error of a recorded failure.
func failureError(rec *models.RedemptionRecord) error {
	var code, reason string
	if rec.FailureCode != nil {
		code = *rec.FailureCode
	}
	if rec.FailureReason != nil {
		reason = *rec.FailureReason
	}
	if sentinel, ok := failureErrors[code]; ok {
		return fmt.Errorf("%w: %s", sentinel, reason)
	}
	return fmt.Errorf("redemption %s %s: %s", rec.ID, code, reason)
}

// replayError is the error a finalized record answers with.
func replayError(rec *models.RedemptionRecord) error {
	if rec.Status == models.RedemptionCompleted {
		return nil
	}
	return failureError(rec)
}
