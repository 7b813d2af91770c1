package redemption

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pavitra93/go-loyalty-ledger/shared/audit"
	"github.com/pavitra93/go-loyalty-ledger/shared/metrics"
	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/payment"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
)

// Reconciliation outcomes.
const (
	OutcomeCompensated = "compensated"
	OutcomeFailed      = "failed"
	OutcomeVoided      = "voided"
	OutcomeResolved    = "resolved"
	OutcomeUnresolved  = "unresolved"
	OutcomeSkipped     = "skipped"
)

var errAlreadyFinal = errors.New("redemption finalized or claimed concurrently")

// Reconcile resolves one redemption left pending, or failed with an unknown
// payment outcome. Any hold found at the provider is voided; no points are
// ever debited here. The record is claimed under its row lock before the
// provider is called, so only one sweep acts on it and no attempt still
// running can complete it afterwards.
func (w *Workflow) Reconcile(ctx context.Context, h tenancy.Handle, id uuid.UUID, staleBefore time.Time) (string, error) {
	rec, err := w.claim(ctx, h, id, staleBefore)
	if errors.Is(err, errAlreadyFinal) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeUnresolved, fmt.Errorf("claim redemption: %w", err)
	}
	logger := w.logger.WithFields(w.fields(h, rec))

	auth, err := w.lookup(ctx, rec.ID)
	if err != nil {
		return OutcomeUnresolved, fmt.Errorf("lookup authorization: %w", err)
	}
	if auth.State == payment.StatePending {
		return OutcomeUnresolved, nil
	}

	ref, held := auth.Ref, auth.State == payment.StateAuthorized
	if auth.State == payment.StateNotFound && rec.PaymentRef != nil {
		// The recorded hold is not searchable yet.
		ref, held = *rec.PaymentRef, true
	}
	if held {
		if err := w.void(ctx, ref); err != nil {
			return OutcomeUnresolved, fmt.Errorf("void %s: %w", ref, err)
		}
	}
	state := settledState(auth.State)
	if held {
		state = models.PaymentVoided
	}

	if rec.Status == models.RedemptionFailed {
		_, err := w.update(ctx, h, rec.ID, "", func(r *models.RedemptionRecord) error {
			if r.PaymentState != models.PaymentUnknown {
				return errAlreadyFinal
			}
			r.PaymentState = state
			if ref != "" {
				r.PaymentRef = &ref
			}
			return nil
		})
		if errors.Is(err, errAlreadyFinal) {
			return OutcomeSkipped, nil
		}
		if err != nil {
			return OutcomeUnresolved, err
		}
		if held {
			logger.Info("voided hold of failed redemption")
			return OutcomeVoided, nil
		}
		return OutcomeResolved, nil
	}

	if held {
		_, err := w.update(ctx, h, rec.ID, audit.ActionRedemptionCompensate, func(r *models.RedemptionRecord) error {
			if r.IsTerminal() {
				return errAlreadyFinal
			}
			r.PaymentRef = &ref
			r.Step = models.StepPaymentAuthorized
			if err := r.Transition(models.RedemptionCompensated, w.now()); err != nil {
				return err
			}
			r.PaymentState = models.PaymentVoided
			return nil
		})
		if errors.Is(err, errAlreadyFinal) {
			if _, err := w.markPayment(ctx, h, rec.ID, ref, models.PaymentVoided); err != nil {
				return OutcomeUnresolved, err
			}
			return OutcomeSkipped, nil
		}
		if err != nil {
			return OutcomeUnresolved, err
		}
		logger.Info("compensated abandoned redemption")
		return OutcomeCompensated, nil
	}

	_, err = w.update(ctx, h, rec.ID, audit.ActionRedemptionFailed, func(r *models.RedemptionRecord) error {
		if r.IsTerminal() {
			return errAlreadyFinal
		}
		if err := r.Fail(models.FailureAbandoned, "abandoned before payment", w.now()); err != nil {
			return err
		}
		r.PaymentState = state
		return nil
	})
	if errors.Is(err, errAlreadyFinal) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeUnresolved, err
	}
	return OutcomeFailed, nil
}

// claim takes a redemption for reconciliation. Under the row lock it must
// still be stale and unresolved. Touching updated_at keeps other sweeps off
// it, and a pending record is marked abandoned so no attempt debits it.
func (w *Workflow) claim(ctx context.Context, h tenancy.Handle, id uuid.UUID, staleBefore time.Time) (*models.RedemptionRecord, error) {
	return w.update(ctx, h, id, "", func(r *models.RedemptionRecord) error {
		if !r.UpdatedAt.Before(staleBefore) {
			return errAlreadyFinal
		}
		switch {
		case r.Status == models.RedemptionPending:
			if r.FailureCode == nil {
				code, reason := models.FailureAbandoned, "abandoned before completion"
				r.FailureCode, r.FailureReason = &code, &reason
			}
		case r.Status == models.RedemptionFailed && r.PaymentState == models.PaymentUnknown:
		default:
			return errAlreadyFinal
		}
		return nil
	})
}

func settledState(s payment.State) models.PaymentState {
	switch s {
	case payment.StateAuthorized, payment.StateVoided:
		return models.PaymentVoided
	case payment.StateDeclined:
		return models.PaymentDeclined
	default:
		return models.PaymentNone
	}
}

// TenantLister lists registry rows.
type TenantLister interface {
	ListTenants(ctx context.Context) ([]models.Tenant, error)
}

// ReconcilerConfig controls the background sweep.
type ReconcilerConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	Workers    int
	BatchSize  int
	// OnSweep, when set, is called after every sweep Run performs.
	OnSweep func(Summary, error)
}

// Summary counts what one sweep did.
type Summary struct {
	Tenants  int
	Examined int
	Outcomes map[string]int
}

// Reconciler periodically resolves abandoned redemptions across tenants.
type Reconciler struct {
	workflow *Workflow
	tenants  TenantLister
	cfg      ReconcilerConfig
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

func NewReconciler(w *Workflow, tenants TenantLister, cfg ReconcilerConfig, logger *logrus.Logger, m *metrics.Metrics) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{workflow: w, tenants: tenants, cfg: cfg, logger: logger, metrics: m}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.WithFields(logrus.Fields{
		"interval":    r.cfg.Interval,
		"stale_after": r.cfg.StaleAfter,
		"workers":     r.cfg.Workers,
	}).Info("starting redemption reconciler")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		summary, err := r.Sweep(ctx)
		if r.cfg.OnSweep != nil {
			r.cfg.OnSweep(summary, err)
		}
		if err != nil {
			r.logger.WithError(err).Error("reconciliation sweep failed")
		} else if summary.Examined > 0 {
			r.logger.WithFields(logrus.Fields{
				"tenants":  summary.Tenants,
				"examined": summary.Examined,
				"outcomes": summary.Outcomes,
			}).Info("reconciliation sweep finished")
		}

		select {
		case <-ctx.Done():
			r.logger.Info("redemption reconciler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep reconciles every tenant once. Tenants are processed by a bounded
// worker pool; one failing tenant does not stop the others.
func (r *Reconciler) Sweep(ctx context.Context) (Summary, error) {
	tenants, err := r.tenants.ListTenants(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list tenants: %w", err)
	}

	var (
		mu      sync.Mutex
		summary = Summary{Tenants: len(tenants), Outcomes: make(map[string]int)}
		g       errgroup.Group
	)
	g.SetLimit(r.cfg.Workers)
	staleBefore := r.workflow.now().Add(-r.cfg.StaleAfter)

	for i := range tenants {
		tenant := tenants[i]
		g.Go(func() error {
			h, err := tenancy.HandleFor(&tenant)
			if err != nil {
				return err
			}
			outcomes, err := r.sweepTenant(ctx, h, staleBefore)
			mu.Lock()
			for outcome, n := range outcomes {
				summary.Outcomes[outcome] += n
				summary.Examined += n
			}
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("tenant %s: %w", tenant.ID, err)
			}
			return nil
		})
	}
	return summary, g.Wait()
}

func (r *Reconciler) sweepTenant(ctx context.Context, h tenancy.Handle, staleBefore time.Time) (map[string]int, error) {
	var records []models.RedemptionRecord
	err := r.workflow.tx.Run(ctx, h, func(ctx context.Context) error {
		var err error
		records, err = r.workflow.store.ListRedemptionsForReconcile(ctx, h, staleBefore, r.cfg.BatchSize)
		return err
	})
	if err != nil {
		return nil, err
	}

	outcomes := make(map[string]int)
	var firstErr error
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		outcome, err := r.workflow.Reconcile(ctx, h, rec.ID, staleBefore)
		outcomes[outcome]++
		r.metrics.Reconciled(outcome)
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"tenant_id":     h.TenantID(),
				"redemption_id": rec.ID,
			}).WithError(err).Warn("redemption left unresolved")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return outcomes, firstErr
}
