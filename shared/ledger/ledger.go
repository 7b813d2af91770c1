// Package ledger appends points entries and derives balances from them.
//
// There is no balance column. Every operation that can lower a balance
// locks the customer row first and recomputes the sum in the same
// transaction, so two concurrent debits serialize on the lock and the
// second one sees the first one's entry.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/audit"
	"github.com/pavitra93/go-loyalty-ledger/shared/events"
	"github.com/pavitra93/go-loyalty-ledger/shared/metrics"
	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
	"github.com/pavitra93/go-loyalty-ledger/shared/txmanager"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Store is the persistence the ledger needs inside a tenant namespace.
type Store interface {
	GetCustomer(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.Customer, error)
	LockCustomer(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.Customer, error)
	InsertEntry(ctx context.Context, h tenancy.Handle, e *models.PointsEntry) error
	GetEntry(ctx context.Context, h tenancy.Handle, id uuid.UUID) (*models.PointsEntry, error)
	FindEntryByReference(ctx context.Context, h tenancy.Handle, customerID uuid.UUID, kind models.EntryKind, ref uuid.UUID) (*models.PointsEntry, error)
	SumEntries(ctx context.Context, h tenancy.Handle, customerID uuid.UUID) (int64, error)
	ListEntries(ctx context.Context, h tenancy.Handle, customerID uuid.UUID, limit int) ([]models.PointsEntry, error)
}

// Ledger is the points ledger.
type Ledger struct {
	store   Store
	tx      txmanager.Manager
	audit   *audit.Recorder
	events  events.Publisher
	metrics *metrics.Metrics
	logger  *logrus.Logger
	now     func() time.Time
}

// New creates a ledger. A nil publisher discards events.
func New(store Store, tx txmanager.Manager, rec *audit.Recorder, pub events.Publisher, m *metrics.Metrics, logger *logrus.Logger) *Ledger {
	if pub == nil {
		pub = events.Discard{}
	}
	return &Ledger{
		store:   store,
		tx:      tx,
		audit:   rec,
		events:  pub,
		metrics: m,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type options struct {
	reference *uuid.UUID
}

// Option tunes a single ledger operation.
type Option func(*options)

// WithReference ties the entry to an external id. A second credit or debit
// for the same customer and reference returns the first entry instead of
// appending another one.
func WithReference(id uuid.UUID) Option {
	return func(o *options) { o.reference = &id }
}

func collect(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Credit adds amount points to a customer.
func (l *Ledger) Credit(ctx context.Context, h tenancy.Handle, customerID uuid.UUID, amount int64, note string, opts ...Option) (*models.PointsEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: credit amount must be positive", apperrors.ErrInvalidInput)
	}
	o := collect(opts)

	var entry *models.PointsEntry
	err := l.tx.Run(ctx, h, func(ctx context.Context) error {
		if _, err := l.store.LockCustomer(ctx, h, customerID); err != nil {
			return err
		}
		if existing, err := l.existing(ctx, h, customerID, models.EntryCredit, o.reference); existing != nil || err != nil {
			entry = existing
			return err
		}

		entry = l.newEntry(ctx, h, customerID, amount, models.EntryCredit, note, o.reference)
		if err := l.store.InsertEntry(ctx, h, entry); err != nil {
			return fmt.Errorf("insert credit: %w", err)
		}
		if _, err := l.audit.Record(ctx, h, audit.ActionPointsCredited, audit.SubjectEntry, entry.ID, map[string]interface{}{
			"customer_id": customerID.String(),
			"amount":      amount,
			"note":        note,
		}); err != nil {
			return err
		}
		l.afterCommit(ctx, h, entry, events.TypePointsCredited)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Debit removes amount points from a customer. It fails with
// ErrInsufficientBalance when the committed balance cannot cover it.
func (l *Ledger) Debit(ctx context.Context, h tenancy.Handle, customerID uuid.UUID, amount int64, note string, opts ...Option) (*models.PointsEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: debit amount must be positive", apperrors.ErrInvalidInput)
	}
	o := collect(opts)

	var entry *models.PointsEntry
	err := l.tx.Run(ctx, h, func(ctx context.Context) error {
		if _, err := l.store.LockCustomer(ctx, h, customerID); err != nil {
			return err
		}
		if existing, err := l.existing(ctx, h, customerID, models.EntryDebit, o.reference); existing != nil || err != nil {
			entry = existing
			return err
		}
		if err := l.ensureCovered(ctx, h, customerID, amount); err != nil {
			return err
		}

		entry = l.newEntry(ctx, h, customerID, -amount, models.EntryDebit, note, o.reference)
		if err := l.store.InsertEntry(ctx, h, entry); err != nil {
			return fmt.Errorf("insert debit: %w", err)
		}
		if _, err := l.audit.Record(ctx, h, audit.ActionPointsDebited, audit.SubjectEntry, entry.ID, map[string]interface{}{
			"customer_id": customerID.String(),
			"amount":      amount,
			"note":        note,
		}); err != nil {
			return err
		}
		l.afterCommit(ctx, h, entry, events.TypePointsDebited)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Transfer moves points between two customers of the same tenant. The
// returned entries reference each other.
func (l *Ledger) Transfer(ctx context.Context, h tenancy.Handle, from, to uuid.UUID, amount int64, note string) (*models.PointsEntry, *models.PointsEntry, error) {
	if amount <= 0 {
		return nil, nil, fmt.Errorf("%w: transfer amount must be positive", apperrors.ErrInvalidInput)
	}
	if from == to {
		return nil, nil, fmt.Errorf("%w: cannot transfer to the same customer", apperrors.ErrInvalidInput)
	}

	var out, in *models.PointsEntry
	err := l.tx.Run(ctx, h, func(ctx context.Context) error {
		// Lock in a fixed order so opposite transfers cannot deadlock.
		first, second := from, to
		if bytes.Compare(from[:], to[:]) > 0 {
			first, second = to, from
		}
		if _, err := l.store.LockCustomer(ctx, h, first); err != nil {
			return err
		}
		if _, err := l.store.LockCustomer(ctx, h, second); err != nil {
			return err
		}
		if err := l.ensureCovered(ctx, h, from, amount); err != nil {
			return err
		}

		outID, inID := uuid.New(), uuid.New()
		out = l.newEntry(ctx, h, from, -amount, models.EntryTransferOut, note, &inID)
		out.ID = outID
		in = l.newEntry(ctx, h, to, amount, models.EntryTransferIn, note, &outID)
		in.ID = inID

		if err := l.store.InsertEntry(ctx, h, out); err != nil {
			return fmt.Errorf("insert transfer-out: %w", err)
		}
		if err := l.store.InsertEntry(ctx, h, in); err != nil {
			return fmt.Errorf("insert transfer-in: %w", err)
		}
		if _, err := l.audit.Record(ctx, h, audit.ActionPointsTransferred, audit.SubjectEntry, out.ID, map[string]interface{}{
			"from_customer_id": from.String(),
			"to_customer_id":   to.String(),
			"amount":           amount,
			"in_entry_id":      in.ID.String(),
			"note":             note,
		}); err != nil {
			return err
		}

		txmanager.OnCommit(ctx, func() {
			l.metrics.EntryAppended(string(out.Kind), out.Amount)
			l.metrics.EntryAppended(string(in.Kind), in.Amount)
			ev := events.New(events.TypePointsTransferred, h.TenantID(), from, out.ID, amount)
			ev.Data = map[string]interface{}{"to_customer_id": to.String(), "in_entry_id": in.ID.String()}
			l.publish(ctx, ev)
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, in, nil
}

// Reverse appends the opposite of a credit or debit entry. An entry can be
// reversed once; reversing a credit is subject to the balance check.
func (l *Ledger) Reverse(ctx context.Context, h tenancy.Handle, entryID uuid.UUID, note string) (*models.PointsEntry, error) {
	var reversal *models.PointsEntry
	err := l.tx.Run(ctx, h, func(ctx context.Context) error {
		original, err := l.store.GetEntry(ctx, h, entryID)
		if err != nil {
			return err
		}

		var kind models.EntryKind
		switch original.Kind {
		case models.EntryCredit:
			kind = models.EntryDebit
		case models.EntryDebit:
			kind = models.EntryCredit
		default:
			return fmt.Errorf("%w: %s entries cannot be reversed", apperrors.ErrInvalidInput, original.Kind)
		}

		if _, err := l.store.LockCustomer(ctx, h, original.CustomerID); err != nil {
			return err
		}
		prior, err := l.store.FindEntryByReference(ctx, h, original.CustomerID, kind, original.ID)
		if err != nil && !errors.Is(err, apperrors.ErrEntryNotFound) {
			return err
		}
		if prior != nil {
			return apperrors.ErrAlreadyReversed
		}
		if original.Amount > 0 {
			if err := l.ensureCovered(ctx, h, original.CustomerID, original.Amount); err != nil {
				return err
			}
		}

		ref := original.ID
		reversal = l.newEntry(ctx, h, original.CustomerID, -original.Amount, kind, note, &ref)
		if err := l.store.InsertEntry(ctx, h, reversal); err != nil {
			if errors.Is(err, apperrors.ErrDuplicate) {
				return apperrors.ErrAlreadyReversed
			}
			return fmt.Errorf("insert reversal: %w", err)
		}
		if _, err := l.audit.Record(ctx, h, audit.ActionPointsReversed, audit.SubjectEntry, reversal.ID, map[string]interface{}{
			"customer_id":       original.CustomerID.String(),
			"reversed_entry_id": original.ID.String(),
			"amount":            reversal.Amount,
			"note":              note,
		}); err != nil {
			return err
		}
		l.afterCommit(ctx, h, reversal, events.TypePointsReversed)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reversal, nil
}

// BalanceOf returns the sum of a customer's entries.
func (l *Ledger) BalanceOf(ctx context.Context, h tenancy.Handle, customerID uuid.UUID) (int64, error) {
	var balance int64
	err := l.tx.Run(ctx, h, func(ctx context.Context) error {
		if _, err := l.store.GetCustomer(ctx, h, customerID); err != nil {
			return err
		}
		var err error
		balance, err = l.store.SumEntries(ctx, h, customerID)
		return err
	})
	return balance, err
}

// History lists a customer's entries, newest first.
func (l *Ledger) History(ctx context.Context, h tenancy.Handle, customerID uuid.UUID, limit int) ([]models.PointsEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	var entries []models.PointsEntry
	err := l.tx.Run(ctx, h, func(ctx context.Context) error {
		if _, err := l.store.GetCustomer(ctx, h, customerID); err != nil {
			return err
		}
		var err error
		entries, err = l.store.ListEntries(ctx, h, customerID, limit)
		return err
	})
	return entries, err
}

// ensureCovered must run after the customer row is locked.
func (l *Ledger) ensureCovered(ctx context.Context, h tenancy.Handle, customerID uuid.UUID, amount int64) error {
	balance, err := l.store.SumEntries(ctx, h, customerID)
	if err != nil {
		return fmt.Errorf("sum entries: %w", err)
	}
	if balance-amount < 0 {
		return fmt.Errorf("%w: balance %d, requested %d", apperrors.ErrInsufficientBalance, balance, amount)
	}
	return nil
}

func (l *Ledger) existing(ctx context.Context, h tenancy.Handle, customerID uuid.UUID, kind models.EntryKind, ref *uuid.UUID) (*models.PointsEntry, error) {
	if ref == nil {
		return nil, nil
	}
	e, err := l.store.FindEntryByReference(ctx, h, customerID, kind, *ref)
	if errors.Is(err, apperrors.ErrEntryNotFound) {
		return nil, nil
	}
	return e, err
}

func (l *Ledger) newEntry(ctx context.Context, h tenancy.Handle, customerID uuid.UUID, amount int64, kind models.EntryKind, note string, ref *uuid.UUID) *models.PointsEntry {
	return &models.PointsEntry{
		ID:          uuid.New(),
		TenantID:    h.TenantID(),
		CustomerID:  customerID,
		Amount:      amount,
		Kind:        kind,
		Note:        note,
		ReferenceID: ref,
		ActorID:     audit.ActorFrom(ctx).AuditID(),
		CreatedAt:   l.now(),
	}
}

func (l *Ledger) afterCommit(ctx context.Context, h tenancy.Handle, e *models.PointsEntry, eventType string) {
	txmanager.OnCommit(ctx, func() {
		l.metrics.EntryAppended(string(e.Kind), e.Amount)
		l.publish(ctx, events.New(eventType, h.TenantID(), e.CustomerID, e.ID, e.Amount))
	})
}

func (l *Ledger) publish(ctx context.Context, ev events.Event) {
	if err := l.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		l.logger.WithFields(logrus.Fields{
			"tenant_id": ev.TenantID,
			"type":      ev.Type,
		}).WithError(err).Warn("committed event not published")
	}
}
