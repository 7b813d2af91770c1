package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
)

// RedemptionStatus represents the externally visible state of a redemption
type RedemptionStatus string

const (
	RedemptionPending     RedemptionStatus = "pending"
	RedemptionCompleted   RedemptionStatus = "completed"
	RedemptionFailed      RedemptionStatus = "failed"
	RedemptionCompensated RedemptionStatus = "compensated"
)

// RedemptionStep tracks how far a pending redemption progressed, so an
// interrupted attempt can be resumed or reconciled.
type RedemptionStep string

const (
	StepInitiated         RedemptionStep = "initiated"
	StepBalanceChecked    RedemptionStep = "balance-checked"
	StepPaymentAuthorized RedemptionStep = "payment-authorized"
	StepLedgerDebited     RedemptionStep = "ledger-debited"
	StepCompleted         RedemptionStep = "completed"
)

// PaymentState is what we know about the external authorization.
type PaymentState string

const (
	PaymentNone       PaymentState = "none"
	PaymentAuthorized PaymentState = "authorized"
	PaymentDeclined   PaymentState = "declined"
	PaymentVoided     PaymentState = "voided"
	PaymentUnknown    PaymentState = "unknown"
)

// Failure codes stored on failed redemptions.
const (
	FailureInsufficientPoints = "insufficient_points"
	FailureRewardUnavailable  = "reward_unavailable"
	FailurePaymentDeclined    = "payment_declined"
	FailurePaymentUnavailable = "payment_unavailable"
	FailurePaymentUnknown     = "payment_unknown"
	FailureLedgerDebit        = "ledger_debit_failed"
	FailureAbandoned          = "abandoned"
)

// RedemptionRecord is one redemption attempt. Its ID doubles as the
// idempotency key for every external payment call made on its behalf.
type RedemptionRecord struct {
	ID            uuid.UUID        `json:"id" gorm:"type:uuid;primary_key"`
	TenantID      uuid.UUID        `json:"tenant_id" gorm:"type:uuid;not null;index"`
	CustomerID    uuid.UUID        `json:"customer_id" gorm:"type:uuid;not null;index"`
	RewardID      uuid.UUID        `json:"reward_id" gorm:"type:uuid;not null"`
	PointsDebited int64            `json:"points_debited" gorm:"not null"`
	PriceCents    *int64           `json:"price_cents,omitempty"`
	Currency      string           `json:"currency,omitempty" gorm:"type:varchar(3)"`
	PaymentRef    *string          `json:"payment_ref,omitempty"`
	PaymentState  PaymentState     `json:"payment_state" gorm:"type:varchar(20);not null;default:'none'"`
	Status        RedemptionStatus `json:"status" gorm:"type:varchar(20);not null;default:'pending';index"`
	Step          RedemptionStep   `json:"step" gorm:"type:varchar(32);not null"`
	FailureCode   *string          `json:"failure_code,omitempty"`
	FailureReason *string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	FinalizedAt   *time.Time       `json:"finalized_at,omitempty"`
}

// TableName returns the table name for the RedemptionRecord model
func (RedemptionRecord) TableName() string {
	return TableRedemptions
}

// IsTerminal reports whether the record reached a final status.
func (r *RedemptionRecord) IsTerminal() bool {
	return r.Status != RedemptionPending
}

// RequiresPayment reports whether the redemption carries a monetary price.
func (r *RedemptionRecord) RequiresPayment() bool {
	return r.PriceCents != nil && *r.PriceCents > 0
}

// Transition moves the record to a terminal status. Only pending records
// may transition, and compensated is only reachable once a payment was
// authorized.
func (r *RedemptionRecord) Transition(to RedemptionStatus, at time.Time) error {
	if r.IsTerminal() {
		return fmt.Errorf("%w: redemption %s is already %s", apperrors.ErrInvalidTransition, r.ID, r.Status)
	}
	switch to {
	case RedemptionCompleted:
		r.Step = StepCompleted
	case RedemptionFailed:
	case RedemptionCompensated:
		if r.Step != StepPaymentAuthorized {
			return fmt.Errorf("%w: redemption %s cannot be compensated from step %s", apperrors.ErrInvalidTransition, r.ID, r.Step)
		}
	default:
		return fmt.Errorf("%w: redemption %s cannot transition to %s", apperrors.ErrInvalidTransition, r.ID, to)
	}
	r.Status = to
	r.UpdatedAt = at
	r.FinalizedAt = &at
	return nil
}

// Fail marks the record failed with a machine readable code.
func (r *RedemptionRecord) Fail(code, reason string, at time.Time) error {
	if err := r.Transition(RedemptionFailed, at); err != nil {
		return err
	}
	r.FailureCode = &code
	r.FailureReason = &reason
	return nil
}
