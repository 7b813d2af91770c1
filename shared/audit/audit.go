// Package audit writes the append-only audit trail of every mutating action.
// Entries are written in the caller's transaction, so a rollback removes the
// entry together with the change it describes.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
	"github.com/pavitra93/go-loyalty-ledger/shared/txmanager"
)

// Actions recorded by the engine.
const (
	ActionPointsCredited       = "points.credited"
	ActionPointsDebited        = "points.debited"
	ActionPointsTransferred    = "points.transferred"
	ActionPointsReversed       = "points.reversed"
	ActionRedemptionCompleted  = "redemption.completed"
	ActionRedemptionFailed     = "redemption.failed"
	ActionRedemptionCompensate = "redemption.compensated"
	ActionCustomerCreated      = "customer.created"
	ActionRewardCreated        = "reward.created"
	ActionRewardUpdated        = "reward.updated"
	ActionTenantCreated        = "tenant.created"
	ActionTenantKeyRotated     = "tenant.key_rotated"
	ActionTenantWebhookSet     = "tenant.webhook_set"
)

// Subject types.
const (
	SubjectEntry      = "points_entry"
	SubjectRedemption = "redemption"
	SubjectCustomer   = "customer"
	SubjectReward     = "reward"
	SubjectTenant     = "tenant"
)

// Store persists audit entries inside a tenant namespace.
type Store interface {
	InsertAudit(ctx context.Context, h tenancy.Handle, e *models.AuditLogEntry) error
	ListAudit(ctx context.Context, h tenancy.Handle, f models.AuditFilter) ([]models.AuditLogEntry, error)
}

type actorKey struct{}

// WithActor attaches the acting principal to ctx.
func WithActor(ctx context.Context, a *models.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the principal attached to ctx, or nil for system work.
func ActorFrom(ctx context.Context) *models.Actor {
	a, _ := ctx.Value(actorKey{}).(*models.Actor)
	return a
}

// Recorder writes and reads audit entries.
type Recorder struct {
	store Store
	tx    txmanager.Manager
	now   func() time.Time
}

func NewRecorder(store Store, tx txmanager.Manager) *Recorder {
	return &Recorder{store: store, tx: tx, now: func() time.Time { return time.Now().UTC() }}
}

// Record appends an entry. It must run inside a transaction bound to h and
// fails with apperrors.ErrNoTransaction otherwise.
func (r *Recorder) Record(ctx context.Context, h tenancy.Handle, action, subjectType string, subjectID uuid.UUID, metadata map[string]interface{}) (*models.AuditLogEntry, error) {
	if _, err := txmanager.Current(ctx, h); err != nil {
		return nil, err
	}
	entry := &models.AuditLogEntry{
		ID:          uuid.New(),
		TenantID:    h.TenantID(),
		ActorID:     ActorFrom(ctx).AuditID(),
		Action:      action,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Metadata:    datatypes.JSONMap(metadata),
		CreatedAt:   r.now(),
	}
	if err := r.store.InsertAudit(ctx, h, entry); err != nil {
		return nil, fmt.Errorf("insert audit entry %s: %w", action, err)
	}
	return entry, nil
}

// List returns entries matching f, newest first.
func (r *Recorder) List(ctx context.Context, h tenancy.Handle, f models.AuditFilter) ([]models.AuditLogEntry, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	var out []models.AuditLogEntry
	err := r.tx.Run(ctx, h, func(ctx context.Context) error {
		var err error
		out, err = r.store.ListAudit(ctx, h, f)
		return err
	})
	return out, err
}
