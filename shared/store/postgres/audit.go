package postgres

import (
	"context"

	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
)

func (s *Store) InsertAudit(ctx context.Context, h tenancy.Handle, e *models.AuditLogEntry) error {
	q, err := table(ctx, h, models.TableAuditLog)
	if err != nil {
		return err
	}
	if err := q.Create(e).Error; err != nil {
		return wrap("insert audit entry", err)
	}
	return nil
}

// ListAudit returns matching entries newest first.
func (s *Store) ListAudit(ctx context.Context, h tenancy.Handle, f models.AuditFilter) ([]models.AuditLogEntry, error) {
	q, err := table(ctx, h, models.TableAuditLog)
	if err != nil {
		return nil, err
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.SubjectType != "" {
		q = q.Where("subject_type = ?", f.SubjectType)
	}
	if f.SubjectID != nil {
		q = q.Where("subject_id = ?", *f.SubjectID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []models.AuditLogEntry
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, wrap("list audit entries", err)
	}
	return out, nil
}
