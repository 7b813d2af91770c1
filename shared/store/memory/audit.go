package memory

import (
	"context"

	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
)

func (s *Store) InsertAudit(ctx context.Context, h tenancy.Handle, e *models.AuditLogEntry) error {
	d, err := s.tenantData(ctx, h)
	if err != nil {
		return err
	}
	d.audit = append(d.audit, copyAudit(*e))
	return nil
}

// ListAudit returns matching entries newest first.
func (s *Store) ListAudit(ctx context.Context, h tenancy.Handle, f models.AuditFilter) ([]models.AuditLogEntry, error) {
	d, err := s.tenantData(ctx, h)
	if err != nil {
		return nil, err
	}
	var out []models.AuditLogEntry
	for i := len(d.audit) - 1; i >= 0; i-- {
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
		e := d.audit[i]
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.SubjectType != "" && e.SubjectType != f.SubjectType {
			continue
		}
		if f.SubjectID != nil && e.SubjectID != *f.SubjectID {
			continue
		}
		out = append(out, copyAudit(e))
	}
	return out, nil
}
