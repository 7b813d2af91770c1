// Package tenancy resolves tenant credentials into namespace handles.
//
// A Handle is the only way to address tenant data: every storage call takes
// one, and one can only be built from a tenant registry row. Code that never
// saw a registry row therefore cannot reach a tenant namespace.
package tenancy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/models"
)

const namespacePrefix = "tenant_"

var namespacePattern = regexp.MustCompile(`^tenant_[0-9a-f]{32}$`)

// Handle identifies one tenant and its isolated storage namespace.
type Handle struct {
	tenantID  uuid.UUID
	namespace string
}

// HandleFor builds a handle from a registry row.
func HandleFor(t *models.Tenant) (Handle, error) {
	if t == nil || t.ID == uuid.Nil {
		return Handle{}, apperrors.ErrTenantNotFound
	}
	if !namespacePattern.MatchString(t.Namespace) || t.Namespace != NamespaceFor(t.ID) {
		return Handle{}, fmt.Errorf("tenant %s has malformed namespace %q", t.ID, t.Namespace)
	}
	return Handle{tenantID: t.ID, namespace: t.Namespace}, nil
}

// NamespaceFor derives the namespace label for a tenant id.
func NamespaceFor(tenantID uuid.UUID) string {
	return namespacePrefix + strings.ReplaceAll(tenantID.String(), "-", "")
}

// TenantID returns the tenant identifier.
func (h Handle) TenantID() uuid.UUID { return h.tenantID }

// Namespace returns the schema label.
func (h Handle) Namespace() string { return h.namespace }

// IsZero reports whether the handle was never initialized.
func (h Handle) IsZero() bool { return h.tenantID == uuid.Nil }

// Qualify returns the quoted, schema-qualified name of a tenant table.
func (h Handle) Qualify(table string) string {
	return pq.QuoteIdentifier(h.namespace) + "." + pq.QuoteIdentifier(table)
}

// QuotedNamespace returns the quoted schema identifier.
func (h Handle) QuotedNamespace() string {
	return pq.QuoteIdentifier(h.namespace)
}

func (h Handle) String() string {
	return h.tenantID.String()
}
