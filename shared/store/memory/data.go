package memory

import (
	"maps"

	"github.com/google/uuid"

	"github.com/pavitra93/go-loyalty-ledger/shared/models"
)

// namespaceData is one tenant namespace.
type namespaceData struct {
	customers   map[uuid.UUID]models.Customer
	entries     []models.PointsEntry
	rewards     map[uuid.UUID]models.Reward
	redemptions map[uuid.UUID]models.RedemptionRecord
	audit       []models.AuditLogEntry
}

func newNamespaceData() *namespaceData {
	return &namespaceData{
		customers:   make(map[uuid.UUID]models.Customer),
		rewards:     make(map[uuid.UUID]models.Reward),
		redemptions: make(map[uuid.UUID]models.RedemptionRecord),
	}
}

// clone copies the maps and slices. Rows are stored by value and their
// pointer fields are copied on every write, so sharing rows is safe.
func (d *namespaceData) clone() *namespaceData {
	return &namespaceData{
		customers:   maps.Clone(d.customers),
		entries:     append([]models.PointsEntry(nil), d.entries...),
		rewards:     maps.Clone(d.rewards),
		redemptions: maps.Clone(d.redemptions),
		audit:       append([]models.AuditLogEntry(nil), d.audit...),
	}
}

func ptr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyCustomer(c models.Customer) models.Customer {
	c.WalletAddress = ptr(c.WalletAddress)
	c.PaymentCustomerRef = ptr(c.PaymentCustomerRef)
	return c
}

func copyEntry(e models.PointsEntry) models.PointsEntry {
	e.ReferenceID = ptr(e.ReferenceID)
	e.ActorID = ptr(e.ActorID)
	return e
}

func copyReward(r models.Reward) models.Reward {
	r.RemainingQuantity = ptr(r.RemainingQuantity)
	r.PriceCents = ptr(r.PriceCents)
	return r
}

func copyRedemption(r models.RedemptionRecord) models.RedemptionRecord {
	r.PriceCents = ptr(r.PriceCents)
	r.PaymentRef = ptr(r.PaymentRef)
	r.FailureCode = ptr(r.FailureCode)
	r.FailureReason = ptr(r.FailureReason)
	r.FinalizedAt = ptr(r.FinalizedAt)
	return r
}

func copyAudit(a models.AuditLogEntry) models.AuditLogEntry {
	a.ActorID = ptr(a.ActorID)
	a.Metadata = maps.Clone(a.Metadata)
	return a
}

func copyTenant(t models.Tenant) models.Tenant {
	t.WebhookURL = ptr(t.WebhookURL)
	t.KeyRotatedAt = ptr(t.KeyRotatedAt)
	return t
}
