package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/audit"
	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/store/memory"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
)

func setup(t *testing.T) (*memory.Store, tenancy.Handle, *audit.Recorder) {
	t.Helper()
	s := memory.New(nil)
	id := uuid.New()
	tenant := &models.Tenant{ID: id, APIKeyHash: id.String(), Namespace: tenancy.NamespaceFor(id), CreatedAt: time.Now()}
	h, err := tenancy.HandleFor(tenant)
	require.NoError(t, err)
	require.NoError(t, s.RunAdmin(context.Background(), func(ctx context.Context) error {
		if err := s.InsertTenant(ctx, tenant); err != nil {
			return err
		}
		return s.ProvisionNamespace(ctx, h)
	}))
	return s, h, audit.NewRecorder(s, s)
}

func TestRecordRequiresTransaction(t *testing.T) {
	_, h, rec := setup(t)
	_, err := rec.Record(context.Background(), h, audit.ActionCustomerCreated, audit.SubjectCustomer, uuid.New(), nil)
	assert.ErrorIs(t, err, apperrors.ErrNoTransaction)
}

func TestRecordCarriesActorAndRollsBack(t *testing.T) {
	s, h, rec := setup(t)
	actor := &models.Actor{ID: "lyl_abcd", Kind: models.CredentialAPIKey, TenantID: h.TenantID()}
	ctx := audit.WithActor(context.Background(), actor)
	subject := uuid.New()

	require.NoError(t, s.Run(ctx, h, func(ctx context.Context) error {
		_, err := rec.Record(ctx, h, audit.ActionRewardCreated, audit.SubjectReward, subject, map[string]interface{}{"points_cost": 10})
		return err
	}))

	boom := errors.New("boom")
	err := s.Run(ctx, h, func(ctx context.Context) error {
		if _, err := rec.Record(ctx, h, audit.ActionRewardUpdated, audit.SubjectReward, subject, nil); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	entries, err := rec.List(context.Background(), h, models.AuditFilter{SubjectID: &subject})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionRewardCreated, entries[0].Action)
	require.NotNil(t, entries[0].ActorID)
	assert.Equal(t, "api_key:lyl_abcd", *entries[0].ActorID)
	assert.Equal(t, h.TenantID(), entries[0].TenantID)
}

func TestSystemActionsHaveNoActor(t *testing.T) {
	s, h, rec := setup(t)
	require.NoError(t, s.Run(context.Background(), h, func(ctx context.Context) error {
		_, err := rec.Record(ctx, h, audit.ActionRedemptionCompensate, audit.SubjectRedemption, uuid.New(), nil)
		return err
	}))

	entries, err := rec.List(context.Background(), h, models.AuditFilter{Action: audit.ActionRedemptionCompensate})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].ActorID)
}
