package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavitra93/go-loyalty-ledger/shared/audit"
	"github.com/pavitra93/go-loyalty-ledger/shared/catalog"
	"github.com/pavitra93/go-loyalty-ledger/shared/ledger"
	"github.com/pavitra93/go-loyalty-ledger/shared/middleware"
	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/payment"
	"github.com/pavitra93/go-loyalty-ledger/shared/payment/mocks"
	"github.com/pavitra93/go-loyalty-ledger/shared/redemption"
	"github.com/pavitra93/go-loyalty-ledger/shared/store/memory"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
)

const (
	keyA = "lyl_tenant-a-test-key"
	keyB = "lyl_tenant-b-test-key"
)

type suite struct {
	router  *gin.Engine
	gateway *mocks.Gateway
}

func newSuite(t *testing.T) *suite {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := memory.New(nil)
	ctx := context.Background()
	_, _, err := store.SeedTenant(ctx, "tenant-a", keyA)
	require.NoError(t, err)
	_, _, err = store.SeedTenant(ctx, "tenant-b", keyB)
	require.NoError(t, err)

	gw := mocks.NewGateway()
	rec := audit.NewRecorder(store, store)
	points := ledger.New(store, store, rec, nil, nil, logger)
	api := &API{
		Ledger:  points,
		Catalog: catalog.New(store, store, rec),
		Redemptions: redemption.New(redemption.Dependencies{
			Store:   store,
			Tx:      store,
			Ledger:  points,
			Gateway: gw,
			Audit:   rec,
			Logger:  logger,
		}, redemption.Config{}),
		Audit:  rec,
		Logger: logger,
	}
	auth := middleware.NewTenantAuth(tenancy.NewResolver(store, logger), logger)
	return &suite{
		router:  newRouter(api, auth, middleware.NewRateLimiter(0, 1), nil),
		gateway: gw,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func (s *suite) do(t *testing.T, key, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w.Code, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func (s *suite) customer(t *testing.T, key string, points int64) uuid.UUID {
	t.Helper()
	code, env := s.do(t, key, http.MethodPost, "/v1/customers", map[string]interface{}{"name": "Ada"})
	require.Equal(t, http.StatusCreated, code, env.Error)
	c := decode[models.Customer](t, env)
	if points > 0 {
		code, env = s.do(t, key, http.MethodPost, "/v1/customers/"+c.ID.String()+"/credit", map[string]interface{}{"amount": points, "note": "seed"})
		require.Equal(t, http.StatusCreated, code, env.Error)
	}
	return c.ID
}

func (s *suite) reward(t *testing.T, key string, body map[string]interface{}) uuid.UUID {
	t.Helper()
	code, env := s.do(t, key, http.MethodPost, "/v1/rewards", body)
	require.Equal(t, http.StatusCreated, code, env.Error)
	return decode[models.Reward](t, env).ID
}

func (s *suite) balance(t *testing.T, key string, id uuid.UUID) int64 {
	t.Helper()
	code, env := s.do(t, key, http.MethodGet, "/v1/customers/"+id.String()+"/balance", nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	return decode[BalanceResponse](t, env).Balance
}

func TestHealthNeedsNoCredential(t *testing.T) {
	s := newSuite(t)
	code, env := s.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
}

func TestCredentialIsRequired(t *testing.T) {
	s := newSuite(t)
	code, _ := s.do(t, "", http.MethodGet, "/v1/audit", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, env := s.do(t, "lyl_unknown", http.MethodGet, "/v1/audit", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "invalid tenant credential", env.Error)
}

func TestCreditDebitAndBalance(t *testing.T) {
	s := newSuite(t)
	id := s.customer(t, keyA, 100)

	code, env := s.do(t, keyA, http.MethodPost, "/v1/customers/"+id.String()+"/debit", map[string]interface{}{"amount": 40})
	require.Equal(t, http.StatusCreated, code, env.Error)
	assert.Equal(t, int64(60), s.balance(t, keyA, id))

	code, env = s.do(t, keyA, http.MethodPost, "/v1/customers/"+id.String()+"/debit", map[string]interface{}{"amount": 61})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "not enough points", env.Error)
	assert.Equal(t, int64(60), s.balance(t, keyA, id))

	code, env = s.do(t, keyA, http.MethodGet, "/v1/customers/"+id.String()+"/entries?limit=1", nil)
	require.Equal(t, http.StatusOK, code)
	entries := decode[[]models.PointsEntry](t, env)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(-40), entries[0].Amount)
}

func TestValidationErrors(t *testing.T) {
	s := newSuite(t)
	id := s.customer(t, keyA, 0)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
	}{
		{"bad id", http.MethodGet, "/v1/customers/not-a-uuid", nil},
		{"missing amount", http.MethodPost, "/v1/customers/" + id.String() + "/credit", map[string]interface{}{}},
		{"negative amount", http.MethodPost, "/v1/customers/" + id.String() + "/credit", map[string]interface{}{"amount": -5}},
		{"bad limit", http.MethodGet, "/v1/customers/" + id.String() + "/entries?limit=x", nil},
		{"zero cost reward", http.MethodPost, "/v1/rewards", map[string]interface{}{"name": "mug", "points_cost": 0}},
		{"empty reward patch", http.MethodPatch, "/v1/rewards/" + uuid.NewString(), map[string]interface{}{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := s.do(t, keyA, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.False(t, env.Success)
		})
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	s := newSuite(t)
	id := s.customer(t, keyA, 50)

	code, _ := s.do(t, keyB, http.MethodGet, "/v1/customers/"+id.String(), nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, keyB, http.MethodPost, "/v1/customers/"+id.String()+"/credit", map[string]interface{}{"amount": 10})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, int64(50), s.balance(t, keyA, id))
}

func TestTransferAndReverse(t *testing.T) {
	s := newSuite(t)
	from := s.customer(t, keyA, 100)
	to := s.customer(t, keyA, 0)

	code, env := s.do(t, keyA, http.MethodPost, "/v1/transfers", map[string]interface{}{
		"from_customer_id": from, "to_customer_id": to, "amount": 30,
	})
	require.Equal(t, http.StatusCreated, code, env.Error)
	legs := decode[TransferResponse](t, env)
	assert.Equal(t, int64(70), s.balance(t, keyA, from))
	assert.Equal(t, int64(30), s.balance(t, keyA, to))

	code, env = s.do(t, keyA, http.MethodPost, "/v1/entries/"+legs.Credit.ID.String()+"/reverse", map[string]interface{}{"note": "mistake"})
	require.Equal(t, http.StatusCreated, code, env.Error)
	assert.Equal(t, int64(0), s.balance(t, keyA, to))

	code, _ = s.do(t, keyA, http.MethodPost, "/v1/entries/"+legs.Credit.ID.String()+"/reverse", nil)
	assert.Equal(t, http.StatusConflict, code)
}

func TestRedeemPointsOnlyReward(t *testing.T) {
	s := newSuite(t)
	customer := s.customer(t, keyA, 500)
	reward := s.reward(t, keyA, map[string]interface{}{"name": "mug", "points_cost": 200, "stock": 1})

	code, env := s.do(t, keyA, http.MethodPost, "/v1/redemptions", map[string]interface{}{"customer_id": customer, "reward_id": reward})
	require.Equal(t, http.StatusCreated, code, env.Error)
	rec := decode[models.RedemptionRecord](t, env)
	assert.Equal(t, models.RedemptionCompleted, rec.Status)
	assert.Equal(t, int64(300), s.balance(t, keyA, customer))

	code, env = s.do(t, keyA, http.MethodGet, "/v1/redemptions/"+rec.ID.String(), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.RedemptionCompleted, decode[models.RedemptionRecord](t, env).Status)

	code, env = s.do(t, keyA, http.MethodPost, "/v1/redemptions", map[string]interface{}{"customer_id": customer, "reward_id": reward})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, models.RedemptionFailed, decode[models.RedemptionRecord](t, env).Status)
	assert.Equal(t, int64(300), s.balance(t, keyA, customer))
}

func TestRedeemInsufficientPoints(t *testing.T) {
	s := newSuite(t)
	customer := s.customer(t, keyA, 100)
	reward := s.reward(t, keyA, map[string]interface{}{"name": "mug", "points_cost": 250})

	code, env := s.do(t, keyA, http.MethodPost, "/v1/redemptions", map[string]interface{}{"customer_id": customer, "reward_id": reward})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	rec := decode[models.RedemptionRecord](t, env)
	assert.Equal(t, models.RedemptionFailed, rec.Status)
	require.NotNil(t, rec.FailureCode)
	assert.Equal(t, models.FailureInsufficientPoints, *rec.FailureCode)
	assert.Equal(t, int64(100), s.balance(t, keyA, customer))
}

func TestRedeemDeclinedPayment(t *testing.T) {
	s := newSuite(t)
	s.gateway.AuthorizeFunc = func(context.Context, payment.AuthorizationRequest) (*payment.Authorization, error) {
		return &payment.Authorization{State: payment.StateDeclined, Reason: "card declined"}, nil
	}
	customer := s.customer(t, keyA, 500)
	reward := s.reward(t, keyA, map[string]interface{}{"name": "hoodie", "points_cost": 100, "price_cents": 1500, "currency": "usd"})

	code, env := s.do(t, keyA, http.MethodPost, "/v1/redemptions", map[string]interface{}{"customer_id": customer, "reward_id": reward})
	assert.Equal(t, http.StatusPaymentRequired, code)
	assert.Equal(t, "payment declined", env.Error)
	assert.Equal(t, int64(500), s.balance(t, keyA, customer))
}

func TestRedeemReplayWithRedemptionID(t *testing.T) {
	s := newSuite(t)
	customer := s.customer(t, keyA, 500)
	reward := s.reward(t, keyA, map[string]interface{}{"name": "hoodie", "points_cost": 100, "price_cents": 1500, "currency": "usd"})
	body := map[string]interface{}{"customer_id": customer, "reward_id": reward, "redemption_id": uuid.New()}

	for i := 0; i < 2; i++ {
		code, env := s.do(t, keyA, http.MethodPost, "/v1/redemptions", body)
		require.Equal(t, http.StatusCreated, code, env.Error)
	}
	assert.Equal(t, int64(400), s.balance(t, keyA, customer))
	assert.Len(t, s.gateway.AuthorizeCalls, 1)
}

func TestUpdateReward(t *testing.T) {
	s := newSuite(t)
	reward := s.reward(t, keyA, map[string]interface{}{"name": "mug", "points_cost": 10, "stock": 0})

	code, env := s.do(t, keyA, http.MethodPatch, "/v1/rewards/"+reward.String(), map[string]interface{}{"restock": 3, "active": false})
	require.Equal(t, http.StatusOK, code, env.Error)
	r := decode[models.Reward](t, env)
	assert.Equal(t, int64(3), *r.RemainingQuantity)
	assert.False(t, r.Active)
}

func TestAuditListing(t *testing.T) {
	s := newSuite(t)
	id := s.customer(t, keyA, 25)

	code, env := s.do(t, keyA, http.MethodGet, "/v1/audit?subject_type="+audit.SubjectCustomer, nil)
	require.Equal(t, http.StatusOK, code)
	entries := decode[[]models.AuditLogEntry](t, env)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].SubjectID)
	require.NotNil(t, entries[0].ActorID)
	assert.Contains(t, *entries[0].ActorID, "api_key:")

	code, _ = s.do(t, keyB, http.MethodGet, "/v1/audit?subject_id="+id.String(), nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, keyA, http.MethodGet, "/v1/audit?subject_id=nope", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}
