package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/audit"
	"github.com/pavitra93/go-loyalty-ledger/shared/lifecycle"
	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/store/memory"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
)

const adminToken = "admin-secret"

type suite struct {
	router   *gin.Engine
	store    *memory.Store
	resolver *tenancy.Resolver
}

func newSuite(t *testing.T) *suite {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := memory.New(nil)
	resolver := tenancy.NewResolver(store, logger, tenancy.WithCache(memory.NewCache(), time.Minute))
	h := &handlers{
		tenants: lifecycle.New(store, store, audit.NewRecorder(store, store), resolver, logger),
		logger:  logger,
	}
	return &suite{
		router:   newRouter(h, adminToken, nil),
		store:    store,
		resolver: resolver,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func (s *suite) do(t *testing.T, token, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Admin-Token", token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w.Code, env
}

func (s *suite) create(t *testing.T, name string) TenantWithKey {
	t.Helper()
	code, env := s.do(t, adminToken, http.MethodPost, "/tenants", CreateTenantRequest{Name: name})
	require.Equal(t, http.StatusCreated, code, env.Error)
	var out TenantWithKey
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func TestAdminTokenRequired(t *testing.T) {
	s := newSuite(t)

	code, _ := s.do(t, "", http.MethodGet, "/tenants", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.do(t, "wrong", http.MethodGet, "/tenants", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.do(t, adminToken, http.MethodGet, "/tenants", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestCreateTenantIssuesWorkingKey(t *testing.T) {
	s := newSuite(t)
	created := s.create(t, "Acme Coffee")

	require.NotNil(t, created.Tenant)
	assert.Equal(t, "Acme Coffee", created.Tenant.Name)
	assert.NotEmpty(t, created.APIKey)
	assert.Equal(t, tenancy.APIKeyPrefix(created.APIKey), created.Tenant.APIKeyPrefix)

	res, err := s.resolver.ResolveAPIKey(context.Background(), created.APIKey)
	require.NoError(t, err)
	assert.Equal(t, created.Tenant.ID, res.Handle.TenantID())
	assert.True(t, s.store.HasNamespace(res.Handle))
}

func TestCreateTenantNeverLeaksKeyHash(t *testing.T) {
	s := newSuite(t)
	s.create(t, "Acme")

	req := httptest.NewRequest(http.MethodGet, "/tenants", nil)
	req.Header.Set("X-Admin-Token", adminToken)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "api_key_hash")
	assert.NotContains(t, w.Body.String(), "\"api_key\"")
}

func TestCreateTenantValidation(t *testing.T) {
	s := newSuite(t)

	code, _ := s.do(t, adminToken, http.MethodPost, "/tenants", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env := s.do(t, adminToken, http.MethodPost, "/tenants", CreateTenantRequest{Name: "   "})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Error, "tenant name")
}

func TestCreateTenantProvisioningFailureLeavesNothing(t *testing.T) {
	s := newSuite(t)
	s.store.FailProvisioning = func(tenancy.Handle) error { return errors.New("disk full") }

	code, _ := s.do(t, adminToken, http.MethodPost, "/tenants", CreateTenantRequest{Name: "Doomed"})
	assert.Equal(t, http.StatusInternalServerError, code)

	tenants, err := s.store.ListTenants(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tenants)
}

func TestGetAndListTenants(t *testing.T) {
	s := newSuite(t)
	a := s.create(t, "A")
	s.create(t, "B")

	code, env := s.do(t, adminToken, http.MethodGet, "/tenants", nil)
	require.Equal(t, http.StatusOK, code)
	var list []models.Tenant
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 2)

	code, env = s.do(t, adminToken, http.MethodGet, "/tenants/"+a.Tenant.ID.String(), nil)
	require.Equal(t, http.StatusOK, code)
	var got models.Tenant
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, a.Tenant.ID, got.ID)

	code, _ = s.do(t, adminToken, http.MethodGet, "/tenants/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, adminToken, http.MethodGet, "/tenants/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRotateKeyRevokesOldKey(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()
	created := s.create(t, "Rotating")

	// Warm the cache with the old key.
	_, err := s.resolver.ResolveAPIKey(ctx, created.APIKey)
	require.NoError(t, err)

	code, env := s.do(t, adminToken, http.MethodPost, "/tenants/"+created.Tenant.ID.String()+"/rotate-key", nil)
	require.Equal(t, http.StatusOK, code, env.Error)
	var rotated TenantWithKey
	require.NoError(t, json.Unmarshal(env.Data, &rotated))
	assert.NotEqual(t, created.APIKey, rotated.APIKey)
	assert.NotNil(t, rotated.Tenant.KeyRotatedAt)

	_, err = s.resolver.ResolveAPIKey(ctx, created.APIKey)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTenantCredential)

	res, err := s.resolver.ResolveAPIKey(ctx, rotated.APIKey)
	require.NoError(t, err)
	assert.Equal(t, created.Tenant.ID, res.Handle.TenantID())
}

func TestDeleteTenantDropsNamespaceAndKey(t *testing.T) {
	s := newSuite(t)
	ctx := context.Background()
	created := s.create(t, "Leaving")

	res, err := s.resolver.ResolveAPIKey(ctx, created.APIKey)
	require.NoError(t, err)

	code, _ := s.do(t, adminToken, http.MethodDelete, "/tenants/"+created.Tenant.ID.String(), nil)
	require.Equal(t, http.StatusOK, code)

	assert.False(t, s.store.HasNamespace(res.Handle))
	_, err = s.resolver.ResolveAPIKey(ctx, created.APIKey)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTenantCredential)

	code, _ = s.do(t, adminToken, http.MethodDelete, "/tenants/"+created.Tenant.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSetWebhook(t *testing.T) {
	s := newSuite(t)
	created := s.create(t, "Hooked")
	path := "/tenants/" + created.Tenant.ID.String() + "/webhook"

	code, env := s.do(t, adminToken, http.MethodPut, path, WebhookRequest{URL: "https://hooks.example.com/loyalty"})
	require.Equal(t, http.StatusOK, code, env.Error)
	var got models.Tenant
	require.NoError(t, json.Unmarshal(env.Data, &got))
	require.NotNil(t, got.WebhookURL)
	assert.Equal(t, "https://hooks.example.com/loyalty", *got.WebhookURL)

	code, _ = s.do(t, adminToken, http.MethodPut, path, WebhookRequest{URL: "ftp://nope"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = s.do(t, adminToken, http.MethodPut, path, WebhookRequest{})
	require.Equal(t, http.StatusOK, code, env.Error)
	got = models.Tenant{}
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Nil(t, got.WebhookURL)
}
