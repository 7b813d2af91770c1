package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavitra93/go-loyalty-ledger/shared/middleware"
)

type upstreamCall struct {
	method string
	path   string
	query  string
	apiKey string
	body   string
}

func upstream(t *testing.T, status int, calls chan<- upstreamCall) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if calls != nil {
			calls <- upstreamCall{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, apiKey: r.Header.Get("X-API-Key"), body: string(body)}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testRouter(ledgerURL, tenantURL string, limiter *middleware.RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clients := &ServiceClients{
		LedgerService: NewServiceClient("ledger_service", ledgerURL, logger),
		TenantService: NewServiceClient("tenant_service", tenantURL, logger),
	}
	return newRouter(clients, limiter, logger, nil)
}

func TestProxyForwardsToLedger(t *testing.T) {
	calls := make(chan upstreamCall, 1)
	ledger := upstream(t, http.StatusCreated, calls)
	tenant := upstream(t, http.StatusOK, nil)
	router := testRouter(ledger.URL, tenant.URL, middleware.NewRateLimiter(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/v1/customers/abc/credit?trace=1", strings.NewReader(`{"amount":5}`))
	req.Header.Set("X-API-Key", "lyl_key")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	call := <-calls
	assert.Equal(t, http.MethodPost, call.method)
	assert.Equal(t, "/v1/customers/abc/credit", call.path)
	assert.Equal(t, "trace=1", call.query)
	assert.Equal(t, "lyl_key", call.apiKey)
	assert.Equal(t, `{"amount":5}`, call.body)
}

func TestProxyForwardsAdminRoutes(t *testing.T) {
	calls := make(chan upstreamCall, 1)
	ledger := upstream(t, http.StatusOK, nil)
	tenant := upstream(t, http.StatusOK, calls)
	router := testRouter(ledger.URL, tenant.URL, middleware.NewRateLimiter(0, 1))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/tenants/42/rotate-key", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/tenants/42/rotate-key", (<-calls).path)
}

func TestProxyUpstreamDown(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	router := testRouter(deadURL, deadURL, middleware.NewRateLimiter(0, 1))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/audit", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestProxyRateLimited(t *testing.T) {
	ledger := upstream(t, http.StatusOK, nil)
	router := testRouter(ledger.URL, ledger.URL, middleware.NewRateLimiter(0.001, 1))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/audit", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/audit", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestStatusReportsUnhealthyService(t *testing.T) {
	ledger := upstream(t, http.StatusOK, nil)
	tenant := upstream(t, http.StatusInternalServerError, nil)
	router := testRouter(ledger.URL, tenant.URL, middleware.NewRateLimiter(0, 1))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Data map[string]struct {
			Healthy bool   `json:"healthy"`
			Error   string `json:"error"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Data["ledger_service"].Healthy)
	assert.False(t, body.Data["tenant_service"].Healthy)
	assert.Contains(t, body.Data["tenant_service"].Error, "status 500")
}

func TestCORSPreflight(t *testing.T) {
	router := testRouter("http://unused", "http://unused", middleware.NewRateLimiter(0, 1))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/v1/audit", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
}
