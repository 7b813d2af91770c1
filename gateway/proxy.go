package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-loyalty-ledger/shared/utils"
)

// ServiceClient handles HTTP communication with microservices
type ServiceClient struct {
	name       string
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

// ServiceClients holds all service clients
type ServiceClients struct {
	LedgerService *ServiceClient
	TenantService *ServiceClient
}

// NewServiceClient creates a new service client
func NewServiceClient(name, baseURL string, logger *logrus.Logger) *ServiceClient {
	return &ServiceClient{
		name:    name,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// ProxyRequest proxies requests to the appropriate microservice. Tenant and
// admin credentials travel through untouched; the services check them.
func (sc *ServiceClient) ProxyRequest(c *gin.Context) {
	targetURL := sc.baseURL + c.Request.URL.Path
	if c.Request.URL.RawQuery != "" {
		targetURL += "?" + c.Request.URL.RawQuery
	}

	var body io.Reader
	if c.Request.Body != nil {
		bodyBytes, err := io.ReadAll(c.Request.Body)
		if err != nil {
			utils.BadRequestResponse(c, "Failed to read request body")
			return
		}
		body = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, targetURL, body)
	if err != nil {
		utils.InternalServerErrorResponse(c, "Failed to create request")
		return
	}

	for key, values := range c.Request.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("X-Forwarded-For", c.ClientIP())

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		sc.logger.WithField("service", sc.name).WithError(err).Error("upstream request failed")
		utils.ErrorResponse(c, http.StatusBadGateway, "Failed to communicate with service")
		return
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadGateway, "Failed to read response")
		return
	}

	for key, values := range resp.Header {
		for _, value := range values {
			c.Header(key, value)
		}
	}
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), responseBody)
}

// HealthCheck checks if a service is healthy
func (sc *ServiceClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sc.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service returned status %d", resp.StatusCode)
	}
	return nil
}

// GetServiceStatus checks every service concurrently.
func (scs *ServiceClients) GetServiceStatus(ctx context.Context) (map[string]interface{}, bool) {
	clients := []*ServiceClient{scs.LedgerService, scs.TenantService}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		healthy = true
		status  = make(map[string]interface{}, len(clients))
	)
	for _, sc := range clients {
		wg.Add(1)
		go func(sc *ServiceClient) {
			defer wg.Done()
			err := sc.HealthCheck(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				healthy = false
				status[sc.name] = map[string]interface{}{"healthy": false, "error": err.Error()}
				return
			}
			status[sc.name] = map[string]interface{}{"healthy": true}
		}(sc)
	}
	wg.Wait()
	return status, healthy
}
