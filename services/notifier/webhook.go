package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pavitra93/go-loyalty-ledger/shared/config"
	"github.com/pavitra93/go-loyalty-ledger/shared/events"
	"github.com/pavitra93/go-loyalty-ledger/shared/utils"
)

// errRejected marks a response the receiver will keep refusing.
var errRejected = errors.New("webhook rejected event")

// WebhookClient posts events to tenant webhooks. Each webhook URL has its
// own circuit breaker so one dead endpoint does not slow down the rest.
type WebhookClient struct {
	httpClient      *http.Client
	maxAttempts     int
	baseDelay       time.Duration
	breakerFailures int
	breakerReset    time.Duration

	mutex       sync.RWMutex
	breakers    map[string]*utils.CircuitBreaker
	delivered   int64
	failed      int64
	lastSuccess time.Time
	lastError   error
}

// NewWebhookClient creates a new webhook client
func NewWebhookClient(cfg config.WebhookConfig) *WebhookClient {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &WebhookClient{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		maxAttempts:     attempts,
		baseDelay:       cfg.BaseDelay,
		breakerFailures: cfg.BreakerFailures,
		breakerReset:    cfg.BreakerReset,
		breakers:        make(map[string]*utils.CircuitBreaker),
	}
}

func (c *WebhookClient) breaker(url string) *utils.CircuitBreaker {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	cb, ok := c.breakers[url]
	if !ok {
		cb = utils.NewCircuitBreaker(c.breakerFailures, c.breakerReset).WithFailurePredicate(func(err error) bool {
			return !errors.Is(err, errRejected) && !errors.Is(err, context.Canceled)
		})
		c.breakers[url] = cb
	}
	return cb
}

// Deliver sends one event, retrying transport failures, 5xx and 429 with
// exponential backoff. Other 4xx answers are final, and so is an open
// breaker for url.
func (c *WebhookClient) Deliver(ctx context.Context, url string, event events.Event) error {
	err := c.breaker(url).Call(func() error {
		return c.deliver(ctx, url, event)
	})
	c.record(err)
	return err
}

func (c *WebhookClient) deliver(ctx context.Context, url string, event events.Event) error {
	payload := map[string]interface{}{
		"event_type": event.Type,
		"data":       event,
		"timestamp":  time.Now().UTC(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = c.post(ctx, url, event, body)
		if lastErr == nil || errors.Is(lastErr, errRejected) {
			break
		}
		if attempt == c.maxAttempts {
			break
		}
		delay := c.baseDelay * time.Duration(1<<(attempt-1))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return lastErr
}

func (c *WebhookClient) post(ctx context.Context, url string, event events.Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %v", errRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", event.TenantID.String())
	req.Header.Set("X-Event-ID", event.ID.String())
	req.Header.Set("X-Event-Type", event.Type)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", errRejected, resp.StatusCode)
	}
}

func (c *WebhookClient) record(err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err != nil {
		c.failed++
		c.lastError = err
		return
	}
	c.delivered++
	c.lastSuccess = time.Now().UTC()
	c.lastError = nil
}

// GetStatus returns delivery counters for the status endpoint
func (c *WebhookClient) GetStatus() map[string]interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	open := 0
	for _, cb := range c.breakers {
		if cb.GetState() != utils.StateClosed {
			open++
		}
	}
	status := map[string]interface{}{
		"delivered":     c.delivered,
		"failed":        c.failed,
		"max_attempts":  c.maxAttempts,
		"webhooks":      len(c.breakers),
		"open_breakers": open,
	}
	if !c.lastSuccess.IsZero() {
		status["last_success"] = c.lastSuccess
	}
	if c.lastError != nil {
		status["last_error"] = c.lastError.Error()
	}
	return status
}
