package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/events"
	"github.com/pavitra93/go-loyalty-ledger/shared/metrics"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
)

// Delivery outcomes.
const (
	outcomeDelivered = "delivered"
	outcomeDropped   = "dropped"
	outcomeSkipped   = "skipped"
)

// Relay forwards committed events to the webhook registered by the tenant
// the event belongs to.
type Relay struct {
	registry tenancy.Registry
	client   *WebhookClient
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

func NewRelay(registry tenancy.Registry, client *WebhookClient, logger *logrus.Logger, m *metrics.Metrics) *Relay {
	return &Relay{registry: registry, client: client, logger: logger, metrics: m}
}

// Handle is an events.Handler. Only registry failures are returned, so the
// consumer retries them; an event the webhook will not take is logged and
// dropped rather than blocking the partition.
func (r *Relay) Handle(ctx context.Context, e events.Event) error {
	fields := logrus.Fields{
		"event_id":  e.ID,
		"type":      e.Type,
		"tenant_id": e.TenantID,
	}

	tenant, err := r.registry.FindTenantByID(ctx, e.TenantID)
	if errors.Is(err, apperrors.ErrTenantNotFound) {
		r.logger.WithFields(fields).Debug("tenant no longer exists, skipping event")
		r.metrics.WebhookDelivery(outcomeSkipped)
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up tenant %s: %w", e.TenantID, err)
	}
	if tenant.WebhookURL == nil || *tenant.WebhookURL == "" {
		r.metrics.WebhookDelivery(outcomeSkipped)
		return nil
	}

	if err := r.client.Deliver(ctx, *tenant.WebhookURL, e); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.WithFields(fields).WithError(err).Error("webhook delivery failed, dropping event")
		r.metrics.WebhookDelivery(outcomeDropped)
		return nil
	}
	r.logger.WithFields(fields).Debug("event delivered to webhook")
	r.metrics.WebhookDelivery(outcomeDelivered)
	return nil
}
