package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
)

// StripeGateway places manual-capture PaymentIntents. A hold is an intent
// in requires_capture; voiding cancels the intent.
type StripeGateway struct {
	client *client.API
}

// NewStripeGateway creates a gateway for the given secret key. backends may
// be nil; tests pass backends pointing at a local server.
func NewStripeGateway(apiKey string, backends *stripe.Backends) *StripeGateway {
	sc := &client.API{}
	sc.Init(apiKey, backends)
	return &StripeGateway{client: sc}
}

// Authorize places a hold. Declines come back as StateDeclined.
func (sg *StripeGateway) Authorize(ctx context.Context, req AuthorizationRequest) (*Authorization, error) {
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: authorization amount must be positive", apperrors.ErrInvalidInput)
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.AmountCents),
		Currency:           stripe.String(req.Currency),
		CaptureMethod:      stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:            stripe.Bool(true),
		OffSession:         stripe.Bool(true),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	if req.ExternalCustomerRef != "" {
		params.Customer = stripe.String(req.ExternalCustomerRef)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.IdempotencyKey = stripe.String(req.RedemptionID.String())
	params.AddMetadata("tenant_id", req.TenantID.String())
	params.AddMetadata("redemption_id", req.RedemptionID.String())
	params.Context = ctx

	pi, err := sg.client.PaymentIntents.New(params)
	if err != nil {
		if reason, declined := declineReason(err); declined {
			return &Authorization{State: StateDeclined, Reason: reason}, nil
		}
		return nil, sg.mapStripeError(err)
	}
	return toAuthorization(pi), nil
}

// Void cancels the intent behind ref.
func (sg *StripeGateway) Void(ctx context.Context, ref string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := sg.client.PaymentIntents.Cancel(ref, params)
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
		// Already canceled counts as voided.
		getParams := &stripe.PaymentIntentParams{}
		getParams.Context = ctx
		pi, getErr := sg.client.PaymentIntents.Get(ref, getParams)
		if getErr == nil && pi.Status == stripe.PaymentIntentStatusCanceled {
			return nil
		}
	}
	return sg.mapStripeError(err)
}

// Lookup searches intents by the redemption id stored in their metadata.
func (sg *StripeGateway) Lookup(ctx context.Context, redemptionID uuid.UUID) (*Authorization, error) {
	params := &stripe.PaymentIntentSearchParams{}
	params.Query = fmt.Sprintf("metadata['redemption_id']:'%s'", redemptionID.String())
	params.Context = ctx

	iter := sg.client.PaymentIntents.Search(params)
	var found *Authorization
	for iter.Next() {
		a := toAuthorization(iter.PaymentIntent())
		// Prefer a live hold over canceled or failed attempts.
		if found == nil || a.State == StateAuthorized {
			found = a
		}
	}
	if err := iter.Err(); err != nil {
		return nil, sg.mapStripeError(err)
	}
	if found == nil {
		return &Authorization{State: StateNotFound}, nil
	}
	return found, nil
}

func toAuthorization(pi *stripe.PaymentIntent) *Authorization {
	a := &Authorization{Ref: pi.ID}
	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresCapture, stripe.PaymentIntentStatusSucceeded:
		a.State = StateAuthorized
	case stripe.PaymentIntentStatusCanceled:
		a.State = StateVoided
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		a.State = StateDeclined
		if pi.LastPaymentError != nil {
			a.Reason = pi.LastPaymentError.Msg
		}
	default:
		// processing, requires_action, requires_confirmation
		a.State = StatePending
	}
	return a
}

func declineReason(err error) (string, bool) {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return "", false
	}
	if stripeErr.Type == stripe.ErrorTypeCard {
		return stripeErr.Msg, true
	}
	switch stripeErr.Code {
	case stripe.ErrorCodeCardDeclined,
		stripe.ErrorCodeExpiredCard,
		stripe.ErrorCodeIncorrectCVC,
		stripe.ErrorCodeBalanceInsufficient:
		return stripeErr.Msg, true
	}
	return "", false
}

// mapStripeError keeps stripe-go types out of the workflow.
func (sg *StripeGateway) mapStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= http.StatusInternalServerError || stripeErr.Code == stripe.ErrorCodeRateLimit {
			return fmt.Errorf("%w: %s", apperrors.ErrPaymentUnavailable, stripeErr.Msg)
		}
		return fmt.Errorf("payment provider rejected request (%s): %w", stripeErr.Code, err)
	}
	return fmt.Errorf("payment provider call failed: %w", err)
}
