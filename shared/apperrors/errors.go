// Package apperrors holds the sentinel errors shared by every component.
// Transport layers match them with errors.Is to pick a response, so callers
// wrap them with fmt.Errorf("...: %w", err) instead of replacing them.
package apperrors

import "errors"

var (
	// Tenant / credential errors
	ErrInvalidTenantCredential = errors.New("invalid tenant credential")
	ErrTenantNotFound          = errors.New("tenant not found")
	ErrNamespaceMismatch       = errors.New("transaction is bound to a different tenant namespace")

	// Business rule errors
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientPoints  = errors.New("insufficient points for reward")
	ErrInvalidInput        = errors.New("invalid input")
	ErrCustomerNotFound    = errors.New("customer not found")
	ErrRewardNotFound      = errors.New("reward not found")
	ErrRewardUnavailable   = errors.New("reward is not available")
	ErrRedemptionNotFound  = errors.New("redemption not found")
	ErrEntryNotFound       = errors.New("points entry not found")
	ErrAlreadyReversed     = errors.New("points entry already reversed")
	ErrInvalidTransition   = errors.New("invalid redemption state transition")

	// Infrastructure errors
	ErrPoolExhausted      = errors.New("connection pool exhausted")
	ErrNoTransaction      = errors.New("operation requires an active transaction")
	ErrRetriableConflict  = errors.New("transaction conflict, retry")
	ErrDuplicate          = errors.New("duplicate record")
	ErrPaymentUnavailable = errors.New("payment provider unavailable")

	// External payment collaborator errors
	ErrExternalAuthorizationFailed  = errors.New("external payment authorization failed")
	ErrExternalAuthorizationTimeout = errors.New("external payment authorization timed out")

	// Lifecycle errors
	ErrNamespaceProvisioningFailed = errors.New("tenant namespace provisioning failed")
)

// IsBusiness reports whether err is an expected business outcome that the
// caller should present to the user rather than treat as a failure.
func IsBusiness(err error) bool {
	switch {
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrInsufficientPoints),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrCustomerNotFound),
		errors.Is(err, ErrRewardNotFound),
		errors.Is(err, ErrRewardUnavailable),
		errors.Is(err, ErrRedemptionNotFound),
		errors.Is(err, ErrEntryNotFound),
		errors.Is(err, ErrAlreadyReversed),
		errors.Is(err, ErrExternalAuthorizationFailed):
		return true
	}
	return false
}

// IsRetriable reports whether the operation may be retried with backoff.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrRetriableConflict)
}
