package stripe

import (
	"errors"
	"fmt"

	stripeapi "github.com/stripe/stripe-go/v82"
)

// ProviderError represents a Stripe-specific error.
type ProviderError struct {
	Code    string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stripe error [%s]: %s - %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("stripe error [%s]: %s", e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Common provider errors.
var (
	ErrInvalidEvent      = &ProviderError{Code: "invalid_event", Message: "invalid webhook event"}
	ErrWebhookValidation = &ProviderError{Code: "webhook_validation", Message: "webhook signature validation failed"}
	ErrCustomerNotFound  = &ProviderError{Code: "customer_not_found", Message: "stripe customer not found"}
	ErrPriceNotFound     = &ProviderError{Code: "price_not_found", Message: "stripe price not found"}
	ErrAPICallFailed     = &ProviderError{Code: "api_call_failed", Message: "stripe API call failed"}
)

// NewProviderError creates a new ProviderError with the given code, message,
// and underlying error.
func NewProviderError(code, message string, err error) *ProviderError {
	return &ProviderError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsRetryableError reports whether the error is a transient provider failure
// (network or rate-limit class) that is safe to retry for read-only or
// idempotency-keyed operations. Invalid-request and authentication failures
// are permanent and must never be retried.
func IsRetryableError(err error) bool {
	var apiErr *stripeapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500 {
			return true
		}
		return apiErr.Type == stripeapi.ErrorTypeAPI
	}
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Code == "api_call_failed" && provErr.Err != nil && IsRetryableError(provErr.Err)
	}
	return false
}
