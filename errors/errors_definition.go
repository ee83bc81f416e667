// Package errors provides custom error types and definitions for the application.
//
//nolint:lll
package errors

import (
	"fmt"
	"net/http"
)

// The custom Error type satisfies the error interface.
// Error() returns a human-readable description of the error.
//
// Error codes in the 40001-49999 range are the client's fault,
// and they return HTTP Status 400, 402 or 404, whatever is most appropriate.
//
// Error codes 50001-59999 are the server's fault
// and they return HTTP Status 500 or 503, or something else if appropriate.
//
// NEVER change any of the current error codes, only append new errors after the
// current last 4XXX or 5XXX. If you notice there's a gap, DON'T fill it in, that
// code was used in the past for some error (not anymore) and shouldn't be reused.
// There's no correlation between Code and HTTP Status.
var (
	// Authentication errors (401)
	ErrUnauthorized = Error{Code: 40001, HTTPstatus: http.StatusUnauthorized, Err: fmt.Errorf("authentication required"), LogLevel: "info"}

	// Validation errors (400)
	ErrMalformedBody     = Error{Code: 40002, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid JSON request body")}
	ErrMalformedURLParam = Error{Code: 40003, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid URL parameter")}
	ErrInvalidSignature  = Error{Code: 40005, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("webhook signature verification failed"), LogLevel: "info"}
	ErrMalformedPayload  = Error{Code: 40006, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed webhook payload")}
	ErrInvalidAmount     = Error{Code: 40007, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("amount must be a positive integer")}

	// Not found errors (404)
	ErrCustomerNotFound = Error{Code: 40004, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("customer not found")}
	ErrPlanNotFound     = Error{Code: 40008, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("subscription plan not found")}

	// Payment errors (402)
	// ErrInsufficientBalance is surfaced with its own code and status so that
	// callers can distinguish "buy more credits" from a generic failure.
	ErrInsufficientBalance = Error{Code: 40201, HTTPstatus: http.StatusPaymentRequired, Err: fmt.Errorf("insufficient credit balance"), LogLevel: "info"}
	ErrPaymentDeclined     = Error{Code: 40202, HTTPstatus: http.StatusPaymentRequired, Err: fmt.Errorf("payment was declined"), LogLevel: "info"}

	// Conflict errors (409)
	ErrDuplicateConflict = Error{Code: 40901, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("resource already exists")}

	// Server errors (500) - These should be used sparingly and only for true internal errors
	ErrMarshalingServerJSONFailed = Error{Code: 50001, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("server error: failed to process response"), LogLevel: "error"}
	ErrGenericInternalServerError = Error{Code: 50002, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("server error: operation failed"), LogLevel: "error"}
	ErrStripeError                = Error{Code: 50003, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("payment provider error"), LogLevel: "error"}
)
