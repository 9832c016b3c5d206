// Package handlers defines the HTTP-layer error codes used across the
// status API. Codes are lowercase snake_case; generic ones mirror HTTP
// status semantics, domain-specific ones name the failed operation.
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeListFailed   = "list_failed"
	ErrCodeCancelFailed = "cancel_failed"
	ErrCodeStatusFailed = "status_failed"
)
