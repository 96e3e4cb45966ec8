package domain

import "errors"

// Common errors used throughout the application.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrFightNotFound = errors.New("fight not found")
	// ErrPreconditionFailed is returned when an If-Match check no longer holds.
	ErrPreconditionFailed = errors.New("precondition failed")
)

// Tag engine errors. All of them describe a rejected operation, not an
// engine fault, and are surfaced to the caller as-is.
var (
	ErrUnknownTagType          = errors.New("unknown tag type")
	ErrOrphanTag               = errors.New("tag requires an active parent of the designated parent type")
	ErrDuplicatePendingRequest = errors.New("a pending change request already exists for this slot")
	ErrDuplicateVote           = errors.New("voter session has already voted on this request")
	ErrRequestAlreadyResolved  = errors.New("change request is already resolved")
	ErrInvalidProposedValue    = errors.New("invalid proposed value")
)

// Error codes for standardized API error responses.
const (
	ErrCodeResourceNotFound      = "RESOURCE_NOT_FOUND"
	ErrCodeResourceAlreadyExists = "RESOURCE_ALREADY_EXISTS"
	ErrCodeInvalidInput          = "INVALID_INPUT"
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeForbidden             = "FORBIDDEN"
	ErrCodeValidationError       = "VALIDATION_ERROR"
	ErrCodePreconditionFailed    = "PRECONDITION_FAILED"
	ErrCodeUnknownTagType        = "UNKNOWN_TAG_TYPE"
	ErrCodeOrphanTag             = "ORPHAN_TAG"
	ErrCodeDuplicatePending      = "DUPLICATE_PENDING_REQUEST"
	ErrCodeDuplicateVote         = "DUPLICATE_VOTE"
	ErrCodeAlreadyResolved       = "REQUEST_ALREADY_RESOLVED"
	ErrCodeInvalidProposedValue  = "INVALID_PROPOSED_VALUE"
	ErrCodeInternalError         = "INTERNAL_ERROR"
)

// StandardError represents a standardized error response from the API.
type StandardError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// StandardErrorResponse wraps a StandardError for JSON responses.
type StandardErrorResponse struct {
	Error StandardError `json:"error"`
}
