package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound          ErrorType = "not_found"
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeUnauthorized      ErrorType = "unauthorized"
	ErrorTypeForbidden         ErrorType = "forbidden"
	ErrorTypeCeilingViolation  ErrorType = "ceiling_violation"
	ErrorTypeInvalidTransition ErrorType = "invalid_transition"
	ErrorTypeConflict          ErrorType = "conflict"
	ErrorTypeInternal          ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables

var (
	// Not Found Errors
	ErrPolicyNotFound     = NewDomainError(ErrorTypeNotFound, "policy not found", nil)
	ErrAttachmentNotFound = NewDomainError(ErrorTypeNotFound, "policy attachment not found", nil)
	ErrGrantNotFound      = NewDomainError(ErrorTypeNotFound, "grant not found", nil)
	ErrMemoryNotFound     = NewDomainError(ErrorTypeNotFound, "memory instance not found", nil)
	ErrAccessRuleNotFound = NewDomainError(ErrorTypeNotFound, "memory access rule not found", nil)
	ErrAuditEntryNotFound = NewDomainError(ErrorTypeNotFound, "audit entry not found", nil)

	// Validation Errors (rejected at save time, never silently accepted)
	ErrInvalidInput         = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidCondition     = NewDomainError(ErrorTypeValidation, "invalid rule condition", nil)
	ErrMissingApprovalChain = NewDomainError(ErrorTypeValidation, "approval effect requires a non-empty approval chain", nil)
	ErrPolicyHasNoRules     = NewDomainError(ErrorTypeValidation, "policy must contain at least one rule before activation", nil)
	ErrInvalidSensitivity   = NewDomainError(ErrorTypeValidation, "invalid sensitivity tier", nil)
	ErrInvalidMemoryRole    = NewDomainError(ErrorTypeValidation, "invalid memory role", nil)

	// Authorization Errors
	ErrUnauthorized = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidToken = NewDomainError(ErrorTypeUnauthorized, "invalid authentication token", nil)
	ErrForbidden    = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrNotApprover  = NewDomainError(ErrorTypeForbidden, "principal is not in the grant's approval chain", nil)

	// Ceiling Violations. Distinct from a policy deny: terminal for the
	// request, cannot be overridden by an allow from the evaluator.
	ErrCeilingViolation = NewDomainError(ErrorTypeCeilingViolation, "sensitivity ceiling rejected the grant", nil)

	// Grant State Machine Errors
	ErrInvalidTransition = NewDomainError(ErrorTypeInvalidTransition, "grant state transition not allowed", nil)
	ErrGrantTerminal     = NewDomainError(ErrorTypeInvalidTransition, "grant is in a terminal state", nil)

	// Concurrency Errors. The loser of a transition race must re-fetch and
	// may retry once against the new state, not blindly reapply.
	ErrStaleVersion = NewDomainError(ErrorTypeConflict, "grant was modified concurrently", nil)

	// Internal Errors
	ErrInternal          = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrDatabaseError     = NewDomainError(ErrorTypeInternal, "database error", nil)
	ErrTransactionFailed = NewDomainError(ErrorTypeInternal, "transaction failed", nil)
)

// Error type checking helper functions

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeNotFound
	}
	return false
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeValidation
	}
	return false
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeUnauthorized
	}
	return false
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeForbidden
	}
	return false
}

// IsCeilingViolation checks if an error is a sensitivity ceiling violation
func IsCeilingViolation(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeCeilingViolation
	}
	return false
}

// IsInvalidTransition checks if an error is a grant state machine violation
func IsInvalidTransition(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeInvalidTransition
	}
	return false
}

// IsConflictError checks if an error is a concurrency conflict
func IsConflictError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeConflict
	}
	return false
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeInternal
	}
	return false
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}
