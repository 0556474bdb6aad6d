package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainError_Error(t *testing.T) {
	err := NewDomainError(ErrorTypeCeilingViolation, "restricted: role-based grants not permitted", nil)
	assert.Equal(t, "ceiling_violation: restricted: role-based grants not permitted", err.Error())

	wrapped := NewDomainError(ErrorTypeInternal, "database error", errors.New("connection refused"))
	assert.Contains(t, wrapped.Error(), "connection refused")
}

func TestDomainError_Is(t *testing.T) {
	err := fmt.Errorf("transition rejected: %w", ErrInvalidTransition)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.False(t, errors.Is(err, ErrStaleVersion))

	// Matching is by error type, not by message.
	other := NewDomainError(ErrorTypeInvalidTransition, "cannot approve an expired grant", nil)
	assert.True(t, errors.Is(other, ErrInvalidTransition))
}

func TestDomainError_Unwrap(t *testing.T) {
	cause := errors.New("pq: deadlock detected")
	err := WrapInternal("transaction failed", cause)
	assert.True(t, errors.Is(err, cause))
}

func TestErrorTypeCheckers(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		checker func(error) bool
	}{
		{"not found", ErrGrantNotFound, IsNotFoundError},
		{"validation", ErrMissingApprovalChain, IsValidationError},
		{"unauthorized", ErrInvalidToken, IsUnauthorizedError},
		{"forbidden", ErrNotApprover, IsForbiddenError},
		{"ceiling violation", ErrCeilingViolation, IsCeilingViolation},
		{"invalid transition", ErrGrantTerminal, IsInvalidTransition},
		{"conflict", ErrStaleVersion, IsConflictError},
		{"internal", ErrDatabaseError, IsInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.checker(tt.err))
			assert.False(t, tt.checker(errors.New("plain error")))
		})
	}

	// Checkers see through wrapping.
	wrapped := fmt.Errorf("sweep: %w", ErrStaleVersion)
	assert.True(t, IsConflictError(wrapped))
}

func TestCeilingViolationIsNotForbidden(t *testing.T) {
	// A ceiling rejection must stay distinguishable from a generic denial so
	// audit and UI layers can explain why the request was terminal.
	assert.False(t, IsForbiddenError(ErrCeilingViolation))
	assert.True(t, IsCeilingViolation(ErrCeilingViolation))
}

func TestDomainError_WithDetail(t *testing.T) {
	err := NewDomainError(ErrorTypeCeilingViolation, "ceiling rejected", nil).
		WithDetail("sensitivity", "restricted").
		WithDetail("principal_type", "role")

	details := GetErrorDetails(err)
	assert.Equal(t, "restricted", details["sensitivity"])
	assert.Equal(t, "role", details["principal_type"])
	assert.Equal(t, ErrorTypeCeilingViolation, GetErrorType(err))
	assert.Equal(t, ErrorType(""), GetErrorType(errors.New("plain")))
}
