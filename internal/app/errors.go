package app

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Every DomainError unwraps to one of them.
var (
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Kind    error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Kind
}

func domainError(status int, code, message string, details any, kind error) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
		Kind:    kind,
	}
}

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, details, ErrValidation)
}

func invalidStateError(message string, details any) *DomainError {
	return domainError(http.StatusBadRequest, "INVALID_STATE", message, details, ErrInvalidState)
}

func forbiddenError(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil, ErrForbidden)
}

func notFoundError(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil, ErrNotFound)
}

func conflictError(status int, code, message string, details any) *DomainError {
	return domainError(status, code, message, details, ErrConflict)
}

func duplicateVoteError() *DomainError {
	return conflictError(http.StatusBadRequest, "DUPLICATE_VOTE", "You have already voted on this proposal", nil)
}
