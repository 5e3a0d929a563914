package app

import "fmt"

// DomainError is the single error shape the HTTP layer serializes. Code is a
// stable machine-readable token (DUPLICATE_IDENTITY, CRM_UNAVAILABLE, ...);
// Details carries optional field-level context for validation failures.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
