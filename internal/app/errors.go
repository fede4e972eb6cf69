package app

import "fmt"

// DomainError is a rejection the editing protocol defines: codes like
// INVALID_OPERATION, NOT_AN_ACTIVE_PARTICIPANT, SESSION_LOCKED and
// RESYNC_REQUIRED reach clients verbatim, with Status as the HTTP
// mapping. Anything else surfaces as a generic SERVER_ERROR.
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
