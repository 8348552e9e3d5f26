package app

import "fmt"

// DomainError carries its own HTTP mapping. mapError passes it through to
// the response unchanged, so service code can shape client-facing failures
// (session conflicts, missing documents) without the handler layer guessing.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}
