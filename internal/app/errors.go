package app

import (
	"fmt"
	"net/http"

	"safetyvoice/api/internal/lifecycle"
)

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

func validationError(message string, fields map[string]string) *DomainError {
	var details any
	if len(fields) > 0 {
		details = map[string]any{"fields": fields}
	}
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

// transitionError carries the record's actual status so the moderator can
// retry against the current state.
func transitionError(current, requested lifecycle.Status) *DomainError {
	err := &lifecycle.TransitionError{From: current, To: requested}
	return domainError(http.StatusConflict, "INVALID_TRANSITION", err.Error(), map[string]any{
		"currentStatus":   string(current),
		"requestedStatus": string(requested),
	})
}

func submissionFailed() *DomainError {
	return domainError(http.StatusInternalServerError, "SUBMISSION_FAILED", "Submission could not be saved, please retry", nil)
}

var (
	errRateLimited     = domainError(http.StatusTooManyRequests, "RATE_LIMITED", "Too many submissions, please try again later", nil)
	errConsentRequired = domainError(http.StatusConflict, "CONSENT_REQUIRED", "Submitter did not consent to publication", nil)
	errForbidden       = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
)
