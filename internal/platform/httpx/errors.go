package httpx

import (
	"errors"
	"net/http"
)

// Error kinds for the control-plane taxonomy. Handlers build domain
// errors with Errf and RespondError maps them onto HTTP statuses.
const (
	KindValidation = "VALIDATION"
	KindAuth       = "AUTH"
	KindDeny       = "DENY"
	KindNotFound   = "NOT_FOUND"
	KindConflict   = "CONFLICT"
	KindInternal   = "INTERNAL"
)

// Sentinel errors for the domain layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnavailable  = errors.New("dependency unavailable")
)

// APIError couples a taxonomy kind with a stable reason code, an HTTP
// status, and optional operator-facing detail.
type APIError struct {
	Kind   string
	Status int
	Reason string
	Detail string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Detail != "" {
		return e.Reason + ": " + e.Detail
	}
	return e.Reason
}

// NewError constructs an APIError with the canonical status for kind
// unless an explicit status is given.
func NewError(kind, reason string, status int) *APIError {
	if status == 0 {
		status = statusForKind(kind)
	}
	return &APIError{Kind: kind, Status: status, Reason: reason}
}

// WithDetail attaches upstream detail for operator diagnostics. Only
// INTERNAL errors surface detail to the response body; other kinds keep
// it for logs.
func (e *APIError) WithDetail(detail string) *APIError {
	clone := *e
	clone.Detail = detail
	return &clone
}

func statusForKind(kind string) int {
	switch kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindAuth:
		return http.StatusUnauthorized
	case KindDeny:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func titleForKind(kind string) string {
	switch kind {
	case KindValidation:
		return "Validation Failed"
	case KindAuth:
		return "Authentication Required"
	case KindDeny:
		return "Forbidden"
	case KindNotFound:
		return "Not Found"
	case KindConflict:
		return "Conflict"
	default:
		return "Internal Error"
	}
}

// RespondError maps domain errors onto HTTP problem responses.
// Capability verification detail is never surfaced: DENY responses
// carry only the reason code.
func RespondError(w http.ResponseWriter, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		detail := ""
		if apiErr.Kind == KindInternal {
			detail = apiErr.Detail
		}
		Problem(w, apiErr.Status, titleForKind(apiErr.Kind), apiErr.Reason, detail)
		return
	}
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", "", err.Error())
	case errors.Is(err, ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", "", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusUnprocessableEntity, "Validation Failed", "", err.Error())
	case errors.Is(err, ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", "", "")
	case errors.Is(err, ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", "", "")
	case errors.Is(err, ErrUnavailable):
		Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "", "")
	}
}
