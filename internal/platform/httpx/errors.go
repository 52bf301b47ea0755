package httpx

import (
	"errors"
	"net/http"
)

// Generic error kinds shared by handlers that have no richer mapping.
var (
	ErrNotFound   = errors.New("resource not found")
	ErrConflict   = errors.New("conflicting state")
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("forbidden")
)

// RespondError maps generic errors to HTTP responses using RFC7807.
// Handlers with domain-specific error kinds map those themselves and
// fall back here for anything unrecognised.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
