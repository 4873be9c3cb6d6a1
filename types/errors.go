package types

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Common errors.
var (
	ErrNotFound       = errors.New("not found")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")
)

// Impersonation error taxonomy. Callers match these with errors.Is so the
// HTTP layer can render a specific message instead of an opaque failure.
var (
	// ErrAuthenticationRequired means there is no current actor.
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrAuthorizationDenied means the actor's hierarchy level is below the
	// threshold, or the target is invalid (self, peer, out of scope).
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrTargetNotFound means the impersonation target does not exist.
	ErrTargetNotFound = errors.New("target user not found")

	// ErrSessionNotFound means the referenced impersonation session id does
	// not exist.
	ErrSessionNotFound = errors.New("impersonation session not found")

	// ErrSessionNotActive means the referenced session has already ended, so
	// no further audit entries may be attributed to it.
	ErrSessionNotActive = errors.New("impersonation session is not active")

	// ErrStoreUnavailable wraps transient storage failures. Operations fail
	// closed: no half-created session, no dangling audit entry.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// HTTPError represents an error that is surfaced to the user via HTTP.
type HTTPError struct {
	Code int    // HTTP response code to send to client; 0 means 500
	Msg  string // Response body to send to client
	Err  error  // Detailed error to log on the server
}

func (e HTTPError) Error() string {
	return fmt.Sprintf("http error[%d]: %s, %s", e.Code, e.Msg, e.Err)
}

func (e HTTPError) Unwrap() error {
	return e.Err
}

// NewHTTPError creates a new HTTPError.
func NewHTTPError(code int, msg string, err error) HTTPError {
	return HTTPError{Code: code, Msg: msg, Err: err}
}

// HTTPErrorFor maps a taxonomy error to the HTTPError the transport layer
// should write. Unknown errors become a generic 500.
func HTTPErrorFor(err error) HTTPError {
	switch {
	case errors.Is(err, ErrAuthenticationRequired):
		return HTTPError{Code: http.StatusUnauthorized, Msg: "Authentication required", Err: err}
	case errors.Is(err, ErrAuthorizationDenied):
		return HTTPError{Code: http.StatusForbidden, Msg: "Not authorized to impersonate this user", Err: err}
	case errors.Is(err, ErrTargetNotFound):
		return HTTPError{Code: http.StatusNotFound, Msg: "Target user not found", Err: err}
	case errors.Is(err, ErrSessionNotFound):
		return HTTPError{Code: http.StatusNotFound, Msg: "Impersonation session not found", Err: err}
	case errors.Is(err, ErrSessionNotActive):
		return HTTPError{Code: http.StatusConflict, Msg: "Impersonation session is no longer active", Err: err}
	case errors.Is(err, ErrStoreUnavailable):
		return HTTPError{Code: http.StatusServiceUnavailable, Msg: "Storage temporarily unavailable, please retry", Err: err}
	case errors.Is(err, ErrNotFound):
		return HTTPError{Code: http.StatusNotFound, Msg: "Not found", Err: err}
	case errors.Is(err, ErrBadRequest):
		return HTTPError{Code: http.StatusBadRequest, Msg: "Invalid request", Err: err}
	default:
		return HTTPError{Code: http.StatusInternalServerError, Msg: "Internal server error", Err: err}
	}
}

// WriteHTTPError writes an HTTPError to the response writer.
func WriteHTTPError(w http.ResponseWriter, err error) {
	var herr HTTPError
	if errors.As(err, &herr) {
		http.Error(w, herr.Msg, herr.Code)
		log.Error().Err(herr.Err).Int("code", herr.Code).Msgf("user msg: %s", herr.Msg)
	} else {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		log.Error().Err(err).Int("code", http.StatusInternalServerError).Msg("http internal server error")
	}
}
