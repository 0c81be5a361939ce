package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/globus/action-provider-tools/pkg/authstate"
	"github.com/globus/action-provider-tools/pkg/slogx"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// WriteJSON writes a JSON response with the given status code.
// It automatically sets the Content-Type header and Cache-Control headers.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	NoCache(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an ErrorBody.
func WriteError(w http.ResponseWriter, status int, code, description string) {
	WriteJSON(w, status, ErrorBody{Code: code, Description: description})
}

// NoCache sets the Cache-Control and Pragma headers to prevent caching.
func NoCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

// WriteAuthError maps an authstate error to an RFC 6750 response. Upstream
// error details are logged but never sent to the caller.
func WriteAuthError(w http.ResponseWriter, r *http.Request, err error) {
	log := slogx.FromContext(r.Context())

	var (
		scope       *authstate.InsufficientScopeError
		unavailable *authstate.UpstreamUnavailableError
	)
	switch {
	case errors.As(err, &scope):
		w.Header().Set("WWW-Authenticate",
			`Bearer error="insufficient_scope", scope="`+strings.Join(scope.Expected, " ")+`"`)
		WriteError(w, http.StatusForbidden, "insufficient_scope", "token was not granted the required scopes")

	case authstate.IsForbidden(err):
		WriteError(w, http.StatusForbidden, "forbidden", "credential cannot be used for this operation")

	case errors.As(err, &unavailable):
		log.Error("identity provider unavailable", "service", unavailable.Service, "error", err)
		writeBearerError(w, "unable to verify token")

	case errors.Is(err, authstate.ErrMissingCredential):
		w.Header().Set("WWW-Authenticate", `Bearer`)
		WriteError(w, http.StatusUnauthorized, "unauthorized", "bearer token required")

	case authstate.IsAuthenticationFailure(err):
		log.Info("authentication failed", "error", err)
		writeBearerError(w, "token is invalid, expired or revoked")

	default:
		log.Error("authorization check failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeBearerError(w http.ResponseWriter, desc string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+desc+`"`)
	WriteError(w, http.StatusUnauthorized, "invalid_token", desc)
}

// ParseSpaceDelimitedFields splits a space or comma delimited list. Returns
// nil for a blank string.
func ParseSpaceDelimitedFields(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}
