package authclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrUnavailable marks failures that are the identity provider's fault:
// transport errors and 5xx responses.
var ErrUnavailable = errors.New("identity provider unavailable")

// APIError is a non-200 response from the identity provider.
type APIError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s: %s", e.StatusCode, e.Code, e.Description)
}

// Unwrap lets errors.Is(err, ErrUnavailable) match server-side failures.
func (e *APIError) Unwrap() error {
	if e.StatusCode >= http.StatusInternalServerError {
		return ErrUnavailable
	}
	return nil
}

// parseErrorResponse understands both the OAuth2 error shape and the
// {code, message} shape used by the identity provider's API errors.
func parseErrorResponse(status int, body []byte) error {
	var oauth struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &oauth); err == nil && oauth.Error != "" {
		return &APIError{StatusCode: status, Code: oauth.Error, Description: oauth.ErrorDescription}
	}

	var api struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &api); err == nil && api.Code != "" {
		return &APIError{StatusCode: status, Code: api.Code, Description: api.Message}
	}

	return &APIError{StatusCode: status, Code: http.StatusText(status)}
}
