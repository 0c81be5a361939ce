package authstate

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingCredential is returned when a protected operation is
	// attempted without a bearer credential.
	ErrMissingCredential = errors.New("authstate: no credential provided")

	// ErrMalformedAuthorization is returned for an Authorization header that
	// is not a bearer credential.
	ErrMalformedAuthorization = errors.New("authstate: malformed authorization header")

	// ErrAuthorizerExpired is returned by a non-refreshing Authorizer whose
	// access token has passed its expiry.
	ErrAuthorizerExpired = errors.New("authstate: authorizer access token expired")

	// ErrGroupsDisabled is recorded when group resolution is requested but no
	// Groups client was configured.
	ErrGroupsDisabled = errors.New("authstate: group resolution not configured")
)

// Upstream service names used in UpstreamUnavailableError.
const (
	ServiceAuth   = "auth"
	ServiceGroups = "groups"
)

// InactiveCredentialError means the credential is expired, revoked or was
// never valid.
type InactiveCredentialError struct {
	Reason string
}

func (e *InactiveCredentialError) Error() string {
	return "authstate: inactive credential: " + e.Reason
}

// InsufficientScopeError means the credential is valid but was not granted
// every scope the service requires.
type InsufficientScopeError struct {
	Expected []string
	Actual   []string
}

func (e *InsufficientScopeError) Error() string {
	return fmt.Sprintf("authstate: insufficient scope: expected %q, granted %q",
		strings.Join(e.Expected, " "), strings.Join(e.Actual, " "))
}

// InvalidAudienceError means the credential was not issued for this service.
type InvalidAudienceError struct {
	Expected string
	Actual   []string
}

func (e *InvalidAudienceError) Error() string {
	return fmt.Sprintf("authstate: audience %q not in %q", e.Expected, e.Actual)
}

// UnsatisfiableScopeError means the dependent token exchange did not yield a
// token for Scope, even after a fresh exchange.
type UnsatisfiableScopeError struct {
	Scope  string
	Reason string
}

func (e *UnsatisfiableScopeError) Error() string {
	return fmt.Sprintf("authstate: cannot obtain token for scope %q: %s", e.Scope, e.Reason)
}

// UpstreamUnavailableError wraps a network failure or 5xx response from the
// identity provider or the Groups service after retries were exhausted.
type UpstreamUnavailableError struct {
	Service string
	Err     error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("authstate: %s service unavailable: %v", e.Service, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }

// IsAuthenticationFailure reports whether err means the caller could not be
// authenticated, as opposed to being authenticated but not permitted.
func IsAuthenticationFailure(err error) bool {
	var (
		inactive    *InactiveCredentialError
		audience    *InvalidAudienceError
		unavailable *UpstreamUnavailableError
	)
	return errors.Is(err, ErrMissingCredential) ||
		errors.Is(err, ErrMalformedAuthorization) ||
		errors.As(err, &inactive) ||
		errors.As(err, &audience) ||
		errors.As(err, &unavailable)
}

// IsForbidden reports whether err means the caller is authenticated but the
// credential cannot be used for the operation.
func IsForbidden(err error) bool {
	var (
		scope         *InsufficientScopeError
		unsatisfiable *UnsatisfiableScopeError
	)
	return errors.As(err, &scope) || errors.As(err, &unsatisfiable)
}
