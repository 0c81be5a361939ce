package authstate

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/globus/action-provider-tools/pkg/authclient"
	"github.com/globus/action-provider-tools/pkg/slogx"
)

// AuthState is the per-request view of one bearer credential. It is cheap to
// build and performs no I/O until a question is asked of it. Results are
// memoised for the lifetime of the instance.
type AuthState struct {
	token          string
	expectedScopes []string

	verifier *TokenVerifier
	selector *AuthorizerSelector
	resolver *GroupResolver
	logger   *slog.Logger

	mu            sync.Mutex
	introspection *authclient.Introspection
	introspectErr error
	groups        []string
	groupsDone    bool
	errs          []error
}

// HasCredential reports whether a bearer credential was supplied.
func (s *AuthState) HasCredential() bool { return s.token != "" }

// CredentialKey returns the hashed credential, or "" when there is none.
func (s *AuthState) CredentialKey() string {
	if s.token == "" {
		return ""
	}
	return CredentialKey(s.token)
}

// SanitizedToken returns the credential with all but its last characters
// masked, for logging.
func (s *AuthState) SanitizedToken() string {
	return slogx.RedactToken(s.token)
}

// Introspect returns the verified introspection result. Verification
// failures are remembered; transient upstream failures are retried on the
// next call.
func (s *AuthState) Introspect(ctx context.Context) (*authclient.Introspection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.introspectLocked(ctx)
}

func (s *AuthState) introspectLocked(ctx context.Context) (*authclient.Introspection, error) {
	if s.introspection != nil || s.introspectErr != nil {
		return s.introspection, s.introspectErr
	}

	res, err := s.verifier.Introspect(ctx, s.token, s.expectedScopes)
	if err != nil {
		if terminal(err) {
			s.introspectErr = err
		}
		return nil, err
	}
	s.introspection = res
	return res, nil
}

// terminal reports whether a verification error will not change on retry.
func terminal(err error) bool {
	var unavailable *UpstreamUnavailableError
	return !errors.As(err, &unavailable) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// EffectiveIdentity returns the identity principal of the token's subject.
func (s *AuthState) EffectiveIdentity(ctx context.Context) (string, error) {
	res, err := s.Introspect(ctx)
	if err != nil {
		return "", err
	}
	return IdentityPrincipal(res.Subject), nil
}

// Identities returns the principals of every identity linked to the
// credential, effective identity first.
func (s *AuthState) Identities(ctx context.Context) ([]string, error) {
	res, err := s.Introspect(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(res.IdentitySet)+1)
	if res.Subject != "" {
		ids = append(ids, IdentityPrincipal(res.Subject))
	}
	for _, id := range res.IdentitySet {
		p := IdentityPrincipal(id)
		if !slices.Contains(ids, p) {
			ids = append(ids, p)
		}
	}
	return ids, nil
}

// Groups returns the group principals of the credential. It never fails; see
// Errors for why a set may be empty.
func (s *AuthState) Groups(ctx context.Context) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.groupsDone {
		return slices.Clone(s.groups)
	}

	// Unverified credentials get no group principals.
	if _, err := s.introspectLocked(ctx); err != nil {
		s.errs = append(s.errs, err)
		return []string{}
	}

	groups, err := s.resolver.Groups(ctx, s.token)
	if err != nil {
		s.errs = append(s.errs, err)
		return groups
	}
	s.groups, s.groupsDone = groups, true
	return slices.Clone(groups)
}

// Principals returns Identities together with Groups.
func (s *AuthState) Principals(ctx context.Context) ([]string, error) {
	ids, err := s.Identities(ctx)
	if err != nil {
		return nil, err
	}
	return append(ids, s.Groups(ctx)...), nil
}

// GetAuthorizer returns an Authorizer for calling a downstream service on
// behalf of the caller. The credential is verified first.
func (s *AuthState) GetAuthorizer(ctx context.Context, scope string) (Authorizer, error) {
	if _, err := s.Introspect(ctx); err != nil {
		return nil, err
	}
	return s.selector.GetAuthorizer(ctx, s.token, scope)
}

// Errors returns the failures that degraded group resolution on this
// instance.
func (s *AuthState) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.errs)
}

// CheckOption enables a special principal in CheckAuthorization.
type CheckOption func(*checkConfig)

type checkConfig struct {
	allowPublic           bool
	allowAllAuthenticated bool
}

// AllowPublic lets "public" in the allow-list grant access to anyone,
// including callers without a credential.
func AllowPublic() CheckOption {
	return func(c *checkConfig) { c.allowPublic = true }
}

// AllowAllAuthenticatedUsers lets "all_authenticated_users" in the
// allow-list grant access to any verified credential.
func AllowAllAuthenticatedUsers() CheckOption {
	return func(c *checkConfig) { c.allowAllAuthenticated = true }
}

// CheckAuthorization reports whether the caller matches any principal in
// allowed. The cheapest rules are tried first:
//
//  1. "public", when allowed by AllowPublic, without any I/O
//  2. "all_authenticated_users", when allowed, after introspection
//  3. group principals, resolved only if allowed names a group
//  4. any overlap between allowed and the caller's principals
//
// Verification errors are returned; group resolution failures only narrow
// the caller's principals.
func (s *AuthState) CheckAuthorization(ctx context.Context, allowed []string, opts ...CheckOption) (bool, error) {
	var cfg checkConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.allowPublic && slices.Contains(allowed, PrincipalPublic) {
		return s.decide(true, "public"), nil
	}
	if len(allowed) == 0 {
		return s.decide(false, "empty"), nil
	}
	if !s.HasCredential() {
		authorizationDecisions.WithLabelValues("error", "no_credential").Inc()
		return false, ErrMissingCredential
	}

	identities, err := s.Identities(ctx)
	if err != nil {
		authorizationDecisions.WithLabelValues("error", "introspection").Inc()
		return false, err
	}

	if cfg.allowAllAuthenticated && len(identities) > 0 && slices.Contains(allowed, PrincipalAllAuthenticatedUsers) {
		return s.decide(true, "all_authenticated_users"), nil
	}

	principals := identities
	if containsGroupPrincipal(allowed) {
		principals = append(principals, s.Groups(ctx)...)
	}

	for _, p := range allowed {
		if slices.Contains(principals, p) {
			return s.decide(true, "principal"), nil
		}
	}
	return s.decide(false, "no_match"), nil
}

func (s *AuthState) decide(allowed bool, rule string) bool {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	authorizationDecisions.WithLabelValues(decision, rule).Inc()
	s.logger.Debug("authorization decision", "decision", decision, "rule", rule, slogx.Token(s.token))
	return allowed
}
