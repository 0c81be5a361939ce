package authstate

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/globus/action-provider-tools/pkg/slogx"
)

// FactoryConfig wires a Factory. Provider is required.
type FactoryConfig struct {
	Provider IdentityProvider

	// Groups enables group principals. Nil disables group resolution.
	Groups      GroupLister
	GroupsScope string

	// Cache defaults to NewCredentialCache(DefaultCacheConfig()).
	Cache *CredentialCache

	// ExpectedScopes must all be granted to every credential.
	ExpectedScopes []string

	Policy   VerifyPolicy
	Selector SelectorConfig
	Logger   *slog.Logger
}

// Factory builds AuthStates. It owns the shared caches and is safe for
// concurrent use.
type Factory struct {
	expectedScopes []string
	cache          *CredentialCache
	verifier       *TokenVerifier
	selector       *AuthorizerSelector
	resolver       *GroupResolver
	logger         *slog.Logger
}

func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.Provider == nil {
		return nil, errors.New("authstate: identity provider is required")
	}
	if cfg.Cache == nil {
		cfg.Cache = NewCredentialCache(DefaultCacheConfig())
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	selector := NewAuthorizerSelector(cfg.Provider, cfg.Cache, cfg.Selector)

	return &Factory{
		expectedScopes: slices.Clone(cfg.ExpectedScopes),
		cache:          cfg.Cache,
		verifier:       NewTokenVerifier(cfg.Provider, cfg.Cache, cfg.Policy),
		selector:       selector,
		resolver:       NewGroupResolver(selector, cfg.Groups, cfg.Cache, cfg.GroupsScope),
		logger:         cfg.Logger,
	}, nil
}

// Cache returns the shared credential cache.
func (f *Factory) Cache() *CredentialCache { return f.cache }

// Build returns an AuthState for token checked against the configured
// scopes. An empty token yields a state that can only pass public checks.
func (f *Factory) Build(token string) *AuthState {
	return f.BuildWithScopes(token, f.expectedScopes...)
}

// BuildWithScopes is Build with an explicit set of required scopes.
func (f *Factory) BuildWithScopes(token string, scopes ...string) *AuthState {
	return &AuthState{
		token:          token,
		expectedScopes: slices.Clone(scopes),
		verifier:       f.verifier,
		selector:       f.selector,
		resolver:       f.resolver,
		logger:         f.logger,
	}
}

// FromRequest builds an AuthState from the request's Authorization header.
// A missing header yields a credential-less state; a header that is not a
// bearer credential is an error.
func (f *Factory) FromRequest(r *http.Request) (*AuthState, error) {
	token, err := ParseBearer(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}
	state := f.Build(token)
	state.logger = slogx.FromContext(r.Context())
	return state, nil
}

// ParseBearer extracts the credential from an Authorization header value.
// An empty header returns "" and no error.
func ParseBearer(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", nil
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMalformedAuthorization
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMalformedAuthorization
	}
	return token, nil
}
