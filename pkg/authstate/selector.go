package authstate

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/globus/action-provider-tools/pkg/authclient"
	"github.com/globus/action-provider-tools/pkg/slogx"
)

// DefaultMinRemainingLifetime is how long a cached bare access token must
// still be valid for before it is handed out without a fresh exchange.
const DefaultMinRemainingLifetime = 60 * time.Second

// SelectorConfig tunes authorizer selection.
type SelectorConfig struct {
	// MinRemainingLifetime triggers one fresh exchange when a cached,
	// non-refreshable token expires sooner than this. Zero uses
	// DefaultMinRemainingLifetime; negative disables the check.
	MinRemainingLifetime time.Duration
}

// AuthorizerSelector turns a credential and a downstream scope into an
// Authorizer, using the dependent token cache.
type AuthorizerSelector struct {
	provider    IdentityProvider
	cache       *CredentialCache
	minLifetime time.Duration
	now         func() time.Time

	flight singleflight.Group
}

func NewAuthorizerSelector(provider IdentityProvider, cache *CredentialCache, cfg SelectorConfig) *AuthorizerSelector {
	minLifetime := cfg.MinRemainingLifetime
	if minLifetime == 0 {
		minLifetime = DefaultMinRemainingLifetime
	}
	return &AuthorizerSelector{
		provider:    provider,
		cache:       cache,
		minLifetime: minLifetime,
		now:         time.Now,
	}
}

// GetAuthorizer returns an authorizer for scope derived from token.
//
// A token set found in the cache that lacks scope, or whose bare token for
// scope is about to expire, is evicted and exchanged again exactly once. A
// freshly exchanged set that lacks scope fails immediately with
// *UnsatisfiableScopeError.
func (s *AuthorizerSelector) GetAuthorizer(ctx context.Context, token, scope string) (Authorizer, error) {
	if token == "" {
		return nil, ErrMissingCredential
	}
	key := CredentialKey(token)

	set, fresh, err := s.tokenSet(ctx, key, token, false)
	if err != nil {
		return nil, err
	}

	rec, ok := set[scope]
	if !fresh && (!ok || !s.longLived(rec)) {
		slogx.FromContext(ctx).Debug("cached dependent tokens unusable, exchanging again",
			slogx.Token(token),
			"scope", scope,
			"present", ok,
		)
		s.cache.evictDependentTokenSet(key)

		set, _, err = s.tokenSet(ctx, key, token, true)
		if err != nil {
			return nil, err
		}
		rec, ok = set[scope]
		if !ok {
			return nil, &UnsatisfiableScopeError{Scope: scope, Reason: "absent after a fresh exchange"}
		}
	}
	if !ok {
		return nil, &UnsatisfiableScopeError{Scope: scope, Reason: "absent from dependent token exchange"}
	}

	if rec.RefreshToken != "" {
		return NewRefreshTokenAuthorizer(s.provider, rec.RefreshToken, rec.AccessToken, rec.ExpiresAt()), nil
	}
	return NewAccessTokenAuthorizer(rec.AccessToken, rec.ExpiresAt()), nil
}

// longLived reports whether rec can be used as is. Refreshable records always
// can.
func (s *AuthorizerSelector) longLived(rec authclient.TokenResponse) bool {
	if rec.RefreshToken != "" || s.minLifetime < 0 {
		return true
	}
	exp := rec.ExpiresAt()
	return exp.IsZero() || exp.Sub(s.now()) >= s.minLifetime
}

// tokenSet returns the dependent token set for token and whether it came from
// the identity provider during this call.
func (s *AuthorizerSelector) tokenSet(ctx context.Context, key, token string, bypassCache bool) (DependentTokenSet, bool, error) {
	if !bypassCache {
		if set, ok := s.cache.dependentTokenSet(key); ok {
			return set, false, nil
		}
	}

	ch := s.flight.DoChan(key, func() (any, error) {
		records, err := s.provider.DependentTokens(context.WithoutCancel(ctx), token)
		observeUpstream("dependent_tokens", err)
		if err != nil {
			return nil, err
		}
		set := newDependentTokenSet(records)
		s.cache.storeDependentTokenSet(key, set)
		return set, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			slogx.FromContext(ctx).Warn("dependent token exchange failed", slogx.Token(token), "error", r.Err)
			return nil, false, fmt.Errorf("authstate: dependent token exchange: %w", upstreamError(ServiceAuth, r.Err))
		}
		return r.Val.(DependentTokenSet), true, nil
	}
}
