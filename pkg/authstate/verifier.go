package authstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/globus/action-provider-tools/pkg/authclient"
	"github.com/globus/action-provider-tools/pkg/slogx"
)

// VerifyPolicy selects the optional checks applied to introspection results.
// Activity and scopes are always checked.
type VerifyPolicy struct {
	// ExpectedAudience, when set, must appear in the token's audience.
	ExpectedAudience string

	// CheckTimes enables exp and nbf checks, with Leeway for clock skew.
	CheckTimes bool
	Leeway     time.Duration
}

// TokenVerifier introspects credentials through the cache and validates the
// result against the caller's expected scopes.
type TokenVerifier struct {
	provider IdentityProvider
	cache    *CredentialCache
	policy   VerifyPolicy
	now      func() time.Time

	flight singleflight.Group
}

func NewTokenVerifier(provider IdentityProvider, cache *CredentialCache, policy VerifyPolicy) *TokenVerifier {
	return &TokenVerifier{
		provider: provider,
		cache:    cache,
		policy:   policy,
		now:      time.Now,
	}
}

// Introspect returns the validated introspection result for token. Cached
// results are validated again on every call since callers may expect
// different scopes.
func (v *TokenVerifier) Introspect(ctx context.Context, token string, expectedScopes []string) (*authclient.Introspection, error) {
	if token == "" {
		return nil, ErrMissingCredential
	}

	key := CredentialKey(token)
	res, ok := v.cache.introspection(key)
	if !ok {
		var err error
		res, err = v.fetch(ctx, key, token)
		if err != nil {
			return nil, err
		}
	}

	if err := v.validate(res, expectedScopes); err != nil {
		var inactive *InactiveCredentialError
		if errors.As(err, &inactive) {
			v.cache.forgetDerived(key)
		}
		slogx.FromContext(ctx).Info("credential rejected",
			slogx.Token(token),
			slog.String("reason", err.Error()),
		)
		return nil, err
	}
	return res, nil
}

// fetch performs the remote introspection. Concurrent misses for the same
// credential share one call; a caller whose context ends stops waiting
// without cancelling the call for the others.
func (v *TokenVerifier) fetch(ctx context.Context, key, token string) (*authclient.Introspection, error) {
	ch := v.flight.DoChan(key, func() (any, error) {
		res, err := v.provider.Introspect(context.WithoutCancel(ctx), token)
		observeUpstream("introspect", err)
		if err != nil {
			return nil, err
		}
		v.cache.storeIntrospection(key, res)
		return res, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			slogx.FromContext(ctx).Warn("token introspection failed", slogx.Token(token), "error", r.Err)
			return nil, fmt.Errorf("authstate: introspection: %w", upstreamError(ServiceAuth, r.Err))
		}
		return r.Val.(*authclient.Introspection), nil
	}
}

func (v *TokenVerifier) validate(res *authclient.Introspection, expectedScopes []string) error {
	if !res.Active {
		return &InactiveCredentialError{Reason: "token is not active"}
	}

	granted := res.Scopes()
	for _, s := range expectedScopes {
		if !slices.Contains(granted, s) {
			return &InsufficientScopeError{Expected: slices.Clone(expectedScopes), Actual: granted}
		}
	}

	if aud := v.policy.ExpectedAudience; aud != "" && !slices.Contains(res.Audience, aud) {
		return &InvalidAudienceError{Expected: aud, Actual: slices.Clone(res.Audience)}
	}

	if v.policy.CheckTimes {
		now := v.now()
		if res.ExpiresAt != 0 && now.After(time.Unix(res.ExpiresAt, 0).Add(v.policy.Leeway)) {
			return &InactiveCredentialError{Reason: "token expired"}
		}
		if res.NotBefore != 0 && now.Before(time.Unix(res.NotBefore, 0).Add(-v.policy.Leeway)) {
			return &InactiveCredentialError{Reason: "token not yet valid"}
		}
	}
	return nil
}
