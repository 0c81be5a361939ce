package authstate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/globus/action-provider-tools/pkg/authclient"
)

func newTestVerifier(p *fakeProvider, policy VerifyPolicy) *TokenVerifier {
	return NewTokenVerifier(p, NewCredentialCache(DefaultCacheConfig()), policy)
}

func TestTokenVerifierIntrospect(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("active token is cached", func(t *testing.T) {
		t.Parallel()

		p := newFakeProvider()
		v := newTestVerifier(p, VerifyPolicy{})

		for range 3 {
			res, err := v.Introspect(ctx, aliceToken, []string{serviceScope})
			require.NoError(t, err)
			require.Equal(t, aliceID, res.Subject)
		}
		require.EqualValues(t, 1, p.introspectCalls.Load())
	})

	t.Run("missing token makes no call", func(t *testing.T) {
		t.Parallel()

		p := newFakeProvider()
		_, err := newTestVerifier(p, VerifyPolicy{}).Introspect(ctx, "", nil)
		require.ErrorIs(t, err, ErrMissingCredential)
		require.Zero(t, p.introspectCalls.Load())
	})

	t.Run("inactive token", func(t *testing.T) {
		t.Parallel()

		p := newFakeProvider()
		v := newTestVerifier(p, VerifyPolicy{})

		_, err := v.Introspect(ctx, "revoked-token-abcdefgh", nil)
		var inactive *InactiveCredentialError
		require.ErrorAs(t, err, &inactive)
		require.True(t, IsAuthenticationFailure(err))

		// The inactive result is cached too.
		_, err = v.Introspect(ctx, "revoked-token-abcdefgh", nil)
		require.ErrorAs(t, err, &inactive)
		require.EqualValues(t, 1, p.introspectCalls.Load())
	})

	t.Run("inactive token drops derived entries", func(t *testing.T) {
		t.Parallel()

		p := newFakeProvider()
		v := newTestVerifier(p, VerifyPolicy{})
		key := CredentialKey("revoked-token-abcdefgh")
		v.cache.storeDependentTokenSet(key, DependentTokenSet{})
		v.cache.storeGroupSet(key, []string{"G1"})

		_, err := v.Introspect(ctx, "revoked-token-abcdefgh", nil)
		var inactive *InactiveCredentialError
		require.ErrorAs(t, err, &inactive)

		_, ok := v.cache.dependentTokenSet(key)
		require.False(t, ok)
		_, ok = v.cache.groupSet(key)
		require.False(t, ok)
	})

	t.Run("rejected scopes keep derived entries", func(t *testing.T) {
		t.Parallel()

		p := newFakeProvider()
		v := newTestVerifier(p, VerifyPolicy{})
		key := CredentialKey(aliceToken)
		v.cache.storeGroupSet(key, []string{"G1"})

		_, err := v.Introspect(ctx, aliceToken, []string{"other-scope"})
		var scope *InsufficientScopeError
		require.ErrorAs(t, err, &scope)

		_, ok := v.cache.groupSet(key)
		require.True(t, ok)
	})

	t.Run("scopes must be a superset", func(t *testing.T) {
		t.Parallel()

		p := newFakeProvider()
		v := newTestVerifier(p, VerifyPolicy{})

		_, err := v.Introspect(ctx, aliceToken, []string{serviceScope, "other-scope"})
		var scope *InsufficientScopeError
		require.ErrorAs(t, err, &scope)
		require.Equal(t, []string{serviceScope}, scope.Actual)
		require.True(t, IsForbidden(err))

		// Cached result validated against different scopes.
		_, err = v.Introspect(ctx, aliceToken, nil)
		require.NoError(t, err)
		require.EqualValues(t, 1, p.introspectCalls.Load())
	})

	t.Run("audience", func(t *testing.T) {
		t.Parallel()

		p := newFakeProvider()

		_, err := newTestVerifier(p, VerifyPolicy{ExpectedAudience: "svc"}).Introspect(ctx, aliceToken, nil)
		require.NoError(t, err)

		_, err = newTestVerifier(p, VerifyPolicy{ExpectedAudience: "elsewhere"}).Introspect(ctx, aliceToken, nil)
		var aud *InvalidAudienceError
		require.ErrorAs(t, err, &aud)
		require.Equal(t, "elsewhere", aud.Expected)
	})

	t.Run("token times", func(t *testing.T) {
		t.Parallel()

		p := newFakeProvider()
		v := newTestVerifier(p, VerifyPolicy{CheckTimes: true, Leeway: time.Minute})

		_, err := v.Introspect(ctx, aliceToken, nil)
		require.NoError(t, err)

		v.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		_, err = v.Introspect(ctx, aliceToken, nil)
		var inactive *InactiveCredentialError
		require.ErrorAs(t, err, &inactive)
		require.Equal(t, "token expired", inactive.Reason)

		v.now = func() time.Time { return time.Now().Add(-time.Hour) }
		p.set(func(p *fakeProvider) {
			res := p.introspections[aliceToken]
			res.NotBefore = time.Now().Unix()
			p.introspections["later-token-abcdefgh"] = res
		})
		_, err = v.Introspect(ctx, "later-token-abcdefgh", nil)
		require.ErrorAs(t, err, &inactive)
		require.Equal(t, "token not yet valid", inactive.Reason)
	})

	t.Run("upstream failures are not cached", func(t *testing.T) {
		t.Parallel()

		p := newFakeProvider()
		p.introspectErr = fmt.Errorf("introspect: %w", authclient.ErrUnavailable)
		v := newTestVerifier(p, VerifyPolicy{})

		_, err := v.Introspect(ctx, aliceToken, nil)
		var unavailable *UpstreamUnavailableError
		require.ErrorAs(t, err, &unavailable)
		require.Equal(t, ServiceAuth, unavailable.Service)
		require.ErrorIs(t, err, authclient.ErrUnavailable)

		p.set(func(p *fakeProvider) { p.introspectErr = nil })
		_, err = v.Introspect(ctx, aliceToken, nil)
		require.NoError(t, err)
		require.EqualValues(t, 2, p.introspectCalls.Load())
	})

	t.Run("client errors pass through unchanged", func(t *testing.T) {
		t.Parallel()

		p := newFakeProvider()
		p.introspectErr = &authclient.APIError{StatusCode: 401, Code: "invalid_client"}

		_, err := newTestVerifier(p, VerifyPolicy{}).Introspect(ctx, aliceToken, nil)
		var apiErr *authclient.APIError
		require.ErrorAs(t, err, &apiErr)
		var unavailable *UpstreamUnavailableError
		require.NotErrorAs(t, err, &unavailable)
	})

	t.Run("concurrent misses share one call", func(t *testing.T) {
		t.Parallel()

		p := newFakeProvider()
		p.release = make(chan struct{})
		v := newTestVerifier(p, VerifyPolicy{})

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := v.Introspect(ctx, aliceToken, nil)
				errs <- err
			}()
		}

		require.Eventually(t, func() bool { return p.introspectCalls.Load() == 1 }, time.Second, time.Millisecond)
		close(p.release)
		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}
		require.EqualValues(t, 1, p.introspectCalls.Load())
	})

	t.Run("cancelled caller stops waiting", func(t *testing.T) {
		t.Parallel()

		p := newFakeProvider()
		p.release = make(chan struct{})
		v := newTestVerifier(p, VerifyPolicy{})

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := v.Introspect(cctx, aliceToken, nil)
		require.ErrorIs(t, err, context.Canceled)

		// The shared call still completes and fills the cache.
		close(p.release)
		require.Eventually(t, func() bool {
			_, ok := v.cache.introspection(CredentialKey(aliceToken))
			return ok
		}, time.Second, time.Millisecond)
	})
}
