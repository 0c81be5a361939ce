package authstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/globus/action-provider-tools/pkg/authclient"
)

func TestDependentTokenSetIndexesEveryScope(t *testing.T) {
	t.Parallel()

	set := newDependentTokenSet([]authclient.TokenResponse{
		{AccessToken: "a", Scope: "s1 s2"},
		{AccessToken: "b", Scope: "s3"},
		{AccessToken: "ignored"},
	})

	require.Len(t, set, 4)
	require.Equal(t, "a", set["s1 s2"].AccessToken)
	require.Equal(t, "a", set["s1"].AccessToken)
	require.Equal(t, "a", set["s2"].AccessToken)
	require.Equal(t, "b", set["s3"].AccessToken)
}

func TestCredentialCache(t *testing.T) {
	t.Parallel()

	t.Run("forgetDerived keeps the introspection", func(t *testing.T) {
		t.Parallel()

		c := NewCredentialCache(DefaultCacheConfig())
		key := CredentialKey("tok")
		c.storeIntrospection(key, &authclient.Introspection{Active: true})
		c.storeDependentTokenSet(key, DependentTokenSet{})
		c.storeGroupSet(key, []string{})
		c.storeGroupSet(CredentialKey("other"), []string{})

		c.forgetDerived(key)

		_, ok := c.introspection(key)
		require.True(t, ok)
		_, ok = c.dependentTokenSet(key)
		require.False(t, ok)
		_, ok = c.groupSet(key)
		require.False(t, ok)
		_, ok = c.groupSet(CredentialKey("other"))
		require.True(t, ok)
	})

	t.Run("entries expire after their ttl", func(t *testing.T) {
		t.Parallel()

		cfg := DefaultCacheConfig()
		cfg.IntrospectTTL = 20 * time.Millisecond
		c := NewCredentialCache(cfg)
		key := CredentialKey("tok")
		c.storeIntrospection(key, &authclient.Introspection{Active: true})

		_, ok := c.introspection(key)
		require.True(t, ok)

		require.Eventually(t, func() bool {
			_, ok := c.introspection(key)
			return !ok
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("size bounds evict oldest", func(t *testing.T) {
		t.Parallel()

		cfg := DefaultCacheConfig()
		cfg.GroupSize = 2
		c := NewCredentialCache(cfg)
		for _, tok := range []string{"a", "b", "c"} {
			c.storeGroupSet(CredentialKey(tok), []string{tok})
		}

		_, ok := c.groupSet(CredentialKey("a"))
		require.False(t, ok)
		v, ok := c.groupSet(CredentialKey("c"))
		require.True(t, ok)
		require.Equal(t, []string{"c"}, v)
	})
}

func TestCredentialKeyHidesToken(t *testing.T) {
	t.Parallel()

	key := CredentialKey(aliceToken)
	require.NotContains(t, key, aliceToken)
	require.Equal(t, key, CredentialKey(aliceToken))
	require.NotEqual(t, key, CredentialKey(aliceToken+"x"))
}
