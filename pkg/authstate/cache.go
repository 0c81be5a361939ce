package authstate

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/globus/action-provider-tools/pkg/authclient"
	"github.com/globus/action-provider-tools/pkg/cryptox"
)

// CacheConfig sizes the three credential caches. A size of zero means
// unbounded and a TTL of zero means entries never expire.
type CacheConfig struct {
	IntrospectTTL  time.Duration
	IntrospectSize int

	// DependentTokenTTL stays just under the ~48h lifetime of the tokens the
	// exchange returns.
	DependentTokenTTL  time.Duration
	DependentTokenSize int

	GroupTTL  time.Duration
	GroupSize int
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		IntrospectTTL:      30 * time.Second,
		IntrospectSize:     100,
		DependentTokenTTL:  47 * time.Hour,
		DependentTokenSize: 100,
		GroupTTL:           5 * time.Minute,
		GroupSize:          100,
	}
}

// DependentTokenSet maps each scope to the token record that carries it.
type DependentTokenSet map[string]authclient.TokenResponse

func newDependentTokenSet(records []authclient.TokenResponse) DependentTokenSet {
	set := make(DependentTokenSet, len(records))
	for _, rec := range records {
		if rec.Scope != "" {
			set[rec.Scope] = rec
		}
		for _, s := range rec.Scopes() {
			set[s] = rec
		}
	}
	return set
}

// CredentialCache holds introspection results, dependent token sets and group
// principal sets, each keyed by CredentialKey. It is safe for concurrent use
// and meant to be shared by every AuthState in the process.
type CredentialCache struct {
	introspections  *expirable.LRU[string, *authclient.Introspection]
	dependentTokens *expirable.LRU[string, DependentTokenSet]
	groups          *expirable.LRU[string, []string]
}

func NewCredentialCache(cfg CacheConfig) *CredentialCache {
	return &CredentialCache{
		introspections:  expirable.NewLRU[string, *authclient.Introspection](cfg.IntrospectSize, nil, cfg.IntrospectTTL),
		dependentTokens: expirable.NewLRU[string, DependentTokenSet](cfg.DependentTokenSize, nil, cfg.DependentTokenTTL),
		groups:          expirable.NewLRU[string, []string](cfg.GroupSize, nil, cfg.GroupTTL),
	}
}

// CredentialKey is the cache key for a bearer credential.
func CredentialKey(token string) string {
	return cryptox.FingerprintToken(token)
}

func (c *CredentialCache) introspection(key string) (*authclient.Introspection, bool) {
	v, ok := c.introspections.Get(key)
	observeCache("introspect", ok)
	return v, ok
}

func (c *CredentialCache) storeIntrospection(key string, v *authclient.Introspection) {
	c.introspections.Add(key, v)
}

func (c *CredentialCache) dependentTokenSet(key string) (DependentTokenSet, bool) {
	v, ok := c.dependentTokens.Get(key)
	observeCache("dependent_tokens", ok)
	return v, ok
}

func (c *CredentialCache) storeDependentTokenSet(key string, v DependentTokenSet) {
	c.dependentTokens.Add(key, v)
}

func (c *CredentialCache) evictDependentTokenSet(key string) {
	c.dependentTokens.Remove(key)
}

func (c *CredentialCache) groupSet(key string) ([]string, bool) {
	v, ok := c.groups.Get(key)
	observeCache("groups", ok)
	return v, ok
}

func (c *CredentialCache) storeGroupSet(key string, v []string) {
	c.groups.Add(key, v)
}

// forgetDerived drops the dependent tokens and groups fetched for key. The
// introspection result stays cached.
func (c *CredentialCache) forgetDerived(key string) {
	c.dependentTokens.Remove(key)
	c.groups.Remove(key)
}
