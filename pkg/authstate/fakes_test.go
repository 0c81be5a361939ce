package authstate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/globus/action-provider-tools/pkg/authclient"
)

const (
	aliceToken    = "alice-bearer-token-0123456789"
	aliceID       = "ae341a98-b4a9-4f3c-a4c6-6f1e3d1d0001"
	aliceLinked   = "ae341a98-b4a9-4f3c-a4c6-6f1e3d1d0002"
	serviceScope  = "https://auth.example.org/scopes/svc/all"
	transferScope = "urn:globus:auth:scope:transfer.api.globus.org:all"
)

type fakeProvider struct {
	mu             sync.Mutex
	introspections map[string]authclient.Introspection
	dependent      map[string][]authclient.TokenResponse
	refreshed      map[string]authclient.TokenResponse
	introspectErr  error
	dependentErr   error
	refreshErr     error

	// release, when set, blocks Introspect until closed.
	release chan struct{}

	introspectCalls atomic.Int32
	dependentCalls  atomic.Int32
	refreshCalls    atomic.Int32
}

func newFakeProvider() *fakeProvider {
	now := time.Now()
	return &fakeProvider{
		introspections: map[string]authclient.Introspection{
			aliceToken: {
				Active:      true,
				Subject:     aliceID,
				IdentitySet: []string{aliceID, aliceLinked},
				Scope:       serviceScope,
				Audience:    []string{"svc"},
				ExpiresAt:   now.Add(time.Hour).Unix(),
				IssuedAt:    now.Unix(),
			},
		},
		dependent: map[string][]authclient.TokenResponse{
			aliceToken: {
				{
					AccessToken:      "alice-groups-at",
					Scope:            GroupsScope,
					ExpiresAtSeconds: now.Add(48 * time.Hour).Unix(),
				},
				{
					AccessToken:      "alice-transfer-at",
					RefreshToken:     "alice-transfer-rt",
					Scope:            transferScope,
					ExpiresAtSeconds: now.Add(48 * time.Hour).Unix(),
				},
			},
		},
		refreshed: map[string]authclient.TokenResponse{},
	}
}

func (p *fakeProvider) Introspect(_ context.Context, token string) (*authclient.Introspection, error) {
	p.introspectCalls.Add(1)
	if p.release != nil {
		<-p.release
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.introspectErr != nil {
		return nil, p.introspectErr
	}
	res, ok := p.introspections[token]
	if !ok {
		return &authclient.Introspection{Active: false}, nil
	}
	return &res, nil
}

func (p *fakeProvider) DependentTokens(_ context.Context, token string) ([]authclient.TokenResponse, error) {
	p.dependentCalls.Add(1)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dependentErr != nil {
		return nil, p.dependentErr
	}
	return append([]authclient.TokenResponse(nil), p.dependent[token]...), nil
}

func (p *fakeProvider) Refresh(_ context.Context, refreshToken string) (*authclient.TokenResponse, error) {
	p.refreshCalls.Add(1)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	res, ok := p.refreshed[refreshToken]
	if !ok {
		return nil, &authclient.APIError{StatusCode: 400, Code: "invalid_grant"}
	}
	return &res, nil
}

func (p *fakeProvider) set(fn func(p *fakeProvider)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

type fakeLister struct {
	mu     sync.Mutex
	groups map[string][]string
	err    error
	calls  atomic.Int32
}

func newFakeLister() *fakeLister {
	return &fakeLister{groups: map[string][]string{
		"alice-groups-at": {"g-admins", "g-readers"},
	}}
}

func (l *fakeLister) MyGroups(_ context.Context, accessToken string) ([]string, error) {
	l.calls.Add(1)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	return append([]string(nil), l.groups[accessToken]...), nil
}

func (l *fakeLister) setErr(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

type fixture struct {
	provider *fakeProvider
	lister   *fakeLister
	factory  *Factory
}

func newFixture(t *testing.T, mutate ...func(*FactoryConfig)) *fixture {
	t.Helper()
	f := &fixture{provider: newFakeProvider(), lister: newFakeLister()}
	cfg := FactoryConfig{
		Provider:       f.provider,
		Groups:         f.lister,
		Cache:          NewCredentialCache(DefaultCacheConfig()),
		ExpectedScopes: []string{serviceScope},
	}
	for _, m := range mutate {
		m(&cfg)
	}

	factory, err := NewFactory(cfg)
	require.NoError(t, err)
	f.factory = factory
	return f
}
