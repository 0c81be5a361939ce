package authstate

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// refreshSkew renews refreshable tokens slightly before they expire.
const refreshSkew = 30 * time.Second

// Authorizer supplies an access token for calls to a downstream service.
// Authorizers are built per use and never cached, so expiry is evaluated when
// the token is needed.
type Authorizer interface {
	AccessToken(ctx context.Context) (string, error)
	ExpiresAt() time.Time
}

// SetAuthorizationHeader sets a bearer Authorization header from a.
func SetAuthorizationHeader(ctx context.Context, a Authorizer, req *http.Request) error {
	token, err := a.AccessToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// AccessTokenAuthorizer wraps a bare access token with a fixed validity
// window.
type AccessTokenAuthorizer struct {
	token     string
	expiresAt time.Time
	now       func() time.Time
}

// NewAccessTokenAuthorizer returns an authorizer that is valid until
// expiresAt. A zero expiresAt never expires.
func NewAccessTokenAuthorizer(token string, expiresAt time.Time) *AccessTokenAuthorizer {
	return &AccessTokenAuthorizer{token: token, expiresAt: expiresAt, now: time.Now}
}

func (a *AccessTokenAuthorizer) AccessToken(context.Context) (string, error) {
	if !a.expiresAt.IsZero() && !a.now().Before(a.expiresAt) {
		return "", ErrAuthorizerExpired
	}
	return a.token, nil
}

func (a *AccessTokenAuthorizer) ExpiresAt() time.Time { return a.expiresAt }

// RefreshTokenAuthorizer renews its access token through a
// CredentialRefresher once it is about to expire.
type RefreshTokenAuthorizer struct {
	refresher CredentialRefresher
	now       func() time.Time

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

func NewRefreshTokenAuthorizer(refresher CredentialRefresher, refreshToken, accessToken string, expiresAt time.Time) *RefreshTokenAuthorizer {
	return &RefreshTokenAuthorizer{
		refresher:    refresher,
		now:          time.Now,
		accessToken:  accessToken,
		refreshToken: refreshToken,
		expiresAt:    expiresAt,
	}
}

func (a *RefreshTokenAuthorizer) valid() bool {
	return a.accessToken != "" && (a.expiresAt.IsZero() || a.now().Add(refreshSkew).Before(a.expiresAt))
}

func (a *RefreshTokenAuthorizer) AccessToken(ctx context.Context) (string, error) {
	a.mu.RLock()
	if a.valid() {
		token := a.accessToken
		a.mu.RUnlock()
		return token, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if a.valid() {
		return a.accessToken, nil
	}

	resp, err := a.refresher.Refresh(ctx, a.refreshToken)
	observeUpstream("refresh", err)
	if err != nil {
		return "", fmt.Errorf("authstate: refresh access token: %w", upstreamError(ServiceAuth, err))
	}

	a.accessToken = resp.AccessToken
	a.expiresAt = resp.ExpiresAt()
	if resp.RefreshToken != "" {
		a.refreshToken = resp.RefreshToken
	}
	return a.accessToken, nil
}

func (a *RefreshTokenAuthorizer) ExpiresAt() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.expiresAt
}
