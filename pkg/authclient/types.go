package authclient

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Introspection is the identity provider's view of a bearer token.
type Introspection struct {
	Active bool `json:"active"`

	Subject     string   `json:"sub,omitempty"`
	IdentitySet []string `json:"identity_set,omitempty"`
	Scope       string   `json:"scope,omitempty"`

	// Audience may be a single string or a list on the wire.
	Audience jwt.ClaimStrings `json:"aud,omitempty"`

	ExpiresAt int64 `json:"exp,omitempty"`
	NotBefore int64 `json:"nbf,omitempty"`
	IssuedAt  int64 `json:"iat,omitempty"`

	ClientID string `json:"client_id,omitempty"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Issuer   string `json:"iss,omitempty"`

	// DependentTokensCacheID is the provider's hint for caching exchanges.
	// It is informational only; exchanges are cached per credential.
	DependentTokensCacheID string `json:"dependent_tokens_cache_id,omitempty"`
}

// Scopes splits the granted scope string.
func (i *Introspection) Scopes() []string {
	return strings.Fields(i.Scope)
}

// TokenResponse is a single token record returned by the token endpoint.
type TokenResponse struct {
	AccessToken    string `json:"access_token"`
	RefreshToken   string `json:"refresh_token,omitempty"`
	TokenType      string `json:"token_type,omitempty"`
	Scope          string `json:"scope"`
	ResourceServer string `json:"resource_server,omitempty"`

	ExpiresIn        int64 `json:"expires_in,omitempty"`
	ExpiresAtSeconds int64 `json:"expires_at_seconds,omitempty"`
}

// normalize fills in the absolute expiry when only a relative one was sent.
func (t *TokenResponse) normalize(now time.Time) {
	if t.ExpiresAtSeconds == 0 && t.ExpiresIn > 0 {
		t.ExpiresAtSeconds = now.Add(time.Duration(t.ExpiresIn) * time.Second).Unix()
	}
}

// ExpiresAt returns the absolute expiry of the access token, or the zero time
// if the provider sent none.
func (t *TokenResponse) ExpiresAt() time.Time {
	if t.ExpiresAtSeconds == 0 {
		return time.Time{}
	}
	return time.Unix(t.ExpiresAtSeconds, 0)
}

// Scopes splits the scope string of the record.
func (t *TokenResponse) Scopes() []string {
	return strings.Fields(t.Scope)
}
