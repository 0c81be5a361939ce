package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/globus/action-provider-tools/pkg/httpx/retry"
)

// Endpoint paths relative to BaseURL.
const (
	IntrospectPath = "/v2/oauth2/token/introspect"
	TokenPath      = "/v2/oauth2/token"
)

// DependentTokenGrant is the grant type for the dependent token exchange.
const DependentTokenGrant = "urn:globus:auth:grant_type:dependent_token"

// Client is a confidential client of the identity provider.
type Client struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default retrying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// New returns a client using a 30 second timeout and a single retry on
// transient failures.
func New(baseURL, clientID, clientSecret string, opts ...Option) *Client {
	c := &Client{
		BaseURL:      strings.TrimSuffix(baseURL, "/"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		HTTPClient:   retry.NewClient(retry.DefaultTimeout, retry.Config{MaxRetries: retry.DefaultMaxRetries}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Introspect asks the identity provider about token. An inactive token is not
// an error; callers must check Introspection.Active.
func (c *Client) Introspect(ctx context.Context, token string) (*Introspection, error) {
	var out Introspection
	err := c.postForm(ctx, IntrospectPath, url.Values{
		"token":   {token},
		"include": {"identity_set"},
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("introspect: %w", err)
	}
	return &out, nil
}

// DependentTokens exchanges token for tokens usable against the resource
// servers the client depends on. Offline access is requested so that the
// returned records carry refresh tokens where the provider allows it.
func (c *Client) DependentTokens(ctx context.Context, token string) ([]TokenResponse, error) {
	var out []TokenResponse
	err := c.postForm(ctx, TokenPath, url.Values{
		"grant_type":  {DependentTokenGrant},
		"token":       {token},
		"access_type": {"offline"},
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("dependent token exchange: %w", err)
	}

	now := time.Now()
	for i := range out {
		out[i].normalize(now)
	}
	return out, nil
}

// Refresh redeems a refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	var out TokenResponse
	err := c.postForm(ctx, TokenPath, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	out.normalize(time.Now())
	return &out, nil
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.ClientID, c.ClientSecret)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return decodeJSON(resp, target)
}

// decodeJSON reads the body once and either decodes it into target or turns
// it into an *APIError.
func decodeJSON(resp *http.Response, target any) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("%w: failed to read response body: %w", ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

const maxBodySize = 1 << 20
