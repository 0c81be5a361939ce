// Package groupsclient lists the caller's group memberships from the Groups
// service using a delegated access token.
package groupsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/globus/action-provider-tools/pkg/httpx/retry"
)

// MyGroupsPath lists groups the token's identity belongs to.
const MyGroupsPath = "/v2/groups/my_groups"

// ErrUnavailable marks transport errors and 5xx responses.
var ErrUnavailable = errors.New("groups service unavailable")

// Roles that count as membership. Invited or pending memberships do not.
var acceptedRoles = map[string]struct{}{
	"member":  {},
	"manager": {},
	"admin":   {},
}

// Group is one entry of the my_groups listing.
type Group struct {
	ID            string       `json:"id"`
	Name          string       `json:"name,omitempty"`
	MyMemberships []Membership `json:"my_memberships,omitempty"`
}

type Membership struct {
	IdentityID string `json:"identity_id,omitempty"`
	Role       string `json:"role"`
	Status     string `json:"status,omitempty"`
}

// IsMember reports whether any of the caller's memberships is in an accepted
// role.
func (g Group) IsMember() bool {
	for _, m := range g.MyMemberships {
		if _, ok := acceptedRoles[m.Role]; ok {
			return true
		}
	}
	return false
}

// StatusError is a non-200 response from the Groups service.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("groups service returned HTTP %d", e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode >= http.StatusInternalServerError {
		return ErrUnavailable
	}
	return nil
}

// Client calls the Groups service.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New returns a client with a 30 second timeout and one retry.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: retry.NewClient(retry.DefaultTimeout, retry.Config{MaxRetries: retry.DefaultMaxRetries}),
	}
}

// MyGroups returns the ids of the groups the token's identity is an accepted
// member of.
func (c *Client) MyGroups(ctx context.Context, accessToken string) ([]string, error) {
	groups, err := c.ListMyGroups(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		if g.IsMember() {
			ids = append(ids, g.ID)
		}
	}
	return ids, nil
}

// ListMyGroups returns the raw listing, including memberships in roles that do
// not count.
func (c *Client) ListMyGroups(ctx context.Context, accessToken string) ([]Group, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+MyGroupsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	var groups []Group
	if err := json.NewDecoder(resp.Body).Decode(&groups); err != nil {
		return nil, fmt.Errorf("failed to decode groups: %w", err)
	}
	return groups, nil
}
