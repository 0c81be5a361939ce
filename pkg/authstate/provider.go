package authstate

import (
	"context"
	"errors"

	"github.com/globus/action-provider-tools/pkg/authclient"
	"github.com/globus/action-provider-tools/pkg/groupsclient"
)

// CredentialRefresher renews an access token from a refresh token.
type CredentialRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*authclient.TokenResponse, error)
}

// IdentityProvider is the identity provider as seen by this package.
// *authclient.Client implements it.
type IdentityProvider interface {
	CredentialRefresher
	Introspect(ctx context.Context, token string) (*authclient.Introspection, error)
	DependentTokens(ctx context.Context, token string) ([]authclient.TokenResponse, error)
}

// GroupLister lists the group ids an access token's identity belongs to.
// *groupsclient.Client implements it.
type GroupLister interface {
	MyGroups(ctx context.Context, accessToken string) ([]string, error)
}

var (
	_ IdentityProvider = (*authclient.Client)(nil)
	_ GroupLister      = (*groupsclient.Client)(nil)
)

// upstreamError classifies a client error. Failures that are the remote
// service's fault become *UpstreamUnavailableError.
func upstreamError(service string, err error) error {
	if errors.Is(err, authclient.ErrUnavailable) ||
		errors.Is(err, groupsclient.ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) {
		return &UpstreamUnavailableError{Service: service, Err: err}
	}
	return err
}
