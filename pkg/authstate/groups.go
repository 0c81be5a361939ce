package authstate

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/singleflight"

	"github.com/globus/action-provider-tools/pkg/slogx"
)

// GroupsScope is the scope a dependent token needs to list group
// memberships.
const GroupsScope = "urn:globus:auth:scope:groups.api.globus.org:view_my_groups_and_memberships"

// GroupResolver maps a credential to the group principals of its identity.
type GroupResolver struct {
	selector *AuthorizerSelector
	lister   GroupLister
	cache    *CredentialCache
	scope    string

	flight singleflight.Group
}

// NewGroupResolver returns a resolver. A nil lister disables group
// resolution; an empty scope uses GroupsScope.
func NewGroupResolver(selector *AuthorizerSelector, lister GroupLister, cache *CredentialCache, scope string) *GroupResolver {
	if scope == "" {
		scope = GroupsScope
	}
	return &GroupResolver{selector: selector, lister: lister, cache: cache, scope: scope}
}

// Groups returns the group principal URNs for token.
//
// It never fails: on any error it returns an empty set together with the
// error that caused the degradation, which callers should record. Successful
// results, including empty ones, are cached; failures are not.
func (g *GroupResolver) Groups(ctx context.Context, token string) ([]string, error) {
	if g.lister == nil {
		return g.degrade(ctx, token, ErrGroupsDisabled)
	}
	if token == "" {
		return g.degrade(ctx, token, ErrMissingCredential)
	}

	key := CredentialKey(token)
	if set, ok := g.cache.groupSet(key); ok {
		return slices.Clone(set), nil
	}

	ch := g.flight.DoChan(key, func() (any, error) {
		return g.resolve(context.WithoutCancel(ctx), key, token)
	})

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case r := <-ch:
		if r.Err == nil {
			return slices.Clone(r.Val.([]string)), nil
		}
		err = r.Err
	}
	return g.degrade(ctx, token, err)
}

func (g *GroupResolver) degrade(ctx context.Context, token string, err error) ([]string, error) {
	groupResolutionDegraded.WithLabelValues(degradedReason(err)).Inc()
	slogx.FromContext(ctx).Warn("group resolution degraded to empty set",
		slogx.Token(token),
		"error", err,
	)
	return []string{}, err
}

func (g *GroupResolver) resolve(ctx context.Context, key, token string) ([]string, error) {
	authorizer, err := g.selector.GetAuthorizer(ctx, token, g.scope)
	if err != nil {
		return nil, err
	}
	accessToken, err := authorizer.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	ids, err := g.lister.MyGroups(ctx, accessToken)
	observeUpstream("list_groups", err)
	if err != nil {
		return nil, fmt.Errorf("authstate: list groups: %w", upstreamError(ServiceGroups, err))
	}

	principals := make([]string, 0, len(ids))
	for _, id := range ids {
		principals = append(principals, GroupPrincipal(id))
	}
	g.cache.storeGroupSet(key, principals)
	return principals, nil
}

func degradedReason(err error) string {
	var (
		unsatisfiable *UnsatisfiableScopeError
		unavailable   *UpstreamUnavailableError
	)
	switch {
	case errors.Is(err, ErrGroupsDisabled):
		return "disabled"
	case errors.Is(err, ErrMissingCredential):
		return "no_credential"
	case errors.As(err, &unsatisfiable):
		return "unsatisfiable_scope"
	case errors.As(err, &unavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
