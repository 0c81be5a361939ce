package authstate

import "strings"

// Special principals understood by CheckAuthorization.
const (
	PrincipalPublic                = "public"
	PrincipalAllAuthenticatedUsers = "all_authenticated_users"
)

const (
	identityURNPrefix = "urn:globus:auth:identity:"
	groupURNPrefix    = "urn:globus:groups:id:"
)

// IdentityPrincipal returns the principal URN for an identity id.
func IdentityPrincipal(id string) string {
	return identityURNPrefix + id
}

// GroupPrincipal returns the principal URN for a group id.
func GroupPrincipal(id string) string {
	return groupURNPrefix + id
}

// IsGroupPrincipal reports whether p names a group.
func IsGroupPrincipal(p string) bool {
	return strings.HasPrefix(p, groupURNPrefix)
}

// IsIdentityPrincipal reports whether p names an identity.
func IsIdentityPrincipal(p string) bool {
	return strings.HasPrefix(p, identityURNPrefix)
}

func containsGroupPrincipal(ps []string) bool {
	for _, p := range ps {
		if IsGroupPrincipal(p) {
			return true
		}
	}
	return false
}
