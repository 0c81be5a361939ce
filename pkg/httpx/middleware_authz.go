package httpx

import (
	"net/http"

	"github.com/globus/action-provider-tools/pkg/authstate"
	"github.com/globus/action-provider-tools/pkg/slogx"
)

// RequirePrincipals lets the request through only if the caller matches one
// of allowed. It must run after AuthnMiddleware.
func RequirePrincipals(allowed []string, opts ...authstate.CheckOption) Middleware {
	return RequirePrincipalsFunc(func(*http.Request) []string { return allowed }, opts...)
}

// RequirePrincipalsFunc is RequirePrincipals with an allow-list computed per
// request, for resources that carry their own access lists.
func RequirePrincipalsFunc(allowed func(*http.Request) []string, opts ...authstate.CheckOption) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			state, ok := AuthStateFromContext(ctx)
			if !ok {
				WriteAuthError(w, r, authstate.ErrMissingCredential)
				return
			}

			ok, err := state.CheckAuthorization(ctx, allowed(r), opts...)
			if err != nil {
				WriteAuthError(w, r, err)
				return
			}
			if !ok {
				slogx.FromContext(ctx).Info("request denied", "path", r.URL.Path)
				WriteError(w, http.StatusForbidden, "forbidden", "caller is not permitted to perform this operation")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
