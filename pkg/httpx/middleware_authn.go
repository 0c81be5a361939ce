package httpx

import (
	"log/slog"
	"net/http"

	"github.com/globus/action-provider-tools/pkg/authstate"
	"github.com/globus/action-provider-tools/pkg/slogx"
)

// AuthnMiddleware builds an AuthState for every request and attaches it to
// the request context. It does not talk to the identity provider; requests
// without a credential pass through so that public routes keep working.
// Only a malformed Authorization header is rejected here.
func AuthnMiddleware(f *authstate.Factory) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state, err := f.FromRequest(r)
			if err != nil {
				WriteAuthError(w, r, err)
				return
			}

			ctx := r.Context()
			if state.HasCredential() {
				ctx = slogx.With(ctx, slog.String("token", state.SanitizedToken()))
			}
			next.ServeHTTP(w, r.WithContext(WithAuthState(ctx, state)))
		})
	}
}

// RequireAuthentication rejects requests whose credential is missing or
// fails verification. It must run after AuthnMiddleware.
func RequireAuthentication() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state, ok := AuthStateFromContext(r.Context())
			if !ok {
				WriteAuthError(w, r, authstate.ErrMissingCredential)
				return
			}
			if _, err := state.Introspect(r.Context()); err != nil {
				WriteAuthError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
