package httpx

import (
	"context"

	"github.com/globus/action-provider-tools/pkg/authstate"
)

type ctxKey string

const ctxKeyAuthState ctxKey = "auth_state"

// WithAuthState attaches s to ctx.
func WithAuthState(ctx context.Context, s *authstate.AuthState) context.Context {
	return context.WithValue(ctx, ctxKeyAuthState, s)
}

// AuthStateFromContext returns the AuthState attached by AuthnMiddleware.
func AuthStateFromContext(ctx context.Context) (*authstate.AuthState, bool) {
	s, ok := ctx.Value(ctxKeyAuthState).(*authstate.AuthState)
	return s, ok && s != nil
}
