package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/globus/action-provider-tools/internal/provider/domain"
	"github.com/globus/action-provider-tools/internal/provider/service"
	"github.com/globus/action-provider-tools/internal/provider/store"
	"github.com/globus/action-provider-tools/pkg/authstate"
	"github.com/globus/action-provider-tools/pkg/httpx"
	"github.com/globus/action-provider-tools/pkg/slogx"
)

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	description  domain.ProviderDescription
	buildVersion string
	startTime    time.Time
	logger       *slog.Logger

	store         store.Store
	ActionService *service.ActionService

	// Rate limits for action routes and read routes.
	ActionLimit httpx.RateLimitConfig
	ReadLimit   httpx.RateLimitConfig
}

func NewRouter(
	factory *authstate.Factory,
	description domain.ProviderDescription,
	buildVersion string,
	st store.Store,
	logger *slog.Logger,
) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		Mux:          http.NewServeMux(),
		description:  description,
		buildVersion: buildVersion,
		startTime:    time.Now(),
		store:        st,
		logger:       logger,
		ActionLimit:  httpx.ActionLimit,
		ReadLimit:    httpx.ReadLimit,
	}

	// Request logging runs first so the authn middleware can extend the
	// request logger with the redacted token.
	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
		httpx.AuthnMiddleware(factory),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerDescription()
	r.registerActions()
	r.registerSystem()
}

// ServeHTTP implements http.Handler for Router and applies the global middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) registerDescription() {
	// GET / - public when visible_to says so, no credential required
	r.Mux.Handle("GET /{$}",
		httpx.Chain(DescriptionHandler(r.description),
			httpx.RateLimitByIP(httpx.PublicLimit),
			httpx.RequirePrincipals(r.description.VisibleTo,
				authstate.AllowPublic(),
				authstate.AllowAllAuthenticatedUsers(),
			),
		),
	)
}

func (r *Router) registerActions() {
	h := &ActionsHandler{ActionService: r.ActionService}

	// POST /run - limited per credential, gated by runnable_by
	r.Mux.Handle("POST /run",
		httpx.Chain(http.HandlerFunc(h.HandleRun),
			httpx.RateLimitByCredential(r.ActionLimit),
			httpx.RequireAuthentication(),
			httpx.RequirePrincipals(r.description.RunnableBy, authstate.AllowAllAuthenticatedUsers()),
		),
	)

	// Per-action routes check creator, monitor_by and manage_by in the service.
	read := []httpx.Middleware{
		httpx.RateLimitByCredential(r.ReadLimit),
		httpx.RequireAuthentication(),
	}
	write := []httpx.Middleware{
		httpx.RateLimitByCredential(r.ActionLimit),
		httpx.RequireAuthentication(),
	}

	r.Mux.Handle("GET /{action_id}/status", httpx.Chain(http.HandlerFunc(h.HandleStatus), read...))
	r.Mux.Handle("GET /{action_id}/log", httpx.Chain(http.HandlerFunc(h.HandleLog), read...))
	r.Mux.Handle("POST /{action_id}/cancel", httpx.Chain(http.HandlerFunc(h.HandleCancel), write...))
	r.Mux.Handle("POST /{action_id}/release", httpx.Chain(http.HandlerFunc(h.HandleRelease), write...))
}

func (r *Router) registerSystem() {
	r.Mux.Handle("GET /livez", LivezHandler(r.startTime, r.buildVersion))
	r.Mux.Handle("GET /readyz", ReadyzHandler(r.startTime, r.buildVersion, r.store))
	r.Mux.Handle("GET /metrics", promhttp.Handler())
}
