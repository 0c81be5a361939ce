package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/globus/action-provider-tools/internal/provider/domain"
	httpapi "github.com/globus/action-provider-tools/internal/provider/http"
	"github.com/globus/action-provider-tools/internal/provider/service"
	"github.com/globus/action-provider-tools/internal/provider/store"
	"github.com/globus/action-provider-tools/internal/provider/store/drivers/sqlite"
	"github.com/globus/action-provider-tools/pkg/authclient"
	"github.com/globus/action-provider-tools/pkg/authstate"
	"github.com/globus/action-provider-tools/pkg/groupsclient"
	"github.com/globus/action-provider-tools/pkg/httpx/retry"
	"github.com/globus/action-provider-tools/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application is the example action provider with all its dependencies.
type Application struct {
	cfg    Config
	logger *slog.Logger

	db      store.Store
	factory *authstate.Factory

	actionService       *service.ActionService
	housekeepingService *service.HousekeepingService

	server *http.Server
	router *httpapi.Router
}

// New creates a new Application instance with all dependencies initialized
func New(cfg Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "action-provider",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	factory, err := newFactory(cfg, app.logger)
	if err != nil {
		return nil, err
	}
	app.factory = factory

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	app.initServices()
	app.initHTTP()

	return app, nil
}

// Handler returns the fully wired HTTP handler.
func (app *Application) Handler() http.Handler { return app.router }

// Run starts the application and blocks until shutdown is requested
func (app *Application) Run() error {
	app.housekeepingService.Start()

	app.logger.Info("action provider starting", "port", app.cfg.Port, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)

		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down action provider...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	app.housekeepingService.Stop()

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("action provider stopped")
	return nil
}

// Close releases the database without touching the HTTP server.
func (app *Application) Close() error { return app.db.Close() }

// newFactory builds the token checker: identity provider and Groups clients
// sharing one retry policy, and a credential cache sized from cfg.
func newFactory(cfg Config, logger *slog.Logger) (*authstate.Factory, error) {
	hc := retry.NewClient(cfg.HTTPTimeout, retry.Config{
		MaxRetries:      cfg.HTTPMaxRetries,
		InitialInterval: cfg.HTTPRetryBackoff,
	})

	groups := groupsclient.New(cfg.GroupsURL)
	groups.HTTPClient = hc

	factory, err := authstate.NewFactory(authstate.FactoryConfig{
		Provider:       authclient.New(cfg.AuthURL, cfg.ClientID, cfg.ClientSecret, authclient.WithHTTPClient(hc)),
		Groups:         groups,
		Cache:          authstate.NewCredentialCache(cfg.CacheConfig()),
		ExpectedScopes: cfg.ExpectedScopes,
		Policy: authstate.VerifyPolicy{
			ExpectedAudience: cfg.ExpectedAudience,
			CheckTimes:       cfg.CheckTokenTimes,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token checker: %w", err)
	}
	return factory, nil
}

// initDatabase initializes the database and applies migrations
func (app *Application) initDatabase() error {
	db, err := sqlite.NewStore(sqlite.DSN(app.cfg.DatabaseFile))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully")
	return nil
}

func (app *Application) initServices() {
	app.actionService = &service.ActionService{
		Store:          app.db,
		ProcessingTime: app.cfg.ProcessingTime,
	}

	app.housekeepingService = service.NewHousekeepingService(
		app.db,
		app.logger,
		app.cfg.HousekeepingInterval,
	)
}

func (app *Application) description() domain.ProviderDescription {
	return domain.ProviderDescription{
		APIVersion:      "1.0",
		Title:           "What Time Is It Right Now?",
		Subtitle:        "Reports the current time at a UTC offset",
		Keywords:        []string{"time", "example"},
		GlobusAuthScope: app.cfg.ExpectedScopes[0],
		AdminContact:    app.cfg.AdminContact,
		Synchronous:     false,
		LogSupported:    true,
		VisibleTo:       app.cfg.VisibleTo,
		RunnableBy:      app.cfg.RunnableBy,
		AdministeredBy:  []string{app.cfg.AdminContact},
		InputSchema:     service.InputSchema(),
	}
}

// initHTTP initializes the HTTP router and server
func (app *Application) initHTTP() {
	router := httpapi.NewRouter(
		app.factory,
		app.description(),
		BuildVersion,
		app.db,
		app.logger,
	)
	router.ActionService = app.actionService
	router.ApplyRoutes()

	app.router = router

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
}
