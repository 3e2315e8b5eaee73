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

	"github.com/aussiebroadwan/relay/internal/relay/gateway"
	httpapi "github.com/aussiebroadwan/relay/internal/relay/http"
	"github.com/aussiebroadwan/relay/internal/relay/metrics"
	"github.com/aussiebroadwan/relay/internal/relay/revocation"
	"github.com/aussiebroadwan/relay/internal/relay/service"
	"github.com/aussiebroadwan/relay/internal/relay/store"
	"github.com/aussiebroadwan/relay/internal/relay/store/drivers/sqlite"
	"github.com/aussiebroadwan/relay/pkg/clock"
	"github.com/aussiebroadwan/relay/pkg/jwtx"
	"github.com/aussiebroadwan/relay/pkg/slogx"
)

// BuildVersion is overridden at build time via -ldflags "-X".
var BuildVersion = "v0.1.0"

// Application wires the token service, the gateway and the HTTP API
// together and owns their lifecycle.
type Application struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Core dependencies
	db          store.Store // nil when the audit log is disabled
	cache       revocation.Cache
	revocations *revocation.Store

	// Services
	tokenService        *service.TokenService
	housekeepingService *service.HousekeepingService
	gateway             *gateway.Gateway

	// HTTP server
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
			Service: "relay",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}
	if cfg.MetricsEnabled {
		app.metrics = metrics.New("relay")
	}

	deps, err := Open(cfg, app.logger, app.metrics)
	if err != nil {
		return nil, err
	}
	app.db = deps.DB
	app.cache = deps.Cache
	app.revocations = deps.Revocations
	app.tokenService = deps.TokenService

	if err := app.initGateway(); err != nil {
		app.closeStores()
		return nil, err
	}
	app.initHousekeeping()
	app.initHTTP()

	return app, nil
}

// Handler exposes the HTTP API, mainly for tests.
func (app *Application) Handler() http.Handler { return app.router }

// Run starts the application and blocks until shutdown is requested
func (app *Application) Run() error {
	app.housekeepingService.Start()
	app.gateway.Start()

	app.logger.Info("relay starting", "port", app.cfg.Port, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = app.Shutdown()
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

// Shutdown closes every WebSocket connection with 1001 before the HTTP server
// stops, then releases the stores. The whole sequence shares one grace
// period.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down relay...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.gateway.Shutdown(ctx); err != nil {
		app.logger.Warn("gateway did not drain in time", "error", err)
	}

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	app.housekeepingService.Stop()

	err := app.closeStores()
	app.logger.Info("relay stopped")
	return err
}

func (app *Application) closeStores() error {
	var errs []error
	if err := app.revocations.Close(); err != nil {
		app.logger.Error("error closing revocation cache", "error", err)
		errs = append(errs, err)
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (app *Application) initGateway() error {
	opts := []gateway.Option{
		gateway.WithLogger(app.logger),
		gateway.WithMetrics(app.metrics),
	}
	if app.cfg.WSAuthMethod == string(gateway.AuthToken) {
		opts = append(opts, gateway.WithAuthenticator(app.tokenService))
	}

	gw, err := gateway.New(app.cfg.GatewayConfig(), opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}
	app.gateway = gw
	return nil
}

func (app *Application) initHousekeeping() {
	var audit store.Revocations
	if app.db != nil {
		audit = app.db.Revocations()
	}
	var cleaner service.Cleaner
	if mem, ok := app.cache.(*revocation.MemoryCache); ok {
		cleaner = mem
	}

	app.housekeepingService = service.NewHousekeepingService(
		audit,
		cleaner,
		app.logger,
		app.cfg.HousekeepingInterval,
	)
}

// initHTTP initializes the HTTP router and server
func (app *Application) initHTTP() {
	router := httpapi.NewRouter(BuildVersion, app.logger, app.metrics)

	router.TokenService = app.tokenService
	router.Gateway = app.gateway
	router.Revocations = app.revocations
	router.Store = app.db
	router.IssuerKey = app.cfg.IssuerKey
	router.ApplyRoutes()

	app.router = router

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// Deps are the stores and the token service, built without the HTTP
// surface. The CLI uses them directly.
type Deps struct {
	DB           store.Store
	Cache        revocation.Cache
	Revocations  *revocation.Store
	TokenService *service.TokenService
}

// Close releases the cache and the database.
func (d *Deps) Close() error {
	var errs []error
	if d.Revocations != nil {
		errs = append(errs, d.Revocations.Close())
	}
	if d.DB != nil {
		errs = append(errs, d.DB.Close())
	}
	return errors.Join(errs...)
}

// Open builds the token service and the stores behind it. m may be nil.
func Open(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Deps, error) {
	secrets, persistent, err := cfg.Secrets()
	if err != nil {
		return nil, fmt.Errorf("failed to load JWT secrets: %w", err)
	}
	if !persistent {
		logger.Warn("no JWT secrets configured, using ephemeral secrets; tokens will not survive a restart")
	}

	deps := &Deps{}

	if cfg.AuditDatabaseFile != "" {
		db, err := OpenAuditLog(cfg)
		if err != nil {
			return nil, err
		}
		deps.DB = db
		logger.Info("audit log ready", "file", cfg.AuditDatabaseFile)
	}

	clk := clock.Real()
	switch cfg.RevocationBackend {
	case BackendRedis:
		cache, err := revocation.DialRedis(cfg.RedisURL)
		if err != nil {
			_ = deps.Close()
			return nil, err
		}
		deps.Cache = cache
	case BackendMemory:
		deps.Cache = revocation.NewMemoryCache(clk)
		logger.Warn("revocations are held in memory and are not shared between instances")
	default:
		logger.Warn("revocation disabled, logged out tokens stay valid until they expire")
	}

	deps.Revocations = revocation.New(deps.Cache,
		revocation.WithClock(clk),
		revocation.WithLogger(logger),
		revocation.WithMetrics(m),
	)

	deps.TokenService = &service.TokenService{
		Codec:       jwtx.NewCodec(clk),
		Secrets:     secrets,
		Revocations: deps.Revocations,
		Clock:       clk,
		Issuer:      cfg.Issuer,
		Audience:    cfg.Audience,
		AccessTTL:   cfg.AccessTTL,
		RefreshTTL:  cfg.RefreshTTL,
		Policy:      service.RevocationPolicy(cfg.RevocationPolicy),
		Metrics:     m,
	}
	if deps.DB != nil {
		deps.TokenService.Audit = deps.DB.Revocations()
	}

	return deps, nil
}

// OpenAuditLog opens the SQLite audit log and brings its schema up to date.
func OpenAuditLog(cfg Config) (store.Store, error) {
	db, err := sqlite.NewStore(sqlite.FileDSN(cfg.AuditDatabaseFile))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	return db, nil
}
