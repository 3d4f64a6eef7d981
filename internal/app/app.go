// Package app assembles the service from configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"

	"execution-insight/backend/internal/analytics"
	"execution-insight/backend/internal/api"
	"execution-insight/backend/internal/auth"
	"execution-insight/backend/internal/config"
	"execution-insight/backend/internal/contextstore"
	"execution-insight/backend/internal/embedding"
	"execution-insight/backend/internal/feedback"
	"execution-insight/backend/internal/health"
	"execution-insight/backend/internal/impact"
	"execution-insight/backend/internal/ingest"
	"execution-insight/backend/internal/logging"
	"execution-insight/backend/internal/mcp"
	"execution-insight/backend/internal/notify"
	"execution-insight/backend/internal/repository"
	"execution-insight/backend/internal/similarity"
	"execution-insight/backend/internal/threadstate"
	"execution-insight/backend/internal/tls"
)

const serviceName = "execution-insight"

// App holds every component of a running service.
type App struct {
	cfg     *config.Config
	version string
	clock   clock.Clock
	logger  *logging.Logger

	pool      *pgxpool.Pool
	Store     repository.Store
	Blobs     repository.BlobStore
	Publisher notify.Publisher

	Contexts   *contextstore.Store
	Ingestor   *ingest.Ingestor
	Embedder   *embedding.Client
	Similarity *similarity.Engine
	Indexer    *similarity.Indexer
	Feedback   *feedback.Aggregator
	Impact     *impact.Analyzer
	Analytics  *analytics.Aggregator
	Health     *health.Monitor

	auth *auth.Auth
	echo *echo.Echo
}

// Option customises New.
type Option func(*App)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clk clock.Clock) Option {
	return func(a *App) { a.clock = clk }
}

// New builds the service. On error every resource opened so far is closed.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger, version string, opts ...Option) (_ *App, err error) {
	a := &App{cfg: cfg, version: version, clock: clock.New(), logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openStorage(ctx); err != nil {
		return nil, err
	}
	if err := a.openPublisher(ctx); err != nil {
		return nil, err
	}
	a.buildComponents()

	a.auth, err = auth.New(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}
	a.echo = a.buildRouter()
	return a, nil
}

// OpenStore opens the record store selected by cfg.Storage.Driver. The pool
// is nil for the in-memory driver.
func OpenStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (repository.Store, *pgxpool.Pool, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return repository.NewMemoryStore(), nil, nil
	case "postgres":
		if cfg.DB.ApplyMigrations {
			if err := repository.Migrate(cfg.DB.DSN()); err != nil {
				return nil, nil, err
			}
			logger.Info("database migrations applied")
		}
		pool, err := repository.OpenPool(ctx, cfg.DB.DSN(), cfg.DB.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("database connected", "host", cfg.DB.Host, "name", cfg.DB.Name)
		return repository.NewPostgresStore(pool), pool, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// OpenBlobStore opens the context blob backend. The postgres driver needs
// the pool of the postgres record store.
func OpenBlobStore(cfg config.ContextStoreConfig, pool *pgxpool.Pool) (repository.BlobStore, error) {
	switch cfg.Driver {
	case "", "memory":
		return repository.NewMemoryBlobStore(), nil
	case "bbolt":
		return repository.NewBoltBlobStore(cfg.Path)
	case "postgres":
		if pool == nil {
			return nil, errors.New("context_store.driver postgres requires storage.driver postgres")
		}
		return repository.NewPostgresBlobStore(pool), nil
	default:
		return nil, fmt.Errorf("unknown context store driver %q", cfg.Driver)
	}
}

func (a *App) openStorage(ctx context.Context) error {
	store, pool, err := OpenStore(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	a.Store, a.pool = store, pool
	a.Blobs, err = OpenBlobStore(a.cfg.ContextStore, pool)
	return err
}

func (a *App) openPublisher(ctx context.Context) error {
	if !a.cfg.Redis.Enable {
		a.Publisher = notify.Noop{}
		return nil
	}
	pub, err := notify.DialRedis(ctx, a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB, notify.RedisOptions{
		Stream:  a.cfg.Redis.Stream,
		MaxLen:  a.cfg.Redis.MaxLen,
		Timeout: a.cfg.Redis.PublishTimeout,
	})
	if err != nil {
		return err
	}
	a.logger.Info("notification stream connected", "addr", a.cfg.Redis.Addr, "stream", a.cfg.Redis.Stream)
	a.Publisher = pub
	return nil
}

func (a *App) buildComponents() {
	cfg, clk, logger := a.cfg, a.clock, a.logger

	a.Contexts = contextstore.New(a.Blobs, contextstore.Options{
		MaxBytes:   cfg.ContextStore.MaxBlobBytes,
		Retention:  cfg.ContextStore.Retention,
		References: a.Store,
		Clock:      clk,
		Logger:     logger.With("component", "context_store"),
	})

	fbOpts := feedback.OptionsFromConfig(cfg.Feedback)
	fbOpts.Clock = clk
	fbOpts.Logger = logger.With("component", "feedback")
	a.Feedback = feedback.NewAggregator(a.Store, a.Store, fbOpts)

	a.Embedder = embedding.NewClient(cfg.Embedding, clk, logger.With("component", "embedding"))
	simOpts := similarity.OptionsFromConfig(cfg.Similarity)
	simOpts.Clock = clk
	simOpts.Logger = logger.With("component", "similarity")
	a.Similarity = similarity.NewEngine(similarity.Deps{
		Threads:    a.Store,
		Signatures: a.Store,
		Records:    a.Store,
		Contexts:   a.Contexts,
		Provider:   a.Embedder,
		Feedback:   a.Feedback,
		Purge:      a.Embedder.Purge,
	}, simOpts)
	a.Indexer = similarity.NewIndexer(a.Similarity, cfg.Ingest.CompletionBuffer, cfg.Similarity.BackfillInterval)

	machine := threadstate.NewMachine(a.Store, clk, logger.With("component", "threadstate"))
	ingOpts := ingest.OptionsFromConfig(cfg.Ingest)
	ingOpts.Publisher = a.Publisher
	ingOpts.Completions = a.Indexer
	ingOpts.Clock = clk
	ingOpts.Logger = logger.With("component", "ingest")
	a.Ingestor = ingest.New(machine, a.Store, a.Contexts, ingOpts)

	impOpts := impact.OptionsFromConfig(cfg.Impact)
	impOpts.Clock = clk
	impOpts.Logger = logger.With("component", "impact")
	a.Impact = impact.NewAnalyzer(a.Store, a.Store, a.Similarity, a.Feedback, impOpts)

	a.Analytics = analytics.NewAggregator(a.Store, clk)

	checks := []health.Check{
		{Name: "store", Critical: true, Probe: health.Pinger(a.Store)},
		{Name: "context_store", Critical: true, Probe: health.Pinger(a.Contexts)},
		{Name: "embedding", Probe: health.Pinger(a.Embedder)},
	}
	if p, ok := a.Publisher.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, health.Check{Name: "notifications", Probe: health.Pinger(p)})
	}
	a.Health = health.NewMonitor(checks, health.Options{
		Service: serviceName,
		Version: a.version,
		Clock:   clk,
		Logger:  logger.With("component", "health"),
	})
}

func (a *App) buildRouter() *echo.Echo {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = api.ErrorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			args := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				args = append(args, logging.ErrorKey, v.Error)
			}
			logger.Debug("request", args...)
			return nil
		},
	}))

	e.GET("/login", echo.WrapHandler(http.HandlerFunc(a.auth.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(a.auth.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(a.auth.LogoutHandler)))

	handler := api.NewHandler(api.Services{
		Events:     a.Ingestor,
		Threads:    a.Store,
		Contexts:   a.Contexts,
		Feedback:   a.Feedback,
		Similarity: a.Similarity,
		Records:    a.Store,
		Impact:     a.Impact,
		Analytics:  a.Analytics,
		Health:     a.Health,
	}, logger.With("component", "api"))

	e.GET("/health", handler.HandleHealth)

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(a.auth.RequireAuth))
	api.RegisterHandlers(apiGroup, handler)

	mcpServer := mcp.NewServer(mcp.Deps{
		Similarity: a.Similarity,
		Impact:     a.Impact,
		Feedback:   a.Feedback,
		Threads:    a.Store,
		Logger:     logger.With("component", "mcp"),
	}, a.version)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	mcpHandler := echo.WrapHandler(a.auth.RequireAuth(mcpHandlers))
	e.Any("/mcp", mcpHandler)
	e.Any("/mcp/*", mcpHandler)

	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler(cfg.Auth.OktaDomain)))
	e.GET("/docs", echo.WrapHandler(api.SwaggerHandler(cfg.Auth.SwaggerClientID)))
	e.GET("/docs/oauth2-redirect.html", echo.WrapHandler(api.OAuth2RedirectHandler()))

	return e
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.echo }

// Start launches the background workers: ingest shards, the similarity
// indexer, the context sweeper, health probes and embedding cache eviction.
// They stop when ctx is cancelled; Wait blocks until they have.
func (a *App) Start(ctx context.Context) *errgroup.Group {
	a.Ingestor.Start(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { a.Ingestor.WaitForCompletion(); return nil })
	g.Go(func() error { a.Indexer.Run(ctx); return nil })
	g.Go(func() error { a.Contexts.Run(ctx, a.cfg.ContextStore.SweepInterval); return nil })
	g.Go(func() error { a.Health.Run(ctx, a.cfg.Health.Interval); return nil })
	g.Go(func() error { a.Embedder.Run(ctx); return nil })
	return g
}

// Run serves HTTP until ctx is cancelled, then drains in-flight requests
// before stopping the background workers.
func (a *App) Run(ctx context.Context) error {
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	workers := a.Start(bgCtx)

	srvCfg := a.cfg.Server
	addr := srvCfg.Addr
	if a.cfg.TLS.Enable {
		addr = srvCfg.TLSAddr
		created, err := tls.EnsureSelfSigned(a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile, a.cfg.TLS.Hostnames)
		if err != nil {
			return fmt.Errorf("failed to prepare TLS certificate: %w", err)
		}
		if created {
			a.logger.Warn("generated self-signed certificate", "cert_file", a.cfg.TLS.CertFile, "hostnames", a.cfg.TLS.Hostnames)
		}
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      a.echo,
		ReadTimeout:  srvCfg.ReadTimeout,
		WriteTimeout: srvCfg.WriteTimeout,
		IdleTimeout:  srvCfg.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "address", addr, "tls", a.cfg.TLS.Enable, "version", a.version)
		if a.cfg.TLS.Enable {
			serverErrors <- server.ListenAndServeTLS(a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile)
		} else {
			serverErrors <- server.ListenAndServe()
		}
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
		timeout := srvCfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", logging.ErrorKey, err)
			if err := server.Close(); err != nil {
				a.logger.Error("server close error", logging.ErrorKey, err)
			}
		}
	}

	stopBackground()
	_ = workers.Wait()
	a.logger.Info("server stopped gracefully", "ingest", a.Ingestor.Stats())
	return runErr
}

// Close releases storage and broker connections.
func (a *App) Close() error {
	var errs []error
	if a.Publisher != nil {
		errs = append(errs, a.Publisher.Close())
	}
	if a.Blobs != nil {
		errs = append(errs, a.Blobs.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errors.Join(errs...)
}
