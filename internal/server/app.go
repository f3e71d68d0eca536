// Package server builds the application's dependencies and runs the HTTP
// server until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/items-api/internal/api"
	"github.com/JakeFAU/items-api/internal/clock/system"
	"github.com/JakeFAU/items-api/internal/config"
	"github.com/JakeFAU/items-api/internal/id/uuid"
	"github.com/JakeFAU/items-api/internal/items"
	"github.com/JakeFAU/items-api/internal/logging"
	"github.com/JakeFAU/items-api/internal/loki"
	gcppublisher "github.com/JakeFAU/items-api/internal/publisher/pubsub"
	pgstore "github.com/JakeFAU/items-api/internal/storage/postgres"
	"github.com/JakeFAU/items-api/internal/telemetry"
)

const (
	readHeaderTimeout = 5 * time.Second
	lokiProbeTimeout  = 3 * time.Second
)

// eventPublisher is an items.Publisher with a lifecycle.
type eventPublisher interface {
	items.Publisher
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	lokiSink  loki.Sink
	obs       *telemetry.Observer
	gateway   *pgstore.Gateway
	publisher eventPublisher
	apiServer *api.Server
}

// Build creates the application's dependencies. The schema is initialized
// before Build returns, so a returned App is ready to serve.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, sink, err := setupLogging(ctx, cfg)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)

	app := &App{
		cfg:      cfg,
		logger:   logger,
		lokiSink: sink,
		obs: telemetry.New(logger.Named("http"), telemetry.BuildInfo{
			Service: cfg.App.Name,
			Version: cfg.App.Version,
			Env:     cfg.App.Env,
		}),
	}
	logger.Info("building application dependencies",
		zap.String("service", cfg.App.Name),
		zap.String("version", cfg.App.Version),
		zap.String("env", cfg.App.Env),
		zap.Int("port", cfg.Server.Port),
	)

	app.gateway, err = openGateway(ctx, cfg)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	if err := app.gateway.InitSchema(ctx); err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("schema init failed: %w", err)
	}
	app.obs.SetReady(true)
	logger.Info("schema initialized")

	app.publisher = setupPublisher(ctx, cfg, logger)
	svc := items.NewService(
		pgstore.NewItemStore(app.gateway),
		app.publisher,
		cfg.PubSub.Topic,
		system.New(),
		logger.Named("items"),
	)
	app.apiServer = api.NewServer(svc, app.obs, uuid.New(), *cfg, logger.Named("api"))
	return app, nil
}

// Migrate initializes the schema and exits without serving.
func Migrate(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.App.Development(), cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	gw, err := openGateway(ctx, cfg)
	if err != nil {
		return err
	}
	defer gw.Close()
	if err := gw.InitSchema(ctx); err != nil {
		return fmt.Errorf("schema init failed: %w", err)
	}
	logger.Info("schema initialized", zap.String("db", cfg.DB.Name))
	return nil
}

// Run starts the HTTP server and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		a.Close(context.Background())
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          zap.NewStdLog(a.logger.Named("http_server")),
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case err := <-serveErr:
		a.logger.Error("http server error", zap.Error(err))
		runErr = fmt.Errorf("serve http: %w", err)
	}
	a.obs.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	a.Close(shutdownCtx)
	return runErr
}

// Close releases every dependency. It is safe to call on a partially built App.
func (a *App) Close(ctx context.Context) {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	a.gateway.Close()
	a.logger.Info("shutdown complete")
	if a.lokiSink != nil {
		if err := a.lokiSink.Close(ctx); err != nil {
			a.logger.Warn("loki sink close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// setupLogging builds the local logger and, when Loki answers its readiness
// probe, tees every entry to it.
func setupLogging(ctx context.Context, cfg *config.Config) (*zap.Logger, loki.Sink, error) {
	logger, err := logging.New(cfg.App.Development(), cfg.Logging.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("logger init failed: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, lokiProbeTimeout)
	defer cancel()
	sink, err := loki.Connect(probeCtx, loki.Config{
		URL:           cfg.Loki.URL,
		BasicAuth:     cfg.Loki.BasicAuth,
		Tenant:        cfg.Loki.Tenant,
		BatchSize:     cfg.Loki.BatchSize,
		FlushInterval: cfg.Loki.FlushInterval,
		Labels: map[string]string{
			"service": cfg.App.Name,
			"env":     cfg.App.Env,
		},
	})
	switch {
	case errors.Is(err, loki.ErrDisabled):
		logger.Debug("loki shipping disabled")
		return logger, sink, nil
	case err != nil:
		logger.Warn("loki unavailable, shipping disabled", zap.String("url", cfg.Loki.URL), zap.Error(err))
		return logger, sink, nil
	}

	lvl, _ := logging.ParseLevel(cfg.Logging.Level)
	logger, err = logging.New(cfg.App.Development(), cfg.Logging.Level, loki.NewCore(sink, lvl))
	if err != nil {
		_ = sink.Close(ctx)
		return nil, nil, fmt.Errorf("logger init failed: %w", err)
	}
	logger.Info("loki shipping enabled", zap.String("url", cfg.Loki.URL))
	return logger, sink, nil
}

func openGateway(ctx context.Context, cfg *config.Config) (*pgstore.Gateway, error) {
	gw, err := pgstore.Open(ctx, pgstore.GatewayConfig{
		DSN:             cfg.DB.ConnString(),
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("database init failed: %w", err)
	}
	return gw, nil
}

// setupPublisher returns nil when no topic is configured or Pub/Sub cannot
// be reached; item events are then skipped.
func setupPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) eventPublisher {
	if cfg.PubSub.Topic == "" {
		logger.Info("no Pub/Sub topic configured, item events disabled")
		return nil
	}
	pub, err := gcppublisher.New(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		logger.Warn("pubsub client init failed, item events disabled", zap.Error(err))
		return nil
	}
	if err := pub.CheckTopic(ctx, cfg.PubSub.Topic); err != nil {
		logger.Warn("pubsub topic unavailable, item events disabled", zap.Error(err))
		_ = pub.Close()
		return nil
	}
	logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.PubSub.ProjectID),
		zap.String("topic", cfg.PubSub.Topic),
	)
	return pub
}
