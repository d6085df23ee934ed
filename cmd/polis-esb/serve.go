package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/polisai/polis-esb/internal/governance"
	"github.com/polisai/polis-esb/pkg/config"
	"github.com/polisai/polis-esb/pkg/engine"
	"github.com/polisai/polis-esb/pkg/engine/stages"
	"github.com/polisai/polis-esb/pkg/schema"
	"github.com/polisai/polis-esb/pkg/storage"
	"github.com/polisai/polis-esb/pkg/storage/sqlite"
	"github.com/polisai/polis-esb/pkg/telemetry"
	"github.com/polisai/polis-esb/pkg/transform"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured routes",
		RunE:  runServe,
	}
	cmd.Flags().String("routes", "", "Routes file (overrides routes_file from the configuration)")
	return cmd
}

// app holds the long-lived components wired together for one process.
type app struct {
	journal  storage.RunJournal
	metrics  *telemetry.Metrics
	registry *engine.RouteRegistry
	listener *engine.Listener
	admin    *engine.Admin
}

// newApp wires the engine from cfg. Routes are not loaded; call
// registry.Update with a route set before serving traffic.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	journal, err := openJournal(cfg.Journal, logger)
	if err != nil {
		return nil, err
	}
	metrics := telemetry.NewMetrics()

	factory := newStageFactory(cfg, logger)

	observers := []engine.Observer{engine.NewMetricsObserver(metrics)}
	if journal != nil {
		observers = append(observers, engine.NewJournalObserver(journal, logger))
	}
	builder := engine.NewBuilder(engine.BuilderConfig{
		Stages:   factory,
		Observer: engine.MultiObserver(observers...),
		Logger:   logger,
	})

	limiter := governance.NewRateLimiter(nil)
	registry := engine.NewRouteRegistry(builder, engine.RouteRegistryOptions{
		Metrics: metrics,
		Limiter: limiter,
		Logger:  logger,
	})

	listener := engine.NewListener(engine.ListenerConfig{
		Routes:       registry,
		Pool:         governance.NewWorkerPool(cfg.Server.MaxConcurrency, cfg.Server.QueueTimeout()),
		Limiter:      limiter,
		Metrics:      metrics,
		Logger:       logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})
	admin := engine.NewAdmin(engine.AdminConfig{
		Routes:  registry,
		Journal: journal,
		Metrics: metrics,
		Logger:  logger,
	})

	return &app{
		journal:  journal,
		metrics:  metrics,
		registry: registry,
		listener: listener,
		admin:    admin,
	}, nil
}

// Close releases pipelines and the journal.
func (a *app) Close() error {
	errs := []error{a.registry.Close()}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	return errors.Join(errs...)
}

func newStageFactory(cfg *config.Config, logger *slog.Logger) *stages.Factory {
	return &stages.Factory{
		Validator:   schema.NewXSDValidator(cfg.Assets.SchemaDir),
		Transformer: transform.NewStylesheetTransformer(cfg.Assets.StylesheetDir),
		Invoke: stages.InvokeOptions{
			MaxConnsPerHost:     cfg.Downstream.MaxConns,
			MaxIdleConnsPerHost: cfg.Downstream.MaxIdleConns,
			DefaultTimeout:      cfg.Downstream.DefaultTimeout(),
			Logger:              logger,
		},
		Logger: logger,
	}
}

// openJournal returns the configured run journal, or nil when journaling is
// disabled.
func openJournal(cfg config.JournalConfig, logger *slog.Logger) (storage.RunJournal, error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := sqlite.Open(cfg.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open run journal: %w", err)
		}
		logger.Info("Run journal opened", "driver", "sqlite", "path", cfg.Path)
		return sqlite.NewRunJournal(db), nil
	case "none":
		logger.Info("Run journal disabled")
		return nil, nil
	default:
		return storage.NewMemoryRunJournal(cfg.Capacity), nil
	}
}

func routesPath(cmd *cobra.Command, cfg *config.Config) string {
	if path, _ := cmd.Flags().GetString("routes"); path != "" {
		return path
	}
	return cfg.RoutesFile
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
		Stdout:      cfg.Telemetry.Stdout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialise telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("Failed to flush traces", "error", err)
		}
	}()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("Failed to release resources", "error", err)
		}
	}()

	provider, err := config.NewFileRouteProvider(routesPath(cmd, cfg), logger)
	if err != nil {
		return fmt.Errorf("failed to load routes: %w", err)
	}
	defer provider.Close()

	initial := provider.Current()
	if err := a.registry.Update(initial.Routes); err != nil {
		return fmt.Errorf("failed to assemble routes: %w", err)
	}
	go watchRoutes(provider, a.registry, initial.Generation, logger)

	errs := make(chan error, 2)
	dataServer, err := startServer("listener", cfg.Server.Address, a.listener.Handler(), cfg.Server, errs, logger)
	if err != nil {
		return err
	}
	adminServer, err := startServer("admin", cfg.Server.AdminAddress, a.admin.Handler(), cfg.Server, errs, logger)
	if err != nil {
		_ = dataServer.Close()
		return err
	}

	logger.Info("polis-esb started",
		"routes", provider.Path(),
		"active_routes", len(a.registry.Routes()),
		"journal", cfg.Journal.Driver,
	)
	return waitForShutdown(ctx, errs, cfg.Server.ShutdownTimeout(), logger, dataServer, adminServer)
}

// watchRoutes applies route snapshots until the provider closes. Snapshots at
// or below the generation already applied are skipped.
func watchRoutes(provider *config.FileRouteProvider, registry *engine.RouteRegistry, applied int64, logger *slog.Logger) {
	for snapshot := range provider.Subscribe() {
		if snapshot.Generation <= applied {
			continue
		}
		if err := registry.Update(snapshot.Routes); err != nil {
			logger.Error("Routes update rejected", "generation", snapshot.Generation, "error", err)
			continue
		}
		applied = snapshot.Generation
		logger.Info("Routes updated", "generation", snapshot.Generation, "routes", len(snapshot.Routes))
	}
}

// startServer binds addr and serves handler in the background. Serve errors
// other than a clean shutdown are sent to errs.
func startServer(name, addr string, handler http.Handler, sc config.ServerConfig, errs chan<- error, logger *slog.Logger) (*http.Server, error) {
	server := &http.Server{
		Handler:      handler,
		ReadTimeout:  sc.ReadTimeout(),
		WriteTimeout: sc.WriteTimeout(),
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s server on %s: %w", name, addr, err)
	}
	logger.Info("Server listening", "server", name, "address", listener.Addr().String())

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
	return server, nil
}

// waitForShutdown blocks until ctx is cancelled or a server fails, then drains
// the servers within timeout.
func waitForShutdown(ctx context.Context, errs <-chan error, timeout time.Duration, logger *slog.Logger, servers ...*http.Server) error {
	var cause error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down server...")
	case cause = <-errs:
		logger.Error("Server failed, shutting down", "error", cause)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", "error", err)
			cause = errors.Join(cause, err)
		}
	}
	logger.Info("Server exited")
	return cause
}
