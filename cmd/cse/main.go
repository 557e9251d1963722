// Package main is the entry point for the cseweave CSE.
// It initializes and starts an oneM2M Common Services Entity: the
// resource tree, the request dispatcher, and the HTTP protocol binding.
//
// The application performs the following initialization sequence:
//  1. Load configuration from config file and environment variables
//  2. Initialize structured logging with zap
//  3. Open the resource store (memory, Redis, or PostgreSQL)
//  4. Build the dispatcher and create the CSEBase if missing
//  5. Wire the notification, group, registration, announcement, and
//     expiration services into the dispatcher
//  6. Start the HTTP binding with graceful shutdown support
//
// Graceful shutdown is triggered by SIGINT (Ctrl+C) or SIGTERM signals.
//
// Example usage:
//
//	# Start with default config
//	./cse
//
//	# Start with custom config file
//	./cse --config=/etc/cseweave/config.yaml
//
//	# Start with environment variable overrides
//	export CSEWEAVE_SERVER_PORT=8282
//	export CSEWEAVE_STORAGE_BACKEND=redis
//	./cse
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/announce"
	"github.com/piwi3910/cseweave/internal/binding"
	"github.com/piwi3910/cseweave/internal/config"
	"github.com/piwi3910/cseweave/internal/dispatcher"
	"github.com/piwi3910/cseweave/internal/events"
	"github.com/piwi3910/cseweave/internal/expiration"
	"github.com/piwi3910/cseweave/internal/group"
	"github.com/piwi3910/cseweave/internal/notification"
	"github.com/piwi3910/cseweave/internal/observability"
	"github.com/piwi3910/cseweave/internal/onem2m"
	"github.com/piwi3910/cseweave/internal/registration"
	"github.com/piwi3910/cseweave/internal/resource"
	"github.com/piwi3910/cseweave/internal/security"
	"github.com/piwi3910/cseweave/internal/storage"
)

const (
	// Version is the application version (set via build flags).
	Version = "1.0.0"

	// ServiceName is the name of this service.
	ServiceName = "cseweave"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Fprintf(os.Stdout, "%s version %s\n", ServiceName, Version)
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run executes the main application logic. It returns an error if any
// critical initialization or runtime error occurs.
func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := observability.NewLogger(cfg.Environment)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("CSE starting",
		zap.String("version", Version),
		zap.String("cse_id", cfg.CSE.CSEID),
		zap.String("cse_type", cfg.CSE.Type),
		zap.String("environment", cfg.Environment),
	)

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer components.Close(logger)

	return runServerWithShutdown(cfg, logger, components)
}

// cseComponents holds all initialized application components in shutdown
// order: the server drains first, the store closes last.
type cseComponents struct {
	store     storage.Store
	bus       *events.Bus
	scheduler *events.Scheduler
	notifier  *notification.Engine
	server    *binding.Server
}

// Close stops the components in reverse dependency order.
func (c *cseComponents) Close(logger *zap.Logger) {
	if c.scheduler != nil {
		c.scheduler.Close()
	}
	if c.notifier != nil {
		c.notifier.Close()
	}
	if c.bus != nil {
		c.bus.Close()
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}
}

// initializeComponents builds the store, the dispatcher, and every
// service hanging off it.
func initializeComponents(cfg *config.Config, logger *zap.Logger) (*cseComponents, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Backend, err)
	}
	if err := store.Ping(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("storage backend unreachable: %w", err)
	}
	logger.Info("storage initialized", zap.String("backend", cfg.Storage.Backend))

	bus := events.NewBus(logger, cfg.Notifications.QueueSize)
	scheduler := events.NewScheduler(logger)
	registry := resource.NewRegistry()
	checker := security.NewChecker(&cfg.Security, logger)

	d := dispatcher.New(cfg, store, registry, checker, bus, logger)
	if err := d.EnsureCSEBase(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create CSEBase: %w", err)
	}
	logger.Info("resource tree ready",
		zap.String("cse_base", cfg.CSE.ResourceName))

	sender := binding.NewHTTPSender(cfg, logger)
	d.SetNotifier(sender)

	engine := notification.NewEngine(cfg, store, checker, sender, logger)
	engine.Start(bus)
	d.SetVerifier(engine)

	groups := group.NewManager(cfg, store, d, logger)
	d.SetFanout(groups)
	d.RegisterInterceptor(onem2m.TypeGroup, groups)

	reg := registration.NewManager(cfg, store, sender, logger)
	d.SetForwarder(reg)
	d.RegisterInterceptor(onem2m.TypeAE, dispatcher.InterceptorFunc(reg.OnCreateAE))
	d.RegisterInterceptor(onem2m.TypeRemoteCSE, dispatcher.InterceptorFunc(reg.OnCreateCSR))
	reg.StartRegistrar(scheduler, d)

	announcer := announce.NewAnnouncer(cfg, store, registry, d, logger)
	announcer.Start(bus, scheduler)

	expiration.NewSweeper(cfg, store, d, logger).Start(scheduler)

	srv := binding.NewServer(cfg, d, store, logger)
	health := observability.NewHealthChecker(Version)
	health.Register("storage", store.Ping)
	srv.SetHealthChecker(health)
	logger.Info("HTTP binding created",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("mode", cfg.Server.GinMode),
	)

	return &cseComponents{
		store:     store,
		bus:       bus,
		scheduler: scheduler,
		notifier:  engine,
		server:    srv,
	}, nil
}

// openStore selects the storage backend from configuration.
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "redis":
		return storage.NewRedisStore(&cfg.Storage.Redis), nil
	case "postgres":
		return storage.NewPostgresStore(&cfg.Storage.Postgres)
	default:
		return storage.NewMemoryStore(), nil
	}
}

// runServerWithShutdown starts the HTTP binding and blocks until a
// shutdown signal or a server error.
func runServerWithShutdown(cfg *config.Config, logger *zap.Logger, components *cseComponents) error {
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		if err := components.server.Run(); err != nil {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		logger.Error("server error", zap.Error(err))
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		if err := components.server.Shutdown(context.Background()); err != nil {
			logger.Warn("forced shutdown", zap.Error(err))
			return err
		}
		logger.Info("shutdown complete")
		return nil
	}
}
