// Command schedulerd is the scheduler daemon: it loads configuration,
// opens the durable worker-identity store, wires the run engine, dispatcher,
// session registry, housekeeping sweeps, and control-plane WebSocket
// server together, and serves until signalled to shut down.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/schedulercore/internal/config"
	"github.com/basket/schedulercore/internal/contracts"
	"github.com/basket/schedulercore/internal/controlplane"
	"github.com/basket/schedulercore/internal/dispatch"
	"github.com/basket/schedulercore/internal/events"
	"github.com/basket/schedulercore/internal/housekeeping"
	"github.com/basket/schedulercore/internal/resources"
	"github.com/basket/schedulercore/internal/runstate"
	"github.com/basket/schedulercore/internal/session"
	"github.com/basket/schedulercore/internal/storage"
	"github.com/basket/schedulercore/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "schedulerd: fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	shutdownTimeout := flag.Duration("shutdown-timeout", 10*time.Second, "graceful shutdown deadline")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// go-isatty decides whether this process is attached to an operator's
	// terminal (JSON logs to both stdout and the log file) or
	// running unattended under a service manager (JSON-only to the log
	// file, so nothing duplicates into a systemd/docker log collector).
	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("SCHEDULERD_NO_TUI") == ""

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, !interactive)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	authToken, err := loadAuthToken(cfg.HomeDir, cfg.AuthToken)
	if err != nil {
		return fmt.Errorf("load auth token: %w", err)
	}

	dbPath := cfg.DBPath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cfg.HomeDir, dbPath)
	}
	store, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	identity := identityStore{store: store}

	registry := session.NewRegistry(logger)
	engine := runstate.NewEngine(time.Now)
	bus := events.NewBus(logger)
	emitter := events.NewEmitter(bus, time.Now)
	logSink := events.NewLogSink(bus, logger)
	go logSink.Run(ctx)

	catalog := contracts.NewInMemoryPackageCatalog()
	grants := contracts.NewInMemoryResourceGrantStore()
	resProvider := contracts.NewInMemoryResourceProvider()
	resolver := resources.New(catalog, grants, resProvider, cfg.Resource.MaxInlineBytes, logger)

	dispatcher := dispatch.New(dispatchConfigFromScheduler(cfg), engine, registry, emitter, resolver, logger, nil)
	go dispatcher.Run(ctx)

	srv, err := controlplane.New(controlplane.Config{
		Engine:       engine,
		Registry:     registry,
		Dispatcher:   dispatcher,
		Emitter:      emitter,
		Resolver:     resolver,
		Identity:     identity,
		AuthToken:    authToken,
		AllowOrigins: cfg.AllowOrigins,
		WindowSize:   cfg.Session.WindowSize,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("build control plane server: %w", err)
	}

	// workflows backs the out-of-scope REST layer's facade contract
	// (§6: "an external HTTP layer ... would bind these to routes"); it is
	// constructed here so GetRunDefinition-style tooling has somewhere to
	// persist authored workflow definitions even with no REST layer wired.
	workflows := contracts.NewInMemoryWorkflowStore()
	_ = controlplane.NewSchedulerFacade(engine, dispatcher, workflows, emitter, srv)

	housekeeper := housekeeping.NewScheduler(housekeeping.Config{
		Engine:   engine,
		Registry: registry,
		Router:   srv,
		Logger:   logger,
	})
	housekeeper.Start(ctx)
	defer housekeeper.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	go watchConfig(ctx, watcher, dispatcher, logger)

	listener, err := listen(ctx, cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.BindAddr, err)
	}
	server := &http.Server{Handler: srv.Handler()}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()
	logger.Info("schedulerd listening", "addr", cfg.BindAddr, "interactive", interactive)

	select {
	case <-ctx.Done():
		logger.Info("schedulerd shutting down")
	case err := <-serverErr:
		if err != nil {
			logger.Error("control plane server failed", "error", err)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown timed out", "error", err)
	}
	return nil
}

// watchConfig applies hot-reloaded dispatch tunables to the live
// dispatcher as they arrive, per §1's "hot-reloaded via fsnotify" mandate;
// session settings such as windowSize are not reapplied.
func watchConfig(ctx context.Context, watcher *config.Watcher, dispatcher *dispatch.Dispatcher, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			if ev.Err != nil {
				continue
			}
			dispatcher.UpdateConfig(dispatchConfigFromScheduler(ev.Config))
			logger.Info("applied hot-reloaded dispatch config", "fingerprint", ev.Config.Fingerprint())
		}
	}
}

// dispatchConfigFromScheduler projects the §6 configuration table's
// dispatch.* keys onto dispatch.Config.
func dispatchConfigFromScheduler(cfg config.Config) dispatch.Config {
	return dispatch.Config{
		Strategy:         dispatch.Strategy(cfg.Dispatch.WorkerStrategy),
		AckTimeout:       time.Duration(cfg.Dispatch.AckTimeoutSeconds) * time.Second,
		MaxAttempts:      cfg.Dispatch.MaxAttempts,
		BaseRetryDelay:   time.Duration(cfg.Dispatch.BaseRetrySeconds) * time.Second,
		MaxRetryDelay:    time.Duration(cfg.Dispatch.MaxRetrySeconds) * time.Second,
		MaxHeartbeatAge:  time.Duration(cfg.Dispatch.WorkerMaxHeartbeatAgeSeconds) * time.Second,
		BreakerThreshold: cfg.Breaker.FailureThreshold,
		BreakerCooldown:  time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
	}
}

// listen binds addr with SO_REUSEADDR so a restart racing the previous
// process's TIME_WAIT socket doesn't spuriously fail to bind.
func listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}
