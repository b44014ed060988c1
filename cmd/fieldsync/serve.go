package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/fieldsync/internal/api"
	"github.com/clawinfra/fieldsync/internal/config"
	"github.com/clawinfra/fieldsync/internal/connectivity"
	"github.com/clawinfra/fieldsync/internal/notify"
	"github.com/clawinfra/fieldsync/internal/outbox"
	"github.com/clawinfra/fieldsync/internal/scheduler"
	"github.com/clawinfra/fieldsync/internal/submit"
	"github.com/clawinfra/fieldsync/internal/syncer"
)

// configPollInterval is how often the config file is checked for edits.
const configPollInterval = 5 * time.Second

// App holds all the runtime components
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     *slog.Logger
	Level      *slog.LevelVar

	Store     outbox.Store
	Bus       notify.Bus
	Hub       *notify.Hub
	Monitor   *connectivity.Monitor
	Engine    *syncer.Engine
	Runner    *syncer.Runner
	Service   *submit.Service
	Scheduler *scheduler.Scheduler
	APIServer *api.Server
	Watcher   *config.Watcher

	cancel   context.CancelFunc
	group    *errgroup.Group
	groupCtx context.Context
	detach   func()
}

func serveCommand(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file (.json, .yaml or .toml)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	// Setup application
	app, err := setup(*configPath, os.Stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Setup failed: %v\n", err)
		return 1
	}

	// Start services
	if err := startServices(app); err != nil {
		app.Logger.Error("failed to start services", "error", err)
		_ = app.shutdown()
		return 1
	}

	printBanner(app)

	// Wait for shutdown
	if err := waitForShutdown(app); err != nil {
		app.Logger.Error("shutdown error", "error", err)
		return 1
	}
	return 0
}

// setup initializes all application components
func setup(configPath string, logOut io.Writer) (*App, error) {
	app := &App{ConfigPath: configPath, Level: new(slog.LevelVar)}

	// The level is swapped at runtime when the config is reloaded
	app.Logger = slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{
		Level: app.Level,
	}))

	app.Logger.Info("starting fieldsync",
		"version", version,
		"config", configPath,
	)

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg
	app.Level.Set(cfg.Level())

	// Durable queue
	store, err := outbox.Open(cfg.Outbox.Backend, cfg.Server.DataDir, "", app.Logger)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	app.Store = store

	// Notification bus, shared across processes when MQTT is enabled
	app.Bus = newBus(cfg, app.Logger)
	app.Hub = notify.NewHub(app.Logger)
	app.detach = app.Hub.Attach(app.Bus)

	// Delivery
	timeout := time.Duration(cfg.Sync.TimeoutSec) * time.Second
	transport := syncer.NewHTTPTransport(cfg.Sync.BaseURL, cfg.Sync.AuthToken, timeout, app.Logger)
	app.Engine = syncer.NewEngine(store, transport, app.Bus, app.Logger)
	app.Runner = syncer.NewRunner(app.Engine, app.Logger)

	// Connectivity drives the runner
	app.Monitor = connectivity.NewMonitor(newProber(cfg), app.Logger)
	app.Runner.GateOn(app.Monitor.IsOnline)
	app.Monitor.AddListener(app.Runner.OnConnectivity)

	engine := app.Engine
	fallback := func() { go engine.ProcessQueue(context.Background()) }
	app.Service = submit.NewService(store, transport, app.Monitor, engine, submit.Options{
		Waker:         app.Runner,
		Fallback:      fallback,
		DirectTimeout: timeout,
	}, app.Logger)

	// Periodic maintenance
	app.Scheduler = scheduler.NewScheduler(app.Logger)
	if cfg.Sync.Schedule != "" {
		if err := app.Scheduler.AddJob(scheduler.SyncJob(cfg.Sync.Schedule, app.Runner)); err != nil {
			return nil, fmt.Errorf("schedule sync: %w", err)
		}
	}
	if cfg.Sync.PurgeSchedule != "" {
		if err := app.Scheduler.AddJob(scheduler.PurgeJob(cfg.Sync.PurgeSchedule, app.Service, app.retention)); err != nil {
			return nil, fmt.Errorf("schedule purge: %w", err)
		}
	}

	var secret []byte
	if cfg.Auth.JWTSecret != "" {
		secret = []byte(cfg.Auth.JWTSecret)
	}
	app.APIServer = api.NewServer(cfg.Server.Port, app.Service, api.Options{
		Monitor:   app.Monitor,
		Engine:    app.Engine,
		Runner:    app.Runner,
		Scheduler: app.Scheduler,
		Events:    app.Hub,
		JWTSecret: secret,
	}, app.Logger)

	return app, nil
}

// retention is read by the purge job on every run so reloads apply.
func (app *App) retention() time.Duration {
	return time.Duration(app.Config.RetentionHours()) * time.Hour
}

// loadConfig loads configuration from file or creates default
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	logger.Info("no config found, creating default")
	if err := config.DefaultConfig().Save(path); err != nil {
		return nil, fmt.Errorf("save default config: %w", err)
	}
	logger.Info("default config created", "path", path)
	return config.Load(path)
}

func newBus(cfg *config.Config, logger *slog.Logger) notify.Bus {
	if !cfg.MQTT.Enabled {
		return notify.NewMemoryBus(logger)
	}

	bus := notify.NewMQTTBus(notify.MQTTConfig{
		Host:     cfg.MQTT.Host,
		Port:     cfg.MQTT.Port,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		Topic:    cfg.MQTT.Topic,
		ClientID: cfg.MQTT.ClientID,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := bus.Connect(ctx); err != nil {
		// local subscribers keep working; paho retries in the background
		logger.Warn("mqtt unavailable, notifications stay local", "error", err)
	}
	return bus
}

// newProber probes the configured probe URL, or the sync base URL when no
// probe URL is set. It returns nil only when neither is configured, leaving
// the interface flag as the only signal.
func newProber(cfg *config.Config) connectivity.Prober {
	url := cfg.Connectivity.ProbeURL
	if url == "" {
		url = cfg.Sync.BaseURL
	}
	if url == "" {
		return nil
	}
	p := connectivity.NewHTTPProber(url)
	if cfg.Connectivity.ProbeMethod != "" {
		p.Method = cfg.Connectivity.ProbeMethod
	}
	return p
}

// startServices starts all services
func startServices(app *App) error {
	ctx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel
	app.group, app.groupCtx = errgroup.WithContext(ctx)

	app.Monitor.Start(app.groupCtx)

	app.group.Go(func() error {
		if err := app.Runner.Run(app.groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("sync runner: %w", err)
		}
		return nil
	})

	if err := app.Scheduler.Start(app.groupCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	// Start API server in background
	app.group.Go(func() error {
		if err := app.APIServer.Start(app.groupCtx); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	if _, err := os.Stat(app.ConfigPath); err == nil {
		app.Watcher = config.NewWatcher(app.ConfigPath, configPollInterval, app.Logger, func() {
			reloadConfig(app)
		})
		app.group.Go(func() error { return app.Watcher.Run(app.groupCtx) })
	}

	return nil
}

// reloadConfig re-reads the config file and applies hot-reloadable fields
func reloadConfig(app *App) {
	result, err := app.Config.Reload(app.ConfigPath)
	if err != nil {
		app.Logger.Error("config reload failed", "error", err)
		return
	}
	app.Level.Set(app.Config.Level())
	if err := applySchedules(app, result.Applied); err != nil {
		result.Errors = append(result.Errors, err)
	}
	result.LogResult(app.Logger)
}

// applySchedules swaps the maintenance jobs whose cron spec was reloaded.
func applySchedules(app *App, applied []string) error {
	syncSpec, purgeSpec := app.Config.Schedules()
	var errs []error
	if slices.Contains(applied, "Sync.Schedule") {
		if err := app.Scheduler.ReplaceJob(scheduler.SyncJob(syncSpec, app.Runner)); err != nil {
			errs = append(errs, fmt.Errorf("reschedule sync: %w", err))
		}
	}
	if slices.Contains(applied, "Sync.PurgeSchedule") {
		if err := app.Scheduler.ReplaceJob(scheduler.PurgeJob(purgeSpec, app.Service, app.retention)); err != nil {
			errs = append(errs, fmt.Errorf("reschedule purge: %w", err))
		}
	}
	return errors.Join(errs...)
}

// printBanner displays the startup banner
func printBanner(app *App) {
	fmt.Println()
	fmt.Printf("  fieldsync v%s\n", version)
	fmt.Printf("  API:     http://localhost:%d/api/status\n", app.Config.Server.Port)
	fmt.Printf("  Events:  ws://localhost:%d/api/events\n", app.Config.Server.Port)
	fmt.Printf("  Outbox:  %s (%s)\n", app.Config.Outbox.Backend, app.Config.Server.DataDir)
	if app.Config.Sync.BaseURL != "" {
		fmt.Printf("  Remote:  %s\n", app.Config.Sync.BaseURL)
	}
	fmt.Println()
}

// waitForShutdown waits for a termination signal, or for a service to fail,
// and performs graceful shutdown
func waitForShutdown(app *App) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, getShutdownSignals()...)
	defer signal.Stop(sigCh)

loop:
	for {
		select {
		case sig := <-sigCh:
			// Handle platform-specific signals (SIGHUP, SIGUSR1 on Unix)
			if handlePlatformSignal(sig, app) {
				continue
			}
			app.Logger.Info("shutdown signal received", "signal", sig)
			break loop
		case <-app.groupCtx.Done():
			app.Logger.Warn("a service stopped unexpectedly")
			break loop
		}
	}

	return app.shutdown()
}

// shutdown stops every component in reverse start order
func (app *App) shutdown() error {
	if app.cancel != nil {
		app.cancel()
	}
	app.Scheduler.Stop()
	app.Monitor.Stop()

	var errs []error
	if app.group != nil {
		if err := app.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	if app.detach != nil {
		app.detach()
	}
	if err := app.Bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}
	if err := app.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close outbox: %w", err))
	}

	app.Logger.Info("fieldsync stopped")
	return errors.Join(errs...)
}
