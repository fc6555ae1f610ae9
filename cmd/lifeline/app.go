package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"lifeline/internal/auth"
	"lifeline/internal/config"
	"lifeline/internal/logging"
	"lifeline/internal/netstate"
	"lifeline/internal/queue"
	"lifeline/internal/store"
)

// app holds the components one command invocation works with.
type app struct {
	cfg     *config.Config
	store   *store.Adapter
	creds   *auth.Cache
	monitor *netstate.Monitor
	queue   *queue.Queue
}

func openApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	if err := logging.Initialize(logging.Config{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
		Dir:        cfg.Logging.Dir,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	s := store.Open(store.Options{
		Driver:       cfg.Storage.Driver,
		Path:         cfg.Storage.Path,
		SQLiteDriver: cfg.Storage.SQLiteDriver,
		InMemory:     cfg.Storage.InMemory,
	})
	logger.Debug("store opened", zap.String("backend", s.BackendName()))
	logging.Boot("config=%s store=%s probe=%s", configPath, s.BackendName(), cfg.Queue.ProbeURL)
	if cfg.Storage.Driver != store.DriverMemory && s.BackendName() == store.DriverMemory {
		logging.BootWarn("%s store unavailable, running on memory only", cfg.Storage.Driver)
		logger.Warn("persistent store unavailable, state will not survive this run",
			zap.String("driver", cfg.Storage.Driver))
	}

	creds := auth.NewCache(s)
	monitor := netstate.NewMonitor(cfg.Queue.ProbeURL, cfg.GetProbeInterval(), nil)
	q := queue.New(s, queue.NewHTTPTransport(cfg.GetTransportTimeout()), creds, monitor)

	return &app{cfg: cfg, store: s, creds: creds, monitor: monitor, queue: q}, nil
}

func (a *app) Close() {
	a.queue.Close()
	a.monitor.Stop()
	if err := a.store.Close(); err != nil {
		logger.Warn("failed to close store", zap.Error(err))
	}
	logging.CloseAll()
}

// withApp runs fn against a freshly opened app under the --timeout deadline.
func withApp(fn func(ctx context.Context, a *app) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, a)
}
