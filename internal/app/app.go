// Package app provides the process-level wiring for the eventcore server
// binary: a Store plus the teacher's ShutdownManager idiom for signal
// handling and an ordered shutdown.
package app

import (
	"context"
	"fmt"
	"log"
	"sync"

	eventcore "github.com/arkiliandb/eventcore"
	"github.com/arkiliandb/eventcore/internal/config"
	"github.com/arkiliandb/eventcore/internal/server"
)

// App owns one Store and the shutdown manager that tears it down cleanly
// on a signal or an explicit Stop.
type App struct {
	cfg      *config.Config
	shutdown *server.ShutdownManager

	mu      sync.Mutex
	store   *eventcore.Store
	running bool
}

// New validates cfg, ensures its directories exist, and returns an App
// ready to Start.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{
		cfg:      cfg,
		shutdown: server.NewShutdownManager(server.ShutdownConfig{ShutdownTimeout: cfg.ShutdownTimeout}),
	}, nil
}

// Start opens the store (running recovery if needed) and registers it with
// the shutdown manager.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	opts := eventcore.Options{
		Dir:                 a.cfg.DataDir,
		MaxPayloadBytes:     a.cfg.Log.MaxPayloadBytes,
		MaxSegmentBytes:     a.cfg.Log.MaxSegmentBytes,
		MaxResidentLocators: a.cfg.Log.MaxResidentLocators,
		NotifyBufferSize:    a.cfg.Log.NotifyBufferSize,
		Admission: eventcore.AdmissionOptions{
			TargetP99Ms:    a.cfg.Admission.TargetP99Ms,
			HardCap:        a.cfg.Admission.HardCap,
			MinLimit:       a.cfg.Admission.MinLimit,
			SampleWindow:   a.cfg.Admission.SampleWindow,
			Tick:           a.cfg.Admission.Tick,
			EvaluateEveryN: a.cfg.Admission.EvaluateEveryN,
		},
		Archive: eventcore.ArchiveOptions{
			Enabled:       a.cfg.Archive.Enabled,
			Prefix:        a.cfg.Archive.Prefix,
			RetryInterval: a.cfg.Archive.RetryInterval,
			MaxAttempts:   a.cfg.Archive.MaxAttempts,
			Storage: eventcore.StorageOptions{
				Type: a.cfg.Archive.Storage.Type,
				Path: a.cfg.Archive.Storage.Path,
				S3:   a.cfg.Archive.Storage.S3,
			},
		},
	}

	store, err := eventcore.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	a.mu.Lock()
	a.store = store
	a.mu.Unlock()

	a.shutdown.RegisterCloser(server.CloserFunc(store.Close))
	log.Printf("eventcore store opened at %s", a.cfg.DataDir)
	return nil
}

// Store returns the running store, or nil if Start has not succeeded yet.
func (a *App) Store() *eventcore.Store {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store
}

// Run blocks until a termination signal arrives or ctx is cancelled, then
// runs graceful shutdown.
func (a *App) Run(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}

// Stop initiates graceful shutdown directly, without waiting for a signal.
func (a *App) Stop(ctx context.Context) error {
	return a.shutdown.Shutdown(ctx, "explicit stop")
}
