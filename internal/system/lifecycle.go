package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/viperbox/vipercore/internal/api/rest"
	"github.com/viperbox/vipercore/internal/api/websocket"
	"github.com/viperbox/vipercore/internal/config"
	"github.com/viperbox/vipercore/internal/driver"
	"github.com/viperbox/vipercore/internal/profiles"
	"github.com/viperbox/vipercore/internal/session"
	"github.com/viperbox/vipercore/internal/storage"
)

// LifecycleManager wires the process components together, brings them up in
// order and tears them down in reverse: event hub, device session, REST
// surface.
type LifecycleManager struct {
	config  *config.Config
	logger  *zap.Logger
	wsHub   *websocket.Hub
	session *session.Manager
	rest    *rest.Server

	shutdownOnce sync.Once
}

func NewLifecycleManager(db *storage.PostgresClient, cfg *config.Config, logger *zap.Logger) *LifecycleManager {
	profileStore, err := profiles.NewStore(logger, cfg.Profiles.SearchPaths)
	if err != nil {
		logger.Fatal("Failed to create profile store", zap.Error(err))
	}

	wsHub := websocket.NewHub(logger)

	// Ohne Datenbank bleibt der Katalog nil, die Session laeuft standalone
	var catalog storage.RecordingCatalog
	if db != nil {
		catalog = db
	}

	sess := session.NewManager(logger, cfg, catalog, wsHub, newDriverFactory(cfg, profileStore, logger))
	wsHub.SetStatusProvider(func() any { return sess.Status() })

	restServer := rest.NewServer(cfg, logger, sess, profileStore, wsHub)

	return &LifecycleManager{
		config:  cfg,
		logger:  logger,
		wsHub:   wsHub,
		session: sess,
		rest:    restServer,
	}
}

// newDriverFactory builds the hardware link selector. The emulated box is
// seeded from the configured probe profile; without a vendor runtime compiled
// in, the non-emulated path answers as unavailable.
func newDriverFactory(cfg *config.Config, store *profiles.Store, logger *zap.Logger) session.DriverFactory {
	channels := cfg.Sink.Channels
	samples := cfg.Sink.Samples

	if cfg.Driver.Profile != "" {
		if p, err := store.Load(cfg.Driver.Profile); err != nil {
			logger.Warn("Probe profile not loadable, emulator uses sink geometry",
				zap.String("profile", cfg.Driver.Profile),
				zap.Error(err))
		} else {
			channels = p.Hardware.Channels
			if p.Acquisition.SamplesPerBatch > 0 {
				samples = p.Acquisition.SamplesPerBatch
			}
			logger.Info("Emulator geometry from probe profile",
				zap.String("profile", p.ID),
				zap.Int("channels", channels),
				zap.Int("samples", samples))
		}
	}

	return func(emulated bool) driver.Driver {
		if emulated {
			return driver.NewEmulator(cfg.Driver.Boxes, channels, samples)
		}
		return driver.Unavailable{Reason: "no vendor runtime for " + cfg.Driver.Address}
	}
}

// Start starts the entire system.
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting ViperCore")

	go lm.wsHub.Run()

	if err := lm.rest.Start(); err != nil {
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	lm.logger.Info("System started successfully",
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Bool("emulated_driver", lm.config.Driver.Emulated))
	return nil
}

// Shutdown gracefully shuts down the system: first the REST intake stops,
// then the session disconnects, which finalizes any active recording.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		shutdownErr = lm.gracefulShutdown(ctx)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	done := make(chan error, 1)

	go func() {
		restCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := lm.rest.Shutdown(restCtx); err != nil {
			lm.logger.Error("REST shutdown failed", zap.Error(err))
		}

		done <- lm.session.Disconnect(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("session disconnect failed: %w", err)
		}
		lm.logger.Info("Graceful shutdown completed")
		return nil
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		return fmt.Errorf("shutdown timeout exceeded")
	}
}
