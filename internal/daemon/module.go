package daemon

import (
	"context"
	"errors"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hotwellkz/wabridge/internal/avatar"
	"github.com/hotwellkz/wabridge/internal/blob"
	"github.com/hotwellkz/wabridge/internal/bus"
	"github.com/hotwellkz/wabridge/internal/chat"
	"github.com/hotwellkz/wabridge/internal/config"
	"github.com/hotwellkz/wabridge/internal/driver"
	"github.com/hotwellkz/wabridge/internal/hub"
	"github.com/hotwellkz/wabridge/internal/ingest"
	"github.com/hotwellkz/wabridge/internal/lifecycle"
	"github.com/hotwellkz/wabridge/internal/lock"
	"github.com/hotwellkz/wabridge/internal/logging"
	"github.com/hotwellkz/wabridge/internal/session"
	"github.com/hotwellkz/wabridge/internal/store"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ListenAddr  string // optional override for testing; empty = use config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideChatStore,
			provideTracker,
			provideCheckpointer,
			provideStateMachine,
			provideManager,
			provideBlobClient,
			provideIngestor,
			provideAvatarCache,
			provideHub,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	path := session.ConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	// First run: materialize the defaults so operators have a file to edit.
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := config.Save(path, cfg); err != nil {
			logger.Warn("could not write default config", zap.Error(err))
		} else {
			logger.Info("wrote default config", zap.String("path", path))
		}
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.AppDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideChatStore() *chat.Store {
	return chat.NewStore()
}

func provideTracker(st *chat.Store) *chat.Tracker {
	return chat.NewTracker(st)
}

func provideCheckpointer(st *chat.Store, tr *chat.Tracker, db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *chat.Checkpointer {
	return chat.NewCheckpointer(st, tr, db, b, logger,
		cfg.Store.CheckpointInterval.Duration(), cfg.Store.PersistAttempts)
}

func provideStateMachine(b *bus.Bus) *lifecycle.Machine {
	return lifecycle.NewMachine(b)
}

func provideManager(p Params, machine *lifecycle.Machine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *lifecycle.Manager {
	limiter := rate.NewLimiter(rate.Limit(cfg.Send.RatePerSecond), cfg.Send.Burst)
	factory := func(ctx context.Context) (driver.Driver, error) {
		return driver.NewWhatsmeow(ctx, session.DriverDBPath(p.SessionName), limiter, logger)
	}
	policy := lifecycle.BackoffPolicy{
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		BaseDelay:   cfg.Reconnect.BaseDelay.Duration(),
		Multiplier:  cfg.Reconnect.Multiplier,
		MaxDelay:    cfg.Reconnect.MaxDelay.Duration(),
	}
	return lifecycle.NewManager(factory, machine, b, policy, session.PairingCodePath(p.SessionName), logger)
}

func provideBlobClient(cfg *config.Config) *blob.Client {
	return blob.NewClient(cfg.Blob.Endpoint, cfg.Blob.Timeout.Duration())
}

func provideIngestor(mgr *lifecycle.Manager, st *chat.Store, tr *chat.Tracker, cp *chat.Checkpointer, bc *blob.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *ingest.Ingestor {
	return ingest.New(ingest.Deps{
		Session:          mgr,
		Store:            st,
		Tracker:          tr,
		Checkpoint:       cp,
		Blob:             bc,
		Bus:              b,
		Logger:           logger,
		MediaTimeout:     cfg.Blob.Timeout.Duration(),
		MediaConcurrency: cfg.Blob.MediaConcurrency,
	})
}

func provideAvatarCache(mgr *lifecycle.Manager, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *avatar.Cache {
	return avatar.NewCache(mgr, b, logger, avatar.Options{
		TTL:              cfg.Avatar.TTL.Duration(),
		FetchTimeout:     cfg.Avatar.FetchTimeout.Duration(),
		BatchConcurrency: cfg.Avatar.BatchConcurrency,
	})
}

func provideHub(b *bus.Bus, logger *zap.Logger, ing *ingest.Ingestor, st *chat.Store, tr *chat.Tracker, mgr *lifecycle.Manager) *hub.Hub {
	return hub.New(b, logger, ing, st, tr, mgr)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, mgr *lifecycle.Manager, cp *chat.Checkpointer, ing *ingest.Ingestor, cache *avatar.Cache, h *hub.Hub, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Rebuild chat state before anything can read or write it.
			if err := cp.Restore(); err != nil {
				return err
			}
			cp.Start(context.Background())

			// Consumers before producers, so nothing published during
			// startup is lost.
			ing.Start(context.Background())
			cache.Start(context.Background())
			h.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("websocket server error", zap.Error(err))
				}
			}()

			return mgr.Start(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			// Reverse order: stop the driver first so no new events
			// arrive, drain the pipeline, flush, then drop clients.
			mgr.Shutdown()
			ing.Stop()
			cache.Stop()
			cp.Stop()
			h.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
