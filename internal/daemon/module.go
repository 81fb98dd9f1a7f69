package daemon

import (
	"context"

	"github.com/omarques/ceg/internal/bus"
	"github.com/omarques/ceg/internal/config"
	"github.com/omarques/ceg/internal/lock"
	"github.com/omarques/ceg/internal/logging"
	"github.com/omarques/ceg/internal/netstate"
	"github.com/omarques/ceg/internal/outbox"
	"github.com/omarques/ceg/internal/paths"
	"github.com/omarques/ceg/internal/routes"
	"github.com/omarques/ceg/internal/store"
	syncengine "github.com/omarques/ceg/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved startup configuration passed to the fx module.
type Params struct {
	DataDir string
	Config  *config.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideMonitor,
			provideRouter,
			provideEngine,
			provideOutbox,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(paths.LogPath(p.DataDir))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := paths.EnsureDir(p.DataDir); err != nil {
		return nil, err
	}
	logger.Info("acquiring data dir lock", zap.String("dir", p.DataDir))
	l, err := lock.Acquire(p.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := paths.DBPath(p.DataDir)
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

func provideMonitor(p Params, b *bus.Bus, logger *zap.Logger) *netstate.Monitor {
	return netstate.New(p.Config.ProbeURL, p.Config.ProbeInterval(), b, logger)
}

func provideRouter(p Params) *routes.Router {
	return routes.New(p.Config.EndpointBase)
}

func provideEngine(p Params, db *store.DB, router *routes.Router, mon *netstate.Monitor, b *bus.Bus, logger *zap.Logger) *syncengine.Engine {
	dispatcher := syncengine.NewHTTPDispatcher(p.Config.DispatchTimeout())
	return syncengine.NewEngine(db, router, dispatcher, mon, b, p.Config.DrainInterval(), logger)
}

func provideOutbox(p Params, db *store.DB, b *bus.Bus, engine *syncengine.Engine, logger *zap.Logger) *outbox.Outbox {
	return outbox.New(db, b, engine.Nudge, p.Config.MaxPending, logger)
}

func provideServer(p Params, db *store.DB, ob *outbox.Outbox, engine *syncengine.Engine, mon *netstate.Monitor, logger *zap.Logger) (*Server, error) {
	return NewServer(p.Config.ListenAddr, db, ob, engine, mon, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, mon *netstate.Monitor, engine *syncengine.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			mon.Start(context.Background())
			engine.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			engine.Stop()
			mon.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
