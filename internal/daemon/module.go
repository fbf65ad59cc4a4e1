package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/msgsync/internal/api"
	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/config"
	"github.com/matheus3301/msgsync/internal/dedup"
	"github.com/matheus3301/msgsync/internal/lock"
	"github.com/matheus3301/msgsync/internal/logging"
	"github.com/matheus3301/msgsync/internal/outbox"
	"github.com/matheus3301/msgsync/internal/profile"
	"github.com/matheus3301/msgsync/internal/realtime"
	"github.com/matheus3301/msgsync/internal/remote"
	"github.com/matheus3301/msgsync/internal/schedule"
	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/store"
	intsync "github.com/matheus3301/msgsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	ConfigPath string // optional override; empty = ~/.msgsync/config.toml
}

func (p Params) configPath() string {
	if p.ConfigPath != "" {
		return p.ConfigPath
	}
	return profile.ConfigPath()
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideMatcher,
			provideConfirmed,
			provideOutbox,
			provideReconciler,
			provideKeyLog,
			provideSyncEngine,
			provideScheduler,
			provideRemote,
			provideParser,
			provideChannel,
			provideSender,
			provideConversationService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	return config.LoadOrDefault(p.configPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore opens the configured backend. The lock is taken first so two
// daemons never migrate the same file.
func provideStore(p Params, cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (store.KV, error) {
	if cfg.Sync.Backend == config.BackendMemory {
		logger.Warn("memory backend selected, nothing survives a restart")
		return store.NewMemory(), nil
	}

	dbPath := profile.DBPath(p.Profile)
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

func provideMatcher(cfg *config.Config) dedup.Matcher {
	return dedup.Matcher{Window: cfg.Sync.FuzzyWindow.Duration}
}

func provideConfirmed(kv store.KV, cfg *config.Config, m dedup.Matcher, logger *zap.Logger) *store.Confirmed {
	return store.NewConfirmed(kv, cfg.Sync.CacheCapacity, m, logger)
}

func provideOutbox(kv store.KV, logger *zap.Logger) *store.Outbox {
	return store.NewOutbox(kv, logger)
}

func provideReconciler(c *store.Confirmed, o *store.Outbox, m dedup.Matcher, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(c, o, m, b, cfg.UserID, logger)
}

func provideKeyLog(kv store.KV, cfg *config.Config, logger *zap.Logger) *intsync.KeyLog {
	return intsync.NewKeyLog(kv, cfg.Sync.DedupLogSize, logger)
}

func provideSyncEngine(r *intsync.Reconciler, keys *intsync.KeyLog, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(r, keys, b, logger)
}

func provideScheduler(logger *zap.Logger) *schedule.Scheduler {
	return schedule.New(logger)
}

func provideRemote(cfg *config.Config, logger *zap.Logger) *remote.HTTPClient {
	return remote.NewHTTPClient(cfg.Server.BaseURL, cfg.Server.Token, cfg.UserID, cfg.Server.RequestTimeout.Duration, nil, logger)
}

func provideParser() (*realtime.Parser, error) {
	return realtime.NewParser()
}

func provideChannel(cfg *config.Config, parser *realtime.Parser, b *bus.Bus, m *status.Machine, logger *zap.Logger) *realtime.Channel {
	return realtime.NewChannel(realtime.Options{
		URL:   cfg.Server.EventsURL,
		Token: cfg.Server.Token,
	}, parser, b, m, logger)
}

func policyFrom(cfg *config.Config) outbox.Policy {
	return outbox.Policy{
		MaxAttempts:    cfg.Sync.MaxAttempts,
		SweepInterval:  cfg.Sync.SweepInterval.Duration,
		RequestTimeout: cfg.Server.RequestTimeout.Duration,
		MaxConcurrent:  cfg.Sync.MaxConcurrentSends,
	}
}

func provideSender(r *intsync.Reconciler, rc *remote.HTTPClient, m *status.Machine, sched *schedule.Scheduler, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(r, rc, m, sched, b, policyFrom(cfg), logger)
}

func provideConversationService(p Params, r *intsync.Reconciler, sender *outbox.Sender, ch *realtime.Channel, rc *remote.HTTPClient, m *status.Machine, b *bus.Bus, logger *zap.Logger) *api.ConversationService {
	return api.NewConversationService(p.Profile, r, sender, ch, rc, m, b, logger)
}

type lifecycleDeps struct {
	fx.In

	Params     Params
	Lock       *lock.Lock
	Server     *Server
	KV         store.KV
	Reconciler *intsync.Reconciler
	Engine     *intsync.Engine
	Sender     *outbox.Sender
	Scheduler  *schedule.Scheduler
	Channel    *realtime.Channel
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	runCtx, cancel := context.WithCancel(context.Background())
	channelDone := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Ingest first, so nothing the channel delivers is missed.
			d.Engine.Start(runCtx)
			d.Sender.Start(runCtx)

			n, err := d.Sender.Recover(ctx)
			if err != nil {
				return fmt.Errorf("recover outbox: %w", err)
			}
			if n > 0 {
				d.Logger.Info("resuming queued messages", zap.Int("conversations", n))
			}

			go func() {
				defer close(channelDone)
				if err := d.Channel.Run(runCtx); err != nil {
					d.Logger.Error("event channel stopped", zap.Error(err))
				}
			}()

			path := d.Params.configPath()
			if err := config.Watch(runCtx, path, d.Logger, func(cfg *config.Config) {
				d.Sender.SetPolicy(policyFrom(cfg))
			}); err != nil {
				d.Logger.Warn("config hot reload disabled", zap.String("path", path), zap.Error(err))
			}

			// Start gRPC server in background.
			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Server.Stop(ctx)
			cancel()
			<-channelDone
			d.Sender.Stop()
			d.Engine.Stop()
			d.Scheduler.Stop()

			if err := errors.Join(d.Reconciler.Flush(ctx), d.Engine.Flush(ctx)); err != nil {
				d.Logger.Error("unsaved state lost on shutdown", zap.Error(err))
			}
			if db, ok := d.KV.(*store.DB); ok {
				if err := db.Close(); err != nil {
					d.Logger.Warn("error closing store", zap.Error(err))
				}
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			_ = d.Logger.Sync()
			return nil
		},
	})
}
