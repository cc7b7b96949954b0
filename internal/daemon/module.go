package daemon

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/carchat/internal/api"
	"github.com/matheus3301/carchat/internal/bus"
	"github.com/matheus3301/carchat/internal/cache"
	"github.com/matheus3301/carchat/internal/chat"
	"github.com/matheus3301/carchat/internal/config"
	"github.com/matheus3301/carchat/internal/lock"
	"github.com/matheus3301/carchat/internal/logging"
	"github.com/matheus3301/carchat/internal/outbox"
	"github.com/matheus3301/carchat/internal/realtime"
	"github.com/matheus3301/carchat/internal/realtime/wsconn"
	"github.com/matheus3301/carchat/internal/restapi"
	"github.com/matheus3301/carchat/internal/router"
	"github.com/matheus3301/carchat/internal/session"
	"github.com/matheus3301/carchat/internal/status"
	"github.com/matheus3301/carchat/internal/store"
	intsync "github.com/matheus3301/carchat/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	Dir        string // optional profile directory override; empty = ~/.carchat/profiles/<profile>
	ConfigPath string // optional; empty = ~/.carchat/config.toml
}

func (p Params) dir() string {
	if p.Dir != "" {
		return p.Dir
	}
	return session.Dir(p.Profile)
}

func (p Params) socketPath() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	if p.Dir != "" {
		return filepath.Join(p.Dir, "carchatd.sock")
	}
	return session.SocketPath(p.Profile)
}

func (p Params) configPath() string {
	if p.ConfigPath != "" {
		return p.ConfigPath
	}
	return session.ConfigPath()
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
			provideCache,
			provideRESTClient,
			provideManager,
			provideRouter,
			provideReconciler,
			provideRegistry,
			provideSyncEngine,
			provideSessionService,
			provideChatService,
			provideMessageService,
			provideEventService,
			NewServer,
			NewMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	return config.LoadOrDefault(p.configPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(filepath.Join(p.dir(), "logs", "carchatd.log"), p.Profile, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := os.MkdirAll(p.dir(), 0700); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(p.dir(), "")
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so two daemons never share a database.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := filepath.Join(p.dir(), "cache.db")
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

func provideCache(db *store.DB, b *bus.Bus, logger *zap.Logger) *cache.Cache {
	return cache.New(db, b, logger)
}

func provideRESTClient(cfg *config.Config, db *store.DB, logger *zap.Logger) *restapi.Client {
	c := restapi.NewClient(cfg.API.BaseURL, restapi.WithTimeout(cfg.API.Timeout.Std()))
	token, err := db.Credential()
	if err != nil {
		logger.Warn("reading stored credential failed", zap.Error(err))
	}
	c.SetToken(token)
	return c
}

func provideManager(cfg *config.Config, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *realtime.Manager {
	rt := cfg.Realtime
	return realtime.NewManager(
		wsconn.NewDialer(rt.HandshakeTimeout.Std(), logger),
		realtime.Options{
			Endpoint: rt.Endpoint,
			Policy: realtime.Policy{
				MaxAttempts: rt.MaxReconnectAttempts,
				BaseDelay:   rt.ReconnectBaseDelay.Std(),
				MaxDelay:    rt.ReconnectMaxDelay.Std(),
				Jitter:      realtime.DefaultPolicy().Jitter,
			},
			HeartbeatInterval: rt.HeartbeatInterval.Std(),
			BackgroundGrace:   rt.BackgroundGrace.Std(),
		},
		machine, b, logger,
	)
}

func provideRouter(m *realtime.Manager, logger *zap.Logger) *router.Router {
	return router.New(m, logger)
}

func provideReconciler(client *restapi.Client, c *cache.Cache, b *bus.Bus, m *realtime.Manager, logger *zap.Logger) *outbox.Reconciler {
	return outbox.NewReconciler(client, c, b, m.UserID, logger)
}

func provideRegistry(cfg *config.Config, r *router.Router, rec *outbox.Reconciler, c *cache.Cache, m *realtime.Manager, logger *zap.Logger) *chat.Registry {
	cv := cfg.Conversation
	opts := chat.Options{
		EnterDelay:            cv.EnterDelay.Std(),
		ReadReceiptDelay:      cv.ReadReceiptDelay.Std(),
		TypingIdle:            cv.TypingIdle.Std(),
		PeerTypingExpiry:      cv.PeerTypingExpiry.Std(),
		RestoreInputOnFailure: cv.RestoreInputOnFailure,
	}
	return chat.NewRegistry(r, rec, c, m.UserID, opts, logger)
}

func provideSyncEngine(client *restapi.Client, c *cache.Cache, r *router.Router, reg *chat.Registry, b *bus.Bus, m *realtime.Manager, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(client, c, r, reg, b, m.UserID, logger)
}

func provideSessionService(p Params, m *realtime.Manager, db *store.DB, client *restapi.Client, c *cache.Cache, reg *chat.Registry, b *bus.Bus, logger *zap.Logger) *api.SessionService {
	return api.NewSessionService(p.Profile, m, db, client, c, reg, b, logger)
}

func provideChatService(c *cache.Cache, reg *chat.Registry, engine *intsync.Engine, logger *zap.Logger) *api.ChatService {
	return api.NewChatService(c, reg, engine, logger)
}

func provideMessageService(chats *api.ChatService, c *cache.Cache, engine *intsync.Engine) *api.MessageService {
	return api.NewMessageService(chats, c, engine)
}

func provideEventService(b *bus.Bus) *api.EventService {
	return api.NewEventService(b)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	metrics *MetricsServer,
	lk *lock.Lock,
	db *store.DB,
	m *realtime.Manager,
	reg *chat.Registry,
	engine *intsync.Engine,
	sessionSvc *api.SessionService,
	b *bus.Bus,
	logger *zap.Logger,
) {
	watchCtx, stopWatch := context.WithCancel(context.Background())
	var unobserve func()

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start sync engine (subscribes to message.new and conn.* events).
			engine.Start(context.Background())

			authFailed, unsubAuth := b.Subscribe(bus.SessionAuthFailed, 4)
			go watchAuthFailures(watchCtx, authFailed, unsubAuth, sessionSvc, logger)

			// Record the signed-in user in the lock file once known.
			unobserve = m.Observe(func(c status.Change) {
				if c.To != status.Connected {
					return
				}
				if err := lk.SetIdentity(m.UserID()); err != nil {
					logger.Warn("updating lock identity failed", zap.Error(err))
				}
			})

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			metrics.Start()

			token, err := db.Credential()
			if err != nil {
				return err
			}
			if token == "" {
				logger.Info("no stored credential, login required")
				return nil
			}
			if err := m.Connect(token); err != nil {
				logger.Error("auto-connect failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopWatch()
			if unobserve != nil {
				unobserve()
			}
			reg.CloseAll()
			engine.Stop()
			m.Disconnect()
			srv.Stop(ctx)
			metrics.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}

// watchAuthFailures ends the session when the server rejects the stored
// credential: conversations close and the token is forgotten.
func watchAuthFailures(ctx context.Context, ch <-chan bus.Event, unsub func(), sessionSvc *api.SessionService, logger *zap.Logger) {
	defer unsub()
	for {
		select {
		case <-ch:
			logger.Warn("credential rejected, ending session")
			if err := sessionSvc.EndSession("auth_failed"); err != nil {
				logger.Error("clearing credential failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
