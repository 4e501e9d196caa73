// Package daemon composes dealroomd with fx: store backend, hub, chat
// service, notifier, HTTP server and the admin health socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/dealroom/internal/admin"
	"github.com/matheus3301/dealroom/internal/api"
	"github.com/matheus3301/dealroom/internal/chat"
	"github.com/matheus3301/dealroom/internal/config"
	"github.com/matheus3301/dealroom/internal/conversation"
	"github.com/matheus3301/dealroom/internal/hub"
	"github.com/matheus3301/dealroom/internal/logging"
	"github.com/matheus3301/dealroom/internal/notify/kafka"
	"github.com/matheus3301/dealroom/internal/store"
	"github.com/matheus3301/dealroom/internal/store/memory"
	"github.com/matheus3301/dealroom/internal/store/mongo"
	"github.com/matheus3301/dealroom/internal/store/postgres"
	"github.com/matheus3301/dealroom/internal/store/scylla"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const connectTimeout = 30 * time.Second

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config config.Server
	// Logger overrides the logger built from Config.Log, for tests.
	Logger *zap.Logger
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideStore,
			provideHub,
			provideCatalog,
			provideNotifier,
			provideChatService,
			provideRouter,
			provideHTTPServer,
			provideAdminServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	lvl, err := logging.ParseLevel(p.Config.Log.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(p.Config.Log.Path, "dealroomd", lvl)
}

func provideStore(lc fx.Lifecycle, p Params, logger *zap.Logger) (conversation.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	st, err := openStore(ctx, p.Config.Store, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("store initialized", zap.String("backend", p.Config.Store.Backend))
	lc.Append(fx.StopHook(func() error {
		return st.Close()
	}))
	return st, nil
}

func openStore(ctx context.Context, cfg config.StoreSection, logger *zap.Logger) (conversation.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendSQLite:
		db, err := store.Open(cfg.SQLitePath)
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
		return db, nil
	case config.BackendPostgres:
		return postgres.Open(ctx, cfg.Postgres.DSN, logger)
	case config.BackendScylla:
		consistency, err := scylla.ParseConsistency(cfg.Scylla.Consistency)
		if err != nil {
			return nil, err
		}
		session, err := scylla.NewSession(ctx, scylla.Config{
			Hosts:             cfg.Scylla.Hosts,
			Keyspace:          cfg.Scylla.Keyspace,
			Consistency:       consistency,
			Timeout:           cfg.Scylla.Timeout.Duration,
			ReplicationFactor: cfg.Scylla.ReplicationFactor,
			Username:          cfg.Scylla.Username,
			Password:          cfg.Scylla.Password,
		}, logger)
		if err != nil {
			return nil, err
		}
		return scylla.NewStore(session, logger), nil
	case config.BackendMongo:
		return mongo.Open(ctx, cfg.Mongo.URI, cfg.Mongo.Database, logger)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

func provideHub(lc fx.Lifecycle, p Params, logger *zap.Logger) *hub.Hub {
	h := hub.New(p.Config.Hub.SendBuffer, logger.With(zap.String("component", "hub")))
	lc.Append(fx.StopHook(h.Close))
	return h
}

func provideCatalog(p Params) chat.Catalog {
	subjects := make([]chat.Subject, 0, len(p.Config.Listings))
	for _, l := range p.Config.Listings {
		subjects = append(subjects, chat.Subject{ID: l.ID, OwnerID: l.OwnerID, Title: l.Title, PriceCents: l.PriceCents})
	}
	return chat.NewStaticCatalog(subjects)
}

func provideNotifier(lc fx.Lifecycle, p Params, logger *zap.Logger) (chat.Notifier, error) {
	if !p.Config.Kafka.Enabled() {
		return chat.NoopNotifier{}, nil
	}
	n, err := kafka.Dial(p.Config.Kafka.Brokers, p.Config.Kafka.Topic, logger.With(zap.String("component", "kafka")))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(n.Close))
	logger.Info("kafka notifier enabled", zap.Strings("brokers", p.Config.Kafka.Brokers), zap.String("topic", p.Config.Kafka.Topic))
	return n, nil
}

func provideChatService(st conversation.Store, h *hub.Hub, catalog chat.Catalog, n chat.Notifier, logger *zap.Logger) *chat.Service {
	return chat.NewService(st, h, catalog, n, logger.With(zap.String("component", "chat")))
}

func provideRouter(p Params, svc *chat.Service, h *hub.Hub, logger *zap.Logger) *gin.Engine {
	return api.NewRouter(svc, h, api.Options{
		Env:          p.Config.Server.Env,
		AllowOrigins: p.Config.Server.AllowOrigins,
		Logger:       logger.With(zap.String("component", "http")),
	})
}

func provideHTTPServer(p Params, router *gin.Engine) *http.Server {
	return api.NewServer(p.Config.Server.HTTPAddr, router)
}

func provideAdminServer(p Params, logger *zap.Logger) (*admin.Server, error) {
	return admin.NewServer(p.Config.Server.AdminSocket, logger.With(zap.String("component", "admin")))
}

func registerLifecycle(lc fx.Lifecycle, p Params, srv *http.Server, adm *admin.Server, svc *chat.Service, logger *zap.Logger) {
	watchCtx, stopWatch := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			logger.Info("http server starting", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			go func() {
				if err := adm.Start(); err != nil {
					logger.Error("admin server error", zap.Error(err))
				}
			}()
			go adm.Watch(watchCtx, svc, admin.DefaultWatchInterval)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopWatch()
			timeout := p.Config.Server.ShutdownTimeout.Duration
			if timeout <= 0 {
				timeout = 10 * time.Second
			}
			sctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			err := srv.Shutdown(sctx)
			adm.Stop(ctx)
			logger.Info("daemon stopped")
			return err
		},
	})
}
