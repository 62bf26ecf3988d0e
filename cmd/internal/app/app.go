// Package app wires the huddle server runtime: config, logging, persistence,
// the realtime core, the HTTP surfaces and the bot scheduler.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	authapi "huddle/cmd/internal/auth/api"
	"huddle/cmd/internal/auth/session"
	"huddle/cmd/internal/bots"
	"huddle/cmd/internal/chat"
	chatapi "huddle/cmd/internal/chat/api"
	"huddle/cmd/internal/invite"
	"huddle/cmd/internal/realtime"
	"huddle/cmd/internal/telemetry"
	"huddle/cmd/security/secret"
	v1 "huddle/shared/contracts/realtime/v1"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// App owns every long-lived server resource.
type App struct {
	cfg Config
	log Logger

	dbPool *pgxpool.Pool
	redis  *redis.Client

	store    chat.Store
	metrics  *telemetry.Metrics
	registry *realtime.Registry

	ws        *realtime.WSGateway
	auth      *authapi.Handler
	api       *chatapi.Handler
	scheduler *bots.Scheduler
}

// Option overrides collaborators, mostly for tests.
type Option func(*options)

type options struct {
	sessionCfg *session.Config
	responder  bots.Responder
}

// WithSessionConfig skips HUDDLE_* session settings.
func WithSessionConfig(cfg session.Config) Option {
	return func(o *options) { o.sessionCfg = &cfg }
}

// WithResponder replaces the provider router of the bot scheduler.
func WithResponder(r bots.Responder) Option {
	return func(o *options) { o.responder = r }
}

// New constructs a fully wired App from config.
func New(ctx context.Context, cfg Config, log Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	a := &App{cfg: cfg, log: log, metrics: telemetry.New()}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	authCfg := authapi.LoadConfigFromEnv()
	sessCfg, err := a.sessionConfig(o, authCfg)
	if err != nil {
		return nil, err
	}
	botCfg, err := bots.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}

	var (
		sessionStore session.Store
		inviteStore  invite.Store
	)
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		a.store = chat.NewInMemoryStore()
		sessionStore = session.NewInMemoryStore()
		inviteStore = invite.NewInMemoryStore()
	} else {
		a.dbPool, err = NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		pgChat, pgSessions, pgInvites, err := newPostgresStores(ctx, a.dbPool, cfg)
		if err != nil {
			return nil, err
		}
		a.store, sessionStore, inviteStore = pgChat, pgSessions, pgInvites
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema, "migrated", cfg.DBMigrate)
	}

	tokens, err := session.NewPasetoV4PublicManager(sessCfg)
	if err != nil {
		return nil, err
	}
	sessions := session.NewService(sessCfg, sessionStore, tokens)

	a.registry = realtime.NewRegistry(log, a.metrics)
	disp := realtime.NewDispatcher(log, a.registry, a.metrics)
	pipeline := realtime.NewPipeline(log, a.store, a.store, disp, a.metrics)
	tracker := realtime.NewTracker(a.store)

	a.ws = realtime.NewWSGateway(log, cfg.WS, realtime.GatewayDeps{
		Auth:     sessions,
		Rooms:    a.store,
		Members:  a.store,
		History:  a.store,
		Registry: a.registry,
		Pipeline: pipeline,
		Tracker:  tracker,
		Metrics:  a.metrics,
	})

	authOpts := []authapi.HandlerOption{authapi.WithConnections(a.registry)}
	if a.dbPool != nil {
		authOpts = append(authOpts, authapi.WithAuditPool(a.dbPool, cfg.DBSchema))
	}
	a.auth, err = authapi.NewHandler(log, authCfg, sessions, authOpts...)
	if err != nil {
		return nil, err
	}
	if cfg.DBMigrate {
		if err := a.auth.MigrateAudit(ctx); err != nil {
			return nil, err
		}
	}

	invites, err := invite.NewService(inviteStore)
	if err != nil {
		return nil, err
	}

	keys, err := secret.KeyringFromEnv()
	switch {
	case err == nil:
	case errors.Is(err, secret.ErrKeyMissing):
		log.Warn("bots.disabled", "reason", secret.KeyEnv+" not set")
		keys = nil
	default:
		return nil, fmt.Errorf("%s: %w", secret.KeyEnv, err)
	}

	a.api, err = chatapi.NewHandler(log, chatapi.LoadConfigFromEnv(), chatapi.Deps{
		Auth:       sessions,
		Store:      a.store,
		Pipeline:   pipeline,
		Tracker:    tracker,
		Registry:   a.registry,
		Dispatcher: disp,
		Invites:    invites,
		Keys:       keys,
	})
	if err != nil {
		return nil, err
	}

	if botCfg.Enabled && keys != nil {
		deps := bots.Deps{
			Store:     a.store,
			Responder: o.responder,
			Publisher: pipeline,
			Metrics:   a.metrics,
		}
		if deps.Responder == nil {
			deps.Responder = bots.Router{
				Providers: map[string]bots.Responder{
					"openai": bots.NewHTTPResponder(botCfg.ProviderURL, keys, &http.Client{Timeout: botCfg.ProviderTimeout}),
					"echo":   bots.EchoResponder,
				},
			}
		}
		if cfg.RedisURL != "" {
			a.redis, err = bots.NewRedisClient(ctx, cfg.RedisURL)
			if err != nil {
				return nil, err
			}
			deps.Locker = bots.NewRedisLocker(a.redis, "")
			log.Info("bots.locker.redis")
		}
		a.scheduler = bots.NewScheduler(log.With("component", "bots"), botCfg, deps)
	}

	ok = true
	return a, nil
}

// sessionConfig loads session settings. Without a signing key, dev issuance
// gets an ephemeral one so local runs work out of the box.
func (a *App) sessionConfig(o options, authCfg authapi.Config) (session.Config, error) {
	if o.sessionCfg != nil {
		return *o.sessionCfg, nil
	}
	cfg, err := session.LoadConfigFromEnv()
	if err == nil {
		return cfg, nil
	}
	if authCfg.DevIssue && errors.Is(err, session.ErrConfig) && EnvString("HUDDLE_PASETO_V4_SECRET_KEY_HEX", "") == "" {
		a.log.Warn("auth.ephemeral_signing_key", "reason", "HUDDLE_PASETO_V4_SECRET_KEY_HEX not set; tokens die with the process")
		cfg = session.DefaultConfig()
		cfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
		return cfg, nil
	}
	return session.Config{}, fmt.Errorf("session config: %w", err)
}

// Handler returns the full HTTP handler: routes plus middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerHTTP(mux)
	return WithRequestLogging(WithCORS(WithSecurityHeaders(mux), a.cfg, a.log), a.log)
}

// Run serves HTTP and runs the bot scheduler until ctx is done or either fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbPool != nil,
		"redis_enabled", a.redis != nil, "bots_enabled", a.scheduler != nil)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	if a.scheduler != nil {
		g.Go(func() error { return a.scheduler.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		// Hijacked websocket connections are not tracked by Shutdown.
		closed := a.registry.CloseAll(v1.CloseGoingAway, "server shutting down")
		a.log.Info("ws.close_all", "closed", closed)

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.closeResources()
	if err != nil {
		a.log.Error("server.fail", "err", err)
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
		a.store = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
		a.redis = nil
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

func newPostgresStores(ctx context.Context, pool *pgxpool.Pool, cfg Config) (*chat.PostgresStore, *session.PostgresStore, *invite.PostgresStore, error) {
	chatStore, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		return nil, nil, nil, err
	}
	sessionStore := session.NewPostgresStore(pool)
	inviteStore, err := invite.NewPostgresStore(pool, invite.WithSchema(cfg.DBSchema))
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.DBMigrate {
		if err := chatStore.Migrate(ctx); err != nil {
			return nil, nil, nil, err
		}
		if err := sessionStore.Migrate(ctx); err != nil {
			return nil, nil, nil, err
		}
		if err := inviteStore.Migrate(ctx); err != nil {
			return nil, nil, nil, err
		}
	}
	return chatStore, sessionStore, inviteStore, nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
