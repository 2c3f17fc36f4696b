// Package app wires the relay server runtime: config, logging, metrics, storage,
// HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"relay/cmd/identity"
	"relay/cmd/internal/chat"
	"relay/cmd/internal/fanout"
	"relay/cmd/internal/presence"
	"relay/cmd/internal/profile"
	"relay/cmd/internal/reaction"
	"relay/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the relay server runtime: it owns the HTTP server and every dependency
// of the realtime gateway.
type App struct {
	cfg     Config
	log     Logger
	metrics *Metrics

	dbPool    *pgxpool.Pool
	dbEnabled bool

	ws *realtime.Gateway
}

// stores groups the three persistence layers, memory or Postgres backed.
type stores struct {
	chat      chat.Store
	reactions reaction.Store
	sessions  presence.Store
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	metrics := NewMetrics()

	st, pool, err := newStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*App, error) {
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}

	dir, err := newDirectory(cfg)
	if err != nil {
		return fail(err)
	}
	profiles := profile.NewResolver(dir, log,
		profile.WithLookupTimeout(cfg.ProfileTimeout),
		profile.WithLatency(metrics.ProfileLookups),
	)

	jwtOpts := []identity.JWTOption{}
	if cfg.JWTIssuer != "" {
		jwtOpts = append(jwtOpts, identity.WithIssuer(cfg.JWTIssuer))
	}
	verifier, err := identity.NewJWTVerifier(cfg.JWTSecret, jwtOpts...)
	if err != nil {
		return fail(err)
	}

	registry := presence.NewRegistry(st.sessions, log, presence.WithStalenessWindow(cfg.StalenessWindow))
	hub := realtime.NewHub(log, realtime.WithConnectionGauge(metrics.Connections))
	fan := fanout.New(registry, hub, log, fanout.WithCounters(metrics.FanoutEmits, metrics.FanoutFailures))

	engine, err := chat.New(chat.Deps{
		Store:     st.chat,
		Sessions:  registry,
		Profiles:  profiles,
		Reactions: reaction.NewAggregator(st.reactions, profiles),
		Fanout:    fan,
		Log:       log,
	}, chat.WithSentCounter(metrics.MessagesSent))
	if err != nil {
		return fail(err)
	}

	ws, err := realtime.NewGateway(log, hub, registry, verifier, engine, realtime.GatewayConfig{
		Origins: realtime.OriginPolicy{
			Required: cfg.WSOriginRequired,
			Allowed:  cfg.WSAllowedOrigins,
		},
		InsecureSkipVerify: cfg.WSInsecureOrigins,
		ReadIdleTimeout:    cfg.WSReadIdleTimeout,
		SendQueueSize:      cfg.WSSendQueue,
		HeartbeatEvery:     cfg.WSHeartbeat,
		RateEvents:         cfg.WSRateEvents,
		RateWindow:         cfg.WSRateWindow,
	})
	if err != nil {
		return fail(err)
	}

	return &App{
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		dbPool:    pool,
		dbEnabled: pool != nil,
		ws:        ws,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.metrics)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithSecurityHeaders(WithRequestLogging(mux, a.log, a.metrics.HTTPRequests)),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled, "metrics", a.cfg.MetricsEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		a.close()
		return err
	}

	a.close()
	a.log.Info("server.stopped")
	return nil
}

func (a *App) close() {
	if a.dbPool != nil {
		a.dbPool.Close()
	}
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

// newStores decides between Postgres-backed persistence and in-memory dev stores.
// The app owns the pool; the stores never close it.
func newStores(ctx context.Context, cfg Config, log Logger) (stores, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return stores{
			chat:      chat.NewMemoryStore(),
			reactions: reaction.NewMemoryStore(),
			sessions:  presence.NewMemoryStore(),
		}, nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return stores{}, nil, err
	}
	fail := func(err error) (stores, *pgxpool.Pool, error) {
		pool.Close()
		return stores{}, nil, err
	}

	if err := EnsureSchema(ctx, pool, cfg.DBSchema); err != nil {
		return fail(err)
	}

	chatStore, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		return fail(err)
	}
	reactionStore, err := reaction.NewPostgresStore(pool, reaction.WithSchema(cfg.DBSchema))
	if err != nil {
		return fail(err)
	}
	sessionStore, err := presence.NewPostgresStore(pool, presence.WithSchema(cfg.DBSchema))
	if err != nil {
		return fail(err)
	}

	// Rows of connections whose instance died without a disconnect.
	purged, err := sessionStore.PurgeIdle(ctx, time.Now().UTC().Add(-cfg.SessionPurgeAfter))
	if err != nil {
		log.Warn("db.sessions.purge.fail", "err", err)
	} else if purged > 0 {
		log.Info("db.sessions.purged", "count", purged)
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return stores{chat: chatStore, reactions: reactionStore, sessions: sessionStore}, pool, nil
}

func newDirectory(cfg Config) (profile.Directory, error) {
	if cfg.ProfileBaseURL != "" {
		opts := []profile.HTTPOption{profile.WithTimeout(cfg.ProfileTimeout)}
		if cfg.ProfileServiceToken != "" {
			opts = append(opts, profile.WithServiceToken(cfg.ProfileServiceToken))
		}
		return profile.NewHTTPDirectory(cfg.ProfileBaseURL, opts...)
	}

	seeds := make([]profile.Profile, 0, len(cfg.Profiles))
	for _, s := range cfg.Profiles {
		seeds = append(seeds, profile.Profile{
			UserID:    s.UserID,
			Username:  s.Username,
			FirstName: s.FirstName,
			LastName:  s.LastName,
			Avatar:    s.Avatar,
		})
	}
	return profile.NewStaticDirectory(seeds...), nil
}
