// Package app wires the NexusPC chat server runtime: config, logging, HTTP
// routes, storage selection, and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"nexuspc/cmd/internal/chat"
	"nexuspc/cmd/internal/friends"
	"nexuspc/cmd/internal/notify"
	"nexuspc/cmd/internal/presence"
	"nexuspc/cmd/internal/profile"
	"nexuspc/cmd/internal/realtime"
)

// closer is a small app-level lifecycle abstraction so DB-backed resources
// can be closed gracefully.
type closer interface {
	Close(ctx context.Context) error
}

type nopCloser struct{}

func (nopCloser) Close(_ context.Context) error { return nil }

// App is the server runtime: it owns HTTP wiring and every chat collaborator.
type App struct {
	cfg Config
	log Logger

	resources closer

	dbPool    *pgxpool.Pool
	dbEnabled bool

	store    chat.Store
	msgs     *chat.Log
	index    *chat.Index
	tracker  *presence.Tracker
	typing   *presence.TypingBroadcaster
	friends  *friends.Service
	inbox    *notify.Inbox
	amqp     *notify.AMQPDispatcher
	profiles *profile.Cache

	ws *realtime.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	res, dbPool, dbEnabled, store, friendStore, err := newStores(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	msgs, err := chat.NewLog(log, store)
	if err != nil {
		return nil, err
	}
	index, err := chat.NewIndex(log, store)
	if err != nil {
		return nil, err
	}

	tracker := presence.NewTracker(log)
	typing := presence.NewTypingBroadcaster(log)
	inbox := notify.NewInbox(log)

	var (
		amqp       *notify.AMQPDispatcher
		dispatcher chat.ReplyDispatcher = inbox
	)
	if cfg.AMQPURL != "" {
		dialCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		amqp, err = notify.DialAMQP(dialCtx, log, notify.DialOptions{
			URL:      cfg.AMQPURL,
			Exchange: cfg.AMQPExchange,
		})
		cancel()
		if err != nil {
			return nil, err
		}
		dispatcher = fanoutDispatcher{inbox, amqp}
	}

	friendSvc, err := friends.NewService(log, friendStore)
	if err != nil {
		return nil, err
	}

	// Profiles come from the hello handshake for now; the cache keeps the
	// lookup path in place for a real directory backend.
	profiles, err := profile.NewCache(func(ctx context.Context, userID string) (profile.Profile, error) {
		if err := ctx.Err(); err != nil {
			return profile.Profile{}, err
		}
		return profile.Profile{UserID: userID, DisplayName: userID}, nil
	})
	if err != nil {
		return nil, err
	}

	ws, err := realtime.NewWSGateway(log, msgs, index, store, tracker, typing, dispatcher)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		resources: res,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		store:     store,
		msgs:      msgs,
		index:     index,
		tracker:   tracker,
		typing:    typing,
		friends:   friendSvc,
		inbox:     inbox,
		amqp:      amqp,
		profiles:  profiles,
		ws:        ws,
	}, nil
}

// fanoutDispatcher delivers a reply notification to every target. The first
// failure is returned but later targets still run.
type fanoutDispatcher []chat.ReplyDispatcher

func (f fanoutDispatcher) DispatchReply(ctx context.Context, n chat.ReplyNotification) error {
	var firstErr error
	for _, d := range f {
		if err := d.DispatchReply(ctx, n); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a)

	var handler http.Handler = mux
	handler = WithSecurityHeaders(handler)
	handler = WithCORS(handler, a.cfg, a.log)
	handler = WithRequestLogging(handler, a.log)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

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
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if a.amqp != nil {
		if err := a.amqp.Close(); err != nil {
			a.log.Error("amqp.close.fail", "err", err)
		}
	}
	if err := a.resources.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
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

// newStores selects the persistence backend: Postgres, embedded Pebble, or
// in-memory dev stores.
func newStores(ctx context.Context, cfg Config, log Logger) (closer, *pgxpool.Pool, bool, chat.Store, friends.Store, error) {
	if cfg.DatabaseURL != "" {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, false, nil, nil, err
		}

		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

		// Ownership model: app owns the pool; the stores' Close is a no-op.
		chatStore, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, nil, false, nil, nil, err
		}
		friendStore, err := friends.NewPostgresStore(pool, friends.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, nil, false, nil, nil, err
		}
		return poolCloser{pool}, pool, true, chatStore, friendStore, nil
	}

	if cfg.DataDir != "" {
		pebbleStore, err := chat.OpenPebbleStore(cfg.DataDir)
		if err != nil {
			return nil, nil, false, nil, nil, err
		}
		log.Info("db.enabled.pebble_store", "dir", cfg.DataDir)
		return storeCloser{pebbleStore}, nil, false, pebbleStore, friends.NewInMemoryStore(), nil
	}

	log.Info("db.disabled.inmemory_store")
	return nopCloser{}, nil, false, chat.NewInMemoryStore(), friends.NewInMemoryStore(), nil
}

type poolCloser struct {
	pool *pgxpool.Pool
}

func (c poolCloser) Close(_ context.Context) error {
	c.pool.Close()
	return nil
}

type storeCloser struct {
	store chat.Store
}

func (c storeCloser) Close(_ context.Context) error {
	return c.store.Close()
}
