package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"codeblocks/internal/api"
	"codeblocks/internal/config"
	"codeblocks/internal/dispatch"
	"codeblocks/internal/jobs"
	"codeblocks/internal/presence"
	"codeblocks/internal/rooms"
	"codeblocks/internal/routers"
	"codeblocks/internal/session"
	"codeblocks/internal/store"
	"codeblocks/internal/store/mongostore"
	"codeblocks/internal/store/redisstore"
	"codeblocks/internal/store/sqlstore"
	"codeblocks/internal/utils"
)

const shutdownTimeout = 30 * time.Second

var (
	listenAndServe = func(srv *http.Server) error { return srv.ListenAndServe() }
	exitFunc       = defaultExit
	exit           = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		exitFunc(err)
	}
}

func defaultExit(err error) {
	log.Printf("codeblocks: %v", err)
	exit(1)
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := utils.NewLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if cfg.ResetOnStart {
		n, err := st.ResetAll(ctx)
		if err != nil {
			return fmt.Errorf("reset rooms on start: %w", err)
		}
		logger.Info("rooms reset on start", zap.Int("rooms", n))
	}

	hub := session.NewHub(logger)
	var notifier session.Notifier = hub
	if cfg.Fanout == config.FanoutRedis {
		var rdb *redis.Client
		if rs, ok := st.(*redisstore.Store); ok {
			rdb = rs.Client()
		} else {
			rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			defer func() { _ = rdb.Close() }()
		}
		relay := session.NewRedisRelay(hub, rdb, logger)
		go func() {
			if err := relay.Run(ctx, nil); err != nil {
				logger.Error("relay stopped", zap.Error(err))
			}
		}()
		notifier = relay
	}

	tracker := presence.NewTracker()
	manager := rooms.NewManager(st, tracker, notifier, logger, cfg.StoreTimeout)
	dispatcher := dispatch.New(manager, tracker, notifier, logger)
	defer func() { _ = dispatcher.Close() }()

	janitor := jobs.NewJanitor(dispatcher, hub.IsLive, cfg.JanitorSchedule, logger)
	if err := janitor.Start(); err != nil {
		return err
	}
	defer janitor.Stop()

	handlers := api.NewHandlers(logger, st, hub, dispatcher, cfg.StoreTimeout, cfg.AllowedOrigins)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           routers.New(handlers, cfg.AllowedOrigins),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("codeblocks starting",
			zap.String("addr", srv.Addr),
			zap.String("store", cfg.StoreBackend),
			zap.String("fanout", cfg.Fanout))
		errCh <- listenAndServe(srv)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("codeblocks shutting down")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
	}
	logger.Info("codeblocks exited")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.RoomStore, error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		st := redisstore.NewFromAddr(cfg.RedisAddr)
		pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		defer cancel()
		if err := st.Ping(pingCtx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return st, nil
	case config.BackendMongo:
		col, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		return mongostore.New(col), nil
	case config.BackendPostgres, config.BackendSQLite:
		st, err := sqlstore.Open(cfg.StoreBackend, cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
}
