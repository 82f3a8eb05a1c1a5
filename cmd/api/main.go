package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/presence-relay/backend/internal/auth"
	"github.com/zhouzirui/presence-relay/backend/internal/config"
	"github.com/zhouzirui/presence-relay/backend/internal/handler"
	"github.com/zhouzirui/presence-relay/backend/internal/handler/presence"
	"github.com/zhouzirui/presence-relay/backend/internal/handler/ws"
	"github.com/zhouzirui/presence-relay/backend/internal/logger"
	"github.com/zhouzirui/presence-relay/backend/internal/service/gateway"
	"github.com/zhouzirui/presence-relay/backend/internal/service/heartbeat"
	"github.com/zhouzirui/presence-relay/backend/internal/service/relay"
	"github.com/zhouzirui/presence-relay/backend/internal/service/room"
	"github.com/zhouzirui/presence-relay/backend/internal/service/session"
	"github.com/zhouzirui/presence-relay/backend/internal/store"
	"github.com/zhouzirui/presence-relay/backend/internal/store/memory"
	mongostore "github.com/zhouzirui/presence-relay/backend/internal/store/mongo"
	redisstore "github.com/zhouzirui/presence-relay/backend/internal/store/redis"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// .env is optional
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load configuration", zap.Error(err))
	}

	log := logger.New(cfg.Log)
	defer func() { _ = log.Sync() }()
	if envErr != nil {
		log.Warn("failed to load .env file, continuing with process environment", zap.Error(envErr))
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	repo, closeRepo, err := openRepository(ctx, cfg.Mongo, log)
	if err != nil {
		return err
	}
	defer closeRepo()

	registry := session.NewRegistry(nil)

	var (
		mirror    *redisstore.PresenceMirror
		publisher gateway.PresencePublisher
	)
	if cfg.Redis.Enabled() {
		client, err := redisstore.Dial(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Warn("redis unavailable, presence mirror disabled", zap.Error(err))
		} else {
			defer client.Close()
			mirror = redisstore.NewPresenceMirror(client, registry, cfg.Redis.PresenceTTL, 0, log.Named("mirror"))
			publisher = mirror
			log.Info("presence mirror enabled", zap.String("addr", cfg.Redis.Addr))
		}
	}

	var authorizer auth.Authorizer = auth.AllowAll{}
	if cfg.Auth.JWTSecret != "" {
		authorizer = auth.NewJWTAuthorizer(cfg.Auth.JWTSecret)
		log.Info("jwt handshake authorization enabled")
	}

	pipeline := relay.New(repo, repo, log.Named("relay"), nil)
	hub := gateway.NewHub(registry, room.NewMembership(), pipeline, repo, log.Named("hub"), gateway.Options{
		SendBuffer:     cfg.Server.SendBufferSize,
		PersistTimeout: cfg.Relay.PersistTimeout,
		Mirror:         publisher,
	})
	reporter := heartbeat.NewReporter(hub, hub, cfg.Relay.HeartbeatInterval, log.Named("heartbeat"))

	router := handler.NewRouter(
		ws.New(hub, authorizer, repo, log.Named("ws"), ws.Options{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			MaxMessageSize: cfg.Server.MaxMessageSize,
			ProfileTimeout: cfg.Relay.PersistTimeout,
		}),
		presence.New(hub, repo, reporter, log.Named("http")),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return reporter.Run(gctx) })
	if mirror != nil {
		g.Go(func() error { return mirror.Run(gctx) })
	}
	g.Go(func() error {
		log.Info("presence relay listening", zap.String("addr", cfg.Server.Addr))
		return runServer(gctx, srv)
	})
	return g.Wait()
}

func openRepository(ctx context.Context, cfg config.MongoConfig, log *zap.Logger) (store.Repository, func(), error) {
	if !cfg.Enabled() {
		log.Info("MONGO_URI not set, using in-memory repository")
		return memory.New(), func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	repo, err := mongostore.Connect(connectCtx, mongostore.Config{
		URI:         cfg.URI,
		Database:    cfg.Database,
		MaxPoolSize: cfg.MaxPoolSize,
	})
	if err != nil {
		return nil, nil, err
	}
	log.Info("mongo repository connected", zap.String("database", cfg.Database))

	return repo, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := repo.Close(closeCtx); err != nil {
			log.Warn("mongo disconnect failed", zap.Error(err))
		}
	}, nil
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
