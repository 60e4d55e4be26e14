package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go-tgchat/internal/chat"
	"go-tgchat/internal/config"
	"go-tgchat/internal/db"
	"go-tgchat/internal/httpjson"
	myMiddleware "go-tgchat/internal/middleware"
	"go-tgchat/internal/presence"
	"go-tgchat/internal/relay"
	"go-tgchat/internal/user"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

func main() {
	// 1. Config & Flags
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	addr := flag.String("addr", cfg.Addr, "http service address")
	flag.Parse()

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	ctx := context.Background()

	// 2. Store
	var (
		chatRepo chat.Repository
		userRepo user.Repository
		database *db.Database
	)
	switch cfg.Store {
	case config.StorePostgres:
		database, err = db.NewDatabase(ctx, cfg.DatabaseDSN)
		if err != nil {
			logger.Error("connect to database", "error", err)
			os.Exit(1)
		}
		if err := database.AutoMigrate(ctx); err != nil {
			logger.Error("migrate database", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to PostgreSQL")
		chatRepo = chat.NewPostgresRepository(database.Conn)
		userRepo = user.NewPostgresRepository(database.Conn)
	default:
		logger.Warn("using in-memory store; data is lost on restart")
		chatRepo = chat.NewMemoryRepository()
		userRepo = user.NewMemoryRepository()
	}

	// 3. Redis (optional): cross-instance fan-out and shared presence
	var (
		broker      relay.Broker     = relay.NewLocalBroker()
		tracker     presence.Tracker = presence.NewMemoryTracker()
		redisClient *redis.Client
	)
	if cfg.Redis.Enabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("connect to Redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		logger.Info("connected to Redis", "addr", cfg.Redis.Addr)
		broker = relay.NewRedisBroker(redisClient, relay.DefaultChannel, logger)
		tracker = presence.NewRedisTracker(redisClient, presence.DefaultKey)
	}

	// 4. Services
	chatService := chat.NewService(chatRepo, logger)
	userService := user.NewService(userRepo, tracker, logger)

	// 5. Relay
	opts := relay.Options{
		Broker:   broker,
		Sink:     chatService,
		Presence: userService,
		Logger:   logger,
	}
	if cfg.EnforceMembership {
		opts.Membership = chatService
	}
	hub := relay.NewHub(opts)
	chatService.SetBroadcaster(hub)

	hubCtx, stopHub := context.WithCancel(ctx)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()

	// 6. Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(myMiddleware.OriginFilter(cfg.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httpjson.Write(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"connections": hub.ClientCount(),
		})
	})

	var authenticate func(http.Handler) http.Handler
	if cfg.JWTSecret != "" {
		authenticate = myMiddleware.NewAuthMiddleware(myMiddleware.NewHS256Validator(cfg.JWTSecret)).Handle
	} else {
		logger.Warn("JWT_SECRET not set; /api and /ws accept unauthenticated requests")
	}

	wsHandler := relay.NewHandler(hub, cfg.AllowedOrigins, logger)
	r.Group(func(r chi.Router) {
		if authenticate != nil {
			r.Use(authenticate)
		}
		r.Get("/ws", wsHandler.ServeWs)
		r.Route("/api", func(r chi.Router) {
			chat.NewHandler(chatService, logger).Routes(r)
			user.NewHandler(userService, logger).Routes(r)
		})
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("server starting", "addr", *addr, "store", cfg.Store, "redis", cfg.Redis.Enabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	// 7. Graceful shutdown
	wait := gfshutdown.GracefulShutdown(ctx, cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"server": func(ctx context.Context) error {
			err := srv.Shutdown(ctx)
			stopHub()
			select {
			case <-hubDone:
			case <-ctx.Done():
			}
			if redisClient != nil {
				err = errors.Join(err, redisClient.Close())
			}
			if database != nil {
				err = errors.Join(err, database.Close())
			}
			return err
		},
	})

	exitCode := <-wait
	logger.Info("server exited", "code", exitCode)
	os.Exit(exitCode)
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
