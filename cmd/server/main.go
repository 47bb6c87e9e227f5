package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/echodesk/internal/api"
	"github.com/lalith-99/echodesk/internal/auth"
	"github.com/lalith-99/echodesk/internal/config"
	"github.com/lalith-99/echodesk/internal/db"
	"github.com/lalith-99/echodesk/internal/fanout"
	"github.com/lalith-99/echodesk/internal/middleware"
	"github.com/lalith-99/echodesk/internal/notify"
	"github.com/lalith-99/echodesk/internal/observ"
	"github.com/lalith-99/echodesk/internal/realtime"
	"github.com/lalith-99/echodesk/internal/repository/postgres"
	"github.com/lalith-99/echodesk/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ---------------------------------------------------------------
	// 1. Load config
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	// The root context is cancelled on SIGINT/SIGTERM. Everything started
	// below hangs off it, so one signal winds the whole process down.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------------------------------------------------------------
	// 3. Connect to Postgres
	// ---------------------------------------------------------------
	database, err := db.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	pool := database.Pool()
	userRepo := postgres.NewUserStore(pool)
	ticketRepo := postgres.NewTicketStore(pool)
	conversationRepo := postgres.NewConversationStore(pool)
	notificationRepo := postgres.NewNotificationStore(pool)

	g, gctx := errgroup.WithContext(ctx)

	// ---------------------------------------------------------------
	// 4. Fan-out bus
	//
	// "memory" keeps topics inside this process. "redis" publishes every
	// event through Redis so a message sent to replica A reaches a socket
	// held by replica B.
	// ---------------------------------------------------------------
	var bus fanout.Bus
	switch cfg.FanoutBackend {
	case config.FanoutRedis:
		rdb, err := db.NewRedis(ctx, cfg.RedisURL, logger)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer rdb.Close()

		redisBus := fanout.NewRedisBus(rdb, cfg.FanoutChannelPrefix, logger)
		g.Go(func() error { return redisBus.Run(gctx) })
		bus = redisBus
	default:
		bus = fanout.NewGroups()
	}

	// ---------------------------------------------------------------
	// 5. Services
	// ---------------------------------------------------------------
	storePool := worker.NewPool(cfg.StoreWorkers)
	verifier := auth.NewVerifier(cfg.JWTSecret, userRepo).WithPool(storePool)
	bridge := notify.NewBridge(notificationRepo, bus, storePool, logger)

	var ticketPolicy realtime.TicketAccessPolicy
	if cfg.TicketChatStrict {
		ticketPolicy = realtime.ParticipantPolicy(ticketRepo)
	}

	opts := realtime.DefaultOptions()
	opts.SendBuffer = cfg.SendBuffer
	opts.AllowedOrigins = cfg.AllowedOrigins
	opts.MessageRate = cfg.MessageRate
	opts.MessageBurst = cfg.MessageBurst
	rt := realtime.NewServer(bus, verifier, realtime.Handlers{
		TicketChat:    realtime.NewTicketChat(ticketRepo, storePool, ticketPolicy, logger),
		GeneralChat:   realtime.NewGeneralChat(conversationRepo, storePool, logger),
		Notifications: realtime.NewNotifications(bridge, cfg.PendingLimit, logger),
	}, opts, logger)

	// ---------------------------------------------------------------
	// 6. HTTP server
	// ---------------------------------------------------------------
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	api.Register(router, api.Handlers{
		Auth:          api.NewAuthHandler(userRepo, cfg.JWTSecret, cfg.TokenTTL, logger),
		Users:         api.NewUserHandler(userRepo, logger),
		Notifications: api.NewNotificationHandler(notificationRepo, logger),
		Tickets:       api.NewTicketHandler(ticketRepo, userRepo, bridge, bus, logger),
		Messages:      api.NewMessageHandler(conversationRepo, bus, logger),
		Ping:          database.Health,
	}, middleware.AuthMiddleware(verifier))
	rt.Register(router)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting EchoDesk",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
		zap.String("fanout", cfg.FanoutBackend),
		zap.Int("store_workers", storePool.Size()),
		zap.Bool("ticket_chat_strict", cfg.TicketChatStrict),
	)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.Int("open_sockets", rt.Active()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		// Hijacked websocket connections are invisible to Shutdown.
		rt.CloseAll()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
