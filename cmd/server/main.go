package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"convochat/internal/api"
	"convochat/internal/app/service"
	"convochat/internal/app/worker"
	"convochat/internal/common/security"
	"convochat/internal/domain/repository"
	"convochat/internal/platform/config"
	"convochat/internal/platform/database"
	"convochat/internal/platform/llm"
	"convochat/internal/platform/logging"
	"convochat/internal/platform/metrics"
	"convochat/internal/platform/queue"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	ctx := context.Background()
	logger.Info(ctx, "configuration loaded", "config", cfg)

	m := metrics.New()

	// 2. Initialize Storage
	var (
		userRepo repository.UserRepository
		convRepo repository.ConversationRepository
	)
	switch cfg.StorageDriver {
	case config.StorageDriverPostgres:
		db, err := database.Connect(ctx, cfg.DBConnStr)
		if err != nil {
			logger.Error(ctx, "database unavailable", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if cfg.MigrateOnStart {
			if err := database.Migrate(ctx, db); err != nil {
				logger.Error(ctx, "database migration failed", "error", err)
				os.Exit(1)
			}
		}
		m.Registry().MustRegister(collectors.NewDBStatsCollector(db, "convochat"))
		userRepo = repository.NewPgUserRepository(db)
		convRepo = repository.NewPgConversationRepository(db)
		logger.Info(ctx, "database connected")
	default:
		userRepo = repository.NewMemoryUserRepository()
		convRepo = repository.NewMemoryConversationRepository()
		logger.Warn(ctx, "using in-memory storage; data is lost on restart")
	}

	// 3. Initialize Redis (optional)
	var rdb *redis.Client
	if cfg.RedisEnabled() {
		rdb, err = queue.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Error(ctx, "redis unavailable", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		logger.Info(ctx, "redis connected")
	}

	// 4. Initialize Token Service
	tokenOpts := []security.TokenOption{}
	if rdb != nil {
		tokenOpts = append(tokenOpts, security.WithRevocationList(security.NewRedisRevocationList(rdb)))
	} else {
		logger.Warn(ctx, "no redis configured; logout cannot revoke tokens before expiry")
	}
	tokens, err := security.NewTokenService(cfg.JWTKey, cfg.JWTExp, tokenOpts...)
	if err != nil {
		logger.Error(ctx, "token service init failed", "error", err)
		os.Exit(1)
	}

	// 5. Initialize Completion Client
	var completer llm.Completer
	if cfg.LLMAPIKey == "" {
		logger.Warn(ctx, "LLM_API_KEY not set, using mock completion client")
		completer = llm.NewMockClient()
	} else {
		completer = llm.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey, &http.Client{})
	}
	completer = llm.WithRetry(completer, cfg.LLMRetries, cfg.LLMRetryBase)

	// 6. Initialize Services
	conversations := service.NewConversationStore(convRepo)
	authService := service.NewAuthService(userRepo, tokens, logger)
	chatOpts := []service.ChatOption{service.WithMetrics(m)}

	var turnQueue *queue.TurnQueue
	if rdb != nil {
		turnQueue = queue.NewTurnQueue(rdb, cfg.UnpersistedQueueName)
		chatOpts = append(chatOpts, service.WithUnpersistedSink(turnQueue))
		m.Registry().MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "convochat_unpersisted_queue_length",
			Help: "Turns waiting in the unpersisted-turn queue.",
		}, func() float64 {
			n, err := turnQueue.Len(context.Background())
			if err != nil {
				return -1
			}
			return float64(n)
		}))
	}
	chatService := service.NewChatService(conversations, completer, cfg.LLMModel, cfg.LLMTimeout, logger, chatOpts...)

	// 7. Initialize Reconcile Worker (as a goroutine)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	workerDone := make(chan struct{})
	if turnQueue != nil {
		reconciler := worker.NewReconcileWorker(
			turnQueue,
			queue.NewLocker(rdb, "convochat:reconcile_lock:"),
			conversations,
			worker.ReconcileConfig{LockTTL: cfg.ReconcileLockTTL, MaxAttempts: cfg.ReconcileMaxAttempts},
			logger,
			m,
		)
		go func() {
			defer close(workerDone)
			reconciler.Start(workerCtx)
		}()
	} else {
		close(workerDone)
	}

	// 8. Initialize Router & HTTP Server
	requestTimeout := cfg.LLMTimeout + 30*time.Second
	router := api.NewRouter(api.RouterDeps{
		Auth:           authService,
		Chat:           chatService,
		Conversations:  conversations,
		Tokens:         tokens,
		Metrics:        m,
		Logger:         logger,
		AccessLog:      slog.NewLogLogger(logger.Slog().Handler(), slog.LevelInfo),
		RequestTimeout: requestTimeout,
	})

	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: requestTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// 9. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info(ctx, "server starting", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		logger.Error(ctx, "server failed", "port", cfg.APIPort, "error", err)
	}

	logger.Info(ctx, "shutting down server")
	workerCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "server shutdown failed", "error", err)
	}
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn(ctx, "reconcile worker did not stop in time")
	}

	logger.Info(ctx, "server and worker stopped")
}
