package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/finalize"
	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/generation"
	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/handlers"
	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/ledger"
	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/pool"
	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/stream"
	"github.com/mrmushfiq/llm0-chat-core/internal/gateway/tasks"
	"github.com/mrmushfiq/llm0-chat-core/internal/shared/config"
	"github.com/mrmushfiq/llm0-chat-core/internal/shared/database"
	"github.com/mrmushfiq/llm0-chat-core/internal/shared/logging"
	"github.com/mrmushfiq/llm0-chat-core/internal/shared/models"
	"github.com/mrmushfiq/llm0-chat-core/internal/shared/redis"
)

// activeSlack keeps the admission pointer alive a little past the generation
// timeout so a slow final status write still releases it.
const activeSlack = time.Minute

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("development", "info").WithError(err).Fatal("failed to load config")
	}

	log := logging.New(cfg.Env, cfg.LogLevel)
	log.WithFields(logrus.Fields{
		"port":        cfg.Port,
		"env":         cfg.Env,
		"upstream":    cfg.UpstreamProvider,
		"credentials": len(cfg.Credentials),
	}).Info("starting chat core")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(cfg.DatabaseURL, database.WithQueryTimeout(cfg.CollaboratorTimeout))
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()
	if cfg.AutoMigrate {
		if err := db.EnsureSchema(ctx); err != nil {
			log.WithError(err).Fatal("failed to prepare database schema")
		}
	}
	log.Info("connected to PostgreSQL")

	// Initialize Redis
	redisClient, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to Redis")
	}
	defer redisClient.Close()
	log.Info("connected to Redis")

	// Credential pool
	creds := lo.Map(cfg.Credentials, func(c config.CredentialConfig, _ int) models.Credential {
		return models.Credential{Label: c.Label, Key: c.Key, RateLimit: c.RateLimit}
	})
	credentialPool, err := pool.New(creds, ledger.New(redisClient), pool.WithLogger(log))
	if err != nil {
		log.WithError(err).Fatal("invalid credential pool")
	}

	store := generation.New(redisClient.Raw(),
		generation.WithRecordTTL(cfg.GenerationTTL),
		generation.WithActiveTTL(cfg.GenerationTimeout+activeSlack),
		generation.WithCleanupGrace(cfg.CleanupGrace),
		generation.WithLogger(log),
	)

	providerMgr := providers.NewManager(cfg)
	prompts := cache.New(redisClient, db, cfg.PromptCacheTTL, log)

	queue := tasks.New(log, cfg.TaskWorkers, cfg.TaskQueueSize, cfg.CollaboratorTimeout*2)

	streamer := stream.New(store, credentialPool, providerMgr,
		stream.WithCredentialResolver(db),
		stream.WithSystemPrompt(prompts, cfg.SystemPromptName),
		stream.WithMaxDuration(cfg.GenerationTimeout),
		stream.WithReadTimeout(cfg.UpstreamReadTimeout),
		stream.WithCollaboratorTimeout(cfg.CollaboratorTimeout),
		stream.WithLogger(log),
	)
	finalizer := finalize.New(store, db, db,
		finalize.WithScheduler(queue),
		finalize.WithCollaboratorTimeout(cfg.CollaboratorTimeout),
		finalize.WithStaleAfter(cfg.GenerationTimeout+activeSlack),
		finalize.WithLogger(log),
	)

	chatHandler := handlers.NewChatHandler(handlers.Deps{
		Store:               store,
		Streamer:            streamer,
		Finalizer:           finalizer,
		Pool:                credentialPool,
		Models:              providerMgr,
		Usage:               db,
		Credentials:         db,
		Tasks:               queue,
		Validators:          []stream.Validator{stream.PromptLengthValidator{Max: cfg.MaxPromptChars}},
		FreeMessageLimit:    cfg.FreeMessageLimit,
		CollaboratorTimeout: cfg.CollaboratorTimeout,
		Log:                 log,
	})
	middleware := handlers.NewMiddleware(cfg.JWTSecret, db, redisClient, cfg.UserRateLimit, cfg.CollaboratorTimeout, log)
	health := handlers.HealthHandler(map[string]handlers.Pinger{
		"postgres": db,
		"redis":    redisClient,
	})

	r := handlers.NewRouter(chatHandler, middleware, health, 60*time.Second)

	// Streams may run for the whole generation timeout, so there is no
	// server-wide write timeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.WithField("addr", srv.Addr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("failed to start server")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown error")
	}
	if err := queue.Close(shutdownCtx); err != nil {
		log.WithError(err).Error("background tasks did not drain")
	}

	log.Info("server stopped")
}
