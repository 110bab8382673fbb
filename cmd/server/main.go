// Package main runs the live poll HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/livepoll/backend/config"
	"github.com/livepoll/backend/internal/archive"
	"github.com/livepoll/backend/internal/chat"
	"github.com/livepoll/backend/internal/middleware"
	"github.com/livepoll/backend/internal/polls"
	"github.com/livepoll/backend/internal/realtime"
	"github.com/livepoll/backend/internal/session"
	"github.com/livepoll/backend/internal/students"
	"github.com/livepoll/backend/pkg/database"
	"github.com/livepoll/backend/pkg/queue"
	"github.com/livepoll/backend/pkg/redis"
	"github.com/livepoll/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	pollRepo := polls.NewRepository(pool)
	studentRepo := students.NewRepository(pool)
	chatRepo := chat.NewRepository(pool)

	// The session lives in memory; anything left open by a previous process is stale.
	if n, err := pollRepo.CloseStale(ctx); err != nil {
		logger.Warn("close stale questions", zap.Error(err))
	} else if n > 0 {
		logger.Info("closed stale questions", zap.Int64("count", n))
	}
	if n, err := studentRepo.DeactivateAll(ctx); err != nil {
		logger.Warn("deactivate students", zap.Error(err))
	} else if n > 0 {
		logger.Info("deactivated students", zap.Int64("count", n))
	}

	var rdb *redis.Client
	if cfg.Archive.Enabled {
		rdb, err = redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
	}

	hub := realtime.NewHub(logger)
	coord := session.New(session.Options{
		DefaultTimeLimit: cfg.Poll.DefaultTimeLimitSec,
		MaxTimeLimit:     cfg.Poll.MaxTimeLimitSec,
		LateJoin:         session.LateJoinPolicy(cfg.Poll.LateJoinPolicy),
		PersistTimeout:   cfg.Poll.PersistTimeout,
	}, session.Deps{
		Questions: pollRepo,
		Students:  studentRepo,
		Chat:      chatRepo,
		Sender:    hub,
		Scheduler: session.ClockScheduler(),
		Logger:    logger,
	})

	if rdb != nil {
		jobQueue := queue.NewQueue(rdb.Client, logger)
		coord.SetClosedHandler(archive.OnClosed(jobQueue, cfg.Poll.PersistTimeout, logger))
		logger.Info("results archive enabled", zap.String("bucket", cfg.AWS.ResultsBucket))
	}

	pollHandler := polls.NewHandler(coord, pollRepo)
	studentHandler := students.NewHandler(coord, studentRepo)
	chatHandler := chat.NewHandler(coord, chatRepo, cfg.Chat.HistoryLimit)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/", func(c *gin.Context) {
		response.OK(c, gin.H{"service": "livepoll", "phase": coord.Phase()})
	})

	api := router.Group("/api")
	{
		api.GET("/health", func(c *gin.Context) {
			hctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			status := gin.H{"status": "ok", "database": "ok", "connections": hub.Count()}
			if err := pool.Ping(hctx); err != nil {
				logger.Warn("health: database", zap.Error(err))
				response.ServiceUnavailable(c, "database unavailable")
				return
			}
			if rdb != nil {
				status["redis"] = "ok"
				if err := rdb.Healthy(hctx); err != nil {
					logger.Warn("health: redis", zap.Error(err))
					response.ServiceUnavailable(c, "redis unavailable")
					return
				}
			}
			response.OK(c, status)
		})

		pollHandler.Register(api.Group("/questions"))
		studentHandler.Register(api.Group("/students"))
		chatHandler.Register(api.Group("/chat"))
	}

	router.GET("/ws", realtime.ServeWs(hub, coord, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
