// Package main runs the proctoring HTTP server with WebSocket and graceful shutdown.
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

	"github.com/aura-exam/proctor/config"
	"github.com/aura-exam/proctor/internal/auth"
	"github.com/aura-exam/proctor/internal/middleware"
	"github.com/aura-exam/proctor/internal/realtime"
	"github.com/aura-exam/proctor/internal/sessionlog"
	"github.com/aura-exam/proctor/internal/violations"
	"github.com/aura-exam/proctor/internal/worker"
	"github.com/aura-exam/proctor/pkg/database"
	"github.com/aura-exam/proctor/pkg/queue"
	"github.com/aura-exam/proctor/pkg/redis"
	"github.com/aura-exam/proctor/pkg/response"
	"github.com/aura-exam/proctor/pkg/storage"
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

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" && cfg.AWS.ArchiveBucket != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ArchiveBucket:        cfg.AWS.ArchiveBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
			s3Client = nil
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub, time.Duration(cfg.Server.PingIntervalSec)*time.Second)

	// Violations: live frames are persisted by the hub, critical reports come over HTTP
	violationRepo := violations.NewRepository(pool)
	hub.SetViolationRecorder(violationRepo)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	var signer violations.ArchiveSigner
	if s3Client != nil {
		signer = s3Client
	}
	violationHandler := violations.NewHandler(violationRepo, hub, jobQueue, signer, logger)

	// Attendance (join/leave session logs)
	sessionLogRepo := sessionlog.NewRepository(pool)
	sessionLogHandler := sessionlog.NewHandler(sessionLogRepo)
	hub.SetSessionLogger(
		func(examID, userID, role string) {
			if err := sessionLogRepo.LogJoin(context.Background(), examID, userID, role); err != nil {
				logger.Warn("log join", zap.String("exam_id", examID), zap.Error(err))
			}
		},
		func(examID, userID string) {
			if err := sessionLogRepo.LogLeave(context.Background(), examID, userID); err != nil {
				logger.Warn("log leave", zap.String("exam_id", examID), zap.Error(err))
			}
		},
	)

	wsValidate := func(token string) (realtime.Identity, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return realtime.Identity{}, err
		}
		return realtime.Identity{UserID: claims.UserID, Role: claims.Role, FullName: claims.FullName}, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", healthHandler(map[string]func(ctx context.Context) error{
		"database": pool.Ping,
		"redis":    rdb.Check,
	}))

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		// Critical reports (students report themselves; proctors may report anyone)
		api.POST("/exams/:id/critical-violations", violationHandler.ReportCritical)

		api.GET("/exams/:id/violations", middleware.RequireProctor(), violationHandler.List)
		api.GET("/exams/:id/attendance", middleware.RequireProctor(), sessionLogHandler.GetAttendance)
		api.GET("/exams/:id/online", middleware.RequireProctor(), func(c *gin.Context) {
			response.OK(c, hub.Counts(c.Param("id")))
		})

		// Archives (S3)
		api.POST("/exams/:id/subjects/:subjectId/archive", middleware.RequireProctor(), violationHandler.RequestArchive)
		api.GET("/exams/:id/subjects/:subjectId/archive-url", middleware.RequireProctor(), violationHandler.ArchiveURL)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, logger, wsValidate, middleware.ParseOrigins(cfg.Server.CORSAllowedOrigins).Allows))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (violation archives to S3)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if s3Client != nil {
		archiver := worker.NewArchiveProcessor(violationRepo, s3Client, jobQueue, logger)
		go archiver.Run(workerCtx)
		logger.Info("archive worker started")
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

	workerCancel()
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
