// Package main runs the email platform HTTP server: job admission, status
// polling, cancellation and the scheduled-send promoter.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-academy/backend/config"
	"github.com/atlas-academy/backend/internal/audit"
	"github.com/atlas-academy/backend/internal/auth"
	"github.com/atlas-academy/backend/internal/directory"
	"github.com/atlas-academy/backend/internal/jobs"
	"github.com/atlas-academy/backend/internal/mail"
	"github.com/atlas-academy/backend/internal/metrics"
	"github.com/atlas-academy/backend/internal/middleware"
	"github.com/atlas-academy/backend/internal/ratelimit"
	"github.com/atlas-academy/backend/internal/scheduler"
	"github.com/atlas-academy/backend/internal/templates"
	"github.com/atlas-academy/backend/pkg/database"
	"github.com/atlas-academy/backend/pkg/queue"
	"github.com/atlas-academy/backend/pkg/redis"
	"github.com/atlas-academy/backend/pkg/response"
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

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	metrics.Init()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	jobQueue := queue.New(rdb.Client, cfg.Queue.VisibilityTimeout, cfg.Queue.PollInterval, logger)
	limiter := ratelimit.New(rdb.Client, ratelimit.Config{
		PerMinute: cfg.RateLimit.PerMinute,
		PerHour:   cfg.RateLimit.PerHour,
	})
	provider := mail.NewSMTPProvider(mail.SMTPConfig{
		Host:        cfg.Email.SMTPHost,
		Port:        cfg.Email.SMTPPort,
		Username:    cfg.Email.SMTPUser,
		Password:    cfg.Email.SMTPPass,
		FromAddress: cfg.Email.FromAddress,
		FromName:    cfg.Email.FromName,
		SendTimeout: cfg.Email.SendTimeout,
	}, logger)

	jobRepo := jobs.NewRepository(pool)
	templateRepo := templates.NewRepository(pool)
	renderer := templates.NewRenderer(templateRepo)
	resolver := directory.NewResolver(pool)
	auditor := audit.NewWriter(pool, logger)

	dispatcher := jobs.NewService(jobRepo, jobQueue, resolver, renderer, auditor, logger)
	jobHandler := jobs.NewHandler(dispatcher, jobRepo, provider, limiter, cfg.Email.FromAddress, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Email pipeline API (JWT required; staff only)
	api := router.Group("/emails")
	api.Use(middleware.JWT(jwtService))
	api.Use(middleware.RequireRole("admin", "staff"))
	{
		api.POST("/send", jobHandler.Send)
		api.POST("/bulk", jobHandler.SendBulk)
		api.GET("/jobs", jobHandler.List)
		api.GET("/stats", jobHandler.Stats)
		api.GET("/jobs/:id", jobHandler.GetStatus)
		api.GET("/jobs/:id/logs", jobHandler.ListLogs)
		api.POST("/jobs/:id/cancel", jobHandler.Cancel)
		api.POST("/test-connection", jobHandler.TestConnection)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Scheduled-send promoter
	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()
	sched := scheduler.New(jobRepo, jobQueue, cfg.Scheduler.Interval, logger)
	go sched.Run(schedCtx)
	logger.Info("scheduler started", zap.Duration("interval", cfg.Scheduler.Interval))

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	schedCancel()
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
