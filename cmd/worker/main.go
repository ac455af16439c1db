// Package main runs the background email worker pool and queue janitor.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-academy/backend/config"
	"github.com/atlas-academy/backend/internal/audit"
	"github.com/atlas-academy/backend/internal/jobs"
	"github.com/atlas-academy/backend/internal/mail"
	"github.com/atlas-academy/backend/internal/metrics"
	"github.com/atlas-academy/backend/internal/ratelimit"
	"github.com/atlas-academy/backend/internal/worker"
	"github.com/atlas-academy/backend/pkg/database"
	"github.com/atlas-academy/backend/pkg/queue"
	"github.com/atlas-academy/backend/pkg/redis"
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

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	metrics.Init()
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: ":" + cfg.Metrics.Port, Handler: metricsMux}
	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.Metrics.Port))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server", zap.Error(err))
		}
	}()

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
	auditor := audit.NewWriter(pool, logger)
	processor := worker.NewProcessor(jobRepo, provider, limiter, auditor,
		cfg.Email.FromAddress, cfg.Worker.RecipientRetryMax, logger)
	workerPool := worker.NewPool(jobQueue, processor, worker.Config{
		Count:         cfg.Worker.Count,
		NackBaseDelay: cfg.Queue.NackBaseDelay,
		NackMaxDelay:  cfg.Queue.NackMaxDelay,
	}, logger)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go jobQueue.RunJanitor(runCtx, cfg.Queue.JanitorInterval)

	done := make(chan struct{})
	go func() {
		workerPool.Run(runCtx)
		close(done)
	}()
	logger.Info("worker pool started", zap.Int("workers", cfg.Worker.Count))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("workers did not drain in time")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown", zap.Error(err))
	}
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
