package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/gt-insights/enrollment-api/api/swagger"
	"github.com/gt-insights/enrollment-api/internal/compute"
	"github.com/gt-insights/enrollment-api/internal/handler"
	"github.com/gt-insights/enrollment-api/internal/middleware"
	"github.com/gt-insights/enrollment-api/internal/repository"
	"github.com/gt-insights/enrollment-api/internal/service"
	"github.com/gt-insights/enrollment-api/pkg/cache"
	"github.com/gt-insights/enrollment-api/pkg/config"
	"github.com/gt-insights/enrollment-api/pkg/database"
	"github.com/gt-insights/enrollment-api/pkg/jobs"
	"github.com/gt-insights/enrollment-api/pkg/logger"
	corsmiddleware "github.com/gt-insights/enrollment-api/pkg/middleware/cors"
	reqidmiddleware "github.com/gt-insights/enrollment-api/pkg/middleware/requestid"
	"github.com/gt-insights/enrollment-api/pkg/storage"
)

// @title GT Enrollment Insights API
// @version 1.0.0
// @description Asynchronous course-enrollment query jobs over the GT scheduler feeds
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()

	broker := jobs.NewRedisBroker(redisClient, cfg.Jobs.QueueName)

	jobRepo := repository.NewJobRepository(db)
	capacityRepo := repository.NewCapacityRepository(db)

	resultStore, err := storage.NewLocalStorage(cfg.Results.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init result storage", "error", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Results.SignedURLSecret, cfg.Results.SignedURLTTL)

	metricsSvc := service.NewMetricsService(broker.PendingDepth)

	jobSvc := service.NewJobService(jobRepo, broker, resultStore, signer, metricsSvc, logr, service.JobServiceConfig{
		MaxTerms:             cfg.Jobs.MaxTerms,
		StalePendingAfter:    cfg.Jobs.StalePendingAfter,
		StaleProcessingAfter: cfg.Jobs.StaleProcessingAfter,
		RecoveryInterval:     cfg.Jobs.RecoveryInterval,
		CleanupInterval:      cfg.Results.CleanupInterval,
		ResultTTL:            cfg.Results.ResultTTL,
	})

	scheduler := compute.NewSchedulerClient(cfg.Upstream, logr)
	capacityCache := service.NewCapacityCache(capacityRepo, metricsSvc, cfg.Upstream.CapacityTTL)
	processor := compute.NewProcessor(scheduler, capacityCache, logr)

	worker := service.NewWorker(jobRepo, processor, resultStore, signer, metricsSvc, logr, service.WorkerConfig{
		ComputeTimeout:  cfg.Jobs.ComputeTimeout,
		EmbedLimitBytes: cfg.Jobs.EmbedLimitBytes,
		DownloadPath:    cfg.APIPrefix + "/enrollment/export",
	})

	dispatcher := jobs.NewDispatcher(broker, worker.Handle, cfg.Jobs.WorkerConcurrency, cfg.Jobs.MaxRetries, func(ctx context.Context, msg jobs.Message, cause error) {
		jobSvc.MarkFailed(ctx, msg.JobID, cause.Error())
	}, logr)
	dispatcher.Start(ctx)
	jobSvc.StartRecovery(ctx)
	jobSvc.StartCleanup(ctx)

	enrollmentHandler := handler.NewEnrollmentHandler(jobSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc, func() error {
		if err := db.Ping(); err != nil {
			return err
		}
		return redisClient.Ping(context.Background()).Err()
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	{
		api.POST("/enrollment", enrollmentHandler.Generate)
		api.GET("/enrollment/jobs/:id/status", enrollmentHandler.Status)
		api.GET("/enrollment/export/:token", enrollmentHandler.Download)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("server shutdown failed", "error", err)
	}
	dispatcher.Stop()
}
