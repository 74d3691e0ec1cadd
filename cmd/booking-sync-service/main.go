package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/booking_sync/beds24"
	"github.com/mmdatafocus/booking_sync/bookingsync"
	"github.com/mmdatafocus/booking_sync/config"
	"github.com/mmdatafocus/booking_sync/middlewares"
	"github.com/mmdatafocus/booking_sync/models"
	"github.com/mmdatafocus/booking_sync/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("BOOKING_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	settings := config.LoadSettings()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	handlers := &bookingsync.Handlers{WebhookToken: settings.WebhookToken, Logger: logger}

	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	var ready atomic.Bool
	r.Use(func(c *gin.Context) {
		if !ready.Load() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		if len(corsConfig.AllowOrigins) == 0 {
			corsConfig.AllowOrigins = []string{}
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", middlewares.CorrelationHeader)
	corsConfig.AddExposeHeaders("Content-Length", middlewares.CorrelationHeader)

	r.Use(cors.New(corsConfig))
	r.Use(middlewares.RequestLogger(logger))
	r.Use(gin.Recovery())

	api := r.Group("/api/sync", middlewares.AdminAuthMiddleware(settings.AdminJWTSecret))
	api.POST("/run", handlers.RunAllHandler())
	api.POST("/phases/:phase", handlers.RunPhaseHandler())
	api.POST("/jobs", handlers.EnqueueJobHandler())
	api.GET("/runs", handlers.RunHistoryHandler())
	api.GET("/status", handlers.StatusHandler())

	r.POST("/webhooks/beds24", handlers.WebhookHandler())
	// Pub/Sub push endpoint for the sync worker.
	r.POST("/pubsub/booking-sync", handlers.PubSubPushHandler())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	locker := beds24.NewRedisLocker(config.GetRedisLock())
	tokens := beds24.NewTokenManagerFromSettings(settings, beds24.NewRedisCredentialCache(config.GetRedisDB(), ""), locker)
	client, err := beds24.NewClientFromSettings(settings, tokens)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "beds24"}).Fatal(err)
	}

	store := bookingsync.NewGormBookingStore(db)
	orchestrator := bookingsync.NewOrchestratorFromSettings(settings, client, store)
	var archiver bookingsync.ReportArchiver
	if settings.ReportBucket != "" {
		archiver = bookingsync.NewGCSReportArchiver(settings.ReportBucket)
	}
	runner := bookingsync.NewRunner(orchestrator, bookingsync.NewGormRunLog(db), bookingsync.RunnerOptions{
		Archiver: archiver,
		Logger:   logger,
	})
	worker := bookingsync.NewWorker(runner, settings.SyncJobMaxAttempts, settings.SyncWorkerConcurrency, logger)

	handlers.Runs = runner
	handlers.Syncer = orchestrator
	handlers.Fetcher = client
	handlers.Messages = worker
	handlers.Bookings = store
	handlers.Locker = locker
	if settings.WebhookDebounce > 0 {
		handlers.Debouncer = bookingsync.NewRedisDebouncer(config.GetRedisDB(), settings.WebhookDebounce, logger)
	}

	if err := startQueue(sigCtx, settings, handlers, worker, logger); err != nil {
		logger.WithFields(logrus.Fields{"field": "pubsub"}).Error(err)
	}

	ready.Store(true)

	var scheduler *bookingsync.Scheduler
	if settings.SyncCronEnabled {
		scheduler, err = bookingsync.NewScheduler(runner.Run, locker, settings.SyncCronTZ, logger)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "cron"}).Fatal(err)
		}
		if _, err := scheduler.Register(settings.SyncCronSchedule, models.SyncJob{Type: models.SyncJobTypeFull}); err != nil {
			logger.WithFields(logrus.Fields{"field": "cron"}).Fatal(err)
		}
		if _, err := scheduler.Register(settings.SyncModifiedCronSchedule, models.SyncJob{Type: models.SyncJobTypeModified}); err != nil {
			logger.WithFields(logrus.Fields{"field": "cron"}).Fatal(err)
		}
		scheduler.Start()
		logger.WithFields(logrus.Fields{"field": "cron", "tz": settings.SyncCronTZ}).Info("sync schedule started")
	}

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if scheduler != nil {
			select {
			case <-scheduler.Stop().Done():
			case <-shutdownCtx.Done():
			}
		}
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

// startQueue wires the jobs topic for enqueueing and, when enabled, starts
// the pull worker on the jobs subscription.
func startQueue(ctx context.Context, settings config.Settings, handlers *bookingsync.Handlers, worker *bookingsync.Worker, logger *logrus.Logger) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(ctx, client, settings.SyncJobsTopic)
	if err != nil {
		return err
	}
	handlers.Jobs = bookingsync.NewDispatcher(bookingsync.NewTopicPublisher(topic), logger)

	if !settings.SyncWorkerEnabled {
		return nil
	}
	sub, err := config.CreateSubscriptionIfNotExists(ctx, client, settings.SyncJobsSubscription, topic, config.SubscriptionOptions{
		AckDeadline:         10 * time.Minute,
		DeadLetterTopic:     settings.SyncJobsDeadLetterTopic,
		MaxDeliveryAttempts: settings.SyncJobMaxAttempts,
	})
	if err != nil {
		return err
	}
	go func() {
		if err := worker.Run(ctx, sub); err != nil {
			config.LogError(logger, "booking-sync-service", "startQueue", "receive sync jobs", nil, err)
		}
	}()
	return nil
}
