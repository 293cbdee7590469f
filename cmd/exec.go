package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	pubnub "github.com/pubnub/go"

	"capacity-system/config"
	"capacity-system/handlers"
	_ "capacity-system/migrations"
	"capacity-system/monitoring"
	"capacity-system/security"
	"capacity-system/services"
	"capacity-system/utils"
)

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	// Initialize Redis
	redisClient := utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	defer redisClient.Close()

	// Outbound notifications; run silent without credentials
	var notifier services.Notifier = services.NoopNotifier{}
	if cfg.PubNubPublishKey != "" && cfg.PubNubSubscribeKey != "" {
		pnConfig := pubnub.NewConfig()
		pnConfig.PublishKey = cfg.PubNubPublishKey
		pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
		pnConfig.SecretKey = cfg.PubNubSecretKey

		notifier = services.NewPubNubNotifier(pubnub.NewPubNub(pnConfig))
	} else {
		log.Println("PubNub keys not configured, user notifications disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize services
	auditService := services.NewAuditService(app)
	planService := services.NewPlanService(app, auditService)
	capacityService := services.NewCapacityService(redisClient, planService, auditService)
	planService.BindLoadReader(capacityService.CurrentLoad)

	queueService := services.NewQueueService(redisClient, planService, notifier, cfg)
	processor := services.NewQueueProcessor(capacityService, queueService, planService, notifier, cfg)
	capacityService.SetReleaseHook(func(ctx context.Context) {
		if _, err := processor.Run(ctx); err != nil {
			log.Printf("Queue processing after release failed: %v", err)
		}
	})
	queueService.BindCapacityRelease(func(ctx context.Context, planType, orderID, reason string) error {
		_, err := capacityService.Release(ctx, planType, orderID, "", reason)
		return err
	})

	metricsService := services.NewMetricsService(capacityService, queueService, planService, auditService)

	if cfg.EnableMetrics {
		monitor := monitoring.NewMonitor(redisClient)
		capacityService.SetMonitor(monitor)
		monitoring.StartOpsServer(cfg.MetricsPort, redisClient)
	}

	// Inbound order pipeline events
	if cfg.OrderEventsSubKey != "" {
		listener, err := services.NewOrderEventsListener(capacityService, queueService, cfg)
		if err != nil {
			log.Printf("Order events listener disabled: %v", err)
		} else {
			listener.Start(ctx)
		}
	}

	// Initialize handlers
	capacityHandler := handlers.NewCapacityHandler(app, capacityService, metricsService)
	queueHandler := handlers.NewQueueHandler(app, queueService)
	adminHandler := handlers.NewAdminHandler(app, capacityService, queueService, processor, planService, auditService, metricsService, cfg)

	rateLimiter := security.NewRateLimiter(redisClient, cfg.RateLimitPerMinute)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: cfg.Environment == "development",
	})

	// Start background tasks
	go queueService.SweepLoop(ctx)
	go queueService.UpdateQueuePositions(ctx)
	go processor.SafetyNetLoop(ctx)

	// Setup graceful shutdown
	go handleShutdown(cancel)

	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		startCtx, startCancel := context.WithTimeout(ctx, 10*time.Second)
		defer startCancel()

		if err := capacityService.EnsureState(startCtx, cfg); err != nil {
			return err
		}
		if seeded, err := planService.SeedDefaults(startCtx); err != nil {
			return err
		} else if seeded > 0 {
			log.Printf("Seeded %d default plan configs", seeded)
		}

		// Catch up on capacity released while the process was down
		go func() {
			if _, err := processor.Run(context.Background()); err != nil {
				log.Printf("Startup queue processing failed: %v", err)
			}
		}()

		g := se.Router.Group("/api/v1")
		g.BindFunc(rateLimiter.Limit())

		// Public capacity endpoints
		g.GET("/availability/{planType}", capacityHandler.CheckAvailability)
		g.GET("/status", capacityHandler.GetStatus)
		g.POST("/reserve", capacityHandler.Reserve)

		// Waiting queue endpoints
		g.POST("/waiting-queue", queueHandler.JoinWaitingQueue).BindFunc(rateLimiter.AntiBot())
		g.GET("/waiting-queue/position/{planType}", queueHandler.GetPosition)

		// Admin endpoints
		g.GET("/admin/metrics", adminHandler.GetMetrics)
		g.PUT("/admin/config/{planType}", adminHandler.UpsertPlanConfig)
		g.PUT("/admin/status", adminHandler.SetStatus)
		g.PUT("/admin/capacity", adminHandler.SetCapacity)
		g.POST("/admin/release", adminHandler.Release)
		g.GET("/admin/history", adminHandler.GetHistory)
		g.GET("/admin/waiting-queue", adminHandler.ListQueue)
		g.DELETE("/admin/waiting-queue/{id}", adminHandler.RemoveQueueEntry)
		g.POST("/admin/notify-queue", adminHandler.NotifyQueue)
		g.DELETE("/admin/cleanup-queue", adminHandler.CleanupQueue)
		g.POST("/admin/initialize", adminHandler.Initialize)
		g.POST("/admin/force-adjust", adminHandler.ForceAdjust)
		g.GET("/admin/verify-ledger", adminHandler.VerifyLedger)

		// Health check
		se.Router.GET("/health", func(e *core.RequestEvent) error {
			if err := utils.RedisHealthCheck(redisClient); err != nil {
				return e.JSON(503, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(200, map[string]string{"status": "healthy"})
		})

		log.Println("Server routes registered")

		return se.Next()
	})

	return app.Start()
}

// handleShutdown handles graceful shutdown
func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutdown signal received, cleaning up...")
	cancel()
}
