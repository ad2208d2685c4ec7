package main

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/propalert/market-alert-backend/config"
	"github.com/propalert/market-alert-backend/database"
	"github.com/propalert/market-alert-backend/handlers"
	"github.com/propalert/market-alert-backend/jobs"
	"github.com/propalert/market-alert-backend/models"
	"github.com/propalert/market-alert-backend/services"
	"github.com/propalert/market-alert-backend/shared"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load config
	cfg := config.LoadConfig()
	cfg.ConfigureLogging()

	unified := shared.NewDefaultUnifiedConfiguration()
	unified.ValidateAndApplyDefaults()

	// Connect to database
	if err := database.ConnectWithConfig(cfg.DatabaseURL, &unified.Database); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Run migrations
	if err := database.Migrate("database/schema.sql"); err != nil {
		log.Printf("Migration warning: %v", err)
	}

	// Circuit breaker state is shared through Redis when available so every
	// instance sees the same open/closed decision.
	var breakerStore shared.BreakerStore
	if cfg.RedisAddr != "" {
		redisStore, err := shared.NewRedisBreakerStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logrus.WithError(err).Warn("Redis unavailable, falling back to in-memory breaker state")
			breakerStore = shared.NewMemoryBreakerStore()
		} else {
			defer redisStore.Close()
			breakerStore = redisStore
		}
	} else {
		logrus.Warn("REDIS_ADDR not set, breaker state is per-instance only")
		breakerStore = shared.NewMemoryBreakerStore()
	}
	breaker := shared.NewCircuitBreaker(breakerStore, unified.Dispatch.BreakerThreshold, unified.Dispatch.BreakerCooldown)

	// Shared HTTP plumbing
	clientFactory := shared.NewHTTPClientFactory(unified.ListingSource.HTTPRequestTimeout)
	defer clientFactory.CleanupAllClients()

	// Stores
	matchEngine := services.NewMatchEngine()
	institutionService := services.NewInstitutionService(database.DB)
	addressService := services.NewAddressService(database.DB, matchEngine, unified.Scan.AddressPageSize)
	scanLogService := services.NewScanLogService(database.DB)
	alertService := services.NewAlertService(database.DB)
	scheduleService := services.NewScheduleService(database.DB)

	// Delivery channels and dispatcher
	csvExportDir := cfg.CSVExportDir
	if csvExportDir == "" {
		csvExportDir = unified.Dispatch.CSVExportDir
	}
	webhookChannel := services.NewWebhookChannel(clientFactory, breaker, unified.Dispatch)
	emailChannel := services.NewEmailChannel(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom)
	csvChannel := services.NewCSVChannel(csvExportDir)
	dispatcher := services.NewDispatcher(alertService, unified.Dispatch, webhookChannel, emailChannel, csvChannel)
	defer dispatcher.Close()

	// Scan pipeline
	sourceFactory := func(scanConfig models.ScanConfig) (services.ListingSource, error) {
		return services.NewListingSourceForInstitution(scanConfig, unified.ListingSource, clientFactory, cfg.RentCastAPIKey)
	}
	orchestrator := services.NewScanOrchestrator(
		institutionService,
		addressService,
		scanLogService,
		alertService,
		matchEngine,
		dispatcher,
		sourceFactory,
		unified.Scan,
	)

	// Metrics registry for the admin endpoint
	metricsRegistry := shared.NewMetricsRegistry()
	metricsRegistry.Register(orchestrator.Metrics())
	metricsRegistry.Register(dispatcher.Metrics())
	metricsRegistry.Register(webhookChannel.Metrics())

	// Scheduler
	schedulerJob := jobs.NewScanSchedulerJob(scheduleService, orchestrator, time.Duration(cfg.SchedulerTickSec)*time.Second)
	schedulerJob.Start()
	defer schedulerJob.Stop()

	// Handlers
	institutionHandler := handlers.NewInstitutionHandler(institutionService)
	addressHandler := handlers.NewAddressHandler(addressService)
	scanHandler := handlers.NewScanHandler(orchestrator, scanLogService)
	alertHandler := handlers.NewAlertHandler(alertService)
	scheduleHandler := handlers.NewScheduleHandler(scheduleService)
	metricsHandler := handlers.NewMetricsHandler(metricsRegistry)

	// Setup Fiber
	app := fiber.New()

	// Middleware
	app.Use(fiberlogger.New())
	app.Use(cors.New())

	// Health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		if err := database.HealthCheck(); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "degraded",
				"error":  err.Error(),
			})
		}
		return c.JSON(fiber.Map{
			"status":    "ok",
			"timestamp": time.Now().Unix(),
		})
	})

	// Routes
	api := app.Group("/api/v1")

	// Institution routes
	api.Post("/institutions", institutionHandler.CreateInstitution)
	api.Get("/institutions", institutionHandler.ListInstitutions)
	api.Get("/institutions/:id", institutionHandler.GetInstitution)
	api.Put("/institutions/:id", institutionHandler.UpdateInstitution)
	api.Delete("/institutions/:id", institutionHandler.DeactivateInstitution)

	// Address routes
	api.Post("/addresses", addressHandler.CreateAddress)
	api.Get("/addresses", addressHandler.ListAddresses)
	api.Get("/addresses/:id", addressHandler.GetAddress)
	api.Put("/addresses/:id", addressHandler.UpdateAddress)
	api.Delete("/addresses/:id", addressHandler.DeleteAddress)
	api.Post("/institutions/:institutionId/addresses/import", addressHandler.BulkImportAddresses)

	// Scan routes
	api.Post("/scan/start", scanHandler.StartScan)
	api.Post("/scan/stop", scanHandler.StopScan)
	api.Get("/scan/stats", scanHandler.GetScanStats)
	api.Get("/scan/history", scanHandler.GetScanHistory)
	api.Get("/scan/:scanId/status", scanHandler.GetScanStatus)

	// Alert routes
	api.Get("/alerts", alertHandler.ListAlerts)

	// Schedule routes
	api.Put("/institutions/:institutionId/schedule", scheduleHandler.UpsertSchedule)
	api.Get("/institutions/:institutionId/schedule", scheduleHandler.GetSchedule)

	// Admin routes
	admin := api.Group("/admin", adminAuth(cfg.AdminToken))
	admin.Get("/metrics", metricsHandler.GetServiceMetrics)

	// Start server
	log.Printf("Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

// adminAuth guards operator endpoints with a static bearer token. When no
// token is configured the endpoints are disabled rather than left open.
func adminAuth(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token == "" {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"success": false,
				"error":   "admin endpoints disabled, ADMIN_TOKEN not configured",
			})
		}
		if c.Get("Authorization") != "Bearer "+token {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "invalid admin token",
			})
		}
		return c.Next()
	}
}
