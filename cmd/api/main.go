package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carevoice/intake-orchestrator/internal/adapters/automation"
	"github.com/carevoice/intake-orchestrator/internal/adapters/database"
	"github.com/carevoice/intake-orchestrator/internal/adapters/events"
	"github.com/carevoice/intake-orchestrator/internal/api/handlers"
	"github.com/carevoice/intake-orchestrator/internal/api/routes"
	"github.com/carevoice/intake-orchestrator/internal/application/services"
	"github.com/carevoice/intake-orchestrator/internal/domain/providers"
	"github.com/carevoice/intake-orchestrator/internal/domain/repositories"
	"github.com/carevoice/intake-orchestrator/internal/infrastructure/clients/postgres"
	"github.com/carevoice/intake-orchestrator/internal/infrastructure/clients/redis"
	"github.com/carevoice/intake-orchestrator/internal/infrastructure/notifications"
	"github.com/carevoice/intake-orchestrator/internal/infrastructure/observability"
	"github.com/carevoice/intake-orchestrator/pkg/config"
	"github.com/carevoice/intake-orchestrator/pkg/secrets"
)

func main() {

	// Hydrate environment from Vault before reading configuration
	vaultCtx, vaultCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if result, err := secrets.ApplyVaultSecrets(vaultCtx, secrets.LoadVaultConfigFromEnv()); err != nil {
		log.Printf("Warning: Vault secrets not applied: %v", err)
	} else if result.Loaded > 0 {
		log.Printf("Loaded %d secrets from Vault path %s", result.Loaded, result.Path)
	}
	vaultCancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	observability.InitLogger(cfg.OTEL.ServiceName, cfg.Server.Env)

	// Set up context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry if enabled
	var shutdown func(context.Context) error
	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint != "" {
		shutdown, err = observability.Setup(
			ctx,
			cfg.OTEL.ServiceName,
			cfg.OTEL.ServiceVersion,
			cfg.OTEL.Endpoint,
		)
		if err != nil {
			log.Printf("Warning: Failed to set up OpenTelemetry: %v", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					log.Printf("Error shutting down OpenTelemetry: %v", err)
				}
			}()
			log.Println("OpenTelemetry initialized successfully")
		}
	}

	// Initialize metrics
	metrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}

	// Initialize database-backed workflow store, falling back to the
	// in-memory store for local development without Postgres
	var workflowRepo repositories.WorkflowRepository
	pgClient, err := postgres.NewClient(&cfg.Database)
	if err != nil {
		log.Printf("Warning: Failed to initialize PostgreSQL client: %v", err)
		log.Println("Workflow store running in-memory (state is lost on restart)")
		workflowRepo = database.NewMemoryWorkflowAdapter()
	} else {
		defer pgClient.Close()
		workflowRepo = database.NewWorkflowAdapter(pgClient)
		log.Println("PostgreSQL client initialized successfully")
	}

	// Initialize event bus, preferring Redis pub/sub so events reach every
	// orchestrator instance
	var eventBus providers.EventBus
	redisClient, err := redis.NewClient(&cfg.Redis)
	if err != nil {
		log.Printf("Warning: Failed to initialize Redis client: %v", err)
		eventBus = events.NewMemoryEventBus()
		log.Println("Event bus running in-process (Redis unavailable)")
	} else {
		defer redisClient.Close()
		eventBus = events.NewRedisEventBus(redisClient)
		log.Println("Redis event bus initialized successfully")
	}

	// Initialize the automation driver factory. The real remote-session
	// driver is an external collaborator; the mock keeps local development
	// self-contained.
	var driverFactory providers.DriverFactory
	switch os.Getenv("AUTOMATION_DRIVER") {
	case "", "mock":
		driverFactory = automation.NewMockDriverFactory()
		log.Println("Using mock automation driver")
	default:
		log.Fatalf("Unknown AUTOMATION_DRIVER %q", os.Getenv("AUTOMATION_DRIVER"))
	}

	// Initialize SMS sender for fallback links
	var textSender services.TextSender
	if cfg.Notifications.GatewayURL != "" && cfg.Notifications.APIKey != "" {
		sender, err := notifications.NewSMSSender(
			cfg.Notifications.GatewayURL,
			cfg.Notifications.APIKey,
			cfg.Notifications.SenderPhone,
		)
		if err != nil {
			log.Printf("Warning: Failed to initialize SMS sender: %v", err)
		} else {
			textSender = sender
			log.Println("SMS sender initialized successfully")
		}
	} else {
		log.Println("SMS sender disabled (gateway not configured)")
	}

	// Initialize services
	coordinator := services.NewOTPCoordinator(cfg.Workflow.OTPTimeout)
	notificationService := services.NewNotificationService(textSender, cfg.Workflow.FallbackLinkBase)
	workflowService := services.NewWorkflowService(
		workflowRepo,
		eventBus,
		coordinator,
		notificationService,
		metrics,
		cfg.Workflow.MaxScreenshots,
	)
	sessionRunner := services.NewSessionRunner(workflowService, driverFactory)

	// Initialize handlers
	workflowHandler := handlers.NewWorkflowHandler(workflowService, sessionRunner)
	sseHandler := handlers.NewSSEHandler(eventBus)

	// Set up router
	router := routes.NewRouter(workflowHandler, sseHandler, metrics)
	handler := router.SetupRoutes()

	// Create HTTP server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:        serverAddr,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		// SSE streams stay open well past a normal request
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Server starting on %s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error during server shutdown: %v", err)
	}

	// Reject pending passcode waits so blocked sessions unwind
	workflowService.Shutdown()

	// Close event bus
	if err := eventBus.Close(); err != nil {
		log.Printf("Error closing event bus: %v", err)
	}

	log.Println("Server stopped")
}
