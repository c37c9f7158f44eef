package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/openfinex/inventory-api/internal/auth"
	"github.com/openfinex/inventory-api/internal/config"
	"github.com/openfinex/inventory-api/internal/database"
	"github.com/openfinex/inventory-api/internal/events"
	"github.com/openfinex/inventory-api/internal/inventory"
	"github.com/openfinex/inventory-api/internal/limits"
	"github.com/openfinex/inventory-api/internal/orchestrator"
	"github.com/openfinex/inventory-api/internal/position"
	"github.com/openfinex/inventory-api/internal/rules"
	"github.com/openfinex/inventory-api/pkg/metrics"
	"github.com/openfinex/inventory-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the inventory engine with graceful shutdown
// support. It wires the stores, the rule engine, the calculation
// orchestrator and the API routes.
func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			zlog.Fatal().Err(err).Msg("Failed to load configuration")
		}
		cfg = loaded
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.Server.DSN)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.Server.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register default credentials for non-production environments
	if cfg.Env != "production" {
		authService.RegisterAPICredentials("test-api-key", "test-api-secret",
			auth.PermissionRead, auth.PermissionValidate)
		authService.RegisterAPICredentials("internal-api-key", "internal-api-secret",
			auth.PermissionRead, auth.PermissionValidate, auth.PermissionRules, auth.PermissionInternal)
	}

	hub := events.NewHub()

	positionService := position.NewService(db, hub)
	positionHandlers := position.NewGinHandlers(positionService)

	ruleService := rules.NewService(db)
	ruleHandlers := rules.NewGinHandlers(ruleService)

	inventoryService := inventory.NewService(db, ruleService, inventory.BuildPolicies(cfg.Markets), hub)
	inventoryHandlers := inventory.NewGinHandlers(inventoryService)

	limitService := limits.NewService(db, cfg.SLA.ShortSellBudget())
	limitHandlers := limits.NewGinHandlers(limitService)

	engine := orchestrator.New(db, positionService, inventoryService, limitService, hub, cfg)
	orchestratorHandlers := orchestrator.NewGinHandlers(engine)

	// Background components share one lifecycle context
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	go hub.Run(runCtx)
	engine.Start(runCtx)

	// Config hot reload swaps market policies without a restart
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath)
		if err != nil {
			zlog.Error().Err(err).Msg("Failed to start config watcher")
		} else {
			go watcher.Start(runCtx, func(updated *config.Config) {
				inventoryService.UpdatePolicies(inventory.BuildPolicies(updated.Markets))
			})
		}
	}

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg, hub,
		authHandlers, positionHandlers, ruleHandlers,
		inventoryHandlers, limitHandlers, orchestratorHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}
	runCancel()
	engine.Wait()

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Query and validation routes: Protected by JWT authentication
// - Internal routes: Protected by the internal permission
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	hub *events.Hub,
	authHandlers *auth.GinHandlers,
	positionHandlers *position.GinHandlers,
	ruleHandlers *rules.GinHandlers,
	inventoryHandlers *inventory.GinHandlers,
	limitHandlers *limits.GinHandlers,
	orchestratorHandlers *orchestrator.GinHandlers,
) {
	secret := cfg.Server.JWTSecret

	router.GET("/metrics", metrics.Handler())

	v1 := router.Group("/api/v1")
	{
		// Event stream. Browser websocket clients cannot set an
		// Authorization header, so the perimeter gateway terminates auth.
		v1.GET("/ws", hub.ServeWS())

		// Auth routes
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Query routes
		queries := v1.Group("")
		queries.Use(middleware.JWTAuth(secret))
		{
			queries.GET("/positions", positionHandlers.QueryPositionsHandler())
			queries.GET("/inventory", inventoryHandlers.QueryInventoryHandler())
			queries.GET("/limits", limitHandlers.QueryLimitsHandler())
			queries.GET("/locates", inventoryHandlers.ListLocatesHandler())
			queries.GET("/rules", ruleHandlers.ListRulesHandler())
			queries.GET("/rules/:rule_id/versions", ruleHandlers.ListRuleVersionsHandler())
		}

		// Trading workflow routes
		workflow := v1.Group("")
		workflow.Use(middleware.JWTAuth(secret))
		{
			workflow.POST("/locates", inventoryHandlers.RequestLocateHandler())
			workflow.POST("/locates/:locate_id/release", inventoryHandlers.ReleaseLocateHandler())
			workflow.POST("/validate/sell", limitHandlers.ValidateSellHandler())
		}

		// Rule administration routes
		admin := v1.Group("/rules")
		admin.Use(middleware.JWTAuth(secret), middleware.RequirePermission(auth.PermissionRules))
		{
			admin.POST("", ruleHandlers.CreateRuleHandler())
			admin.PUT("/:rule_id", ruleHandlers.UpdateRuleHandler())
			admin.POST("/:rule_id/publish", ruleHandlers.PublishRuleHandler())
			admin.POST("/:rule_id/revert", ruleHandlers.RevertRuleHandler())
			admin.POST("/test", ruleHandlers.TestRuleHandler())
		}

		// Internal routes (ingestion, recalculation, operations)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(secret))
		{
			internal.POST("/positions", positionHandlers.UpsertPositionHandler())
			internal.POST("/availability/external", inventoryHandlers.ExternalAvailabilityHandler())
			internal.POST("/availability/decrement", inventoryHandlers.DecrementAvailabilityHandler())
			internal.POST("/limits", limitHandlers.SetLimitHandler())
			internal.POST("/validate/reverse", limitHandlers.ReverseSellHandler())
			internal.POST("/recalculate", orchestratorHandlers.TriggerRecalculationHandler())
			internal.GET("/passes", orchestratorHandlers.ListPassesHandler())
			internal.GET("/alerts", orchestratorHandlers.ListAlertsHandler())
			internal.POST("/alerts/:alert_id/acknowledge", orchestratorHandlers.AcknowledgeAlertHandler())
		}
	}
}
