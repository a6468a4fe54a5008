package main

import (
	"context"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/kestrelfi/limit-keeper/internal/auth"
	"github.com/kestrelfi/limit-keeper/internal/config"
	"github.com/kestrelfi/limit-keeper/internal/database"
	"github.com/kestrelfi/limit-keeper/internal/funding"
	"github.com/kestrelfi/limit-keeper/internal/monitor"
	"github.com/kestrelfi/limit-keeper/internal/orders"
	"github.com/kestrelfi/limit-keeper/internal/pool"
	"github.com/kestrelfi/limit-keeper/internal/relay"
	"github.com/kestrelfi/limit-keeper/internal/settlement"
	"github.com/kestrelfi/limit-keeper/internal/tickmath"
	"github.com/kestrelfi/limit-keeper/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// Demo assets seeded into the simulated pool backend so the API is usable
// out of the box.
const (
	demoToken0 = "0x00000000000000000000000000000000000aaaa1"
	demoToken1 = "0x00000000000000000000000000000000000bbbb2"
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

// main initializes and runs the keeper API server with graceful shutdown
// support. It sets up all required services, the database connection, the
// background upkeep loop, and the API routes.
func main() {
	cfg := config.GetConfig()

	// Initialize database
	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Simulated pool backend holding positions and escrow balances.
	pools := pool.NewSimulated()
	seedDemoPool(pools)

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	if err := authService.RegisterAPICredentials("0x1111111111111111111111111111111111111111", "test-api-secret"); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to register test credentials")
	}

	fundingService := funding.NewService(db, pools, cfg)
	fundingHandlers := funding.NewGinHandlers(fundingService)

	orderService := orders.NewService(db, fundingService, pools, pools)
	orderHandlers := orders.NewGinHandlers(orderService)

	engine := settlement.NewEngine(db, orderService, pools, cfg)

	monitorService := monitor.NewService(db, orderService, pools, engine, fundingService, cfg)
	monitorHandlers := monitor.NewGinHandlers(monitorService, fundingService)

	relayService := relay.NewService(db, orderService, fundingService)
	relayHandlers := relay.NewGinHandlers(relayService)

	// Create and start the upkeep keeper loop
	keeper := monitor.NewKeeper(monitorService, cfg.UpkeepInterval)
	keeperCtx, keeperCancel := context.WithCancel(context.Background())
	defer keeperCancel()

	go keeper.Start(keeperCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg, authHandlers, orderHandlers, fundingHandlers, relayHandlers, monitorHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
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

	keeperCancel()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// seedDemoPool creates a demo pool at a 1:1 price in the 0.3% fee tier.
func seedDemoPool(pools *pool.Simulated) {
	price, err := tickmath.EncodeSqrtRatioX96(big.NewInt(1), big.NewInt(1))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to encode demo pool price")
	}
	pools.CreatePool(demoToken0, demoToken1, 3000, price)
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Order, funding and relay routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	authHandlers *auth.GinHandlers,
	orderHandlers *orders.GinHandlers,
	fundingHandlers *funding.GinHandlers,
	relayHandlers *relay.GinHandlers,
	monitorHandlers *monitor.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orderGroup := v1.Group("/orders")
		orderGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			orderGroup.POST("", orderHandlers.PlaceOrderHandler())
			orderGroup.GET("", orderHandlers.ListOrdersHandler())
			orderGroup.GET("/:order_id", orderHandlers.GetOrderHandler())
			orderGroup.DELETE("/:order_id", orderHandlers.CancelOrderHandler())
			orderGroup.POST("/:order_id/claim", orderHandlers.ClaimOrderHandler())
		}

		// Funding routes
		fundingGroup := v1.Group("/funding")
		fundingGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			fundingGroup.GET("", fundingHandlers.GetFundingHandler())
			fundingGroup.POST("/deposit", fundingHandlers.AddFundingHandler())
			fundingGroup.POST("/withdraw", fundingHandlers.WithdrawFundingHandler())
		}

		// Relay routes
		relayGroup := v1.Group("/relay")
		relayGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			relayGroup.POST("", relayHandlers.RelayedCallHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(cfg.JWTSecret))
		{
			internal.POST("/upkeep/check", monitorHandlers.CheckUpkeepHandler())
			internal.POST("/upkeep/perform", monitorHandlers.PerformUpkeepHandler())
			internal.POST("/monitor/params", monitorHandlers.SetParamsHandler())
		}
	}
}
