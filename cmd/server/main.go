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

	"github.com/ksred/klear-dex/internal/auth"
	"github.com/ksred/klear-dex/internal/config"
	"github.com/ksred/klear-dex/internal/database"
	"github.com/ksred/klear-dex/internal/dex"
	"github.com/ksred/klear-dex/internal/events"
	"github.com/ksred/klear-dex/internal/history"
	"github.com/ksred/klear-dex/internal/ledger"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/ksred/klear-dex/pkg/middleware"
	"github.com/ksred/klear-dex/pkg/response"

	"github.com/gin-gonic/gin"
)

// setupLogging configures zerolog from the loaded config
// Outside production it enables pretty printing with timestamps
func setupLogging(cfg *config.Config) {
	if !cfg.Production() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main wires the ledgers, exchange engine, history and event publisher and
// serves the API with graceful shutdown support
func main() {
	configPath := flag.String("config", "", "path to a config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogging(cfg)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}
	historyDB := history.NewDatabase(db)

	// Initialize observers
	observers := []dex.Observer{history.NewRecorder(historyDB)}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher := events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() {
			if err := publisher.Close(); err != nil {
				zlog.Error().Err(err).Msg("Failed to close event publisher")
			}
		}()
		observers = append(observers, publisher)
		zlog.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("Publishing events to Kafka")
	}

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	creds, err := cfg.Credentials()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid API credentials in config")
	}
	for key, secret := range creds {
		authService.RegisterAPICredentials(key, secret)
	}
	authHandlers := auth.NewGinHandlers(authService)

	registry := ledger.NewRegistry()
	engineAddress := types.Address(cfg.EngineAddress)
	engine := dex.NewEngine(engineAddress, dex.FromRegistry(registry), dex.WithObservers(observers...))

	ledgerHandlers := ledger.NewGinHandlers(registry, engineAddress)
	dexHandlers := dex.NewGinHandlers(engine, historyDB)
	historyHandlers := history.NewGinHandlers(historyDB)

	// Initialize router
	router := gin.New()
	router.Use(gin.Recovery())
	setupRoutes(router, authService, authHandlers, ledgerHandlers, dexHandlers, historyHandlers)

	port := cfg.Port
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown setup
	go func() {
		zlog.Info().Str("port", port).Str("engine_address", cfg.EngineAddress).Msg("Dex API listening")
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
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// - Auth routes: public, exchange API credentials for a JWT
// - Token routes: deploy tokens, approvals, transfers and balance queries
// - Order routes: create, claim, partial buy and order queries
// - Account routes: fill history
// Everything except auth and health requires a JWT and is rate limited per caller.
func setupRoutes(
	router *gin.Engine,
	validator middleware.TokenValidator,
	authHandlers *auth.GinHandlers,
	ledgerHandlers *ledger.GinHandlers,
	dexHandlers *dex.GinHandlers,
	historyHandlers *history.GinHandlers,
) {
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authRoutes := v1.Group("/auth")
		authRoutes.Use(middleware.RateLimit())
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Token routes
		tokens := v1.Group("/tokens")
		tokens.Use(middleware.JWTAuth(validator), middleware.RateLimit())
		{
			tokens.POST("", ledgerHandlers.DeployTokenHandler())
			tokens.GET("", ledgerHandlers.ListTokensHandler())
			tokens.GET("/:token", ledgerHandlers.GetTokenHandler())
			tokens.GET("/:token/balances/:owner", ledgerHandlers.BalanceHandler())
			tokens.GET("/:token/allowances/:owner/:spender", ledgerHandlers.AllowanceHandler())
			tokens.POST("/:token/approve", ledgerHandlers.ApproveHandler())
			tokens.POST("/:token/transfer", ledgerHandlers.TransferHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(validator), middleware.RateLimit())
		{
			orders.POST("", dexHandlers.CreateOrderHandler())
			orders.GET("", dexHandlers.ListOrdersHandler())
			orders.GET("/:order_id", dexHandlers.GetOrderHandler())
			orders.POST("/:order_id/claim", dexHandlers.ClaimOrderHandler())
			orders.POST("/:order_id/buy", dexHandlers.BuyOrderPartialHandler())
			orders.GET("/:order_id/fills", historyHandlers.GetOrderFillsHandler())
		}

		// Account routes
		accounts := v1.Group("/accounts")
		accounts.Use(middleware.JWTAuth(validator), middleware.RateLimit())
		{
			accounts.GET("/:address/fills", historyHandlers.GetAccountFillsHandler())
		}
	}
}
