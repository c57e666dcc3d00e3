package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"

	"clinicrm/config"
	controller "clinicrm/controllers"
	"clinicrm/middleware"
	"clinicrm/routes"
	"clinicrm/utils"
	"clinicrm/worker"
)

func main() {
	// Initialize logger
	logger := log.New(os.Stdout, "SERVER: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize Sentry when a DSN is configured
	if dsn := config.AppConfig.SentryDSN; dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Printf("Sentry init failed: %v", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Create Fiber app
	app := fiber.New()

	// Add CORS middleware
	app.Use(middleware.CORS())

	// Provider gateway; runs in mock mode when no credentials are configured
	evo := utils.NewEvolutionClient(
		config.AppConfig.Evolution.BaseURL,
		config.AppConfig.Evolution.APIKey,
		nil,
	)

	// Live-update hub for websocket subscribers
	hub := controller.NewLiveHub()

	// Initialize and start the status reconciliation worker
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	statusWorker := worker.NewStatusWorker(config.DB, evo, log.New(os.Stdout, "STATUS: ", log.LstdFlags))
	go statusWorker.Start(ctx)

	// Setup routes
	routes.SetupRoutes(app, config.DB, evo, hub)

	// Start server
	logger.Printf("Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
