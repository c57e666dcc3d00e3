package routes

import (
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"gorm.io/gorm"

	controller "clinicrm/controllers"
	"clinicrm/middleware"
	"clinicrm/utils"
)

func SetupAuthRoutes(app *fiber.App, db *gorm.DB) {
	authController := controller.NewAuthController(db)

	// Auth routes group with logging middleware
	auth := app.Group("/auth", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Public auth endpoints (no authentication required)
	auth.Post("/register", authController.Register)
	auth.Post("/login", authController.Login)
	auth.Post("/refresh", authController.Refresh)

	// Protected auth endpoints (require valid JWT)
	protectedAuth := auth.Group("", middleware.Protected())
	protectedAuth.Post("/logout", authController.Logout)
	protectedAuth.Get("/me", authController.Me)
}

func SetupAPIRoutes(app *fiber.App, db *gorm.DB, evo utils.EvolutionAPI, hub *controller.LiveHub) {
	// Initialize controllers with their respective loggers
	instanceController := controller.NewInstanceController(db, evo, log.New(os.Stdout, "INSTANCE: ", log.LstdFlags))
	messageController := controller.NewMessageController(db, evo, log.New(os.Stdout, "MESSAGE: ", log.LstdFlags))
	leadController := controller.NewLeadController(db, log.New(os.Stdout, "LEAD: ", log.LstdFlags))
	webhookController := controller.NewWebhookController(db, hub, log.New(os.Stdout, "WEBHOOK: ", log.LstdFlags))

	// Public webhook endpoint: the provider authenticates with the shared
	// secret, not a JWT
	app.Post("/webhooks/evolution", webhookController.HandleEvolution)
	app.Post("/webhooks/evolution/*", webhookController.HandleEvolution)

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Session / instance routes
	session := api.Group("/session")
	session.Get("/", instanceController.GetCurrentSession)
	session.Post("/start", instanceController.StartSession)
	session.Post("/qr/refresh", instanceController.RefreshQr)
	session.Post("/disconnect", instanceController.Disconnect)
	session.Delete("/", instanceController.RemoveInstance)

	// Message routes with rate limiting on the send endpoint
	message := api.Group("/messages")
	message.Post("/", middleware.SendRateLimiter(), messageController.SendMessage)
	message.Get("/", messageController.GetMessages)
	message.Get("/chats", messageController.ListChats)
	message.Get("/conversation/:phone", messageController.GetConversation)
	message.Get("/:id", messageController.GetMessage)

	// Lead routes
	lead := api.Group("/leads")
	lead.Post("/", leadController.CreateLead)
	lead.Get("/", leadController.GetLeads)
	lead.Get("/:id", leadController.GetLead)
	lead.Put("/:id", leadController.UpdateLead)
	lead.Delete("/:id", leadController.DeleteLead)

	// Webhook audit trail
	api.Get("/webhook-events", webhookController.GetWebhookEvents)

	// WebSocket route for live updates; the JWT middleware runs before the
	// upgrade and stashes the user id in locals
	app.Get("/api/v1/live", middleware.Protected(), websocket.New(func(c *websocket.Conn) {
		webhookController.HandleLiveEvents(c)
	}))
}

func SetupRoutes(app *fiber.App, db *gorm.DB, evo utils.EvolutionAPI, hub *controller.LiveHub) {
	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupAuthRoutes(app, db)
	SetupAPIRoutes(app, db, evo, hub)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
