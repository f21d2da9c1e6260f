package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/tipglass/tipglass/app/controllers"
	"github.com/tipglass/tipglass/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		// Payment processors retry aggressively; keep the ceiling high
		// enough that a retry storm never looks like a delivery failure.
		Max: 300,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")
	webhooks := v1.Group("/webhooks")
	webhooks.Post("/stripe", controllers.HandleStripeWebhook)
	webhooks.Post("/stripe/test", controllers.HandleStripeWebhookTest)

	events := webhooks.Group("/stripe/events", middleware.OperatorKeyMiddleware())
	events.Get("/:id", controllers.HandleWebhookEventLookup)
	events.Post("/:id/reprocess", controllers.HandleWebhookEventReprocess)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
