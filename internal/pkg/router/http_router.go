package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/ScoutPass/app/controllers"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/billing"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/middleware"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/session"
)

type HttpRouter struct {
	svc *billing.Service
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	if session.GetSessionStore() == nil {
		session.NewSessionStore()
	}

	app.Use(middleware.Metrics)

	// Processor webhooks carry no session and are signature-verified.
	resolve := middleware.ResolveEnvironment(h.svc.Resolver())
	app.Post("/webhooks/stripe", resolve, controllers.HandleStripeWebhook)
	app.Post("/webhooks/stripe/:environment", resolve, controllers.HandleStripeWebhook)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	// Apply UserContext middleware for everything registered after this point
	app.Use(middleware.UserContextMiddleware)
}

func NewHttpRouter(svc *billing.Service) *HttpRouter {
	return &HttpRouter{svc: svc}
}
