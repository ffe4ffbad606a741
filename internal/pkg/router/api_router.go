package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/ScoutPass/app/controllers"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/billing"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/middleware"
)

type ApiRouter struct {
	svc *billing.Service
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        60,
		Expiration: time.Minute,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")
	v1.Get("/ping", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{"ping": "pong"})
	})

	membership := v1.Group("/membership", middleware.ResolveEnvironment(h.svc.Resolver()))
	membership.Post("/checkout", middleware.RequireAPISessionAuth, controllers.HandleMembershipCheckout)
	// Status degrades to not-subscribed for anonymous callers.
	membership.Get("/status", controllers.HandleMembershipStatus)
}

func NewApiRouter(svc *billing.Service) *ApiRouter {
	return &ApiRouter{svc: svc}
}
