package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ScoutPass/app/controllers"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/billing"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

func InstallRouter(app *fiber.App, svc *billing.Service) {
	controllers.InitializeMembershipController(svc)

	// HttpRouter first: it opens the session store and installs the global
	// UserContext middleware the API routes depend on.
	setup(app, NewHttpRouter(svc), NewApiRouter(svc))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
