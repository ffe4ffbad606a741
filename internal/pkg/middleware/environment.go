package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ScoutPass/internal/pkg/environment"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/usercontext"
)

// ResolveEnvironment stores the processor environment of the request in
// Locals. An explicit :environment route param wins over the Origin header;
// an unknown tag is a 404 so a typo never falls through to another
// environment's secrets.
func ResolveEnvironment(resolver *environment.Resolver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if tag := c.Params("environment"); tag != "" {
			env, ok := environment.Parse(tag)
			if !ok {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_environment"})
			}
			c.Locals(usercontext.KeyEnvironment, env)
			return c.Next()
		}

		c.Locals(usercontext.KeyEnvironment, resolver.Resolve(c.Get(fiber.HeaderOrigin)))
		return c.Next()
	}
}
