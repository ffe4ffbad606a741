package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ScoutPass/internal/pkg/billing"
	icuser "github.com/ManuelReschke/ScoutPass/internal/pkg/usercontext"
)

// RequireAPISessionAuth ensures a logged-in session for API routes and returns JSON 401 instead of redirect.
func RequireAPISessionAuth(c *fiber.Ctx) error {
	loggedIn, _ := c.Locals(icuser.KeyFromProtected).(bool)
	if !loggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":      billing.PublicMessage(billing.ErrorTypeAuth),
			"error_type": billing.ErrorTypeAuth,
		})
	}
	return c.Next()
}
