package usercontext

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ScoutPass/app/models"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/environment"
)

// UserContext represents the complete user context for a request
type UserContext struct {
	UserID     uint   `json:"user_id"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	IsLoggedIn bool   `json:"is_logged_in"`
	IsAdmin    bool   `json:"is_admin"`
	Plan       string `json:"plan"`
}

// GetUserContext retrieves the user context from fiber context
// Returns a default anonymous context if none is set
func GetUserContext(c *fiber.Ctx) UserContext {
	if ctx, ok := c.Locals(ContextKey).(UserContext); ok {
		return ctx
	}
	return UserContext{IsLoggedIn: false, IsAdmin: false}
}

// IsLoggedIn checks if the current user is logged in
func IsLoggedIn(c *fiber.Ctx) bool {
	return GetUserContext(c).IsLoggedIn
}

// GetUserID returns the current user's ID, or 0 if not logged in
func GetUserID(c *fiber.Ctx) uint {
	return GetUserContext(c).UserID
}

// User returns the account of a logged-in request, or nil.
func (u UserContext) User() *models.User {
	if !u.IsLoggedIn || u.UserID == 0 {
		return nil
	}
	return &models.User{ID: u.UserID, Name: u.Username, Email: u.Email}
}

// GetEnvironment returns the processor environment resolved for the
// request. Requests that never went through the resolver are sandbox.
func GetEnvironment(c *fiber.Ctx) environment.Environment {
	if env, ok := c.Locals(KeyEnvironment).(environment.Environment); ok {
		return env
	}
	return environment.Sandbox
}
