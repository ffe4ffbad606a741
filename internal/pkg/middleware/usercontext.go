package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ScoutPass/app/models"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/database"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/session"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/usercontext"
)

// UserContextMiddleware sets up the complete user context for every request.
// The session is issued by the account service; only the user id is trusted
// from it, everything else is loaded from the database.
func UserContextMiddleware(c *fiber.Ctx) error {
	store := session.GetSessionStore()
	if store == nil {
		return anonymous(c)
	}
	sess, err := store.Get(c)
	if err != nil {
		return anonymous(c)
	}

	userID, ok := sess.Get(usercontext.KeyUserID).(uint)
	if !ok || userID == 0 {
		return anonymous(c)
	}

	db := database.GetDB()
	if db == nil {
		return anonymous(c)
	}
	user, err := models.FindUserByID(db, userID)
	if err != nil || user.Status != models.STATUS_ACTIVE {
		return anonymous(c)
	}

	plan := models.PlanFree
	if m, err := models.GetOrCreateMembership(db, user.ID); err == nil {
		plan = m.Plan
	} else {
		log.Warnw("[UserContext] Could not load membership", "user_id", user.ID, "error", err)
	}

	isAdmin, _ := sess.Get(usercontext.KeyIsAdmin).(bool)
	userCtx := usercontext.UserContext{
		UserID:     user.ID,
		Username:   user.Name,
		Email:      user.Email,
		IsLoggedIn: true,
		IsAdmin:    isAdmin,
		Plan:       plan,
	}
	c.Locals(usercontext.ContextKey, userCtx)
	c.Locals(usercontext.KeyFromProtected, true)
	c.Locals(usercontext.KeyIsAdmin, isAdmin)

	return c.Next()
}

func anonymous(c *fiber.Ctx) error {
	c.Locals(usercontext.ContextKey, usercontext.UserContext{
		IsLoggedIn: false,
		IsAdmin:    false,
	})
	c.Locals(usercontext.KeyFromProtected, false)
	c.Locals(usercontext.KeyIsAdmin, false)
	return c.Next()
}
