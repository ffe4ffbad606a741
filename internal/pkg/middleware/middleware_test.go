package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	fibersession "github.com/gofiber/fiber/v2/middleware/session"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/ScoutPass/app/models"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/database"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/environment"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/metrics"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/session"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/usercontext"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))
	return db
}

// login issues a session cookie for userID the way the account service does.
func login(t *testing.T, store *fibersession.Store, userID uint) *http.Cookie {
	t.Helper()
	issuer := fiber.New()
	issuer.Get("/", func(c *fiber.Ctx) error {
		sess, err := store.Get(c)
		if err != nil {
			return err
		}
		sess.Set(usercontext.KeyUserID, userID)
		return sess.Save()
	})
	resp, err := issuer.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	for _, ck := range resp.Cookies() {
		if ck.Name == "session_id" {
			return ck
		}
	}
	t.Fatal("no session cookie issued")
	return nil
}

func whoami(t *testing.T, cookie *http.Cookie) usercontext.UserContext {
	t.Helper()
	app := fiber.New()
	app.Use(UserContextMiddleware)
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(usercontext.GetUserContext(c))
	})
	req := httptest.NewRequest("GET", "/", nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var uc usercontext.UserContext
	require.NoError(t, json.Unmarshal(raw, &uc))
	return uc
}

func TestUserContextMiddleware(t *testing.T) {
	db := setupTestDB(t)
	prevDB := database.DB
	database.DB = db
	t.Cleanup(func() { database.DB = prevDB })

	store := fibersession.New(fibersession.Config{KeyLookup: "cookie:session_id"})
	session.UseStore(store)
	t.Cleanup(func() { session.UseStore(nil) })

	active := &models.User{Name: "Coach Carter", Email: "coach@example.com", Status: models.STATUS_ACTIVE}
	disabled := &models.User{Name: "Gone Scout", Email: "gone@example.com", Status: models.STATUS_DISABLED}
	require.NoError(t, db.Create(active).Error)
	require.NoError(t, db.Create(disabled).Error)

	t.Run("anonymous", func(t *testing.T) {
		uc := whoami(t, nil)
		assert.False(t, uc.IsLoggedIn)
	})

	t.Run("logged in", func(t *testing.T) {
		uc := whoami(t, login(t, store, active.ID))
		assert.True(t, uc.IsLoggedIn)
		assert.Equal(t, active.ID, uc.UserID)
		assert.Equal(t, "coach@example.com", uc.Email)
		assert.Equal(t, models.PlanFree, uc.Plan)
	})

	t.Run("disabled account", func(t *testing.T) {
		uc := whoami(t, login(t, store, disabled.ID))
		assert.False(t, uc.IsLoggedIn)
	})

	t.Run("unknown account", func(t *testing.T) {
		uc := whoami(t, login(t, store, 9999))
		assert.False(t, uc.IsLoggedIn)
	})
}

func TestRequireAPISessionAuth(t *testing.T) {
	app := fiber.New()
	app.Get("/", RequireAPISessionAuth, func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	app.Get("/in", func(c *fiber.Ctx) error {
		c.Locals(usercontext.KeyFromProtected, true)
		return c.Next()
	}, RequireAPISessionAuth, func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/in", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
}

func TestResolveEnvironment(t *testing.T) {
	resolver := environment.NewResolver([]string{"https://app.scoutpass.example"}, nil)
	app := fiber.New()
	echo := func(c *fiber.Ctx) error {
		return c.SendString(usercontext.GetEnvironment(c).String())
	}
	app.Post("/hook", ResolveEnvironment(resolver), echo)
	app.Post("/hook/:environment", ResolveEnvironment(resolver), echo)

	tests := []struct {
		name   string
		target string
		origin string
		want   string
		status int
	}{
		{name: "production origin", target: "/hook", origin: "https://app.scoutpass.example", want: "production", status: 200},
		{name: "lookalike origin", target: "/hook", origin: "https://app.scoutpass.example.evil.test", want: "sandbox", status: 200},
		{name: "no origin", target: "/hook", want: "sandbox", status: 200},
		{name: "explicit tag", target: "/hook/production", want: "production", status: 200},
		{name: "explicit tag beats origin", target: "/hook/sandbox", origin: "https://app.scoutpass.example", want: "sandbox", status: 200},
		{name: "unknown tag", target: "/hook/live", status: 404},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", tt.target, nil)
			if tt.origin != "" {
				req.Header.Set(fiber.HeaderOrigin, tt.origin)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.want != "" {
				raw, _ := io.ReadAll(resp.Body)
				assert.Equal(t, tt.want, string(raw))
			}
		})
	}
}

func TestMetricsMiddleware(t *testing.T) {
	app := fiber.New()
	app.Use(Metrics)
	app.Get("/probe/:id", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusAccepted)
	})

	before := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/probe/:id", "202"))
	resp, err := app.Test(httptest.NewRequest("GET", "/probe/7", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/probe/:id", "202")))
}
