package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/ScoutPass/internal/pkg/billing"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/cache"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/catalog"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/config"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/database"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/env"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/router"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/s3backup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, svc := NewApplication()
	go svc.Sweeper.Start(ctx)

	go func() {
		<-ctx.Done()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Errorf("Shutdown failed: %v", err)
		}
	}()

	if err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))); err != nil {
		log.Fatal(err)
	}
}

func NewApplication() (*fiber.App, *billing.Service) {
	env.SetupEnvFile()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.IsDev() {
		log.SetLevel(log.LevelDebug)
	}

	database.SetupDatabase()
	cache.SetupCache()

	mapper, err := catalog.Load(cfg.CatalogFile)
	if err != nil {
		log.Fatalf("Failed to load product catalog: %v", err)
	}

	svc := billing.NewServiceFromConfig(cfg, database.GetDB(), mapper, statusCache(cfg), archiveExporter())
	for _, e := range svc.Resolver().Environments() {
		log.Infof("[Billing] Processor environment %s configured", e)
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "public/docs/v1/openapi.yml",
		Path:     "v1",
	}))

	// ROUTER
	router.InstallRouter(app, svc)

	return app, svc
}

func statusCache(cfg *config.Config) cache.Store[billing.Status] {
	if cfg.StatusCacheDriver == "redis" {
		return cache.NewRedisStore[billing.Status](cache.GetClient(), "membership:status:", cfg.StatusCacheTTL)
	}
	return cache.NewTTLCache[billing.Status](cfg.StatusCacheTTL, time.Now)
}

// archiveExporter returns nil when export is disabled; expired archives are
// then cleared without a copy.
func archiveExporter() billing.ArchiveExporter {
	s3cfg, err := s3backup.LoadConfig()
	if err != nil {
		log.Warnf("[S3Backup] Archive export disabled: %v", err)
		return nil
	}
	if !s3cfg.IsEnabled() {
		return nil
	}
	client, err := s3backup.NewClient(s3cfg)
	if err != nil {
		log.Errorf("[S3Backup] Archive export disabled: %v", err)
		return nil
	}
	log.Infof("[S3Backup] Exporting expired archives to bucket %s", s3cfg.BucketName)
	return client
}
