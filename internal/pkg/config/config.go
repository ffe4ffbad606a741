package config

import (
	"errors"
	"fmt"
	"time"

	cenv "github.com/caarlos0/env/v11"

	"github.com/ManuelReschke/ScoutPass/internal/pkg/env"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/environment"
)

var ErrParsingConfig = errors.New("failed to parse environment variables into config")

// Config is the typed membership configuration. Processor credentials are
// read twice, once per environment prefix.
type Config struct {
	AppEnv            string                      `env:"APP_ENV" envDefault:"prod"`
	ProductionOrigins []string                    `env:"PRODUCTION_ORIGINS" envSeparator:","`
	Sandbox           environment.ProcessorConfig `envPrefix:"STRIPE_SANDBOX_"`
	Production        environment.ProcessorConfig `envPrefix:"STRIPE_PRODUCTION_"`

	ProcessorTimeout  time.Duration `env:"PROCESSOR_TIMEOUT" envDefault:"10s"`
	StatusCacheTTL    time.Duration `env:"STATUS_CACHE_TTL" envDefault:"5m"`
	StatusCacheDriver string        `env:"STATUS_CACHE_DRIVER" envDefault:"memory"`
	DefaultReturnPath string        `env:"CHECKOUT_DEFAULT_RETURN_PATH" envDefault:"/membership"`

	RestoreWindow        time.Duration `env:"ARCHIVE_RESTORE_WINDOW" envDefault:"720h"`
	ArchiveSweepInterval time.Duration `env:"ARCHIVE_SWEEP_INTERVAL" envDefault:"1h"`

	CatalogFile string `env:"CATALOG_FILE" envDefault:"configs/catalog.yaml"`
}

// Load parses the merged .env and OS environment.
func Load() (*Config, error) {
	return LoadFrom(env.All())
}

// LoadFrom parses vars only, ignoring the process environment.
func LoadFrom(vars map[string]string) (*Config, error) {
	var cfg Config
	if err := cenv.ParseWithOptions(&cfg, cenv.Options{Environment: vars}); err != nil {
		return nil, errors.Join(ErrParsingConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.ProcessorTimeout <= 0 {
		return fmt.Errorf("PROCESSOR_TIMEOUT must be positive")
	}
	if c.StatusCacheTTL <= 0 {
		return fmt.Errorf("STATUS_CACHE_TTL must be positive")
	}
	if c.RestoreWindow <= 0 {
		return fmt.Errorf("ARCHIVE_RESTORE_WINDOW must be positive")
	}
	switch c.StatusCacheDriver {
	case "memory", "redis":
	default:
		return fmt.Errorf("STATUS_CACHE_DRIVER must be memory or redis, got %q", c.StatusCacheDriver)
	}
	return nil
}

// Resolver builds the environment resolver from the two credential sets.
func (c *Config) Resolver() *environment.Resolver {
	return environment.NewResolver(c.ProductionOrigins, map[environment.Environment]environment.ProcessorConfig{
		environment.Sandbox:    c.Sandbox,
		environment.Production: c.Production,
	})
}

func (c *Config) IsDev() bool {
	return c.AppEnv == "dev"
}
