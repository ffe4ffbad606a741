package environment

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Environment selects one of the two parallel processor configurations.
type Environment string

const (
	Sandbox    Environment = "sandbox"
	Production Environment = "production"
)

var ErrNotConfigured = errors.New("environment: processor credentials not configured")

// Parse accepts an explicit environment tag.
func Parse(raw string) (Environment, bool) {
	switch Environment(strings.ToLower(strings.TrimSpace(raw))) {
	case Sandbox:
		return Sandbox, true
	case Production:
		return Production, true
	default:
		return "", false
	}
}

// Other returns the opposite environment.
func (e Environment) Other() Environment {
	if e == Production {
		return Sandbox
	}
	return Production
}

func (e Environment) String() string {
	return string(e)
}

// ProcessorConfig holds the credentials and app URL of one environment.
type ProcessorConfig struct {
	SecretKey     string `env:"SECRET_KEY"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	AppURL        string `env:"APP_URL"`
}

func (c ProcessorConfig) Configured() bool {
	return strings.TrimSpace(c.SecretKey) != ""
}

// Resolver maps request origins to environments and hands out the matching
// configuration. Only exact production host matches resolve to Production.
type Resolver struct {
	productionHosts map[string]struct{}
	configs         map[Environment]ProcessorConfig
}

func NewResolver(productionOrigins []string, configs map[Environment]ProcessorConfig) *Resolver {
	hosts := make(map[string]struct{}, len(productionOrigins))
	for _, o := range productionOrigins {
		if h := hostOf(o); h != "" {
			hosts[h] = struct{}{}
		}
	}
	if configs == nil {
		configs = map[Environment]ProcessorConfig{}
	}
	return &Resolver{productionHosts: hosts, configs: configs}
}

// Resolve returns Production only for a known production host. Absent,
// malformed, local and unknown origins all resolve to Sandbox.
func (r *Resolver) Resolve(origin string) Environment {
	h := hostOf(origin)
	if h == "" {
		return Sandbox
	}
	if _, ok := r.productionHosts[h]; ok {
		return Production
	}
	return Sandbox
}

// Config returns the configuration of env or ErrNotConfigured.
func (r *Resolver) Config(env Environment) (ProcessorConfig, error) {
	cfg, ok := r.configs[env]
	if !ok || !cfg.Configured() {
		return ProcessorConfig{}, fmt.Errorf("%w: %s", ErrNotConfigured, env)
	}
	return cfg, nil
}

// Environments lists the environments that have credentials.
func (r *Resolver) Environments() []Environment {
	var out []Environment
	for _, e := range []Environment{Sandbox, Production} {
		if cfg, ok := r.configs[e]; ok && cfg.Configured() {
			out = append(out, e)
		}
	}
	return out
}

func hostOf(origin string) string {
	origin = strings.TrimSpace(origin)
	if origin == "" || origin == "null" {
		return ""
	}
	if !strings.Contains(origin, "://") {
		origin = "https://" + origin
	}
	u, err := url.Parse(origin)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
