package catalog

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ManuelReschke/ScoutPass/internal/pkg/entitlements"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/environment"
)

// Table maps each environment's internal plans to external product ids.
type Table map[environment.Environment]map[entitlements.Plan]string

// fileFormat is the YAML layout of configs/catalog.yaml.
type fileFormat struct {
	CrossEnvironmentFallback *bool                        `yaml:"cross_environment_fallback"`
	FallbackUntil            *time.Time                   `yaml:"fallback_until"`
	Environments             map[string]map[string]string `yaml:"environments"`
}

// Mapper resolves external product ids to plans and tiers. Lookups never fail:
// unknown products degrade to the free plan.
type Mapper struct {
	byProduct map[environment.Environment]map[string]entitlements.Plan
	byPlan    Table

	fallback      bool
	fallbackUntil *time.Time
	now           func() time.Time
}

type Option func(*Mapper)

// WithoutFallback disables the lookup in the other environment's table.
func WithoutFallback() Option {
	return func(m *Mapper) { m.fallback = false }
}

// WithFallbackUntil stops the cross-environment lookup at t.
func WithFallbackUntil(t time.Time) Option {
	return func(m *Mapper) {
		u := t
		m.fallbackUntil = &u
	}
}

// WithClock replaces time.Now for the fallback deadline.
func WithClock(now func() time.Time) Option {
	return func(m *Mapper) { m.now = now }
}

// New builds a mapper from an in-memory table. Empty product ids are skipped.
func New(table Table, opts ...Option) (*Mapper, error) {
	m := &Mapper{
		byProduct: map[environment.Environment]map[string]entitlements.Plan{},
		byPlan:    Table{},
		fallback:  true,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	for env, plans := range table {
		if _, ok := environment.Parse(string(env)); !ok {
			return nil, fmt.Errorf("catalog: unknown environment %q", env)
		}
		products := map[string]entitlements.Plan{}
		byPlan := map[entitlements.Plan]string{}
		for plan, productID := range plans {
			productID = strings.TrimSpace(productID)
			if productID == "" {
				continue
			}
			if _, ok := entitlements.ParsePlan(string(plan)); !ok {
				return nil, fmt.Errorf("catalog: unknown plan %q in %s", plan, env)
			}
			if plan == entitlements.PlanFree {
				return nil, fmt.Errorf("catalog: plan free cannot be mapped to a product")
			}
			if prev, dup := products[productID]; dup {
				return nil, fmt.Errorf("catalog: product %s mapped to both %s and %s in %s", productID, prev, plan, env)
			}
			products[productID] = plan
			byPlan[plan] = productID
		}
		m.byProduct[env] = products
		m.byPlan[env] = byPlan
	}
	return m, nil
}

// Parse reads the YAML catalog format.
func Parse(data []byte, opts ...Option) (*Mapper, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}

	table := Table{}
	for rawEnv, plans := range f.Environments {
		env, ok := environment.Parse(rawEnv)
		if !ok {
			return nil, fmt.Errorf("catalog: unknown environment %q", rawEnv)
		}
		table[env] = map[entitlements.Plan]string{}
		for rawPlan, productID := range plans {
			table[env][entitlements.Plan(strings.ToLower(strings.TrimSpace(rawPlan)))] = productID
		}
	}

	var fileOpts []Option
	if f.CrossEnvironmentFallback != nil && !*f.CrossEnvironmentFallback {
		fileOpts = append(fileOpts, WithoutFallback())
	}
	if f.FallbackUntil != nil {
		fileOpts = append(fileOpts, WithFallbackUntil(*f.FallbackUntil))
	}
	return New(table, append(fileOpts, opts...)...)
}

// Load reads and parses a catalog file.
func Load(path string, opts ...Option) (*Mapper, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return Parse(data, opts...)
}

// PlanFor returns the plan of productID. The environment's own table is
// consulted first, then the other environment's while the fallback is open,
// then PlanFree.
func (m *Mapper) PlanFor(productID string, env environment.Environment) entitlements.Plan {
	if m == nil {
		return entitlements.PlanFree
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return entitlements.PlanFree
	}
	if p, ok := m.byProduct[env][productID]; ok {
		return p
	}
	if m.fallbackOpen() {
		if p, ok := m.byProduct[env.Other()][productID]; ok {
			return p
		}
	}
	return entitlements.PlanFree
}

// TierFor is PlanFor collapsed to its tier.
func (m *Mapper) TierFor(productID string, env environment.Environment) entitlements.Tier {
	return entitlements.TierFor(m.PlanFor(productID, env))
}

// ProductFor returns the product id of plan in env.
func (m *Mapper) ProductFor(plan entitlements.Plan, env environment.Environment) (string, bool) {
	if m == nil {
		return "", false
	}
	id, ok := m.byPlan[env][plan]
	return id, ok
}

// Normalize maps a stored plan name to a plan this catalog still sells in
// some environment. Anything else reads as free.
func (m *Mapper) Normalize(stored string) entitlements.Plan {
	p, ok := entitlements.ParsePlan(stored)
	if !ok || p == entitlements.PlanFree || m == nil {
		return entitlements.PlanFree
	}
	for _, plans := range m.byPlan {
		if _, ok := plans[p]; ok {
			return p
		}
	}
	return entitlements.PlanFree
}

func (m *Mapper) fallbackOpen() bool {
	if !m.fallback {
		return false
	}
	if m.fallbackUntil == nil {
		return true
	}
	return m.now().Before(*m.fallbackUntil)
}
