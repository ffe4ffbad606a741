package billing

import (
	"context"
	"sync"
	"time"

	"github.com/ManuelReschke/ScoutPass/internal/pkg/environment"
)

// Processor is the payment processor API as the membership code uses it.
// Implementations classify failures with the sentinels in errors.go.
type Processor interface {
	// FindCustomerByEmail returns nil without error when no customer exists.
	FindCustomerByEmail(ctx context.Context, email string) (*Customer, error)
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)
	GetPrice(ctx context.Context, priceID string) (*Price, error)
	GetCoupon(ctx context.Context, couponID string) (*Coupon, error)
	CreateCoupon(ctx context.Context, in CouponInput) (*Coupon, error)
	CreateCheckoutSession(ctx context.Context, in SessionInput) (*CheckoutSession, error)
	// ActiveSubscription returns nil without error when the customer has none.
	ActiveSubscription(ctx context.Context, customerID string) (*Subscription, error)
	// ParseEvent verifies the signature and decodes the payload.
	ParseEvent(payload []byte, signature string) (Event, error)
}

// Processors hands out the processor client of an environment.
type Processors interface {
	For(env environment.Environment) (Processor, error)
}

// ProcessorFactory builds a client from an environment's configuration.
type ProcessorFactory func(env environment.Environment, cfg environment.ProcessorConfig, timeout time.Duration) Processor

// ProcessorRegistry lazily creates one client per configured environment.
type ProcessorRegistry struct {
	resolver *environment.Resolver
	factory  ProcessorFactory
	timeout  time.Duration

	mu      sync.Mutex
	clients map[environment.Environment]Processor
}

func NewProcessorRegistry(resolver *environment.Resolver, factory ProcessorFactory, timeout time.Duration) *ProcessorRegistry {
	return &ProcessorRegistry{
		resolver: resolver,
		factory:  factory,
		timeout:  timeout,
		clients:  map[environment.Environment]Processor{},
	}
}

// For returns environment.ErrNotConfigured when env has no credentials.
func (r *ProcessorRegistry) For(env environment.Environment) (Processor, error) {
	cfg, err := r.resolver.Config(env)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.clients[env]; ok {
		return p, nil
	}
	p := r.factory(env, cfg, r.timeout)
	r.clients[env] = p
	return p, nil
}
