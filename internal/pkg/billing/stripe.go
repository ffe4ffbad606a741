package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ManuelReschke/ScoutPass/internal/pkg/environment"
)

// StripeProcessor implements Processor for one Stripe account mode.
// Every API call runs under the configured timeout.
type StripeProcessor struct {
	api           *client.API
	webhookSecret string
	timeout       time.Duration
}

func NewStripeProcessor(env environment.Environment, cfg environment.ProcessorConfig, timeout time.Duration) Processor {
	return &StripeProcessor{
		api:           client.New(cfg.SecretKey, nil),
		webhookSecret: cfg.WebhookSecret,
		timeout:       timeout,
	}
}

func (p *StripeProcessor) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

func (p *StripeProcessor) FindCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	ctx, cancel := p.bounded(ctx)
	defer cancel()

	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Limit = stripe.Int64(1)
	params.Context = ctx

	iter := p.api.Customers.List(params)
	if iter.Next() {
		c := iter.Customer()
		return &Customer{ID: c.ID, Email: c.Email}, nil
	}
	if err := iter.Err(); err != nil {
		return nil, classifyStripeError(err)
	}
	return nil, nil
}

func (p *StripeProcessor) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	ctx, cancel := p.bounded(ctx)
	defer cancel()

	params := &stripe.CustomerParams{}
	params.Context = ctx
	c, err := p.api.Customers.Get(customerID, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	if c.Deleted {
		return nil, fmt.Errorf("%w: customer %s deleted", ErrNotFound, customerID)
	}
	return &Customer{ID: c.ID, Email: c.Email}, nil
}

func (p *StripeProcessor) GetPrice(ctx context.Context, priceID string) (*Price, error) {
	ctx, cancel := p.bounded(ctx)
	defer cancel()

	params := &stripe.PriceParams{}
	params.Context = ctx
	pr, err := p.api.Prices.Get(priceID, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	out := &Price{ID: pr.ID, Active: pr.Active, Recurring: pr.Recurring != nil}
	if pr.Product != nil {
		out.ProductID = pr.Product.ID
	}
	return out, nil
}

func (p *StripeProcessor) GetCoupon(ctx context.Context, couponID string) (*Coupon, error) {
	ctx, cancel := p.bounded(ctx)
	defer cancel()

	params := &stripe.CouponParams{}
	params.Context = ctx
	c, err := p.api.Coupons.Get(couponID, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return &Coupon{ID: c.ID, Valid: c.Valid}, nil
}

func (p *StripeProcessor) CreateCoupon(ctx context.Context, in CouponInput) (*Coupon, error) {
	ctx, cancel := p.bounded(ctx)
	defer cancel()

	params := &stripe.CouponParams{
		ID:       stripe.String(in.ID),
		Name:     stripe.String(in.Name),
		Duration: stripe.String(string(stripe.CouponDurationOnce)),
	}
	switch in.DiscountType {
	case "percentage":
		params.PercentOff = stripe.Float64(in.PercentOff)
	default:
		params.AmountOff = stripe.Int64(in.AmountOff)
		params.Currency = stripe.String(strings.ToLower(in.Currency))
	}
	if len(in.ProductIDs) > 0 {
		params.AppliesTo = &stripe.CouponAppliesToParams{Products: stripe.StringSlice(in.ProductIDs)}
	}
	params.Context = ctx

	c, err := p.api.Coupons.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return &Coupon{ID: c.ID, Valid: c.Valid}, nil
}

func (p *StripeProcessor) CreateCheckoutSession(ctx context.Context, in SessionInput) (*CheckoutSession, error) {
	ctx, cancel := p.bounded(ctx)
	defer cancel()

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(in.PriceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL:        stripe.String(in.SuccessURL),
		CancelURL:         stripe.String(in.CancelURL),
		ClientReferenceID: stripe.String(in.ClientReferenceID),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: in.Metadata,
		},
	}
	if in.CustomerID != "" {
		params.Customer = stripe.String(in.CustomerID)
	} else {
		params.CustomerEmail = stripe.String(in.CustomerEmail)
	}
	if in.CouponID != "" {
		params.Discounts = []*stripe.CheckoutSessionDiscountParams{{Coupon: stripe.String(in.CouponID)}}
	}
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	s, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

func (p *StripeProcessor) ActiveSubscription(ctx context.Context, customerID string) (*Subscription, error) {
	ctx, cancel := p.bounded(ctx)
	defer cancel()

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
	}
	params.Limit = stripe.Int64(1)
	params.Context = ctx

	iter := p.api.Subscriptions.List(params)
	if iter.Next() {
		s := iter.Subscription()
		out := &Subscription{ID: s.ID, CustomerID: customerID, Status: string(s.Status)}
		if s.Items != nil && len(s.Items.Data) > 0 {
			item := s.Items.Data[0]
			if item.Price != nil && item.Price.Product != nil {
				out.ProductID = item.Price.Product.ID
			}
			out.PeriodStart = unixOrZero(item.CurrentPeriodStart)
			out.PeriodEnd = unixOrZero(item.CurrentPeriodEnd)
		}
		if out.PeriodStart.IsZero() {
			out.PeriodStart = unixOrZero(s.StartDate)
		}
		return out, nil
	}
	if err := iter.Err(); err != nil {
		return nil, classifyStripeError(err)
	}
	return nil, nil
}

func (p *StripeProcessor) ParseEvent(payload []byte, signature string) (Event, error) {
	if strings.TrimSpace(signature) == "" || p.webhookSecret == "" {
		return Event{}, ErrInvalidSignature
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	var raw json.RawMessage
	if ev.Data != nil {
		raw = ev.Data.Raw
	}
	return decodeStripeEvent(ev.ID, string(ev.Type), ev.Created, ev.Livemode, raw, payload)
}

// stripeSubscriptionObject is the part of a subscription payload we read.
// Period bounds live on the items since API version 2025-03-31; the
// top-level fields are kept for older webhook endpoints.
type stripeSubscriptionObject struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	StartDate          int64  `json:"start_date"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID      string `json:"id"`
				Product string `json:"product"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoiceObject struct {
	ID            string `json:"id"`
	Customer      string `json:"customer"`
	CustomerEmail string `json:"customer_email"`
	Subscription  string `json:"subscription"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func decodeStripeEvent(id, typ string, created int64, livemode bool, object json.RawMessage, payload []byte) (Event, error) {
	ev := Event{
		ID:       id,
		Type:     typ,
		Created:  unixOrZero(created),
		Livemode: livemode,
		Raw:      payload,
	}

	switch typ {
	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripeSubscriptionObject
		if err := json.Unmarshal(object, &sub); err != nil {
			return ev, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		ev.CustomerID = sub.Customer
		ev.SubscriptionID = sub.ID
		ev.SubscriptionStatus = sub.Status
		ev.PeriodStart = unixOrZero(sub.CurrentPeriodStart)
		ev.PeriodEnd = unixOrZero(sub.CurrentPeriodEnd)
		if len(sub.Items.Data) > 0 {
			item := sub.Items.Data[0]
			ev.ProductID = item.Price.Product
			if item.CurrentPeriodStart > 0 {
				ev.PeriodStart = unixOrZero(item.CurrentPeriodStart)
			}
			if item.CurrentPeriodEnd > 0 {
				ev.PeriodEnd = unixOrZero(item.CurrentPeriodEnd)
			}
		}
		if ev.PeriodStart.IsZero() {
			ev.PeriodStart = unixOrZero(sub.StartDate)
		}
	case EventInvoicePaymentFailed:
		var inv stripeInvoiceObject
		if err := json.Unmarshal(object, &inv); err != nil {
			return ev, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		ev.CustomerID = inv.Customer
		ev.CustomerEmail = inv.CustomerEmail
		ev.SubscriptionID = inv.Subscription
		if ev.SubscriptionID == "" {
			ev.SubscriptionID = inv.Parent.SubscriptionDetails.Subscription
		}
	}
	return ev, nil
}

// classifyStripeError maps SDK failures onto the billing sentinels while
// keeping the original error in the chain.
func classifyStripeError(err error) error {
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.Code == stripe.ErrorCodeResourceMissing || se.HTTPStatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case se.Code == stripe.ErrorCodeResourceAlreadyExists:
			return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
		case se.HTTPStatusCode == http.StatusUnauthorized || se.HTTPStatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrProcessorAuth, err)
		case se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %w", ErrProcessorUnavailable, err)
		}
		return fmt.Errorf("stripe: %w", err)
	}
	// Anything that is not an API error never reached Stripe: timeouts,
	// resets and DNS failures.
	return fmt.Errorf("%w: %w", ErrProcessorUnavailable, err)
}

// maxUnixSeconds is 2200-01-01; later timestamps are treated as garbage.
const maxUnixSeconds = 7258118400

func unixOrZero(sec int64) time.Time {
	if sec <= 0 || sec > maxUnixSeconds {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
