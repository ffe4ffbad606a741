package billing

import (
	"time"

	"github.com/ManuelReschke/ScoutPass/internal/pkg/entitlements"
)

// Processor event types the reconciler acts on.
const (
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaymentFailed = "invoice.payment_failed"
)

const SubscriptionStatusActive = "active"

// Customer is the processor's payer record.
type Customer struct {
	ID    string
	Email string
}

// Price is a purchasable price of a product.
type Price struct {
	ID        string
	ProductID string
	Active    bool
	Recurring bool
}

// Coupon is the processor-side discount artifact.
type Coupon struct {
	ID    string
	Valid bool
}

// CouponInput describes a coupon to mint.
type CouponInput struct {
	ID           string
	Name         string
	DiscountType string
	PercentOff   float64
	AmountOff    int64 // minor units
	Currency     string
	ProductIDs   []string
}

// SessionInput describes a subscription checkout session.
type SessionInput struct {
	PriceID           string
	CustomerID        string
	CustomerEmail     string
	CouponID          string
	SuccessURL        string
	CancelURL         string
	ClientReferenceID string
	Metadata          map[string]string
}

type CheckoutSession struct {
	ID  string
	URL string
}

// Subscription is the active subscription of a customer as the processor
// reports it. PeriodEnd is zero when the processor omitted it.
type Subscription struct {
	ID          string
	CustomerID  string
	Status      string
	ProductID   string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// Event is a verified lifecycle notification reduced to the fields the
// reconciler derives state from.
type Event struct {
	ID                 string
	Type               string
	Created            time.Time
	Livemode           bool
	CustomerID         string
	CustomerEmail      string
	SubscriptionID     string
	SubscriptionStatus string
	ProductID          string
	PeriodStart        time.Time
	PeriodEnd          time.Time
	Raw                []byte
}

// Status answers whether a user is subscribed, to what and until when.
type Status struct {
	Subscribed bool              `json:"subscribed"`
	ProductID  string            `json:"product_id,omitempty"`
	ValidUntil *time.Time        `json:"valid_until,omitempty"`
	Plan       entitlements.Plan `json:"plan"`
	Tier       entitlements.Tier `json:"tier"`
}

// NotSubscribed is the static reply for users without a subscription.
func NotSubscribed() Status {
	return Status{Plan: entitlements.PlanFree, Tier: entitlements.TierFree}
}

// WebhookEventInput is a verified event to record in the ledger.
type WebhookEventInput struct {
	EventID     string
	Environment string
	EventType   string
	PayloadJSON string
}
