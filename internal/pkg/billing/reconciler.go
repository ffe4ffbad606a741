package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ScoutPass/app/models"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/cache"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/catalog"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/environment"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/metrics"
)

// Outcome says what a webhook event did to local state.
type Outcome string

const (
	OutcomeApplied     Outcome = "applied"
	OutcomeIgnored     Outcome = "ignored"
	OutcomeStale       Outcome = "stale"
	OutcomeUnknownUser Outcome = "unknown_user"
	OutcomeFailed      Outcome = "failed"
)

// fallbackValidity is used when the processor omits a period end.
const fallbackValidity = 365 * 24 * time.Hour

// Reconciler applies processor lifecycle events to membership records.
// Each event is treated as a full assertion of state built from its own
// payload, so duplicates and retries converge.
type Reconciler struct {
	repo          Repository
	catalog       *catalog.Mapper
	processors    Processors
	statusCache   cache.Store[Status]
	restoreWindow time.Duration
	now           func() time.Time
}

func NewReconciler(repo Repository, mapper *catalog.Mapper, processors Processors, statusCache cache.Store[Status], restoreWindow time.Duration, now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		repo:          repo,
		catalog:       mapper,
		processors:    processors,
		statusCache:   statusCache,
		restoreWindow: restoreWindow,
		now:           now,
	}
}

// Handle applies ev. Event types without a transition return OutcomeIgnored
// and no error.
func (r *Reconciler) Handle(ctx context.Context, env environment.Environment, ev Event) (Outcome, error) {
	var (
		outcome Outcome
		userID  uint
		err     error
	)
	switch {
	case ev.Livemode != (env == environment.Production):
		log.Warnw("[Billing] Event mode does not match environment",
			"event_id", ev.ID, "event_type", ev.Type, "environment", env, "livemode", ev.Livemode)
		outcome = OutcomeIgnored
	case ev.Type == EventSubscriptionDeleted || ev.Type == EventInvoicePaymentFailed:
		outcome, userID, err = r.downgrade(ctx, env, ev)
	case ev.Type == EventSubscriptionUpdated:
		if ev.SubscriptionStatus != SubscriptionStatusActive {
			outcome = OutcomeIgnored
			break
		}
		outcome, userID, err = r.activate(ctx, env, ev)
	default:
		outcome = OutcomeIgnored
	}

	if err != nil {
		outcome = OutcomeFailed
		log.Errorw("[Billing] Webhook reconciliation failed",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"environment", env,
			"user_id", userID,
			"customer_id", ev.CustomerID,
			"subscription_id", ev.SubscriptionID,
			"error", err,
		)
	}
	metrics.WebhookEventsTotal.WithLabelValues(ev.Type, string(outcome)).Inc()
	return outcome, err
}

func (r *Reconciler) downgrade(ctx context.Context, env environment.Environment, ev Event) (Outcome, uint, error) {
	user, err := r.resolveUser(ctx, env, ev)
	if err != nil || user == nil {
		return unknownOr(err)
	}

	at := r.eventTime(ev)
	in := DowngradeInput{
		EffectiveAt:    at,
		RestoreUntil:   at.Add(r.restoreWindow),
		SubscriptionID: ev.SubscriptionID,
		Environment:    env,
	}
	if ev.Type == EventInvoicePaymentFailed {
		in.PaymentFailedAt = &at
	}

	_, applied, err := r.repo.Downgrade(ctx, user.ID, in)
	if err != nil {
		return OutcomeFailed, user.ID, fmt.Errorf("downgrade: %w", err)
	}
	r.invalidate(ctx, user.ID)
	if !applied {
		log.Infof("[Billing] Skipped %s for user %d: subscription %s does not hold the record", ev.Type, user.ID, ev.SubscriptionID)
		return OutcomeStale, user.ID, nil
	}

	log.Infof("[Billing] User %d downgraded to free by %s (%s)", user.ID, ev.Type, ev.ID)
	return OutcomeApplied, user.ID, nil
}

func (r *Reconciler) activate(ctx context.Context, env environment.Environment, ev Event) (Outcome, uint, error) {
	plan := r.catalog.PlanFor(ev.ProductID, env)
	if plan.IsFree() {
		// Unmapped product: keep the record rather than archive a paying user's data.
		log.Warnw("[Billing] Active subscription for unmapped product",
			"event_id", ev.ID, "environment", env, "product_id", ev.ProductID)
		return OutcomeIgnored, 0, nil
	}

	user, err := r.resolveUser(ctx, env, ev)
	if err != nil || user == nil {
		return unknownOr(err)
	}

	// Fallbacks hang off the event time so redeliveries write the same dates.
	at := r.eventTime(ev)
	periodStart := ev.PeriodStart
	if periodStart.IsZero() {
		periodStart = at
	}
	periodEnd := ev.PeriodEnd
	if periodEnd.IsZero() {
		periodEnd = at.Add(fallbackValidity)
		log.Warnw("[Billing] Subscription period end missing, using fallback",
			"event_id", ev.ID, "user_id", user.ID, "fallback", true, "valid_until", periodEnd)
	}

	_, restored, err := r.repo.Activate(ctx, user.ID, ActivationInput{
		Plan:           plan,
		Tier:           r.catalog.TierFor(ev.ProductID, env),
		SubscriptionID: ev.SubscriptionID,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		Environment:    env,
		Now:            r.now(),
		IsFreePlan:     func(stored string) bool { return r.catalog.Normalize(stored).IsFree() },
	})
	if errors.Is(err, ErrHeldByProduction) {
		log.Infof("[Billing] Skipped %s for user %d: membership is held by a production subscription", ev.Type, user.ID)
		return OutcomeStale, user.ID, nil
	}
	if err != nil {
		return OutcomeFailed, user.ID, fmt.Errorf("activate: %w", err)
	}
	r.invalidate(ctx, user.ID)

	if restored {
		log.Infof("[Billing] Restored archived data for user %d (%s)", user.ID, ev.ID)
	}
	log.Infof("[Billing] User %d active on %s until %s", user.ID, plan, periodEnd.Format(time.RFC3339))
	return OutcomeApplied, user.ID, nil
}

// resolveUser finds the local account paying for ev. It returns nil, nil
// when the customer has no matching account.
func (r *Reconciler) resolveUser(ctx context.Context, env environment.Environment, ev Event) (*models.User, error) {
	email := ev.CustomerEmail
	if email == "" {
		if ev.CustomerID == "" {
			return nil, fmt.Errorf("%w: event %s has no customer", ErrInvalidPayload, ev.ID)
		}
		proc, err := r.processors.For(env)
		if err != nil {
			return nil, err
		}
		c, err := proc.GetCustomer(ctx, ev.CustomerID)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("fetch customer %s: %w", ev.CustomerID, err)
		}
		email = c.Email
	}
	if email == "" {
		return nil, nil
	}

	user, err := r.repo.FindUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return user, err
}

func (r *Reconciler) eventTime(ev Event) time.Time {
	if !ev.Created.IsZero() {
		return ev.Created.UTC()
	}
	return r.now().UTC()
}

func (r *Reconciler) invalidate(ctx context.Context, userID uint) {
	if r.statusCache == nil {
		return
	}
	for _, env := range []environment.Environment{environment.Sandbox, environment.Production} {
		r.statusCache.Delete(ctx, StatusCacheKey(env, userID))
	}
}

func unknownOr(err error) (Outcome, uint, error) {
	if err != nil {
		return OutcomeFailed, 0, err
	}
	return OutcomeUnknownUser, 0, nil
}
