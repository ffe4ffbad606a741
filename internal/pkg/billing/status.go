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

// StatusCacheKey keys cached status snapshots. Environments never share
// entries.
func StatusCacheKey(env environment.Environment, userID uint) string {
	return fmt.Sprintf("%s:%d", env, userID)
}

// StatusReader answers "is this user subscribed" from the processor and
// writes the answer through to the local record.
type StatusReader struct {
	processors    Processors
	catalog       *catalog.Mapper
	repo          Repository
	cache         cache.Store[Status]
	restoreWindow time.Duration
	now           func() time.Time
}

func NewStatusReader(processors Processors, mapper *catalog.Mapper, repo Repository, statusCache cache.Store[Status], restoreWindow time.Duration, now func() time.Time) *StatusReader {
	if now == nil {
		now = time.Now
	}
	return &StatusReader{
		processors:    processors,
		catalog:       mapper,
		repo:          repo,
		cache:         statusCache,
		restoreWindow: restoreWindow,
		now:           now,
	}
}

// StatusFor returns the cached status or asks the processor. Processor
// failures return the not-subscribed status with a classified error and are
// not cached.
func (s *StatusReader) StatusFor(ctx context.Context, env environment.Environment, user *models.User) (Status, error) {
	if user == nil || user.Email == "" {
		return NotSubscribed(), newError(ErrorTypeAuth, "", errors.New("no authenticated user"))
	}

	key := StatusCacheKey(env, user.ID)
	if st, ok := s.cache.Get(ctx, key); ok {
		metrics.StatusCacheLookupsTotal.WithLabelValues("hit").Inc()
		return st, nil
	}
	metrics.StatusCacheLookupsTotal.WithLabelValues("miss").Inc()

	st, cacheable, err := s.fetch(ctx, env, user)
	if err != nil {
		return NotSubscribed(), AsError(err)
	}
	if cacheable {
		s.cache.Set(ctx, key, st)
	}
	return st, nil
}

// Invalidate drops the cached status of a user in env.
func (s *StatusReader) Invalidate(ctx context.Context, env environment.Environment, userID uint) {
	s.cache.Delete(ctx, StatusCacheKey(env, userID))
}

func (s *StatusReader) fetch(ctx context.Context, env environment.Environment, user *models.User) (Status, bool, error) {
	proc, err := s.processors.For(env)
	if err != nil {
		return Status{}, false, err
	}

	customer, err := proc.FindCustomerByEmail(ctx, user.Email)
	if err != nil {
		return Status{}, false, fmt.Errorf("find customer: %w", err)
	}
	if customer == nil {
		return NotSubscribed(), true, nil
	}

	sub, err := proc.ActiveSubscription(ctx, customer.ID)
	if err != nil {
		return Status{}, false, fmt.Errorf("list subscriptions of %s: %w", customer.ID, err)
	}
	if sub == nil {
		return NotSubscribed(), s.syncFree(ctx, env, user.ID), nil
	}

	validUntil := sub.PeriodEnd
	if validUntil.IsZero() {
		validUntil = s.now().Add(fallbackValidity)
		log.Warnw("[Billing] Subscription period end missing, using fallback",
			"subscription_id", sub.ID, "user_id", user.ID, "fallback", true, "valid_until", validUntil)
	}
	validUntil = validUntil.UTC()

	plan := s.catalog.PlanFor(sub.ProductID, env)
	st := Status{
		Subscribed: true,
		ProductID:  sub.ProductID,
		ValidUntil: &validUntil,
		Plan:       plan,
		Tier:       s.catalog.TierFor(sub.ProductID, env),
	}
	if plan.IsFree() {
		log.Warnw("[Billing] Active subscription for unmapped product",
			"subscription_id", sub.ID, "user_id", user.ID, "environment", env, "product_id", sub.ProductID)
		return st, true, nil
	}

	_, _, err = s.repo.Activate(ctx, user.ID, ActivationInput{
		Plan:           plan,
		Tier:           st.Tier,
		SubscriptionID: sub.ID,
		PeriodStart:    sub.PeriodStart,
		PeriodEnd:      validUntil,
		Environment:    env,
		Now:            s.now(),
		IsFreePlan:     func(stored string) bool { return s.catalog.Normalize(stored).IsFree() },
	})
	if errors.Is(err, ErrHeldByProduction) {
		log.Infof("[Billing] Not writing %s status of user %d over a production subscription", env, user.ID)
		return st, true, nil
	}
	if err != nil {
		log.Errorw("[Billing] Status write-through failed", "user_id", user.ID, "subscription_id", sub.ID, "error", err)
		return st, false, nil
	}
	return st, true, nil
}

// syncFree downgrades a local paid record once the processor reports no
// active subscription. It reports whether the result may be cached.
func (s *StatusReader) syncFree(ctx context.Context, env environment.Environment, userID uint) bool {
	rec, err := s.repo.GetMembership(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return true
	}
	if err != nil {
		log.Errorw("[Billing] Status write-through failed", "user_id", userID, "error", err)
		return false
	}
	if s.catalog.Normalize(rec.Plan).IsFree() {
		return true
	}

	now := s.now().UTC()
	_, applied, err := s.repo.Downgrade(ctx, userID, DowngradeInput{
		EffectiveAt:  now,
		RestoreUntil: now.Add(s.restoreWindow),
		Environment:  env,
	})
	if err != nil {
		log.Errorw("[Billing] Status write-through failed", "user_id", userID, "error", err)
		return false
	}
	if !applied {
		log.Infof("[Billing] Not downgrading user %d from %s: membership is held by a production subscription", userID, env)
		return true
	}
	log.Infof("[Billing] User %d has no active subscription, downgraded to free", userID)
	return true
}
