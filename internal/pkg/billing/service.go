package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ScoutPass/app/models"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/cache"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/catalog"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/config"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/environment"
)

// Dependencies are the collaborators of the membership service.
type Dependencies struct {
	Resolver          *environment.Resolver
	Processors        Processors
	Catalog           *catalog.Mapper
	Repo              Repository
	Promos            PromoVerdictSource
	StatusCache       cache.Store[Status]
	Exporter          ArchiveExporter
	DefaultReturnPath string
	RestoreWindow     time.Duration
	SweepInterval     time.Duration
	Now               func() time.Time
}

// Service bundles checkout, status and webhook reconciliation.
type Service struct {
	resolver   *environment.Resolver
	processors Processors
	repo       Repository

	Checkout   *Checkout
	Status     *StatusReader
	Reconciler *Reconciler
	Sweeper    *ArchiveSweeper
}

// NewService wires the membership components from deps.
func NewService(deps Dependencies) *Service {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.StatusCache == nil {
		deps.StatusCache = cache.NewTTLCache[Status](5*time.Minute, deps.Now)
	}
	if deps.RestoreWindow <= 0 {
		deps.RestoreWindow = 30 * 24 * time.Hour
	}

	return &Service{
		resolver:   deps.Resolver,
		processors: deps.Processors,
		repo:       deps.Repo,
		Checkout:   NewCheckout(deps.Resolver, deps.Processors, NewPromoMinter(deps.Promos), deps.DefaultReturnPath),
		Status:     NewStatusReader(deps.Processors, deps.Catalog, deps.Repo, deps.StatusCache, deps.RestoreWindow, deps.Now),
		Reconciler: NewReconciler(deps.Repo, deps.Catalog, deps.Processors, deps.StatusCache, deps.RestoreWindow, deps.Now),
		Sweeper:    NewArchiveSweeper(deps.Repo, deps.Exporter, deps.SweepInterval, deps.Now),
	}
}

// NewServiceFromConfig wires the Stripe-backed service used in production.
func NewServiceFromConfig(cfg *config.Config, db *gorm.DB, mapper *catalog.Mapper, statusCache cache.Store[Status], exporter ArchiveExporter) *Service {
	resolver := cfg.Resolver()
	return NewService(Dependencies{
		Resolver:          resolver,
		Processors:        NewProcessorRegistry(resolver, NewStripeProcessor, cfg.ProcessorTimeout),
		Catalog:           mapper,
		Repo:              NewRepository(db),
		Promos:            NewGormPromoVerdicts(db),
		StatusCache:       statusCache,
		Exporter:          exporter,
		DefaultReturnPath: cfg.DefaultReturnPath,
		RestoreWindow:     cfg.RestoreWindow,
		SweepInterval:     cfg.ArchiveSweepInterval,
	})
}

// Resolver returns the environment resolver the service was built with.
func (s *Service) Resolver() *environment.Resolver {
	return s.resolver
}

// EnsureMembership creates the free record of a newly onboarded user.
func (s *Service) EnsureMembership(ctx context.Context, userID uint) (*models.MembershipRecord, error) {
	return s.repo.EnsureMembership(ctx, userID)
}

// WebhookResult describes how a delivery was handled.
type WebhookResult struct {
	EventID   string
	EventType string
	Outcome   Outcome
	Duplicate bool
}

// ProcessWebhook verifies, records and reconciles one delivery. A bad
// signature or payload returns ErrInvalidSignature or ErrInvalidPayload
// before anything is stored. Deliveries of an event that already succeeded
// are acknowledged without reprocessing.
func (s *Service) ProcessWebhook(ctx context.Context, env environment.Environment, payload []byte, signature string) (WebhookResult, error) {
	proc, err := s.processors.For(env)
	if err != nil {
		return WebhookResult{}, err
	}
	ev, err := proc.ParseEvent(payload, signature)
	if err != nil {
		return WebhookResult{}, err
	}
	res := WebhookResult{EventID: ev.ID, EventType: ev.Type}

	stored, err := s.repo.RecordWebhookEvent(ctx, WebhookEventInput{
		EventID:     ev.ID,
		Environment: env.String(),
		EventType:   ev.Type,
		PayloadJSON: string(payload),
	})
	if err != nil {
		return res, fmt.Errorf("record webhook event %s: %w", ev.ID, err)
	}
	if stored.Succeeded() {
		res.Duplicate = true
		res.Outcome = OutcomeIgnored
		log.Infof("[Billing] Duplicate webhook %s (%s) acknowledged, attempt %d", ev.ID, ev.Type, stored.Attempts)
		return res, nil
	}

	outcome, handleErr := s.Reconciler.Handle(ctx, env, ev)
	res.Outcome = outcome
	if err := s.repo.MarkWebhookProcessed(ctx, stored.ID, handleErr); err != nil {
		log.Errorw("[Billing] Failed to mark webhook processed", "event_id", ev.ID, "error", err)
		if handleErr == nil {
			return res, fmt.Errorf("mark webhook %s processed: %w", ev.ID, err)
		}
	}
	if handleErr != nil {
		return res, handleErr
	}
	return res, nil
}

// IsRejectedDelivery reports errors that retrying the same delivery cannot fix.
func IsRejectedDelivery(err error) bool {
	return errors.Is(err, ErrInvalidSignature) || errors.Is(err, ErrInvalidPayload)
}
