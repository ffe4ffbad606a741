package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/ScoutPass/app/models"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/entitlements"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/environment"
)

// DowngradeInput asserts "this user is on the free plan" as of EffectiveAt.
type DowngradeInput struct {
	EffectiveAt     time.Time
	RestoreUntil    time.Time
	// PaymentFailedAt is set by payment failures. Left nil, the stored
	// marker is kept.
	PaymentFailedAt *time.Time
	Environment     environment.Environment
	// SubscriptionID, when set, must match the stored subscription. A
	// downgrade for some other (older) subscription is skipped.
	SubscriptionID string
}

// ActivationInput asserts "this user holds Plan for the given period".
type ActivationInput struct {
	Plan           entitlements.Plan
	Tier           entitlements.Tier
	SubscriptionID string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Environment    environment.Environment
	// Now decides whether an archive is still restorable. A zero
	// PeriodStart falls back to it.
	Now time.Time
	// IsFreePlan decides whether the stored plan counts as free.
	IsFreePlan func(stored string) bool
}

// Repository provides DB operations used by the membership services.
type Repository interface {
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetMembership(ctx context.Context, userID uint) (*models.MembershipRecord, error)
	EnsureMembership(ctx context.Context, userID uint) (*models.MembershipRecord, error)
	Downgrade(ctx context.Context, userID uint, in DowngradeInput) (*models.MembershipRecord, bool, error)
	Activate(ctx context.Context, userID uint, in ActivationInput) (*models.MembershipRecord, bool, error)
	ListExpiredArchives(ctx context.Context, now time.Time, limit int) ([]models.MembershipRecord, error)
	ClearExpiredArchive(ctx context.Context, userID uint, restoreUntil time.Time) (bool, error)
	RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (*models.MembershipWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, processingErr error) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a membership repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := models.FindUserByEmail(r.db.WithContext(ctx), email)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no account for %s", ErrNotFound, email)
	}
	return u, err
}

func (r *gormRepository) GetMembership(ctx context.Context, userID uint) (*models.MembershipRecord, error) {
	var m models.MembershipRecord
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: membership of user %d", ErrNotFound, userID)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) EnsureMembership(ctx context.Context, userID uint) (*models.MembershipRecord, error) {
	return models.GetOrCreateMembership(r.db.WithContext(ctx), userID)
}

// Downgrade archives the user's live saved matches and profile views and
// moves the record to the free plan in one transaction. A record that is
// already free only takes a new payment failure marker.
func (r *gormRepository) Downgrade(ctx context.Context, userID uint, in DowngradeInput) (*models.MembershipRecord, bool, error) {
	var out *models.MembershipRecord
	applied := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := models.GetOrCreateMembership(tx, userID)
		if err != nil {
			return fmt.Errorf("load membership: %w", err)
		}
		out = rec

		if heldByProduction(rec, !rec.IsFree(), in.Environment) {
			return nil
		}
		if in.SubscriptionID != "" && !rec.IsFree() && rec.ExternalSubscriptionID != nil &&
			*rec.ExternalSubscriptionID != in.SubscriptionID {
			return nil
		}
		if rec.IsFree() && rec.ExternalSubscriptionID == nil {
			// Already downgraded. Rows created on the free plan stay live.
			applied = true
			if in.PaymentFailedAt == nil {
				return nil
			}
			rec.PaymentFailedAt = utcPtr(in.PaymentFailedAt)
			if err := tx.Save(rec).Error; err != nil {
				return fmt.Errorf("save membership: %w", err)
			}
			return nil
		}

		var matches []models.SavedMatch
		if err := tx.Where("user_id = ?", userID).Order("id").Find(&matches).Error; err != nil {
			return fmt.Errorf("load saved matches: %w", err)
		}
		var views []models.ProfileView
		if err := tx.Where("profile_user_id = ?", userID).Order("id").Find(&views).Error; err != nil {
			return fmt.Errorf("load profile views: %w", err)
		}

		archive, err := rec.Archive()
		if err != nil {
			return fmt.Errorf("decode archive: %w", err)
		}
		if archive == nil {
			archive = &models.ArchivedData{RestoreUntil: in.RestoreUntil.UTC()}
		}
		if archive.Merge(matches, views) && in.RestoreUntil.After(archive.RestoreUntil) {
			archive.RestoreUntil = in.RestoreUntil.UTC()
		}
		if err := rec.SetArchive(archive); err != nil {
			return fmt.Errorf("encode archive: %w", err)
		}

		if ids := savedMatchIDs(matches); len(ids) > 0 {
			if err := tx.Where("id IN ?", ids).Delete(&models.SavedMatch{}).Error; err != nil {
				return fmt.Errorf("remove saved matches: %w", err)
			}
		}
		if ids := profileViewIDs(views); len(ids) > 0 {
			if err := tx.Where("id IN ?", ids).Delete(&models.ProfileView{}).Error; err != nil {
				return fmt.Errorf("remove profile views: %w", err)
			}
		}

		if !rec.IsFree() {
			rec.StartDate = in.EffectiveAt.UTC()
		}
		rec.Plan = models.PlanFree
		rec.Tier = models.TierFree
		rec.Status = models.MembershipStatusActive
		rec.ExternalSubscriptionID = nil
		rec.EndDate = nil
		rec.ProcessorEnvironment = ""
		if in.PaymentFailedAt != nil {
			rec.PaymentFailedAt = utcPtr(in.PaymentFailedAt)
		}

		if err := tx.Save(rec).Error; err != nil {
			return fmt.Errorf("save membership: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, applied, nil
}

// Activate upserts the paid plan. Coming from free with a restorable
// archive, the archived rows are written back and the archive is dropped;
// an expired archive is dropped without restoring.
func (r *gormRepository) Activate(ctx context.Context, userID uint, in ActivationInput) (*models.MembershipRecord, bool, error) {
	var out *models.MembershipRecord
	restored := false

	isFree := in.IsFreePlan
	if isFree == nil {
		isFree = func(stored string) bool { return entitlements.NormalizePlan(stored).IsFree() }
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := models.GetOrCreateMembership(tx, userID)
		if err != nil {
			return fmt.Errorf("load membership: %w", err)
		}
		out = rec

		if heldByProduction(rec, !isFree(rec.Plan), in.Environment) {
			return ErrHeldByProduction
		}
		if isFree(rec.Plan) && !in.Plan.IsFree() {
			archive, err := rec.Archive()
			if err != nil {
				return fmt.Errorf("decode archive: %w", err)
			}
			if archive.Restorable(in.Now) {
				if err := restoreArchive(tx, archive); err != nil {
					return err
				}
				restored = true
			}
			if err := rec.SetArchive(nil); err != nil {
				return err
			}
		}

		start := in.PeriodStart
		if start.IsZero() {
			start = in.Now
		}
		end := in.PeriodEnd.UTC()
		subID := in.SubscriptionID

		rec.Plan = string(in.Plan)
		rec.Tier = string(in.Tier)
		rec.Status = models.MembershipStatusActive
		rec.ExternalSubscriptionID = &subID
		rec.StartDate = start.UTC()
		rec.EndDate = &end
		rec.PaymentFailedAt = nil
		rec.ProcessorEnvironment = string(in.Environment)

		if err := tx.Save(rec).Error; err != nil {
			return fmt.Errorf("save membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, restored, nil
}

// heldByProduction reports whether a paid record backed by a production
// subscription would be written from another environment.
func heldByProduction(rec *models.MembershipRecord, paid bool, env environment.Environment) bool {
	return paid && rec.ProcessorEnvironment == string(environment.Production) && env != environment.Production
}

func restoreArchive(tx *gorm.DB, archive *models.ArchivedData) error {
	// Rows already present (a retried restore) are skipped.
	if len(archive.SavedMatches) > 0 {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&archive.SavedMatches).Error; err != nil {
			return fmt.Errorf("restore saved matches: %w", err)
		}
	}
	if len(archive.ProfileViews) > 0 {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&archive.ProfileViews).Error; err != nil {
			return fmt.Errorf("restore profile views: %w", err)
		}
	}
	return nil
}

func (r *gormRepository) ListExpiredArchives(ctx context.Context, now time.Time, limit int) ([]models.MembershipRecord, error) {
	var recs []models.MembershipRecord
	err := r.db.WithContext(ctx).
		Where("archive_restore_until IS NOT NULL AND archive_restore_until <= ?", now.UTC()).
		Order("archive_restore_until").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

// ClearExpiredArchive drops the archive only if it is still the one that
// expired at restoreUntil.
func (r *gormRepository) ClearExpiredArchive(ctx context.Context, userID uint, restoreUntil time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.MembershipRecord{}).
		Where("user_id = ? AND archive_restore_until = ?", userID, restoreUntil.UTC()).
		Updates(map[string]interface{}{
			"archived_data":         nil,
			"archive_restore_until": nil,
		})
	return res.RowsAffected > 0, res.Error
}

// RecordWebhookEvent stores a verified event once and counts deliveries.
func (r *gormRepository) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (*models.MembershipWebhookEvent, error) {
	db := r.db.WithContext(ctx)
	event := &models.MembershipWebhookEvent{
		EventID:     in.EventID,
		Environment: in.Environment,
		EventType:   in.EventType,
		PayloadJSON: in.PayloadJSON,
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(event).Error; err != nil {
		return nil, err
	}

	if err := db.Model(&models.MembershipWebhookEvent{}).
		Where("event_id = ?", in.EventID).
		UpdateColumn("attempts", gorm.Expr("attempts + ?", 1)).Error; err != nil {
		return nil, err
	}

	var stored models.MembershipWebhookEvent
	if err := db.Where("event_id = ?", in.EventID).First(&stored).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, processingErr error) error {
	now := time.Now().UTC()
	msg := ""
	if processingErr != nil {
		msg = processingErr.Error()
	}
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": msg,
	}
	return r.db.WithContext(ctx).Model(&models.MembershipWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func savedMatchIDs(rows []models.SavedMatch) []uint {
	ids := make([]uint, 0, len(rows))
	for _, m := range rows {
		ids = append(ids, m.ID)
	}
	return ids
}

func profileViewIDs(rows []models.ProfileView) []uint {
	ids := make([]uint, 0, len(rows))
	for _, v := range rows {
		ids = append(ids, v.ID)
	}
	return ids
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
