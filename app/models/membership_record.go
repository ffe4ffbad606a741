package models

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	MembershipStatusActive   = "active"
	MembershipStatusInactive = "inactive"
)

const (
	PlanFree = "free"
	TierFree = "free"
)

// MembershipRecord is the single current entitlement row of a user.
// Free memberships carry no subscription reference and no end date.
type MembershipRecord struct {
	ID                     uint           `gorm:"primaryKey" json:"id"`
	UserID                 uint           `gorm:"not null;uniqueIndex" json:"user_id"`
	Plan                   string         `gorm:"type:varchar(50);not null;default:'free';index" json:"plan"`
	Tier                   string         `gorm:"type:varchar(32);not null;default:'free'" json:"tier"`
	Status                 string         `gorm:"type:varchar(16);not null;default:'active'" json:"status"`
	ExternalSubscriptionID *string        `gorm:"type:varchar(191);default:null;index" json:"external_subscription_id"`
	StartDate              time.Time      `gorm:"type:datetime;not null" json:"start_date"`
	EndDate                *time.Time     `gorm:"type:datetime;default:null" json:"end_date"`
	PaymentFailedAt        *time.Time     `gorm:"type:datetime;default:null" json:"payment_failed_at"`
	ProcessorEnvironment   string         `gorm:"type:varchar(16);not null;default:''" json:"processor_environment"`
	ArchivedData           datatypes.JSON `json:"archived_data,omitempty"`
	ArchiveRestoreUntil    *time.Time     `gorm:"type:datetime;default:null;index" json:"-"`
	CreatedAt              time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewFreeMembership returns the onboarding record of a user.
func NewFreeMembership(userID uint, now time.Time) *MembershipRecord {
	return &MembershipRecord{
		UserID:    userID,
		Plan:      PlanFree,
		Tier:      TierFree,
		Status:    MembershipStatusActive,
		StartDate: now.UTC(),
	}
}

func (m *MembershipRecord) IsFree() bool {
	return m == nil || m.Tier == TierFree
}

// Archive decodes the archived snapshot. A record without one returns nil.
func (m *MembershipRecord) Archive() (*ArchivedData, error) {
	if m == nil || len(m.ArchivedData) == 0 || string(m.ArchivedData) == "null" {
		return nil, nil
	}
	var a ArchivedData
	if err := json.Unmarshal(m.ArchivedData, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// SetArchive stores a snapshot, or clears it when a is nil or empty.
func (m *MembershipRecord) SetArchive(a *ArchivedData) error {
	if a == nil || a.IsEmpty() {
		m.ArchivedData = nil
		m.ArchiveRestoreUntil = nil
		return nil
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	until := a.RestoreUntil.UTC()
	m.ArchivedData = datatypes.JSON(raw)
	m.ArchiveRestoreUntil = &until
	return nil
}

// GetOrCreateMembership returns the current record or creates the free default.
func GetOrCreateMembership(db *gorm.DB, userID uint) (*MembershipRecord, error) {
	var m MembershipRecord
	err := db.Where("user_id = ?", userID).First(&m).Error
	if err == nil {
		return &m, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	// A concurrent onboarding may win the insert; read back whichever row exists.
	fresh := NewFreeMembership(userID, time.Now())
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(fresh).Error; err != nil {
		return nil, err
	}
	if err := db.Where("user_id = ?", userID).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}
