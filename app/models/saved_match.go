package models

import "time"

// SavedMatch is a recruiter/athlete pairing bookmarked by UserID.
type SavedMatch struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      uint      `gorm:"not null;index:idx_saved_matches_user_match,unique,priority:1" json:"user_id"`
	MatchUserID uint      `gorm:"not null;index:idx_saved_matches_user_match,unique,priority:2" json:"match_user_id"`
	Note        string    `gorm:"type:varchar(500)" json:"note"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}
