package models

import "time"

// ProfileView records that ViewerUserID opened the profile of ProfileUserID.
// The list of viewers is a paid feature and gets archived on downgrade.
type ProfileView struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ProfileUserID uint      `gorm:"not null;index" json:"profile_user_id"`
	ViewerUserID  uint      `gorm:"not null;index" json:"viewer_user_id"`
	ViewedAt      time.Time `gorm:"type:datetime;not null" json:"viewed_at"`
}
