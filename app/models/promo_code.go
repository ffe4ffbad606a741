package models

import (
	"strings"
	"time"
)

const (
	DiscountTypePercentage  = "percentage"
	DiscountTypeFixedAmount = "fixed_amount"
)

// PromoCode is owned by the promo administration. The membership code only
// reads it through the validate_promo_code procedure.
type PromoCode struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	Code          string     `gorm:"type:varchar(64);not null;uniqueIndex" json:"code"`
	DiscountType  string     `gorm:"type:varchar(20);not null" json:"discount_type"`
	DiscountValue float64    `gorm:"not null" json:"discount_value"`
	Currency      string     `gorm:"type:varchar(3);not null;default:'usd'" json:"currency"`
	ProductIDs    string     `gorm:"type:text" json:"product_ids"` // comma separated, empty means every product
	Active        bool       `gorm:"not null;default:true" json:"active"`
	MaxUses       *int       `gorm:"default:null" json:"max_uses"`
	TimesUsed     int        `gorm:"not null;default:0" json:"times_used"`
	ExpiresAt     *time.Time `gorm:"type:datetime;default:null" json:"expires_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SplitProductIDs parses the comma separated product scope column.
func SplitProductIDs(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
