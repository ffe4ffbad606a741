package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ScoutPass/app/models"
)

// PromoVerdict is the authoritative answer for a code and product.
type PromoVerdict struct {
	Valid         bool
	Reason        string
	Code          string
	DiscountType  string
	DiscountValue float64
	Currency      string
	ProductIDs    []string
}

// PromoVerdictSource is the single source of truth for promo rules (scope,
// expiry, usage cap). Callers must not re-implement those rules.
type PromoVerdictSource interface {
	Verify(ctx context.Context, code, productID string) (PromoVerdict, error)
}

// DiscountRef points at the processor coupon minted for a code.
type DiscountRef struct {
	CouponID string
	Created  bool
}

// PromoMinter validates codes and mints one processor coupon per code.
type PromoMinter struct {
	verdicts PromoVerdictSource
}

func NewPromoMinter(verdicts PromoVerdictSource) *PromoMinter {
	return &PromoMinter{verdicts: verdicts}
}

// NormalizePromoCode trims and upper-cases a code as users type it.
func NormalizePromoCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// DiscountIDFor derives the coupon id from the code alone, so every checkout
// with the same code reuses one coupon.
func DiscountIDFor(code string) string {
	code = NormalizePromoCode(code)
	var b strings.Builder
	for _, r := range code {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
		if b.Len() >= 32 {
			break
		}
	}
	sum := sha256.Sum256([]byte(code))
	return "promo_" + b.String() + "_" + hex.EncodeToString(sum[:4])
}

// ValidateAndMint checks code against productID and returns the coupon to
// attach. The coupon is fetched first and created only when the processor
// reports it missing; any other lookup failure is returned as is.
func (m *PromoMinter) ValidateAndMint(ctx context.Context, proc Processor, code, productID string) (DiscountRef, error) {
	code = NormalizePromoCode(code)
	if code == "" {
		return DiscountRef{}, newError(ErrorTypeInvalidPromo, "", errors.New("empty promo code"))
	}

	verdict, err := m.verdicts.Verify(ctx, code, productID)
	if err != nil {
		return DiscountRef{}, newError(ErrorTypeUnknown, "", fmt.Errorf("verify promo code: %w", err))
	}
	if !verdict.Valid {
		msg := publicMessages[ErrorTypeInvalidPromo]
		if verdict.Reason != "" {
			msg = verdict.Reason
		}
		return DiscountRef{}, newError(ErrorTypeInvalidPromo, msg, nil)
	}
	if verdict.Code == "" {
		verdict.Code = code
	}

	id := DiscountIDFor(code)
	coupon, err := proc.GetCoupon(ctx, id)
	switch {
	case err == nil:
		if !coupon.Valid {
			return DiscountRef{}, newError(ErrorTypeInvalidPromo, "", fmt.Errorf("coupon %s is no longer redeemable", id))
		}
		return DiscountRef{CouponID: coupon.ID}, nil
	case !errors.Is(err, ErrNotFound):
		return DiscountRef{}, AsError(fmt.Errorf("fetch coupon %s: %w", id, err))
	}

	in, err := couponInput(id, verdict)
	if err != nil {
		return DiscountRef{}, newError(ErrorTypeInvalidPromo, "", err)
	}
	coupon, err = proc.CreateCoupon(ctx, in)
	if errors.Is(err, ErrAlreadyExists) {
		// Lost a race with a concurrent checkout for the same code.
		coupon, err = proc.GetCoupon(ctx, id)
		if err != nil {
			return DiscountRef{}, AsError(fmt.Errorf("refetch coupon %s: %w", id, err))
		}
		return DiscountRef{CouponID: coupon.ID}, nil
	}
	if err != nil {
		return DiscountRef{}, AsError(fmt.Errorf("create coupon %s: %w", id, err))
	}

	log.Infof("[Billing] Minted coupon %s for promo code %s", coupon.ID, code)
	return DiscountRef{CouponID: coupon.ID, Created: true}, nil
}

func couponInput(id string, v PromoVerdict) (CouponInput, error) {
	in := CouponInput{
		ID:           id,
		Name:         v.Code,
		DiscountType: v.DiscountType,
		ProductIDs:   v.ProductIDs,
	}
	switch v.DiscountType {
	case models.DiscountTypePercentage:
		if v.DiscountValue <= 0 || v.DiscountValue > 100 {
			return in, fmt.Errorf("percentage %.2f out of range", v.DiscountValue)
		}
		in.PercentOff = v.DiscountValue
	case models.DiscountTypeFixedAmount:
		if v.DiscountValue <= 0 {
			return in, fmt.Errorf("amount %.2f out of range", v.DiscountValue)
		}
		in.AmountOff = int64(math.Round(v.DiscountValue * 100))
		in.Currency = v.Currency
		if in.Currency == "" {
			in.Currency = "usd"
		}
	default:
		return in, fmt.Errorf("unknown discount type %q", v.DiscountType)
	}
	return in, nil
}

// promoVerdictRow is one row of CALL validate_promo_code(code, product_id).
type promoVerdictRow struct {
	IsValid       bool
	Reason        string
	Code          string
	DiscountType  string
	DiscountValue float64
	Currency      string
	ProductIDs    string
}

type gormPromoVerdicts struct {
	db *gorm.DB
}

// NewGormPromoVerdicts asks the validate_promo_code stored procedure.
func NewGormPromoVerdicts(db *gorm.DB) PromoVerdictSource {
	return &gormPromoVerdicts{db: db}
}

func (s *gormPromoVerdicts) Verify(ctx context.Context, code, productID string) (PromoVerdict, error) {
	var row promoVerdictRow
	res := s.db.WithContext(ctx).Raw("CALL validate_promo_code(?, ?)", code, productID).Scan(&row)
	if res.Error != nil {
		return PromoVerdict{}, res.Error
	}
	if res.RowsAffected == 0 {
		return PromoVerdict{Valid: false, Reason: "Unknown promo code."}, nil
	}
	return PromoVerdict{
		Valid:         row.IsValid,
		Reason:        row.Reason,
		Code:          row.Code,
		DiscountType:  row.DiscountType,
		DiscountValue: row.DiscountValue,
		Currency:      row.Currency,
		ProductIDs:    models.SplitProductIDs(row.ProductIDs),
	}, nil
}
