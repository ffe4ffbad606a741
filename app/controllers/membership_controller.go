package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ScoutPass/internal/pkg/billing"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/usercontext"
)

// ============================================================================
// MEMBERSHIP CONTROLLER
// ============================================================================

const requestTimeout = 30 * time.Second

// MembershipController serves checkout, status and processor webhooks.
type MembershipController struct {
	svc      *billing.Service
	validate *validator.Validate
}

// NewMembershipController creates a membership controller around svc.
func NewMembershipController(svc *billing.Service) *MembershipController {
	return &MembershipController{
		svc:      svc,
		validate: validator.New(),
	}
}

var membershipController *MembershipController

// InitializeMembershipController installs the global membership controller.
func InitializeMembershipController(svc *billing.Service) {
	membershipController = NewMembershipController(svc)
}

// GetMembershipController returns the global membership controller instance.
func GetMembershipController() *MembershipController {
	if membershipController == nil {
		panic("membership controller not initialized")
	}
	return membershipController
}

type checkoutBody struct {
	PriceID    string `json:"price_id" validate:"required,max=255"`
	PromoCode  string `json:"promo_code" validate:"omitempty,max=64"`
	ReturnPath string `json:"return_path"`
}

type statusResponse struct {
	Subscribed      bool       `json:"subscribed"`
	ProductID       *string    `json:"product_id"`
	SubscriptionEnd *time.Time `json:"subscription_end"`
}

// HandleCheckout starts a hosted checkout and returns its URL.
func (mc *MembershipController) HandleCheckout(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	user := userCtx.User()
	if user == nil {
		return checkoutError(c, billing.ErrorTypeAuth)
	}

	var body checkoutBody
	if err := c.BodyParser(&body); err != nil {
		return checkoutError(c, billing.ErrorTypeInvalidPrice)
	}
	if err := mc.validate.Struct(body); err != nil {
		return checkoutError(c, invalidFieldType(err))
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	url, err := mc.svc.Checkout.Start(ctx, billing.CheckoutRequest{
		User:        user,
		Environment: usercontext.GetEnvironment(c),
		PriceID:     body.PriceID,
		PromoCode:   body.PromoCode,
		ReturnPath:  body.ReturnPath,
	})
	if err != nil {
		be := billing.AsError(err)
		log.Warnw("[Membership] Checkout failed", "user_id", user.ID, "error_type", be.Type, "error", err)
		return c.Status(checkoutStatus(be.Type)).JSON(fiber.Map{
			"error":      be.Message,
			"error_type": be.Type,
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"url": url})
}

// HandleStatus reports the subscription of the caller. Anonymous callers and
// processor failures get the not-subscribed reply with 200.
func (mc *MembershipController) HandleStatus(c *fiber.Ctx) error {
	user := usercontext.GetUserContext(c).User()
	if user == nil {
		return c.Status(fiber.StatusOK).JSON(toStatusResponse(billing.NotSubscribed()))
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	st, err := mc.svc.Status.StatusFor(ctx, usercontext.GetEnvironment(c), user)
	if err != nil {
		log.Warnw("[Membership] Status lookup failed", "user_id", user.ID, "error_type", billing.Classify(err), "error", err)
	}
	return c.Status(fiber.StatusOK).JSON(toStatusResponse(st))
}

func toStatusResponse(st billing.Status) statusResponse {
	out := statusResponse{Subscribed: st.Subscribed}
	if st.Subscribed && st.ProductID != "" {
		id := st.ProductID
		out.ProductID = &id
		out.SubscriptionEnd = st.ValidUntil
	}
	return out
}

func checkoutError(c *fiber.Ctx, t billing.ErrorType) error {
	return c.Status(checkoutStatus(t)).JSON(fiber.Map{
		"error":      billing.PublicMessage(t),
		"error_type": t,
	})
}

func checkoutStatus(t billing.ErrorType) int {
	switch t {
	case billing.ErrorTypeAuth:
		return fiber.StatusUnauthorized
	case billing.ErrorTypeInvalidPrice, billing.ErrorTypeInvalidPromo, billing.ErrorTypeValidation:
		return fiber.StatusBadRequest
	case billing.ErrorTypeConfig:
		return fiber.StatusServiceUnavailable
	case billing.ErrorTypeNetwork:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// invalidFieldType maps a body validation failure onto the checkout error
// taxonomy. A bad price wins over a bad promo code.
func invalidFieldType(err error) billing.ErrorType {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return billing.ErrorTypeInvalidPrice
	}
	t := billing.ErrorTypeInvalidPromo
	for _, fe := range verrs {
		if fe.Field() == "PriceID" {
			t = billing.ErrorTypeInvalidPrice
		}
	}
	return t
}

func HandleMembershipCheckout(c *fiber.Ctx) error {
	return GetMembershipController().HandleCheckout(c)
}

func HandleMembershipStatus(c *fiber.Ctx) error {
	return GetMembershipController().HandleStatus(c)
}
