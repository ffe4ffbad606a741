package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ScoutPass/internal/pkg/billing"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/usercontext"
)

const (
	webhookTimeout  = 15 * time.Second
	signatureHeader = "Stripe-Signature"
)

// HandleWebhook verifies and reconciles one processor delivery. Bad
// signatures and payloads are 400 so the processor retries; handled,
// ignored and duplicate events are 200; processing failures are 500.
func (mc *MembershipController) HandleWebhook(c *fiber.Ctx) error {
	env := usercontext.GetEnvironment(c)
	payload := append([]byte(nil), c.BodyRaw()...)

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	res, err := mc.svc.ProcessWebhook(ctx, env, payload, c.Get(signatureHeader))
	if err != nil {
		if billing.IsRejectedDelivery(err) {
			code := "invalid_signature"
			if errors.Is(err, billing.ErrInvalidPayload) {
				code = "invalid_payload"
			}
			log.Warnw("[Webhook] Delivery rejected", "environment", env, "remote_ip", GetClientIP(c), "error", err)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": code})
		}
		log.Errorw("[Webhook] Processing failed", "environment", env, "event_id", res.EventID, "event_type", res.EventType, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "processing_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"received":  true,
		"duplicate": res.Duplicate,
		"outcome":   res.Outcome,
	})
}

func HandleStripeWebhook(c *fiber.Ctx) error {
	return GetMembershipController().HandleWebhook(c)
}
