package billing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/ScoutPass/app/models"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/environment"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/metrics"
)

var priceIDPattern = regexp.MustCompile(`^price_[A-Za-z0-9]+$`)

// CheckoutRequest is one user's request to subscribe to a price.
type CheckoutRequest struct {
	User        *models.User
	Environment environment.Environment
	PriceID     string
	PromoCode   string
	ReturnPath  string
}

// Checkout creates hosted checkout sessions.
type Checkout struct {
	resolver          *environment.Resolver
	processors        Processors
	promos            *PromoMinter
	defaultReturnPath string
	newAttemptID      func() string
}

func NewCheckout(resolver *environment.Resolver, processors Processors, promos *PromoMinter, defaultReturnPath string) *Checkout {
	if defaultReturnPath == "" {
		defaultReturnPath = "/membership"
	}
	return &Checkout{
		resolver:          resolver,
		processors:        processors,
		promos:            promos,
		defaultReturnPath: defaultReturnPath,
		newAttemptID:      func() string { return uuid.NewString() },
	}
}

// Start returns the hosted checkout URL. Every failure is an *Error.
func (c *Checkout) Start(ctx context.Context, req CheckoutRequest) (string, error) {
	sessionURL, err := c.start(ctx, req)
	if err != nil {
		be := AsError(err)
		metrics.CheckoutAttemptsTotal.WithLabelValues(string(be.Type)).Inc()
		return "", be
	}
	metrics.CheckoutAttemptsTotal.WithLabelValues("created").Inc()
	return sessionURL, nil
}

func (c *Checkout) start(ctx context.Context, req CheckoutRequest) (string, error) {
	if req.User == nil || req.User.Email == "" {
		return "", newError(ErrorTypeAuth, "", errors.New("checkout without authenticated user"))
	}
	priceID := strings.TrimSpace(req.PriceID)
	if !priceIDPattern.MatchString(priceID) {
		return "", newError(ErrorTypeInvalidPrice, "", fmt.Errorf("malformed price id %q", priceID))
	}

	cfg, err := c.resolver.Config(req.Environment)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(cfg.AppURL) == "" {
		return "", newError(ErrorTypeConfig, "", fmt.Errorf("%w: app url of %s", environment.ErrNotConfigured, req.Environment))
	}
	proc, err := c.processors.For(req.Environment)
	if err != nil {
		return "", err
	}

	price, err := proc.GetPrice(ctx, priceID)
	if errors.Is(err, ErrNotFound) {
		return "", newError(ErrorTypeInvalidPrice, "", err)
	}
	if err != nil {
		return "", fmt.Errorf("fetch price %s: %w", priceID, err)
	}
	if !price.Active || !price.Recurring {
		return "", newError(ErrorTypeInvalidPrice, "", fmt.Errorf("price %s is not an active recurring price", priceID))
	}

	in := SessionInput{
		PriceID:           price.ID,
		ClientReferenceID: strconv.FormatUint(uint64(req.User.ID), 10),
	}

	customer, err := proc.FindCustomerByEmail(ctx, req.User.Email)
	if err != nil {
		return "", fmt.Errorf("find customer: %w", err)
	}
	if customer != nil {
		in.CustomerID = customer.ID
	} else {
		in.CustomerEmail = req.User.Email
	}

	if strings.TrimSpace(req.PromoCode) != "" {
		ref, err := c.promos.ValidateAndMint(ctx, proc, req.PromoCode, price.ProductID)
		if err != nil {
			return "", err
		}
		in.CouponID = ref.CouponID
	}

	in.SuccessURL, in.CancelURL, err = c.returnURLs(cfg.AppURL, req.ReturnPath)
	if err != nil {
		return "", newError(ErrorTypeConfig, "", err)
	}

	attemptID := c.newAttemptID()
	in.Metadata = map[string]string{
		"user_id":          in.ClientReferenceID,
		"environment":      req.Environment.String(),
		"checkout_attempt": attemptID,
	}

	session, err := proc.CreateCheckoutSession(ctx, in)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}

	log.Infof("[Billing] Checkout %s started for user %d (%s, price %s, session %s)",
		attemptID, req.User.ID, req.Environment, price.ID, session.ID)
	return session.URL, nil
}

// returnURLs resolves returnPath against appURL. Only same-site relative
// paths are honored; anything else falls back to the default path.
func (c *Checkout) returnURLs(appURL, returnPath string) (string, string, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(appURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", "", fmt.Errorf("invalid app url %q", appURL)
	}

	ref, err := url.Parse(sanitizeReturnPath(returnPath, c.defaultReturnPath))
	if err != nil {
		ref, _ = url.Parse(c.defaultReturnPath)
	}

	build := func(result string) string {
		u := *base
		u.Path = base.Path + ref.Path
		q := ref.Query()
		q.Set("checkout", result)
		u.RawQuery = q.Encode()
		u.Fragment = ""
		return u.String()
	}
	return build("success"), build("cancelled"), nil
}

func sanitizeReturnPath(p, fallback string) string {
	p = strings.TrimSpace(p)
	if p == "" || !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.Contains(p, `\`) {
		return fallback
	}
	if u, err := url.Parse(p); err != nil || u.Scheme != "" || u.Host != "" {
		return fallback
	}
	return p
}
