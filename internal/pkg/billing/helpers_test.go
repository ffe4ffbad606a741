package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/ScoutPass/app/models"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/catalog"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/database"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/environment"
)

const (
	productChampionshipYearly = "prod_test_cy"
	productCollegeScout       = "prod_test_sm"
	validSignature            = "t=1,v1=valid"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeProcessor is an in-memory Processor. Events are passed as JSON of the
// Event struct and accepted only with validSignature.
type fakeProcessor struct {
	mu sync.Mutex

	customers     map[string]*Customer // by email
	prices        map[string]*Price
	coupons       map[string]*Coupon
	subscriptions map[string]*Subscription // by customer id

	sessions       []SessionInput
	createdCoupons []CouponInput
	calls          int

	err             error // returned by every API call when set
	createCouponErr error
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		customers:     map[string]*Customer{},
		prices:        map[string]*Price{},
		coupons:       map[string]*Coupon{},
		subscriptions: map[string]*Subscription{},
	}
}

func (f *fakeProcessor) addCustomer(id, email string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers[email] = &Customer{ID: id, Email: email}
}

func (f *fakeProcessor) addPrice(id, productID string, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[id] = &Price{ID: id, ProductID: productID, Active: active, Recurring: true}
}

func (f *fakeProcessor) setSubscription(customerID string, sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub == nil {
		delete(f.subscriptions, customerID)
		return
	}
	f.subscriptions[customerID] = sub
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProcessor) begin() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeProcessor) FindCustomerByEmail(_ context.Context, email string) (*Customer, error) {
	if err := f.begin(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.customers[email]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeProcessor) GetCustomer(_ context.Context, customerID string) (*Customer, error) {
	if err := f.begin(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.customers {
		if c.ID == customerID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: customer %s", ErrNotFound, customerID)
}

func (f *fakeProcessor) GetPrice(_ context.Context, priceID string) (*Price, error) {
	if err := f.begin(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[priceID]
	if !ok {
		return nil, fmt.Errorf("%w: price %s", ErrNotFound, priceID)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProcessor) GetCoupon(_ context.Context, couponID string) (*Coupon, error) {
	if err := f.begin(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.coupons[couponID]
	if !ok {
		return nil, fmt.Errorf("%w: coupon %s", ErrNotFound, couponID)
	}
	cp := *c
	return &cp, nil
}

func (f *fakeProcessor) CreateCoupon(_ context.Context, in CouponInput) (*Coupon, error) {
	if err := f.begin(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createCouponErr != nil {
		return nil, f.createCouponErr
	}
	if _, ok := f.coupons[in.ID]; ok {
		return nil, fmt.Errorf("%w: coupon %s", ErrAlreadyExists, in.ID)
	}
	f.createdCoupons = append(f.createdCoupons, in)
	c := &Coupon{ID: in.ID, Valid: true}
	f.coupons[in.ID] = c
	cp := *c
	return &cp, nil
}

func (f *fakeProcessor) CreateCheckoutSession(_ context.Context, in SessionInput) (*CheckoutSession, error) {
	if err := f.begin(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, in)
	id := fmt.Sprintf("cs_test_%d", len(f.sessions))
	return &CheckoutSession{ID: id, URL: "https://checkout.example.com/c/pay/" + id}, nil
}

func (f *fakeProcessor) ActiveSubscription(_ context.Context, customerID string) (*Subscription, error) {
	if err := f.begin(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subscriptions[customerID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeProcessor) ParseEvent(payload []byte, signature string) (Event, error) {
	if signature != validSignature {
		return Event{}, ErrInvalidSignature
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	ev.Raw = payload
	return ev, nil
}

type fakeProcessors map[environment.Environment]*fakeProcessor

func (f fakeProcessors) For(env environment.Environment) (Processor, error) {
	p, ok := f[env]
	if !ok {
		return nil, fmt.Errorf("%w: %s", environment.ErrNotConfigured, env)
	}
	return p, nil
}

// fakeVerdicts plays the validate_promo_code procedure.
type fakeVerdicts struct {
	codes map[string]PromoVerdict
	err   error
	calls int
}

func (f *fakeVerdicts) Verify(_ context.Context, code, productID string) (PromoVerdict, error) {
	f.calls++
	if f.err != nil {
		return PromoVerdict{}, f.err
	}
	v, ok := f.codes[code]
	if !ok {
		return PromoVerdict{Reason: "Unknown promo code."}, nil
	}
	if len(v.ProductIDs) > 0 {
		scoped := false
		for _, id := range v.ProductIDs {
			if id == productID {
				scoped = true
			}
		}
		if !scoped {
			return PromoVerdict{Reason: "This code does not apply to the selected plan."}, nil
		}
	}
	return v, nil
}

func testResolver() *environment.Resolver {
	return environment.NewResolver([]string{"app.scoutpass.example"}, map[environment.Environment]environment.ProcessorConfig{
		environment.Sandbox: {
			SecretKey:     "sk_test_123",
			WebhookSecret: "whsec_test",
			AppURL:        "https://staging.scoutpass.example",
		},
		environment.Production: {
			SecretKey:     "sk_live_123",
			WebhookSecret: "whsec_live",
			AppURL:        "https://app.scoutpass.example",
		},
	})
}

func testCatalog(t *testing.T) *catalog.Mapper {
	t.Helper()
	m, err := catalog.New(catalog.Table{
		environment.Sandbox: {
			"championship_yearly":   productChampionshipYearly,
			"college_scout_monthly": productCollegeScout,
		},
		environment.Production: {
			"championship_yearly": "prod_live_cy",
		},
	})
	require.NoError(t, err)
	return m
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// One connection, so every statement sees the same in-memory database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func seedUser(t *testing.T, db *gorm.DB, email string) *models.User {
	t.Helper()
	u := &models.User{Name: "Test Scout", Email: email, Status: models.STATUS_ACTIVE}
	require.NoError(t, db.Create(u).Error)
	return u
}

func seedPaidMembership(t *testing.T, db *gorm.DB, userID uint, subID string, end time.Time) *models.MembershipRecord {
	t.Helper()
	rec := models.NewFreeMembership(userID, testNow.Add(-90*24*time.Hour))
	rec.Plan = "championship_yearly"
	rec.Tier = "premium"
	rec.ExternalSubscriptionID = &subID
	rec.EndDate = &end
	require.NoError(t, db.Create(rec).Error)
	return rec
}

// holdInProduction marks the user's paid record as backed by a production subscription.
func holdInProduction(t *testing.T, db *gorm.DB, userID uint) {
	t.Helper()
	require.NoError(t, db.Model(&models.MembershipRecord{}).Where("user_id = ?", userID).
		Update("processor_environment", string(environment.Production)).Error)
}

func seedEntitledData(t *testing.T, db *gorm.DB, userID uint) {
	t.Helper()
	require.NoError(t, db.Create(&[]models.SavedMatch{
		{UserID: userID, MatchUserID: 501, Note: "left-handed pitcher"},
		{UserID: userID, MatchUserID: 502},
	}).Error)
	require.NoError(t, db.Create(&[]models.ProfileView{
		{ProfileUserID: userID, ViewerUserID: 900, ViewedAt: testNow.Add(-time.Hour)},
	}).Error)
}

func loadMembership(t *testing.T, db *gorm.DB, userID uint) *models.MembershipRecord {
	t.Helper()
	var rec models.MembershipRecord
	require.NoError(t, db.Where("user_id = ?", userID).First(&rec).Error)
	return &rec
}

func countRows(t *testing.T, db *gorm.DB, model interface{}, where string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Where(where, args...).Count(&n).Error)
	return n
}

func eventJSON(t *testing.T, ev Event) []byte {
	t.Helper()
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	return raw
}
