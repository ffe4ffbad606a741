package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ScoutPass/app/models"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/cache"
	"github.com/ManuelReschke/ScoutPass/internal/pkg/environment"
)

const restoreWindow = 30 * 24 * time.Hour

type reconcilerFixture struct {
	db    *gorm.DB
	rec   *Reconciler
	proc  *fakeProcessor
	cache *cache.TTLCache[Status]
	clock *fakeClock
	user  *models.User
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	db := setupTestDB(t)
	user := seedUser(t, db, "pitcher@example.com")
	proc := newFakeProcessor()
	proc.addCustomer("cus_1", user.Email)
	clock := newFakeClock(testNow)
	c := cache.NewTTLCache[Status](time.Minute, clock.Now)

	return &reconcilerFixture{
		db:    db,
		rec:   NewReconciler(NewRepository(db), testCatalog(t), fakeProcessors{environment.Sandbox: proc}, c, restoreWindow, clock.Now),
		proc:  proc,
		cache: c,
		clock: clock,
		user:  user,
	}
}

func (f *reconcilerFixture) handle(t *testing.T, ev Event) Outcome {
	t.Helper()
	out, err := f.rec.Handle(context.Background(), environment.Sandbox, ev)
	require.NoError(t, err)
	return out
}

func deletedEvent(id, subID string, created time.Time) Event {
	return Event{ID: id, Type: EventSubscriptionDeleted, Created: created, CustomerID: "cus_1", SubscriptionID: subID, SubscriptionStatus: "canceled"}
}

func updatedEvent(id, subID, productID string, created time.Time) Event {
	return Event{
		ID:                 id,
		Type:               EventSubscriptionUpdated,
		Created:            created,
		CustomerID:         "cus_1",
		SubscriptionID:     subID,
		SubscriptionStatus: SubscriptionStatusActive,
		ProductID:          productID,
		PeriodStart:        created,
		PeriodEnd:          created.Add(365 * 24 * time.Hour),
	}
}

func TestReconciler_DeletionArchivesAndDowngrades(t *testing.T) {
	f := newReconcilerFixture(t)
	seedPaidMembership(t, f.db, f.user.ID, "sub_1", testNow.Add(10*24*time.Hour))
	seedEntitledData(t, f.db, f.user.ID)

	assert.Equal(t, OutcomeApplied, f.handle(t, deletedEvent("evt_1", "sub_1", testNow)))

	rec := loadMembership(t, f.db, f.user.ID)
	assert.Equal(t, "free", rec.Plan)
	assert.Equal(t, "free", rec.Tier)
	assert.Equal(t, models.MembershipStatusActive, rec.Status)
	assert.Nil(t, rec.ExternalSubscriptionID)
	assert.Nil(t, rec.EndDate)
	assert.Nil(t, rec.PaymentFailedAt, "deletion leaves payment_failed_at empty")

	archive, err := rec.Archive()
	require.NoError(t, err)
	require.NotNil(t, archive)
	assert.Len(t, archive.SavedMatches, 2)
	assert.Len(t, archive.ProfileViews, 1)
	assert.True(t, testNow.Add(restoreWindow).Equal(archive.RestoreUntil))

	assert.Zero(t, countRows(t, f.db, &models.SavedMatch{}, "user_id = ?", f.user.ID))
	assert.Zero(t, countRows(t, f.db, &models.ProfileView{}, "profile_user_id = ?", f.user.ID))
}

func TestReconciler_DeletionTwiceIsStable(t *testing.T) {
	f := newReconcilerFixture(t)
	seedPaidMembership(t, f.db, f.user.ID, "sub_1", testNow.Add(10*24*time.Hour))
	seedEntitledData(t, f.db, f.user.ID)

	ev := deletedEvent("evt_1", "sub_1", testNow)
	f.handle(t, ev)
	first := loadMembership(t, f.db, f.user.ID)

	f.clock.Advance(time.Hour)
	f.handle(t, ev)
	second := loadMembership(t, f.db, f.user.ID)

	assert.Equal(t, first.Plan, second.Plan)
	assert.True(t, first.StartDate.Equal(second.StartDate))
	assert.JSONEq(t, string(first.ArchivedData), string(second.ArchivedData))
	require.NotNil(t, second.ArchiveRestoreUntil)
	assert.True(t, first.ArchiveRestoreUntil.Equal(*second.ArchiveRestoreUntil))
}

func TestReconciler_PaymentFailureStampsTime(t *testing.T) {
	f := newReconcilerFixture(t)
	seedPaidMembership(t, f.db, f.user.ID, "sub_1", testNow.Add(10*24*time.Hour))

	failedAt := testNow.Add(-5 * time.Minute)
	out := f.handle(t, Event{
		ID:             "evt_pf",
		Type:           EventInvoicePaymentFailed,
		Created:        failedAt,
		CustomerID:     "cus_1",
		CustomerEmail:  "PITCHER@example.com",
		SubscriptionID: "sub_1",
	})
	assert.Equal(t, OutcomeApplied, out)

	rec := loadMembership(t, f.db, f.user.ID)
	assert.Equal(t, "free", rec.Plan)
	require.NotNil(t, rec.PaymentFailedAt)
	assert.True(t, failedAt.Equal(*rec.PaymentFailedAt))
	assert.Zero(t, f.proc.callCount(), "email on the invoice avoids a customer lookup")
}

func TestReconciler_RestoreWithinWindow(t *testing.T) {
	f := newReconcilerFixture(t)
	seedPaidMembership(t, f.db, f.user.ID, "sub_1", testNow.Add(10*24*time.Hour))
	seedEntitledData(t, f.db, f.user.ID)
	f.handle(t, deletedEvent("evt_del", "sub_1", testNow))

	f.clock.Advance(10 * 24 * time.Hour)
	out := f.handle(t, updatedEvent("evt_up", "sub_2", productChampionshipYearly, f.clock.Now()))
	assert.Equal(t, OutcomeApplied, out)

	rec := loadMembership(t, f.db, f.user.ID)
	assert.Equal(t, "championship_yearly", rec.Plan)
	assert.Equal(t, "premium", rec.Tier)
	require.NotNil(t, rec.ExternalSubscriptionID)
	assert.Equal(t, "sub_2", *rec.ExternalSubscriptionID)
	assert.Nil(t, rec.PaymentFailedAt)
	require.NotNil(t, rec.EndDate)
	assert.True(t, f.clock.Now().Add(365*24*time.Hour).Equal(*rec.EndDate))

	assert.Empty(t, rec.ArchivedData, "archive is discarded after restore")
	assert.Nil(t, rec.ArchiveRestoreUntil)
	assert.Equal(t, int64(2), countRows(t, f.db, &models.SavedMatch{}, "user_id = ?", f.user.ID))
	assert.Equal(t, int64(1), countRows(t, f.db, &models.ProfileView{}, "profile_user_id = ?", f.user.ID))
}

func TestReconciler_NoRestoreAfterWindow(t *testing.T) {
	f := newReconcilerFixture(t)
	seedPaidMembership(t, f.db, f.user.ID, "sub_1", testNow.Add(10*24*time.Hour))
	seedEntitledData(t, f.db, f.user.ID)
	f.handle(t, deletedEvent("evt_del", "sub_1", testNow))

	f.clock.Advance(restoreWindow + time.Hour)
	f.handle(t, updatedEvent("evt_up", "sub_2", productChampionshipYearly, f.clock.Now()))

	rec := loadMembership(t, f.db, f.user.ID)
	assert.Equal(t, "championship_yearly", rec.Plan)
	assert.Empty(t, rec.ArchivedData)
	assert.Zero(t, countRows(t, f.db, &models.SavedMatch{}, "user_id = ?", f.user.ID))
}

func TestReconciler_RestoreHappensOnce(t *testing.T) {
	f := newReconcilerFixture(t)
	seedPaidMembership(t, f.db, f.user.ID, "sub_1", testNow.Add(10*24*time.Hour))
	seedEntitledData(t, f.db, f.user.ID)
	f.handle(t, deletedEvent("evt_del", "sub_1", testNow))

	up := updatedEvent("evt_up", "sub_2", productChampionshipYearly, testNow.Add(time.Hour))
	f.handle(t, up)
	// The user deletes a restored match; a redelivered update must not bring it back.
	require.NoError(t, f.db.Where("user_id = ? AND match_user_id = ?", f.user.ID, 501).Delete(&models.SavedMatch{}).Error)
	f.handle(t, up)

	assert.Equal(t, int64(1), countRows(t, f.db, &models.SavedMatch{}, "user_id = ?", f.user.ID))
}

func TestReconciler_StaleDeletionIsSkipped(t *testing.T) {
	f := newReconcilerFixture(t)
	seedPaidMembership(t, f.db, f.user.ID, "sub_new", testNow.Add(300*24*time.Hour))
	seedEntitledData(t, f.db, f.user.ID)

	out := f.handle(t, deletedEvent("evt_old", "sub_old", testNow))
	assert.Equal(t, OutcomeStale, out)

	rec := loadMembership(t, f.db, f.user.ID)
	assert.Equal(t, "championship_yearly", rec.Plan)
	assert.Equal(t, int64(2), countRows(t, f.db, &models.SavedMatch{}, "user_id = ?", f.user.ID))
}

func TestReconciler_IgnoredEvents(t *testing.T) {
	f := newReconcilerFixture(t)

	tests := []struct {
		name string
		ev   Event
	}{
		{name: "unrelated type", ev: Event{ID: "evt_a", Type: "customer.created", CustomerID: "cus_1"}},
		{name: "non-active update", ev: Event{ID: "evt_b", Type: EventSubscriptionUpdated, CustomerID: "cus_1", SubscriptionStatus: "past_due", ProductID: productChampionshipYearly}},
		{name: "unmapped product", ev: updatedEvent("evt_c", "sub_x", "prod_unknown", testNow)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, OutcomeIgnored, f.handle(t, tt.ev))
		})
	}
	assert.Zero(t, countRows(t, f.db, &models.MembershipRecord{}, "user_id = ?", f.user.ID))
}

func TestReconciler_UnknownCustomerOrUser(t *testing.T) {
	f := newReconcilerFixture(t)
	f.proc.addCustomer("cus_2", "nobody@example.com")

	assert.Equal(t, OutcomeUnknownUser, f.handle(t, Event{ID: "evt_1", Type: EventSubscriptionDeleted, CustomerID: "cus_missing"}))
	assert.Equal(t, OutcomeUnknownUser, f.handle(t, Event{ID: "evt_2", Type: EventSubscriptionDeleted, CustomerID: "cus_2"}))
}

func TestReconciler_ProcessorFailureIsReported(t *testing.T) {
	f := newReconcilerFixture(t)
	f.proc.err = ErrProcessorUnavailable

	out, err := f.rec.Handle(context.Background(), environment.Sandbox, deletedEvent("evt_1", "sub_1", testNow))
	assert.Error(t, err)
	assert.Equal(t, OutcomeFailed, out)
}

func TestReconciler_InvalidatesCachedStatus(t *testing.T) {
	f := newReconcilerFixture(t)
	seedPaidMembership(t, f.db, f.user.ID, "sub_1", testNow.Add(10*24*time.Hour))
	ctx := context.Background()
	f.cache.Set(ctx, StatusCacheKey(environment.Sandbox, f.user.ID), Status{Subscribed: true})
	f.cache.Set(ctx, StatusCacheKey(environment.Production, f.user.ID), Status{Subscribed: true})

	f.handle(t, deletedEvent("evt_1", "sub_1", testNow))

	_, ok := f.cache.Get(ctx, StatusCacheKey(environment.Sandbox, f.user.ID))
	assert.False(t, ok)
	_, ok = f.cache.Get(ctx, StatusCacheKey(environment.Production, f.user.ID))
	assert.False(t, ok)
}

func TestReconciler_UpdateAfterOlderDeletionDoesNotResurrectStaleData(t *testing.T) {
	f := newReconcilerFixture(t)
	seedPaidMembership(t, f.db, f.user.ID, "sub_new", testNow.Add(300*24*time.Hour))

	// An old subscription's deletion arrives late, then the current one renews.
	f.handle(t, deletedEvent("evt_old", "sub_old", testNow))
	renewEnd := testNow.Add(400 * 24 * time.Hour)
	up := updatedEvent("evt_renew", "sub_new", productCollegeScout, testNow)
	up.PeriodEnd = renewEnd
	f.handle(t, up)

	rec := loadMembership(t, f.db, f.user.ID)
	assert.Equal(t, "college_scout_monthly", rec.Plan)
	assert.Equal(t, "college_scout", rec.Tier)
	require.NotNil(t, rec.EndDate)
	assert.True(t, renewEnd.Equal(*rec.EndDate))
}

func TestReconciler_DuplicateUpdateConverges(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(ev *Event)
		wantEnd time.Time
	}{
		{
			name:    "period from payload",
			mutate:  func(*Event) {},
			wantEnd: testNow.Add(time.Hour).Add(365 * 24 * time.Hour),
		},
		{
			name: "period missing",
			mutate: func(ev *Event) {
				ev.PeriodStart = time.Time{}
				ev.PeriodEnd = time.Time{}
			},
			wantEnd: testNow.Add(time.Hour).Add(fallbackValidity),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newReconcilerFixture(t)
			seedPaidMembership(t, f.db, f.user.ID, "sub_1", testNow.Add(10*24*time.Hour))
			seedEntitledData(t, f.db, f.user.ID)
			f.handle(t, deletedEvent("evt_del", "sub_1", testNow))

			up := updatedEvent("evt_up", "sub_2", productChampionshipYearly, testNow.Add(time.Hour))
			tt.mutate(&up)
			f.clock.Advance(2 * time.Hour)
			assert.Equal(t, OutcomeApplied, f.handle(t, up))
			first := loadMembership(t, f.db, f.user.ID)

			f.clock.Advance(3 * time.Hour)
			assert.Equal(t, OutcomeApplied, f.handle(t, up))
			second := loadMembership(t, f.db, f.user.ID)

			assert.Equal(t, first.Plan, second.Plan)
			assert.Equal(t, first.Tier, second.Tier)
			assert.Equal(t, first.Status, second.Status)
			assert.Equal(t, first.ExternalSubscriptionID, second.ExternalSubscriptionID)
			assert.Equal(t, first.ProcessorEnvironment, second.ProcessorEnvironment)
			assert.True(t, first.StartDate.Equal(second.StartDate))
			require.NotNil(t, second.EndDate)
			assert.True(t, first.EndDate.Equal(*second.EndDate))
			assert.True(t, tt.wantEnd.Equal(*second.EndDate))
			assert.Equal(t, first.PaymentFailedAt, second.PaymentFailedAt)
			assert.Equal(t, first.ArchivedData, second.ArchivedData)
			assert.Equal(t, first.ArchiveRestoreUntil, second.ArchiveRestoreUntil)
		})
	}
}

func TestReconciler_DeletionRedeliveryKeepsFreePlanRows(t *testing.T) {
	f := newReconcilerFixture(t)
	seedPaidMembership(t, f.db, f.user.ID, "sub_1", testNow.Add(10*24*time.Hour))

	ev := deletedEvent("evt_1", "sub_1", testNow)
	f.handle(t, ev)
	first := loadMembership(t, f.db, f.user.ID)
	assert.Empty(t, first.ArchivedData)

	require.NoError(t, f.db.Create(&models.SavedMatch{UserID: f.user.ID, MatchUserID: 999}).Error)
	f.clock.Advance(time.Hour)
	assert.Equal(t, OutcomeApplied, f.handle(t, ev))

	second := loadMembership(t, f.db, f.user.ID)
	assert.Equal(t, int64(1), countRows(t, f.db, &models.SavedMatch{}, "user_id = ?", f.user.ID))
	assert.Empty(t, second.ArchivedData)
	assert.Nil(t, second.ArchiveRestoreUntil)
	assert.True(t, first.StartDate.Equal(second.StartDate))
}

func TestReconciler_DeletionAfterPaymentFailureKeepsMarker(t *testing.T) {
	f := newReconcilerFixture(t)
	seedPaidMembership(t, f.db, f.user.ID, "sub_1", testNow.Add(10*24*time.Hour))

	failedAt := testNow.Add(-time.Hour)
	f.handle(t, Event{ID: "evt_pf", Type: EventInvoicePaymentFailed, Created: failedAt, CustomerID: "cus_1", SubscriptionID: "sub_1"})
	assert.Equal(t, OutcomeApplied, f.handle(t, deletedEvent("evt_del", "sub_1", testNow)))

	rec := loadMembership(t, f.db, f.user.ID)
	assert.Equal(t, "free", rec.Plan)
	require.NotNil(t, rec.PaymentFailedAt)
	assert.True(t, failedAt.Equal(*rec.PaymentFailedAt))
}

func TestReconciler_SandboxCannotOverrideProductionMembership(t *testing.T) {
	f := newReconcilerFixture(t)
	seedPaidMembership(t, f.db, f.user.ID, "sub_live", testNow.Add(300*24*time.Hour))
	holdInProduction(t, f.db, f.user.ID)
	seedEntitledData(t, f.db, f.user.ID)

	assert.Equal(t, OutcomeStale, f.handle(t, updatedEvent("evt_up", "sub_live", productCollegeScout, testNow)))
	assert.Equal(t, OutcomeStale, f.handle(t, deletedEvent("evt_del", "sub_live", testNow)))

	rec := loadMembership(t, f.db, f.user.ID)
	assert.Equal(t, "championship_yearly", rec.Plan)
	assert.Equal(t, "production", rec.ProcessorEnvironment)
	assert.Equal(t, int64(2), countRows(t, f.db, &models.SavedMatch{}, "user_id = ?", f.user.ID))
}

func TestReconciler_LivemodeMustMatchEnvironment(t *testing.T) {
	f := newReconcilerFixture(t)
	seedPaidMembership(t, f.db, f.user.ID, "sub_1", testNow.Add(10*24*time.Hour))

	ev := deletedEvent("evt_live", "sub_1", testNow)
	ev.Livemode = true
	assert.Equal(t, OutcomeIgnored, f.handle(t, ev))

	out, err := f.rec.Handle(context.Background(), environment.Production, deletedEvent("evt_test", "sub_1", testNow))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)

	assert.Equal(t, "championship_yearly", loadMembership(t, f.db, f.user.ID).Plan)
	assert.Zero(t, f.proc.callCount())
}

func TestReconciler_SandboxActivationRecordsEnvironment(t *testing.T) {
	f := newReconcilerFixture(t)
	f.handle(t, updatedEvent("evt_up", "sub_1", productCollegeScout, testNow))
	assert.Equal(t, "sandbox", loadMembership(t, f.db, f.user.ID).ProcessorEnvironment)
}
