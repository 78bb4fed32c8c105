package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/axlypro/axly-entitlements/pkg/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, time.April, 1, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "entitlements.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustPutUser(t *testing.T, s *Store, id string) *User {
	t.Helper()
	u := &User{ID: id, CreatedAt: t0, RequiresSubscription: true}
	require.NoError(t, s.PutUser(context.Background(), u))
	return u
}

func testRecord(userID, eventID string, at time.Time) *subscription.Record {
	return &subscription.Record{
		UserID:                 userID,
		Platform:               subscription.PlatformStripe,
		PlatformSubscriptionID: "sub_1",
		Status:                 subscription.StatusActive,
		CurrentPeriodEnd:       at.Add(30 * 24 * time.Hour),
		LastAppliedEventID:     eventID,
		LastAppliedEventTime:   at,
		CreatedAt:              at,
		UpdatedAt:              at,
	}
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y = ?`
	assert.Equal(t, q, rebind(DriverSQLite, q))
	assert.Equal(t, `SELECT a FROM t WHERE x = $1 AND y = $2`, rebind(DriverPostgres, q))
}

func TestPutUserKeepsCreationAnchor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustPutUser(t, s, "u1")

	require.NoError(t, s.PutUser(ctx, &User{ID: "u1", CreatedAt: t0.Add(time.Hour), IsAdmin: true}))

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.True(t, u.IsAdmin)
	assert.False(t, u.RequiresSubscription)
	assert.True(t, u.Exempt())
	assert.Equal(t, t0, u.CreatedAt)
	assert.Equal(t, t0, u.QuotaAnchor)

	missing, err := s.GetUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestReconcileRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustPutUser(t, s, "u1")

	key := EventKey{Platform: subscription.PlatformStripe, EventID: "evt_1", EventType: "checkout.session.completed"}
	rec := testRecord("u1", "evt_1", t0)
	rec.GraceStartedAt = t0.Add(time.Minute)

	err := s.Reconcile(ctx, key, "u1", func(current *subscription.Record, records []subscription.Record) (*subscription.Record, Outcome, error) {
		assert.Nil(t, current)
		assert.Empty(t, records)
		return rec, OutcomeApplied, nil
	})
	require.NoError(t, err)

	got, err := s.GetRecord(ctx, "u1", subscription.PlatformStripe)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *rec, *got)

	entry, err := s.LookupEvent(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, OutcomeApplied, entry.Outcome)

	owner, err := s.FindSubscriber(ctx, subscription.PlatformStripe, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "u1", owner)
}

func TestReconcileSeesEveryPlatformRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustPutUser(t, s, "u1")

	apple := testRecord("u1", "1000:INITIAL_BUY", t0)
	apple.Platform = subscription.PlatformApple
	apple.PlatformSubscriptionID = "1000"
	appleKey := EventKey{Platform: subscription.PlatformApple, EventID: "1000:INITIAL_BUY"}
	require.NoError(t, s.Reconcile(ctx, appleKey, "u1", func(*subscription.Record, []subscription.Record) (*subscription.Record, Outcome, error) {
		return apple, OutcomeApplied, nil
	}))

	stripeKey := EventKey{Platform: subscription.PlatformStripe, EventID: "evt_1"}
	err := s.Reconcile(ctx, stripeKey, "u1", func(current *subscription.Record, records []subscription.Record) (*subscription.Record, Outcome, error) {
		assert.Nil(t, current)
		require.Len(t, records, 1)
		assert.Equal(t, *apple, records[0])
		return testRecord("u1", "evt_1", t0), OutcomeApplied, nil
	})
	require.NoError(t, err)

	err = s.Reconcile(ctx, EventKey{Platform: subscription.PlatformStripe, EventID: "evt_2"}, "u1",
		func(current *subscription.Record, records []subscription.Record) (*subscription.Record, Outcome, error) {
			require.NotNil(t, current)
			assert.Equal(t, "evt_1", current.LastAppliedEventID)
			assert.Len(t, records, 2)
			return nil, OutcomeStale, nil
		})
	require.NoError(t, err)
}

func TestReconcileRejectsClaimedEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustPutUser(t, s, "u1")

	key := EventKey{Platform: subscription.PlatformStripe, EventID: "evt_dup"}
	calls := 0
	fn := func(*subscription.Record, []subscription.Record) (*subscription.Record, Outcome, error) {
		calls++
		return testRecord("u1", "evt_dup", t0), OutcomeApplied, nil
	}

	require.NoError(t, s.Reconcile(ctx, key, "u1", fn))
	err := s.Reconcile(ctx, key, "u1", fn)
	assert.ErrorIs(t, err, ErrEventClaimed)
	assert.Equal(t, 1, calls)
}

func TestReconcileRollsBackOnFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustPutUser(t, s, "u1")

	key := EventKey{Platform: subscription.PlatformStripe, EventID: "evt_fail"}
	boom := errors.New("boom")
	err := s.Reconcile(ctx, key, "u1", func(*subscription.Record, []subscription.Record) (*subscription.Record, Outcome, error) {
		return nil, "", boom
	})
	require.ErrorIs(t, err, boom)

	entry, err := s.LookupEvent(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, entry, "failed reconcile must not leave a ledger entry")
}

func TestReconcileUnknownUser(t *testing.T) {
	s := newTestStore(t)
	key := EventKey{Platform: subscription.PlatformApple, EventID: "1000:INITIAL_BUY"}
	err := s.Reconcile(context.Background(), key, "ghost", func(*subscription.Record, []subscription.Record) (*subscription.Record, Outcome, error) {
		t.Fatal("reconcile func must not run for unknown users")
		return nil, "", nil
	})
	assert.ErrorIs(t, err, ErrUserNotFound)

	entry, lookupErr := s.LookupEvent(context.Background(), key)
	require.NoError(t, lookupErr)
	assert.Nil(t, entry)
}

func TestRecordAndPruneEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.now = func() time.Time { return t0 }
	claimed, err := s.RecordEvent(ctx, EventKey{Platform: subscription.PlatformStripe, EventID: "evt_old", EventType: "charge.refunded"}, OutcomeIgnored)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.RecordEvent(ctx, EventKey{Platform: subscription.PlatformStripe, EventID: "evt_old"}, OutcomeMalformed)
	require.NoError(t, err)
	assert.False(t, claimed)

	s.now = func() time.Time { return t0.Add(40 * 24 * time.Hour) }
	_, err = s.RecordEvent(ctx, EventKey{Platform: subscription.PlatformStripe, EventID: "evt_new"}, OutcomeIgnored)
	require.NoError(t, err)

	n, err := s.PruneEvents(ctx, t0.Add(10*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entry, err := s.LookupEvent(ctx, EventKey{Platform: subscription.PlatformStripe, EventID: "evt_new"})
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, OutcomeIgnored, entry.Outcome)
}

func TestAdmitConversationNeverOverAdmits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustPutUser(t, s, "u1")
	period := subscription.PeriodAt(t0, t0)

	const limit = 5
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adm, err := s.AdmitConversation(ctx, "u1", period, limit)
			if err != nil {
				t.Errorf("AdmitConversation: %v", err)
				return
			}
			if adm.Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, admitted)
	usage, err := s.UsageFor(ctx, "u1", period)
	require.NoError(t, err)
	assert.Equal(t, int64(limit), usage.Conversations)
}

func TestAdmitMessageScopedByConversationAndPeriod(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustPutUser(t, s, "u1")
	first := subscription.PeriodAt(t0, t0)
	second := subscription.PeriodAt(t0, first.End)

	for i := 0; i < 2; i++ {
		adm, err := s.AdmitMessage(ctx, "u1", "c1", first, 2)
		require.NoError(t, err)
		assert.True(t, adm.Admitted)
	}
	adm, err := s.AdmitMessage(ctx, "u1", "c1", first, 2)
	require.NoError(t, err)
	assert.False(t, adm.Admitted)
	assert.Equal(t, int64(2), adm.Used)

	adm, err = s.AdmitMessage(ctx, "u1", "c2", first, 2)
	require.NoError(t, err)
	assert.True(t, adm.Admitted)

	adm, err = s.AdmitMessage(ctx, "u1", "c1", second, 2)
	require.NoError(t, err)
	assert.True(t, adm.Admitted)
	assert.Equal(t, int64(1), adm.Used)

	adm, err = s.AdmitMessage(ctx, "u1", "c3", first, -1)
	require.NoError(t, err)
	assert.True(t, adm.Admitted)

	usage, err := s.UsageFor(ctx, "u1", first)
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Conversations)
	assert.Equal(t, map[string]int64{"c1": 2, "c2": 1, "c3": 1}, usage.Messages)
}

func TestReceiptValidationAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordReceiptValidation(ctx, &ReceiptValidation{
		UserID: "u1", Environment: "Sandbox", AppleStatus: 0, Outcome: "applied", CreatedAt: t0,
	}))
	require.NoError(t, s.RecordReceiptValidation(ctx, &ReceiptValidation{
		UserID: "u1", AppleStatus: 21003, Outcome: "rejected", CreatedAt: t0.Add(time.Minute),
	}))

	rows, err := s.ListReceiptValidations(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 21003, rows[0].AppleStatus)
	assert.NotEmpty(t, rows[0].ID)
}

func TestOpenPostgres(t *testing.T) {
	dsn := os.Getenv("AXLY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AXLY_TEST_POSTGRES_DSN not set")
	}
	s, err := Open(context.Background(), DriverPostgres, dsn)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, DriverPostgres, s.Driver())
	require.NoError(t, s.Ping(context.Background()))
}
