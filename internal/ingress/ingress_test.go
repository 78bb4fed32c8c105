package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/axlypro/axly-entitlements/internal/reconcile"
	"github.com/axlypro/axly-entitlements/internal/store"
	"github.com/axlypro/axly-entitlements/pkg/subscription"
	"github.com/stretchr/testify/require"
)

const testGrace = 14 * 24 * time.Hour

var t0 = time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store *store.Store
	rec   *reconcile.Reconciler
}

func newFixture(t *testing.T, users ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.DriverSQLite, filepath.Join(t.TempDir(), "entitlements.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	for _, id := range users {
		require.NoError(t, st.PutUser(ctx, &store.User{ID: id, CreatedAt: t0, RequiresSubscription: true}))
	}
	return &fixture{store: st, rec: reconcile.New(st, testGrace, nil)}
}

func (f *fixture) entitlementAt(t *testing.T, userID string, at time.Time) subscription.Entitlement {
	t.Helper()
	ent, err := f.rec.EntitlementAt(context.Background(), userID, at)
	require.NoError(t, err)
	return ent
}

func (f *fixture) ledgerOutcome(t *testing.T, platform subscription.Platform, eventID, eventType string) store.Outcome {
	t.Helper()
	entry, err := f.store.LookupEvent(context.Background(), store.EventKey{Platform: platform, EventID: eventID, EventType: eventType})
	require.NoError(t, err)
	if entry == nil {
		return ""
	}
	return entry.Outcome
}

func decodeReceived(t *testing.T, rr *httptest.ResponseRecorder) receivedResponse {
	t.Helper()
	var resp receivedResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

// failingApplier fails every Apply with a storage error.
type failingApplier struct {
	calls int
}

func (a *failingApplier) Apply(context.Context, subscription.Snapshot) (reconcile.Result, error) {
	a.calls++
	return reconcile.Result{}, &subscription.StorageError{Op: "reconcile", Err: errors.New("database is locked")}
}
