package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/axlypro/axly-entitlements/internal/store"
	"github.com/axlypro/axly-entitlements/pkg/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		userAdmin, userNoSubscription, userCreatedAt, ledgerPruneOlderArg = false, false, "", ""
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func useTempDatabase(t *testing.T) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "entitlements.db")
	t.Setenv("AXLY_DATABASE_DRIVER", "sqlite")
	t.Setenv("AXLY_DATABASE_DSN", dsn)
	return dsn
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	defer func() { Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit }()

	Version, BuildTime, GitCommit = "1.2.3", "2025-01-01", "abcdef"
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "axly-entitlements 1.2.3")
	assert.Contains(t, out, "Built: 2025-01-01")
	assert.Contains(t, out, "Commit: abcdef")

	BuildTime, GitCommit = "unknown", "unknown"
	out, err = run(t, "version")
	require.NoError(t, err)
	assert.NotContains(t, out, "Built:")
	assert.NotContains(t, out, "Commit:")
}

func TestMigrateCmd(t *testing.T) {
	useTempDatabase(t)
	out, err := run(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Database sqlite is up to date")
}

func TestUserRegisterCmd(t *testing.T) {
	dsn := useTempDatabase(t)

	out, err := run(t, "user", "register", "u1", "--no-subscription", "--created-at", "2025-03-31T10:00:00Z")
	require.NoError(t, err)

	var u store.User
	require.NoError(t, json.Unmarshal([]byte(out), &u))
	assert.Equal(t, "u1", u.ID)
	assert.False(t, u.RequiresSubscription)
	assert.True(t, u.QuotaAnchor.Equal(time.Date(2025, time.March, 31, 10, 0, 0, 0, time.UTC)))

	st, err := store.Open(context.Background(), store.DriverSQLite, dsn)
	require.NoError(t, err)
	defer st.Close()
	saved, err := st.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.True(t, saved.Exempt())

	_, err = run(t, "user", "register", "u2", "--created-at", "yesterday")
	assert.ErrorContains(t, err, "RFC 3339")
}

func TestLedgerPruneCmd(t *testing.T) {
	dsn := useTempDatabase(t)

	st, err := store.Open(context.Background(), store.DriverSQLite, dsn)
	require.NoError(t, err)
	claimed, err := st.RecordEvent(context.Background(), store.EventKey{
		Platform:  subscription.PlatformStripe,
		EventID:   "evt_1",
		EventType: "customer.created",
	}, store.OutcomeIgnored)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, st.Close())

	out, err := run(t, "ledger", "prune")
	require.NoError(t, err)
	assert.Contains(t, out, "Pruned 0 ledger entries")

	_, err = run(t, "ledger", "prune", "--older-than", "1h")
	assert.ErrorContains(t, err, "refusing to prune")
}
