package persistence_test

import (
	"testing"

	"github.com/holiman/uint256"

	"PerpEngine/internal/fixed"
	"PerpEngine/internal/oracle"
	"PerpEngine/internal/persistence"
	"PerpEngine/internal/testutil"
	"PerpEngine/internal/token"
)

func dec(t *testing.T, v uint64, decimals uint8) fixed.Decimal {
	t.Helper()
	d, err := fixed.NewDecimal(uint256.NewInt(v), decimals)
	if err != nil {
		t.Fatalf("NewDecimal: %v", err)
	}
	return d
}

func TestPostgresFeedStore_UpsertAndLatest(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := persistence.NewPostgresFeedStore(db)

	entry := oracle.FeedEntry{
		Token:    "fBTC",
		Provider: token.ProviderPyth,
		Min:      dec(t, 64_900_00000000, 8),
		Max:      dec(t, 65_100_00000000, 8),
		OracleTS: 1_700_000_000,
	}
	if err := store.Upsert(entry); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, ok := store.Latest("fBTC", token.ProviderPyth)
	if !ok {
		t.Fatal("Latest: entry not found")
	}
	if got.OracleTS != entry.OracleTS {
		t.Errorf("OracleTS = %d, want %d", got.OracleTS, entry.OracleTS)
	}
	if c, _ := got.Min.Cmp(entry.Min); c != 0 {
		t.Errorf("Min = %s, want %s", got.Min.Value, entry.Min.Value)
	}
	if got.Ref != nil {
		t.Errorf("Ref = %v, want nil", got.Ref)
	}
}

func TestPostgresFeedStore_RejectsTimestampRegression(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := persistence.NewPostgresFeedStore(db)

	entry := oracle.FeedEntry{
		Token:    "USDC",
		Provider: token.ProviderPyth,
		Min:      dec(t, 999_900, 6),
		Max:      dec(t, 1_000_100, 6),
		OracleTS: 1_700_000_100,
	}
	if err := store.Upsert(entry); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// ==== Older observation is rejected ====
	stale := entry
	stale.OracleTS = 1_700_000_050
	if err := store.Upsert(stale); err == nil {
		t.Error("stale upsert should fail")
	}

	got, _ := store.Latest("USDC", token.ProviderPyth)
	if got.OracleTS != entry.OracleTS {
		t.Errorf("OracleTS = %d, want %d after rejected regression", got.OracleTS, entry.OracleTS)
	}

	// ==== Newer observation replaces ====
	fresh := entry
	fresh.OracleTS = 1_700_000_200
	if err := store.Upsert(fresh); err != nil {
		t.Fatalf("fresh upsert: %v", err)
	}
	got, _ = store.Latest("USDC", token.ProviderPyth)
	if got.OracleTS != fresh.OracleTS {
		t.Errorf("OracleTS = %d, want %d after fresh upsert", got.OracleTS, fresh.OracleTS)
	}
}
