package oracle_test

import (
	"testing"

	"github.com/holiman/uint256"

	"PerpEngine/internal/errs"
	"PerpEngine/internal/fixed"
	"PerpEngine/internal/oracle"
	"PerpEngine/internal/token"
)

const engineNow = int64(1700000000)

func tokenMap(t *testing.T, deviation *uint256.Int) *token.Map {
	t.Helper()
	m := token.NewMap()
	err := m.Insert("fBTC", &token.Config{
		Name:             "fBTC",
		Enabled:          true,
		TokenDecimals:    9,
		Precision:        2,
		ExpectedProvider: token.ProviderPyth,
		Feeds: map[token.ProviderKind]token.FeedConfig{
			token.ProviderPyth: {FeedID: "pyth-fbtc", MaxDeviationFactor: deviation},
		},
		HeartbeatSeconds: 60,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return m
}

func pythReports(t *testing.T, price, conf uint64, ts int64, slot uint64) []oracle.Report {
	t.Helper()
	rep, err := oracle.PythReport{
		Price:       int64(price),
		Conf:        conf,
		Exponent:    -8,
		PublishTime: ts,
		Slot:        slot,
	}.Normalize()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	return []oracle.Report{rep}
}

func TestValidate_BuildsUnitPriceBundle(t *testing.T) {
	v := oracle.NewValidator(tokenMap(t, nil), oracle.DefaultValidatorConfig())
	bundle, err := v.Validate(engineNow, []oracle.TokenReports{
		{Token: "fBTC", Reports: pythReports(t, 123_00000000, 0, engineNow-5, 42)},
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	price, err := bundle.TradablePrice("fBTC")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	// 123 USD at precision 2 over a 9-decimal token: 12300 * 10^9.
	want := new(uint256.Int).Mul(uint256.NewInt(12300), fixed.Pow10(9))
	if !price.Min.Eq(want) || !price.Max.Eq(want) {
		t.Errorf("price = %s/%s, want %s", price.Min, price.Max, want)
	}
	if bundle.MinOracleTS != engineNow-5 || bundle.MaxOracleTS != engineNow-5 {
		t.Errorf("ts range = %d..%d", bundle.MinOracleTS, bundle.MaxOracleTS)
	}
	if bundle.MinOracleSlot != 42 {
		t.Errorf("slot = %d", bundle.MinOracleSlot)
	}
}

func TestValidate_StaleReportRejected(t *testing.T) {
	v := oracle.NewValidator(tokenMap(t, nil), oracle.DefaultValidatorConfig())
	_, err := v.Validate(engineNow, []oracle.TokenReports{
		{Token: "fBTC", Reports: pythReports(t, 123_00000000, 0, engineNow-31, 42)},
	})
	if !errs.Is(err, errs.KindMaxPriceAgeExceeded) {
		t.Errorf("want MaxPriceAgeExceeded, got %v", err)
	}
}

func TestValidate_FutureReportRejected(t *testing.T) {
	v := oracle.NewValidator(tokenMap(t, nil), oracle.DefaultValidatorConfig())
	_, err := v.Validate(engineNow, []oracle.TokenReports{
		{Token: "fBTC", Reports: pythReports(t, 123_00000000, 0, engineNow+6, 42)},
	})
	if !errs.Is(err, errs.KindMaxPriceTimestampExceeded) {
		t.Errorf("want MaxPriceTimestampExceeded, got %v", err)
	}
}

func TestValidate_TimestampRangeBound(t *testing.T) {
	m := tokenMap(t, nil)
	err := m.Insert("fETH", &token.Config{
		Name:             "fETH",
		Enabled:          true,
		TokenDecimals:    9,
		Precision:        4,
		ExpectedProvider: token.ProviderPyth,
		Feeds: map[token.ProviderKind]token.FeedConfig{
			token.ProviderPyth: {FeedID: "pyth-feth"},
		},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	cfg := oracle.DefaultValidatorConfig()
	cfg.MaxAgeSeconds = 1000
	v := oracle.NewValidator(m, cfg)

	_, err = v.Validate(engineNow, []oracle.TokenReports{
		{Token: "fBTC", Reports: pythReports(t, 123_00000000, 0, engineNow-500, 42)},
		{Token: "fETH", Reports: pythReports(t, 4_00000000, 0, engineNow, 43)},
	})
	if !errs.Is(err, errs.KindMaxPriceTimestampExceeded) {
		t.Errorf("want MaxPriceTimestampExceeded, got %v", err)
	}
}

func TestValidate_DeviationBound(t *testing.T) {
	// 1% ceiling against a 2% half-spread.
	deviation := new(uint256.Int).Div(fixed.Unit, uint256.NewInt(100))
	v := oracle.NewValidator(tokenMap(t, deviation), oracle.DefaultValidatorConfig())
	_, err := v.Validate(engineNow, []oracle.TokenReports{
		{Token: "fBTC", Reports: pythReports(t, 100_00000000, 2_00000000, engineNow, 42)},
	})
	if !errs.Is(err, errs.KindPriceDeviationExceeded) {
		t.Errorf("want PriceDeviationExceeded, got %v", err)
	}
}

func TestValidate_UnknownProviderRejected(t *testing.T) {
	v := oracle.NewValidator(tokenMap(t, nil), oracle.DefaultValidatorConfig())
	rep, err := oracle.SwitchboardReport{
		Min:      fixed.DecimalFromUint64(123_00, 2),
		Max:      fixed.DecimalFromUint64(123_00, 2),
		ResultTS: engineNow,
	}.Normalize()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	_, err = v.Validate(engineNow, []oracle.TokenReports{
		{Token: "fBTC", Reports: []oracle.Report{rep}},
	})
	if !errs.Is(err, errs.KindInvalidPrices) {
		t.Errorf("want InvalidPrices, got %v", err)
	}
}

func TestValidate_DisabledTokenRejected(t *testing.T) {
	m := tokenMap(t, nil)
	if err := m.Disable("fBTC"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	v := oracle.NewValidator(m, oracle.DefaultValidatorConfig())
	_, err := v.Validate(engineNow, []oracle.TokenReports{
		{Token: "fBTC", Reports: pythReports(t, 123_00000000, 0, engineNow, 42)},
	})
	if !errs.Is(err, errs.KindUnknownOrDisabledToken) {
		t.Errorf("want UnknownOrDisabledToken, got %v", err)
	}
}

func TestBundle_TradablePriceRequiresOpenMarket(t *testing.T) {
	p, err := fixed.NewPrice(uint256.NewInt(100), uint256.NewInt(101))
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	b := oracle.NewBundle(map[string]oracle.TokenPrice{
		"fBTC": {Price: p, Open: false},
	}, engineNow, engineNow, 1)

	if _, err := b.Price("fBTC"); err != nil {
		t.Errorf("closed markets still price swaps: %v", err)
	}
	if _, err := b.TradablePrice("fBTC"); !errs.Is(err, errs.KindInvalidPrices) {
		t.Errorf("want InvalidPrices for closed market, got %v", err)
	}
}

// ============================================================================
// Feed store
// ============================================================================

func feedEntry(ts int64, minV, maxV uint64) oracle.FeedEntry {
	return oracle.FeedEntry{
		Token:    "fBTC",
		Provider: token.ProviderPyth,
		Min:      fixed.DecimalFromUint64(minV, 2),
		Max:      fixed.DecimalFromUint64(maxV, 2),
		OracleTS: ts,
	}
}

func TestFeedStore_TimestampRegressionRejected(t *testing.T) {
	store := oracle.NewMemoryFeedStore()
	if err := store.Upsert(feedEntry(100, 12290, 12310)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	err := store.Upsert(feedEntry(99, 12295, 12305))
	if !errs.Is(err, errs.KindPreconditionsNotMet) {
		t.Errorf("want PreconditionsNotMet, got %v", err)
	}
	// The stored entry survives the rejected write.
	latest, ok := store.Latest("fBTC", token.ProviderPyth)
	if !ok || latest.OracleTS != 100 {
		t.Errorf("latest ts = %d (%v), want 100", latest.OracleTS, ok)
	}
}

func TestFeedStore_InvertedSpanRejected(t *testing.T) {
	store := oracle.NewMemoryFeedStore()
	err := store.Upsert(feedEntry(100, 12310, 12290))
	if !errs.Is(err, errs.KindInvalidPrices) {
		t.Errorf("want InvalidPrices, got %v", err)
	}
	if _, ok := store.Latest("fBTC", token.ProviderPyth); ok {
		t.Error("rejected entry should not be stored")
	}
}

func TestFeedStore_EqualTimestampOverwrites(t *testing.T) {
	store := oracle.NewMemoryFeedStore()
	if err := store.Upsert(feedEntry(100, 12290, 12310)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.Upsert(feedEntry(100, 12295, 12305)); err != nil {
		t.Fatalf("same-ts upsert: %v", err)
	}
	latest, _ := store.Latest("fBTC", token.ProviderPyth)
	if !latest.Min.Value.Eq(uint256.NewInt(12295)) {
		t.Errorf("latest min = %s, want 12295", latest.Min.Value)
	}
}
