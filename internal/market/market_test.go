package market_test

import (
	"testing"

	"github.com/holiman/uint256"

	"PerpEngine/internal/errs"
	"PerpEngine/internal/fixed"
	"PerpEngine/internal/market"
)

// ============================================================================
// Helpers
// ============================================================================

func ethUsdcMeta() market.Meta {
	return market.Meta{
		MarketToken:         "PERP-ETH-USDC",
		IndexToken:          "ETH",
		LongToken:           "ETH",
		ShortToken:          "USDC",
		MarketTokenDecimals: 18,
		IndexTokenDecimals:  18,
		LongTokenDecimals:   18,
		ShortTokenDecimals:  6,
	}
}

func pureMeta() market.Meta {
	return market.Meta{
		MarketToken:         "PERP-BTC-BTC",
		IndexToken:          "BTC",
		LongToken:           "WBTC",
		ShortToken:          "WBTC",
		MarketTokenDecimals: 18,
		IndexTokenDecimals:  8,
		LongTokenDecimals:   8,
		ShortTokenDecimals:  8,
	}
}

// fixedPrice builds a unit price with min == max.
func fixedPrice(t *testing.T, v *uint256.Int) fixed.Price {
	t.Helper()
	p, err := fixed.NewPrice(v, v)
	if err != nil {
		t.Fatalf("NewPrice: %v", err)
	}
	return p
}

// ethUsdcPrices: ETH at 5000 USD (18 decimals), USDC at 1 USD (6 decimals).
func ethUsdcPrices(t *testing.T) market.Prices {
	t.Helper()
	eth := fixedPrice(t, uint256.NewInt(500_000)) // 5000 USD scaled by 10^(20-18)
	usdc := fixedPrice(t, new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(14)))
	return market.Prices{Index: eth, Long: eth, Short: usdc}
}

func up(t *testing.T, p *market.Pool, isLong bool, amount uint64) {
	t.Helper()
	if err := p.ApplyDelta(isLong, fixed.NewSigned(uint256.NewInt(amount), false)); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
}

func e(exp uint64) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(exp))
}

// ============================================================================
// Test: Pool semantics
// ============================================================================

func TestPool_PureHalvesOnRead(t *testing.T) {
	p := market.NewPool(true)
	if err := p.ApplyDeltaToLong(fixed.NewSigned(uint256.NewInt(10), false)); err != nil {
		t.Fatalf("delta: %v", err)
	}
	if got := p.LongAmount(); !got.Eq(uint256.NewInt(5)) {
		t.Errorf("long = %s, want 5", got)
	}
	if got := p.ShortAmount(); !got.Eq(uint256.NewInt(5)) {
		t.Errorf("short = %s, want 5", got)
	}
	total, err := p.Total()
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if !total.Eq(uint256.NewInt(10)) {
		t.Errorf("total = %s, want 10", total)
	}
}

func TestPool_PureShortDeltaRoutesToCombined(t *testing.T) {
	p := market.NewPool(true)
	if err := p.ApplyDeltaToShort(fixed.NewSigned(uint256.NewInt(6), false)); err != nil {
		t.Fatalf("delta: %v", err)
	}
	if got := p.LongAmount(); !got.Eq(uint256.NewInt(3)) {
		t.Errorf("long = %s, want 3", got)
	}
}

func TestPool_NegativeDeltaBelowZeroFails(t *testing.T) {
	p := market.NewPool(false)
	up(t, p, true, 4)
	err := p.ApplyDeltaToLong(fixed.NewSigned(uint256.NewInt(5), true))
	if err == nil {
		t.Fatal("want underflow error")
	}
	// Failed delta must not mutate.
	if got := p.LongAmount(); !got.Eq(uint256.NewInt(4)) {
		t.Errorf("long = %s, want 4", got)
	}
}

// ============================================================================
// Test: valuation
// ============================================================================

func TestPoolValueWithoutPnl(t *testing.T) {
	m := market.New(ethUsdcMeta(), market.DefaultConfig())
	prices := ethUsdcPrices(t)

	// 10 ETH long, 40,000 USDC short.
	if err := m.Pool(market.PoolPrimary).ApplyDeltaToLong(fixed.NewSigned(e(19), false)); err != nil {
		t.Fatalf("long delta: %v", err)
	}
	if err := m.Pool(market.PoolPrimary).ApplyDeltaToShort(fixed.NewSigned(new(uint256.Int).Mul(uint256.NewInt(40_000), e(6)), false)); err != nil {
		t.Fatalf("short delta: %v", err)
	}

	longVal, err := market.PoolValueWithoutPnlForOneSide(m, prices, true, true)
	if err != nil {
		t.Fatalf("long value: %v", err)
	}
	want := new(uint256.Int).Mul(uint256.NewInt(50_000), e(20))
	if !longVal.Eq(want) {
		t.Errorf("long value = %s, want %s", longVal, want)
	}

	shortVal, err := market.PoolValueWithoutPnlForOneSide(m, prices, false, true)
	if err != nil {
		t.Fatalf("short value: %v", err)
	}
	want = new(uint256.Int).Mul(uint256.NewInt(40_000), e(20))
	if !shortVal.Eq(want) {
		t.Errorf("short value = %s, want %s", shortVal, want)
	}
}

func TestPnl_LongProfit(t *testing.T) {
	m := market.New(ethUsdcMeta(), market.DefaultConfig())
	prices := ethUsdcPrices(t)

	// 1 ETH of open interest entered at 4000 USD; price is now 5000.
	if err := m.Pool(market.PoolOpenInterestForLong).ApplyDeltaToLong(
		fixed.NewSigned(new(uint256.Int).Mul(uint256.NewInt(4000), e(20)), false)); err != nil {
		t.Fatalf("oi: %v", err)
	}
	if err := m.Pool(market.PoolOpenInterestInTokensForLong).ApplyDeltaToLong(
		fixed.NewSigned(e(18), false)); err != nil {
		t.Fatalf("oi tokens: %v", err)
	}

	pnl, err := market.Pnl(m, prices, true, true)
	if err != nil {
		t.Fatalf("pnl: %v", err)
	}
	want := new(uint256.Int).Mul(uint256.NewInt(1000), e(20))
	if pnl.IsNegative() || !pnl.Abs().Eq(want) {
		t.Errorf("pnl = %s, want +%s", pnl, want)
	}
}

func TestCapPnl_ClampsToFactor(t *testing.T) {
	m := market.New(ethUsdcMeta(), market.DefaultConfig())
	prices := ethUsdcPrices(t)

	// Pool holds 1 ETH = 5000 USD; trader cap is 50% = 2500 USD.
	if err := m.Pool(market.PoolPrimary).ApplyDeltaToLong(fixed.NewSigned(e(18), false)); err != nil {
		t.Fatalf("primary: %v", err)
	}
	pnl := fixed.NewSigned(new(uint256.Int).Mul(uint256.NewInt(4000), e(20)), false)
	capped, err := market.CapPnl(m, prices, true, pnl, market.PnlFactorForTrader)
	if err != nil {
		t.Fatalf("cap: %v", err)
	}
	want := new(uint256.Int).Mul(uint256.NewInt(2500), e(20))
	if !capped.Abs().Eq(want) {
		t.Errorf("capped = %s, want %s", capped, want)
	}

	// Negative PnL passes through.
	loss := fixed.NewSigned(e(20), true)
	passed, err := market.CapPnl(m, prices, true, loss, market.PnlFactorForTrader)
	if err != nil {
		t.Fatalf("cap loss: %v", err)
	}
	if passed.Cmp(loss) != 0 {
		t.Errorf("loss should pass uncapped, got %s", passed)
	}
}

func TestPoolValue_SubtractsPnlAndImpactPool(t *testing.T) {
	m := market.New(ethUsdcMeta(), market.DefaultConfig())
	prices := ethUsdcPrices(t)

	// 10 ETH long side, no short side.
	if err := m.Pool(market.PoolPrimary).ApplyDeltaToLong(fixed.NewSigned(e(19), false)); err != nil {
		t.Fatalf("primary: %v", err)
	}
	// 1 ETH long open interest entered at 4000 USD: +1000 USD trader pnl.
	if err := m.Pool(market.PoolOpenInterestForLong).ApplyDeltaToLong(
		fixed.NewSigned(new(uint256.Int).Mul(uint256.NewInt(4000), e(20)), false)); err != nil {
		t.Fatalf("oi: %v", err)
	}
	if err := m.Pool(market.PoolOpenInterestInTokensForLong).ApplyDeltaToLong(
		fixed.NewSigned(e(18), false)); err != nil {
		t.Fatalf("oi tokens: %v", err)
	}
	// 0.1 ETH in the position impact pool = 500 USD.
	if err := m.Pool(market.PoolPositionImpact).ApplyDeltaToLong(
		fixed.NewSigned(e(17), false)); err != nil {
		t.Fatalf("impact: %v", err)
	}

	value, err := market.PoolValue(m, prices, market.PnlFactorForTrader, false)
	if err != nil {
		t.Fatalf("pool value: %v", err)
	}
	// 50,000 − 1000 − 500 = 48,500 USD.
	want := new(uint256.Int).Mul(uint256.NewInt(48_500), e(20))
	if value.IsNegative() || !value.Abs().Eq(want) {
		t.Errorf("pool value = %s, want %s", value, want)
	}
}

func TestValidatePoolValueForDeposit_CapExceeded(t *testing.T) {
	cfg := market.DefaultConfig()
	// Cap at 1,000,000 USD.
	cfg.MaxPoolValueForDepositLong = new(uint256.Int).Mul(uint256.NewInt(1_000_000), e(20))
	m := market.New(ethUsdcMeta(), cfg)
	prices := ethUsdcPrices(t)

	// 199.99998 ETH is 999,999.9 USD: under the cap.
	under := new(uint256.Int).Mul(uint256.NewInt(19_999_998), e(13))
	if err := m.Pool(market.PoolPrimary).ApplyDeltaToLong(fixed.NewSigned(under, false)); err != nil {
		t.Fatalf("primary: %v", err)
	}
	if err := market.ValidatePoolValueForDeposit(m, prices, true); err != nil {
		t.Fatalf("under cap: %v", err)
	}

	// Push over.
	if err := m.Pool(market.PoolPrimary).ApplyDeltaToLong(fixed.NewSigned(e(18), false)); err != nil {
		t.Fatalf("primary: %v", err)
	}
	err := market.ValidatePoolValueForDeposit(m, prices, true)
	if !errs.Is(err, errs.KindMaxPoolValueExceeded) {
		t.Errorf("want MaxPoolValueExceeded, got %v", err)
	}
}

func TestValidateReserve(t *testing.T) {
	m := market.New(ethUsdcMeta(), market.DefaultConfig())
	prices := ethUsdcPrices(t)

	// 10 ETH pool; 50% reserve factor allows 25,000 USD reserved.
	if err := m.Pool(market.PoolPrimary).ApplyDeltaToLong(fixed.NewSigned(e(19), false)); err != nil {
		t.Fatalf("primary: %v", err)
	}
	// 4 ETH long OI reserves 20,000 USD: fine.
	if err := m.Pool(market.PoolOpenInterestInTokensForLong).ApplyDeltaToLong(
		fixed.NewSigned(new(uint256.Int).Mul(uint256.NewInt(4), e(18)), false)); err != nil {
		t.Fatalf("oi tokens: %v", err)
	}
	if err := market.ValidateReserve(m, prices, true); err != nil {
		t.Fatalf("within reserve: %v", err)
	}

	// 2 more ETH of OI pushes reserved to 30,000 USD.
	if err := m.Pool(market.PoolOpenInterestInTokensForLong).ApplyDeltaToLong(
		fixed.NewSigned(new(uint256.Int).Mul(uint256.NewInt(2), e(18)), false)); err != nil {
		t.Fatalf("oi tokens: %v", err)
	}
	err := market.ValidateReserve(m, prices, true)
	if !errs.Is(err, errs.KindInsufficientReserve) {
		t.Errorf("want InsufficientReserve, got %v", err)
	}
}

// ============================================================================
// Test: balance invariant
// ============================================================================

func TestValidateMarketBalances(t *testing.T) {
	m := market.New(ethUsdcMeta(), market.DefaultConfig())
	up(t, m.Pool(market.PoolPrimary), true, 100)
	up(t, m.Pool(market.PoolSwapImpact), true, 10)
	up(t, m.Pool(market.PoolClaimableFee), true, 5)

	if err := m.Other().ApplyBalanceDelta(true, fixed.NewSigned(uint256.NewInt(115), false)); err != nil {
		t.Fatalf("balance: %v", err)
	}
	zero := new(uint256.Int)
	if err := market.ValidateMarketBalances(m, zero, zero); err != nil {
		t.Fatalf("exact balance should pass: %v", err)
	}
	err := market.ValidateMarketBalances(m, uint256.NewInt(1), zero)
	if !errs.Is(err, errs.KindInvalidTokenBalance) {
		t.Errorf("want InvalidTokenBalance, got %v", err)
	}
}

func TestValidateMarketBalances_PureCollapses(t *testing.T) {
	m := market.New(pureMeta(), market.DefaultConfig())
	// Combined pool of 100, read as 50/50.
	up(t, m.Pool(market.PoolPrimary), true, 100)
	if err := m.Other().ApplyBalanceDelta(true, fixed.NewSigned(uint256.NewInt(100), false)); err != nil {
		t.Fatalf("balance: %v", err)
	}
	zero := new(uint256.Int)
	if err := market.ValidateMarketBalances(m, zero, zero); err != nil {
		t.Fatalf("pure combined balance should pass: %v", err)
	}
}

// ============================================================================
// Test: revertible overlay
// ============================================================================

func TestRevertible_DiscardLeavesStorageUntouched(t *testing.T) {
	m := market.New(ethUsdcMeta(), market.DefaultConfig())
	r := market.NewRevertible(m)

	up(t, r.Pool(market.PoolPrimary), true, 42)
	r.SetClock(market.ClockFunding, 1000)
	r.Other().TradeCount = 7

	r.Discard()
	if got := m.Pool(market.PoolPrimary).LongAmount(); !got.IsZero() {
		t.Errorf("storage pool mutated: %s", got)
	}
	if got := m.Clock(market.ClockFunding); got != 0 {
		t.Errorf("storage clock mutated: %d", got)
	}
	if got := m.Other().TradeCount; got != 0 {
		t.Errorf("storage other mutated: %d", got)
	}
}

func TestRevertible_CommitAppliesAndBumpsRev(t *testing.T) {
	m := market.New(ethUsdcMeta(), market.DefaultConfig())
	r := market.NewRevertible(m)

	up(t, r.Pool(market.PoolPrimary), true, 42)
	r.SetClock(market.ClockFunding, 1000)
	before := m.Rev()
	r.Commit()

	if got := m.Pool(market.PoolPrimary).LongAmount(); !got.Eq(uint256.NewInt(42)) {
		t.Errorf("pool = %s, want 42", got)
	}
	if got := m.Clock(market.ClockFunding); got != 1000 {
		t.Errorf("clock = %d, want 1000", got)
	}
	if m.Rev() != before+1 {
		t.Errorf("rev = %d, want %d", m.Rev(), before+1)
	}
	if r.Dirty() {
		t.Error("overlay should be clean after commit")
	}
}

func TestRevertible_ReadsFallThrough(t *testing.T) {
	m := market.New(ethUsdcMeta(), market.DefaultConfig())
	m.SetClock(market.ClockBorrowing, 555)
	r := market.NewRevertible(m)
	if got := r.Clock(market.ClockBorrowing); got != 555 {
		t.Errorf("clock = %d, want 555", got)
	}
}

// ============================================================================
// Test: swap markets
// ============================================================================

func TestSwapMarkets_RejectsDuplicates(t *testing.T) {
	a := market.New(ethUsdcMeta(), market.DefaultConfig())
	_, err := market.NewSwapMarkets("", []*market.Market{a, a})
	if !errs.Is(err, errs.KindInvalidSwapPath) {
		t.Errorf("want InvalidSwapPath, got %v", err)
	}
}

func TestSwapMarkets_RejectsCurrentMarket(t *testing.T) {
	a := market.New(ethUsdcMeta(), market.DefaultConfig())
	_, err := market.NewSwapMarkets(a.Meta().MarketToken, []*market.Market{a})
	if !errs.Is(err, errs.KindInvalidSwapPath) {
		t.Errorf("want InvalidSwapPath, got %v", err)
	}
}

func TestSwapMarkets_CommitInOrder(t *testing.T) {
	a := market.New(ethUsdcMeta(), market.DefaultConfig())
	b := market.New(pureMeta(), market.DefaultConfig())
	sm, err := market.NewSwapMarkets("", []*market.Market{a, b})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ra, _ := sm.Get(a.Meta().MarketToken)
	up(t, ra.Pool(market.PoolPrimary), true, 9)
	sm.Commit()
	if got := a.Pool(market.PoolPrimary).LongAmount(); !got.Eq(uint256.NewInt(9)) {
		t.Errorf("a pool = %s, want 9", got)
	}
	if got := b.Rev(); got != 1 {
		t.Errorf("b rev = %d, want 1", got)
	}
}
