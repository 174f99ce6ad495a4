package action_test

import (
	"testing"

	"github.com/holiman/uint256"

	"PerpEngine/internal/fixed"
	"PerpEngine/internal/market"
)

// ============================================================================
// Shared fixtures: fBTC (9 decimals) / USDG (6 decimals) perp market and a
// pure USDC market, priced without spread.
// ============================================================================

func e(exp uint64) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(exp))
}

func mul(a uint64, b *uint256.Int) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(a), b)
}

func price(t *testing.T, v *uint256.Int) fixed.Price {
	t.Helper()
	p, err := fixed.NewPrice(v, v)
	if err != nil {
		t.Fatalf("NewPrice: %v", err)
	}
	return p
}

func fbtcMeta() market.Meta {
	return market.Meta{
		MarketToken:         "GM-FBTC-USDG",
		IndexToken:          "fBTC",
		LongToken:           "fBTC",
		ShortToken:          "USDG",
		MarketTokenDecimals: 18,
		IndexTokenDecimals:  9,
		LongTokenDecimals:   9,
		ShortTokenDecimals:  6,
	}
}

func pureUsdcMeta() market.Meta {
	return market.Meta{
		MarketToken:         "GM-USDC",
		IndexToken:          "USDC",
		LongToken:           "USDC",
		ShortToken:          "USDC",
		MarketTokenDecimals: 18,
		IndexTokenDecimals:  6,
		LongTokenDecimals:   6,
		ShortTokenDecimals:  6,
	}
}

// fBTC at 120 USD, USDG at 1 USD.
func fbtcPrices(t *testing.T, fbtcUsd uint64) market.Prices {
	t.Helper()
	fbtc := price(t, mul(fbtcUsd, e(11))) // usd * 10^(20-9)
	usdg := price(t, e(14))               // 10^(20-6)
	return market.Prices{Index: fbtc, Long: fbtc, Short: usdg}
}

func usdcPrices(t *testing.T) market.Prices {
	t.Helper()
	usdc := price(t, e(14))
	return market.Prices{Index: usdc, Long: usdc, Short: usdc}
}

// feelessConfig zeroes the fee factors so value equations are exact.
func feelessConfig() *market.Config {
	cfg := market.DefaultConfig()
	cfg.SwapFeeFactorForPositiveImpact = new(uint256.Int)
	cfg.SwapFeeFactorForNegativeImpact = new(uint256.Int)
	cfg.PositionFeeFactorForPositiveImpact = new(uint256.Int)
	cfg.PositionFeeFactorForNegativeImpact = new(uint256.Int)
	return cfg
}

// seedPool funds one primary side and the matching tracked balance.
func seedPool(t *testing.T, m *market.Market, isLong bool, amount *uint256.Int) {
	t.Helper()
	delta := fixed.NewSigned(fixed.Clone(amount), false)
	if err := m.Pool(market.PoolPrimary).ApplyDelta(isLong, delta); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
	if err := m.Other().ApplyBalanceDelta(isLong, fixed.NewSigned(fixed.Clone(amount), false)); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

// seedImpactPool funds one swap-impact side and the matching tracked balance.
func seedImpactPool(t *testing.T, m *market.Market, isLong bool, amount *uint256.Int) {
	t.Helper()
	if err := m.Pool(market.PoolSwapImpact).ApplyDelta(isLong, fixed.NewSigned(fixed.Clone(amount), false)); err != nil {
		t.Fatalf("seed impact pool: %v", err)
	}
	if err := m.Other().ApplyBalanceDelta(isLong, fixed.NewSigned(fixed.Clone(amount), false)); err != nil {
		t.Fatalf("seed impact balance: %v", err)
	}
}
