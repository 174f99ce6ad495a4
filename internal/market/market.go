package market

import (
	"github.com/holiman/uint256"

	"PerpEngine/internal/errs"
	"PerpEngine/internal/fixed"
)

// Meta identifies a market and its token topology.
type Meta struct {
	MarketToken string
	IndexToken  string
	LongToken   string
	ShortToken  string

	MarketTokenDecimals uint8
	IndexTokenDecimals  uint8
	LongTokenDecimals   uint8
	ShortTokenDecimals  uint8
}

// IsPure reports whether the market uses one collateral token for both sides.
func (m Meta) IsPure() bool { return m.LongToken == m.ShortToken }

// SideToken returns the collateral token for a side.
func (m Meta) SideToken(isLong bool) string {
	if isLong {
		return m.LongToken
	}
	return m.ShortToken
}

// SideTokenDecimals returns the collateral token decimals for a side.
func (m Meta) SideTokenDecimals(isLong bool) uint8 {
	if isLong {
		return m.LongTokenDecimals
	}
	return m.ShortTokenDecimals
}

// IsCollateralTokenLong resolves which side a collateral token sits on.
func (m Meta) IsCollateralTokenLong(tok string) (bool, error) {
	switch tok {
	case m.LongToken:
		return true, nil
	case m.ShortToken:
		return false, nil
	default:
		return false, errs.E(errs.KindInvalidArgument, "token %s is not a collateral token of %s", tok, m.MarketToken)
	}
}

// UsdToMarketTokenDivisor aligns 20-decimal USD with market-token units.
func (m Meta) UsdToMarketTokenDivisor() *uint256.Int {
	return fixed.Pow10(fixed.MaxDecimals - m.MarketTokenDecimals)
}

// OtherState carries the non-pool mutable state of a market.
type OtherState struct {
	// Pure markets route every balance delta into the long field, matching
	// pool semantics.
	pure bool

	// Tracked collateral balances, compared against pool sums at commit.
	LongTokenBalance  uint256.Int
	ShortTokenBalance uint256.Int

	// Latest computed funding factor per second, signed: positive means
	// longs pay shorts.
	FundingFactorPerSecond *fixed.Signed

	// ADL flags, stamped by the ADL state update.
	AdlEnabledForLong  bool
	AdlEnabledForShort bool

	TradeCount uint64
}

// NewOtherState returns a zeroed state.
func NewOtherState(pure bool) *OtherState {
	return &OtherState{pure: pure, FundingFactorPerSecond: fixed.SignedZero()}
}

// Balance returns a copy of the tracked balance for a side; the combined
// balance for pure markets.
func (o *OtherState) Balance(isLong bool) *uint256.Int {
	if isLong || o.pure {
		return fixed.Clone(&o.LongTokenBalance)
	}
	return fixed.Clone(&o.ShortTokenBalance)
}

// ApplyBalanceDelta mutates a side's tracked balance with checked overflow.
func (o *OtherState) ApplyBalanceDelta(isLong bool, delta *fixed.Signed) error {
	side := &o.LongTokenBalance
	if !isLong && !o.pure {
		side = &o.ShortTokenBalance
	}
	next, err := delta.ApplyToUnsigned(side)
	if err != nil {
		return errs.Wrap(errs.KindInvalidTokenBalance, err)
	}
	side.Set(next)
	return nil
}

// AdlEnabled reports the ADL flag for a side.
func (o *OtherState) AdlEnabled(isLong bool) bool {
	if isLong {
		return o.AdlEnabledForLong
	}
	return o.AdlEnabledForShort
}

// Clone deep-copies the state.
func (o *OtherState) Clone() *OtherState {
	c := &OtherState{
		pure:                   o.pure,
		FundingFactorPerSecond: o.FundingFactorPerSecond.Clone(),
		AdlEnabledForLong:      o.AdlEnabledForLong,
		AdlEnabledForShort:     o.AdlEnabledForShort,
		TradeCount:             o.TradeCount,
	}
	c.LongTokenBalance.Set(&o.LongTokenBalance)
	c.ShortTokenBalance.Set(&o.ShortTokenBalance)
	return c
}

// State is the mutable market view actions operate on. Market implements it
// directly; RevertibleMarket implements it over a commit-or-discard buffer.
type State interface {
	Meta() Meta
	Config() *Config
	Enabled() bool
	Pool(kind PoolKind) *Pool
	Clock(kind ClockKind) int64
	SetClock(kind ClockKind, ts int64)
	Other() *OtherState
}

// Market is the committed storage form of one market.
type Market struct {
	meta    Meta
	config  *Config
	enabled bool

	pools  map[PoolKind]*Pool
	clocks map[ClockKind]int64
	other  *OtherState

	// Revision counter, bumped on every overlay commit.
	rev uint64
}

// New creates a market with empty pools. Pure markets get pure pools for
// every token-denominated kind.
func New(meta Meta, config *Config) *Market {
	pure := meta.IsPure()
	pools := make(map[PoolKind]*Pool, poolKindCount)
	for _, kind := range PoolKinds() {
		pools[kind] = NewPool(pure && isTokenDenominated(kind))
	}
	return &Market{
		meta:    meta,
		config:  config,
		enabled: true,
		pools:   pools,
		clocks:  make(map[ClockKind]int64, clockKindCount),
		other:   NewOtherState(pure),
	}
}

// isTokenDenominated reports whether a pool holds collateral token amounts
// (and therefore collapses under pure semantics). Open-interest and
// per-size pools are side-indexed bookkeeping, never collapsed.
func isTokenDenominated(kind PoolKind) bool {
	switch kind {
	case PoolPrimary, PoolSwapImpact, PoolClaimableFee:
		return true
	}
	return false
}

func (m *Market) Meta() Meta      { return m.meta }
func (m *Market) Config() *Config { return m.config }
func (m *Market) Enabled() bool   { return m.enabled }

// SetEnabled flips the market flag; disabled markets block all actions
// except close/cancel.
func (m *Market) SetEnabled(enabled bool) { m.enabled = enabled }

// Pool returns the live pool for a kind.
func (m *Market) Pool(kind PoolKind) *Pool { return m.pools[kind] }

// Clock returns a clock timestamp (unix seconds; zero when never set).
func (m *Market) Clock(kind ClockKind) int64 { return m.clocks[kind] }

// SetClock stamps a clock.
func (m *Market) SetClock(kind ClockKind, ts int64) { m.clocks[kind] = ts }

// Other returns the non-pool state.
func (m *Market) Other() *OtherState { return m.other }

// Rev returns the commit revision.
func (m *Market) Rev() uint64 { return m.rev }
