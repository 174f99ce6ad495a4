package action

import (
	"github.com/holiman/uint256"

	"PerpEngine/internal/errs"
	"PerpEngine/internal/fixed"
	"PerpEngine/internal/market"
)

// DepositParams funds one or both sides of a market's primary pool in
// exchange for freshly minted market tokens.
type DepositParams struct {
	Owner                string
	InitialLongAmount    *uint256.Int
	InitialShortAmount   *uint256.Int
	MinMarketTokenAmount *uint256.Int

	// Current market token supply, in market-token units.
	Supply *uint256.Int
	// Canonical owner required to open an empty market.
	FirstDepositOwner string
}

// DepositReport is the result of a successful deposit.
type DepositReport struct {
	MintAmount     *uint256.Int
	DepositUsd     *uint256.Int
	LongFees       SwapFees
	ShortFees      SwapFees
	PriceImpactUsd *fixed.Signed
	// Funding swap hops when the request routed collateral through a path.
	LongSwaps  []*SwapReport
	ShortSwaps []*SwapReport
}

// ExecuteDeposit applies a deposit to a revertible market view and returns
// the mint amount. The caller mints the market tokens after commit.
func ExecuteDeposit(s market.State, prices market.Prices, params DepositParams) (*DepositReport, error) {
	if !s.Enabled() {
		return nil, errs.E(errs.KindDisabledMarket, "market %s is disabled", s.Meta().MarketToken)
	}
	longAmount := orZero(params.InitialLongAmount)
	shortAmount := orZero(params.InitialShortAmount)
	if longAmount.IsZero() && shortAmount.IsZero() {
		return nil, errs.E(errs.KindInvalidArgument, "deposit requires a non-zero amount")
	}
	supply := orZero(params.Supply)
	if supply.IsZero() {
		if params.FirstDepositOwner != "" && params.Owner != params.FirstDepositOwner {
			return nil, errs.E(errs.KindPreconditionsNotMet,
				"first deposit into %s must come from %s", s.Meta().MarketToken, params.FirstDepositOwner)
		}
		if orZero(params.MinMarketTokenAmount).Lt(s.Config().MinTokensForFirstDeposit) {
			return nil, errs.E(errs.KindPreconditionsNotMet,
				"first deposit must request at least %s market tokens", s.Config().MinTokensForFirstDeposit)
		}
	}

	poolValueBefore, err := market.PoolValue(s, prices, market.PnlFactorForDeposit, true)
	if err != nil {
		return nil, err
	}
	if poolValueBefore.IsNegative() {
		return nil, errs.E(errs.KindPreconditionsNotMet,
			"market %s pool value is negative", s.Meta().MarketToken)
	}

	// Impact is priced once on the net value move of both sides.
	longValueGross, err := fixed.Mul(longAmount, prices.Long.Pick(false))
	if err != nil {
		return nil, err
	}
	shortValueGross, err := fixed.Mul(shortAmount, prices.Short.Pick(false))
	if err != nil {
		return nil, err
	}
	impactUsd, err := swapPriceImpact(s, prices,
		fixed.NewSigned(fixed.Clone(longValueGross), false),
		fixed.NewSigned(fixed.Clone(shortValueGross), false))
	if err != nil {
		return nil, err
	}

	depositUsd := new(uint256.Int)
	var longFees, shortFees SwapFees
	for _, side := range [2]struct {
		isLong bool
		amount *uint256.Int
		fees   *SwapFees
	}{{true, longAmount, &longFees}, {false, shortAmount, &shortFees}} {
		if side.amount.IsZero() {
			continue
		}
		sideUsd, err := depositOneSide(s, prices, side.isLong, side.amount, !impactUsd.IsNegative(), side.fees)
		if err != nil {
			return nil, err
		}
		depositUsd, err = fixed.Add(depositUsd, sideUsd)
		if err != nil {
			return nil, err
		}
	}

	// Settle impact against the swap-impact pool in the dominant deposit
	// token; value conservation holds either way.
	impactLong := longValueGross.Gt(shortValueGross)
	impactDelta, err := applySwapImpactWithCap(s, impactLong, prices.SidePrice(impactLong), impactUsd)
	if err != nil {
		return nil, err
	}
	if !impactDelta.IsZero() {
		// The impact tokens move between the swap-impact and primary pools;
		// the minted value follows them.
		if err := s.Pool(market.PoolPrimary).ApplyDelta(impactLong, impactDelta); err != nil {
			return nil, err
		}
		impactValue, err := fixed.Mul(impactDelta.Abs(), prices.SidePrice(impactLong).Pick(false))
		if err != nil {
			return nil, err
		}
		adjusted, err := fixed.NewSigned(depositUsd, false).Add(fixed.NewSigned(impactValue, impactDelta.IsNegative()))
		if err != nil {
			return nil, err
		}
		depositUsd, err = adjusted.ToUnsigned()
		if err != nil {
			return nil, errs.Wrap(errs.KindInsufficientFundsToPayForCosts, err)
		}
	}

	mint, err := usdToMarketTokenAmount(depositUsd, poolValueBefore.Abs(), supply, s.Meta().UsdToMarketTokenDivisor())
	if err != nil {
		return nil, err
	}
	if mint.Lt(orZero(params.MinMarketTokenAmount)) {
		return nil, errs.E(errs.KindInsufficientOutputAmount,
			"mint %s below requested minimum %s", mint, params.MinMarketTokenAmount)
	}

	for _, isLong := range [2]bool{true, false} {
		if err := market.ValidatePoolAmount(s, isLong); err != nil {
			return nil, err
		}
		if err := market.ValidatePoolValueForDeposit(s, prices, isLong); err != nil {
			return nil, err
		}
	}
	zero := new(uint256.Int)
	if err := market.ValidateMarketBalances(s, zero, zero); err != nil {
		return nil, err
	}

	return &DepositReport{
		MintAmount:     mint,
		DepositUsd:     depositUsd,
		LongFees:       longFees,
		ShortFees:      shortFees,
		PriceImpactUsd: impactUsd,
	}, nil
}

// depositOneSide charges fees, credits the pools, tracks the balance, and
// returns the side's after-fee USD value.
func depositOneSide(s market.State, prices market.Prices, isLong bool, amount *uint256.Int, forPositiveImpact bool, outFees *SwapFees) (*uint256.Int, error) {
	fees, err := computeSwapFees(s.Config(), amount, forPositiveImpact)
	if err != nil {
		return nil, err
	}
	*outFees = fees

	primary := s.Pool(market.PoolPrimary)
	if err := primary.ApplyDelta(isLong, fixed.NewSigned(fees.AmountAfterFees, false)); err != nil {
		return nil, err
	}
	if err := primary.ApplyDelta(isLong, fixed.NewSigned(fees.FeeAmountForPool, false)); err != nil {
		return nil, err
	}
	if err := s.Pool(market.PoolClaimableFee).ApplyDelta(isLong, fixed.NewSigned(fees.FeeReceiverAmount, false)); err != nil {
		return nil, err
	}
	if err := s.Other().ApplyBalanceDelta(isLong, fixed.NewSigned(fixed.Clone(amount), false)); err != nil {
		return nil, err
	}
	return fixed.Mul(fees.AmountAfterFees, prices.SidePrice(isLong).Pick(false))
}

// usdToMarketTokenAmount converts deposit value into mint amount against the
// current supply and pool value.
func usdToMarketTokenAmount(usdValue, poolValue, supply, divisor *uint256.Int) (*uint256.Int, error) {
	switch {
	case supply.IsZero() && poolValue.IsZero():
		return new(uint256.Int).Div(usdValue, divisor), nil
	case supply.IsZero():
		total, err := fixed.Add(poolValue, usdValue)
		if err != nil {
			return nil, err
		}
		return total.Div(total, divisor), nil
	default:
		if poolValue.IsZero() {
			return nil, errs.E(errs.KindDividedByZero,
				"non-zero supply with zero pool value")
		}
		return fixed.MulDivFloor(supply, usdValue, poolValue)
	}
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
