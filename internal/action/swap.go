package action

import (
	"github.com/holiman/uint256"

	"PerpEngine/internal/errs"
	"PerpEngine/internal/fixed"
	"PerpEngine/internal/market"
)

// SwapParams describes one hop: an incoming token amount on one side of a
// market, exchanged for the other side's token.
type SwapParams struct {
	TokenInAmount *uint256.Int
	IsTokenInLong bool
}

// SwapReport is the per-hop result.
type SwapReport struct {
	TokenIn        string
	TokenOut       string
	AmountIn       *uint256.Int
	AmountOut      *uint256.Int
	Fees           SwapFees
	PriceImpactUsd *fixed.Signed
}

// ExecuteSwap performs one hop on a revertible market view. Fees come off
// the incoming amount first; impact is then priced on the after-fee value
// move and settled against the swap-impact pool.
func ExecuteSwap(s market.State, prices market.Prices, params SwapParams) (*SwapReport, error) {
	if !s.Enabled() {
		return nil, errs.E(errs.KindDisabledMarket, "market %s is disabled", s.Meta().MarketToken)
	}
	if params.TokenInAmount == nil || params.TokenInAmount.IsZero() {
		return nil, errs.E(errs.KindInvalidArgument, "swap amount must be non-zero")
	}
	if s.Meta().IsPure() {
		return nil, errs.E(errs.KindInvalidSwapPath,
			"market %s has a single collateral token", s.Meta().MarketToken)
	}
	inLong := params.IsTokenInLong
	priceIn := prices.SidePrice(inLong)
	priceOut := prices.SidePrice(!inLong)

	// Impact sign decides which fee factor applies, so price the move first
	// on the full incoming amount.
	grossValueIn, err := fixed.Mul(params.TokenInAmount, priceIn.Pick(false))
	if err != nil {
		return nil, err
	}
	longDelta, shortDelta := swapValueDeltas(inLong, grossValueIn)
	probe, err := swapPriceImpact(s, prices, longDelta, shortDelta)
	if err != nil {
		return nil, err
	}

	fees, err := computeSwapFees(s.Config(), params.TokenInAmount, !probe.IsNegative())
	if err != nil {
		return nil, err
	}
	valueIn, err := fixed.Mul(fees.AmountAfterFees, priceIn.Pick(false))
	if err != nil {
		return nil, err
	}
	longDelta, shortDelta = swapValueDeltas(inLong, valueIn)
	impactUsd, err := swapPriceImpact(s, prices, longDelta, shortDelta)
	if err != nil {
		return nil, err
	}

	// Settle impact before pricing the output: negative impact charges
	// in-tokens into the swap-impact pool, so only the net amount converts.
	netIn := fixed.Clone(fees.AmountAfterFees)
	if impactUsd.IsNegative() {
		charged, err := applySwapImpactWithCap(s, inLong, priceIn, impactUsd)
		if err != nil {
			return nil, err
		}
		netIn, err = fixed.Sub(netIn, charged.Abs())
		if err != nil {
			return nil, errs.Wrap(errs.KindInsufficientFundsToPayForCosts, err)
		}
	}
	valueOut, err := fixed.Mul(netIn, priceIn.Pick(false))
	if err != nil {
		return nil, err
	}
	amountOut := new(uint256.Int).Div(valueOut, priceOut.Pick(true))

	// Positive impact pays extra out-tokens from the swap-impact pool, capped
	// at what the pool holds. The primary pool funds only the base amount;
	// the extra tokens were already debited from the impact pool.
	impactPaidOut := new(uint256.Int)
	if !impactUsd.IsNegative() {
		extra, err := applySwapImpactWithCap(s, !inLong, priceOut, impactUsd)
		if err != nil {
			return nil, err
		}
		impactPaidOut = extra.Abs()
		amountOut, err = fixed.Add(amountOut, impactPaidOut)
		if err != nil {
			return nil, err
		}
	}

	primary := s.Pool(market.PoolPrimary)
	if err := primary.ApplyDelta(inLong, fixed.NewSigned(netIn, false)); err != nil {
		return nil, err
	}
	if err := primary.ApplyDelta(inLong, fixed.NewSigned(fees.FeeAmountForPool, false)); err != nil {
		return nil, err
	}
	if err := s.Pool(market.PoolClaimableFee).ApplyDelta(inLong, fixed.NewSigned(fees.FeeReceiverAmount, false)); err != nil {
		return nil, err
	}
	fromPrimary, err := fixed.Sub(amountOut, impactPaidOut)
	if err != nil {
		return nil, err
	}
	if err := primary.ApplyDelta(!inLong, fixed.NewSigned(fromPrimary, true)); err != nil {
		return nil, errs.Wrap(errs.KindInsufficientReserve, err)
	}

	if err := s.Other().ApplyBalanceDelta(inLong, fixed.NewSigned(fixed.Clone(params.TokenInAmount), false)); err != nil {
		return nil, err
	}
	if err := s.Other().ApplyBalanceDelta(!inLong, fixed.NewSigned(amountOut, true)); err != nil {
		return nil, err
	}

	if err := market.ValidatePoolAmount(s, inLong); err != nil {
		return nil, err
	}
	if err := market.ValidateReserve(s, prices, !inLong); err != nil {
		return nil, err
	}
	zero := new(uint256.Int)
	if err := market.ValidateMarketBalances(s, zero, zero); err != nil {
		return nil, err
	}

	return &SwapReport{
		TokenIn:        s.Meta().SideToken(inLong),
		TokenOut:       s.Meta().SideToken(!inLong),
		AmountIn:       fixed.Clone(params.TokenInAmount),
		AmountOut:      amountOut,
		Fees:           fees,
		PriceImpactUsd: impactUsd,
	}, nil
}

// swapValueDeltas maps an incoming USD value onto signed per-side deltas:
// the in side gains, the out side loses.
func swapValueDeltas(inLong bool, value *uint256.Int) (longDelta, shortDelta *fixed.Signed) {
	in := fixed.NewSigned(fixed.Clone(value), false)
	out := fixed.NewSigned(fixed.Clone(value), true)
	if inLong {
		return in, out
	}
	return out, in
}

// PathHop names one hop of a multi-hop route.
type PathHop struct {
	MarketToken string
	TokenIn     string
}

// ExecuteSwapPath routes an amount through an ordered set of markets. Each
// hop's output feeds the next hop; hop token continuity is enforced.
func ExecuteSwapPath(sm *market.SwapMarkets, prices func(marketToken string) (market.Prices, error), path []PathHop, amountIn *uint256.Int) (*uint256.Int, []*SwapReport, error) {
	if len(path) == 0 {
		return nil, nil, errs.E(errs.KindInvalidSwapPath, "empty swap path")
	}
	amount := fixed.Clone(amountIn)
	tokenIn := path[0].TokenIn
	reports := make([]*SwapReport, 0, len(path))
	for _, hop := range path {
		if hop.TokenIn != tokenIn {
			return nil, nil, errs.E(errs.KindInvalidSwapPath,
				"hop on %s expects %s, carrying %s", hop.MarketToken, hop.TokenIn, tokenIn)
		}
		rm, ok := sm.Get(hop.MarketToken)
		if !ok {
			return nil, nil, errs.E(errs.KindInvalidSwapPath, "market %s not in swap set", hop.MarketToken)
		}
		isLong, err := rm.Meta().IsCollateralTokenLong(tokenIn)
		if err != nil {
			return nil, nil, errs.Wrap(errs.KindInvalidSwapPath, err)
		}
		p, err := prices(hop.MarketToken)
		if err != nil {
			return nil, nil, err
		}
		rep, err := ExecuteSwap(rm, p, SwapParams{TokenInAmount: amount, IsTokenInLong: isLong})
		if err != nil {
			return nil, nil, err
		}
		reports = append(reports, rep)
		amount = rep.AmountOut
		tokenIn = rep.TokenOut
	}
	return amount, reports, nil
}
