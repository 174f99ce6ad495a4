package action

import (
	"github.com/holiman/uint256"

	"PerpEngine/internal/errs"
	"PerpEngine/internal/fixed"
	"PerpEngine/internal/market"
)

// WithdrawalParams burns market tokens for a proportional share of both
// primary sides.
type WithdrawalParams struct {
	Owner             string
	MarketTokenAmount *uint256.Int
	MinLongAmount     *uint256.Int
	MinShortAmount    *uint256.Int

	Supply *uint256.Int
}

// WithdrawalReport is the result of a successful withdrawal. The caller
// burns the market tokens and transfers the outputs after commit.
type WithdrawalReport struct {
	LongAmountOut  *uint256.Int
	ShortAmountOut *uint256.Int
	WithdrawnUsd   *uint256.Int
	LongFees       SwapFees
	ShortFees      SwapFees
	// Output swap hops when the request routed a side through a path.
	LongSwaps  []*SwapReport
	ShortSwaps []*SwapReport
}

// ExecuteWithdrawal applies a withdrawal to a revertible market view.
// Withdrawals are proportional across both sides and carry no price impact,
// only fees.
func ExecuteWithdrawal(s market.State, prices market.Prices, params WithdrawalParams) (*WithdrawalReport, error) {
	if !s.Enabled() {
		return nil, errs.E(errs.KindDisabledMarket, "market %s is disabled", s.Meta().MarketToken)
	}
	burn := orZero(params.MarketTokenAmount)
	if burn.IsZero() {
		return nil, errs.E(errs.KindInvalidArgument, "withdrawal amount must be non-zero")
	}
	supply := orZero(params.Supply)
	if supply.IsZero() || burn.Gt(supply) {
		return nil, errs.E(errs.KindInvalidArgument,
			"withdrawal of %s exceeds supply %s", burn, supply)
	}

	poolValue, err := market.PoolValue(s, prices, market.PnlFactorForWithdrawal, false)
	if err != nil {
		return nil, err
	}
	if poolValue.IsNegative() || poolValue.IsZero() {
		return nil, errs.E(errs.KindPreconditionsNotMet,
			"market %s pool value %s does not cover withdrawals", s.Meta().MarketToken, poolValue)
	}
	grossUsd, err := fixed.MulDivFloor(burn, poolValue.Abs(), supply)
	if err != nil {
		return nil, err
	}

	longValue, err := market.PoolValueWithoutPnlForOneSide(s, prices, true, false)
	if err != nil {
		return nil, err
	}
	shortValue, err := market.PoolValueWithoutPnlForOneSide(s, prices, false, false)
	if err != nil {
		return nil, err
	}
	totalValue, err := fixed.Add(longValue, shortValue)
	if err != nil {
		return nil, err
	}
	if totalValue.IsZero() {
		return nil, errs.E(errs.KindPreconditionsNotMet, "empty primary pool")
	}

	report := &WithdrawalReport{WithdrawnUsd: grossUsd}
	for _, side := range [2]struct {
		isLong    bool
		sideValue *uint256.Int
		fees      *SwapFees
		out       **uint256.Int
		minOut    *uint256.Int
	}{
		{true, longValue, &report.LongFees, &report.LongAmountOut, orZero(params.MinLongAmount)},
		{false, shortValue, &report.ShortFees, &report.ShortAmountOut, orZero(params.MinShortAmount)},
	} {
		sideUsd, err := fixed.MulDivFloor(grossUsd, side.sideValue, totalValue)
		if err != nil {
			return nil, err
		}
		out, err := withdrawOneSide(s, prices, side.isLong, sideUsd, side.fees)
		if err != nil {
			return nil, err
		}
		if out.Lt(side.minOut) {
			return nil, errs.E(errs.KindInsufficientOutputAmount,
				"%s output %s below requested minimum %s", s.Meta().SideToken(side.isLong), out, side.minOut)
		}
		*side.out = out
	}

	for _, isLong := range [2]bool{true, false} {
		if err := market.ValidateReserve(s, prices, isLong); err != nil {
			return nil, err
		}
	}
	zero := new(uint256.Int)
	if err := market.ValidateMarketBalances(s, zero, zero); err != nil {
		return nil, err
	}
	return report, nil
}

// withdrawOneSide removes a USD share from one primary side, charges fees,
// and returns the tokens owed to the withdrawer.
func withdrawOneSide(s market.State, prices market.Prices, isLong bool, sideUsd *uint256.Int, outFees *SwapFees) (*uint256.Int, error) {
	if sideUsd.IsZero() {
		*outFees = SwapFees{
			FeeAmount:         new(uint256.Int),
			FeeReceiverAmount: new(uint256.Int),
			FeeAmountForPool:  new(uint256.Int),
			AmountAfterFees:   new(uint256.Int),
		}
		return new(uint256.Int), nil
	}
	grossTokens := new(uint256.Int).Div(sideUsd, prices.SidePrice(isLong).Pick(true))
	fees, err := computeSwapFees(s.Config(), grossTokens, false)
	if err != nil {
		return nil, err
	}
	*outFees = fees

	primary := s.Pool(market.PoolPrimary)
	if err := primary.ApplyDelta(isLong, fixed.NewSigned(grossTokens, true)); err != nil {
		return nil, errs.Wrap(errs.KindInsufficientReserve, err)
	}
	if err := primary.ApplyDelta(isLong, fixed.NewSigned(fees.FeeAmountForPool, false)); err != nil {
		return nil, err
	}
	if err := s.Pool(market.PoolClaimableFee).ApplyDelta(isLong, fixed.NewSigned(fees.FeeReceiverAmount, false)); err != nil {
		return nil, err
	}
	if err := s.Other().ApplyBalanceDelta(isLong, fixed.NewSigned(fees.AmountAfterFees, true)); err != nil {
		return nil, err
	}
	return fees.AmountAfterFees, nil
}
