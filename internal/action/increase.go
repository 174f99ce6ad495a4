package action

import (
	"github.com/holiman/uint256"

	"PerpEngine/internal/errs"
	"PerpEngine/internal/fixed"
	"PerpEngine/internal/market"
	"PerpEngine/internal/position"
)

// IncreaseParams grows a position's size and/or collateral.
type IncreaseParams struct {
	CollateralDeltaAmount *uint256.Int
	SizeDeltaUsd          *uint256.Int
	// AcceptablePrice bounds the execution price (unit-price form); nil
	// accepts any price.
	AcceptablePrice *uint256.Int
	Now             int64
}

// IncreaseReport is the result of a successful increase.
type IncreaseReport struct {
	ExecutionPrice  *uint256.Int
	SizeDeltaTokens *uint256.Int
	Fees            PositionFees
	PriceImpactUsd  *fixed.Signed
}

// ExecuteIncrease applies an increase to a revertible market view and the
// caller's position copy. Ordering is fixed: borrowing update, funding
// update, position mutation, balance validation.
func ExecuteIncrease(s market.State, prices market.Prices, pos *position.Position, params IncreaseParams) (*IncreaseReport, error) {
	if !s.Enabled() {
		return nil, errs.E(errs.KindDisabledMarket, "market %s is disabled", s.Meta().MarketToken)
	}
	collateralDelta := orZero(params.CollateralDeltaAmount)
	sizeDelta := orZero(params.SizeDeltaUsd)
	if collateralDelta.IsZero() && sizeDelta.IsZero() {
		return nil, errs.E(errs.KindInvalidArgument, "increase requires a collateral or size delta")
	}
	collateralLong, err := pos.IsCollateralLong(s.Meta())
	if err != nil {
		return nil, err
	}

	if err := UpdateBorrowingState(s, prices, params.Now); err != nil {
		return nil, err
	}
	if err := UpdateFundingState(s, params.Now); err != nil {
		return nil, err
	}
	borrowingUsd, fundingUsd, err := settleAccruedFees(s, pos)
	if err != nil {
		return nil, err
	}

	impactUsd := fixed.SignedZero()
	execPrice := prices.Index.PickForSide(pos.IsLong)
	sizeDeltaTokens := new(uint256.Int)
	if !sizeDelta.IsZero() {
		probe, err := positionPriceImpact(s, pos.IsLong, fixed.NewSigned(fixed.Clone(sizeDelta), false))
		if err != nil {
			return nil, err
		}
		impactUsd, err = applyPositionImpactWithCap(s, prices, probe)
		if err != nil {
			return nil, err
		}
		execPrice, err = executionPrice(execPrice, impactUsd, sizeDelta, pos.IsLong, true)
		if err != nil {
			return nil, err
		}
		if err := checkAcceptablePrice(execPrice, params.AcceptablePrice, pos.IsLong, true); err != nil {
			return nil, err
		}
		if pos.IsLong {
			sizeDeltaTokens = new(uint256.Int).Div(sizeDelta, execPrice)
		} else {
			sizeDeltaTokens, err = fixed.DivRoundUp(sizeDelta, execPrice)
			if err != nil {
				return nil, err
			}
		}
	}

	fees, err := computePositionFees(s.Config(), sizeDelta, !impactUsd.IsNegative(), borrowingUsd, fundingUsd)
	if err != nil {
		return nil, err
	}

	if !collateralDelta.IsZero() {
		pos.CollateralAmount, err = fixed.Add(pos.CollateralAmount, collateralDelta)
		if err != nil {
			return nil, err
		}
		if err := s.Other().ApplyBalanceDelta(collateralLong, fixed.NewSigned(fixed.Clone(collateralDelta), false)); err != nil {
			return nil, err
		}
	}
	if err := payCostsFromCollateral(s, prices, pos, collateralLong, fees); err != nil {
		return nil, err
	}

	pos.SizeInUsd, err = fixed.Add(pos.SizeInUsd, sizeDelta)
	if err != nil {
		return nil, err
	}
	pos.SizeInTokens, err = fixed.Add(pos.SizeInTokens, sizeDeltaTokens)
	if err != nil {
		return nil, err
	}
	snapshotFundingState(s, pos)
	pos.IncreasedAt = params.Now
	pos.TradeID++
	if err := pos.Validate(); err != nil {
		return nil, err
	}

	oiKind := market.PoolOpenInterestForLong
	oiTokKind := market.PoolOpenInterestInTokensForLong
	if !pos.IsLong {
		oiKind = market.PoolOpenInterestForShort
		oiTokKind = market.PoolOpenInterestInTokensForShort
	}
	if err := s.Pool(oiKind).ApplyDelta(pos.IsLong, fixed.NewSigned(fixed.Clone(sizeDelta), false)); err != nil {
		return nil, err
	}
	if err := s.Pool(oiTokKind).ApplyDelta(pos.IsLong, fixed.NewSigned(fixed.Clone(sizeDeltaTokens), false)); err != nil {
		return nil, err
	}

	if err := market.ValidateOpenInterest(s, pos.IsLong); err != nil {
		return nil, err
	}
	if err := market.ValidateReserve(s, prices, pos.IsLong); err != nil {
		return nil, err
	}
	if err := market.ValidatePnlFactor(s, prices, pos.IsLong, market.PnlFactorForTrader); err != nil {
		return nil, err
	}
	if err := pos.ValidateNotLiquidatable(s, prices); err != nil {
		return nil, err
	}
	zero := new(uint256.Int)
	if err := market.ValidateMarketBalances(s, zero, zero); err != nil {
		return nil, err
	}

	return &IncreaseReport{
		ExecutionPrice:  execPrice,
		SizeDeltaTokens: sizeDeltaTokens,
		Fees:            fees,
		PriceImpactUsd:  impactUsd,
	}, nil
}

// executionPrice adjusts the picked index price by the proportional impact.
// For increases positive impact improves the trader's price; decreases
// invert the adjustment direction.
func executionPrice(base *uint256.Int, impactUsd *fixed.Signed, sizeDeltaUsd *uint256.Int, isLong, isIncrease bool) (*uint256.Int, error) {
	if impactUsd.IsZero() {
		return base, nil
	}
	adj, err := fixed.MulDivFloor(base, impactUsd.Abs(), sizeDeltaUsd)
	if err != nil {
		return nil, err
	}
	// Positive impact lowers the price a long pays on increase and raises
	// the price a long receives on decrease.
	lower := !impactUsd.IsNegative()
	if !isLong {
		lower = !lower
	}
	if !isIncrease {
		lower = !lower
	}
	if lower {
		return fixed.Sub(base, adj)
	}
	return fixed.Add(base, adj)
}

// checkAcceptablePrice enforces the trader's price bound: longs cap the
// price they pay on increase and floor the price they receive on decrease.
func checkAcceptablePrice(execPrice, acceptable *uint256.Int, isLong, isIncrease bool) error {
	if acceptable == nil {
		return nil
	}
	wantAtMost := isLong == isIncrease
	if wantAtMost && execPrice.Gt(acceptable) {
		return errs.E(errs.KindPreconditionsNotMet,
			"execution price %s above acceptable %s", execPrice, acceptable)
	}
	if !wantAtMost && execPrice.Lt(acceptable) {
		return errs.E(errs.KindPreconditionsNotMet,
			"execution price %s below acceptable %s", execPrice, acceptable)
	}
	return nil
}

// settleAccruedFees computes borrowing owed and net funding (owed minus
// claimable earned) since the position's snapshots.
func settleAccruedFees(s market.State, pos *position.Position) (*uint256.Int, *fixed.Signed, error) {
	borrowing, err := pos.PendingBorrowingFeeUsd(s)
	if err != nil {
		return nil, nil, err
	}
	funding, err := pos.PendingFundingFeeUsd(s)
	if err != nil {
		return nil, nil, err
	}
	earned, err := claimableFundingUsd(s, pos)
	if err != nil {
		return nil, nil, err
	}
	funding, err = funding.Sub(fixed.NewSigned(earned, false))
	if err != nil {
		return nil, nil, err
	}
	return borrowing, funding, nil
}

// claimableFundingUsd accrues the funding earned since the claimable
// snapshot, rounded down so receivers are never overpaid.
func claimableFundingUsd(s market.State, pos *position.Position) (*uint256.Int, error) {
	kind := market.PoolClaimableFundingPerSizeForLong
	snap := pos.LongTokenClaimableFundingAmountPerSize
	if !pos.IsLong {
		kind = market.PoolClaimableFundingPerSizeForShort
		snap = pos.ShortTokenClaimableFundingAmountPerSize
	}
	current := s.Pool(kind).Amount(pos.IsLong)
	if !current.Gt(snap) {
		return new(uint256.Int), nil
	}
	diff := new(uint256.Int).Sub(current, snap)
	return fixed.MulDivFloor(pos.SizeInUsd, diff, fixed.Unit)
}

// snapshotFundingState stamps the market's current cumulative factors onto
// the position after a settle.
func snapshotFundingState(s market.State, pos *position.Position) {
	pos.BorrowingFactor = market.CumulativeBorrowingFactor(s, pos.IsLong)
	fundKind := market.PoolFundingAmountPerSizeForLong
	if !pos.IsLong {
		fundKind = market.PoolFundingAmountPerSizeForShort
	}
	pos.FundingFeeAmountPerSize = fixed.NewSigned(s.Pool(fundKind).Amount(pos.IsLong), false)
	if pos.IsLong {
		pos.LongTokenClaimableFundingAmountPerSize = s.Pool(market.PoolClaimableFundingPerSizeForLong).Amount(true)
	} else {
		pos.ShortTokenClaimableFundingAmountPerSize = s.Pool(market.PoolClaimableFundingPerSizeForShort).Amount(false)
	}
}

// payCostsFromCollateral moves the fee total between the position's
// collateral and the pools. A negative total credits the position from the
// primary pool.
func payCostsFromCollateral(s market.State, prices market.Prices, pos *position.Position, collateralLong bool, fees PositionFees) error {
	price := prices.SidePrice(collateralLong)
	total := fees.TotalCostUsd
	if total.IsZero() {
		return nil
	}
	if total.IsNegative() {
		credit := new(uint256.Int).Div(total.Abs(), price.Pick(true))
		if credit.IsZero() {
			return nil
		}
		if err := s.Pool(market.PoolPrimary).ApplyDelta(collateralLong, fixed.NewSigned(fixed.Clone(credit), true)); err != nil {
			return errs.Wrap(errs.KindInsufficientReserve, err)
		}
		var err error
		pos.CollateralAmount, err = fixed.Add(pos.CollateralAmount, credit)
		return err
	}

	costTokens, err := fixed.DivRoundUp(total.Abs(), price.Pick(false))
	if err != nil {
		return err
	}
	next, err := fixed.Sub(pos.CollateralAmount, costTokens)
	if err != nil {
		return errs.E(errs.KindInsufficientFundsToPayForCosts,
			"collateral %s cannot cover costs %s", pos.CollateralAmount, costTokens)
	}
	pos.CollateralAmount = next

	receiverTokens := new(uint256.Int).Div(fees.FeeReceiverUsd, price.Pick(false))
	if receiverTokens.Gt(costTokens) {
		receiverTokens = fixed.Clone(costTokens)
	}
	poolTokens := new(uint256.Int).Sub(costTokens, receiverTokens)
	if err := s.Pool(market.PoolClaimableFee).ApplyDelta(collateralLong, fixed.NewSigned(receiverTokens, false)); err != nil {
		return err
	}
	return s.Pool(market.PoolPrimary).ApplyDelta(collateralLong, fixed.NewSigned(poolTokens, false))
}
