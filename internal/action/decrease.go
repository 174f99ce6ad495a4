package action

import (
	"github.com/holiman/uint256"

	"PerpEngine/internal/errs"
	"PerpEngine/internal/fixed"
	"PerpEngine/internal/market"
	"PerpEngine/internal/position"
)

// DecreaseMode selects the decrease flavor and its guards.
type DecreaseMode int32

const (
	// DecreaseModeMarket is a trader-requested decrease.
	DecreaseModeMarket DecreaseMode = iota
	// DecreaseModeLiquidation closes the full position; the pre-state must
	// actually be liquidatable.
	DecreaseModeLiquidation
	// DecreaseModeAdl force-reduces a profitable position; the market's ADL
	// flag for the side must be set and its clock fresh.
	DecreaseModeAdl
)

func (m DecreaseMode) String() string {
	switch m {
	case DecreaseModeMarket:
		return "Market"
	case DecreaseModeLiquidation:
		return "Liquidation"
	case DecreaseModeAdl:
		return "Adl"
	default:
		return "Unknown"
	}
}

// DecreaseParams shrinks or closes a position.
type DecreaseParams struct {
	SizeDeltaUsd    *uint256.Int
	AcceptablePrice *uint256.Int
	Mode            DecreaseMode
	// OracleMaxTS gates ADL against stale flags.
	OracleMaxTS int64
	Now         int64
}

// DecreaseReport is the result of a successful decrease. OutputAmount is
// owed to the trader in collateral tokens after commit.
type DecreaseReport struct {
	ExecutionPrice  *uint256.Int
	SizeDeltaTokens *uint256.Int
	RealizedPnlUsd  *fixed.Signed
	OutputAmount    *uint256.Int
	Fees            PositionFees
	PriceImpactUsd  *fixed.Signed
	Closed          bool
	Insolvent       bool
	// Output swap hops when the request routed the payout through a path.
	OutputSwaps []*SwapReport
}

// ExecuteDecrease applies a decrease to a revertible market view and the
// caller's position copy.
func ExecuteDecrease(s market.State, prices market.Prices, pos *position.Position, params DecreaseParams) (*DecreaseReport, error) {
	if !s.Enabled() && params.Mode == DecreaseModeMarket {
		return nil, errs.E(errs.KindDisabledMarket, "market %s is disabled", s.Meta().MarketToken)
	}
	if pos.SizeInUsd.IsZero() {
		return nil, errs.E(errs.KindPreconditionsNotMet, "position is already closed")
	}
	sizeDelta := orZero(params.SizeDeltaUsd)
	switch params.Mode {
	case DecreaseModeLiquidation:
		sizeDelta = fixed.Clone(pos.SizeInUsd)
	case DecreaseModeAdl:
		if sizeDelta.Gt(pos.SizeInUsd) {
			sizeDelta = fixed.Clone(pos.SizeInUsd)
		}
	}
	if sizeDelta.IsZero() || sizeDelta.Gt(pos.SizeInUsd) {
		return nil, errs.E(errs.KindInvalidArgument,
			"size delta %s out of range for position size %s", sizeDelta, pos.SizeInUsd)
	}
	collateralLong, err := pos.IsCollateralLong(s.Meta())
	if err != nil {
		return nil, err
	}

	if err := validateDecreaseMode(s, prices, pos, params); err != nil {
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

	probe, err := positionPriceImpact(s, pos.IsLong, fixed.NewSigned(fixed.Clone(sizeDelta), true))
	if err != nil {
		return nil, err
	}
	impactUsd, err := applyPositionImpactWithCap(s, prices, probe)
	if err != nil {
		return nil, err
	}
	base := prices.Index.PickForSide(!pos.IsLong)
	execPrice, err := executionPrice(base, impactUsd, sizeDelta, pos.IsLong, false)
	if err != nil {
		return nil, err
	}
	if params.Mode == DecreaseModeMarket {
		if err := checkAcceptablePrice(execPrice, params.AcceptablePrice, pos.IsLong, false); err != nil {
			return nil, err
		}
	}

	// Proportional token delta; the user-adverse side rounds up so the
	// position cannot strand residual tokens.
	var sizeDeltaTokens *uint256.Int
	closing := sizeDelta.Eq(pos.SizeInUsd)
	if closing {
		sizeDeltaTokens = fixed.Clone(pos.SizeInTokens)
	} else if pos.IsLong {
		sizeDeltaTokens, err = fixed.MulDivFloor(pos.SizeInTokens, sizeDelta, pos.SizeInUsd)
		if err != nil {
			return nil, err
		}
	} else {
		sizeDeltaTokens, err = fixed.MulDivCeil(pos.SizeInTokens, sizeDelta, pos.SizeInUsd)
		if err != nil {
			return nil, err
		}
	}

	pnlUsd, err := realizedPnl(pos, execPrice, sizeDelta, sizeDeltaTokens)
	if err != nil {
		return nil, err
	}

	fees, err := computePositionFees(s.Config(), sizeDelta, !impactUsd.IsNegative(), borrowingUsd, fundingUsd)
	if err != nil {
		return nil, err
	}

	report := &DecreaseReport{
		ExecutionPrice:  execPrice,
		SizeDeltaTokens: sizeDeltaTokens,
		RealizedPnlUsd:  pnlUsd,
		Fees:            fees,
		PriceImpactUsd:  impactUsd,
		Closed:          closing,
	}
	if err := settleDecrease(s, prices, pos, collateralLong, fees, pnlUsd, params.Mode, report); err != nil {
		return nil, err
	}

	pos.SizeInUsd = new(uint256.Int).Sub(pos.SizeInUsd, sizeDelta)
	pos.SizeInTokens = new(uint256.Int).Sub(pos.SizeInTokens, sizeDeltaTokens)
	snapshotFundingState(s, pos)
	pos.DecreasedAt = params.Now
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
	if err := s.Pool(oiKind).ApplyDelta(pos.IsLong, fixed.NewSigned(fixed.Clone(sizeDelta), true)); err != nil {
		return nil, err
	}
	if err := s.Pool(oiTokKind).ApplyDelta(pos.IsLong, fixed.NewSigned(fixed.Clone(sizeDeltaTokens), true)); err != nil {
		return nil, err
	}

	if closing {
		// Fully closed positions return the remaining collateral.
		if !pos.CollateralAmount.IsZero() {
			report.OutputAmount, err = fixed.Add(report.OutputAmount, pos.CollateralAmount)
			if err != nil {
				return nil, err
			}
			pos.CollateralAmount = new(uint256.Int)
		}
	} else if err := pos.ValidateNotLiquidatable(s, prices); err != nil {
		return nil, err
	}

	if err := s.Other().ApplyBalanceDelta(collateralLong, fixed.NewSigned(fixed.Clone(report.OutputAmount), true)); err != nil {
		return nil, err
	}
	zero := new(uint256.Int)
	if err := market.ValidateMarketBalances(s, zero, zero); err != nil {
		return nil, err
	}
	return report, nil
}

// validateDecreaseMode requires that the pre-state actually permits a
// liquidation or ADL decrease.
func validateDecreaseMode(s market.State, prices market.Prices, pos *position.Position, params DecreaseParams) error {
	switch params.Mode {
	case DecreaseModeLiquidation:
		liq, err := pos.IsLiquidatable(s, prices)
		if err != nil {
			return err
		}
		if !liq {
			return errs.E(errs.KindNotLiquidatable,
				"position %s on %s is not liquidatable", pos.Owner, pos.MarketToken)
		}
	case DecreaseModeAdl:
		if !s.Other().AdlEnabled(pos.IsLong) {
			return errs.E(errs.KindPreconditionsNotMet,
				"adl not enabled for %s side of %s", sideWord(pos.IsLong), pos.MarketToken)
		}
		if s.Clock(market.ClockAdl) < params.OracleMaxTS {
			return errs.E(errs.KindPreconditionsNotMet,
				"adl state is stale for %s", pos.MarketToken)
		}
	}
	return nil
}

// realizedPnl prices the closed tokens at execution against the entry.
func realizedPnl(pos *position.Position, execPrice, sizeDeltaUsd, sizeDeltaTokens *uint256.Int) (*fixed.Signed, error) {
	execValue, err := fixed.Mul(sizeDeltaTokens, execPrice)
	if err != nil {
		return nil, err
	}
	exec := fixed.NewSigned(execValue, false)
	entry := fixed.NewSigned(fixed.Clone(sizeDeltaUsd), false)
	if pos.IsLong {
		return exec.Sub(entry)
	}
	return entry.Sub(exec)
}

// settleDecrease pays fees and PnL between collateral, pools, and the
// trader's output. Insolvent liquidations absorb the remaining collateral
// into the pool instead of failing.
func settleDecrease(s market.State, prices market.Prices, pos *position.Position, collateralLong bool, fees PositionFees, pnlUsd *fixed.Signed, mode DecreaseMode, report *DecreaseReport) error {
	price := prices.SidePrice(collateralLong)
	report.OutputAmount = new(uint256.Int)

	// Profit is paid from the primary pool in collateral tokens.
	if !pnlUsd.IsNegative() && !pnlUsd.IsZero() {
		payout := new(uint256.Int).Div(pnlUsd.Abs(), price.Pick(true))
		if err := s.Pool(market.PoolPrimary).ApplyDelta(collateralLong, fixed.NewSigned(fixed.Clone(payout), true)); err != nil {
			return errs.Wrap(errs.KindInsufficientReserve, err)
		}
		report.OutputAmount = payout
	}

	// Costs: fees plus any loss, charged to collateral.
	cost := fees.TotalCostUsd.Clone()
	if pnlUsd.IsNegative() {
		var err error
		cost, err = cost.Add(pnlUsd.Neg())
		if err != nil {
			return err
		}
	}
	if cost.IsNegative() {
		// Net funding credit: pay it from the pool into collateral.
		credit := new(uint256.Int).Div(cost.Abs(), price.Pick(true))
		if !credit.IsZero() {
			if err := s.Pool(market.PoolPrimary).ApplyDelta(collateralLong, fixed.NewSigned(fixed.Clone(credit), true)); err != nil {
				return errs.Wrap(errs.KindInsufficientReserve, err)
			}
			var err error
			pos.CollateralAmount, err = fixed.Add(pos.CollateralAmount, credit)
			if err != nil {
				return err
			}
		}
		return nil
	}
	if cost.IsZero() {
		return nil
	}

	costTokens, err := fixed.DivRoundUp(cost.Abs(), price.Pick(false))
	if err != nil {
		return err
	}
	if costTokens.Gt(pos.CollateralAmount) {
		if mode == DecreaseModeMarket {
			return errs.E(errs.KindInsufficientFundsToPayForCosts,
				"collateral %s cannot cover costs %s", pos.CollateralAmount, costTokens)
		}
		// Insolvent close: the pool absorbs whatever collateral is left.
		costTokens = fixed.Clone(pos.CollateralAmount)
		report.Insolvent = true
	}
	pos.CollateralAmount = new(uint256.Int).Sub(pos.CollateralAmount, costTokens)

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

func sideWord(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}
