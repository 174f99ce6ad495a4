package action

import (
	"github.com/holiman/uint256"

	"PerpEngine/internal/errs"
	"PerpEngine/internal/fixed"
	"PerpEngine/internal/market"
)

// UpdateBorrowingState advances each side's cumulative borrowing factor by
// factor × reserved^exponent / pool_value per elapsed second and stamps the
// borrowing clock. The first call on a fresh market only stamps.
func UpdateBorrowingState(s market.State, prices market.Prices, now int64) error {
	last := s.Clock(market.ClockBorrowing)
	s.SetClock(market.ClockBorrowing, now)
	if last == 0 || now <= last {
		return nil
	}
	duration := uint64(now - last)

	for _, isLong := range [2]bool{true, false} {
		oi := market.OpenInterest(s, isLong)
		if oi.IsZero() {
			continue
		}
		poolValue, err := market.PoolValueWithoutPnlForOneSide(s, prices, isLong, false)
		if err != nil {
			return err
		}
		if poolValue.IsZero() {
			return errs.E(errs.KindUnableToGetBorrowingFactorEmptyPoolValue,
				"market %s: open interest with empty pool", s.Meta().MarketToken)
		}
		reserved, err := market.ReservedUsd(s, prices, isLong)
		if err != nil {
			return err
		}
		powed, err := fixed.Pow(reserved, s.Config().BorrowingExponent(isLong))
		if err != nil {
			return err
		}
		scaled, err := fixed.ApplyFactor(powed, s.Config().BorrowingFactor(isLong))
		if err != nil {
			return err
		}
		perSecond, err := fixed.MulDivFloor(scaled, fixed.Unit, poolValue)
		if err != nil {
			return err
		}
		delta, err := fixed.Mul(perSecond, uint256.NewInt(duration))
		if err != nil {
			return err
		}
		if err := s.Pool(market.PoolBorrowingFactor).ApplyDelta(isLong, fixed.NewSigned(delta, false)); err != nil {
			return err
		}
	}
	return nil
}

// UpdateFundingState recomputes the funding rate from the open-interest
// imbalance and accrues funding per size on the paying side plus claimable
// funding per size on the receiving side. Pool-level accrual rounds down;
// per-position settlement rounds up against payers, so dust stays with the
// market.
func UpdateFundingState(s market.State, now int64) error {
	last := s.Clock(market.ClockFunding)
	s.SetClock(market.ClockFunding, now)

	oiLong := market.OpenInterest(s, true)
	oiShort := market.OpenInterest(s, false)
	total, err := fixed.Add(oiLong, oiShort)
	if err != nil {
		return err
	}
	if total.IsZero() {
		s.Other().FundingFactorPerSecond = fixed.SignedZero()
		return nil
	}

	diff := imbalance(oiLong, oiShort)
	perSecond := new(uint256.Int)
	if !diff.IsZero() {
		powed, err := fixed.Pow(diff, s.Config().FundingExponent)
		if err != nil {
			return err
		}
		scaled, err := fixed.ApplyFactor(powed, s.Config().FundingFactor)
		if err != nil {
			return err
		}
		perSecond, err = fixed.MulDivFloor(scaled, fixed.Unit, total)
		if err != nil {
			return err
		}
	}
	longsPay := oiLong.Gt(oiShort)
	s.Other().FundingFactorPerSecond = fixed.NewSigned(fixed.Clone(perSecond), !longsPay)

	if last == 0 || now <= last || perSecond.IsZero() {
		return nil
	}
	duration := uint64(now - last)
	perSizeDelta, err := fixed.Mul(perSecond, uint256.NewInt(duration))
	if err != nil {
		return err
	}

	payerKind := market.PoolFundingAmountPerSizeForLong
	claimKind := market.PoolClaimableFundingPerSizeForShort
	oiPayer, oiReceiver := oiLong, oiShort
	if !longsPay {
		payerKind = market.PoolFundingAmountPerSizeForShort
		claimKind = market.PoolClaimableFundingPerSizeForLong
		oiPayer, oiReceiver = oiShort, oiLong
	}
	if err := s.Pool(payerKind).ApplyDelta(longsPay, fixed.NewSigned(perSizeDelta, false)); err != nil {
		return err
	}
	if oiReceiver.IsZero() {
		return nil
	}
	totalPaid, err := fixed.ApplyFactor(oiPayer, perSizeDelta)
	if err != nil {
		return err
	}
	receiverPerSize, err := fixed.MulDivFloor(totalPaid, fixed.Unit, oiReceiver)
	if err != nil {
		return err
	}
	return s.Pool(claimKind).ApplyDelta(!longsPay, fixed.NewSigned(receiverPerSize, false))
}

// DistributePositionImpact drips the position-impact pool back to liquidity
// providers at the configured rate. Shrinking the pool raises pool value
// directly; no tokens move.
func DistributePositionImpact(s market.State, now int64) error {
	last := s.Clock(market.ClockPriceImpactDistribution)
	s.SetClock(market.ClockPriceImpactDistribution, now)
	if last == 0 || now <= last {
		return nil
	}
	rate := s.Config().PositionImpactDistributionRate
	if rate.IsZero() {
		return nil
	}
	amount, err := fixed.Mul(rate, uint256.NewInt(uint64(now-last)))
	if err != nil {
		return err
	}
	if avail := s.Pool(market.PoolPositionImpact).Amount(true); amount.Gt(avail) {
		amount = avail
	}
	if amount.IsZero() {
		return nil
	}
	return s.Pool(market.PoolPositionImpact).ApplyDelta(true, fixed.NewSigned(amount, true))
}

// UpdateAdlState stamps the ADL clock and flags each side whose trader PnL
// exceeds the ADL ceiling. Decrease actions in ADL mode require the flag and
// a clock at or past the bundle's max timestamp.
func UpdateAdlState(s market.State, prices market.Prices, now int64) error {
	for _, isLong := range [2]bool{true, false} {
		exceeded, err := market.IsPnlFactorExceeded(s, prices, isLong, market.PnlFactorForAdl)
		if err != nil {
			return err
		}
		if isLong {
			s.Other().AdlEnabledForLong = exceeded
		} else {
			s.Other().AdlEnabledForShort = exceeded
		}
	}
	s.SetClock(market.ClockAdl, now)
	return nil
}
