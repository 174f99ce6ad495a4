package market

import (
	"github.com/holiman/uint256"

	"PerpEngine/internal/errs"
	"PerpEngine/internal/fixed"
)

// PoolValueWithoutPnlForOneSide values one side of the primary pool in
// 20-decimal USD at the side's collateral price.
func PoolValueWithoutPnlForOneSide(s State, prices Prices, isLong, maximize bool) (*uint256.Int, error) {
	amount := s.Pool(PoolPrimary).Amount(isLong)
	return fixed.Mul(amount, prices.SidePrice(isLong).Pick(maximize))
}

// OpenInterest returns the USD open interest for a side.
func OpenInterest(s State, isLong bool) *uint256.Int {
	return s.Pool(PoolOpenInterestForLong.forSide(isLong)).Amount(isLong)
}

// OpenInterestInTokens returns the index-token open interest for a side.
func OpenInterestInTokens(s State, isLong bool) *uint256.Int {
	return s.Pool(PoolOpenInterestInTokensForLong.forSide(isLong)).Amount(isLong)
}

// CumulativeBorrowingFactor reads the per-side cumulative borrowing factor
// from the borrowing-factor pool.
func CumulativeBorrowingFactor(s State, isLong bool) *uint256.Int {
	return s.Pool(PoolBorrowingFactor).Amount(isLong)
}

// forSide maps a long-side pool kind to its short counterpart. The side
// pools are laid out long-then-short.
func (k PoolKind) forSide(isLong bool) PoolKind {
	if isLong {
		return k
	}
	return k + 1
}

// Pnl computes the unrealized trader PnL for one side, in signed 20-decimal
// USD. maximize picks the index price that maximizes the result.
func Pnl(s State, prices Prices, isLong, maximize bool) (*fixed.Signed, error) {
	oiUsd := OpenInterest(s, isLong)
	oiTokens := OpenInterestInTokens(s, isLong)

	// Longs profit when price rises, shorts when it falls; the maximizing
	// pick is therefore side-dependent.
	pick := maximize
	if !isLong {
		pick = !maximize
	}
	oiValue, err := fixed.Mul(oiTokens, prices.Index.Pick(pick))
	if err != nil {
		return nil, err
	}

	value := fixed.NewSigned(oiValue, false)
	cost := fixed.NewSigned(oiUsd, false)
	if isLong {
		return value.Sub(cost)
	}
	return cost.Sub(value)
}

// CapPnl clamps a positive per-side PnL to the configured ceiling against
// that side's pool value. Non-positive PnL passes through unchanged.
func CapPnl(s State, prices Prices, isLong bool, pnl *fixed.Signed, kind PnlFactorKind) (*fixed.Signed, error) {
	if pnl.IsNegative() || pnl.IsZero() {
		return pnl, nil
	}
	poolValue, err := PoolValueWithoutPnlForOneSide(s, prices, isLong, false)
	if err != nil {
		return nil, err
	}
	maxPnl, err := fixed.ApplyFactor(poolValue, s.Config().MaxPnlFactor(kind, isLong))
	if err != nil {
		return nil, err
	}
	if pnl.Abs().Gt(maxPnl) {
		return fixed.NewSigned(maxPnl, false), nil
	}
	return pnl, nil
}

// PoolValue computes the full market valuation in signed 20-decimal USD:
// both primary sides, minus capped net trader PnL, minus the position
// impact pool.
func PoolValue(s State, prices Prices, kind PnlFactorKind, maximize bool) (*fixed.Signed, error) {
	longValue, err := PoolValueWithoutPnlForOneSide(s, prices, true, maximize)
	if err != nil {
		return nil, err
	}
	shortValue, err := PoolValueWithoutPnlForOneSide(s, prices, false, maximize)
	if err != nil {
		return nil, err
	}
	total, err := fixed.Add(longValue, shortValue)
	if err != nil {
		return nil, err
	}
	value := fixed.NewSigned(total, false)

	// A maximized pool value assumes the traders' worst case, so per-side
	// PnL is minimized, and vice versa.
	netPnl := fixed.SignedZero()
	for _, isLong := range [2]bool{true, false} {
		pnl, err := Pnl(s, prices, isLong, !maximize)
		if err != nil {
			return nil, err
		}
		pnl, err = CapPnl(s, prices, isLong, pnl, kind)
		if err != nil {
			return nil, err
		}
		netPnl, err = netPnl.Add(pnl)
		if err != nil {
			return nil, err
		}
	}
	value, err = value.Sub(netPnl)
	if err != nil {
		return nil, err
	}

	impactValue, err := fixed.Mul(
		s.Pool(PoolPositionImpact).Amount(true),
		prices.Index.Pick(!maximize))
	if err != nil {
		return nil, err
	}
	return value.Sub(fixed.NewSigned(impactValue, false))
}

// ValidatePoolValueForDeposit checks a side's maximized value against the
// deposit cap.
func ValidatePoolValueForDeposit(s State, prices Prices, isLong bool) error {
	value, err := PoolValueWithoutPnlForOneSide(s, prices, isLong, true)
	if err != nil {
		return err
	}
	if value.Gt(s.Config().MaxPoolValueForDeposit(isLong)) {
		return errs.E(errs.KindMaxPoolValueExceeded,
			"pool value %s exceeds deposit cap %s for %s side",
			value, s.Config().MaxPoolValueForDeposit(isLong), sideName(isLong))
	}
	return nil
}

// ValidatePoolAmount checks the primary pool against the per-side token cap.
func ValidatePoolAmount(s State, isLong bool) error {
	amount := s.Pool(PoolPrimary).Amount(isLong)
	if amount.Gt(s.Config().MaxPoolAmount(isLong)) {
		return errs.E(errs.KindMaxPoolAmountExceeded,
			"pool amount %s exceeds cap %s for %s side",
			amount, s.Config().MaxPoolAmount(isLong), sideName(isLong))
	}
	return nil
}

// ValidateOpenInterest checks a side's USD open interest against its cap.
func ValidateOpenInterest(s State, isLong bool) error {
	oi := OpenInterest(s, isLong)
	if oi.Gt(s.Config().MaxOpenInterest(isLong)) {
		return errs.E(errs.KindMaxOpenInterestExceeded,
			"open interest %s exceeds cap %s for %s side",
			oi, s.Config().MaxOpenInterest(isLong), sideName(isLong))
	}
	return nil
}

// ReservedUsd is the USD amount the pool must hold against a side's open
// interest: long positions reserve index exposure at the max price, short
// positions reserve their USD size.
func ReservedUsd(s State, prices Prices, isLong bool) (*uint256.Int, error) {
	if isLong {
		return fixed.Mul(OpenInterestInTokens(s, isLong), prices.Index.Pick(true))
	}
	return fixed.Clone(OpenInterest(s, isLong)), nil
}

// ValidateReserve enforces reserved ≤ factor × pool value for a side, for
// both the general and the open-interest reserve factors.
func ValidateReserve(s State, prices Prices, isLong bool) error {
	poolValue, err := PoolValueWithoutPnlForOneSide(s, prices, isLong, false)
	if err != nil {
		return err
	}
	reserved, err := ReservedUsd(s, prices, isLong)
	if err != nil {
		return err
	}
	for _, f := range [2]*uint256.Int{s.Config().ReserveFactor, s.Config().OpenInterestReserveFactor} {
		maxReserved, err := fixed.ApplyFactor(poolValue, f)
		if err != nil {
			return err
		}
		if reserved.Gt(maxReserved) {
			return errs.E(errs.KindInsufficientReserve,
				"reserved %s exceeds max %s for %s side", reserved, maxReserved, sideName(isLong))
		}
	}
	return nil
}

// ValidatePnlFactor rejects when a side's positive PnL against its pool
// value exceeds the ceiling for the given operation kind.
func ValidatePnlFactor(s State, prices Prices, isLong bool, kind PnlFactorKind) error {
	pnl, err := Pnl(s, prices, isLong, true)
	if err != nil {
		return err
	}
	if pnl.IsNegative() || pnl.IsZero() {
		return nil
	}
	poolValue, err := PoolValueWithoutPnlForOneSide(s, prices, isLong, false)
	if err != nil {
		return err
	}
	maxPnl, err := fixed.ApplyFactor(poolValue, s.Config().MaxPnlFactor(kind, isLong))
	if err != nil {
		return err
	}
	if pnl.Abs().Gt(maxPnl) {
		return errs.E(errs.KindPnlFactorExceeded,
			"%s %s pnl %s exceeds max %s", kind, sideName(isLong), pnl, maxPnl)
	}
	return nil
}

// IsPnlFactorExceeded reports whether a side's PnL is above the ceiling for
// a kind; the ADL state update keys off this without treating it as an error.
func IsPnlFactorExceeded(s State, prices Prices, isLong bool, kind PnlFactorKind) (bool, error) {
	err := ValidatePnlFactor(s, prices, isLong, kind)
	if errs.Is(err, errs.KindPnlFactorExceeded) {
		return true, nil
	}
	return false, err
}

// ValidateMarketBalances checks that tracked token balances cover the sum of
// every pool counted in that token, minus amounts already handed off in
// flight. A violation here is a bookkeeping bug, not a user error.
func ValidateMarketBalances(s State, longExcluding, shortExcluding *uint256.Int) error {
	if s.Meta().IsPure() {
		expected, err := expectedSideBalance(s, true)
		if err != nil {
			return err
		}
		shortExpected, err := expectedSideBalance(s, false)
		if err != nil {
			return err
		}
		expected, err = fixed.Add(expected, shortExpected)
		if err != nil {
			return errs.Wrap(errs.KindInvalidTokenBalance, err)
		}
		balance := s.Other().Balance(true)
		excluding := new(uint256.Int).Add(longExcluding, shortExcluding)
		return checkBalanceCovers(s, true, balance, excluding, expected)
	}
	for _, isLong := range [2]bool{true, false} {
		expected, err := expectedSideBalance(s, isLong)
		if err != nil {
			return err
		}
		excluding := longExcluding
		if !isLong {
			excluding = shortExcluding
		}
		if err := checkBalanceCovers(s, isLong, s.Other().Balance(isLong), excluding, expected); err != nil {
			return err
		}
	}
	return nil
}

func expectedSideBalance(s State, isLong bool) (*uint256.Int, error) {
	sum := new(uint256.Int)
	for _, kind := range [3]PoolKind{PoolPrimary, PoolSwapImpact, PoolClaimableFee} {
		next, err := fixed.Add(sum, s.Pool(kind).Amount(isLong))
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidTokenBalance, err)
		}
		sum = next
	}
	return sum, nil
}

func checkBalanceCovers(s State, isLong bool, balance, excluding, expected *uint256.Int) error {
	if balance.Lt(excluding) {
		return errs.E(errs.KindInvalidTokenBalance,
			"market %s %s balance %s below in-flight amount %s",
			s.Meta().MarketToken, sideName(isLong), balance, excluding)
	}
	available := new(uint256.Int).Sub(balance, excluding)
	if available.Lt(expected) {
		return errs.E(errs.KindInvalidTokenBalance,
			"market %s %s balance %s (excluding %s) below pool sum %s",
			s.Meta().MarketToken, sideName(isLong), balance, excluding, expected)
	}
	return nil
}

func sideName(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}
