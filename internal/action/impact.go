// Package action implements the engine's state transitions: deposits,
// withdrawals, swaps, position increases and decreases, and the clock-driven
// state updates. Every action mutates a revertible market view; the caller
// commits or discards.
package action

import (
	"github.com/holiman/uint256"

	"PerpEngine/internal/errs"
	"PerpEngine/internal/fixed"
	"PerpEngine/internal/market"
)

// priceImpactUsd prices an imbalance change through the configured curve:
// moving toward balance earns the positive factor on the closed gap, moving
// away pays the negative factor on the opened gap, and a crossover pays both
// sides of the flip.
func priceImpactUsd(initial, next, exponent, posFactor, negFactor *uint256.Int) (*fixed.Signed, error) {
	improved := next.Lt(initial)

	if initial.IsZero() || next.IsZero() || improved == next.Gt(initial) {
		// Same-direction move (or trivially one-sided).
		a, b, factor, neg := initial, next, posFactor, false
		if !improved {
			a, b, factor, neg = next, initial, negFactor, true
		}
		pa, err := fixed.Pow(a, exponent)
		if err != nil {
			return nil, err
		}
		pb, err := fixed.Pow(b, exponent)
		if err != nil {
			return nil, err
		}
		gap, err := fixed.Sub(pa, pb)
		if err != nil {
			return nil, err
		}
		v, err := fixed.ApplyFactor(gap, factor)
		if err != nil {
			return nil, err
		}
		return fixed.NewSigned(v, neg), nil
	}

	// Crossover: the closed gap earns, the newly opened gap pays in full.
	pi, err := fixed.Pow(initial, exponent)
	if err != nil {
		return nil, err
	}
	earn, err := fixed.ApplyFactor(pi, posFactor)
	if err != nil {
		return nil, err
	}
	pn, err := fixed.Pow(next, exponent)
	if err != nil {
		return nil, err
	}
	pay, err := fixed.ApplyFactor(pn, negFactor)
	if err != nil {
		return nil, err
	}
	return fixed.NewSigned(earn, false).Sub(fixed.NewSigned(pay, false))
}

// imbalance returns |a - b|.
func imbalance(a, b *uint256.Int) *uint256.Int {
	if a.Gt(b) {
		return new(uint256.Int).Sub(a, b)
	}
	return new(uint256.Int).Sub(b, a)
}

// swapPriceImpact computes the impact of moving USD value between the two
// primary sides. Deltas are signed 20-decimal USD per side; mid prices keep
// the imbalance measure spread-neutral.
func swapPriceImpact(s market.State, prices market.Prices, longDelta, shortDelta *fixed.Signed) (*fixed.Signed, error) {
	longValue, err := fixed.Mul(s.Pool(market.PoolPrimary).LongAmount(), prices.Long.Mid())
	if err != nil {
		return nil, err
	}
	shortValue, err := fixed.Mul(s.Pool(market.PoolPrimary).ShortAmount(), prices.Short.Mid())
	if err != nil {
		return nil, err
	}
	longNext, err := longDelta.ApplyToUnsigned(longValue)
	if err != nil {
		return nil, errs.Wrap(errs.KindOverflow, err)
	}
	shortNext, err := shortDelta.ApplyToUnsigned(shortValue)
	if err != nil {
		return nil, errs.Wrap(errs.KindOverflow, err)
	}
	cfg := s.Config()
	return priceImpactUsd(
		imbalance(longValue, shortValue),
		imbalance(longNext, shortNext),
		cfg.SwapImpactExponent, cfg.SwapImpactPositiveFactor, cfg.SwapImpactNegativeFactor)
}

// positionPriceImpact computes the impact of an open-interest change.
// sizeDelta is signed USD applied to the given side.
func positionPriceImpact(s market.State, isLong bool, sizeDelta *fixed.Signed) (*fixed.Signed, error) {
	oiLong := market.OpenInterest(s, true)
	oiShort := market.OpenInterest(s, false)
	oiLongNext, oiShortNext := fixed.Clone(oiLong), fixed.Clone(oiShort)
	var err error
	if isLong {
		oiLongNext, err = sizeDelta.ApplyToUnsigned(oiLong)
	} else {
		oiShortNext, err = sizeDelta.ApplyToUnsigned(oiShort)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindOverflow, err)
	}
	cfg := s.Config()
	return priceImpactUsd(
		imbalance(oiLong, oiShort),
		imbalance(oiLongNext, oiShortNext),
		cfg.PositionImpactExponent, cfg.PositionImpactPositiveFactor, cfg.PositionImpactNegativeFactor)
}

// applyPositionImpactWithCap settles position impact against the
// position-impact pool, which is denominated in index tokens. Positive
// impact is capped by the pool's holdings and re-priced to the amount
// actually paid; negative impact grows the pool by the round-up amount.
func applyPositionImpactWithCap(s market.State, prices market.Prices, impactUsd *fixed.Signed) (*fixed.Signed, error) {
	pool := s.Pool(market.PoolPositionImpact)
	if impactUsd.IsZero() {
		return fixed.SignedZero(), nil
	}
	if !impactUsd.IsNegative() {
		amount := new(uint256.Int).Div(impactUsd.Abs(), prices.Index.Pick(true))
		if avail := pool.Amount(true); amount.Gt(avail) {
			amount = avail
		}
		if err := pool.ApplyDelta(true, fixed.NewSigned(fixed.Clone(amount), true)); err != nil {
			return nil, err
		}
		paid, err := fixed.Mul(amount, prices.Index.Pick(true))
		if err != nil {
			return nil, err
		}
		return fixed.NewSigned(paid, false), nil
	}
	amount, err := fixed.DivRoundUp(impactUsd.Abs(), prices.Index.Pick(false))
	if err != nil {
		return nil, err
	}
	if err := pool.ApplyDelta(true, fixed.NewSigned(amount, false)); err != nil {
		return nil, err
	}
	return impactUsd, nil
}

// applySwapImpactWithCap settles impact USD against the swap-impact pool and
// returns the token-amount delta for the user. Positive impact pays out of
// the pool (floor-divided, capped at the pool's side amount); negative
// impact charges the user (round-up division) and grows the pool.
func applySwapImpactWithCap(s market.State, isLongToken bool, price fixed.Price, impactUsd *fixed.Signed) (*fixed.Signed, error) {
	pool := s.Pool(market.PoolSwapImpact)
	if impactUsd.IsZero() {
		return fixed.SignedZero(), nil
	}
	if !impactUsd.IsNegative() {
		// Prices are validated non-zero at bundle construction.
		amount := new(uint256.Int).Div(impactUsd.Abs(), price.Pick(true))
		if avail := pool.Amount(isLongToken); amount.Gt(avail) {
			amount = avail
		}
		if err := pool.ApplyDelta(isLongToken, fixed.NewSigned(amount, true)); err != nil {
			return nil, err
		}
		return fixed.NewSigned(amount, false), nil
	}
	amount, err := fixed.DivRoundUp(impactUsd.Abs(), price.Pick(false))
	if err != nil {
		return nil, err
	}
	if err := pool.ApplyDelta(isLongToken, fixed.NewSigned(amount, false)); err != nil {
		return nil, err
	}
	return fixed.NewSigned(amount, true), nil
}
