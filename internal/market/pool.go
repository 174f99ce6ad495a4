// Package market models one perp+swap market: its pools, clocks, factor
// configuration, valuation, and the revertible overlay actions mutate.
package market

import (
	"github.com/holiman/uint256"

	"PerpEngine/internal/errs"
	"PerpEngine/internal/fixed"
)

// PoolKind addresses the per-market pools.
type PoolKind int32

const (
	PoolPrimary PoolKind = iota
	PoolSwapImpact
	PoolClaimableFee
	PoolOpenInterestForLong
	PoolOpenInterestForShort
	PoolOpenInterestInTokensForLong
	PoolOpenInterestInTokensForShort
	PoolPositionImpact
	PoolBorrowingFactor
	PoolFundingAmountPerSizeForLong
	PoolFundingAmountPerSizeForShort
	PoolClaimableFundingPerSizeForLong
	PoolClaimableFundingPerSizeForShort

	poolKindCount
)

func (k PoolKind) String() string {
	switch k {
	case PoolPrimary:
		return "Primary"
	case PoolSwapImpact:
		return "SwapImpact"
	case PoolClaimableFee:
		return "ClaimableFee"
	case PoolOpenInterestForLong:
		return "OpenInterestForLong"
	case PoolOpenInterestForShort:
		return "OpenInterestForShort"
	case PoolOpenInterestInTokensForLong:
		return "OpenInterestInTokensForLong"
	case PoolOpenInterestInTokensForShort:
		return "OpenInterestInTokensForShort"
	case PoolPositionImpact:
		return "PositionImpact"
	case PoolBorrowingFactor:
		return "BorrowingFactor"
	case PoolFundingAmountPerSizeForLong:
		return "FundingAmountPerSizeForLong"
	case PoolFundingAmountPerSizeForShort:
		return "FundingAmountPerSizeForShort"
	case PoolClaimableFundingPerSizeForLong:
		return "ClaimableFundingPerSizeForLong"
	case PoolClaimableFundingPerSizeForShort:
		return "ClaimableFundingPerSizeForShort"
	default:
		return "Unknown"
	}
}

// PoolKinds lists every pool a market carries.
func PoolKinds() []PoolKind {
	kinds := make([]PoolKind, 0, poolKindCount)
	for k := PoolKind(0); k < poolKindCount; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// ClockKind addresses the per-market clocks.
type ClockKind int32

const (
	ClockBorrowing ClockKind = iota
	ClockFunding
	ClockAdl
	ClockPriceImpactDistribution

	clockKindCount
)

func (k ClockKind) String() string {
	switch k {
	case ClockBorrowing:
		return "Borrowing"
	case ClockFunding:
		return "Funding"
	case ClockAdl:
		return "Adl"
	case ClockPriceImpactDistribution:
		return "PriceImpactDistribution"
	default:
		return "Unknown"
	}
}

// ClockKinds lists every clock a market carries.
func ClockKinds() []ClockKind {
	kinds := make([]ClockKind, 0, clockKindCount)
	for k := ClockKind(0); k < clockKindCount; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// Pool holds a (long, short) amount pair. A pure pool keeps both sides
// identical internally and answers per-side reads with half the total, so
// the pure invariant survives every mutation by construction.
type Pool struct {
	pure  bool
	long  uint256.Int
	short uint256.Int
}

// NewPool builds an empty pool.
func NewPool(pure bool) *Pool {
	return &Pool{pure: pure}
}

// IsPure reports pure-pool semantics.
func (p *Pool) IsPure() bool { return p.pure }

// LongAmount returns the long side; half the combined total for pure pools.
func (p *Pool) LongAmount() *uint256.Int {
	if p.pure {
		return new(uint256.Int).Div(&p.long, uint256.NewInt(2))
	}
	return fixed.Clone(&p.long)
}

// ShortAmount returns the short side; half the combined total for pure pools.
func (p *Pool) ShortAmount() *uint256.Int {
	if p.pure {
		return new(uint256.Int).Div(&p.long, uint256.NewInt(2))
	}
	return fixed.Clone(&p.short)
}

// Amount returns the side selected by isLong.
func (p *Pool) Amount(isLong bool) *uint256.Int {
	if isLong {
		return p.LongAmount()
	}
	return p.ShortAmount()
}

// Total returns long + short (the combined amount for pure pools).
func (p *Pool) Total() (*uint256.Int, error) {
	if p.pure {
		return fixed.Clone(&p.long), nil
	}
	return fixed.Add(&p.long, &p.short)
}

// ApplyDeltaToLong mutates the long side with checked overflow. A pure pool
// routes the delta into the combined amount.
func (p *Pool) ApplyDeltaToLong(delta *fixed.Signed) error {
	next, err := delta.ApplyToUnsigned(&p.long)
	if err != nil {
		return err
	}
	p.long.Set(next)
	if p.pure {
		p.short.Set(next)
	}
	return nil
}

// ApplyDeltaToShort mutates the short side. For a pure pool the delta is
// applied to the combined amount, same as a long-side delta.
func (p *Pool) ApplyDeltaToShort(delta *fixed.Signed) error {
	if p.pure {
		return p.ApplyDeltaToLong(delta)
	}
	next, err := delta.ApplyToUnsigned(&p.short)
	if err != nil {
		return err
	}
	p.short.Set(next)
	return nil
}

// ApplyDelta mutates the side selected by isLong.
func (p *Pool) ApplyDelta(isLong bool, delta *fixed.Signed) error {
	if isLong {
		return p.ApplyDeltaToLong(delta)
	}
	return p.ApplyDeltaToShort(delta)
}

// CheckedApplyDelta verifies the mutation without committing it.
func (p *Pool) CheckedApplyDelta(isLong bool, delta *fixed.Signed) error {
	side := &p.long
	if !isLong && !p.pure {
		side = &p.short
	}
	if _, err := delta.ApplyToUnsigned(side); err != nil {
		return errs.Wrap(errs.KindOverflow, err)
	}
	return nil
}

// Clone deep-copies the pool.
func (p *Pool) Clone() *Pool {
	c := &Pool{pure: p.pure}
	c.long.Set(&p.long)
	c.short.Set(&p.short)
	return c
}

// Equal reports value equality; used by the balance invariant tests.
func (p *Pool) Equal(o *Pool) bool {
	return p.pure == o.pure && p.long.Eq(&o.long) && p.short.Eq(&o.short)
}
