// Package position models a user's leveraged claim against one market and
// the guards (liquidation, ADL eligibility, collateral floors) that gate
// its lifecycle.
package position

import (
	"github.com/holiman/uint256"

	"PerpEngine/internal/errs"
	"PerpEngine/internal/fixed"
	"PerpEngine/internal/market"
)

// Position is the full state of one open position. A position is created on
// first increase and destroyed when fully closed; actions own it exclusively
// while executing.
type Position struct {
	Owner           string
	MarketToken     string
	CollateralToken string
	IsLong          bool

	SizeInUsd        *uint256.Int
	SizeInTokens     *uint256.Int
	CollateralAmount *uint256.Int

	// Snapshot of the market's cumulative borrowing factor at last touch.
	BorrowingFactor *uint256.Int
	// Snapshot of the market's funding amount per size at last touch.
	FundingFeeAmountPerSize *fixed.Signed
	// Snapshots of claimable funding per size, by funding token side.
	LongTokenClaimableFundingAmountPerSize  *uint256.Int
	ShortTokenClaimableFundingAmountPerSize *uint256.Int

	IncreasedAt int64
	DecreasedAt int64
	TradeID     uint64
}

// New builds an empty position shell for an owner.
func New(owner, marketToken, collateralToken string, isLong bool) *Position {
	return &Position{
		Owner:           owner,
		MarketToken:     marketToken,
		CollateralToken: collateralToken,
		IsLong:          isLong,

		SizeInUsd:        new(uint256.Int),
		SizeInTokens:     new(uint256.Int),
		CollateralAmount: new(uint256.Int),

		BorrowingFactor:                         new(uint256.Int),
		FundingFeeAmountPerSize:                 fixed.SignedZero(),
		LongTokenClaimableFundingAmountPerSize:  new(uint256.Int),
		ShortTokenClaimableFundingAmountPerSize: new(uint256.Int),
	}
}

// Clone deep-copies the position.
func (p *Position) Clone() *Position {
	c := *p
	c.SizeInUsd = fixed.Clone(p.SizeInUsd)
	c.SizeInTokens = fixed.Clone(p.SizeInTokens)
	c.CollateralAmount = fixed.Clone(p.CollateralAmount)
	c.BorrowingFactor = fixed.Clone(p.BorrowingFactor)
	c.FundingFeeAmountPerSize = p.FundingFeeAmountPerSize.Clone()
	c.LongTokenClaimableFundingAmountPerSize = fixed.Clone(p.LongTokenClaimableFundingAmountPerSize)
	c.ShortTokenClaimableFundingAmountPerSize = fixed.Clone(p.ShortTokenClaimableFundingAmountPerSize)
	return &c
}

// IsEmpty reports whether the position carries no size and no collateral.
func (p *Position) IsEmpty() bool {
	return p.SizeInUsd.IsZero() && p.SizeInTokens.IsZero() && p.CollateralAmount.IsZero()
}

// Validate enforces the structural invariant: USD size and token size are
// zero together or non-zero together.
func (p *Position) Validate() error {
	if p.SizeInUsd.IsZero() != p.SizeInTokens.IsZero() {
		return errs.E(errs.KindPreconditionsNotMet,
			"position %s: size_in_usd %s and size_in_tokens %s must be zero together",
			p.Owner, p.SizeInUsd, p.SizeInTokens)
	}
	return nil
}

// IsCollateralLong resolves the position's collateral side on its market.
func (p *Position) IsCollateralLong(meta market.Meta) (bool, error) {
	return meta.IsCollateralTokenLong(p.CollateralToken)
}

// EntryPrice returns the size-weighted average entry price, in unit-price
// form. Zero-size positions have no entry price.
func (p *Position) EntryPrice() (*uint256.Int, error) {
	if p.SizeInTokens.IsZero() {
		return nil, errs.E(errs.KindDividedByZero, "entry price of empty position")
	}
	return new(uint256.Int).Div(p.SizeInUsd, p.SizeInTokens), nil
}

// Pnl returns the position's unrealized PnL in signed 20-decimal USD.
// maximize picks the index price most favorable to the position.
func (p *Position) Pnl(prices market.Prices, maximize bool) (*fixed.Signed, error) {
	pick := maximize
	if !p.IsLong {
		pick = !maximize
	}
	value, err := fixed.Mul(p.SizeInTokens, prices.Index.Pick(pick))
	if err != nil {
		return nil, err
	}
	current := fixed.NewSigned(value, false)
	entry := fixed.NewSigned(fixed.Clone(p.SizeInUsd), false)
	if p.IsLong {
		return current.Sub(entry)
	}
	return entry.Sub(current)
}

// CollateralValue prices the collateral at its minimum, in 20-decimal USD.
func (p *Position) CollateralValue(meta market.Meta, prices market.Prices) (*uint256.Int, error) {
	price, err := prices.CollateralPrice(meta, p.CollateralToken)
	if err != nil {
		return nil, err
	}
	return fixed.Mul(p.CollateralAmount, price.Pick(false))
}

// PendingBorrowingFeeUsd accrues the borrowing owed since the position's
// snapshot: size × (cumulative − snapshot), rounded up against the trader.
func (p *Position) PendingBorrowingFeeUsd(s market.State) (*uint256.Int, error) {
	current := market.CumulativeBorrowingFactor(s, p.IsLong)
	if current.Lt(p.BorrowingFactor) {
		return nil, errs.E(errs.KindPreconditionsNotMet,
			"cumulative borrowing factor went backwards for position %s", p.Owner)
	}
	diff := new(uint256.Int).Sub(current, p.BorrowingFactor)
	return fixed.MulDivCeil(p.SizeInUsd, diff, fixed.Unit)
}

// PendingFundingFeeUsd accrues the funding owed (positive) or earned
// (negative) since the snapshot: size × (per-size − snapshot). Amounts owed
// round up, amounts earned round down; the dust stays with the market.
func (p *Position) PendingFundingFeeUsd(s market.State) (*fixed.Signed, error) {
	kind := market.PoolFundingAmountPerSizeForLong
	if !p.IsLong {
		kind = market.PoolFundingAmountPerSizeForShort
	}
	currentAbs := s.Pool(kind).Amount(p.IsLong)
	current := fixed.NewSigned(currentAbs, false)

	diff, err := current.Sub(p.FundingFeeAmountPerSize)
	if err != nil {
		return nil, err
	}
	if diff.IsZero() {
		return fixed.SignedZero(), nil
	}
	var owed *uint256.Int
	if diff.IsNegative() {
		owed, err = fixed.MulDivFloor(p.SizeInUsd, diff.Abs(), fixed.Unit)
	} else {
		owed, err = fixed.MulDivCeil(p.SizeInUsd, diff.Abs(), fixed.Unit)
	}
	if err != nil {
		return nil, err
	}
	return fixed.NewSigned(owed, diff.IsNegative()), nil
}

// RemainingCollateralUsd is collateral value plus PnL minus pending costs,
// priced conservatively. This is the quantity the liquidation guards test.
func (p *Position) RemainingCollateralUsd(s market.State, prices market.Prices) (*fixed.Signed, error) {
	collateral, err := p.CollateralValue(s.Meta(), prices)
	if err != nil {
		return nil, err
	}
	remaining := fixed.NewSigned(collateral, false)

	pnl, err := p.Pnl(prices, false)
	if err != nil {
		return nil, err
	}
	remaining, err = remaining.Add(pnl)
	if err != nil {
		return nil, err
	}

	borrowing, err := p.PendingBorrowingFeeUsd(s)
	if err != nil {
		return nil, err
	}
	remaining, err = remaining.Sub(fixed.NewSigned(borrowing, false))
	if err != nil {
		return nil, err
	}

	funding, err := p.PendingFundingFeeUsd(s)
	if err != nil {
		return nil, err
	}
	return remaining.Sub(funding)
}

// IsLiquidatable reports whether the position fails either collateral
// floor: the absolute minimum value or the size-proportional minimum.
func (p *Position) IsLiquidatable(s market.State, prices market.Prices) (bool, error) {
	if p.SizeInUsd.IsZero() {
		return false, nil
	}
	remaining, err := p.RemainingCollateralUsd(s, prices)
	if err != nil {
		return false, err
	}
	if remaining.IsNegative() || remaining.IsZero() {
		return true, nil
	}
	abs := remaining.Abs()
	if abs.Lt(s.Config().MinCollateralValue) {
		return true, nil
	}
	floor, err := fixed.ApplyFactor(p.SizeInUsd, s.Config().MinCollateralFactor)
	if err != nil {
		return false, err
	}
	return abs.Lt(floor), nil
}

// ValidateNotLiquidatable is the residual-position check after a partial
// decrease or an increase.
func (p *Position) ValidateNotLiquidatable(s market.State, prices market.Prices) error {
	liq, err := p.IsLiquidatable(s, prices)
	if err != nil {
		return err
	}
	if liq {
		return errs.E(errs.KindLiquidatable, "position %s on %s is liquidatable", p.Owner, p.MarketToken)
	}
	return nil
}
