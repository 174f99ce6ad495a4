package market

import (
	"PerpEngine/internal/errs"
	"PerpEngine/internal/fixed"
	"PerpEngine/internal/oracle"
)

// Prices bundles the three unit prices an action needs for one market.
type Prices struct {
	Index fixed.Price
	Long  fixed.Price
	Short fixed.Price
}

// PricesFromBundle resolves a market's tokens against a validated bundle.
// Closed markets are not tradable, so TradablePrice is used throughout.
func PricesFromBundle(bundle *oracle.Bundle, meta Meta) (Prices, error) {
	index, err := bundle.TradablePrice(meta.IndexToken)
	if err != nil {
		return Prices{}, err
	}
	long, err := bundle.TradablePrice(meta.LongToken)
	if err != nil {
		return Prices{}, err
	}
	short := long
	if !meta.IsPure() {
		short, err = bundle.TradablePrice(meta.ShortToken)
		if err != nil {
			return Prices{}, err
		}
	}
	return Prices{Index: index, Long: long, Short: short}, nil
}

// SidePrice returns the collateral price for a side.
func (p Prices) SidePrice(isLong bool) fixed.Price {
	if isLong {
		return p.Long
	}
	return p.Short
}

// CollateralPrice returns the price of a named collateral token.
func (p Prices) CollateralPrice(meta Meta, tok string) (fixed.Price, error) {
	isLong, err := meta.IsCollateralTokenLong(tok)
	if err != nil {
		return fixed.Price{}, errs.Wrap(errs.KindInvalidArgument, err)
	}
	return p.SidePrice(isLong), nil
}
