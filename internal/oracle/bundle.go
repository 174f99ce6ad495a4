package oracle

import (
	"PerpEngine/internal/errs"
	"PerpEngine/internal/fixed"
)

// TokenPrice is one validated, aggregated entry in a bundle.
type TokenPrice struct {
	Price fixed.Price
	Open  bool
}

// Bundle is the validated output of one oracle run: per-token unit prices
// plus the observed timestamp and slot range. Bundles are immutable once
// built; an action holds exactly one for its whole execution.
type Bundle struct {
	prices map[string]TokenPrice

	MinOracleTS   int64
	MaxOracleTS   int64
	MinOracleSlot uint64
}

// NewBundle assembles a bundle from already validated prices. The validator
// is the normal producer; this constructor serves replay and tests.
func NewBundle(prices map[string]TokenPrice, minTS, maxTS int64, minSlot uint64) *Bundle {
	cp := make(map[string]TokenPrice, len(prices))
	for tok, p := range prices {
		cp[tok] = p
	}
	return &Bundle{prices: cp, MinOracleTS: minTS, MaxOracleTS: maxTS, MinOracleSlot: minSlot}
}

// Price returns the unit price for a token, open or not.
func (b *Bundle) Price(tok string) (fixed.Price, error) {
	p, ok := b.prices[tok]
	if !ok {
		return fixed.Price{}, errs.E(errs.KindInvalidPrices, "no price for token %s", tok)
	}
	return p.Price, nil
}

// TradablePrice returns the unit price and requires the upstream market to
// be open; position actions use this lookup.
func (b *Bundle) TradablePrice(tok string) (fixed.Price, error) {
	p, ok := b.prices[tok]
	if !ok {
		return fixed.Price{}, errs.E(errs.KindInvalidPrices, "no price for token %s", tok)
	}
	if !p.Open {
		return fixed.Price{}, errs.E(errs.KindInvalidPrices, "market closed for token %s", tok)
	}
	return p.Price, nil
}

// Has reports whether the bundle prices a token.
func (b *Bundle) Has(tok string) bool {
	_, ok := b.prices[tok]
	return ok
}

// Tokens returns the number of priced tokens.
func (b *Bundle) Tokens() int { return len(b.prices) }
