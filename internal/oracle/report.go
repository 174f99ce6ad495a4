// Package oracle ingests provider price reports, validates them against the
// token map, and aggregates them into the price bundle every action consumes.
package oracle

import (
	"math"

	"github.com/holiman/uint256"

	"PerpEngine/internal/errs"
	"PerpEngine/internal/fixed"
	"PerpEngine/internal/token"
)

// MarketStatus is the Chainlink Data Streams market flag.
type MarketStatus int32

const (
	MarketStatusUnknown MarketStatus = iota
	MarketStatusOpen
	MarketStatusClosed
)

// Report is a normalized per-(token, provider) price observation.
type Report struct {
	Provider token.ProviderKind
	Slot     uint64
	OracleTS int64
	Min      fixed.Decimal
	Max      fixed.Decimal
	// Ref is the provider's mid price when one is given; nil otherwise.
	Ref *fixed.Decimal
	// Open is false when the upstream market is closed; position actions
	// against a closed index price are rejected.
	Open bool
}

// PythReport is the decoded Pyth price account payload.
type PythReport struct {
	Price       int64
	Conf        uint64
	Exponent    int32
	PublishTime int64
	Slot        uint64
}

// Normalize converts a Pyth report into decimal form. Non-positive exponents
// become decimals directly; positive exponents scale the value up and store
// zero decimals, failing when the scaled value no longer fits u64.
func (r PythReport) Normalize() (Report, error) {
	if r.Price <= 0 {
		return Report{}, errs.E(errs.KindInvalidPrices, "pyth price %d not positive", r.Price)
	}
	price := uint64(r.Price)
	conf := r.Conf
	var decimals uint8
	switch {
	case r.Exponent <= 0:
		if -r.Exponent > int32(fixed.MaxDecimals) {
			return Report{}, errs.E(errs.KindInvalidPrices, "pyth exponent %d too small", r.Exponent)
		}
		decimals = uint8(-r.Exponent)
	default:
		if r.Exponent > 18 {
			return Report{}, errs.E(errs.KindOverflow, "pyth exponent %d too large", r.Exponent)
		}
		scale := uint64(1)
		for i := int32(0); i < r.Exponent; i++ {
			scale *= 10
		}
		if price > math.MaxUint64/scale {
			return Report{}, errs.E(errs.KindOverflow, "pyth price %d e%d overflows u64", r.Price, r.Exponent)
		}
		price *= scale
		if conf > math.MaxUint64/scale {
			return Report{}, errs.E(errs.KindOverflow, "pyth conf %d e%d overflows u64", r.Conf, r.Exponent)
		}
		conf *= scale
		decimals = 0
	}
	if conf > price {
		return Report{}, errs.E(errs.KindInvalidPrices, "pyth conf %d exceeds price %d", conf, price)
	}
	minDec, err := fixed.NewDecimal(uint256.NewInt(price-conf), decimals)
	if err != nil {
		return Report{}, err
	}
	maxDec, err := fixed.NewDecimal(uint256.NewInt(price+conf), decimals)
	if err != nil {
		return Report{}, err
	}
	ref, err := fixed.NewDecimal(uint256.NewInt(price), decimals)
	if err != nil {
		return Report{}, err
	}
	return Report{
		Provider: token.ProviderPyth,
		Slot:     r.Slot,
		OracleTS: r.PublishTime,
		Min:      minDec,
		Max:      maxDec,
		Ref:      &ref,
		Open:     true,
	}, nil
}

// ChainlinkReport is the decoded Data Streams payload. Raw prices may exceed
// u128 before divisor scaling.
type ChainlinkReport struct {
	Price            *uint256.Int
	Bid              *uint256.Int
	Ask              *uint256.Int
	ObservationsTS   uint32
	LastUpdateTSNano uint64
	MarketStatus     MarketStatus
	Decimals         uint8
}

// Normalize converts a Data Streams report. Requires bid <= price <= ask and
// a known market status. The staleness gap (observations_ts in nanoseconds
// minus last_update_ts) is clamped into u32; when it does not fit, the market
// is treated as closed.
func (r ChainlinkReport) Normalize() (Report, error) {
	if r.MarketStatus == MarketStatusUnknown {
		return Report{}, errs.E(errs.KindInvalidPrices, "chainlink market status unknown")
	}
	if r.Price.Lt(r.Bid) || r.Ask.Lt(r.Price) {
		return Report{}, errs.E(errs.KindInvalidPrices,
			"chainlink bid/price/ask inverted: %s/%s/%s", r.Bid.Dec(), r.Price.Dec(), r.Ask.Dec())
	}
	open := r.MarketStatus == MarketStatusOpen
	obsNanos := uint64(r.ObservationsTS) * uint64(1_000_000_000)
	if obsNanos >= r.LastUpdateTSNano {
		diff := obsNanos - r.LastUpdateTSNano
		if diff > math.MaxUint32 {
			open = false
		}
	}
	minDec, err := shrinkToDecimal(r.Bid, r.Decimals)
	if err != nil {
		return Report{}, err
	}
	maxDec, err := shrinkToDecimal(r.Ask, r.Decimals)
	if err != nil {
		return Report{}, err
	}
	ref, err := shrinkToDecimal(r.Price, r.Decimals)
	if err != nil {
		return Report{}, err
	}
	return Report{
		Provider: token.ProviderChainlinkDataStreams,
		OracleTS: int64(r.ObservationsTS),
		Min:      minDec,
		Max:      maxDec,
		Ref:      &ref,
		Open:     open,
	}, nil
}

// shrinkToDecimal converts a raw provider value into (u128, decimals-left)
// storage form, dropping the least significant digits when the raw value is
// wider than u128. The divisor may not consume more digits than the report
// carries.
func shrinkToDecimal(raw *uint256.Int, decimals uint8) (fixed.Decimal, error) {
	d := fixed.DivisorDecimals(raw)
	if d > decimals {
		return fixed.Decimal{}, errs.E(errs.KindInvalidPrices,
			"raw price %s needs divisor 10^%d but report has %d decimals", raw.Dec(), d, decimals)
	}
	v := fixed.Clone(raw)
	if d > 0 {
		v.Div(v, fixed.Pow10(d))
	}
	left := decimals - d
	if left > fixed.MaxDecimals {
		// More precision than storable; truncate further.
		extra := left - fixed.MaxDecimals
		v.Div(v, fixed.Pow10(extra))
		left = fixed.MaxDecimals
	}
	return fixed.NewDecimal(v, left)
}

// SwitchboardReport already carries a min/max decimal pair.
type SwitchboardReport struct {
	Min      fixed.Decimal
	Max      fixed.Decimal
	ResultTS int64
	Slot     uint64
}

// Normalize validates the pair ordering.
func (r SwitchboardReport) Normalize() (Report, error) {
	cmp, err := r.Min.Cmp(r.Max)
	if err != nil {
		return Report{}, err
	}
	if cmp > 0 {
		return Report{}, errs.E(errs.KindInvalidPrices, "switchboard min > max")
	}
	return Report{
		Provider: token.ProviderSwitchboard,
		Slot:     r.Slot,
		OracleTS: r.ResultTS,
		Min:      r.Min,
		Max:      r.Max,
		Open:     true,
	}, nil
}
