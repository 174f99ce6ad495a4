package oracle

import (
	"math"

	"github.com/holiman/uint256"

	"PerpEngine/internal/errs"
	"PerpEngine/internal/fixed"
	"PerpEngine/internal/token"
)

// ValidatorConfig bounds the timing checks of a validation run.
type ValidatorConfig struct {
	MaxAgeSeconds             int64
	MaxTimestampRangeSeconds  int64
	MaxFutureTimestampSeconds int64
}

// DefaultValidatorConfig mirrors the deployment defaults.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAgeSeconds:             30,
		MaxTimestampRangeSeconds:  30,
		MaxFutureTimestampSeconds: 5,
	}
}

// TokenReports groups the provider reports supplied for one token.
type TokenReports struct {
	Token   string
	Reports []Report
}

// Validator checks provider reports against the token map and aggregates
// them into a Bundle. A Validator is stateless across runs; within a run it
// accumulates the timestamp range and fails fast on the first rejection.
type Validator struct {
	tokens *token.Map
	cfg    ValidatorConfig
}

// NewValidator builds a validator over a token map.
func NewValidator(tokens *token.Map, cfg ValidatorConfig) *Validator {
	return &Validator{tokens: tokens, cfg: cfg}
}

// Validate runs the full per-token pipeline and returns the aggregated
// bundle. now is the engine clock in unix seconds.
func (v *Validator) Validate(now int64, requests []TokenReports) (*Bundle, error) {
	if len(requests) == 0 {
		return nil, errs.E(errs.KindInvalidArgument, "no tokens requested")
	}

	bundle := &Bundle{
		prices:        make(map[string]TokenPrice, len(requests)),
		MinOracleTS:   math.MaxInt64,
		MaxOracleTS:   math.MinInt64,
		MinOracleSlot: math.MaxUint64,
	}

	for _, req := range requests {
		cfg, err := v.tokens.GetEnabled(req.Token)
		if err != nil {
			return nil, err
		}
		if len(req.Reports) == 0 {
			return nil, errs.E(errs.KindInvalidPrices, "no reports for token %s", req.Token)
		}

		var chosen *Report
		for i := range req.Reports {
			rep := &req.Reports[i]
			if err := v.validateReport(now, req.Token, cfg, rep); err != nil {
				return nil, err
			}
			if chosen == nil {
				chosen = rep
			}
			if rep.OracleTS < bundle.MinOracleTS {
				bundle.MinOracleTS = rep.OracleTS
			}
			if rep.OracleTS > bundle.MaxOracleTS {
				bundle.MaxOracleTS = rep.OracleTS
			}
			if rep.Slot < bundle.MinOracleSlot {
				bundle.MinOracleSlot = rep.Slot
			}
		}

		price, err := unitPrice(chosen, cfg)
		if err != nil {
			return nil, err
		}
		bundle.prices[req.Token] = TokenPrice{Price: price, Open: chosen.Open}
	}

	if bundle.MaxOracleTS-bundle.MinOracleTS > v.cfg.MaxTimestampRangeSeconds {
		return nil, errs.E(errs.KindMaxPriceTimestampExceeded,
			"oracle timestamp range %d exceeds %d",
			bundle.MaxOracleTS-bundle.MinOracleTS, v.cfg.MaxTimestampRangeSeconds)
	}
	return bundle, nil
}

// validateReport applies the ordered per-report checks: provider match,
// timestamp adjustment, age, future bound, pair ordering, deviation.
func (v *Validator) validateReport(now int64, tok string, cfg *token.Config, rep *Report) error {
	if rep.Provider != cfg.ExpectedProvider {
		return errs.E(errs.KindInvalidPrices,
			"token %s: provider %s, expected %s", tok, rep.Provider, cfg.ExpectedProvider)
	}
	feed, ok := cfg.Feed(rep.Provider)
	if !ok {
		return errs.E(errs.KindInvalidPrices, "token %s: no feed for %s", tok, rep.Provider)
	}

	adjusted := rep.OracleTS - feed.TimestampAdjustment
	if adjusted+v.cfg.MaxAgeSeconds < now {
		return errs.E(errs.KindMaxPriceAgeExceeded,
			"token %s: report ts %d (adjusted %d) older than %ds",
			tok, rep.OracleTS, adjusted, v.cfg.MaxAgeSeconds)
	}
	if rep.OracleTS > now+v.cfg.MaxFutureTimestampSeconds {
		return errs.E(errs.KindMaxPriceTimestampExceeded,
			"token %s: report ts %d ahead of now %d by more than %ds",
			tok, rep.OracleTS, now, v.cfg.MaxFutureTimestampSeconds)
	}

	cmp, err := rep.Min.Cmp(rep.Max)
	if err != nil {
		return err
	}
	if cmp > 0 {
		return errs.E(errs.KindInvalidPrices, "token %s: min above max", tok)
	}
	if rep.Ref != nil {
		if c, err := rep.Min.Cmp(*rep.Ref); err != nil || c > 0 {
			if err != nil {
				return err
			}
			return errs.E(errs.KindInvalidPrices, "token %s: mid below min", tok)
		}
		if c, err := rep.Ref.Cmp(rep.Max); err != nil || c > 0 {
			if err != nil {
				return err
			}
			return errs.E(errs.KindInvalidPrices, "token %s: mid above max", tok)
		}
	}

	if feed.MaxDeviationFactor != nil {
		if err := checkDeviation(tok, cfg, rep, feed.MaxDeviationFactor); err != nil {
			return err
		}
	}
	return nil
}

// checkDeviation requires both halves of the spread to stay within
// mid * factor of the mid unit price.
func checkDeviation(tok string, cfg *token.Config, rep *Report, factor *uint256.Int) error {
	minUnit, err := rep.Min.UnitValue(cfg.TokenDecimals)
	if err != nil {
		return err
	}
	maxUnit, err := rep.Max.UnitValue(cfg.TokenDecimals)
	if err != nil {
		return err
	}
	mid := new(uint256.Int).Add(minUnit, maxUnit)
	mid.Div(mid, uint256.NewInt(2))
	if mid.IsZero() {
		return errs.E(errs.KindInvalidPrices, "token %s: zero mid price", tok)
	}
	allowed, err := fixed.ApplyFactor(mid, factor)
	if err != nil {
		return err
	}
	hi := new(uint256.Int).Sub(maxUnit, mid)
	lo := new(uint256.Int).Sub(mid, minUnit)
	if hi.Gt(allowed) || lo.Gt(allowed) {
		return errs.E(errs.KindPriceDeviationExceeded,
			"token %s: spread exceeds deviation factor", tok)
	}
	return nil
}

// unitPrice converts a report's min/max decimals into storage precision and
// expands them to unit form. The mid must survive the precision conversion,
// otherwise the report is not representable for this token.
func unitPrice(rep *Report, cfg *token.Config) (fixed.Price, error) {
	minStored, err := toStoragePrecision(rep.Min, cfg.Precision)
	if err != nil {
		return fixed.Price{}, err
	}
	maxStored, err := toStoragePrecision(rep.Max, cfg.Precision)
	if err != nil {
		return fixed.Price{}, err
	}
	if minStored.IsZero() {
		return fixed.Price{}, errs.E(errs.KindInvalidPrices,
			"price not representable at precision %d", cfg.Precision)
	}
	minUnit, err := minStored.UnitValue(cfg.TokenDecimals)
	if err != nil {
		return fixed.Price{}, err
	}
	maxUnit, err := maxStored.UnitValue(cfg.TokenDecimals)
	if err != nil {
		return fixed.Price{}, err
	}
	return fixed.NewPrice(minUnit, maxUnit)
}

// toStoragePrecision rescales a decimal to the token's configured precision.
func toStoragePrecision(d fixed.Decimal, precision uint8) (fixed.Decimal, error) {
	if d.Decimals == precision {
		return d, nil
	}
	if d.Decimals > precision {
		v := fixed.Clone(d.Value)
		v.Div(v, fixed.Pow10(d.Decimals-precision))
		return fixed.NewDecimal(v, precision)
	}
	v, err := fixed.Mul(d.Value, fixed.Pow10(precision-d.Decimals))
	if err != nil {
		return fixed.Decimal{}, errs.Wrap(errs.KindConvert, err)
	}
	return fixed.NewDecimal(v, precision)
}
