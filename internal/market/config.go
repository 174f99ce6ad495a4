package market

import (
	"github.com/holiman/uint256"

	"PerpEngine/internal/fixed"
)

// PnlFactorKind selects which PnL ceiling applies to a valuation.
type PnlFactorKind int32

const (
	PnlFactorForDeposit PnlFactorKind = iota
	PnlFactorForWithdrawal
	PnlFactorForTrader
	PnlFactorForAdl
)

func (k PnlFactorKind) String() string {
	switch k {
	case PnlFactorForDeposit:
		return "Deposit"
	case PnlFactorForWithdrawal:
		return "Withdrawal"
	case PnlFactorForTrader:
		return "Trader"
	case PnlFactorForAdl:
		return "Adl"
	default:
		return "Unknown"
	}
}

// Config is the dense per-market factor table. Factors are 20-decimal fixed
// values; amounts are raw token units; USD caps are 20-decimal USD.
type Config struct {
	// Swap impact and fees.
	SwapImpactExponent             *uint256.Int
	SwapImpactPositiveFactor       *uint256.Int
	SwapImpactNegativeFactor       *uint256.Int
	SwapFeeFactorForPositiveImpact *uint256.Int
	SwapFeeFactorForNegativeImpact *uint256.Int
	SwapFeeReceiverFactor          *uint256.Int

	// Position impact and fees.
	PositionImpactExponent             *uint256.Int
	PositionImpactPositiveFactor       *uint256.Int
	PositionImpactNegativeFactor       *uint256.Int
	PositionFeeFactorForPositiveImpact *uint256.Int
	PositionFeeFactorForNegativeImpact *uint256.Int
	PositionFeeReceiverFactor          *uint256.Int

	// Reserves and caps.
	ReserveFactor               *uint256.Int
	OpenInterestReserveFactor   *uint256.Int
	MaxPoolAmountForLongToken   *uint256.Int
	MaxPoolAmountForShortToken  *uint256.Int
	MaxPoolValueForDepositLong  *uint256.Int
	MaxPoolValueForDepositShort *uint256.Int
	MaxOpenInterestForLong      *uint256.Int
	MaxOpenInterestForShort     *uint256.Int

	// PnL factor ceilings, per side and operation kind.
	MaxPnlFactorForLongDeposit     *uint256.Int
	MaxPnlFactorForShortDeposit    *uint256.Int
	MaxPnlFactorForLongWithdrawal  *uint256.Int
	MaxPnlFactorForShortWithdrawal *uint256.Int
	MaxPnlFactorForLongTrader      *uint256.Int
	MaxPnlFactorForShortTrader     *uint256.Int
	MaxPnlFactorForLongAdl         *uint256.Int
	MaxPnlFactorForShortAdl        *uint256.Int

	// Borrowing curve.
	BorrowingFactorForLong    *uint256.Int
	BorrowingFactorForShort   *uint256.Int
	BorrowingExponentForLong  *uint256.Int
	BorrowingExponentForShort *uint256.Int

	// Funding curve.
	FundingFactor   *uint256.Int
	FundingExponent *uint256.Int

	// Position collateral floor.
	MinCollateralValue  *uint256.Int
	MinCollateralFactor *uint256.Int

	// Impact-pool drip, in impact-pool token units per second.
	PositionImpactDistributionRate *uint256.Int

	// First-deposit guard.
	MinTokensForFirstDeposit *uint256.Int
}

// factor builds an n/d 20-decimal factor.
func factor(n, d uint64) *uint256.Int {
	v := new(uint256.Int).Mul(uint256.NewInt(n), fixed.Unit)
	return v.Div(v, uint256.NewInt(d))
}

// DefaultConfig returns the deployment defaults used by tests: whole impact
// exponents, 0.1% swap fees, 50% reserve, generous caps.
func DefaultConfig() *Config {
	unlimited := fixed.Clone(fixed.MaxU128)
	return &Config{
		SwapImpactExponent:             factor(2, 1),
		SwapImpactPositiveFactor:       new(uint256.Int),
		SwapImpactNegativeFactor:       new(uint256.Int),
		SwapFeeFactorForPositiveImpact: factor(1, 1000),
		SwapFeeFactorForNegativeImpact: factor(1, 1000),
		SwapFeeReceiverFactor:          factor(37, 100),

		PositionImpactExponent:             factor(2, 1),
		PositionImpactPositiveFactor:       new(uint256.Int),
		PositionImpactNegativeFactor:       new(uint256.Int),
		PositionFeeFactorForPositiveImpact: factor(5, 10000),
		PositionFeeFactorForNegativeImpact: factor(5, 10000),
		PositionFeeReceiverFactor:          factor(37, 100),

		ReserveFactor:               factor(1, 2),
		OpenInterestReserveFactor:   factor(1, 2),
		MaxPoolAmountForLongToken:   fixed.Clone(unlimited),
		MaxPoolAmountForShortToken:  fixed.Clone(unlimited),
		MaxPoolValueForDepositLong:  fixed.Clone(unlimited),
		MaxPoolValueForDepositShort: fixed.Clone(unlimited),
		MaxOpenInterestForLong:      fixed.Clone(unlimited),
		MaxOpenInterestForShort:     fixed.Clone(unlimited),

		MaxPnlFactorForLongDeposit:     factor(6, 10),
		MaxPnlFactorForShortDeposit:    factor(6, 10),
		MaxPnlFactorForLongWithdrawal:  factor(3, 10),
		MaxPnlFactorForShortWithdrawal: factor(3, 10),
		MaxPnlFactorForLongTrader:      factor(5, 10),
		MaxPnlFactorForShortTrader:     factor(5, 10),
		MaxPnlFactorForLongAdl:         factor(1, 1),
		MaxPnlFactorForShortAdl:        factor(1, 1),

		BorrowingFactorForLong:    factor(28, 1_000_000_000),
		BorrowingFactorForShort:   factor(28, 1_000_000_000),
		BorrowingExponentForLong:  factor(1, 1),
		BorrowingExponentForShort: factor(1, 1),

		FundingFactor:   factor(2, 100_000_000),
		FundingExponent: factor(1, 1),

		MinCollateralValue:  new(uint256.Int).Mul(uint256.NewInt(10), fixed.Unit),
		MinCollateralFactor: factor(1, 100),

		PositionImpactDistributionRate: new(uint256.Int),

		MinTokensForFirstDeposit: new(uint256.Int),
	}
}

// MaxPnlFactor returns the ceiling for a side and operation kind.
func (c *Config) MaxPnlFactor(kind PnlFactorKind, isLong bool) *uint256.Int {
	switch kind {
	case PnlFactorForDeposit:
		if isLong {
			return c.MaxPnlFactorForLongDeposit
		}
		return c.MaxPnlFactorForShortDeposit
	case PnlFactorForWithdrawal:
		if isLong {
			return c.MaxPnlFactorForLongWithdrawal
		}
		return c.MaxPnlFactorForShortWithdrawal
	case PnlFactorForAdl:
		if isLong {
			return c.MaxPnlFactorForLongAdl
		}
		return c.MaxPnlFactorForShortAdl
	default:
		if isLong {
			return c.MaxPnlFactorForLongTrader
		}
		return c.MaxPnlFactorForShortTrader
	}
}

// MaxPoolAmount returns the token-amount cap for a side.
func (c *Config) MaxPoolAmount(isLong bool) *uint256.Int {
	if isLong {
		return c.MaxPoolAmountForLongToken
	}
	return c.MaxPoolAmountForShortToken
}

// MaxPoolValueForDeposit returns the USD cap for deposits into a side.
func (c *Config) MaxPoolValueForDeposit(isLong bool) *uint256.Int {
	if isLong {
		return c.MaxPoolValueForDepositLong
	}
	return c.MaxPoolValueForDepositShort
}

// MaxOpenInterest returns the open-interest USD cap for a side.
func (c *Config) MaxOpenInterest(isLong bool) *uint256.Int {
	if isLong {
		return c.MaxOpenInterestForLong
	}
	return c.MaxOpenInterestForShort
}

// BorrowingFactor returns the per-second borrowing base factor for a side.
func (c *Config) BorrowingFactor(isLong bool) *uint256.Int {
	if isLong {
		return c.BorrowingFactorForLong
	}
	return c.BorrowingFactorForShort
}

// BorrowingExponent returns the borrowing curve exponent for a side.
func (c *Config) BorrowingExponent(isLong bool) *uint256.Int {
	if isLong {
		return c.BorrowingExponentForLong
	}
	return c.BorrowingExponentForShort
}
