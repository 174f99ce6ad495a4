package action

import (
	"github.com/holiman/uint256"

	"PerpEngine/internal/fixed"
	"PerpEngine/internal/market"
)

// SwapFees is the split of a swap or deposit/withdrawal fee, in token-in
// units.
type SwapFees struct {
	FeeAmount         *uint256.Int
	FeeReceiverAmount *uint256.Int
	FeeAmountForPool  *uint256.Int
	AmountAfterFees   *uint256.Int
}

// computeSwapFees charges the impact-sign-dependent fee factor on the
// incoming amount and splits it between the fee receiver and the pool.
func computeSwapFees(cfg *market.Config, amount *uint256.Int, forPositiveImpact bool) (SwapFees, error) {
	factor := cfg.SwapFeeFactorForNegativeImpact
	if forPositiveImpact {
		factor = cfg.SwapFeeFactorForPositiveImpact
	}
	fee, err := fixed.ApplyFactor(amount, factor)
	if err != nil {
		return SwapFees{}, err
	}
	receiver, err := fixed.ApplyFactor(fee, cfg.SwapFeeReceiverFactor)
	if err != nil {
		return SwapFees{}, err
	}
	forPool, err := fixed.Sub(fee, receiver)
	if err != nil {
		return SwapFees{}, err
	}
	after, err := fixed.Sub(amount, fee)
	if err != nil {
		return SwapFees{}, err
	}
	return SwapFees{
		FeeAmount:         fee,
		FeeReceiverAmount: receiver,
		FeeAmountForPool:  forPool,
		AmountAfterFees:   after,
	}, nil
}

// PositionFees is the cost breakdown of a position increase or decrease,
// in 20-decimal USD plus the settled snapshot components.
type PositionFees struct {
	PositionFeeUsd  *uint256.Int
	FeeReceiverUsd  *uint256.Int
	FeeForPoolUsd   *uint256.Int
	BorrowingFeeUsd *uint256.Int
	FundingFeeUsd   *fixed.Signed
	TotalCostUsd    *fixed.Signed
}

// computePositionFees charges the position fee on size delta and folds in
// accrued borrowing and funding. TotalCostUsd is what the collateral must
// cover; funding earned reduces it.
func computePositionFees(cfg *market.Config, sizeDeltaUsd *uint256.Int, forPositiveImpact bool, borrowingUsd *uint256.Int, fundingUsd *fixed.Signed) (PositionFees, error) {
	factor := cfg.PositionFeeFactorForNegativeImpact
	if forPositiveImpact {
		factor = cfg.PositionFeeFactorForPositiveImpact
	}
	fee, err := fixed.ApplyFactor(sizeDeltaUsd, factor)
	if err != nil {
		return PositionFees{}, err
	}
	receiver, err := fixed.ApplyFactor(fee, cfg.PositionFeeReceiverFactor)
	if err != nil {
		return PositionFees{}, err
	}
	forPool, err := fixed.Sub(fee, receiver)
	if err != nil {
		return PositionFees{}, err
	}
	total := fixed.NewSigned(fee, false)
	total, err = total.Add(fixed.NewSigned(borrowingUsd, false))
	if err != nil {
		return PositionFees{}, err
	}
	total, err = total.Add(fundingUsd)
	if err != nil {
		return PositionFees{}, err
	}
	return PositionFees{
		PositionFeeUsd:  fee,
		FeeReceiverUsd:  receiver,
		FeeForPoolUsd:   forPool,
		BorrowingFeeUsd: borrowingUsd,
		FundingFeeUsd:   fundingUsd,
		TotalCostUsd:    total,
	}, nil
}
