package controller

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"PerpEngine/internal/action"
	"PerpEngine/internal/errs"
)

// DepositRequest adds collateral to a market pool in exchange for market
// tokens.
type DepositRequest struct {
	InitialLongAmount    *uint256.Int
	InitialShortAmount   *uint256.Int
	MinMarketTokenAmount *uint256.Int
	// LongTokenSwapPath converts the long-side funding tokens into the
	// market's long token before the deposit executes; the first hop's
	// TokenIn names the funding token. ShortTokenSwapPath analogously.
	// Empty paths deposit the market's own collateral tokens.
	LongTokenSwapPath  []action.PathHop
	ShortTokenSwapPath []action.PathHop
}

// WithdrawalRequest burns market tokens for a proportional share of both
// collateral pools.
type WithdrawalRequest struct {
	MarketTokenAmount *uint256.Int
	MinLongAmount     *uint256.Int
	MinShortAmount    *uint256.Int
	// LongTokenSwapPath routes the long-side output through a swap before
	// paying the owner; MinLongAmount then bounds the path's final output.
	// ShortTokenSwapPath analogously.
	LongTokenSwapPath  []action.PathHop
	ShortTokenSwapPath []action.PathHop
}

// SwapRequest routes an input amount through a market path. The path's first
// hop fixes the input token.
type SwapRequest struct {
	AmountIn     *uint256.Int
	MinAmountOut *uint256.Int
	Path         []action.PathHop
}

// IncreaseRequest opens or grows a position.
type IncreaseRequest struct {
	CollateralToken       string
	IsLong                bool
	CollateralDeltaAmount *uint256.Int
	SizeDeltaUsd          *uint256.Int
	AcceptablePrice       *uint256.Int
}

// DecreaseRequest shrinks or closes a position. Liquidation and ADL requests
// reuse it: the owner on the envelope names the targeted position, and
// liquidations ignore SizeDeltaUsd.
type DecreaseRequest struct {
	CollateralToken string
	IsLong          bool
	SizeDeltaUsd    *uint256.Int
	AcceptablePrice *uint256.Int
	// SwapPath converts the payout from the collateral token into a final
	// output token; the path must start at CollateralToken.
	SwapPath []action.PathHop
}

// ActionRequest is one executable request. Exactly one payload field is set,
// matching Kind.
type ActionRequest struct {
	ID          uuid.UUID
	Kind        ActionKind
	Owner       string
	MarketToken string
	// Sequence orders requests within the market partition.
	Sequence  uint64
	CreatedAt int64

	Deposit    *DepositRequest
	Withdrawal *WithdrawalRequest
	Swap       *SwapRequest
	Increase   *IncreaseRequest
	Decrease   *DecreaseRequest
}

// Validate checks the envelope and that the payload matches the kind.
func (r *ActionRequest) Validate() error {
	if r.ID == uuid.Nil {
		return errs.E(errs.KindInvalidArgument, "request has no id")
	}
	if !r.Kind.Valid() {
		return errs.E(errs.KindInvalidArgument, "unknown action kind %q", r.Kind)
	}
	if r.Owner == "" {
		return errs.E(errs.KindInvalidArgument, "request %s has no owner", r.ID)
	}
	if r.MarketToken == "" {
		return errs.E(errs.KindInvalidArgument, "request %s has no market", r.ID)
	}
	var ok bool
	switch r.Kind {
	case ActionDeposit:
		ok = r.Deposit != nil
	case ActionWithdrawal:
		ok = r.Withdrawal != nil
	case ActionSwap:
		ok = r.Swap != nil && len(r.Swap.Path) > 0
	case ActionIncrease:
		ok = r.Increase != nil
	case ActionDecrease, ActionLiquidation, ActionAutoDeleverage:
		ok = r.Decrease != nil
	}
	if !ok {
		return errs.E(errs.KindInvalidArgument, "request %s: %s payload missing", r.ID, r.Kind)
	}
	return nil
}

// ActionOutput is the terminal result of one request: the final record, the
// engine sequence it committed at, the state hash after it, and the typed
// execution report on success.
type ActionOutput struct {
	Record    ActionRecord
	Sequence  uint64
	StateHash []byte
	// Report is nil for cancelled actions. On success it holds the
	// kind-specific report: *action.DepositReport, *action.WithdrawalReport,
	// []*action.SwapReport, *action.IncreaseReport, or *action.DecreaseReport.
	Report interface{}
}
