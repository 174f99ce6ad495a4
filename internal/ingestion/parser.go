package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"PerpEngine/internal/action"
	"PerpEngine/internal/controller"
	"PerpEngine/internal/fixed"
	"PerpEngine/internal/oracle"
)

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Token amounts and
// prices travel as decimal strings; int64 would truncate u128 quantities.

type actionRequestJSON struct {
	ActionID    string `json:"action_id"`
	Kind        string `json:"kind"`
	Owner       string `json:"owner"`
	MarketToken string `json:"market_token"`
	Sequence    uint64 `json:"sequence"`
	CreatedAt   int64  `json:"created_at"`

	Deposit    *depositJSON    `json:"deposit,omitempty"`
	Withdrawal *withdrawalJSON `json:"withdrawal,omitempty"`
	Swap       *swapJSON       `json:"swap,omitempty"`
	Increase   *increaseJSON   `json:"increase,omitempty"`
	Decrease   *decreaseJSON   `json:"decrease,omitempty"`
}

type depositJSON struct {
	InitialLongAmount    string        `json:"initial_long_amount,omitempty"`
	InitialShortAmount   string        `json:"initial_short_amount,omitempty"`
	MinMarketTokenAmount string        `json:"min_market_token_amount,omitempty"`
	LongTokenSwapPath    []pathHopJSON `json:"long_token_swap_path,omitempty"`
	ShortTokenSwapPath   []pathHopJSON `json:"short_token_swap_path,omitempty"`
}

type withdrawalJSON struct {
	MarketTokenAmount  string        `json:"market_token_amount"`
	MinLongAmount      string        `json:"min_long_amount,omitempty"`
	MinShortAmount     string        `json:"min_short_amount,omitempty"`
	LongTokenSwapPath  []pathHopJSON `json:"long_token_swap_path,omitempty"`
	ShortTokenSwapPath []pathHopJSON `json:"short_token_swap_path,omitempty"`
}

type swapJSON struct {
	AmountIn     string        `json:"amount_in"`
	MinAmountOut string        `json:"min_amount_out,omitempty"`
	Path         []pathHopJSON `json:"path"`
}

type pathHopJSON struct {
	MarketToken string `json:"market_token"`
	TokenIn     string `json:"token_in"`
}

type increaseJSON struct {
	CollateralToken       string `json:"collateral_token"`
	IsLong                bool   `json:"is_long"`
	CollateralDeltaAmount string `json:"collateral_delta_amount,omitempty"`
	SizeDeltaUsd          string `json:"size_delta_usd,omitempty"`
	AcceptablePrice       string `json:"acceptable_price,omitempty"`
}

type decreaseJSON struct {
	CollateralToken string        `json:"collateral_token"`
	IsLong          bool          `json:"is_long"`
	SizeDeltaUsd    string        `json:"size_delta_usd,omitempty"`
	AcceptablePrice string        `json:"acceptable_price,omitempty"`
	SwapPath        []pathHopJSON `json:"swap_path,omitempty"`
}

// ParseActionRequest converts a raw action message into a typed request. The
// returned request still goes through controller validation; parsing only
// rejects malformed JSON, bad UUIDs, and unparseable amounts.
func ParseActionRequest(data []byte) (*controller.ActionRequest, error) {
	var j actionRequestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse action request: %w", err)
	}

	id, err := uuid.Parse(j.ActionID)
	if err != nil {
		return nil, fmt.Errorf("parse action_id: %w", err)
	}

	req := &controller.ActionRequest{
		ID:          id,
		Kind:        controller.ActionKind(j.Kind),
		Owner:       j.Owner,
		MarketToken: j.MarketToken,
		Sequence:    j.Sequence,
		CreatedAt:   j.CreatedAt,
	}

	if j.Deposit != nil {
		req.Deposit = &controller.DepositRequest{
			LongTokenSwapPath:  parsePath(j.Deposit.LongTokenSwapPath),
			ShortTokenSwapPath: parsePath(j.Deposit.ShortTokenSwapPath),
		}
		if req.Deposit.InitialLongAmount, err = parseAmount("initial_long_amount", j.Deposit.InitialLongAmount); err != nil {
			return nil, err
		}
		if req.Deposit.InitialShortAmount, err = parseAmount("initial_short_amount", j.Deposit.InitialShortAmount); err != nil {
			return nil, err
		}
		if req.Deposit.MinMarketTokenAmount, err = parseAmount("min_market_token_amount", j.Deposit.MinMarketTokenAmount); err != nil {
			return nil, err
		}
	}
	if j.Withdrawal != nil {
		req.Withdrawal = &controller.WithdrawalRequest{
			LongTokenSwapPath:  parsePath(j.Withdrawal.LongTokenSwapPath),
			ShortTokenSwapPath: parsePath(j.Withdrawal.ShortTokenSwapPath),
		}
		if req.Withdrawal.MarketTokenAmount, err = parseAmount("market_token_amount", j.Withdrawal.MarketTokenAmount); err != nil {
			return nil, err
		}
		if req.Withdrawal.MinLongAmount, err = parseAmount("min_long_amount", j.Withdrawal.MinLongAmount); err != nil {
			return nil, err
		}
		if req.Withdrawal.MinShortAmount, err = parseAmount("min_short_amount", j.Withdrawal.MinShortAmount); err != nil {
			return nil, err
		}
	}
	if j.Swap != nil {
		req.Swap = &controller.SwapRequest{Path: parsePath(j.Swap.Path)}
		if req.Swap.AmountIn, err = parseAmount("amount_in", j.Swap.AmountIn); err != nil {
			return nil, err
		}
		if req.Swap.MinAmountOut, err = parseAmount("min_amount_out", j.Swap.MinAmountOut); err != nil {
			return nil, err
		}
	}
	if j.Increase != nil {
		req.Increase = &controller.IncreaseRequest{
			CollateralToken: j.Increase.CollateralToken,
			IsLong:          j.Increase.IsLong,
		}
		if req.Increase.CollateralDeltaAmount, err = parseAmount("collateral_delta_amount", j.Increase.CollateralDeltaAmount); err != nil {
			return nil, err
		}
		if req.Increase.SizeDeltaUsd, err = parseAmount("size_delta_usd", j.Increase.SizeDeltaUsd); err != nil {
			return nil, err
		}
		if req.Increase.AcceptablePrice, err = parseAmount("acceptable_price", j.Increase.AcceptablePrice); err != nil {
			return nil, err
		}
	}
	if j.Decrease != nil {
		req.Decrease = &controller.DecreaseRequest{
			CollateralToken: j.Decrease.CollateralToken,
			IsLong:          j.Decrease.IsLong,
			SwapPath:        parsePath(j.Decrease.SwapPath),
		}
		if req.Decrease.SizeDeltaUsd, err = parseAmount("size_delta_usd", j.Decrease.SizeDeltaUsd); err != nil {
			return nil, err
		}
		if req.Decrease.AcceptablePrice, err = parseAmount("acceptable_price", j.Decrease.AcceptablePrice); err != nil {
			return nil, err
		}
	}

	return req, nil
}

func parsePath(hops []pathHopJSON) []action.PathHop {
	if len(hops) == 0 {
		return nil
	}
	out := make([]action.PathHop, 0, len(hops))
	for _, hop := range hops {
		out = append(out, action.PathHop{MarketToken: hop.MarketToken, TokenIn: hop.TokenIn})
	}
	return out
}

// parseAmount converts a decimal-string amount. Absent fields stay nil; the
// controller treats nil minimums as zero.
func parseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s %q: %w", field, s, err)
	}
	return v, nil
}

// --- Oracle report wire formats ---

type oracleReportSetJSON struct {
	Tokens []tokenReportsJSON `json:"tokens"`
}

type tokenReportsJSON struct {
	Token   string       `json:"token"`
	Reports []reportJSON `json:"reports"`
}

// reportJSON is the union of provider payloads, discriminated by provider.
type reportJSON struct {
	Provider string `json:"provider"`

	// pyth
	Price       int64  `json:"price,omitempty"`
	Conf        uint64 `json:"conf,omitempty"`
	Exponent    int32  `json:"exponent,omitempty"`
	PublishTime int64  `json:"publish_time,omitempty"`
	Slot        uint64 `json:"slot,omitempty"`

	// chainlink
	RawPrice         string `json:"raw_price,omitempty"`
	Bid              string `json:"bid,omitempty"`
	Ask              string `json:"ask,omitempty"`
	ObservationsTS   uint32 `json:"observations_ts,omitempty"`
	LastUpdateTSNano uint64 `json:"last_update_ts_nano,omitempty"`
	MarketStatus     string `json:"market_status,omitempty"`
	Decimals         uint8  `json:"decimals,omitempty"`

	// switchboard
	MinValue    string `json:"min_value,omitempty"`
	MinDecimals uint8  `json:"min_decimals,omitempty"`
	MaxValue    string `json:"max_value,omitempty"`
	MaxDecimals uint8  `json:"max_decimals,omitempty"`
	ResultTS    int64  `json:"result_ts,omitempty"`
}

// ParseOracleReports converts a raw oracle message into per-token report
// groups, normalizing each provider payload. Validation against the token
// map happens later in the oracle validator.
func ParseOracleReports(data []byte) ([]oracle.TokenReports, error) {
	var j oracleReportSetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse oracle reports: %w", err)
	}
	if len(j.Tokens) == 0 {
		return nil, fmt.Errorf("oracle message carries no tokens")
	}

	out := make([]oracle.TokenReports, 0, len(j.Tokens))
	for _, tr := range j.Tokens {
		group := oracle.TokenReports{Token: tr.Token}
		for i, rj := range tr.Reports {
			rep, err := normalizeReport(rj)
			if err != nil {
				return nil, fmt.Errorf("token %s report %d: %w", tr.Token, i, err)
			}
			group.Reports = append(group.Reports, rep)
		}
		out = append(out, group)
	}
	return out, nil
}

func normalizeReport(j reportJSON) (oracle.Report, error) {
	switch j.Provider {
	case "pyth":
		return oracle.PythReport{
			Price:       j.Price,
			Conf:        j.Conf,
			Exponent:    j.Exponent,
			PublishTime: j.PublishTime,
			Slot:        j.Slot,
		}.Normalize()

	case "chainlink":
		price, err := parseRequired("raw_price", j.RawPrice)
		if err != nil {
			return oracle.Report{}, err
		}
		bid, err := parseRequired("bid", j.Bid)
		if err != nil {
			return oracle.Report{}, err
		}
		ask, err := parseRequired("ask", j.Ask)
		if err != nil {
			return oracle.Report{}, err
		}
		status := oracle.MarketStatusUnknown
		switch j.MarketStatus {
		case "open":
			status = oracle.MarketStatusOpen
		case "closed":
			status = oracle.MarketStatusClosed
		}
		return oracle.ChainlinkReport{
			Price:            price,
			Bid:              bid,
			Ask:              ask,
			ObservationsTS:   j.ObservationsTS,
			LastUpdateTSNano: j.LastUpdateTSNano,
			MarketStatus:     status,
			Decimals:         j.Decimals,
		}.Normalize()

	case "switchboard":
		minValue, err := parseRequired("min_value", j.MinValue)
		if err != nil {
			return oracle.Report{}, err
		}
		maxValue, err := parseRequired("max_value", j.MaxValue)
		if err != nil {
			return oracle.Report{}, err
		}
		minDec, err := fixed.NewDecimal(minValue, j.MinDecimals)
		if err != nil {
			return oracle.Report{}, err
		}
		maxDec, err := fixed.NewDecimal(maxValue, j.MaxDecimals)
		if err != nil {
			return oracle.Report{}, err
		}
		return oracle.SwitchboardReport{
			Min:      minDec,
			Max:      maxDec,
			ResultTS: j.ResultTS,
			Slot:     j.Slot,
		}.Normalize()

	default:
		return oracle.Report{}, fmt.Errorf("unknown provider %q", j.Provider)
	}
}

func parseRequired(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s %q: %w", field, s, err)
	}
	return v, nil
}
