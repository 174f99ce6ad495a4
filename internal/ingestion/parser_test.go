package ingestion_test

import (
	"testing"

	"github.com/holiman/uint256"

	"PerpEngine/internal/controller"
	"PerpEngine/internal/ingestion"
	"PerpEngine/internal/token"
)

// ============================================================================
// Action requests
// ============================================================================

func TestParseActionRequest_Deposit(t *testing.T) {
	data := []byte(`{
		"action_id": "c9b1a0e2-0f6e-4a6e-9b0a-1c2d3e4f5a6b",
		"kind": "deposit",
		"owner": "alice",
		"market_token": "GM-FBTC-USDG",
		"sequence": 12,
		"created_at": 1700000000,
		"deposit": {
			"initial_long_amount": "1000000000",
			"min_market_token_amount": "1"
		}
	}`)

	req, err := ingestion.ParseActionRequest(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if req.Kind != controller.ActionDeposit || req.Owner != "alice" || req.Sequence != 12 {
		t.Errorf("envelope = %s/%s/%d", req.Kind, req.Owner, req.Sequence)
	}
	if !req.Deposit.InitialLongAmount.Eq(uint256.NewInt(1_000_000_000)) {
		t.Errorf("long amount = %s", req.Deposit.InitialLongAmount)
	}
	if req.Deposit.InitialShortAmount != nil {
		t.Error("absent short amount should stay nil")
	}
}

func TestParseActionRequest_SwapPath(t *testing.T) {
	data := []byte(`{
		"action_id": "c9b1a0e2-0f6e-4a6e-9b0a-1c2d3e4f5a6b",
		"kind": "swap",
		"owner": "bob",
		"market_token": "GM-FBTC-USDG",
		"sequence": 3,
		"created_at": 1700000000,
		"swap": {
			"amount_in": "5000000000",
			"min_amount_out": "590000000000",
			"path": [
				{"market_token": "GM-FBTC-USDG", "token_in": "fBTC"},
				{"market_token": "GM-USDG-USDC", "token_in": "USDG"}
			]
		}
	}`)

	req, err := ingestion.ParseActionRequest(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(req.Swap.Path) != 2 || req.Swap.Path[1].TokenIn != "USDG" {
		t.Errorf("path = %+v", req.Swap.Path)
	}
}

func TestParseActionRequest_DepositFundingPath(t *testing.T) {
	data := []byte(`{
		"action_id": "c9b1a0e2-0f6e-4a6e-9b0a-1c2d3e4f5a6b",
		"kind": "deposit",
		"owner": "alice",
		"market_token": "GM-FBTC-USDG",
		"sequence": 4,
		"created_at": 1700000000,
		"deposit": {
			"initial_long_amount": "120000000000",
			"long_token_swap_path": [
				{"market_token": "GM-FBTC-USDC", "token_in": "USDC"}
			]
		}
	}`)

	req, err := ingestion.ParseActionRequest(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	path := req.Deposit.LongTokenSwapPath
	if len(path) != 1 || path[0].MarketToken != "GM-FBTC-USDC" || path[0].TokenIn != "USDC" {
		t.Errorf("long path = %+v", path)
	}
	if req.Deposit.ShortTokenSwapPath != nil {
		t.Error("absent short path should stay nil")
	}
}

func TestParseActionRequest_DecreaseOutputPath(t *testing.T) {
	data := []byte(`{
		"action_id": "c9b1a0e2-0f6e-4a6e-9b0a-1c2d3e4f5a6b",
		"kind": "decrease",
		"owner": "alice",
		"market_token": "GM-FBTC-USDG",
		"sequence": 5,
		"created_at": 1700000000,
		"decrease": {
			"collateral_token": "USDG",
			"is_long": true,
			"size_delta_usd": "12300000000000000000000000",
			"swap_path": [
				{"market_token": "GM-FETH-USDG", "token_in": "USDG"}
			]
		}
	}`)

	req, err := ingestion.ParseActionRequest(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	path := req.Decrease.SwapPath
	if len(path) != 1 || path[0].MarketToken != "GM-FETH-USDG" || path[0].TokenIn != "USDG" {
		t.Errorf("swap path = %+v", path)
	}
}

func TestParseActionRequest_WithdrawalOutputPaths(t *testing.T) {
	data := []byte(`{
		"action_id": "c9b1a0e2-0f6e-4a6e-9b0a-1c2d3e4f5a6b",
		"kind": "withdrawal",
		"owner": "alice",
		"market_token": "GM-FBTC-USDG",
		"sequence": 6,
		"created_at": 1700000000,
		"withdrawal": {
			"market_token_amount": "1000000000000000000",
			"min_long_amount": "9000000000",
			"long_token_swap_path": [
				{"market_token": "GM-FBTC-USDC", "token_in": "fBTC"}
			],
			"short_token_swap_path": [
				{"market_token": "GM-USDG-USDC", "token_in": "USDG"}
			]
		}
	}`)

	req, err := ingestion.ParseActionRequest(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	w := req.Withdrawal
	if len(w.LongTokenSwapPath) != 1 || w.LongTokenSwapPath[0].TokenIn != "fBTC" {
		t.Errorf("long path = %+v", w.LongTokenSwapPath)
	}
	if len(w.ShortTokenSwapPath) != 1 || w.ShortTokenSwapPath[0].MarketToken != "GM-USDG-USDC" {
		t.Errorf("short path = %+v", w.ShortTokenSwapPath)
	}
}

func TestParseActionRequest_Rejects(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"bad json", `{`},
		{"bad uuid", `{"action_id": "nope", "kind": "deposit", "owner": "a", "market_token": "m"}`},
		{"bad amount", `{
			"action_id": "c9b1a0e2-0f6e-4a6e-9b0a-1c2d3e4f5a6b",
			"kind": "deposit", "owner": "a", "market_token": "m",
			"deposit": {"initial_long_amount": "12x"}
		}`},
	}
	for _, c := range cases {
		if _, err := ingestion.ParseActionRequest([]byte(c.data)); err == nil {
			t.Errorf("%s: parse accepted", c.name)
		}
	}
}

func TestParseActionRequest_UnknownKindFailsValidation(t *testing.T) {
	data := []byte(`{
		"action_id": "c9b1a0e2-0f6e-4a6e-9b0a-1c2d3e4f5a6b",
		"kind": "teleport",
		"owner": "alice",
		"market_token": "GM-FBTC-USDG"
	}`)
	req, err := ingestion.ParseActionRequest(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := req.Validate(); err == nil {
		t.Error("unknown kind passed validation")
	}
}

// ============================================================================
// Oracle reports
// ============================================================================

func TestParseOracleReports_Pyth(t *testing.T) {
	data := []byte(`{
		"tokens": [{
			"token": "fBTC",
			"reports": [{
				"provider": "pyth",
				"price": 12300000000,
				"conf": 5000000,
				"exponent": -8,
				"publish_time": 1700000000,
				"slot": 42
			}]
		}]
	}`)

	groups, err := ingestion.ParseOracleReports(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(groups) != 1 || groups[0].Token != "fBTC" || len(groups[0].Reports) != 1 {
		t.Fatalf("groups = %+v", groups)
	}
	rep := groups[0].Reports[0]
	if rep.Provider != token.ProviderPyth || rep.Slot != 42 || rep.OracleTS != 1700000000 {
		t.Errorf("report = %+v", rep)
	}
	if !rep.Open {
		t.Error("pyth reports are always open")
	}
	if rep.Min.Value.Eq(rep.Max.Value) {
		t.Error("confidence did not widen the pair")
	}
}

func TestParseOracleReports_ChainlinkClosedMarket(t *testing.T) {
	data := []byte(`{
		"tokens": [{
			"token": "fBTC",
			"reports": [{
				"provider": "chainlink",
				"raw_price": "12300000000",
				"bid": "12290000000",
				"ask": "12310000000",
				"observations_ts": 1700000000,
				"last_update_ts_nano": 1700000000000000000,
				"market_status": "closed",
				"decimals": 8
			}]
		}]
	}`)

	groups, err := ingestion.ParseOracleReports(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rep := groups[0].Reports[0]
	if rep.Provider != token.ProviderChainlinkDataStreams {
		t.Errorf("provider = %s", rep.Provider)
	}
	if rep.Open {
		t.Error("closed market reported open")
	}
}

func TestParseOracleReports_Switchboard(t *testing.T) {
	data := []byte(`{
		"tokens": [{
			"token": "USDG",
			"reports": [{
				"provider": "switchboard",
				"min_value": "999800",
				"min_decimals": 6,
				"max_value": "1000100",
				"max_decimals": 6,
				"result_ts": 1700000000,
				"slot": 7
			}]
		}]
	}`)

	groups, err := ingestion.ParseOracleReports(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rep := groups[0].Reports[0]
	if rep.Provider != token.ProviderSwitchboard || rep.Slot != 7 {
		t.Errorf("report = %+v", rep)
	}
}

func TestParseOracleReports_Rejects(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"empty", `{"tokens": []}`},
		{"unknown provider", `{"tokens": [{"token": "fBTC", "reports": [{"provider": "tarot"}]}]}`},
		{"chainlink missing bid", `{"tokens": [{"token": "fBTC", "reports": [{
			"provider": "chainlink", "raw_price": "1", "ask": "1",
			"market_status": "open", "decimals": 0
		}]}]}`},
		{"negative pyth price", `{"tokens": [{"token": "fBTC", "reports": [{
			"provider": "pyth", "price": -5, "exponent": -8
		}]}]}`},
	}
	for _, c := range cases {
		if _, err := ingestion.ParseOracleReports([]byte(c.data)); err == nil {
			t.Errorf("%s: parse accepted", c.name)
		}
	}
}
