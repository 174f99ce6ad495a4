package persistence_test

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	"PerpEngine/internal/controller"
	"PerpEngine/internal/fixed"
	"PerpEngine/internal/market"
	"PerpEngine/internal/observability"
	"PerpEngine/internal/oracle"
	"PerpEngine/internal/persistence"
)

const tickNow = int64(1700000000)

// ============================================================================
// Fixtures
// ============================================================================

func e(exp uint64) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(exp))
}

func mul(a uint64, b *uint256.Int) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(a), b)
}

func unitPrice(t *testing.T, v *uint256.Int) fixed.Price {
	t.Helper()
	p, err := fixed.NewPrice(v, v)
	if err != nil {
		t.Fatalf("NewPrice: %v", err)
	}
	return p
}

func pureUsdcMeta() market.Meta {
	return market.Meta{
		MarketToken:         "GM-USDC",
		IndexToken:          "USDC",
		LongToken:           "USDC",
		ShortToken:          "USDC",
		MarketTokenDecimals: 18,
		IndexTokenDecimals:  6,
		LongTokenDecimals:   6,
		ShortTokenDecimals:  6,
	}
}

func fbtcMeta() market.Meta {
	return market.Meta{
		MarketToken:         "GM-FBTC-USDG",
		IndexToken:          "fBTC",
		LongToken:           "fBTC",
		ShortToken:          "USDG",
		MarketTokenDecimals: 18,
		IndexTokenDecimals:  9,
		LongTokenDecimals:   9,
		ShortTokenDecimals:  6,
	}
}

func feelessConfig() *market.Config {
	cfg := market.DefaultConfig()
	cfg.SwapFeeFactorForPositiveImpact = new(uint256.Int)
	cfg.SwapFeeFactorForNegativeImpact = new(uint256.Int)
	cfg.PositionFeeFactorForPositiveImpact = new(uint256.Int)
	cfg.PositionFeeFactorForNegativeImpact = new(uint256.Int)
	return cfg
}

func newController(t *testing.T) (*controller.Controller, *controller.MemoryTokenLedger) {
	t.Helper()
	ledger := controller.NewMemoryTokenLedger()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	ctrl := controller.New(controller.DefaultConfig(), ledger, nil, metrics, nil, nil)
	for _, m := range []*market.Market{
		market.New(pureUsdcMeta(), feelessConfig()),
		market.New(fbtcMeta(), feelessConfig()),
	} {
		if err := ctrl.AddMarket(m); err != nil {
			t.Fatalf("add market: %v", err)
		}
	}
	return ctrl, ledger
}

func mint(t *testing.T, ledger *controller.MemoryTokenLedger, key controller.AccountKey, amount *uint256.Int) {
	t.Helper()
	if err := ledger.Mint(key, amount); err != nil {
		t.Fatalf("mint %s: %v", key.Path(), err)
	}
}

func seedEngine(t *testing.T, ctrl *controller.Controller, ledger *controller.MemoryTokenLedger) {
	t.Helper()

	// Fund the perp market's pools, tracked balances, and vault accounts.
	m, _ := ctrl.Market("GM-FBTC-USDG")
	seed := func(isLong bool, amount *uint256.Int) {
		delta := fixed.NewSigned(fixed.Clone(amount), false)
		if err := m.Pool(market.PoolPrimary).ApplyDelta(isLong, delta); err != nil {
			t.Fatalf("seed pool: %v", err)
		}
		if err := m.Other().ApplyBalanceDelta(isLong, fixed.NewSigned(fixed.Clone(amount), false)); err != nil {
			t.Fatalf("seed balance: %v", err)
		}
	}
	seed(true, mul(10_000, e(9)))
	seed(false, mul(1_200_000, e(6)))
	mint(t, ledger, controller.VaultAccount("GM-FBTC-USDG", "fBTC"), mul(10_000, e(9)))
	mint(t, ledger, controller.VaultAccount("GM-FBTC-USDG", "USDG"), mul(1_200_000, e(6)))
	mint(t, ledger, controller.OwnerAccount("alice", "USDC"), mul(10_000, e(6)))
	mint(t, ledger, controller.OwnerAccount("bob", "USDG"), mul(100_000, e(6)))

	bundle := oracle.NewBundle(map[string]oracle.TokenPrice{
		"USDC": {Price: unitPrice(t, e(14)), Open: true},
		"USDG": {Price: unitPrice(t, e(14)), Open: true},
		"fBTC": {Price: unitPrice(t, mul(123, e(11))), Open: true},
	}, tickNow, tickNow, 1)

	// A deposit, an open position, and an oracle tick leave every state
	// family non-trivial: supplies, clocks, positions, and the hash chain.
	run := func(req *controller.ActionRequest) {
		out, err := ctrl.Process(tickNow, req, bundle)
		if err != nil {
			t.Fatalf("process %s: %v", req.Kind, err)
		}
		if out == nil || out.Record.Status != controller.StatusExecuted {
			t.Fatalf("process %s did not execute", req.Kind)
		}
	}
	run(&controller.ActionRequest{
		ID:          uuid.New(),
		Kind:        controller.ActionDeposit,
		Owner:       "alice",
		MarketToken: "GM-USDC",
		Sequence:    1,
		CreatedAt:   tickNow,
		Deposit:     &controller.DepositRequest{InitialLongAmount: mul(1000, e(6))},
	})
	run(&controller.ActionRequest{
		ID:          uuid.New(),
		Kind:        controller.ActionIncrease,
		Owner:       "bob",
		MarketToken: "GM-FBTC-USDG",
		Sequence:    1,
		CreatedAt:   tickNow,
		Increase: &controller.IncreaseRequest{
			CollateralToken:       "USDG",
			IsLong:                true,
			CollateralDeltaAmount: mul(50_000, e(6)),
			SizeDeltaUsd:          mul(123_000, e(20)),
			AcceptablePrice:       mul(124, e(11)),
		},
	})
	ctrl.ApplyOracleTick(tickNow, bundle)
}

// ============================================================================
// Capture / restore round trip
// ============================================================================

func TestSnapshot_RoundTripThroughJSON(t *testing.T) {
	ctrl, ledger := newController(t)
	seedEngine(t, ctrl, ledger)

	snap := persistence.Capture(ctrl, time.Unix(tickNow, 0).UTC())

	// The stored form is JSON; restore from a decoded copy so serialization
	// is part of the round trip.
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded persistence.SnapshotData
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	restored, restoredLedger := newController(t)
	if err := persistence.Restore(restored, &decoded); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if restored.Sequence() != ctrl.Sequence() {
		t.Errorf("sequence = %d, want %d", restored.Sequence(), ctrl.Sequence())
	}
	if !bytes.Equal(restored.CurrentHash(), ctrl.CurrentHash()) {
		t.Error("hash chain head diverged")
	}
	if !bytes.Equal(restored.StateDigest(), ctrl.StateDigest()) {
		t.Error("state digest diverged")
	}

	alice := controller.OwnerAccount("alice", "USDC")
	if got, want := restoredLedger.Balance(alice), ledger.Balance(alice); !got.Eq(want) {
		t.Errorf("alice USDC = %s, want %s", got, want)
	}
	if got, want := restoredLedger.Supply("GM-USDC"), ledger.Supply("GM-USDC"); !got.Eq(want) {
		t.Errorf("GM-USDC supply = %s, want %s", got, want)
	}
	if err := restoredLedger.ValidateConservation(); err != nil {
		t.Errorf("conservation: %v", err)
	}

	key := controller.PositionKey{
		Owner:           "bob",
		MarketToken:     "GM-FBTC-USDG",
		CollateralToken: "USDG",
		IsLong:          true,
	}
	pos, ok := restored.Position(key)
	if !ok {
		t.Fatal("bob's position did not survive the round trip")
	}
	orig, _ := ctrl.Position(key)
	if !pos.SizeInUsd.Eq(orig.SizeInUsd) || !pos.CollateralAmount.Eq(orig.CollateralAmount) {
		t.Errorf("position = %s/%s, want %s/%s",
			pos.SizeInUsd, pos.CollateralAmount, orig.SizeInUsd, orig.CollateralAmount)
	}

	m, _ := restored.Market("GM-FBTC-USDG")
	if got := m.Clock(market.ClockFunding); got != tickNow {
		t.Errorf("funding clock = %d, want %d", got, tickNow)
	}
}

func TestSnapshot_RestoreSeedsDedupeWindow(t *testing.T) {
	ctrl, ledger := newController(t)
	mint(t, ledger, controller.OwnerAccount("alice", "USDC"), mul(10_000, e(6)))

	req := &controller.ActionRequest{
		ID:          uuid.New(),
		Kind:        controller.ActionDeposit,
		Owner:       "alice",
		MarketToken: "GM-USDC",
		Sequence:    1,
		CreatedAt:   tickNow,
		Deposit:     &controller.DepositRequest{InitialLongAmount: mul(1000, e(6))},
	}
	bundle := oracle.NewBundle(map[string]oracle.TokenPrice{
		"USDC": {Price: unitPrice(t, e(14)), Open: true},
	}, tickNow, tickNow, 1)
	if _, err := ctrl.Process(tickNow, req, bundle); err != nil {
		t.Fatalf("process: %v", err)
	}

	snap := persistence.Capture(ctrl, time.Unix(tickNow, 0).UTC())
	restored, _ := newController(t)
	if err := persistence.Restore(restored, snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	// A redelivery of the already-executed request must be skipped, both by
	// the dedupe window and by the per-market sequence expectation.
	out, err := restored.Process(tickNow, req, bundle)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if out != nil {
		t.Error("redelivered request executed after restore")
	}
}

func TestSnapshot_RestoreRejectsUnknownMarket(t *testing.T) {
	ctrl, ledger := newController(t)
	seedEngine(t, ctrl, ledger)
	snap := persistence.Capture(ctrl, time.Unix(tickNow, 0).UTC())

	bare := controller.New(controller.DefaultConfig(),
		controller.NewMemoryTokenLedger(), nil,
		observability.NewMetricsWith(prometheus.NewRegistry()), nil, nil)
	if err := persistence.Restore(bare, snap); err == nil {
		t.Error("restore into an engine without the markets must fail")
	}
}
