package graph_test

import (
	"math"
	"testing"

	"PerpEngine/internal/errs"
	"PerpEngine/internal/graph"
)

func flatSnapshot(marketToken, long, short string, fee float64) graph.MarketSnapshot {
	return graph.MarketSnapshot{
		MarketToken:    marketToken,
		LongToken:      long,
		ShortToken:     short,
		LongValueUsd:   1_000_000,
		ShortValueUsd:  1_000_000,
		SwapFeeFactor:  fee,
		ImpactExponent: 2,
	}
}

func TestBestSwapPath_PicksCheaperRoute(t *testing.T) {
	// Direct hop at 0.2% fee versus two hops at 0.05% each:
	// 0.99798 < 0.99948^2, so the detour wins.
	g := graph.New([]graph.MarketSnapshot{
		flatSnapshot("GM-A-B", "A", "B", 0.002),
		flatSnapshot("GM-A-C", "A", "C", 0.0005),
		flatSnapshot("GM-C-B", "C", "B", 0.0005),
	}, graph.DefaultEstimationParams())

	route, err := g.BestSwapPath("A", "B")
	if err != nil {
		t.Fatalf("best path: %v", err)
	}
	if len(route.Hops) != 2 {
		t.Fatalf("hops = %d, want 2", len(route.Hops))
	}
	if route.Hops[0].MarketToken != "GM-A-C" || route.Hops[1].MarketToken != "GM-C-B" {
		t.Errorf("route = %s then %s", route.Hops[0].MarketToken, route.Hops[1].MarketToken)
	}
	wantRate := 0.99948 * 0.99948
	if math.Abs(route.Rate-wantRate) > 1e-6 {
		t.Errorf("rate = %f, want about %f", route.Rate, wantRate)
	}
	if route.ArbitrageExists {
		t.Error("no cycle should beat 1.0 here")
	}
}

func TestBestSwapPath_UnknownToken(t *testing.T) {
	g := graph.New([]graph.MarketSnapshot{
		flatSnapshot("GM-A-B", "A", "B", 0.001),
	}, graph.DefaultEstimationParams())
	if _, err := g.BestSwapPath("A", "Z"); !errs.Is(err, errs.KindInvalidSwapPath) {
		t.Errorf("want InvalidSwapPath, got %v", err)
	}
	if _, err := g.BestSwapPath("A", "A"); !errs.Is(err, errs.KindInvalidSwapPath) {
		t.Errorf("want InvalidSwapPath for identity, got %v", err)
	}
}

func TestBestSwapPath_NoRoute(t *testing.T) {
	g := graph.New([]graph.MarketSnapshot{
		flatSnapshot("GM-A-B", "A", "B", 0.001),
		flatSnapshot("GM-C-D", "C", "D", 0.001),
	}, graph.DefaultEstimationParams())
	if _, err := g.BestSwapPath("A", "D"); !errs.Is(err, errs.KindInvalidSwapPath) {
		t.Errorf("want InvalidSwapPath, got %v", err)
	}
}

func TestBestSwapPath_DetectsArbitrage(t *testing.T) {
	// Two A/B markets with opposite imbalances and a rewarding impact curve:
	// each direction of the cycle earns positive impact, so looping gains.
	skewed := func(marketToken string, longV, shortV float64) graph.MarketSnapshot {
		return graph.MarketSnapshot{
			MarketToken:    marketToken,
			LongToken:      "A",
			ShortToken:     "B",
			LongValueUsd:   longV,
			ShortValueUsd:  shortV,
			ImpactPos:      1e-6,
			ImpactNeg:      1e-6,
			ImpactExponent: 2,
		}
	}
	g := graph.New([]graph.MarketSnapshot{
		skewed("GM-AB-1", 1000, 5000),
		skewed("GM-AB-2", 5000, 1000),
	}, graph.DefaultEstimationParams())

	route, err := g.BestSwapPath("A", "B")
	if err != nil {
		t.Fatalf("best path: %v", err)
	}
	if !route.ArbitrageExists {
		t.Error("opposing skews should admit a profitable cycle")
	}
}
