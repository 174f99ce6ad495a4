// Package graph plans multi-hop swap routes over the known markets. Markets
// become directed edges between their collateral tokens, weighted by the
// log exchange rate of a probe swap; route finding is a Bellman-Ford style
// relaxation that also reports arbitrage cycles.
package graph

import (
	"math"
	"math/big"

	"github.com/holiman/uint256"

	"PerpEngine/internal/errs"
	"PerpEngine/internal/market"
)

// SwapEstimationParams sizes the probe swap used to weight edges.
type SwapEstimationParams struct {
	// ValueUsd is the probe size in USD.
	ValueUsd float64
	// BaseCostUsd is a flat per-hop cost subtracted before taking the log.
	BaseCostUsd float64
	// MaxSteps bounds route length.
	MaxSteps int
}

// DefaultEstimationParams mirrors the planner defaults.
func DefaultEstimationParams() SwapEstimationParams {
	return SwapEstimationParams{ValueUsd: 1000, BaseCostUsd: 0.02, MaxSteps: 10}
}

// MarketSnapshot is the float view of one market the planner works with.
type MarketSnapshot struct {
	MarketToken string
	LongToken   string
	ShortToken  string

	LongValueUsd  float64
	ShortValueUsd float64

	SwapFeeFactor  float64
	ImpactPos      float64
	ImpactNeg      float64
	ImpactExponent float64
}

// SnapshotFromMarket collapses a market's pools and config into planner
// floats. Pure markets carry no swap edge and return false.
func SnapshotFromMarket(m *market.Market, prices market.Prices) (MarketSnapshot, bool) {
	if m.Meta().IsPure() || !m.Enabled() {
		return MarketSnapshot{}, false
	}
	longValue, err := market.PoolValueWithoutPnlForOneSide(m, prices, true, false)
	if err != nil {
		return MarketSnapshot{}, false
	}
	shortValue, err := market.PoolValueWithoutPnlForOneSide(m, prices, false, false)
	if err != nil {
		return MarketSnapshot{}, false
	}
	cfg := m.Config()
	return MarketSnapshot{
		MarketToken:    m.Meta().MarketToken,
		LongToken:      m.Meta().LongToken,
		ShortToken:     m.Meta().ShortToken,
		LongValueUsd:   usdFloat(longValue),
		ShortValueUsd:  usdFloat(shortValue),
		SwapFeeFactor:  factorFloat(cfg.SwapFeeFactorForNegativeImpact),
		ImpactPos:      factorFloat(cfg.SwapImpactPositiveFactor),
		ImpactNeg:      factorFloat(cfg.SwapImpactNegativeFactor),
		ImpactExponent: factorFloat(cfg.SwapImpactExponent),
	}, true
}

// usdFloat converts a 20-decimal USD value to whole USD.
func usdFloat(v *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f / 1e20
}

// factorFloat converts a 20-decimal factor to a plain ratio.
func factorFloat(v *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f / 1e20
}

// Edge is one directed hop through a market.
type Edge struct {
	From        string
	To          string
	MarketToken string
	// LogRate is ln((out_value - base_cost) / value) for the probe swap.
	LogRate float64
}

// Graph is the token graph. It is rebuilt from snapshots per planning run,
// so it carries no locking.
type Graph struct {
	tokens     []string
	tokenIndex map[string]int
	adj        [][]int
	edges      []*Edge
	params     SwapEstimationParams
}

// New builds a graph from market snapshots.
func New(snaps []MarketSnapshot, params SwapEstimationParams) *Graph {
	g := &Graph{
		tokenIndex: make(map[string]int),
		params:     params,
	}
	for _, snap := range snaps {
		g.addEdge(snap, true)
		g.addEdge(snap, false)
	}
	return g
}

func (g *Graph) addToken(tok string) int {
	if idx, ok := g.tokenIndex[tok]; ok {
		return idx
	}
	idx := len(g.tokens)
	g.tokens = append(g.tokens, tok)
	g.tokenIndex[tok] = idx
	g.adj = append(g.adj, nil)
	return idx
}

func (g *Graph) addEdge(snap MarketSnapshot, inLong bool) {
	outValue := estimateSwapOutValue(snap, inLong, g.params.ValueUsd)
	net := outValue - g.params.BaseCostUsd
	if net <= 0 {
		return
	}
	from, to := snap.LongToken, snap.ShortToken
	if !inLong {
		from, to = to, from
	}
	fromIdx := g.addToken(from)
	g.addToken(to)
	edge := &Edge{
		From:        from,
		To:          to,
		MarketToken: snap.MarketToken,
		LogRate:     math.Log(net / g.params.ValueUsd),
	}
	g.adj[fromIdx] = append(g.adj[fromIdx], len(g.edges))
	g.edges = append(g.edges, edge)
}

// estimateSwapOutValue simulates a probe swap in float USD: fee off the top,
// then the impact curve on the imbalance move.
func estimateSwapOutValue(snap MarketSnapshot, inLong bool, valueUsd float64) float64 {
	afterFee := valueUsd * (1 - snap.SwapFeeFactor)
	longV, shortV := snap.LongValueUsd, snap.ShortValueUsd
	var longNext, shortNext float64
	if inLong {
		longNext, shortNext = longV+afterFee, shortV-afterFee
	} else {
		longNext, shortNext = longV-afterFee, shortV+afterFee
	}
	if longNext < 0 || shortNext < 0 {
		return 0
	}
	initial := math.Abs(longV - shortV)
	next := math.Abs(longNext - shortNext)
	var impact float64
	switch {
	case next < initial:
		impact = snap.ImpactPos * (math.Pow(initial, snap.ImpactExponent) - math.Pow(next, snap.ImpactExponent))
	case next > initial:
		impact = -snap.ImpactNeg * (math.Pow(next, snap.ImpactExponent) - math.Pow(initial, snap.ImpactExponent))
	}
	return afterFee + impact
}

// Route is a planned path and its aggregate rate.
type Route struct {
	Hops []*Edge
	// Rate is the product of per-hop rates, net of base costs.
	Rate float64
	// ArbitrageExists reports a positive-rate cycle somewhere in the graph.
	ArbitrageExists bool
}

// BestSwapPath finds the maximum log-rate route from source to target within
// the step bound.
func (g *Graph) BestSwapPath(source, target string) (*Route, error) {
	srcIdx, ok := g.tokenIndex[source]
	if !ok {
		return nil, errs.E(errs.KindInvalidSwapPath, "token %s is not in any market", source)
	}
	dstIdx, ok := g.tokenIndex[target]
	if !ok {
		return nil, errs.E(errs.KindInvalidSwapPath, "token %s is not in any market", target)
	}
	if srcIdx == dstIdx {
		return nil, errs.E(errs.KindInvalidSwapPath, "source and target are the same token")
	}

	n := len(g.tokens)
	unreachable := math.Inf(-1)
	best := make([]float64, n)
	prev := make([]int, n)
	for i := range best {
		best[i] = unreachable
		prev[i] = -1
	}
	best[srcIdx] = 0

	improvedAtBound := false
	steps := g.params.MaxSteps
	if steps <= 0 {
		steps = 1
	}
	for step := 0; step <= steps; step++ {
		improved := false
		next := make([]float64, n)
		copy(next, best)
		for from := range g.adj {
			if best[from] == unreachable {
				continue
			}
			for _, ei := range g.adj[from] {
				e := g.edges[ei]
				to := g.tokenIndex[e.To]
				if cand := best[from] + e.LogRate; cand > next[to]+1e-15 {
					next[to] = cand
					prev[to] = ei
					improved = true
				}
			}
		}
		best = next
		if step == steps {
			improvedAtBound = improved
		}
		if !improved {
			break
		}
	}

	if best[dstIdx] == unreachable {
		return nil, errs.E(errs.KindInvalidSwapPath, "no route from %s to %s", source, target)
	}

	hops := make([]*Edge, 0, steps)
	for at := dstIdx; at != srcIdx; {
		ei := prev[at]
		if ei < 0 || len(hops) > n {
			return nil, errs.E(errs.KindInvalidSwapPath, "no route from %s to %s", source, target)
		}
		e := g.edges[ei]
		hops = append(hops, e)
		at = g.tokenIndex[e.From]
	}
	for i, j := 0, len(hops)-1; i < j; i, j = i+1, j-1 {
		hops[i], hops[j] = hops[j], hops[i]
	}
	return &Route{
		Hops:            hops,
		Rate:            math.Exp(best[dstIdx]),
		ArbitrageExists: improvedAtBound,
	}, nil
}
