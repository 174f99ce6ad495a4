package market

import (
	"PerpEngine/internal/errs"
)

// SwapMarkets is the insertion-ordered set of overlays a multi-hop swap
// walks. Construction rejects duplicate market tokens and rejects the
// current market when one is named, so cycles are impossible by the time a
// path executes.
type SwapMarkets struct {
	order []string
	byTok map[string]*RevertibleMarket
}

// NewSwapMarkets builds the collection from path order. current is the
// market token of the action's own market; empty means no exclusion.
func NewSwapMarkets(current string, markets []*Market) (*SwapMarkets, error) {
	sm := &SwapMarkets{byTok: make(map[string]*RevertibleMarket, len(markets))}
	for _, m := range markets {
		tok := m.Meta().MarketToken
		if current != "" && tok == current {
			return nil, errs.E(errs.KindInvalidSwapPath,
				"swap path revisits the current market %s", tok)
		}
		if _, dup := sm.byTok[tok]; dup {
			return nil, errs.E(errs.KindInvalidSwapPath,
				"swap path revisits market %s", tok)
		}
		sm.order = append(sm.order, tok)
		sm.byTok[tok] = NewRevertible(m)
	}
	return sm, nil
}

// Get returns the overlay for a market token.
func (sm *SwapMarkets) Get(marketToken string) (*RevertibleMarket, bool) {
	r, ok := sm.byTok[marketToken]
	return r, ok
}

// Len reports the number of hops.
func (sm *SwapMarkets) Len() int { return len(sm.order) }

// Ordered returns the overlays in insertion order.
func (sm *SwapMarkets) Ordered() []*RevertibleMarket {
	out := make([]*RevertibleMarket, 0, len(sm.order))
	for _, tok := range sm.order {
		out = append(out, sm.byTok[tok])
	}
	return out
}

// Commit commits every overlay in insertion order.
func (sm *SwapMarkets) Commit() {
	for _, tok := range sm.order {
		sm.byTok[tok].Commit()
	}
}

// Discard drops every overlay's buffered state.
func (sm *SwapMarkets) Discard() {
	for _, tok := range sm.order {
		sm.byTok[tok].Discard()
	}
}
