package market

// RevertibleMarket buffers every mutation against a live market. Reads fall
// through to the buffer when dirty, otherwise to storage. Commit copies the
// dirty pieces back and bumps the revision; dropping the overlay without
// committing leaves storage untouched.
type RevertibleMarket struct {
	store *Market

	pools  map[PoolKind]*Pool
	clocks map[ClockKind]int64
	other  *OtherState

	clocksDirty bool
	otherDirty  bool
}

// NewRevertible wraps a market in a fresh overlay.
func NewRevertible(store *Market) *RevertibleMarket {
	return &RevertibleMarket{
		store:  store,
		pools:  make(map[PoolKind]*Pool, poolKindCount),
		clocks: make(map[ClockKind]int64, clockKindCount),
	}
}

// Store returns the wrapped market.
func (r *RevertibleMarket) Store() *Market { return r.store }

func (r *RevertibleMarket) Meta() Meta      { return r.store.Meta() }
func (r *RevertibleMarket) Config() *Config { return r.store.Config() }
func (r *RevertibleMarket) Enabled() bool   { return r.store.Enabled() }

// Pool returns the buffered pool for a kind, copying from storage on first
// access. Callers mutate the returned pool; commit decides visibility.
func (r *RevertibleMarket) Pool(kind PoolKind) *Pool {
	if p, ok := r.pools[kind]; ok {
		return p
	}
	p := r.store.Pool(kind).Clone()
	r.pools[kind] = p
	return p
}

// Clock reads a buffered clock, falling through to storage.
func (r *RevertibleMarket) Clock(kind ClockKind) int64 {
	if r.clocksDirty {
		if ts, ok := r.clocks[kind]; ok {
			return ts
		}
	}
	return r.store.Clock(kind)
}

// SetClock stamps a clock in the buffer.
func (r *RevertibleMarket) SetClock(kind ClockKind, ts int64) {
	r.clocks[kind] = ts
	r.clocksDirty = true
}

// Other returns the buffered non-pool state, copying from storage on first
// access.
func (r *RevertibleMarket) Other() *OtherState {
	if r.otherDirty {
		return r.other
	}
	r.other = r.store.Other().Clone()
	r.otherDirty = true
	return r.other
}

// Dirty reports whether the overlay holds any uncommitted mutation.
func (r *RevertibleMarket) Dirty() bool {
	return len(r.pools) > 0 || r.clocksDirty || r.otherDirty
}

// Commit copies every buffered piece into storage and bumps the revision.
// The overlay is reusable afterwards, starting clean.
func (r *RevertibleMarket) Commit() {
	for kind, p := range r.pools {
		r.store.pools[kind] = p
	}
	if r.clocksDirty {
		for kind, ts := range r.clocks {
			r.store.clocks[kind] = ts
		}
	}
	if r.otherDirty {
		r.store.other = r.other
	}
	r.store.rev++
	r.reset()
}

// Discard drops every buffered mutation.
func (r *RevertibleMarket) Discard() {
	r.reset()
}

func (r *RevertibleMarket) reset() {
	r.pools = make(map[PoolKind]*Pool, poolKindCount)
	r.clocks = make(map[ClockKind]int64, clockKindCount)
	r.other = nil
	r.clocksDirty = false
	r.otherDirty = false
}
