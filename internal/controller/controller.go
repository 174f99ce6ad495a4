// Package controller drives the deterministic engine core: it owns the
// market registry, the position book, and the token ledger, executes
// validated action requests against revertible market overlays, and chains
// a state hash over every committed sequence.
package controller

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"PerpEngine/internal/action"
	"PerpEngine/internal/errs"
	"PerpEngine/internal/market"
	"PerpEngine/internal/observability"
	"PerpEngine/internal/oracle"
	"PerpEngine/internal/position"
)

// PositionKey addresses one position in the book. One owner can hold long
// and short positions with either collateral token in the same market.
type PositionKey struct {
	Owner           string
	MarketToken     string
	CollateralToken string
	IsLong          bool
}

func (k PositionKey) String() string {
	side := "short"
	if k.IsLong {
		side = "long"
	}
	return fmt.Sprintf("%s|%s|%s|%s", k.Owner, k.MarketToken, k.CollateralToken, side)
}

// Config tunes the controller.
type Config struct {
	// RequestExpirationSeconds cancels requests older than this instead of
	// executing them. Zero disables expiration.
	RequestExpirationSeconds int64
	// FirstDepositOwner is the only owner allowed to open an empty market.
	// Empty disables the guard.
	FirstDepositOwner string
	// DedupeCapacity bounds the in-memory idempotency window.
	DedupeCapacity int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RequestExpirationSeconds: 300,
		DedupeCapacity:           100_000,
	}
}

// Controller executes action requests and oracle ticks over the engine
// state. It is single-writer: one goroutine calls Process and
// ApplyOracleTick, which is what makes execution deterministic without
// locks.
type Controller struct {
	cfg Config

	ledger    TokenLedger
	markets   map[string]*market.Market
	order     []string
	positions map[PositionKey]*position.Position
	pending   map[string]*ActionRecord

	dedupe *IdempotencyChecker
	seq    *SequenceValidator
	hasher *StateHasher

	sequence uint64

	log     zerolog.Logger
	metrics *observability.Metrics

	persistCh chan<- ActionOutput
	reportCh  chan<- ActionOutput
}

// New builds a controller. The db checker may be nil (no second dedupe
// tier); either channel may be nil, which disables that emission.
func New(cfg Config, ledger TokenLedger, db DBIdempotencyChecker, metrics *observability.Metrics, persistCh, reportCh chan<- ActionOutput) *Controller {
	if cfg.DedupeCapacity <= 0 {
		cfg.DedupeCapacity = DefaultConfig().DedupeCapacity
	}
	return &Controller{
		cfg:       cfg,
		ledger:    ledger,
		markets:   make(map[string]*market.Market),
		positions: make(map[PositionKey]*position.Position),
		pending:   make(map[string]*ActionRecord),
		dedupe:    NewIdempotencyChecker(cfg.DedupeCapacity, db),
		seq:       NewSequenceValidator(),
		hasher:    NewStateHasher(),
		log:       observability.NewLogger("controller"),
		metrics:   metrics,
		persistCh: persistCh,
		reportCh:  reportCh,
	}
}

// AddMarket registers a market. Registration order is part of the state
// digest, so every instance must register markets identically.
func (c *Controller) AddMarket(m *market.Market) error {
	tok := m.Meta().MarketToken
	if _, ok := c.markets[tok]; ok {
		return errs.E(errs.KindInvalidArgument, "market %s already registered", tok)
	}
	c.markets[tok] = m
	c.order = append(c.order, tok)
	return nil
}

// Market returns a registered market.
func (c *Controller) Market(marketToken string) (*market.Market, bool) {
	m, ok := c.markets[marketToken]
	return m, ok
}

// MarketTokens returns the registered market tokens in registration order.
func (c *Controller) MarketTokens() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Ledger returns the controller's token ledger.
func (c *Controller) Ledger() TokenLedger { return c.ledger }

// Position returns a copy of an open position.
func (c *Controller) Position(key PositionKey) (*position.Position, bool) {
	pos, ok := c.positions[key]
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

// OpenPositions returns the number of open positions.
func (c *Controller) OpenPositions() int { return len(c.positions) }

// Positions returns copies of every open position, sorted by key.
func (c *Controller) Positions() []*position.Position {
	keys := make([]string, 0, len(c.positions))
	byKey := make(map[string]PositionKey, len(c.positions))
	for key := range c.positions {
		s := key.String()
		keys = append(keys, s)
		byKey[s] = key
	}
	sort.Strings(keys)
	out := make([]*position.Position, 0, len(keys))
	for _, s := range keys {
		out = append(out, c.positions[byKey[s]].Clone())
	}
	return out
}

// Sequence returns the last committed engine sequence.
func (c *Controller) Sequence() uint64 { return c.sequence }

// CurrentHash returns the state hash chain head.
func (c *Controller) CurrentHash() []byte { return c.hasher.CurrentHash() }

// Restore seeds the chain and dedupe window from a snapshot.
func (c *Controller) Restore(sequence uint64, hash []byte, dedupeKeys []string, partitions map[string]uint64) {
	c.sequence = sequence
	if len(hash) > 0 {
		c.hasher.Restore(hash)
	}
	c.dedupe.WarmFromKeys(dedupeKeys)
	for partition, next := range partitions {
		c.seq.Restore(partition, next)
	}
	if c.metrics != nil {
		c.metrics.EngineSequence.Set(float64(sequence))
		c.metrics.DedupLRUSize.Set(float64(c.dedupe.Size()))
	}
}

// RestorePosition reinstates a position from a snapshot.
func (c *Controller) RestorePosition(pos *position.Position) {
	key := PositionKey{
		Owner:           pos.Owner,
		MarketToken:     pos.MarketToken,
		CollateralToken: pos.CollateralToken,
		IsLong:          pos.IsLong,
	}
	c.positions[key] = pos.Clone()
}

// SequenceState exports per-partition expectations for snapshotting.
func (c *Controller) SequenceState() map[string]uint64 {
	out := make(map[string]uint64, len(c.order))
	for _, partition := range c.order {
		out[partition] = c.seq.ExpectedNext(partition)
	}
	return out
}

// DedupeKeys exports the warm dedupe window for snapshotting.
func (c *Controller) DedupeKeys() []string { return c.dedupe.Keys() }

// Process runs one request end to end: dedupe, ordering, expiration,
// execution against a revertible overlay, record transition, hash chain
// extension, and emission.
//
// A nil output with a nil error means the request was skipped (duplicate or
// stale). A non-nil error means the request could not be consumed; the
// caller should redeliver it. Errors carrying InvalidTokenBalance are fatal:
// balances diverged after a commit and the process must not continue.
func (c *Controller) Process(now int64, req *ActionRequest, bundle *oracle.Bundle) (*ActionOutput, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	dup, err := c.dedupe.IsDuplicate(req.Kind, req.ID)
	if err != nil {
		c.log.Warn().Err(err).Str("action_id", req.ID.String()).
			Msg("dedupe lookup failed, proceeding")
	}
	if dup {
		c.metrics.ActionsRejected.WithLabelValues(string(req.Kind), "duplicate").Inc()
		return nil, nil
	}
	status, err := c.seq.ValidateAction(req.MarketToken, req.Sequence)
	switch status {
	case SequenceStale:
		c.metrics.SequenceStale.WithLabelValues(req.MarketToken).Inc()
		return nil, nil
	case SequenceGap:
		c.metrics.SequenceGaps.WithLabelValues(req.MarketToken).Inc()
		return nil, err
	}

	rec, ok := c.pending[req.ID.String()]
	if !ok {
		createdAt := req.CreatedAt
		if createdAt == 0 {
			createdAt = now
		}
		rec = NewActionRecord(req.ID, req.Kind, req.Owner, req.MarketToken, createdAt)
		c.pending[req.ID.String()] = rec
	}

	var report interface{}
	if rec.Expired(now, c.cfg.RequestExpirationSeconds) {
		if err := rec.MarkCancelled(now, "expired"); err != nil {
			return nil, err
		}
	} else {
		report, err = c.execute(now, req, bundle)
		switch {
		case err == nil:
			if err := rec.MarkExecuted(now); err != nil {
				return nil, err
			}
		case errs.Is(err, errs.KindInvalidTokenBalance):
			return nil, err
		default:
			c.log.Debug().Err(err).Str("action_id", req.ID.String()).
				Str("kind", string(req.Kind)).Msg("action cancelled")
			if err := rec.MarkCancelled(now, errs.KindOf(err).String()); err != nil {
				return nil, err
			}
		}
	}
	return c.finish(rec, report, start), nil
}

// finish extends the hash chain, records metrics, and emits the output.
func (c *Controller) finish(rec *ActionRecord, report interface{}, start time.Time) *ActionOutput {
	c.sequence++
	hashStart := time.Now()
	hash := c.hasher.ComputeHash(c.sequence, c.stateDigest())
	c.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
	c.metrics.EngineSequence.Set(float64(c.sequence))

	kind := string(rec.Kind)
	if rec.Status == StatusExecuted {
		c.metrics.ActionsExecuted.WithLabelValues(kind).Inc()
	} else {
		c.metrics.ActionsCancelled.WithLabelValues(kind, rec.Reason).Inc()
	}
	c.metrics.ActionDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	c.dedupe.MarkProcessed(rec.Kind, rec.ID)
	c.metrics.DedupLRUSize.Set(float64(c.dedupe.Size()))
	delete(c.pending, rec.ID.String())

	out := &ActionOutput{
		Record:    *rec,
		Sequence:  c.sequence,
		StateHash: hash,
		Report:    report,
	}
	c.emit(out)
	return out
}

func (c *Controller) emit(out *ActionOutput) {
	if c.persistCh != nil {
		select {
		case c.persistCh <- *out:
		default:
			c.metrics.PersistBackpressure.Inc()
			c.persistCh <- *out
		}
	}
	if c.reportCh != nil {
		select {
		case c.reportCh <- *out:
		default:
			c.metrics.ReportDrops.Inc()
			c.log.Warn().Uint64("sequence", out.Sequence).Msg("report channel full, dropping")
		}
	}
}

func (c *Controller) execute(now int64, req *ActionRequest, bundle *oracle.Bundle) (interface{}, error) {
	switch req.Kind {
	case ActionDeposit:
		return c.executeDeposit(now, req, bundle)
	case ActionWithdrawal:
		return c.executeWithdrawal(now, req, bundle)
	case ActionSwap:
		return c.executeSwap(now, req, bundle)
	case ActionIncrease:
		return c.executeIncrease(now, req, bundle)
	case ActionDecrease, ActionLiquidation, ActionAutoDeleverage:
		return c.executeDecrease(now, req, bundle)
	default:
		return nil, errs.E(errs.KindInvalidArgument, "unknown action kind %q", req.Kind)
	}
}

func (c *Controller) registered(marketToken string) (*market.Market, error) {
	m, ok := c.markets[marketToken]
	if !ok {
		return nil, errs.E(errs.KindInvalidArgument, "unknown market %s", marketToken)
	}
	return m, nil
}

func (c *Controller) requireBalance(key AccountKey, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	if have := c.ledger.Balance(key); have.Lt(amount) {
		return errs.E(errs.KindInsufficientFundsToPayForCosts,
			"account %s holds %s, needs %s", key.Path(), have.Dec(), amount.Dec())
	}
	return nil
}

// fatalMove marks a ledger failure after commit. Pool state already changed,
// so the ledger can no longer match it and the engine must stop.
func fatalMove(err error) error {
	if err == nil {
		return nil
	}
	return errs.Wrap(errs.KindInvalidTokenBalance, err)
}

func orZeroU(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

// pathMarkets builds the shared overlay set for an action's swap paths.
// current names the action's own market, which paths may not revisit.
func (c *Controller) pathMarkets(current string, paths ...[]action.PathHop) (*market.SwapMarkets, error) {
	seen := make(map[string]bool)
	var markets []*market.Market
	for _, path := range paths {
		for _, hop := range path {
			if seen[hop.MarketToken] {
				continue
			}
			seen[hop.MarketToken] = true
			m, err := c.registered(hop.MarketToken)
			if err != nil {
				return nil, err
			}
			markets = append(markets, m)
		}
	}
	return market.NewSwapMarkets(current, markets)
}

// bundlePrices adapts a bundle into the per-market price lookup swap hops use.
func bundlePrices(sm *market.SwapMarkets, bundle *oracle.Bundle) func(string) (market.Prices, error) {
	return func(marketToken string) (market.Prices, error) {
		rm, ok := sm.Get(marketToken)
		if !ok {
			return market.Prices{}, errs.E(errs.KindInvalidSwapPath, "market %s not in swap set", marketToken)
		}
		return market.PricesFromBundle(bundle, rm.Meta())
	}
}

// swapLeg routes one side of an action through its path on the shared
// overlay set. An empty path or zero amount passes through untouched. When
// fromToken is set the path must start there; when toToken is set the path
// must end there.
func swapLeg(sm *market.SwapMarkets, bundle *oracle.Bundle, path []action.PathHop, amountIn *uint256.Int, fromToken, toToken string) (*uint256.Int, []*action.SwapReport, error) {
	if len(path) == 0 || amountIn.IsZero() {
		return amountIn, nil, nil
	}
	if fromToken != "" && path[0].TokenIn != fromToken {
		return nil, nil, errs.E(errs.KindInvalidSwapPath,
			"path starts at %s, leg pays %s", path[0].TokenIn, fromToken)
	}
	out, hops, err := action.ExecuteSwapPath(sm, bundlePrices(sm, bundle), path, amountIn)
	if err != nil {
		return nil, nil, err
	}
	if toToken != "" && hops[len(hops)-1].TokenOut != toToken {
		return nil, nil, errs.E(errs.KindInvalidSwapPath,
			"path delivers %s, action needs %s", hops[len(hops)-1].TokenOut, toToken)
	}
	return out, hops, nil
}

// settleSwapLedger replays a committed swap leg's token movements: the
// funding into the first hop's vault, receiver fees out of each hop's vault,
// intermediate outputs between vaults, and the final output to the owner.
// Failures are fatal: pool state has already committed.
func (c *Controller) settleSwapLedger(owner string, path []action.PathHop, amountIn *uint256.Int, hops []*action.SwapReport) error {
	if len(hops) == 0 {
		return nil
	}
	if err := c.ledger.Transfer(
		OwnerAccount(owner, path[0].TokenIn),
		VaultAccount(path[0].MarketToken, path[0].TokenIn), amountIn); err != nil {
		return fatalMove(err)
	}
	for i, hop := range hops {
		hopMarket := path[i].MarketToken
		if fee := hop.Fees.FeeReceiverAmount; fee != nil && !fee.IsZero() {
			if err := c.ledger.Transfer(VaultAccount(hopMarket, hop.TokenIn), FeeAccount(hop.TokenIn), fee); err != nil {
				return fatalMove(err)
			}
		}
		dst := OwnerAccount(owner, hop.TokenOut)
		if i < len(hops)-1 {
			dst = VaultAccount(path[i+1].MarketToken, hop.TokenOut)
		}
		if !hop.AmountOut.IsZero() {
			if err := c.ledger.Transfer(VaultAccount(hopMarket, hop.TokenOut), dst, hop.AmountOut); err != nil {
				return fatalMove(err)
			}
		}
	}
	return nil
}

func (c *Controller) executeDeposit(now int64, req *ActionRequest, bundle *oracle.Bundle) (interface{}, error) {
	m, err := c.registered(req.MarketToken)
	if err != nil {
		return nil, err
	}
	meta := m.Meta()
	prices, err := market.PricesFromBundle(bundle, meta)
	if err != nil {
		return nil, err
	}
	d := req.Deposit
	longIn := orZeroU(d.InitialLongAmount)
	shortIn := orZeroU(d.InitialShortAmount)

	longFunding := meta.LongToken
	if len(d.LongTokenSwapPath) > 0 {
		longFunding = d.LongTokenSwapPath[0].TokenIn
	}
	shortFunding := meta.ShortToken
	if len(d.ShortTokenSwapPath) > 0 {
		shortFunding = d.ShortTokenSwapPath[0].TokenIn
	}
	// Sides funded from the same account are checked together; pure markets
	// always land here since both sides share a token.
	needs := make(map[AccountKey]*uint256.Int, 2)
	for _, leg := range [2]struct {
		token  string
		amount *uint256.Int
	}{{longFunding, longIn}, {shortFunding, shortIn}} {
		key := OwnerAccount(req.Owner, leg.token)
		needs[key] = new(uint256.Int).Add(orZeroU(needs[key]), leg.amount)
	}
	for key, amount := range needs {
		if err := c.requireBalance(key, amount); err != nil {
			return nil, err
		}
	}

	sm, err := c.pathMarkets(req.MarketToken, d.LongTokenSwapPath, d.ShortTokenSwapPath)
	if err != nil {
		return nil, err
	}
	swappedLong, longHops, err := swapLeg(sm, bundle, d.LongTokenSwapPath, longIn, "", meta.LongToken)
	if err != nil {
		sm.Discard()
		return nil, err
	}
	swappedShort, shortHops, err := swapLeg(sm, bundle, d.ShortTokenSwapPath, shortIn, "", meta.ShortToken)
	if err != nil {
		sm.Discard()
		return nil, err
	}

	r := market.NewRevertible(m)
	discard := func() {
		r.Discard()
		sm.Discard()
	}
	if err := action.DistributePositionImpact(r, now); err != nil {
		discard()
		return nil, err
	}
	rep, err := action.ExecuteDeposit(r, prices, action.DepositParams{
		Owner:                req.Owner,
		InitialLongAmount:    swappedLong,
		InitialShortAmount:   swappedShort,
		MinMarketTokenAmount: d.MinMarketTokenAmount,
		Supply:               c.ledger.Supply(meta.MarketToken),
		FirstDepositOwner:    c.cfg.FirstDepositOwner,
	})
	if err != nil {
		discard()
		return nil, err
	}
	rep.LongSwaps, rep.ShortSwaps = longHops, shortHops
	r.Commit()
	sm.Commit()

	if err := c.settleSwapLedger(req.Owner, d.LongTokenSwapPath, longIn, longHops); err != nil {
		return nil, err
	}
	if err := c.settleSwapLedger(req.Owner, d.ShortTokenSwapPath, shortIn, shortHops); err != nil {
		return nil, err
	}

	vaultLong := VaultAccount(meta.MarketToken, meta.LongToken)
	vaultShort := VaultAccount(meta.MarketToken, meta.ShortToken)
	if !swappedLong.IsZero() {
		if err := c.ledger.Transfer(OwnerAccount(req.Owner, meta.LongToken), vaultLong, swappedLong); err != nil {
			return nil, fatalMove(err)
		}
	}
	if !swappedShort.IsZero() {
		if err := c.ledger.Transfer(OwnerAccount(req.Owner, meta.ShortToken), vaultShort, swappedShort); err != nil {
			return nil, fatalMove(err)
		}
	}
	if fee := rep.LongFees.FeeReceiverAmount; fee != nil && !fee.IsZero() {
		if err := c.ledger.Transfer(vaultLong, FeeAccount(meta.LongToken), fee); err != nil {
			return nil, fatalMove(err)
		}
	}
	if fee := rep.ShortFees.FeeReceiverAmount; fee != nil && !fee.IsZero() {
		if err := c.ledger.Transfer(vaultShort, FeeAccount(meta.ShortToken), fee); err != nil {
			return nil, fatalMove(err)
		}
	}
	if err := c.ledger.Mint(OwnerAccount(req.Owner, meta.MarketToken), rep.MintAmount); err != nil {
		return nil, fatalMove(err)
	}
	return rep, nil
}

func (c *Controller) executeWithdrawal(now int64, req *ActionRequest, bundle *oracle.Bundle) (interface{}, error) {
	m, err := c.registered(req.MarketToken)
	if err != nil {
		return nil, err
	}
	meta := m.Meta()
	prices, err := market.PricesFromBundle(bundle, meta)
	if err != nil {
		return nil, err
	}
	w := req.Withdrawal
	burn := orZeroU(w.MarketTokenAmount)
	if err := c.requireBalance(OwnerAccount(req.Owner, meta.MarketToken), burn); err != nil {
		return nil, err
	}
	sm, err := c.pathMarkets(req.MarketToken, w.LongTokenSwapPath, w.ShortTokenSwapPath)
	if err != nil {
		return nil, err
	}
	// With a swap path the requested minimum bounds the path's final output,
	// not the raw side output.
	minLong, minShort := w.MinLongAmount, w.MinShortAmount
	if len(w.LongTokenSwapPath) > 0 {
		minLong = nil
	}
	if len(w.ShortTokenSwapPath) > 0 {
		minShort = nil
	}

	r := market.NewRevertible(m)
	discard := func() {
		r.Discard()
		sm.Discard()
	}
	if err := action.DistributePositionImpact(r, now); err != nil {
		discard()
		return nil, err
	}
	rep, err := action.ExecuteWithdrawal(r, prices, action.WithdrawalParams{
		Owner:             req.Owner,
		MarketTokenAmount: burn,
		MinLongAmount:     minLong,
		MinShortAmount:    minShort,
		Supply:            c.ledger.Supply(meta.MarketToken),
	})
	if err != nil {
		discard()
		return nil, err
	}

	finalLong, longHops, err := swapLeg(sm, bundle, w.LongTokenSwapPath, orZeroU(rep.LongAmountOut), meta.LongToken, "")
	if err != nil {
		discard()
		return nil, err
	}
	finalShort, shortHops, err := swapLeg(sm, bundle, w.ShortTokenSwapPath, orZeroU(rep.ShortAmountOut), meta.ShortToken, "")
	if err != nil {
		discard()
		return nil, err
	}
	if len(longHops) > 0 && w.MinLongAmount != nil && finalLong.Lt(w.MinLongAmount) {
		discard()
		return nil, errs.E(errs.KindInsufficientOutputAmount,
			"long output %s below requested minimum %s", finalLong.Dec(), w.MinLongAmount.Dec())
	}
	if len(shortHops) > 0 && w.MinShortAmount != nil && finalShort.Lt(w.MinShortAmount) {
		discard()
		return nil, errs.E(errs.KindInsufficientOutputAmount,
			"short output %s below requested minimum %s", finalShort.Dec(), w.MinShortAmount.Dec())
	}
	rep.LongSwaps, rep.ShortSwaps = longHops, shortHops
	r.Commit()
	sm.Commit()

	if err := c.ledger.Burn(OwnerAccount(req.Owner, meta.MarketToken), burn); err != nil {
		return nil, fatalMove(err)
	}
	vaultLong := VaultAccount(meta.MarketToken, meta.LongToken)
	vaultShort := VaultAccount(meta.MarketToken, meta.ShortToken)
	if out := rep.LongAmountOut; out != nil && !out.IsZero() {
		if err := c.ledger.Transfer(vaultLong, OwnerAccount(req.Owner, meta.LongToken), out); err != nil {
			return nil, fatalMove(err)
		}
	}
	if out := rep.ShortAmountOut; out != nil && !out.IsZero() {
		if err := c.ledger.Transfer(vaultShort, OwnerAccount(req.Owner, meta.ShortToken), out); err != nil {
			return nil, fatalMove(err)
		}
	}
	if fee := rep.LongFees.FeeReceiverAmount; fee != nil && !fee.IsZero() {
		if err := c.ledger.Transfer(vaultLong, FeeAccount(meta.LongToken), fee); err != nil {
			return nil, fatalMove(err)
		}
	}
	if fee := rep.ShortFees.FeeReceiverAmount; fee != nil && !fee.IsZero() {
		if err := c.ledger.Transfer(vaultShort, FeeAccount(meta.ShortToken), fee); err != nil {
			return nil, fatalMove(err)
		}
	}
	if err := c.settleSwapLedger(req.Owner, w.LongTokenSwapPath, orZeroU(rep.LongAmountOut), longHops); err != nil {
		return nil, err
	}
	if err := c.settleSwapLedger(req.Owner, w.ShortTokenSwapPath, orZeroU(rep.ShortAmountOut), shortHops); err != nil {
		return nil, err
	}
	return rep, nil
}

func (c *Controller) executeSwap(now int64, req *ActionRequest, bundle *oracle.Bundle) (interface{}, error) {
	s := req.Swap
	if s.Path[0].MarketToken != req.MarketToken {
		return nil, errs.E(errs.KindInvalidArgument,
			"swap partitioned on %s but path starts at %s", req.MarketToken, s.Path[0].MarketToken)
	}
	sm, err := c.pathMarkets("", s.Path)
	if err != nil {
		return nil, err
	}

	amountIn := orZeroU(s.AmountIn)
	tokenIn := s.Path[0].TokenIn
	if err := c.requireBalance(OwnerAccount(req.Owner, tokenIn), amountIn); err != nil {
		return nil, err
	}

	out, hops, err := action.ExecuteSwapPath(sm, bundlePrices(sm, bundle), s.Path, amountIn)
	if err != nil {
		sm.Discard()
		return nil, err
	}
	if s.MinAmountOut != nil && out.Lt(s.MinAmountOut) {
		sm.Discard()
		return nil, errs.E(errs.KindInsufficientOutputAmount,
			"swap output %s below minimum %s", out.Dec(), s.MinAmountOut.Dec())
	}
	sm.Commit()
	c.metrics.SwapPathLength.Observe(float64(len(s.Path)))

	if err := c.settleSwapLedger(req.Owner, s.Path, amountIn, hops); err != nil {
		return nil, err
	}
	return hops, nil
}

func (c *Controller) executeIncrease(now int64, req *ActionRequest, bundle *oracle.Bundle) (interface{}, error) {
	m, err := c.registered(req.MarketToken)
	if err != nil {
		return nil, err
	}
	meta := m.Meta()
	prices, err := market.PricesFromBundle(bundle, meta)
	if err != nil {
		return nil, err
	}
	i := req.Increase
	if _, err := meta.IsCollateralTokenLong(i.CollateralToken); err != nil {
		return nil, err
	}
	key := PositionKey{
		Owner:           req.Owner,
		MarketToken:     req.MarketToken,
		CollateralToken: i.CollateralToken,
		IsLong:          i.IsLong,
	}
	var pos *position.Position
	if existing, ok := c.positions[key]; ok {
		pos = existing.Clone()
	} else {
		pos = position.New(req.Owner, req.MarketToken, i.CollateralToken, i.IsLong)
	}
	collateralDelta := orZeroU(i.CollateralDeltaAmount)
	if err := c.requireBalance(OwnerAccount(req.Owner, i.CollateralToken), collateralDelta); err != nil {
		return nil, err
	}

	r := market.NewRevertible(m)
	rep, err := action.ExecuteIncrease(r, prices, pos, action.IncreaseParams{
		CollateralDeltaAmount: collateralDelta,
		SizeDeltaUsd:          i.SizeDeltaUsd,
		AcceptablePrice:       i.AcceptablePrice,
		Now:                   now,
	})
	if err != nil {
		r.Discard()
		return nil, err
	}
	r.Commit()
	c.positions[key] = pos

	if !collateralDelta.IsZero() {
		if err := c.ledger.Transfer(
			OwnerAccount(req.Owner, i.CollateralToken),
			VaultAccount(meta.MarketToken, i.CollateralToken), collateralDelta); err != nil {
			return nil, fatalMove(err)
		}
	}
	return rep, nil
}

func (c *Controller) executeDecrease(now int64, req *ActionRequest, bundle *oracle.Bundle) (interface{}, error) {
	m, err := c.registered(req.MarketToken)
	if err != nil {
		return nil, err
	}
	meta := m.Meta()
	prices, err := market.PricesFromBundle(bundle, meta)
	if err != nil {
		return nil, err
	}
	d := req.Decrease
	mode := action.DecreaseModeMarket
	switch req.Kind {
	case ActionLiquidation:
		mode = action.DecreaseModeLiquidation
	case ActionAutoDeleverage:
		mode = action.DecreaseModeAdl
	}
	key := PositionKey{
		Owner:           req.Owner,
		MarketToken:     req.MarketToken,
		CollateralToken: d.CollateralToken,
		IsLong:          d.IsLong,
	}
	existing, ok := c.positions[key]
	if !ok {
		return nil, errs.E(errs.KindPreconditionsNotMet, "no open position for %s", key)
	}
	pos := existing.Clone()

	sm, err := c.pathMarkets(req.MarketToken, d.SwapPath)
	if err != nil {
		return nil, err
	}
	r := market.NewRevertible(m)
	discard := func() {
		r.Discard()
		sm.Discard()
	}
	rep, err := action.ExecuteDecrease(r, prices, pos, action.DecreaseParams{
		SizeDeltaUsd:    d.SizeDeltaUsd,
		AcceptablePrice: d.AcceptablePrice,
		Mode:            mode,
		OracleMaxTS:     bundle.MaxOracleTS,
		Now:             now,
	})
	if err != nil {
		discard()
		return nil, err
	}
	payout := orZeroU(rep.OutputAmount)
	_, hops, err := swapLeg(sm, bundle, d.SwapPath, payout, d.CollateralToken, "")
	if err != nil {
		discard()
		return nil, err
	}
	rep.OutputSwaps = hops
	r.Commit()
	sm.Commit()
	if pos.IsEmpty() {
		delete(c.positions, key)
	} else {
		c.positions[key] = pos
	}

	if !payout.IsZero() {
		if err := c.ledger.Transfer(
			VaultAccount(meta.MarketToken, d.CollateralToken),
			OwnerAccount(req.Owner, d.CollateralToken), payout); err != nil {
			return nil, fatalMove(err)
		}
	}
	if err := c.settleSwapLedger(req.Owner, d.SwapPath, payout, hops); err != nil {
		return nil, err
	}
	return rep, nil
}

// ApplyOracleTick runs the periodic state updates (impact distribution,
// borrowing, funding, ADL flags) on every enabled market the bundle covers,
// then extends the hash chain. Markets the bundle does not fully price are
// skipped.
func (c *Controller) ApplyOracleTick(now int64, bundle *oracle.Bundle) {
	start := time.Now()
	for _, marketToken := range c.order {
		m := c.markets[marketToken]
		if !m.Enabled() {
			continue
		}
		prices, err := market.PricesFromBundle(bundle, m.Meta())
		if err != nil {
			continue
		}
		r := market.NewRevertible(m)
		err = action.DistributePositionImpact(r, now)
		if err == nil {
			err = action.UpdateBorrowingState(r, prices, now)
		}
		if err == nil {
			err = action.UpdateFundingState(r, now)
		}
		if err == nil {
			err = action.UpdateAdlState(r, prices, now)
		}
		if err != nil {
			r.Discard()
			c.log.Warn().Err(err).Str("market", marketToken).Msg("oracle tick skipped market")
			continue
		}
		r.Commit()
		c.publishMarketGauges(m)
	}
	c.sequence++
	c.hasher.ComputeHash(c.sequence, c.stateDigest())
	c.metrics.EngineSequence.Set(float64(c.sequence))
	c.metrics.OracleTickDur.Observe(time.Since(start).Seconds())
}

func (c *Controller) publishMarketGauges(m *market.Market) {
	marketToken := m.Meta().MarketToken
	pool := m.Pool(market.PoolPrimary)
	c.metrics.PoolTokenAmount.WithLabelValues(marketToken, "long").Set(gaugeValue(pool.LongAmount()))
	c.metrics.PoolTokenAmount.WithLabelValues(marketToken, "short").Set(gaugeValue(pool.ShortAmount()))
	c.metrics.OpenInterestUsd.WithLabelValues(marketToken, "long").Set(gaugeValue(market.OpenInterest(m, true)))
	c.metrics.OpenInterestUsd.WithLabelValues(marketToken, "short").Set(gaugeValue(market.OpenInterest(m, false)))
	other := m.Other()
	c.metrics.AdlEnabled.WithLabelValues(marketToken, "long").Set(boolGauge(other.AdlEnabledForLong))
	c.metrics.AdlEnabled.WithLabelValues(marketToken, "short").Set(boolGauge(other.AdlEnabledForShort))
}

func gaugeValue(v *uint256.Int) float64 {
	f, err := strconv.ParseFloat(v.Dec(), 64)
	if err != nil {
		return 0
	}
	return f
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
