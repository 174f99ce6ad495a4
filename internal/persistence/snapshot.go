package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"PerpEngine/internal/controller"
	"PerpEngine/internal/fixed"
	"PerpEngine/internal/market"
	"PerpEngine/internal/observability"
	"PerpEngine/internal/position"
)

// SnapshotData is the full engine state at a committed sequence: pools,
// clocks, positions, ledger balances, sequence expectations, the dedupe
// window, and the state hash chain head. Amounts serialize as decimal
// strings.
type SnapshotData struct {
	Sequence   uint64            `json:"sequence"`
	StateHash  []byte            `json:"state_hash"`
	Digest     []byte            `json:"digest"`
	Partitions map[string]uint64 `json:"partitions"`
	DedupeKeys []string          `json:"dedupe_keys"`

	Markets   []MarketSnapshot   `json:"markets"`
	Positions []PositionSnapshot `json:"positions"`
	Accounts  []AccountSnapshot  `json:"accounts"`
	Supplies  map[string]string  `json:"supplies"`

	CreatedAt time.Time `json:"created_at"`
}

// MarketSnapshot is one market's serialized state. Pure pools store the
// combined amount under Long with a zero Short.
type MarketSnapshot struct {
	MarketToken string                  `json:"market_token"`
	Enabled     bool                    `json:"enabled"`
	Pools       map[string]PoolSnapshot `json:"pools"`
	Clocks      map[string]int64        `json:"clocks"`

	LongTokenBalance       string         `json:"long_token_balance"`
	ShortTokenBalance      string         `json:"short_token_balance"`
	FundingFactorPerSecond SignedSnapshot `json:"funding_factor_per_second"`
	AdlEnabledForLong      bool           `json:"adl_enabled_for_long"`
	AdlEnabledForShort     bool           `json:"adl_enabled_for_short"`
	TradeCount             uint64         `json:"trade_count"`
}

// PoolSnapshot holds one pool's amounts.
type PoolSnapshot struct {
	Long  string `json:"long"`
	Short string `json:"short"`
}

// SignedSnapshot is a serialized signed fixed-point value.
type SignedSnapshot struct {
	Abs      string `json:"abs"`
	Negative bool   `json:"negative"`
}

// PositionSnapshot is one serialized position.
type PositionSnapshot struct {
	Owner           string `json:"owner"`
	MarketToken     string `json:"market_token"`
	CollateralToken string `json:"collateral_token"`
	IsLong          bool   `json:"is_long"`

	SizeInUsd        string `json:"size_in_usd"`
	SizeInTokens     string `json:"size_in_tokens"`
	CollateralAmount string `json:"collateral_amount"`

	BorrowingFactor                         string         `json:"borrowing_factor"`
	FundingFeeAmountPerSize                 SignedSnapshot `json:"funding_fee_amount_per_size"`
	LongTokenClaimableFundingAmountPerSize  string         `json:"long_token_claimable_funding_amount_per_size"`
	ShortTokenClaimableFundingAmountPerSize string         `json:"short_token_claimable_funding_amount_per_size"`

	IncreasedAt int64  `json:"increased_at"`
	DecreasedAt int64  `json:"decreased_at"`
	TradeID     uint64 `json:"trade_id"`
}

// AccountSnapshot is one non-zero ledger account.
type AccountSnapshot struct {
	Scope   string `json:"scope"`
	Entity  string `json:"entity"`
	Token   string `json:"token"`
	Balance string `json:"balance"`
}

// Capture serializes the controller's full state. The caller must not run
// Process or ApplyOracleTick concurrently.
func Capture(c *controller.Controller, now time.Time) *SnapshotData {
	snap := &SnapshotData{
		Sequence:   c.Sequence(),
		StateHash:  c.CurrentHash(),
		Digest:     c.StateDigest(),
		Partitions: c.SequenceState(),
		DedupeKeys: c.DedupeKeys(),
		Supplies:   make(map[string]string),
		CreatedAt:  now,
	}

	for _, marketToken := range c.MarketTokens() {
		m, _ := c.Market(marketToken)
		ms := MarketSnapshot{
			MarketToken: marketToken,
			Enabled:     m.Enabled(),
			Pools:       make(map[string]PoolSnapshot, len(market.PoolKinds())),
			Clocks:      make(map[string]int64, len(market.ClockKinds())),
		}
		for _, kind := range market.PoolKinds() {
			p := m.Pool(kind)
			if p.IsPure() {
				total, _ := p.Total()
				ms.Pools[kind.String()] = PoolSnapshot{Long: total.Dec(), Short: "0"}
			} else {
				ms.Pools[kind.String()] = PoolSnapshot{
					Long:  p.LongAmount().Dec(),
					Short: p.ShortAmount().Dec(),
				}
			}
		}
		for _, kind := range market.ClockKinds() {
			ms.Clocks[kind.String()] = m.Clock(kind)
		}
		other := m.Other()
		ms.LongTokenBalance = other.LongTokenBalance.Dec()
		ms.ShortTokenBalance = other.ShortTokenBalance.Dec()
		ms.FundingFactorPerSecond = snapshotSigned(other.FundingFactorPerSecond)
		ms.AdlEnabledForLong = other.AdlEnabledForLong
		ms.AdlEnabledForShort = other.AdlEnabledForShort
		ms.TradeCount = other.TradeCount
		snap.Markets = append(snap.Markets, ms)
	}

	for _, pos := range c.Positions() {
		snap.Positions = append(snap.Positions, PositionSnapshot{
			Owner:           pos.Owner,
			MarketToken:     pos.MarketToken,
			CollateralToken: pos.CollateralToken,
			IsLong:          pos.IsLong,

			SizeInUsd:        pos.SizeInUsd.Dec(),
			SizeInTokens:     pos.SizeInTokens.Dec(),
			CollateralAmount: pos.CollateralAmount.Dec(),

			BorrowingFactor:                         pos.BorrowingFactor.Dec(),
			FundingFeeAmountPerSize:                 snapshotSigned(pos.FundingFeeAmountPerSize),
			LongTokenClaimableFundingAmountPerSize:  pos.LongTokenClaimableFundingAmountPerSize.Dec(),
			ShortTokenClaimableFundingAmountPerSize: pos.ShortTokenClaimableFundingAmountPerSize.Dec(),

			IncreasedAt: pos.IncreasedAt,
			DecreasedAt: pos.DecreasedAt,
			TradeID:     pos.TradeID,
		})
	}

	ledger := c.Ledger()
	seen := make(map[string]bool)
	for _, acct := range ledger.Accounts() {
		snap.Accounts = append(snap.Accounts, AccountSnapshot{
			Scope:   string(acct.Scope),
			Entity:  acct.Entity,
			Token:   acct.Token,
			Balance: ledger.Balance(acct).Dec(),
		})
		if !seen[acct.Token] {
			seen[acct.Token] = true
			snap.Supplies[acct.Token] = ledger.Supply(acct.Token).Dec()
		}
	}

	return snap
}

// Restore rebuilds the controller's state from a snapshot. Markets must
// already be registered with the same metadata and in the same order as at
// capture time; the controller must otherwise be empty. The rebuilt state's
// digest is compared against the captured one, so a metadata drift or a
// corrupted snapshot fails loudly instead of forking the hash chain.
func Restore(c *controller.Controller, snap *SnapshotData) error {
	for _, ms := range snap.Markets {
		m, ok := c.Market(ms.MarketToken)
		if !ok {
			return fmt.Errorf("snapshot market %s is not registered", ms.MarketToken)
		}
		m.SetEnabled(ms.Enabled)
		for _, kind := range market.PoolKinds() {
			ps, ok := ms.Pools[kind.String()]
			if !ok {
				return fmt.Errorf("snapshot market %s misses pool %s", ms.MarketToken, kind)
			}
			p := m.Pool(kind)
			long, err := parseAmount(ps.Long)
			if err != nil {
				return fmt.Errorf("market %s pool %s: %w", ms.MarketToken, kind, err)
			}
			if err := p.ApplyDeltaToLong(fixed.NewSigned(long, false)); err != nil {
				return fmt.Errorf("market %s pool %s: %w", ms.MarketToken, kind, err)
			}
			if !p.IsPure() {
				short, err := parseAmount(ps.Short)
				if err != nil {
					return fmt.Errorf("market %s pool %s: %w", ms.MarketToken, kind, err)
				}
				if err := p.ApplyDeltaToShort(fixed.NewSigned(short, false)); err != nil {
					return fmt.Errorf("market %s pool %s: %w", ms.MarketToken, kind, err)
				}
			}
		}
		for _, kind := range market.ClockKinds() {
			m.SetClock(kind, ms.Clocks[kind.String()])
		}
		other := m.Other()
		long, err := parseAmount(ms.LongTokenBalance)
		if err != nil {
			return fmt.Errorf("market %s long balance: %w", ms.MarketToken, err)
		}
		if err := other.ApplyBalanceDelta(true, fixed.NewSigned(long, false)); err != nil {
			return err
		}
		if !m.Meta().IsPure() {
			short, err := parseAmount(ms.ShortTokenBalance)
			if err != nil {
				return fmt.Errorf("market %s short balance: %w", ms.MarketToken, err)
			}
			if err := other.ApplyBalanceDelta(false, fixed.NewSigned(short, false)); err != nil {
				return err
			}
		}
		other.FundingFactorPerSecond, err = parseSigned(ms.FundingFactorPerSecond)
		if err != nil {
			return fmt.Errorf("market %s funding factor: %w", ms.MarketToken, err)
		}
		other.AdlEnabledForLong = ms.AdlEnabledForLong
		other.AdlEnabledForShort = ms.AdlEnabledForShort
		other.TradeCount = ms.TradeCount
	}

	for _, ps := range snap.Positions {
		pos, err := restorePosition(ps)
		if err != nil {
			return fmt.Errorf("position %s on %s: %w", ps.Owner, ps.MarketToken, err)
		}
		c.RestorePosition(pos)
	}

	ledger := c.Ledger()
	for _, as := range snap.Accounts {
		balance, err := parseAmount(as.Balance)
		if err != nil {
			return fmt.Errorf("account %s:%s:%s: %w", as.Scope, as.Entity, as.Token, err)
		}
		if balance.IsZero() {
			continue
		}
		key := controller.AccountKey{
			Scope:  controller.AccountScope(as.Scope),
			Entity: as.Entity,
			Token:  as.Token,
		}
		if err := ledger.Mint(key, balance); err != nil {
			return fmt.Errorf("restore account %s: %w", key.Path(), err)
		}
	}
	for tok, want := range snap.Supplies {
		if got := ledger.Supply(tok).Dec(); got != want {
			return fmt.Errorf("restored supply of %s is %s, snapshot says %s", tok, got, want)
		}
	}

	c.Restore(snap.Sequence, snap.StateHash, snap.DedupeKeys, snap.Partitions)

	if digest := c.StateDigest(); !bytes.Equal(digest, snap.Digest) {
		return fmt.Errorf("restored state digest diverges from snapshot at sequence %d", snap.Sequence)
	}
	return nil
}

func restorePosition(ps PositionSnapshot) (*position.Position, error) {
	pos := position.New(ps.Owner, ps.MarketToken, ps.CollateralToken, ps.IsLong)
	var err error
	if pos.SizeInUsd, err = parseAmount(ps.SizeInUsd); err != nil {
		return nil, err
	}
	if pos.SizeInTokens, err = parseAmount(ps.SizeInTokens); err != nil {
		return nil, err
	}
	if pos.CollateralAmount, err = parseAmount(ps.CollateralAmount); err != nil {
		return nil, err
	}
	if pos.BorrowingFactor, err = parseAmount(ps.BorrowingFactor); err != nil {
		return nil, err
	}
	if pos.FundingFeeAmountPerSize, err = parseSigned(ps.FundingFeeAmountPerSize); err != nil {
		return nil, err
	}
	if pos.LongTokenClaimableFundingAmountPerSize, err = parseAmount(ps.LongTokenClaimableFundingAmountPerSize); err != nil {
		return nil, err
	}
	if pos.ShortTokenClaimableFundingAmountPerSize, err = parseAmount(ps.ShortTokenClaimableFundingAmountPerSize); err != nil {
		return nil, err
	}
	pos.IncreasedAt = ps.IncreasedAt
	pos.DecreasedAt = ps.DecreasedAt
	pos.TradeID = ps.TradeID
	return pos, nil
}

func snapshotSigned(s *fixed.Signed) SignedSnapshot {
	return SignedSnapshot{Abs: s.Abs().Dec(), Negative: s.IsNegative()}
}

func parseSigned(s SignedSnapshot) (*fixed.Signed, error) {
	abs, err := parseAmount(s.Abs)
	if err != nil {
		return nil, err
	}
	return fixed.NewSigned(abs, s.Negative), nil
}

func parseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(s)
}

// SnapshotManager stores snapshots in engine.snapshots.
type SnapshotManager struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewSnapshotManager(db *sql.DB, metrics *observability.Metrics) *SnapshotManager {
	return &SnapshotManager{db: db, metrics: metrics}
}

// Save persists a snapshot, replacing any unverified snapshot at the same
// sequence.
func (sm *SnapshotManager) Save(ctx context.Context, snap *SnapshotData) error {
	start := time.Now()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	// v1: JSON-encoded SnapshotData.
	const formatVersion = int32(1)

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO engine.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET
			data = EXCLUDED.data, state_hash = EXCLUDED.state_hash,
			size_bytes = EXCLUDED.size_bytes, verified = FALSE
	`, uuid.New(), int64(snap.Sequence), data, snap.StateHash, formatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return err
	}

	if sm.metrics != nil {
		sm.metrics.SnapshotTaken.Inc()
		sm.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		sm.metrics.SnapshotSizeBytes.Set(float64(len(data)))
		sm.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return nil
}

// LoadLatest returns the most recent verified snapshot, or nil when none
// exists and the engine cold-starts.
func (sm *SnapshotManager) LoadLatest(ctx context.Context) (*SnapshotData, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM engine.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified flags a snapshot after a successful restore check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence uint64) error {
	_, err := sm.db.ExecContext(ctx,
		`UPDATE engine.snapshots SET verified = TRUE WHERE sequence = $1`, int64(sequence))
	return err
}
