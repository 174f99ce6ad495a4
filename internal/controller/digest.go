package controller

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/holiman/uint256"

	"PerpEngine/internal/fixed"
	"PerpEngine/internal/market"
)

// StateDigest hashes the full engine state. Snapshot restores recompute it
// to prove the rebuilt state matches the captured one.
func (c *Controller) StateDigest() []byte { return c.stateDigest() }

// stateDigest hashes the full engine state in a canonical order: markets as
// registered, positions sorted by key, ledger accounts sorted by path. Two
// engines that replayed the same actions produce the same digest.
func (c *Controller) stateDigest() []byte {
	h := sha256.New()

	writeU := func(v *uint256.Int) {
		b := v.Bytes32()
		h.Write(b[:])
	}
	writeSigned := func(s *fixed.Signed) {
		if s.IsNegative() {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
		writeU(s.Abs())
	}
	writeI64 := func(v int64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v))
		h.Write(b[:])
	}
	writeBool := func(v bool) {
		if v {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}

	for _, marketToken := range c.order {
		m := c.markets[marketToken]
		h.Write([]byte(marketToken))
		writeBool(m.Enabled())
		for _, kind := range market.PoolKinds() {
			p := m.Pool(kind)
			writeU(p.LongAmount())
			writeU(p.ShortAmount())
		}
		for _, kind := range market.ClockKinds() {
			writeI64(m.Clock(kind))
		}
		other := m.Other()
		writeU(other.Balance(true))
		writeU(other.Balance(false))
		writeSigned(other.FundingFactorPerSecond)
		writeBool(other.AdlEnabledForLong)
		writeBool(other.AdlEnabledForShort)
		writeI64(int64(other.TradeCount))
		writeU(c.ledger.Supply(marketToken))
	}

	keys := make([]string, 0, len(c.positions))
	byKey := make(map[string]PositionKey, len(c.positions))
	for key := range c.positions {
		s := key.String()
		keys = append(keys, s)
		byKey[s] = key
	}
	sort.Strings(keys)
	for _, s := range keys {
		pos := c.positions[byKey[s]]
		h.Write([]byte(s))
		writeU(pos.SizeInUsd)
		writeU(pos.SizeInTokens)
		writeU(pos.CollateralAmount)
		writeU(pos.BorrowingFactor)
		writeSigned(pos.FundingFeeAmountPerSize)
		writeU(pos.LongTokenClaimableFundingAmountPerSize)
		writeU(pos.ShortTokenClaimableFundingAmountPerSize)
		writeI64(pos.IncreasedAt)
		writeI64(pos.DecreasedAt)
		writeI64(int64(pos.TradeID))
	}

	for _, acct := range c.ledger.Accounts() {
		h.Write([]byte(acct.Path()))
		writeU(c.ledger.Balance(acct))
	}

	return h.Sum(nil)
}
