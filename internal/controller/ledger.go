package controller

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"PerpEngine/internal/errs"
	"PerpEngine/internal/fixed"
)

// AccountScope partitions ledger accounts by holder kind.
type AccountScope string

const (
	// ScopeOwner holds a trader's free balance.
	ScopeOwner AccountScope = "owner"
	// ScopeVault holds a market's pooled collateral. Entity is the market token.
	ScopeVault AccountScope = "vault"
	// ScopeFeeReceiver collects the fee-receiver share of swap and position fees.
	ScopeFeeReceiver AccountScope = "fees"
)

// AccountKey addresses one balance: a holder within a scope, in one token.
type AccountKey struct {
	Scope  AccountScope
	Entity string
	Token  string
}

// Path renders the canonical account path used for storage and digests.
func (k AccountKey) Path() string {
	return fmt.Sprintf("%s:%s:%s", k.Scope, k.Entity, k.Token)
}

// OwnerAccount addresses a trader's balance in a token.
func OwnerAccount(owner, tok string) AccountKey {
	return AccountKey{Scope: ScopeOwner, Entity: owner, Token: tok}
}

// VaultAccount addresses a market's pooled balance in a collateral token.
func VaultAccount(marketToken, tok string) AccountKey {
	return AccountKey{Scope: ScopeVault, Entity: marketToken, Token: tok}
}

// FeeAccount addresses the engine-wide fee receiver balance in a token.
func FeeAccount(tok string) AccountKey {
	return AccountKey{Scope: ScopeFeeReceiver, Entity: "engine", Token: tok}
}

// TokenLedger tracks token balances and market token supply. Every movement
// is double-entry: a transfer debits one account and credits another, and
// mint/burn move against the token's total supply.
type TokenLedger interface {
	Transfer(from, to AccountKey, amount *uint256.Int) error
	Balance(key AccountKey) *uint256.Int
	Mint(to AccountKey, amount *uint256.Int) error
	Burn(from AccountKey, amount *uint256.Int) error
	Supply(tok string) *uint256.Int
	// Accounts lists non-zero accounts in path order, for digests and
	// snapshots.
	Accounts() []AccountKey
}

// JournalEntry records one balance movement. Mints have a zero-value debit
// key and burns a zero-value credit key.
type JournalEntry struct {
	EntryID uuid.UUID
	Debit   AccountKey
	Credit  AccountKey
	Token   string
	Amount  *uint256.Int
}

// MemoryTokenLedger is the in-memory TokenLedger backing the engine. It is
// rebuilt from snapshots and replay, not persisted row by row.
type MemoryTokenLedger struct {
	balances map[string]*uint256.Int
	keys     map[string]AccountKey
	supply   map[string]*uint256.Int
	journal  []JournalEntry
}

// NewMemoryTokenLedger returns an empty ledger.
func NewMemoryTokenLedger() *MemoryTokenLedger {
	return &MemoryTokenLedger{
		balances: make(map[string]*uint256.Int),
		keys:     make(map[string]AccountKey),
		supply:   make(map[string]*uint256.Int),
	}
}

func validAmount(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return errs.E(errs.KindInvalidArgument, "ledger movement requires a non-zero amount")
	}
	if !fixed.FitsU128(amount) {
		return errs.E(errs.KindOverflow, "ledger amount %s exceeds u128", amount.Dec())
	}
	return nil
}

func (l *MemoryTokenLedger) balance(key AccountKey) *uint256.Int {
	if b, ok := l.balances[key.Path()]; ok {
		return b
	}
	return uint256.NewInt(0)
}

func (l *MemoryTokenLedger) credit(key AccountKey, amount *uint256.Int) error {
	next, err := fixed.Add(l.balance(key), amount)
	if err != nil {
		return err
	}
	l.balances[key.Path()] = next
	l.keys[key.Path()] = key
	return nil
}

func (l *MemoryTokenLedger) debit(key AccountKey, amount *uint256.Int) error {
	have := l.balance(key)
	if amount.Gt(have) {
		return errs.E(errs.KindInsufficientFundsToPayForCosts,
			"account %s holds %s, needs %s", key.Path(), have.Dec(), amount.Dec())
	}
	l.balances[key.Path()] = new(uint256.Int).Sub(have, amount)
	l.keys[key.Path()] = key
	return nil
}

// Transfer moves amount from one account to another.
func (l *MemoryTokenLedger) Transfer(from, to AccountKey, amount *uint256.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if from.Token != to.Token {
		return errs.E(errs.KindInvalidArgument,
			"transfer crosses tokens: %s to %s", from.Path(), to.Path())
	}
	if from == to {
		return errs.E(errs.KindInvalidArgument, "transfer to self: %s", from.Path())
	}
	if err := l.debit(from, amount); err != nil {
		return err
	}
	if err := l.credit(to, amount); err != nil {
		return err
	}
	l.journal = append(l.journal, JournalEntry{
		EntryID: uuid.New(),
		Debit:   from,
		Credit:  to,
		Token:   from.Token,
		Amount:  fixed.Clone(amount),
	})
	return nil
}

// Balance returns a copy of the account's balance; missing accounts are zero.
func (l *MemoryTokenLedger) Balance(key AccountKey) *uint256.Int {
	return fixed.Clone(l.balance(key))
}

// Mint creates amount of the account's token out of thin air, growing supply.
func (l *MemoryTokenLedger) Mint(to AccountKey, amount *uint256.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	next, err := fixed.Add(l.supplyOf(to.Token), amount)
	if err != nil {
		return err
	}
	if err := l.credit(to, amount); err != nil {
		return err
	}
	l.supply[to.Token] = next
	l.journal = append(l.journal, JournalEntry{
		EntryID: uuid.New(),
		Credit:  to,
		Token:   to.Token,
		Amount:  fixed.Clone(amount),
	})
	return nil
}

// Burn destroys amount from the account, shrinking supply.
func (l *MemoryTokenLedger) Burn(from AccountKey, amount *uint256.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	supply := l.supplyOf(from.Token)
	if amount.Gt(supply) {
		return errs.E(errs.KindInvalidTokenBalance,
			"burn of %s exceeds %s supply %s", amount.Dec(), from.Token, supply.Dec())
	}
	if err := l.debit(from, amount); err != nil {
		return err
	}
	l.supply[from.Token] = new(uint256.Int).Sub(supply, amount)
	l.journal = append(l.journal, JournalEntry{
		EntryID: uuid.New(),
		Debit:   from,
		Token:   from.Token,
		Amount:  fixed.Clone(amount),
	})
	return nil
}

func (l *MemoryTokenLedger) supplyOf(tok string) *uint256.Int {
	if s, ok := l.supply[tok]; ok {
		return s
	}
	return uint256.NewInt(0)
}

// Supply returns a copy of the token's minted supply.
func (l *MemoryTokenLedger) Supply(tok string) *uint256.Int {
	return fixed.Clone(l.supplyOf(tok))
}

// Journal returns the movement log since construction.
func (l *MemoryTokenLedger) Journal() []JournalEntry {
	return l.journal
}

// ValidateConservation checks that per token, the sum of all account
// balances equals the minted supply. A mismatch means a movement bypassed
// the ledger and the engine state can no longer be trusted.
func (l *MemoryTokenLedger) ValidateConservation() error {
	sums := make(map[string]*uint256.Int)
	for path, bal := range l.balances {
		tok := l.keys[path].Token
		sum, ok := sums[tok]
		if !ok {
			sum = uint256.NewInt(0)
		}
		next, err := fixed.Add(sum, bal)
		if err != nil {
			return err
		}
		sums[tok] = next
	}
	toks := make([]string, 0, len(sums))
	for tok := range sums {
		toks = append(toks, tok)
	}
	for tok := range l.supply {
		if _, ok := sums[tok]; !ok {
			toks = append(toks, tok)
		}
	}
	sort.Strings(toks)
	for _, tok := range toks {
		sum, ok := sums[tok]
		if !ok {
			sum = uint256.NewInt(0)
		}
		if !sum.Eq(l.supplyOf(tok)) {
			return errs.E(errs.KindInvalidTokenBalance,
				"token %s: accounts hold %s, supply is %s", tok, sum.Dec(), l.supplyOf(tok).Dec())
		}
	}
	return nil
}

// Accounts returns the non-zero account keys in path order, for digests and
// snapshots.
func (l *MemoryTokenLedger) Accounts() []AccountKey {
	paths := make([]string, 0, len(l.balances))
	for path, bal := range l.balances {
		if !bal.IsZero() {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	keys := make([]AccountKey, len(paths))
	for i, path := range paths {
		keys[i] = l.keys[path]
	}
	return keys
}
