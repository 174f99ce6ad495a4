package oracle

import (
	"sync"

	"PerpEngine/internal/errs"
	"PerpEngine/internal/fixed"
	"PerpEngine/internal/token"
)

// FeedEntry is one stored per-(token, provider) price observation.
type FeedEntry struct {
	Token    string
	Provider token.ProviderKind
	Min      fixed.Decimal
	Max      fixed.Decimal
	Ref      *fixed.Decimal
	OracleTS int64
}

// FeedStore persists the latest accepted price per (token, provider).
// Upserts reject timestamp regression, inverted confidence spans, and mid
// prices outside the span.
type FeedStore interface {
	Upsert(entry FeedEntry) error
	Latest(tok string, provider token.ProviderKind) (FeedEntry, bool)
}

// MemoryFeedStore is the in-process FeedStore used by tests and the service
// before Postgres is attached.
type MemoryFeedStore struct {
	mu      sync.RWMutex
	entries map[feedKey]FeedEntry
}

type feedKey struct {
	token    string
	provider token.ProviderKind
}

// NewMemoryFeedStore returns an empty store.
func NewMemoryFeedStore() *MemoryFeedStore {
	return &MemoryFeedStore{entries: make(map[feedKey]FeedEntry)}
}

// ValidateFeedEntry applies the store's acceptance rules without any prior
// state: span ordering and mid containment.
func ValidateFeedEntry(entry FeedEntry) error {
	cmp, err := entry.Min.Cmp(entry.Max)
	if err != nil {
		return err
	}
	if cmp > 0 {
		return errs.E(errs.KindInvalidPrices, "feed %s/%s: span inverted", entry.Token, entry.Provider)
	}
	if entry.Ref != nil {
		if c, err := entry.Min.Cmp(*entry.Ref); err != nil || c > 0 {
			if err != nil {
				return err
			}
			return errs.E(errs.KindInvalidPrices, "feed %s/%s: mid below min", entry.Token, entry.Provider)
		}
		if c, err := entry.Ref.Cmp(entry.Max); err != nil || c > 0 {
			if err != nil {
				return err
			}
			return errs.E(errs.KindInvalidPrices, "feed %s/%s: mid above max", entry.Token, entry.Provider)
		}
	}
	return nil
}

// Upsert stores entry, rejecting regressions against the stored timestamp.
func (s *MemoryFeedStore) Upsert(entry FeedEntry) error {
	if err := ValidateFeedEntry(entry); err != nil {
		return err
	}
	key := feedKey{token: entry.Token, provider: entry.Provider}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entries[key]; ok && entry.OracleTS < prev.OracleTS {
		return errs.E(errs.KindPreconditionsNotMet,
			"feed %s/%s: timestamp regression %d < %d",
			entry.Token, entry.Provider, entry.OracleTS, prev.OracleTS)
	}
	s.entries[key] = entry
	return nil
}

// Latest returns the stored entry for a (token, provider) pair.
func (s *MemoryFeedStore) Latest(tok string, provider token.ProviderKind) (FeedEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[feedKey{token: tok, provider: provider}]
	return e, ok
}
