package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/holiman/uint256"

	"PerpEngine/internal/errs"
	"PerpEngine/internal/fixed"
	"PerpEngine/internal/oracle"
	"PerpEngine/internal/token"
)

// PostgresFeedStore persists the latest accepted price per (token, provider)
// in engine.price_feeds. Values are stored as decimal strings in NUMERIC
// columns; the scale lives in a separate column, same as the in-memory form.
type PostgresFeedStore struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresFeedStore(db *sql.DB) *PostgresFeedStore {
	return &PostgresFeedStore{db: db, timeout: 2 * time.Second}
}

// Upsert stores the entry unless the stored row carries a newer oracle
// timestamp. The regression check runs inside the UPDATE predicate so two
// writers cannot race past it.
func (s *PostgresFeedStore) Upsert(entry oracle.FeedEntry) error {
	if err := oracle.ValidateFeedEntry(entry); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var ref interface{}
	var refDecimals interface{}
	if entry.Ref != nil {
		ref = entry.Ref.Value.Dec()
		refDecimals = int16(entry.Ref.Decimals)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO engine.price_feeds
			(token, provider, min_value, min_decimals, max_value, max_decimals, ref_value, ref_decimals, oracle_ts, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (token, provider) DO UPDATE SET
			min_value = EXCLUDED.min_value, min_decimals = EXCLUDED.min_decimals,
			max_value = EXCLUDED.max_value, max_decimals = EXCLUDED.max_decimals,
			ref_value = EXCLUDED.ref_value, ref_decimals = EXCLUDED.ref_decimals,
			oracle_ts = EXCLUDED.oracle_ts, updated_at = NOW()
		WHERE engine.price_feeds.oracle_ts <= EXCLUDED.oracle_ts
	`,
		entry.Token, int32(entry.Provider),
		entry.Min.Value.Dec(), int16(entry.Min.Decimals),
		entry.Max.Value.Dec(), int16(entry.Max.Decimals),
		ref, refDecimals, entry.OracleTS,
	)
	if err != nil {
		return errs.Wrap(errs.KindUnknown, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errs.E(errs.KindPreconditionsNotMet,
			"feed %s/%s: timestamp regression at %d", entry.Token, entry.Provider, entry.OracleTS)
	}
	return nil
}

// Latest returns the stored entry for a (token, provider) pair. Rows that
// fail to parse are treated as absent.
func (s *PostgresFeedStore) Latest(tok string, provider token.ProviderKind) (oracle.FeedEntry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var (
		minValue, maxValue       string
		minDecimals, maxDecimals int16
		refValue                 sql.NullString
		refDecimals              sql.NullInt16
		oracleTS                 int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT min_value, min_decimals, max_value, max_decimals, ref_value, ref_decimals, oracle_ts
		FROM engine.price_feeds
		WHERE token = $1 AND provider = $2
	`, tok, int32(provider)).Scan(
		&minValue, &minDecimals, &maxValue, &maxDecimals, &refValue, &refDecimals, &oracleTS,
	)
	if err != nil {
		return oracle.FeedEntry{}, false
	}

	minDec, err := parseDecimal(minValue, minDecimals)
	if err != nil {
		return oracle.FeedEntry{}, false
	}
	maxDec, err := parseDecimal(maxValue, maxDecimals)
	if err != nil {
		return oracle.FeedEntry{}, false
	}
	entry := oracle.FeedEntry{
		Token:    tok,
		Provider: provider,
		Min:      minDec,
		Max:      maxDec,
		OracleTS: oracleTS,
	}
	if refValue.Valid && refDecimals.Valid {
		refDec, err := parseDecimal(refValue.String, refDecimals.Int16)
		if err != nil {
			return oracle.FeedEntry{}, false
		}
		entry.Ref = &refDec
	}
	return entry, true
}

func parseDecimal(value string, decimals int16) (fixed.Decimal, error) {
	v, err := uint256.FromDecimal(value)
	if err != nil {
		return fixed.Decimal{}, err
	}
	return fixed.NewDecimal(v, uint8(decimals))
}
