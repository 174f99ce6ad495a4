// Package query serves read-only views over the durable record log. The
// engine's in-memory state is single-writer and never read concurrently;
// everything queryable lives in Postgres.
package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service provides read access to action records, price feeds, and
// snapshot metadata.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// ActionView is one terminal action as served to API clients. Report is the
// raw JSON written by the persistence worker.
type ActionView struct {
	ActionID    uuid.UUID       `json:"action_id"`
	Kind        string          `json:"kind"`
	Owner       string          `json:"owner"`
	MarketToken string          `json:"market_token"`
	Status      string          `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	FinishedAt  int64           `json:"finished_at"`
	Sequence    uint64          `json:"sequence"`
	StateHash   []byte          `json:"state_hash"`
	Report      json.RawMessage `json:"report,omitempty"`
}

// ActionFilter narrows an action listing. Zero values mean no filter;
// BeforeSequence paginates backwards through the log.
type ActionFilter struct {
	Owner          string
	MarketToken    string
	BeforeSequence uint64
	Limit          int
}

// Actions lists terminal actions, newest first.
func (s *Service) Actions(ctx context.Context, filter ActionFilter) ([]ActionView, error) {
	q := `
		SELECT action_id, kind, owner, market_token, status, reason,
		       created_at, finished_at, sequence, state_hash, report
		FROM engine.action_records
		WHERE 1=1
	`
	var args []interface{}
	argIdx := 1

	if filter.Owner != "" {
		q += fmt.Sprintf(" AND owner = $%d", argIdx)
		args = append(args, filter.Owner)
		argIdx++
	}
	if filter.MarketToken != "" {
		q += fmt.Sprintf(" AND market_token = $%d", argIdx)
		args = append(args, filter.MarketToken)
		argIdx++
	}
	if filter.BeforeSequence > 0 {
		q += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, int64(filter.BeforeSequence))
		argIdx++
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActionView
	for rows.Next() {
		v, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Action returns one action by ID. A missing action returns sql.ErrNoRows.
func (s *Service) Action(ctx context.Context, id uuid.UUID) (ActionView, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT action_id, kind, owner, market_token, status, reason,
		       created_at, finished_at, sequence, state_hash, report
		FROM engine.action_records
		WHERE action_id = $1
	`, id)
	return scanAction(row)
}

// PriceView is one stored feed observation.
type PriceView struct {
	Token       string `json:"token"`
	Provider    int16  `json:"provider"`
	MinValue    string `json:"min_value"`
	MinDecimals int16  `json:"min_decimals"`
	MaxValue    string `json:"max_value"`
	MaxDecimals int16  `json:"max_decimals"`
	OracleTS    int64  `json:"oracle_ts"`
}

// Prices returns the latest stored observation per (token, provider).
func (s *Service) Prices(ctx context.Context) ([]PriceView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, provider, min_value, min_decimals, max_value, max_decimals, oracle_ts
		FROM engine.price_feeds
		ORDER BY token, provider
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PriceView
	for rows.Next() {
		var p PriceView
		if err := rows.Scan(&p.Token, &p.Provider, &p.MinValue, &p.MinDecimals,
			&p.MaxValue, &p.MaxDecimals, &p.OracleTS); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Status summarizes durable progress: the highest persisted sequence and the
// latest verified snapshot. The live engine may be ahead by the persist
// channel depth.
type Status struct {
	LatestSequence   uint64    `json:"latest_sequence"`
	SnapshotSequence uint64    `json:"snapshot_sequence"`
	SnapshotAt       time.Time `json:"snapshot_at"`
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	var st Status

	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM engine.action_records`).Scan(&seq); err != nil {
		return st, err
	}
	if seq.Valid {
		st.LatestSequence = uint64(seq.Int64)
	}

	var snapSeq sql.NullInt64
	var snapAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT sequence, created_at FROM engine.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC LIMIT 1
	`).Scan(&snapSeq, &snapAt)
	if err != nil && err != sql.ErrNoRows {
		return st, err
	}
	if snapSeq.Valid {
		st.SnapshotSequence = uint64(snapSeq.Int64)
	}
	if snapAt.Valid {
		st.SnapshotAt = snapAt.Time
	}

	return st, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(row rowScanner) (ActionView, error) {
	var v ActionView
	var id string
	var seq int64
	var report sql.NullString
	err := row.Scan(&id, &v.Kind, &v.Owner, &v.MarketToken, &v.Status, &v.Reason,
		&v.CreatedAt, &v.FinishedAt, &seq, &v.StateHash, &report)
	if err != nil {
		return v, err
	}
	v.ActionID, err = uuid.Parse(id)
	if err != nil {
		return v, fmt.Errorf("parse action_id %q: %w", id, err)
	}
	v.Sequence = uint64(seq)
	if report.Valid {
		v.Report = json.RawMessage(report.String)
	}
	return v, nil
}
