// Package persistence is the asynchronous durability layer: terminal action
// records, accepted oracle feeds, and state snapshots land in Postgres
// without blocking the deterministic core.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"PerpEngine/internal/controller"
)

// RecordRow is one row of engine.action_records: the terminal record of an
// action, the engine sequence it committed at, the state hash after it, and
// the JSON execution report.
type RecordRow struct {
	ActionID    uuid.UUID
	Kind        string
	Owner       string
	MarketToken string
	Status      string
	Reason      string
	CreatedAt   int64
	FinishedAt  int64
	Sequence    int64
	StateHash   []byte
	Report      []byte
}

// BuildRecordRow flattens a controller output into its storage row. The
// report marshals to JSON; cancelled actions carry no report and store NULL.
func BuildRecordRow(out controller.ActionOutput) (RecordRow, error) {
	row := RecordRow{
		ActionID:    out.Record.ID,
		Kind:        string(out.Record.Kind),
		Owner:       out.Record.Owner,
		MarketToken: out.Record.MarketToken,
		Status:      string(out.Record.Status),
		Reason:      out.Record.Reason,
		CreatedAt:   out.Record.CreatedAt,
		FinishedAt:  out.Record.FinishedAt,
		Sequence:    int64(out.Sequence),
		StateHash:   out.StateHash,
	}
	if out.Report != nil {
		data, err := json.Marshal(out.Report)
		if err != nil {
			return RecordRow{}, fmt.Errorf("marshal report for %s: %w", out.Record.ID, err)
		}
		row.Report = data
	}
	return row, nil
}

// RecordStore writes action records to Postgres using multi-row INSERT.
type RecordStore struct {
	db *sql.DB
}

func NewRecordStore(db *sql.DB) *RecordStore {
	return &RecordStore{db: db}
}

// WriteBatch inserts a batch of terminal records inside the given
// transaction. Records are emitted exactly once and never change after
// reaching a terminal status, so a conflicting action_id is a redelivery and
// the insert skips it.
func (s *RecordStore) WriteBatch(ctx context.Context, tx *sql.Tx, rows []RecordRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO engine.action_records
		(action_id, kind, owner, market_token, status, reason, created_at, finished_at, sequence, state_hash, report)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*11)

	for i, r := range rows {
		base := i * 11
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11,
		))
		var report interface{}
		if r.Report != nil {
			report = r.Report
		}
		args = append(args,
			r.ActionID, r.Kind, r.Owner, r.MarketToken, r.Status, r.Reason,
			r.CreatedAt, r.FinishedAt, r.Sequence, r.StateHash, report,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (action_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// LatestSequence returns the highest engine sequence in the record log, or
// zero when the log is empty.
func (s *RecordStore) LatestSequence(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM engine.action_records`,
	).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// PostgresIdempotencyChecker is the second dedupe tier behind the in-memory
// LRU: an action that fell out of the warm window is still a duplicate if
// its record row exists.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db, timeout: 500 * time.Millisecond}
}

// IsDuplicate reports whether the action already has a record row. The
// lookup runs with a short deadline so a slow database cannot stall the
// processing loop; a timeout surfaces as an error and the caller proceeds.
func (c *PostgresIdempotencyChecker) IsDuplicate(kind controller.ActionKind, id uuid.UUID) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var exists int
	err := c.db.QueryRowContext(ctx,
		`SELECT 1 FROM engine.action_records WHERE action_id = $1 AND kind = $2 LIMIT 1`,
		id, string(kind),
	).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
