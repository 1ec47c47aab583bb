package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PostgresStore writes to Postgres using multi-row INSERT. All writes
// are idempotent via ON CONFLICT DO NOTHING so replays after a crash
// never duplicate rows.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the underlying handle for transactional batch flushes.
func (p *PostgresStore) DB() *sql.DB {
	return p.db
}

// WriteEvents appends a batch to vault_log.events.
func (p *PostgresStore) WriteEvents(ctx context.Context, events []EventRow) error {
	return p.writeEvents(ctx, p.db, events)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (p *PostgresStore) writeEvents(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO vault_log.events
		(sequence, event_type, idempotency_key, vault_id, payload, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*7)

	for i, e := range events {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.VaultID,
			e.Payload, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteLiquidations appends a batch to vault_log.liquidations.
func (p *PostgresStore) WriteLiquidations(ctx context.Context, rows []LiquidationRow) error {
	return p.writeLiquidations(ctx, p.db, rows)
}

func (p *PostgresStore) writeLiquidations(ctx context.Context, ex execer, rows []LiquidationRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO vault_log.liquidations
		(result_id, request_id, vault_id, sequence, debt_consumed, collateral_consumed,
		 debt_absorbed, collateral_absorbed, steps, final_tick, timestamp)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*11)

	for i, r := range rows {
		base := i * 11
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
			base+7, base+8, base+9, base+10, base+11,
		))
		args = append(args,
			r.ResultID, r.RequestID, r.VaultID, r.Sequence,
			int64(r.DebtConsumed), int64(r.CollateralConsumed),
			int64(r.DebtAbsorbed), int64(r.CollateralAbsorbed),
			r.Steps, r.FinalTick, r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (result_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteBatchTx writes events and liquidation rows in one transaction.
func (p *PostgresStore) WriteBatchTx(ctx context.Context, events []EventRow, rows []LiquidationRow) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := p.writeEvents(ctx, tx, events); err != nil {
		return err
	}
	if err := p.writeLiquidations(ctx, tx, rows); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveSnapshot persists a ledger snapshot. One row per sequence;
// re-saving at the same sequence overwrites.
func (p *PostgresStore) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO vault_log.snapshots
			(snapshot_id, sequence, data, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, size_bytes = $5
	`, snapshotID, snap.Sequence, data, formatVersion, len(data), snap.CreatedAt)

	return err
}

// LoadLatestSnapshot returns the most recent verified snapshot, or nil
// on a cold start.
func (p *PostgresStore) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT data FROM vault_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified flips a snapshot to verified after a replay check.
func (p *PostgresStore) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE vault_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events at or after fromSequence for replay.
func (p *PostgresStore) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, vault_id, payload, timestamp, source_sequence
		FROM vault_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.VaultID,
			&e.Payload, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestSequence returns the highest sequence in the event log, zero
// when the log is empty.
func (p *PostgresStore) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := p.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM vault_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// IsDuplicate checks the event log for an already-persisted key. The
// in-memory LRU in core answers the hot path; this is the fallback for
// keys older than the LRU horizon.
func (p *PostgresStore) IsDuplicate(ctx context.Context, eventType, idempotencyKey string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	var exists int
	err := p.db.QueryRowContext(cctx, `
		SELECT 1 FROM vault_log.events
		WHERE event_type = $1 AND idempotency_key = $2
		LIMIT 1
	`, eventType, idempotencyKey).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
