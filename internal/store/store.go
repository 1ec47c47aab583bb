// Package store persists the event log, liquidation results, and
// ledger snapshots. The deterministic core never touches it directly;
// the persistence worker drains a channel the orchestrator wires up.
package store

import (
	"context"
	"time"

	"VaultEngine/internal/liquidation"
)

// EventRow is a row in vault_log.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	VaultID        string
	Payload        []byte // JSON-encoded event payload
	Timestamp      time.Time
	SourceSequence int64
}

// LiquidationRow is a row in vault_log.liquidations: one settled
// liquidation or absorption outcome.
type LiquidationRow struct {
	ResultID           string
	RequestID          string
	VaultID            string
	Sequence           int64
	DebtConsumed       uint64
	CollateralConsumed uint64
	DebtAbsorbed       uint64
	CollateralAbsorbed uint64
	Steps              int
	FinalTick          int
	Timestamp          time.Time
}

// SnapshotData is a point-in-time capture of the ledger plus the
// counters needed to resume: the core replays events from Sequence+1.
type SnapshotData struct {
	Sequence  int64                      `json:"sequence"`
	Ledger    *liquidation.StateSnapshot `json:"ledger"`
	Digest    []byte                     `json:"digest"`
	ChainHash []byte                     `json:"chain_hash,omitempty"`
	IdemKeys  []string                   `json:"idempotency_keys"`
	SourceSeq map[string]int64           `json:"source_sequences"`
	CreatedAt time.Time                  `json:"created_at"`
}

// Store is what the orchestrator needs from a persistence backend.
type Store interface {
	WriteEvents(ctx context.Context, events []EventRow) error
	WriteLiquidations(ctx context.Context, rows []LiquidationRow) error
	SaveSnapshot(ctx context.Context, snap *SnapshotData) error
	LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error)
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error)
	LatestSequence(ctx context.Context) (int64, error)
}
