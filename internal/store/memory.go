package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps everything in process memory. Test double for the
// Postgres store.
type MemoryStore struct {
	mu           sync.Mutex
	events       map[int64]EventRow
	liquidations map[string]LiquidationRow
	snapshots    map[int64]*SnapshotData
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:       make(map[int64]EventRow),
		liquidations: make(map[string]LiquidationRow),
		snapshots:    make(map[int64]*SnapshotData),
	}
}

func (m *MemoryStore) WriteEvents(ctx context.Context, events []EventRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		if _, dup := m.events[e.Sequence]; dup {
			continue
		}
		m.events[e.Sequence] = e
	}
	return nil
}

func (m *MemoryStore) WriteLiquidations(ctx context.Context, rows []LiquidationRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		if _, dup := m.liquidations[r.ResultID]; dup {
			continue
		}
		m.liquidations[r.ResultID] = r
	}
	return nil
}

func (m *MemoryStore) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.Sequence] = snap
	return nil
}

func (m *MemoryStore) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *SnapshotData
	for _, s := range m.snapshots {
		if best == nil || s.Sequence > best.Sequence {
			best = s
		}
	}
	return best, nil
}

func (m *MemoryStore) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EventRow
	for seq, e := range m.events {
		if seq >= fromSequence {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) LatestSequence(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max int64
	for seq := range m.events {
		if seq > max {
			max = seq
		}
	}
	return max, nil
}

// Liquidations returns all rows ordered by sequence, for test asserts.
func (m *MemoryStore) Liquidations() []LiquidationRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LiquidationRow, 0, len(m.liquidations))
	for _, r := range m.liquidations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}
