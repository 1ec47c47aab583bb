package liquidation

import (
	"sort"

	"VaultEngine/internal/bignum"
	"VaultEngine/internal/bitmap"
	"VaultEngine/internal/tickmath"
)

// StateSnapshot is the serializable form of a ledger. Slices are sorted
// so that marshalling the same state twice yields identical bytes.
type StateSnapshot struct {
	TopTick         int    `json:"top_tick"`
	CurrentBranchID uint32 `json:"current_branch_id"`
	BranchCounter   uint32 `json:"branch_counter"`

	Ticks       []TickSnapshot    `json:"ticks"`
	Branches    []BranchSnapshot  `json:"branches"`
	ActiveTicks []int             `json:"active_ticks"`
	RestingAt   []RestingSnapshot `json:"resting_at"`
	Retired     []RetiredSnapshot `json:"retired"`

	AbsorbedDebt       uint64 `json:"absorbed_debt"`
	AbsorbedCollateral uint64 `json:"absorbed_collateral"`
	LiquidatedDebt     uint64 `json:"liquidated_debt"`
}

// TickSnapshot is a serializable tick record.
type TickSnapshot struct {
	Tick           int    `json:"tick"`
	RawDebt        uint64 `json:"raw_debt"`
	Liquidated     bool   `json:"liquidated"`
	BranchID       uint32 `json:"branch_id"`
	BranchEpoch    uint32 `json:"branch_epoch"`
	FactorSnapshot uint64 `json:"factor_snapshot"`
	Generation     uint32 `json:"generation"`
}

// BranchSnapshot is a serializable branch.
type BranchSnapshot struct {
	ID                 uint32 `json:"id"`
	Status             uint8  `json:"status"`
	Epoch              uint32 `json:"epoch"`
	MinimaTick         int    `json:"minima_tick"`
	DebtFactor         uint64 `json:"debt_factor"`
	RestingDebt        uint64 `json:"resting_debt"`
	BaseBranchID       uint32 `json:"base_branch_id"`
	BaseEpoch          uint32 `json:"base_epoch"`
	BaseMinimaTick     int    `json:"base_minima_tick"`
	BaseFactorSnapshot uint64 `json:"base_factor_snapshot"`
}

// RestingSnapshot records which branch rests at a minima tick.
type RestingSnapshot struct {
	Tick     int    `json:"tick"`
	BranchID uint32 `json:"branch_id"`
}

// RetiredSnapshot is a recycled tick incarnation kept for stale views.
type RetiredSnapshot struct {
	Tick   int          `json:"tick"`
	Record TickSnapshot `json:"record"`
}

// Snapshot captures the full ledger in serializable form.
func (s *State) Snapshot() *StateSnapshot {
	snap := &StateSnapshot{
		TopTick:            s.TopTick,
		CurrentBranchID:    s.CurrentBranchID,
		BranchCounter:      s.BranchCounter,
		AbsorbedDebt:       s.AbsorbedDebt,
		AbsorbedCollateral: s.AbsorbedCollateral,
		LiquidatedDebt:     s.LiquidatedDebt,
	}

	for t, r := range s.Ticks {
		snap.Ticks = append(snap.Ticks, tickSnap(t, r))
	}
	sort.Slice(snap.Ticks, func(i, j int) bool { return snap.Ticks[i].Tick < snap.Ticks[j].Tick })

	for _, b := range s.Branches {
		snap.Branches = append(snap.Branches, BranchSnapshot{
			ID:                 b.ID,
			Status:             uint8(b.Status),
			Epoch:              b.Epoch,
			MinimaTick:         b.MinimaTick,
			DebtFactor:         uint64(b.DebtFactor),
			RestingDebt:        b.RestingDebt,
			BaseBranchID:       b.BaseBranchID,
			BaseEpoch:          b.BaseEpoch,
			BaseMinimaTick:     b.BaseMinimaTick,
			BaseFactorSnapshot: uint64(b.BaseFactorSnapshot),
		})
	}
	sort.Slice(snap.Branches, func(i, j int) bool { return snap.Branches[i].ID < snap.Branches[j].ID })

	for t, id := range s.restingAt {
		snap.RestingAt = append(snap.RestingAt, RestingSnapshot{Tick: t, BranchID: id})
	}
	sort.Slice(snap.RestingAt, func(i, j int) bool { return snap.RestingAt[i].Tick < snap.RestingAt[j].Tick })

	for k, r := range s.retired {
		rec := r
		ts := tickSnap(k.Tick, &rec)
		ts.Generation = k.Generation
		snap.Retired = append(snap.Retired, RetiredSnapshot{Tick: k.Tick, Record: ts})
	}
	sort.Slice(snap.Retired, func(i, j int) bool {
		a, b := snap.Retired[i], snap.Retired[j]
		if a.Tick != b.Tick {
			return a.Tick < b.Tick
		}
		return a.Record.Generation < b.Record.Generation
	})

	// Walk the index without mutating it.
	for t := maxIndexTick; ; t-- {
		hit, ok := s.Index.NextAtOrBelow(t)
		if !ok {
			break
		}
		snap.ActiveTicks = append(snap.ActiveTicks, hit)
		if hit <= tickmath.MinTick {
			break
		}
		t = hit
	}
	sort.Ints(snap.ActiveTicks)

	return snap
}

func tickSnap(tick int, r *TickRecord) TickSnapshot {
	return TickSnapshot{
		Tick:           tick,
		RawDebt:        r.RawDebt,
		Liquidated:     r.Liquidated,
		BranchID:       r.BranchID,
		BranchEpoch:    r.BranchEpoch,
		FactorSnapshot: uint64(r.FactorSnapshot),
		Generation:     r.Generation,
	}
}

// RestoreState rebuilds a ledger from a snapshot.
func RestoreState(snap *StateSnapshot) *State {
	s := &State{
		TopTick:            snap.TopTick,
		CurrentBranchID:    snap.CurrentBranchID,
		BranchCounter:      snap.BranchCounter,
		Ticks:              make(map[int]*TickRecord, len(snap.Ticks)),
		Branches:           make(map[uint32]*Branch, len(snap.Branches)),
		Index:              bitmap.New(),
		restingAt:          make(map[int]uint32, len(snap.RestingAt)),
		retired:            make(map[tickKey]TickRecord, len(snap.Retired)),
		AbsorbedDebt:       snap.AbsorbedDebt,
		AbsorbedCollateral: snap.AbsorbedCollateral,
		LiquidatedDebt:     snap.LiquidatedDebt,
	}

	for _, ts := range snap.Ticks {
		rec := recFromSnap(ts)
		s.Ticks[ts.Tick] = &rec
	}
	for _, bs := range snap.Branches {
		s.Branches[bs.ID] = &Branch{
			ID:                 bs.ID,
			Status:             BranchStatus(bs.Status),
			Epoch:              bs.Epoch,
			MinimaTick:         bs.MinimaTick,
			DebtFactor:         bignum.BigNumber(bs.DebtFactor),
			RestingDebt:        bs.RestingDebt,
			BaseBranchID:       bs.BaseBranchID,
			BaseEpoch:          bs.BaseEpoch,
			BaseMinimaTick:     bs.BaseMinimaTick,
			BaseFactorSnapshot: bignum.BigNumber(bs.BaseFactorSnapshot),
		}
	}
	for _, rs := range snap.RestingAt {
		s.restingAt[rs.Tick] = rs.BranchID
	}
	for _, rt := range snap.Retired {
		rec := recFromSnap(rt.Record)
		s.retired[tickKey{Tick: rt.Tick, Generation: rt.Record.Generation}] = rec
	}
	for _, t := range snap.ActiveTicks {
		s.Index.Set(t)
	}

	return s
}

func recFromSnap(ts TickSnapshot) TickRecord {
	return TickRecord{
		RawDebt:        ts.RawDebt,
		Liquidated:     ts.Liquidated,
		BranchID:       ts.BranchID,
		BranchEpoch:    ts.BranchEpoch,
		FactorSnapshot: bignum.BigNumber(ts.FactorSnapshot),
		Generation:     ts.Generation,
	}
}
