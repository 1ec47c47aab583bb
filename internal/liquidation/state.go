package liquidation

import (
	"VaultEngine/internal/bignum"
	"VaultEngine/internal/bitmap"
)

// NoTick is the cold sentinel: a tick field holding no tick at all.
const NoTick = bitmap.NoTick

// BranchStatus is the branch lifecycle state.
type BranchStatus uint8

const (
	// BranchActive accepts newly liquidated debt at its minima tick.
	BranchActive BranchStatus = iota
	// BranchLiquidated had its own minima tick absorbed into a base
	// branch; its debt factor is frozen relative to the merge point.
	BranchLiquidated
	// BranchClosed is fully drained; its id is eligible for reuse.
	BranchClosed
)

func (s BranchStatus) String() string {
	switch s {
	case BranchActive:
		return "active"
	case BranchLiquidated:
		return "liquidated"
	case BranchClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TickRecord is the per-tick aggregate. Records allocate on first use
// and persist for the lifetime of the vault; the generation counter
// lets position stores detect that a cached view refers to a consumed
// and since-recycled incarnation of the tick.
type TickRecord struct {
	RawDebt    uint64
	Liquidated bool
	// BranchID and FactorSnapshot are set when the tick is liquidated:
	// the absorbing branch and its debt factor at that moment. Every
	// position attached to this tick reconstructs its live debt as
	// rawDebt * chainFactor(BranchID) / FactorSnapshot; the ledger
	// never touches positions individually.
	BranchID       uint32
	BranchEpoch    uint32
	FactorSnapshot bignum.BigNumber
	Generation     uint32
}

// tickKey addresses one incarnation of a tick record.
type tickKey struct {
	Tick       int
	Generation uint32
}

// Branch is a liquidation lineage node: the bookkeeping unit that lets
// proportional partial liquidation of every position sharing a tick
// happen in O(1) instead of O(positions).
type Branch struct {
	ID     uint32
	Status BranchStatus
	// Epoch bumps each time a closed id is reused. Tick records and
	// merge links stamp the epoch they saw; a mismatch on read means
	// the referenced incarnation fully drained, so the debt is zero.
	Epoch      uint32
	MinimaTick int // lowest tick this branch currently owns, or NoTick
	// DebtFactor starts at One and only ever shrinks; frozen once the
	// branch is merged away.
	DebtFactor  bignum.BigNumber
	RestingDebt uint64

	// Merge pointer, set on Active -> Liquidated: the base branch this
	// one was folded into, the tick where the fold happened, and the
	// base's debt factor at that moment. Chain reads compose
	// multiply(DebtFactor, divide(base.DebtFactor, BaseFactorSnapshot))
	// along these links.
	BaseBranchID       uint32
	BaseEpoch          uint32
	BaseMinimaTick     int
	BaseFactorSnapshot bignum.BigNumber
}

// State is the whole mutable liquidation ledger of one vault. All
// counters live here, never in package globals; the hosting layer runs
// each call against a clone and swaps it in only on success.
type State struct {
	TopTick         int
	CurrentBranchID uint32
	// BranchCounter is the highest branch id ever assigned and still
	// live; it decrements when the newest branch fully drains, so ids
	// are recycled lowest-free-first.
	BranchCounter uint32

	Ticks    map[int]*TickRecord
	Branches map[uint32]*Branch
	Index    *bitmap.Index

	// restingAt maps a minima tick to the active branch resting there.
	// Tick records alone cannot serve this lookup: fresh perfect debt
	// may recycle the record while the branch keeps resting under it.
	restingAt map[int]uint32

	// retired holds snapshots of liquidated tick incarnations that were
	// recycled by fresh debt, keyed by (tick, generation), so stale
	// position views still resolve.
	retired map[tickKey]TickRecord

	// Vault-level aggregates across the whole operating history.
	AbsorbedDebt       uint64
	AbsorbedCollateral uint64
	LiquidatedDebt     uint64
}

// NewState returns an empty ledger with branch 1 active and no ticks.
func NewState() *State {
	s := &State{
		TopTick:   NoTick,
		Ticks:     make(map[int]*TickRecord),
		Branches:  make(map[uint32]*Branch),
		Index:     bitmap.New(),
		restingAt: make(map[int]uint32),
		retired:   make(map[tickKey]TickRecord),
	}
	s.CurrentBranchID = s.allocBranch().ID
	return s
}

// Clone deep-copies the state. The hosting layer mutates the clone and
// commits it atomically, which is what makes every call all-or-nothing.
func (s *State) Clone() *State {
	c := &State{
		TopTick:            s.TopTick,
		CurrentBranchID:    s.CurrentBranchID,
		BranchCounter:      s.BranchCounter,
		Ticks:              make(map[int]*TickRecord, len(s.Ticks)),
		Branches:           make(map[uint32]*Branch, len(s.Branches)),
		restingAt:          make(map[int]uint32, len(s.restingAt)),
		retired:            make(map[tickKey]TickRecord, len(s.retired)),
		AbsorbedDebt:       s.AbsorbedDebt,
		AbsorbedCollateral: s.AbsorbedCollateral,
		LiquidatedDebt:     s.LiquidatedDebt,
	}
	for t, r := range s.Ticks {
		cp := *r
		c.Ticks[t] = &cp
	}
	for id, b := range s.Branches {
		cp := *b
		c.Branches[id] = &cp
	}
	for t, id := range s.restingAt {
		c.restingAt[t] = id
	}
	for k, v := range s.retired {
		c.retired[k] = v
	}
	ix := *s.Index
	c.Index = &ix
	return c
}

// tickRecord returns the record for a tick, allocating on first use.
func (s *State) tickRecord(tick int) *TickRecord {
	r, ok := s.Ticks[tick]
	if !ok {
		r = &TickRecord{}
		s.Ticks[tick] = r
	}
	return r
}

// allocBranch activates the lowest free branch id. A closed branch
// under that id is reset and reused rather than reallocated.
func (s *State) allocBranch() *Branch {
	id := s.BranchCounter + 1
	s.BranchCounter = id

	b, ok := s.Branches[id]
	if !ok {
		b = &Branch{ID: id}
		s.Branches[id] = b
	} else {
		b.Epoch++
	}
	b.Status = BranchActive
	b.MinimaTick = NoTick
	b.DebtFactor = bignum.One
	b.RestingDebt = 0
	b.BaseBranchID = 0
	b.BaseEpoch = 0
	b.BaseMinimaTick = NoTick
	b.BaseFactorSnapshot = 0
	return b
}

// closeBranch retires a fully drained branch. The id counter only
// rewinds when the newest branch drains; older ids stay parked as
// Closed until the counter walks back down to them. The factor pins to
// Consumed so records and child links that still point here read zero.
func (s *State) closeBranch(b *Branch) {
	b.Status = BranchClosed
	b.MinimaTick = NoTick
	b.RestingDebt = 0
	b.DebtFactor = bignum.Consumed
	for s.BranchCounter > 0 {
		top, ok := s.Branches[s.BranchCounter]
		if !ok || top.Status != BranchClosed {
			break
		}
		s.BranchCounter--
	}
}

// chainWalkLimit bounds merge-forest walks; the number of distinct
// branches is bounded by historical liquidation events, but a corrupt
// link must not loop forever.
const chainWalkLimit = 1 << 16

// BranchChainFactor composes the effective debt factor of a lineage:
// the branch's own factor multiplied, link by link, with
// divide(base factor now, base factor at merge). Composition order is
// preserved exactly; it affects the fixed-point rounding contract. An
// epoch mismatch anywhere along the chain means some ancestor fully
// drained and was recycled, so the whole lineage reads as Consumed.
func (s *State) BranchChainFactor(id, epoch uint32) (bignum.BigNumber, error) {
	b, ok := s.Branches[id]
	if !ok {
		return 0, invariantf("unknown branch %d", id)
	}
	if b.Epoch != epoch || b.DebtFactor == bignum.Consumed {
		return bignum.Consumed, nil
	}
	f := b.DebtFactor
	for steps := 0; b.Status == BranchLiquidated; steps++ {
		if steps >= chainWalkLimit {
			return 0, ErrStepCeiling
		}
		base, ok := s.Branches[b.BaseBranchID]
		if !ok {
			return 0, invariantf("branch %d links to unknown base %d", b.ID, b.BaseBranchID)
		}
		if base.Epoch != b.BaseEpoch || base.DebtFactor == bignum.Consumed {
			return bignum.Consumed, nil
		}
		conn, err := bignum.Div(base.DebtFactor, b.BaseFactorSnapshot)
		if err != nil {
			return 0, err
		}
		f, err = bignum.Mul(f, conn)
		if err != nil {
			return 0, err
		}
		b = base
	}
	return f, nil
}

// PositionDebt reconstructs the live debt of a position that attached
// rawDebt at (tick, generation). Perfect ticks return the raw debt
// unchanged; liquidated ticks scale it by the branch chain factor over
// the tick's snapshot; consumed-and-forgotten incarnations are zero.
// The ledger never iterates positions; this is the lazy read path the
// position store calls one position at a time.
func (s *State) PositionDebt(tick int, generation uint32, rawDebt uint64) (uint64, error) {
	r, ok := s.Ticks[tick]
	if !ok {
		return 0, nil
	}
	rec := *r
	if rec.Generation != generation {
		old, ok := s.retired[tickKey{Tick: tick, Generation: generation}]
		if !ok {
			// Fully consumed and not retained: nothing outstanding.
			return 0, nil
		}
		rec = old
	}
	if !rec.Liquidated {
		return rawDebt, nil
	}
	chain, err := s.BranchChainFactor(rec.BranchID, rec.BranchEpoch)
	if err != nil {
		return 0, err
	}
	return bignum.MulDivPlain(rawDebt, chain, rec.FactorSnapshot)
}

// TickGeneration exposes the current incarnation counter of a tick so
// position stores can stamp cached views.
func (s *State) TickGeneration(tick int) uint32 {
	if r, ok := s.Ticks[tick]; ok {
		return r.Generation
	}
	return 0
}

// retire snapshots a liquidated incarnation before fresh debt recycles
// the record.
func (s *State) retire(tick int, r *TickRecord) {
	s.retired[tickKey{Tick: tick, Generation: r.Generation}] = *r
}

// refreshTopTick recomputes TopTick from the index.
func (s *State) refreshTopTick() {
	if t, ok := s.Index.NextAtOrBelow(maxIndexTick); ok {
		s.TopTick = t
	} else {
		s.TopTick = NoTick
	}
}
