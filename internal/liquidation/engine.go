package liquidation

import (
	"math/big"

	"github.com/holiman/uint256"

	"VaultEngine/internal/bignum"
	"VaultEngine/internal/tickmath"
)

// maxIndexTick is the highest addressable tick in the index.
const maxIndexTick = tickmath.MaxTick

// Policy holds the operational knobs of the engine. Zero values mean
// "no limit"; DefaultPolicy is what production runs with.
type Policy struct {
	// DustThreshold: a tick whose raw debt falls below this after a
	// detach is treated as empty and its index bit cleared.
	DustThreshold uint64 `yaml:"dust_threshold"`
	// MinLiquidationDebt rejects sub-minimum market requests before
	// any mutation. Single-unit requests are the probe idiom and are
	// always admitted.
	MinLiquidationDebt uint64 `yaml:"min_liquidation_debt"`
	// StepCeiling bounds the market walk; adversarial tick
	// fragmentation can otherwise make one call long-running.
	StepCeiling int `yaml:"step_ceiling"`
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		DustThreshold:      1,
		MinLiquidationDebt: 100,
		StepCeiling:        4096,
	}
}

// Request is one liquidation call. MarketRatioX96 is the oracle-derived
// market ratio (debt units per collateral unit, Q96); it prices the
// collateral handed to the liquidator. Absorb requests that absorbed
// totals be settled by the caller instead of folded into the vault
// aggregates.
type Request struct {
	Debt           uint64
	ThresholdTick  int
	MaxSafetyTick  int
	Absorb         bool
	MarketRatioX96 *uint256.Int
}

// Result reports what one call consumed. Collateral figures are whole
// units, rounded down.
type Result struct {
	DebtConsumed       uint64
	CollateralConsumed uint64
	DebtAbsorbed       uint64
	CollateralAbsorbed uint64
	Steps              int
	FinalTick          int
}

// Engine runs the liquidation state machine against a State. It is
// pure: single-threaded, no I/O, no clocks; the hosting layer owns
// transactionality by calling it on a clone and committing on success.
type Engine struct {
	policy Policy
}

func NewEngine(policy Policy) *Engine {
	return &Engine{policy: policy}
}

// debtCollateralX96 returns the collateral backing debt at ratio, in
// Q96: debt * 2^192 / ratioX96.
func debtCollateralX96(debt uint64, ratioX96 *uint256.Int) *big.Int {
	n := new(big.Int).Lsh(new(big.Int).SetUint64(debt), 192)
	return n.Quo(n, ratioX96.ToBig())
}

func (e *Engine) validate(req Request) error {
	if req.ThresholdTick < tickmath.MinTick || req.ThresholdTick > tickmath.MaxTick {
		return badRequestf("threshold tick %d out of bounds", req.ThresholdTick)
	}
	if req.MaxSafetyTick < tickmath.MinTick || req.MaxSafetyTick > tickmath.MaxTick {
		return badRequestf("max safety tick %d out of bounds", req.MaxSafetyTick)
	}
	if req.MaxSafetyTick < req.ThresholdTick {
		return badRequestf("max safety tick %d below threshold tick %d", req.MaxSafetyTick, req.ThresholdTick)
	}
	if req.Debt > 0 {
		if req.MarketRatioX96 == nil || req.MarketRatioX96.IsZero() {
			return badRequestf("market ratio required for a %d debt request", req.Debt)
		}
		if req.Debt > 1 && req.Debt < e.policy.MinLiquidationDebt {
			return badRequestf("debt %d below minimum %d", req.Debt, e.policy.MinLiquidationDebt)
		}
	}
	return nil
}

// AbsorbOnly force-absorbs every tick above maxSafetyTick with no
// market price applied. The caller settles the returned totals.
func (e *Engine) AbsorbOnly(s *State, maxSafetyTick int) (Result, error) {
	var res Result
	if maxSafetyTick < tickmath.MinTick || maxSafetyTick > tickmath.MaxTick {
		return res, badRequestf("max safety tick %d out of bounds", maxSafetyTick)
	}
	if err := e.absorbAbove(s, maxSafetyTick, &res); err != nil {
		return res, err
	}
	res.FinalTick = s.TopTick
	return res, nil
}

// Liquidate runs the absorption pre-pass and then consumes up to
// req.Debt units of the riskiest outstanding debt, walking the index
// from the topmost active tick down toward the threshold tick.
func (e *Engine) Liquidate(s *State, req Request) (Result, error) {
	var res Result
	if err := e.validate(req); err != nil {
		return res, err
	}

	if err := e.absorbAbove(s, req.MaxSafetyTick, &res); err != nil {
		return res, err
	}
	if !req.Absorb {
		s.AbsorbedDebt += res.DebtAbsorbed
		s.AbsorbedCollateral += res.CollateralAbsorbed
	}

	if req.Debt == 0 {
		res.FinalTick = s.TopTick
		return res, nil
	}

	if s.TopTick == NoTick || s.TopTick <= req.ThresholdTick {
		if res.DebtAbsorbed > 0 {
			res.FinalTick = s.TopTick
			return res, nil
		}
		return res, ErrNothingToLiquidate
	}

	if err := e.market(s, req, &res); err != nil {
		return res, err
	}
	s.refreshTopTick()
	res.FinalTick = s.TopTick
	return res, nil
}

// market is the descending walk. Per segment: fold the debt at the
// current tick into the working branch, pick the reference tick (the
// first of next-active-tick and threshold met on the way down), solve
// for the consumable amount in closed form, then either finalize or
// descend.
func (e *Engine) market(s *State, req Request, res *Result) error {
	price := req.MarketRatioX96.ToBig()
	remaining := req.Debt

	cur := s.Branches[s.CurrentBranchID]
	if cur == nil || cur.Status != BranchActive {
		return invariantf("current branch %d not active", s.CurrentBranchID)
	}

	currentTick := s.TopTick

	// The working branch owns at most one minima. When the walk starts
	// above the current branch's resting tick, a fresh branch takes
	// over and may later merge down into it.
	if cur.MinimaTick != NoTick && cur.MinimaTick != currentTick {
		cur = s.allocBranch()
		s.CurrentBranchID = cur.ID
	}

	var (
		activeDebt  uint64
		colX96      = new(big.Int)
		colOutTotal = new(big.Int)
	)

	for {
		res.Steps++
		if e.policy.StepCeiling > 0 && res.Steps > e.policy.StepCeiling {
			return ErrStepCeiling
		}

		next, err := e.fold(s, &cur, currentTick, &activeDebt, colX96)
		if err != nil {
			return err
		}

		refTick := req.ThresholdTick
		if next != NoTick && next > refTick {
			refTick = next
		}
		if remaining == 1 && refTick == req.ThresholdTick+1 {
			return ErrNothingToLiquidate
		}

		x, err := solveConsumable(activeDebt, colX96, price, refTick)
		if err != nil {
			return err
		}
		if x >= remaining {
			x = remaining
		}

		if x > 0 {
			colOut := new(big.Int).Lsh(new(big.Int).SetUint64(x), 192)
			colOut.Quo(colOut, price)
			colX96.Sub(colX96, colOut)
			colOutTotal.Add(colOutTotal, colOut)

			remaining -= x
			res.DebtConsumed += x
			s.LiquidatedDebt += x

			prev := activeDebt
			activeDebt -= x
			if activeDebt > 0 {
				r := new(big.Int).Lsh(new(big.Int).SetUint64(activeDebt), 64)
				r.Quo(r, new(big.Int).SetUint64(prev))
				f, err := bignum.ScaleByRatio(cur.DebtFactor, r.Uint64())
				if err != nil {
					return err
				}
				cur.DebtFactor = f
			}
		}

		if activeDebt == 0 {
			// Branch fully drained; leftover collateral rounding
			// residue stays with the vault.
			s.closeBranch(cur)
			cur = s.allocBranch()
			s.CurrentBranchID = cur.ID
			if remaining == 0 || next == NoTick || next <= req.ThresholdTick {
				break
			}
			colX96 = new(big.Int)
			currentTick = next
			continue
		}

		if remaining == 0 || refTick == req.ThresholdTick {
			if err := e.rest(s, cur, activeDebt, colX96); err != nil {
				return err
			}
			break
		}

		currentTick = next
	}

	colOutTotal.Rsh(colOutTotal, 96)
	if !colOutTotal.IsUint64() {
		return invariantf("consumed collateral overflows 64 bits")
	}
	res.CollateralConsumed = colOutTotal.Uint64()
	return nil
}

// fold moves all debt at tick into the working branch, clears the
// tick's index bit, and returns the next active tick below. Resting
// debt of another branch triggers the merge transition: the working
// branch freezes against the owner and the walk continues on the
// owner's ledger.
func (e *Engine) fold(s *State, cur **Branch, tick int, activeDebt *uint64, colX96 *big.Int) (int, error) {
	ratio, err := tickmath.RatioAtTick(tick)
	if err != nil {
		return NoTick, err
	}
	b := *cur
	var folded bool

	if ownerID, resting := s.restingAt[tick]; resting {
		owner := s.Branches[ownerID]
		if owner == nil || owner.Status != BranchActive || owner.MinimaTick != tick {
			return NoTick, invariantf("resting marker at tick %d points to unusable branch %d", tick, ownerID)
		}
		if owner != b {
			if *activeDebt == 0 && b.RestingDebt == 0 && b.MinimaTick == NoTick {
				// Never carried anything; no lineage to preserve.
				s.closeBranch(b)
			} else {
				b.Status = BranchLiquidated
				b.BaseBranchID = owner.ID
				b.BaseEpoch = owner.Epoch
				b.BaseMinimaTick = tick
				b.BaseFactorSnapshot = owner.DebtFactor
				b.MinimaTick = NoTick
				b.RestingDebt = 0
			}
			b = owner
			*cur = owner
			s.CurrentBranchID = owner.ID
		}
		if b.RestingDebt > 0 {
			*activeDebt += b.RestingDebt
			colX96.Add(colX96, debtCollateralX96(b.RestingDebt, ratio))
			b.RestingDebt = 0
			folded = true
		}
		b.MinimaTick = NoTick
		delete(s.restingAt, tick)
	}

	if rec, ok := s.Ticks[tick]; ok && !rec.Liquidated && rec.RawDebt > 0 {
		rec.Liquidated = true
		rec.BranchID = b.ID
		rec.BranchEpoch = b.Epoch
		rec.FactorSnapshot = b.DebtFactor
		*activeDebt += rec.RawDebt
		colX96.Add(colX96, debtCollateralX96(rec.RawDebt, ratio))
		folded = true
	}

	if !folded {
		return NoTick, invariantf("active tick %d carries no debt", tick)
	}
	s.Index.Clear(tick)

	if tick == tickmath.MinTick {
		return NoTick, nil
	}
	next, ok := s.Index.NextAtOrBelow(tick - 1)
	if !ok {
		return NoTick, nil
	}
	return next, nil
}

// solveConsumable solves (debt - x) / (col - x/price) = ratio(refTick)
// for x. Rearranged, x = (debt*2^192 - R*colX96) / (2^192 - R*2^192/price);
// both sides of the original form are negative and cancel, so the sign
// handling here must stay exact. A non-positive denominator means the
// price can never pull the aggregate ratio down to the reference, so
// the whole carried debt is consumable.
func solveConsumable(debt uint64, colX96, price *big.Int, refTick int) (uint64, error) {
	refRatio, err := tickmath.RatioAtTick(refTick)
	if err != nil {
		return 0, err
	}
	refR := refRatio.ToBig()

	num := new(big.Int).Lsh(new(big.Int).SetUint64(debt), 192)
	num.Sub(num, new(big.Int).Mul(refR, colX96))
	if num.Sign() <= 0 {
		return 0, nil
	}
	den := new(big.Int).Lsh(big.NewInt(1), 192)
	den.Sub(den, new(big.Int).Quo(new(big.Int).Lsh(refR, 192), price))
	if den.Sign() <= 0 {
		return debt, nil
	}
	x := num.Quo(num, den)
	if !x.IsUint64() || x.Uint64() > debt {
		return debt, nil
	}
	return x.Uint64(), nil
}

// rest parks the surviving debt of the working branch at the tick whose
// ratio matches what is left: ratio = activeDebt / remaining collateral,
// floored to a tick by the inverse mapping. Collisions fold: perfect
// raw debt at the landing tick joins the branch at its current factor,
// and another branch already resting there absorbs this one by merge.
func (e *Engine) rest(s *State, cur *Branch, activeDebt uint64, colX96 *big.Int) error {
	if colX96.Sign() <= 0 {
		return invariantf("resting %d debt with no collateral", activeDebt)
	}
	rr := new(big.Int).Lsh(new(big.Int).SetUint64(activeDebt), 192)
	rr.Quo(rr, colX96)
	ratio, overflow := uint256.FromBig(rr)
	if overflow {
		return tickmath.ErrRatioOutOfBounds
	}
	finalTick, err := tickmath.TickAtRatio(ratio)
	if err != nil {
		return err
	}

	if ownerID, ok := s.restingAt[finalTick]; ok && ownerID != cur.ID {
		owner := s.Branches[ownerID]
		if owner == nil || owner.Status != BranchActive || owner.MinimaTick != finalTick {
			return invariantf("resting marker at tick %d points to unusable branch %d", finalTick, ownerID)
		}
		cur.Status = BranchLiquidated
		cur.BaseBranchID = owner.ID
		cur.BaseEpoch = owner.Epoch
		cur.BaseMinimaTick = finalTick
		cur.BaseFactorSnapshot = owner.DebtFactor
		cur.MinimaTick = NoTick
		cur.RestingDebt = 0
		owner.RestingDebt += activeDebt
		s.CurrentBranchID = owner.ID
		return nil
	}

	rec := s.tickRecord(finalTick)
	switch {
	case rec.Liquidated:
		// Stale incarnation from an earlier pass; recycle it as the
		// resting marker.
		s.retire(finalTick, rec)
		rec.Generation++
		rec.RawDebt = 0
	case rec.RawDebt > 0:
		activeDebt += rec.RawDebt
	}
	rec.Liquidated = true
	rec.BranchID = cur.ID
	rec.BranchEpoch = cur.Epoch
	rec.FactorSnapshot = cur.DebtFactor

	cur.MinimaTick = finalTick
	cur.RestingDebt = activeDebt
	s.restingAt[finalTick] = cur.ID
	s.Index.ClearFrom(finalTick)
	s.Index.Set(finalTick)
	s.CurrentBranchID = cur.ID
	return nil
}

// absorbAbove is the absorption pre-pass: every tick above the safety
// bound is swept out of the index and its debt written off at the
// tick's own ratio, no market price applied.
func (e *Engine) absorbAbove(s *State, maxSafetyTick int, res *Result) error {
	var sweepErr error
	s.Index.SweepAbove(maxSafetyTick, func(tick int) {
		if sweepErr != nil {
			return
		}
		sweepErr = e.absorbTick(s, tick, res)
	})
	if sweepErr != nil {
		return sweepErr
	}
	s.refreshTopTick()
	return nil
}

func (e *Engine) absorbTick(s *State, tick int, res *Result) error {
	ratio, err := tickmath.RatioAtTick(tick)
	if err != nil {
		return err
	}
	var debt uint64

	if ownerID, ok := s.restingAt[tick]; ok {
		owner := s.Branches[ownerID]
		if owner == nil || owner.Status != BranchActive || owner.MinimaTick != tick {
			return invariantf("resting marker at tick %d points to unusable branch %d", tick, ownerID)
		}
		debt += owner.RestingDebt
		delete(s.restingAt, tick)
		s.closeBranch(owner)
		if owner.ID == s.CurrentBranchID {
			s.CurrentBranchID = s.allocBranch().ID
		}
	}

	if rec, ok := s.Ticks[tick]; ok && !rec.Liquidated && rec.RawDebt > 0 {
		debt += rec.RawDebt
		rec.Liquidated = true
		rec.BranchID = s.CurrentBranchID
		rec.BranchEpoch = s.Branches[s.CurrentBranchID].Epoch
		// Saturated snapshot: position reads against it clamp to zero,
		// which is what full absorption means.
		rec.FactorSnapshot = bignum.Saturated
	}

	if debt == 0 {
		return invariantf("active tick %d carries no debt", tick)
	}

	col := debtCollateralX96(debt, ratio)
	col.Rsh(col, 96)
	if !col.IsUint64() {
		return invariantf("absorbed collateral overflows 64 bits")
	}
	res.DebtAbsorbed += debt
	res.CollateralAbsorbed += col.Uint64()
	return nil
}

// AttachDebt registers fresh borrow debt at a tick, returning the tick
// generation the position store must stamp on its view. A liquidated
// record is retired and recycled under a bumped generation.
func (e *Engine) AttachDebt(s *State, tick int, amount uint64) (uint32, error) {
	if tick < tickmath.MinTick || tick > tickmath.MaxTick {
		return 0, badRequestf("tick %d out of bounds", tick)
	}
	if amount == 0 {
		return 0, badRequestf("zero attach amount")
	}
	rec := s.tickRecord(tick)
	if rec.Liquidated {
		s.retire(tick, rec)
		rec.Generation++
		rec.RawDebt = 0
		rec.Liquidated = false
		rec.BranchID = 0
		rec.BranchEpoch = 0
		rec.FactorSnapshot = 0
	}
	if rec.RawDebt+amount < rec.RawDebt {
		return 0, badRequestf("tick %d debt overflow", tick)
	}
	rec.RawDebt += amount
	s.Index.Set(tick)
	if s.TopTick == NoTick || tick > s.TopTick {
		s.TopTick = tick
	}
	return rec.Generation, nil
}

// DetachDebt removes repaid debt from a tick. The generation guards
// against a stale cached view; detaching from a liquidated incarnation
// is a caller error, repayment there goes through the position read
// path instead.
func (e *Engine) DetachDebt(s *State, tick int, generation uint32, amount uint64) error {
	if tick < tickmath.MinTick || tick > tickmath.MaxTick {
		return badRequestf("tick %d out of bounds", tick)
	}
	rec, ok := s.Ticks[tick]
	if !ok || rec.Generation != generation {
		return badRequestf("stale tick view at %d", tick)
	}
	if rec.Liquidated {
		return badRequestf("tick %d already liquidated", tick)
	}
	if amount > rec.RawDebt {
		return badRequestf("detach %d exceeds tick %d debt %d", amount, tick, rec.RawDebt)
	}
	rec.RawDebt -= amount
	if rec.RawDebt < e.policy.DustThreshold {
		rec.RawDebt = 0
	}
	if rec.RawDebt == 0 {
		if _, resting := s.restingAt[tick]; !resting {
			s.Index.Clear(tick)
			s.refreshTopTick()
		}
	}
	return nil
}
