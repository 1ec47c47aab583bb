package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"VaultEngine/internal/event"
	"VaultEngine/internal/liquidation"
	"VaultEngine/internal/observability"
)

// Output is one applied event's worth of downstream work: the envelope
// for the event log plus the liquidation result when the event settled
// one.
type Output struct {
	Envelope  *event.Envelope
	Result    *liquidation.Result
	RequestID string
	Payload   interface{}
}

// VaultCore is the single-threaded event processor. It owns the ledger
// and is the only writer: every event applies against a clone of the
// state and commits only on success, so a failing apply leaves the
// ledger exactly as it was.
type VaultCore struct {
	vaultID  string
	sequence int64

	engine *liquidation.Engine
	state  *liquidation.State

	hasher            *StateHasher
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	persistChan chan<- Output
	publishChan chan<- Output

	replaying bool
}

func NewVaultCore(
	vaultID string,
	policy liquidation.Policy,
	startSequence int64,
	persistChan, publishChan chan<- Output,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *VaultCore {
	return &VaultCore{
		vaultID:           vaultID,
		sequence:          startSequence,
		engine:            liquidation.NewEngine(policy),
		state:             liquidation.NewState(),
		hasher:            NewStateHasher(),
		idempotency:       NewIdempotencyChecker(1_000_000, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		persistChan:       persistChan,
		publishChan:       publishChan,
	}
}

// ProcessEvent runs the full pipeline for one event: dedup, sequence
// validation, clone-apply-commit, then emission to the persistence and
// publish channels. The persist send blocks; the publish send drops
// when the channel is full because downstream consumers can always
// catch up from the event log.
func (c *VaultCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	key := evt.IdempotencyKey()

	if evt.VaultID() != c.vaultID {
		c.reject(eventType, "unknown_vault")
		return fmt.Errorf("event for vault %q, core serves %q", evt.VaultID(), c.vaultID)
	}

	var isDup bool
	if c.replaying {
		// During replay only the LRU tier counts; the Postgres tier
		// would flag every logged event as a duplicate.
		isDup = c.idempotency.InMemoryDuplicate(eventType, key)
	} else {
		isDup = c.idempotency.IsDuplicate(eventType, key)
	}

	partition := fmt.Sprintf("vault:%s", evt.VaultID())
	if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), isDup); err != nil {
		c.reject(eventType, "sequence")
		return fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDup {
		if c.metrics != nil {
			c.metrics.IdempotencyDuplicates.WithLabelValues(eventType).Inc()
		}
		c.reject(eventType, "duplicate")
		return nil
	}

	st := c.state.Clone()
	out, applyErr := c.dispatch(st, evt)

	if applyErr != nil {
		if !isRejection(applyErr) {
			c.reject(eventType, "invariant")
			return applyErr
		}
		// Command rejections are part of the record: the state stays
		// untouched but the outcome is logged and published.
		switch evt.(type) {
		case *event.LiquidationRequest, *event.AbsorptionRequest:
			if c.metrics != nil {
				c.metrics.LiquidationCalls.WithLabelValues("rejected").Inc()
			}
			out.Payload = &event.LiquidationRejected{
				RequestID: requestUUID(evt),
				Vault:     c.vaultID,
				Reason:    rejectionReason(applyErr),
				Detail:    applyErr.Error(),
				Sequence:  evt.SourceSequence(),
			}
			out.Result = nil
		default:
			c.reject(eventType, "bad_request")
			return applyErr
		}
	} else {
		c.state = st
	}

	// The log stores the command in wire form so recovery can replay it
	// through the ingestion parser; the outcome in out.Payload goes to
	// the outbound publisher.
	payloadBytes, err := event.EncodeWire(evt)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	out.Envelope = &event.Envelope{
		Sequence:       c.sequence,
		IdempotencyKey: key,
		EventType:      evt.EventType(),
		VaultID:        c.vaultID,
		Timestamp:      eventTimestamp(evt),
		SourceSequence: evt.SourceSequence(),
		Payload:        payloadBytes,
	}

	// Extend the log chain. Replay recomputes the same links, so a
	// restored chain tip plus replay always converges with the tip the
	// original process held.
	c.hasher.ComputeHash(c.sequence, payloadBytes)

	if !c.replaying {
		c.persistChan <- out
		select {
		case c.publishChan <- out:
		default:
			// Dropped on overflow; the event log is the source of truth.
		}
	}

	c.idempotency.MarkProcessed(eventType, key)
	c.sequence++

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.ActiveBranches.Set(float64(countActiveBranches(c.state)))
		c.metrics.TopTick.Set(float64(c.state.TopTick))
	}

	return nil
}

// dispatch applies the event to the cloned state and builds the payload
// that goes into the log on success.
func (c *VaultCore) dispatch(st *liquidation.State, evt event.Event) (Output, error) {
	switch e := evt.(type) {
	case *event.DebtAttach:
		gen, err := c.engine.AttachDebt(st, e.Tick, e.Amount)
		if err != nil {
			return Output{RequestID: e.RequestID.String()}, err
		}
		return Output{
			RequestID: e.RequestID.String(),
			Payload: &attachApplied{
				RequestID:  e.RequestID.String(),
				Tick:       e.Tick,
				Amount:     e.Amount,
				Generation: gen,
			},
		}, nil

	case *event.DebtRepay:
		if err := c.engine.DetachDebt(st, e.Tick, uint32(e.Generation), e.Amount); err != nil {
			return Output{RequestID: e.RequestID.String()}, err
		}
		return Output{RequestID: e.RequestID.String(), Payload: e}, nil

	case *event.LiquidationRequest:
		res, err := c.engine.Liquidate(st, liquidation.Request{
			Debt:           e.Debt,
			ThresholdTick:  e.ThresholdTick,
			MaxSafetyTick:  e.MaxSafetyTick,
			Absorb:         e.Absorb,
			MarketRatioX96: e.MarketRatioX96,
		})
		if err != nil {
			return Output{RequestID: e.RequestID.String()}, err
		}
		c.recordLiquidation(res, "executed")
		return Output{
			RequestID: e.RequestID.String(),
			Result:    &res,
			Payload: &event.LiquidationExecuted{
				RequestID:          e.RequestID,
				Vault:              c.vaultID,
				DebtConsumed:       res.DebtConsumed,
				CollateralConsumed: res.CollateralConsumed,
				DebtAbsorbed:       res.DebtAbsorbed,
				CollateralAbsorbed: res.CollateralAbsorbed,
				Steps:              res.Steps,
				FinalTick:          res.FinalTick,
				Sequence:           e.Sequence,
				Timestamp:          e.Timestamp,
			},
		}, nil

	case *event.AbsorptionRequest:
		res, err := c.engine.AbsorbOnly(st, e.MaxSafetyTick)
		if err != nil {
			return Output{RequestID: e.RequestID.String()}, err
		}
		c.recordLiquidation(res, "absorbed")
		return Output{
			RequestID: e.RequestID.String(),
			Result:    &res,
			Payload: &event.DebtAbsorbed{
				RequestID:          e.RequestID,
				Vault:              c.vaultID,
				DebtAbsorbed:       res.DebtAbsorbed,
				CollateralAbsorbed: res.CollateralAbsorbed,
				Sequence:           e.Sequence,
				Timestamp:          e.Timestamp,
			},
		}, nil

	default:
		return Output{}, fmt.Errorf("unhandled event type %T", evt)
	}
}

// attachApplied is the logged outcome of a DebtAttach: the input plus
// the generation stamp the position store must remember.
type attachApplied struct {
	RequestID  string `json:"request_id"`
	Tick       int    `json:"tick"`
	Amount     uint64 `json:"amount"`
	Generation uint32 `json:"generation"`
}

func (c *VaultCore) recordLiquidation(res liquidation.Result, outcome string) {
	if c.metrics == nil {
		return
	}
	c.metrics.LiquidationCalls.WithLabelValues(outcome).Inc()
	c.metrics.LiquidationSteps.Observe(float64(res.Steps))
	c.metrics.DebtConsumedTotal.Add(float64(res.DebtConsumed))
	c.metrics.CollateralOutTotal.Add(float64(res.CollateralConsumed))
	c.metrics.DebtAbsorbedTotal.Add(float64(res.DebtAbsorbed))
	c.metrics.CollateralAbsorbed.Add(float64(res.CollateralAbsorbed))
}

func (c *VaultCore) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

// isRejection distinguishes command faults, which get logged as
// rejection outcomes, from invariant and arithmetic faults, which abort
// processing.
func isRejection(err error) bool {
	return errors.Is(err, liquidation.ErrBadRequest) ||
		errors.Is(err, liquidation.ErrNothingToLiquidate)
}

func rejectionReason(err error) string {
	if errors.Is(err, liquidation.ErrNothingToLiquidate) {
		return "nothing_to_liquidate"
	}
	return "bad_request"
}

func requestUUID(evt event.Event) (id uuid.UUID) {
	switch e := evt.(type) {
	case *event.LiquidationRequest:
		return e.RequestID
	case *event.AbsorptionRequest:
		return e.RequestID
	}
	return
}

// eventTimestamp extracts the versioned input timestamp. The core never
// calls time.Now; identical inputs must produce identical logs.
func eventTimestamp(evt event.Event) time.Time {
	switch e := evt.(type) {
	case *event.DebtAttach:
		return e.Timestamp
	case *event.DebtRepay:
		return e.Timestamp
	case *event.LiquidationRequest:
		return e.Timestamp
	case *event.AbsorptionRequest:
		return e.Timestamp
	default:
		panic(fmt.Sprintf("eventTimestamp called with unhandled event type %T", evt))
	}
}

func countActiveBranches(st *liquidation.State) int {
	n := 0
	for _, b := range st.Branches {
		if b.Status == liquidation.BranchActive {
			n++
		}
	}
	return n
}

// Sequence returns the next sequence the core will assign.
func (c *VaultCore) Sequence() int64 {
	return c.sequence
}

// Ledger exposes the committed state for reads and snapshotting. The
// caller must treat it as immutable.
func (c *VaultCore) Ledger() *liquidation.State {
	return c.state
}

// SnapshotKeys exports the idempotency LRU contents for a snapshot.
func (c *VaultCore) SnapshotKeys() []string {
	return c.idempotency.Keys()
}

// SourceCursors exports the per-partition sequence cursors.
func (c *VaultCore) SourceCursors() map[string]int64 {
	return c.sequenceValidator.Export()
}

// Restore rewinds the core to a snapshot: ledger, sequence, idempotency
// keys, and source cursors.
// SetReplayMode toggles recovery replay. While replaying, applied
// events are not re-emitted downstream and deduplication skips the
// Postgres tier.
func (c *VaultCore) SetReplayMode(on bool) {
	c.replaying = on
}

// ChainHash returns the tip of the envelope hash chain.
func (c *VaultCore) ChainHash() [32]byte {
	return c.hasher.PrevHash()
}

// SetChainHash resets the chain tip when restoring from a snapshot.
func (c *VaultCore) SetChainHash(hash [32]byte) {
	c.hasher.SetPrevHash(hash)
}

func (c *VaultCore) Restore(
	ledger *liquidation.State,
	sequence int64,
	idemKeys []string,
	cursors map[string]int64,
) {
	c.state = ledger
	c.sequence = sequence
	c.idempotency.Warm(idemKeys)
	for partition, seq := range cursors {
		c.sequenceValidator.SetExpected(partition, seq)
	}
}
