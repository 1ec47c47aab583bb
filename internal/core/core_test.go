package core_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"VaultEngine/internal/core"
	"VaultEngine/internal/event"
	"VaultEngine/internal/ingestion"
	"VaultEngine/internal/liquidation"
	"VaultEngine/internal/tickmath"
)

const testVault = "vault-main"

func newCore(t *testing.T) (*core.VaultCore, chan core.Output, chan core.Output) {
	t.Helper()
	persistChan := make(chan core.Output, 64)
	publishChan := make(chan core.Output, 64)
	c := core.NewVaultCore(testVault, liquidation.DefaultPolicy(), 0, persistChan, publishChan, nil, nil)
	return c, persistChan, publishChan
}

func mustRatio(t *testing.T, tick int) *uint256.Int {
	t.Helper()
	r, err := tickmath.RatioAtTick(tick)
	if err != nil {
		t.Fatalf("RatioAtTick(%d): %v", tick, err)
	}
	return r
}

func attachEvent(tick int, amount uint64, seq int64) *event.DebtAttach {
	return &event.DebtAttach{
		RequestID: uuid.New(),
		Vault:     testVault,
		Tick:      tick,
		Amount:    amount,
		Sequence:  seq,
		Timestamp: time.UnixMicro(1_700_000_000_000_000 + seq),
	}
}

// --- Pipeline ---

func TestProcessEvent_AttachThenLiquidate(t *testing.T) {
	c, persistChan, publishChan := newCore(t)

	if err := c.ProcessEvent(attachEvent(1000, 1_000_000, 0)); err != nil {
		t.Fatalf("attach: %v", err)
	}

	liq := &event.LiquidationRequest{
		RequestID:      uuid.New(),
		Vault:          testVault,
		Debt:           200_000,
		ThresholdTick:  -10_000,
		MaxSafetyTick:  10_000,
		MarketRatioX96: mustRatio(t, 1000),
		Sequence:       1,
		Timestamp:      time.UnixMicro(1_700_000_000_000_002),
	}
	if err := c.ProcessEvent(liq); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	if got, want := c.Sequence(), int64(2); got != want {
		t.Fatalf("sequence = %d, want %d", got, want)
	}
	if got, want := len(persistChan), 2; got != want {
		t.Fatalf("persist outputs = %d, want %d", got, want)
	}
	if got, want := len(publishChan), 2; got != want {
		t.Fatalf("publish outputs = %d, want %d", got, want)
	}

	<-persistChan // attach output
	out := <-persistChan

	if out.Envelope.EventType != event.EventTypeLiquidationRequest {
		t.Fatalf("envelope type = %v, want LiquidationRequest", out.Envelope.EventType)
	}
	if out.Result == nil {
		t.Fatal("liquidation output carries no result")
	}
	if got, want := out.Result.DebtConsumed, uint64(200_000); got != want {
		t.Errorf("DebtConsumed = %d, want %d", got, want)
	}

	exec, ok := out.Payload.(*event.LiquidationExecuted)
	if !ok {
		t.Fatalf("publish payload = %T, want *event.LiquidationExecuted", out.Payload)
	}
	if exec.DebtConsumed != out.Result.DebtConsumed {
		t.Errorf("payload DebtConsumed = %d, result %d", exec.DebtConsumed, out.Result.DebtConsumed)
	}

	// The logged payload is the command in wire form, replayable
	// through the ingestion parser.
	replayed, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: out.Envelope.Payload}, "LiquidationRequest")
	if err != nil {
		t.Fatalf("replay parse: %v", err)
	}
	if got := replayed.(*event.LiquidationRequest); got.RequestID != liq.RequestID {
		t.Errorf("replayed request id = %s, want %s", got.RequestID, liq.RequestID)
	}

	if got, want := c.Ledger().LiquidatedDebt, uint64(200_000); got != want {
		t.Errorf("committed LiquidatedDebt = %d, want %d", got, want)
	}
}

func TestProcessEvent_DuplicateDropped(t *testing.T) {
	c, persistChan, _ := newCore(t)

	evt := attachEvent(500, 1000, 0)
	if err := c.ProcessEvent(evt); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	// Redelivery: same idempotency key, stale source sequence.
	if err := c.ProcessEvent(evt); err != nil {
		t.Fatalf("duplicate apply: %v", err)
	}

	if got, want := c.Sequence(), int64(1); got != want {
		t.Errorf("sequence = %d, want %d", got, want)
	}
	if got, want := len(persistChan), 1; got != want {
		t.Errorf("persist outputs = %d, want %d", got, want)
	}
}

func TestProcessEvent_SequenceGapRejected(t *testing.T) {
	c, _, _ := newCore(t)

	if err := c.ProcessEvent(attachEvent(500, 1000, 0)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Sequence 1 never arrives.
	err := c.ProcessEvent(attachEvent(600, 1000, 2))
	if err == nil {
		t.Fatal("expected sequence gap rejection")
	}
	if got, want := c.Sequence(), int64(1); got != want {
		t.Errorf("sequence advanced past gap: %d, want %d", got, want)
	}
}

func TestProcessEvent_WrongVaultRejected(t *testing.T) {
	c, _, _ := newCore(t)

	evt := attachEvent(500, 1000, 0)
	evt.Vault = "vault-other"
	if err := c.ProcessEvent(evt); err == nil {
		t.Fatal("expected rejection for unknown vault")
	}
}

// --- Rejection outcomes ---

func TestProcessEvent_RejectedLiquidationIsLogged(t *testing.T) {
	c, persistChan, _ := newCore(t)

	if err := c.ProcessEvent(attachEvent(1000, 1_000_000, 0)); err != nil {
		t.Fatalf("attach: %v", err)
	}

	// Below the minimum liquidation size and not a probe.
	liq := &event.LiquidationRequest{
		RequestID:      uuid.New(),
		Vault:          testVault,
		Debt:           50,
		ThresholdTick:  -10_000,
		MaxSafetyTick:  10_000,
		MarketRatioX96: mustRatio(t, 1000),
		Sequence:       1,
		Timestamp:      time.UnixMicro(1_700_000_000_000_002),
	}
	if err := c.ProcessEvent(liq); err != nil {
		t.Fatalf("rejected liquidation should still log cleanly: %v", err)
	}

	<-persistChan
	out := <-persistChan

	rej, ok := out.Payload.(*event.LiquidationRejected)
	if !ok {
		t.Fatalf("publish payload = %T, want *event.LiquidationRejected", out.Payload)
	}
	if got, want := rej.Reason, "bad_request"; got != want {
		t.Errorf("reason = %q, want %q", got, want)
	}
	if out.Result != nil {
		t.Error("rejected liquidation carries a result")
	}

	// State untouched.
	debt, err := c.Ledger().PositionDebt(1000, 0, 1_000_000)
	if err != nil {
		t.Fatalf("PositionDebt: %v", err)
	}
	if got, want := debt, uint64(1_000_000); got != want {
		t.Errorf("position debt = %d, want %d", got, want)
	}
}

func TestProcessEvent_BadRepayReturnsError(t *testing.T) {
	c, persistChan, _ := newCore(t)

	if err := c.ProcessEvent(attachEvent(500, 1000, 0)); err != nil {
		t.Fatalf("attach: %v", err)
	}

	repay := &event.DebtRepay{
		RequestID: uuid.New(),
		Vault:     testVault,
		Tick:      500,
		Amount:    5000, // more than attached
		Sequence:  1,
		Timestamp: time.UnixMicro(1_700_000_000_000_001),
	}
	if err := c.ProcessEvent(repay); err == nil {
		t.Fatal("expected over-repay rejection")
	}
	if got, want := len(persistChan), 1; got != want {
		t.Errorf("persist outputs = %d, want %d", got, want)
	}
}

// --- Snapshots ---

func TestSnapshotRestore_DigestMatches(t *testing.T) {
	c, _, _ := newCore(t)

	for i, tick := range []int{400, 900, 1400} {
		if err := c.ProcessEvent(attachEvent(tick, 500_000, int64(i))); err != nil {
			t.Fatalf("attach %d: %v", tick, err)
		}
	}
	liq := &event.LiquidationRequest{
		RequestID:      uuid.New(),
		Vault:          testVault,
		Debt:           600_000,
		ThresholdTick:  -10_000,
		MaxSafetyTick:  10_000,
		MarketRatioX96: mustRatio(t, 2000),
		Sequence:       3,
		Timestamp:      time.UnixMicro(1_700_000_000_000_003),
	}
	if err := c.ProcessEvent(liq); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	snap := c.Ledger().Snapshot()
	digest, err := core.SnapshotDigest(snap)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}

	restored := liquidation.RestoreState(snap)
	redigest, err := core.SnapshotDigest(restored.Snapshot())
	if err != nil {
		t.Fatalf("redigest: %v", err)
	}
	if !bytes.Equal(digest[:], redigest[:]) {
		t.Fatal("restored state digest differs from original")
	}

	// A fresh core restored from the snapshot continues where the
	// original left off.
	c2, p2, _ := newCore(t)
	c2.Restore(restored, c.Sequence(), c.SnapshotKeys(), c.SourceCursors())

	if err := c2.ProcessEvent(attachEvent(700, 1000, 4)); err != nil {
		t.Fatalf("apply after restore: %v", err)
	}
	out := <-p2
	if got, want := out.Envelope.Sequence, c.Sequence(); got != want {
		t.Errorf("restored core sequence = %d, want %d", got, want)
	}

	// Redelivery of a pre-snapshot event is still deduplicated.
	if err := c2.ProcessEvent(liq); err != nil {
		t.Fatalf("redelivered pre-snapshot event: %v", err)
	}
	if got, want := c2.Sequence(), c.Sequence()+1; got != want {
		t.Errorf("sequence after dedup = %d, want %d", got, want)
	}
}

// --- Idempotency checker ---

func TestIdempotencyChecker_LRUEviction(t *testing.T) {
	ic := core.NewIdempotencyChecker(2, nil)

	ic.MarkProcessed("DebtAttach", "a")
	ic.MarkProcessed("DebtAttach", "b")
	ic.MarkProcessed("DebtAttach", "c") // evicts "a"

	if ic.IsDuplicate("DebtAttach", "a") {
		t.Error("evicted key still reported duplicate")
	}
	if !ic.IsDuplicate("DebtAttach", "b") || !ic.IsDuplicate("DebtAttach", "c") {
		t.Error("recent keys not reported duplicate")
	}
}

func TestSequenceValidator_DuplicateToleratedOnStale(t *testing.T) {
	sv := core.NewSequenceValidator()

	if err := sv.ValidateSequence("vault:v", 0, false); err != nil {
		t.Fatalf("seq 0: %v", err)
	}
	if err := sv.ValidateSequence("vault:v", 1, false); err != nil {
		t.Fatalf("seq 1: %v", err)
	}
	if err := sv.ValidateSequence("vault:v", 0, true); err != nil {
		t.Errorf("stale duplicate should pass: %v", err)
	}
	if err := sv.ValidateSequence("vault:v", 0, false); err == nil {
		t.Error("stale new event should fail")
	}
}

func TestChainHash_DeterministicAcrossCores(t *testing.T) {
	c1, _, _ := newCore(t)
	c2, _, _ := newCore(t)

	if c1.ChainHash() != c2.ChainHash() {
		t.Fatal("fresh cores disagree on the genesis chain tip")
	}

	for seq := int64(0); seq < 3; seq++ {
		evt := attachEvent(1000+int(seq), 10_000, seq)
		if err := c1.ProcessEvent(evt); err != nil {
			t.Fatalf("c1 apply seq %d: %v", seq, err)
		}
		if err := c2.ProcessEvent(evt); err != nil {
			t.Fatalf("c2 apply seq %d: %v", seq, err)
		}
	}

	if c1.ChainHash() != c2.ChainHash() {
		t.Error("identical event streams produced different chain tips")
	}

	// One more event moves the tip.
	before := c1.ChainHash()
	if err := c1.ProcessEvent(attachEvent(2000, 5_000, 3)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if c1.ChainHash() == before {
		t.Error("chain tip unchanged after an applied event")
	}
}
