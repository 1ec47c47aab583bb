package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"VaultEngine/internal/event"
	"VaultEngine/internal/ingestion"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseDebtAttach(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":   "550e8400-e29b-41d4-a716-446655440000",
		"vault":        "vault-main",
		"tick":         1200,
		"amount":       uint64(1_000_000),
		"sequence":     int64(7),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "DebtAttach")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	da, ok := evt.(*event.DebtAttach)
	if !ok {
		t.Fatalf("expected *event.DebtAttach, got %T", evt)
	}

	if da.Vault != "vault-main" {
		t.Errorf("vault: got %s, want vault-main", da.Vault)
	}
	if da.Tick != 1200 {
		t.Errorf("tick: got %d, want 1200", da.Tick)
	}
	if da.Amount != 1_000_000 {
		t.Errorf("amount: got %d, want 1_000_000", da.Amount)
	}
	if da.SourceSequence() != 7 {
		t.Errorf("sequence: got %d, want 7", da.SourceSequence())
	}
	if da.EventType() != event.EventTypeDebtAttach {
		t.Errorf("event type: got %v, want DebtAttach", da.EventType())
	}
	if got, want := da.Timestamp, time.UnixMicro(1700000000000000); !got.Equal(want) {
		t.Errorf("timestamp: got %v, want %v", got, want)
	}
}

func TestParseDebtRepay(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":   "660e8400-e29b-41d4-a716-446655440001",
		"vault":        "vault-main",
		"tick":         -350,
		"amount":       uint64(25_000),
		"generation":   uint64(3),
		"sequence":     int64(8),
		"timestamp_us": int64(1700000000000001),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "DebtRepay")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	dr, ok := evt.(*event.DebtRepay)
	if !ok {
		t.Fatalf("expected *event.DebtRepay, got %T", evt)
	}
	if dr.Tick != -350 {
		t.Errorf("tick: got %d, want -350", dr.Tick)
	}
	if dr.Generation != 3 {
		t.Errorf("generation: got %d, want 3", dr.Generation)
	}
}

func TestParseLiquidationRequest(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":       "770e8400-e29b-41d4-a716-446655440002",
		"vault":            "vault-main",
		"debt":             uint64(500_000),
		"threshold_tick":   -2000,
		"max_safety_tick":  8000,
		"absorb":           true,
		"market_ratio_x96": "79228162514264337593543950336", // 1.0 in Q96
		"sequence":         int64(9),
		"timestamp_us":     int64(1700000000000002),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "LiquidationRequest")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	lr, ok := evt.(*event.LiquidationRequest)
	if !ok {
		t.Fatalf("expected *event.LiquidationRequest, got %T", evt)
	}
	if lr.Debt != 500_000 {
		t.Errorf("debt: got %d, want 500_000", lr.Debt)
	}
	if lr.ThresholdTick != -2000 || lr.MaxSafetyTick != 8000 {
		t.Errorf("ticks: got (%d, %d), want (-2000, 8000)", lr.ThresholdTick, lr.MaxSafetyTick)
	}
	if !lr.Absorb {
		t.Error("absorb flag lost")
	}
	if lr.MarketRatioX96 == nil {
		t.Fatal("market ratio missing")
	}
	if got, want := lr.MarketRatioX96.Dec(), "79228162514264337593543950336"; got != want {
		t.Errorf("ratio: got %s, want %s", got, want)
	}
}

func TestParseLiquidationRequest_OmittedRatio(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":      "880e8400-e29b-41d4-a716-446655440003",
		"vault":           "vault-main",
		"debt":            uint64(0),
		"threshold_tick":  0,
		"max_safety_tick": 8000,
		"sequence":        int64(10),
		"timestamp_us":    int64(1700000000000003),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "LiquidationRequest")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	lr := evt.(*event.LiquidationRequest)
	if lr.MarketRatioX96 != nil {
		t.Error("ratio should be nil when omitted")
	}
}

func TestParseAbsorptionRequest(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":      "990e8400-e29b-41d4-a716-446655440004",
		"vault":           "vault-main",
		"max_safety_tick": 4000,
		"sequence":        int64(11),
		"timestamp_us":    int64(1700000000000004),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "AbsorptionRequest")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	ar, ok := evt.(*event.AbsorptionRequest)
	if !ok {
		t.Fatalf("expected *event.AbsorptionRequest, got %T", evt)
	}
	if ar.MaxSafetyTick != 4000 {
		t.Errorf("max safety tick: got %d, want 4000", ar.MaxSafetyTick)
	}
}

func TestParseRawEvent_Errors(t *testing.T) {
	cases := []struct {
		name      string
		eventType string
		payload   interface{}
	}{
		{"unknown type", "MarkPrice", map[string]interface{}{}},
		{"bad uuid", "DebtAttach", map[string]interface{}{"request_id": "not-a-uuid"}},
		{"bad ratio", "LiquidationRequest", map[string]interface{}{
			"request_id":       "550e8400-e29b-41d4-a716-446655440000",
			"market_ratio_x96": "12x34",
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ingestion.ParseRawEvent(rawFromJSON(t, tc.payload), tc.eventType); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}
