package event

import (
	"encoding/json"
	"fmt"
)

// EncodeWire serializes an inbound command back into its upstream wire
// format. The event log stores commands in this form so recovery can
// replay them through the same parser the NATS path uses.
func EncodeWire(e Event) ([]byte, error) {
	switch ev := e.(type) {
	case *DebtAttach:
		return json.Marshal(struct {
			RequestID   string `json:"request_id"`
			Vault       string `json:"vault"`
			Tick        int    `json:"tick"`
			Amount      uint64 `json:"amount"`
			Sequence    int64  `json:"sequence"`
			TimestampUs int64  `json:"timestamp_us"`
		}{ev.RequestID.String(), ev.Vault, ev.Tick, ev.Amount, ev.Sequence, ev.Timestamp.UnixMicro()})

	case *DebtRepay:
		return json.Marshal(struct {
			RequestID   string `json:"request_id"`
			Vault       string `json:"vault"`
			Tick        int    `json:"tick"`
			Amount      uint64 `json:"amount"`
			Generation  uint64 `json:"generation"`
			Sequence    int64  `json:"sequence"`
			TimestampUs int64  `json:"timestamp_us"`
		}{ev.RequestID.String(), ev.Vault, ev.Tick, ev.Amount, ev.Generation, ev.Sequence, ev.Timestamp.UnixMicro()})

	case *LiquidationRequest:
		ratio := ""
		if ev.MarketRatioX96 != nil {
			ratio = ev.MarketRatioX96.Dec()
		}
		return json.Marshal(struct {
			RequestID      string `json:"request_id"`
			Vault          string `json:"vault"`
			Debt           uint64 `json:"debt"`
			ThresholdTick  int    `json:"threshold_tick"`
			MaxSafetyTick  int    `json:"max_safety_tick"`
			Absorb         bool   `json:"absorb"`
			MarketRatioX96 string `json:"market_ratio_x96,omitempty"`
			Sequence       int64  `json:"sequence"`
			TimestampUs    int64  `json:"timestamp_us"`
		}{ev.RequestID.String(), ev.Vault, ev.Debt, ev.ThresholdTick, ev.MaxSafetyTick, ev.Absorb, ratio, ev.Sequence, ev.Timestamp.UnixMicro()})

	case *AbsorptionRequest:
		return json.Marshal(struct {
			RequestID     string `json:"request_id"`
			Vault         string `json:"vault"`
			MaxSafetyTick int    `json:"max_safety_tick"`
			Sequence      int64  `json:"sequence"`
			TimestampUs   int64  `json:"timestamp_us"`
		}{ev.RequestID.String(), ev.Vault, ev.MaxSafetyTick, ev.Sequence, ev.Timestamp.UnixMicro()})

	default:
		return nil, fmt.Errorf("no wire form for event type %T", e)
	}
}
