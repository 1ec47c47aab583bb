package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"VaultEngine/internal/event"
)

// ParseRawEvent converts a RawEvent (JSON bytes plus an event type
// string) into a typed event.Event. The shell validates and converts
// before anything reaches the core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "DebtAttach":
		return parseDebtAttach(raw.Data)
	case "DebtRepay":
		return parseDebtRepay(raw.Data)
	case "LiquidationRequest":
		return parseLiquidationRequest(raw.Data)
	case "AbsorptionRequest":
		return parseAbsorptionRequest(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Q96 ratios
// travel as decimal strings; they exceed every integer JSON can carry.

type debtAttachJSON struct {
	RequestID   string `json:"request_id"`
	Vault       string `json:"vault"`
	Tick        int    `json:"tick"`
	Amount      uint64 `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDebtAttach(data []byte) (*event.DebtAttach, error) {
	var j debtAttachJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DebtAttach: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	return &event.DebtAttach{
		RequestID: requestID,
		Vault:     j.Vault,
		Tick:      j.Tick,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type debtRepayJSON struct {
	RequestID   string `json:"request_id"`
	Vault       string `json:"vault"`
	Tick        int    `json:"tick"`
	Amount      uint64 `json:"amount"`
	Generation  uint64 `json:"generation"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDebtRepay(data []byte) (*event.DebtRepay, error) {
	var j debtRepayJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DebtRepay: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	return &event.DebtRepay{
		RequestID:  requestID,
		Vault:      j.Vault,
		Tick:       j.Tick,
		Amount:     j.Amount,
		Generation: j.Generation,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type liquidationRequestJSON struct {
	RequestID      string `json:"request_id"`
	Vault          string `json:"vault"`
	Debt           uint64 `json:"debt"`
	ThresholdTick  int    `json:"threshold_tick"`
	MaxSafetyTick  int    `json:"max_safety_tick"`
	Absorb         bool   `json:"absorb"`
	MarketRatioX96 string `json:"market_ratio_x96"`
	Sequence       int64  `json:"sequence"`
	TimestampUs    int64  `json:"timestamp_us"`
}

func parseLiquidationRequest(data []byte) (*event.LiquidationRequest, error) {
	var j liquidationRequestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidationRequest: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	var ratio *uint256.Int
	if j.MarketRatioX96 != "" {
		ratio, err = uint256.FromDecimal(j.MarketRatioX96)
		if err != nil {
			return nil, fmt.Errorf("parse market_ratio_x96: %w", err)
		}
	}
	return &event.LiquidationRequest{
		RequestID:      requestID,
		Vault:          j.Vault,
		Debt:           j.Debt,
		ThresholdTick:  j.ThresholdTick,
		MaxSafetyTick:  j.MaxSafetyTick,
		Absorb:         j.Absorb,
		MarketRatioX96: ratio,
		Sequence:       j.Sequence,
		Timestamp:      time.UnixMicro(j.TimestampUs),
	}, nil
}

type absorptionRequestJSON struct {
	RequestID     string `json:"request_id"`
	Vault         string `json:"vault"`
	MaxSafetyTick int    `json:"max_safety_tick"`
	Sequence      int64  `json:"sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseAbsorptionRequest(data []byte) (*event.AbsorptionRequest, error) {
	var j absorptionRequestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AbsorptionRequest: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	return &event.AbsorptionRequest{
		RequestID:     requestID,
		Vault:         j.Vault,
		MaxSafetyTick: j.MaxSafetyTick,
		Sequence:      j.Sequence,
		Timestamp:     time.UnixMicro(j.TimestampUs),
	}, nil
}
