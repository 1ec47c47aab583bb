package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// DebtAttach adds debt to a price tick.
// Idempotency key: request_id (UUID from the position manager).
type DebtAttach struct {
	RequestID uuid.UUID // Idempotency key
	Vault     string
	Tick      int
	Amount    uint64    // Raw debt units at attach time
	Sequence  int64     // Source sequence from the position manager
	Timestamp time.Time // Versioned input timestamp (NOT wall-clock)
}

func (d *DebtAttach) IdempotencyKey() string {
	return d.RequestID.String()
}

func (d *DebtAttach) EventType() EventType {
	return EventTypeDebtAttach
}

func (d *DebtAttach) VaultID() string {
	return d.Vault
}

func (d *DebtAttach) SourceSequence() int64 {
	return d.Sequence
}

// DebtRepay removes raw debt from a tick. Generation is the tick view
// the caller attached under; a stale generation rejects the repay.
type DebtRepay struct {
	RequestID  uuid.UUID
	Vault      string
	Tick       int
	Amount     uint64
	Generation uint64
	Sequence   int64
	Timestamp  time.Time
}

func (d *DebtRepay) IdempotencyKey() string {
	return d.RequestID.String()
}

func (d *DebtRepay) EventType() EventType {
	return EventTypeDebtRepay
}

func (d *DebtRepay) VaultID() string {
	return d.Vault
}

func (d *DebtRepay) SourceSequence() int64 {
	return d.Sequence
}

// LiquidationRequest asks the engine to consume up to Debt units against
// the market ratio, walking down to ThresholdTick.
type LiquidationRequest struct {
	RequestID      uuid.UUID
	Vault          string
	Debt           uint64
	ThresholdTick  int
	MaxSafetyTick  int
	Absorb         bool
	MarketRatioX96 *uint256.Int // Debt per unit collateral, Q96
	Sequence       int64
	Timestamp      time.Time
}

func (l *LiquidationRequest) IdempotencyKey() string {
	return l.RequestID.String()
}

func (l *LiquidationRequest) EventType() EventType {
	return EventTypeLiquidationRequest
}

func (l *LiquidationRequest) VaultID() string {
	return l.Vault
}

func (l *LiquidationRequest) SourceSequence() int64 {
	return l.Sequence
}

// AbsorptionRequest absorbs every tick above MaxSafetyTick into the
// vault without consuming against a market price.
type AbsorptionRequest struct {
	RequestID     uuid.UUID
	Vault         string
	MaxSafetyTick int
	Sequence      int64
	Timestamp     time.Time
}

func (a *AbsorptionRequest) IdempotencyKey() string {
	return fmt.Sprintf("%s:absorb", a.RequestID)
}

func (a *AbsorptionRequest) EventType() EventType {
	return EventTypeAbsorptionRequest
}

func (a *AbsorptionRequest) VaultID() string {
	return a.Vault
}

func (a *AbsorptionRequest) SourceSequence() int64 {
	return a.Sequence
}
