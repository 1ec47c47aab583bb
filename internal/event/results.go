package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LiquidationExecuted reports the outcome of a processed liquidation.
type LiquidationExecuted struct {
	RequestID          uuid.UUID `json:"request_id"`
	Vault              string    `json:"vault"`
	DebtConsumed       uint64    `json:"debt_consumed"`
	CollateralConsumed uint64    `json:"collateral_consumed"`
	DebtAbsorbed       uint64    `json:"debt_absorbed"`
	CollateralAbsorbed uint64    `json:"collateral_absorbed"`
	Steps              int       `json:"steps"`
	FinalTick          int       `json:"final_tick"`
	Sequence           int64     `json:"sequence"`
	Timestamp          time.Time `json:"timestamp"`
}

func (l *LiquidationExecuted) IdempotencyKey() string {
	return fmt.Sprintf("%s:executed", l.RequestID)
}

func (l *LiquidationExecuted) EventType() EventType {
	return EventTypeLiquidationExecuted
}

func (l *LiquidationExecuted) VaultID() string {
	return l.Vault
}

func (l *LiquidationExecuted) SourceSequence() int64 {
	return l.Sequence
}

// LiquidationRejected reports a request the engine refused. Reason is
// the sentinel error class, Detail the full message.
type LiquidationRejected struct {
	RequestID uuid.UUID `json:"request_id"`
	Vault     string    `json:"vault"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

func (l *LiquidationRejected) IdempotencyKey() string {
	return fmt.Sprintf("%s:rejected", l.RequestID)
}

func (l *LiquidationRejected) EventType() EventType {
	return EventTypeLiquidationRejected
}

func (l *LiquidationRejected) VaultID() string {
	return l.Vault
}

func (l *LiquidationRejected) SourceSequence() int64 {
	return l.Sequence
}

// DebtAbsorbed reports debt and collateral folded into the vault by an
// absorption pre-pass or a standalone absorption request.
type DebtAbsorbed struct {
	RequestID          uuid.UUID `json:"request_id"`
	Vault              string    `json:"vault"`
	DebtAbsorbed       uint64    `json:"debt_absorbed"`
	CollateralAbsorbed uint64    `json:"collateral_absorbed"`
	Sequence           int64     `json:"sequence"`
	Timestamp          time.Time `json:"timestamp"`
}

func (d *DebtAbsorbed) IdempotencyKey() string {
	return fmt.Sprintf("%s:absorbed", d.RequestID)
}

func (d *DebtAbsorbed) EventType() EventType {
	return EventTypeDebtAbsorbed
}

func (d *DebtAbsorbed) VaultID() string {
	return d.Vault
}

func (d *DebtAbsorbed) SourceSequence() int64 {
	return d.Sequence
}
