package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDebtAttach
	EventTypeDebtRepay
	EventTypeLiquidationRequest
	EventTypeAbsorptionRequest
	EventTypeLiquidationExecuted
	EventTypeLiquidationRejected
	EventTypeDebtAbsorbed
)

// Envelope wraps every event in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Vault context
	VaultID string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// VaultID returns the vault context
	VaultID() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeDebtAttach:
		return "DebtAttach"
	case EventTypeDebtRepay:
		return "DebtRepay"
	case EventTypeLiquidationRequest:
		return "LiquidationRequest"
	case EventTypeAbsorptionRequest:
		return "AbsorptionRequest"
	case EventTypeLiquidationExecuted:
		return "LiquidationExecuted"
	case EventTypeLiquidationRejected:
		return "LiquidationRejected"
	case EventTypeDebtAbsorbed:
		return "DebtAbsorbed"
	default:
		return "Unknown"
	}
}
