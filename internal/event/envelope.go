package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeTokenDeposit
	EventTypeBuyUSDG
	EventTypeSellUSDG
	EventTypeSwap
	EventTypeIncreasePosition
	EventTypeDecreasePosition
	EventTypeLiquidatePosition
	EventTypePriceUpdate
	EventTypeTokenConfigUpdate
	EventTypeFeeScheduleUpdate
	EventTypeVaultSettingsUpdate
	EventTypeWithdrawFees
	EventTypeDirectPoolDeposit
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Token context (nil for global events)
	Token *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event payload
	Payload []byte

	// Rejection reason when the vault refused the command; state is unchanged
	Rejection string

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Rejected reports whether the vault refused the command.
func (e *EventEnvelope) Rejected() bool {
	return e.Rejection != ""
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// TokenID returns the token context (nil for global events)
	TokenID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// EventTime returns the versioned input timestamp in epoch microseconds
	EventTime() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeTokenDeposit:
		return "TokenDeposit"
	case EventTypeBuyUSDG:
		return "BuyUSDG"
	case EventTypeSellUSDG:
		return "SellUSDG"
	case EventTypeSwap:
		return "Swap"
	case EventTypeIncreasePosition:
		return "IncreasePosition"
	case EventTypeDecreasePosition:
		return "DecreasePosition"
	case EventTypeLiquidatePosition:
		return "LiquidatePosition"
	case EventTypePriceUpdate:
		return "PriceUpdate"
	case EventTypeTokenConfigUpdate:
		return "TokenConfigUpdate"
	case EventTypeFeeScheduleUpdate:
		return "FeeScheduleUpdate"
	case EventTypeVaultSettingsUpdate:
		return "VaultSettingsUpdate"
	case EventTypeWithdrawFees:
		return "WithdrawFees"
	case EventTypeDirectPoolDeposit:
		return "DirectPoolDeposit"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String. Unknown names map to EventTypeUnknown.
func ParseEventType(s string) EventType {
	for et := EventTypeTokenDeposit; et <= EventTypeDirectPoolDeposit; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}

// IsConfig reports whether the event type changes vault configuration rather than
// moving funds.
func (et EventType) IsConfig() bool {
	switch et {
	case EventTypeTokenConfigUpdate, EventTypeFeeScheduleUpdate, EventTypeVaultSettingsUpdate:
		return true
	}
	return false
}
