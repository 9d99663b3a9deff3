package event

import (
	"time"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDeposit
	EventTypeMint
	EventTypeWithdraw
	EventTypeBurn
	EventTypeDepositAndMint
	EventTypeBurnAndRedeem
	EventTypeLiquidate
)

// EventEnvelope wraps every committed command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Collateral asset symbol the command operates on
	Asset string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded command
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all command payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	// Asset returns the collateral symbol
	Asset() string

	// OccurredAt returns the upstream timestamp
	OccurredAt() time.Time
}

var eventNames = map[EventType]string{
	EventTypeDeposit:        "Deposit",
	EventTypeMint:           "Mint",
	EventTypeWithdraw:       "Withdraw",
	EventTypeBurn:           "Burn",
	EventTypeDepositAndMint: "DepositAndMint",
	EventTypeBurnAndRedeem:  "BurnAndRedeem",
	EventTypeLiquidate:      "Liquidate",
}

var eventSubjects = map[EventType]string{
	EventTypeDeposit:        "deposit",
	EventTypeMint:           "mint",
	EventTypeWithdraw:       "withdraw",
	EventTypeBurn:           "burn",
	EventTypeDepositAndMint: "deposit_and_mint",
	EventTypeBurnAndRedeem:  "burn_and_redeem",
	EventTypeLiquidate:      "liquidate",
}

func (et EventType) String() string {
	if name, ok := eventNames[et]; ok {
		return name
	}
	return "Unknown"
}

// Subject is the lower snake-case token used in NATS subjects and URL paths
func (et EventType) Subject() string {
	if s, ok := eventSubjects[et]; ok {
		return s
	}
	return "unknown"
}

// ParseEventType accepts either the String or the Subject form
func ParseEventType(s string) (EventType, bool) {
	for et, name := range eventNames {
		if s == name || s == eventSubjects[et] {
			return et, true
		}
	}
	return EventTypeUnknown, false
}
