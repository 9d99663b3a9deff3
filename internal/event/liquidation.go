package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Liquidate repays part of an undercollateralized debtor's debt in
// exchange for their collateral plus a bonus
type Liquidate struct {
	CommandID   uuid.UUID    `json:"command_id"`
	Liquidator  uuid.UUID    `json:"liquidator"`
	Debtor      uuid.UUID    `json:"debtor"`
	AssetSymbol string       `json:"asset"`
	DebtToRepay *uint256.Int `json:"debt_to_repay"`
	Timestamp   time.Time    `json:"timestamp"`
}

func (l *Liquidate) IdempotencyKey() string {
	return l.CommandID.String()
}

func (l *Liquidate) EventType() EventType {
	return EventTypeLiquidate
}

func (l *Liquidate) Asset() string {
	return l.AssetSymbol
}

func (l *Liquidate) OccurredAt() time.Time {
	return l.Timestamp
}
