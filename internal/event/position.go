package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Header is shared by the single-user position commands
type Header struct {
	CommandID   uuid.UUID `json:"command_id"`
	UserID      uuid.UUID `json:"user_id"`
	AssetSymbol string    `json:"asset"`
	Timestamp   time.Time `json:"timestamp"`
}

func (h *Header) IdempotencyKey() string {
	return h.CommandID.String()
}

func (h *Header) Asset() string {
	return h.AssetSymbol
}

func (h *Header) OccurredAt() time.Time {
	return h.Timestamp
}

type Deposit struct {
	Header
	Amount *uint256.Int `json:"amount"`
}

func (d *Deposit) EventType() EventType {
	return EventTypeDeposit
}

type Mint struct {
	Header
	Amount *uint256.Int `json:"amount"`
}

func (m *Mint) EventType() EventType {
	return EventTypeMint
}

type Withdraw struct {
	Header
	Amount *uint256.Int `json:"amount"`
}

func (w *Withdraw) EventType() EventType {
	return EventTypeWithdraw
}

type Burn struct {
	Header
	Amount *uint256.Int `json:"amount"`
}

func (b *Burn) EventType() EventType {
	return EventTypeBurn
}

// DepositAndMint deposits collateral and mints against it in one step
type DepositAndMint struct {
	Header
	DepositAmount *uint256.Int `json:"deposit_amount"`
	MintAmount    *uint256.Int `json:"mint_amount"`
}

func (d *DepositAndMint) EventType() EventType {
	return EventTypeDepositAndMint
}

// BurnAndRedeem repays debt and withdraws collateral in one step
type BurnAndRedeem struct {
	Header
	BurnAmount   *uint256.Int `json:"burn_amount"`
	RedeemAmount *uint256.Int `json:"redeem_amount"`
}

func (b *BurnAndRedeem) EventType() EventType {
	return EventTypeBurnAndRedeem
}
