package query

import "github.com/google/uuid"

// Amounts are rendered as decimal strings in token units ("1.5" == 1.5e18
// base units). Ratios are percentages with two fractional digits.

// PositionResponse is the view of one (user, asset) position.
type PositionResponse struct {
	UserID          uuid.UUID `json:"user_id"`
	Asset           string    `json:"asset"`
	Collateral      string    `json:"collateral"`
	Debt            string    `json:"debt"`
	CollateralValue string    `json:"collateral_value"`    // USD
	RatioPct        string    `json:"ratio_pct,omitempty"` // empty when there is no debt
	Status          string    `json:"status,omitempty"`
	AsOfSequence    int64     `json:"as_of_sequence"`
}

// DebtResponse is a user's aggregate debt across assets.
type DebtResponse struct {
	UserID       uuid.UUID `json:"user_id"`
	Debt         string    `json:"debt"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// ProtocolResponse summarizes system-wide solvency.
type ProtocolResponse struct {
	CollateralValue string `json:"collateral_value"`
	DebtSupply      string `json:"debt_supply"`
	RatioPct        string `json:"ratio_pct,omitempty"` // empty when supply is zero
	Solvent         bool   `json:"solvent"`
	Users           int    `json:"users"`
	AsOfSequence    int64  `json:"as_of_sequence"`
}

// LiquidationResponse is one entry of the liquidation history.
type LiquidationResponse struct {
	LiquidationID  uuid.UUID `json:"liquidation_id"`
	EventRef       string    `json:"event_ref"`
	Sequence       int64     `json:"sequence"`
	Timestamp      int64     `json:"timestamp"`
	Liquidator     uuid.UUID `json:"liquidator"`
	Debtor         uuid.UUID `json:"debtor"`
	Asset          string    `json:"asset"`
	Repaid         string    `json:"repaid"`
	BaseSeize      string    `json:"base_seize"`
	Bonus          string    `json:"bonus"`
	TotalSeize     string    `json:"total_seize"`
	Price          string    `json:"price"`
	RatioBeforePct string    `json:"ratio_before_pct"`
}

// JournalHistoryEntry is one persisted journal row touching a user.
type JournalHistoryEntry struct {
	JournalID   uuid.UUID `json:"journal_id"`
	BatchID     uuid.UUID `json:"batch_id"`
	EventRef    string    `json:"event_ref"`
	Sequence    int64     `json:"sequence"`
	Account     string    `json:"account"` // collateral | debt
	Asset       string    `json:"asset"`
	Direction   int8      `json:"direction"`
	Amount      string    `json:"amount"` // base units
	JournalType string    `json:"journal_type"`
	Timestamp   int64     `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	Sequence        int64   `json:"sequence"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	LedgerError     string  `json:"ledger_error,omitempty"`
	Solvent         bool    `json:"solvent"`
}
