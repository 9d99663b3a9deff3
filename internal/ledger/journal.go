package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeMint
	JournalTypeBurn
	JournalTypeLiquidationSeize
	JournalTypeLiquidationRepay
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeMint:
		return "mint"
	case JournalTypeBurn:
		return "burn"
	case JournalTypeLiquidationSeize:
		return "liquidation_seize"
	case JournalTypeLiquidationRepay:
		return "liquidation_repay"
	default:
		return "unknown"
	}
}

// Direction is the sign of a journal entry; amounts are always positive
type Direction int8

const (
	Increase Direction = 1
	Decrease Direction = -1
)

// Journal is a single ledger mutation on one account
type Journal struct {
	JournalID   uuid.UUID
	BatchID     uuid.UUID
	EventRef    string
	Sequence    int64
	Account     AccountKey
	Direction   Direction
	Amount      *uint256.Int
	JournalType JournalType
	Timestamp   int64 // epoch microseconds
}

// TransferKind names a collaborator side effect of a committed batch
type TransferKind int8

const (
	TransferTokenMint    TransferKind = iota // debt token minted to user
	TransferTokenBurn                        // debt token burned from user
	TransferAssetPull                        // collateral moved user -> ledger
	TransferAssetPush                        // collateral moved ledger -> user
)

func (k TransferKind) String() string {
	switch k {
	case TransferTokenMint:
		return "token_mint"
	case TransferTokenBurn:
		return "token_burn"
	case TransferAssetPull:
		return "asset_pull"
	case TransferAssetPush:
		return "asset_push"
	default:
		return "unknown"
	}
}

// Transfer records an external movement executed alongside a batch
type Transfer struct {
	Kind    TransferKind
	UserID  uuid.UUID
	AssetID AssetID // zero for token transfers
	Amount  *uint256.Int
}

// Batch is the full set of mutations of one committed operation
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
	Transfers []Transfer
}

// Validate ensures the batch is well-formed. It does not look at balances.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s: %w", j.JournalID, ErrInvalidAmount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.Direction != Increase && j.Direction != Decrease {
			return fmt.Errorf("journal %s has invalid direction %d", j.JournalID, j.Direction)
		}
	}

	for i, tr := range b.Transfers {
		if tr.Amount == nil || tr.Amount.IsZero() {
			return fmt.Errorf("transfer %d (%s): %w", i, tr.Kind, ErrInvalidAmount)
		}
	}

	return nil
}

// Users returns the distinct users touched by the batch, in first-seen order
func (b *Batch) Users() []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, 2)
	out := make([]uuid.UUID, 0, 2)
	for _, j := range b.Journals {
		if _, ok := seen[j.Account.UserID]; ok {
			continue
		}
		seen[j.Account.UserID] = struct{}{}
		out = append(out, j.Account.UserID)
	}
	return out
}
