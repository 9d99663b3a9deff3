package ledger

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// NewBatch starts an empty batch for the operation identified by eventRef.
// The sequence is stamped at commit.
func NewBatch(eventRef string, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 2),
	}
}

func (b *Batch) addJournal(account AccountKey, dir Direction, amt *uint256.Int, jt JournalType) {
	b.Journals = append(b.Journals, Journal{
		JournalID:   uuid.New(),
		BatchID:     b.BatchID,
		EventRef:    b.EventRef,
		Account:     account,
		Direction:   dir,
		Amount:      amt.Clone(),
		JournalType: jt,
		Timestamp:   b.Timestamp,
	})
}

func (b *Batch) addTransfer(kind TransferKind, userID uuid.UUID, assetID AssetID, amt *uint256.Int) {
	b.Transfers = append(b.Transfers, Transfer{
		Kind:    kind,
		UserID:  userID,
		AssetID: assetID,
		Amount:  amt.Clone(),
	})
}

// Stamp assigns the committed sequence to the batch and its journals
func (b *Batch) Stamp(sequence int64) {
	b.Sequence = sequence
	for i := range b.Journals {
		b.Journals[i].Sequence = sequence
	}
}

// Append moves other's journals and transfers into b. Used by composite
// operations that commit as one unit.
func (b *Batch) Append(other *Batch) {
	for _, j := range other.Journals {
		j.BatchID = b.BatchID
		j.EventRef = b.EventRef
		b.Journals = append(b.Journals, j)
	}
	b.Transfers = append(b.Transfers, other.Transfers...)
}

// GenerateDeposit: user wallet -> ledger custody, collateral up
func GenerateDeposit(ref string, ts int64, userID uuid.UUID, assetID AssetID, amt *uint256.Int) *Batch {
	b := NewBatch(ref, ts)
	b.addJournal(CollateralAccount(userID, assetID), Increase, amt, JournalTypeDeposit)
	b.addTransfer(TransferAssetPull, userID, assetID, amt)
	return b
}

// GenerateWithdrawal: collateral down, ledger custody -> user wallet
func GenerateWithdrawal(ref string, ts int64, userID uuid.UUID, assetID AssetID, amt *uint256.Int) *Batch {
	b := NewBatch(ref, ts)
	b.addJournal(CollateralAccount(userID, assetID), Decrease, amt, JournalTypeWithdrawal)
	b.addTransfer(TransferAssetPush, userID, assetID, amt)
	return b
}

// GenerateMint: debt up against assetID, tokens minted to the user
func GenerateMint(ref string, ts int64, userID uuid.UUID, assetID AssetID, amt *uint256.Int) *Batch {
	b := NewBatch(ref, ts)
	b.addJournal(DebtAccount(userID, assetID), Increase, amt, JournalTypeMint)
	b.addTransfer(TransferTokenMint, userID, 0, amt)
	return b
}

// GenerateBurn: debt down on assetID, tokens burned from the user
func GenerateBurn(ref string, ts int64, userID uuid.UUID, assetID AssetID, amt *uint256.Int) *Batch {
	b := NewBatch(ref, ts)
	b.addJournal(DebtAccount(userID, assetID), Decrease, amt, JournalTypeBurn)
	b.addTransfer(TransferTokenBurn, userID, 0, amt)
	return b
}

// GenerateLiquidation: debtor collateral and debt down; the liquidator's
// tokens are burned and the seized collateral is pushed to the liquidator.
func GenerateLiquidation(
	ref string,
	ts int64,
	liquidator, debtor uuid.UUID,
	assetID AssetID,
	repay, seize *uint256.Int,
) *Batch {
	b := NewBatch(ref, ts)
	b.addJournal(CollateralAccount(debtor, assetID), Decrease, seize, JournalTypeLiquidationSeize)
	b.addJournal(DebtAccount(debtor, assetID), Decrease, repay, JournalTypeLiquidationRepay)
	b.addTransfer(TransferTokenBurn, liquidator, 0, repay)
	b.addTransfer(TransferAssetPush, liquidator, assetID, seize)
	return b
}
