package persistence_test

import (
	"StableLedger/internal/core"
	"StableLedger/internal/event"
	"StableLedger/internal/ledger"
	"StableLedger/internal/observability"
	"StableLedger/internal/persistence"
	"StableLedger/internal/state"
	"StableLedger/internal/testutil"
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000_000))
}

// makeDeposit builds the output the engine emits for a deposit of n units
func makeDeposit(seq int64, prev [32]byte, user uuid.UUID, n uint64) core.CoreOutput {
	batchID := uuid.New()
	ref := uuid.NewString()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second)

	return core.CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       seq,
			IdempotencyKey: ref,
			EventType:      event.EventTypeDeposit,
			Asset:          "WETH",
			Timestamp:      ts,
			Payload:        []byte(`{"asset":"WETH"}`),
			StateHash:      sha256.Sum256([]byte(ref)),
			PrevHash:       prev,
		},
		Batch: &ledger.Batch{
			BatchID:   batchID,
			EventRef:  ref,
			Sequence:  seq,
			Timestamp: ts.UnixMicro(),
			Journals: []ledger.Journal{{
				JournalID:   uuid.New(),
				BatchID:     batchID,
				EventRef:    ref,
				Sequence:    seq,
				Account:     ledger.CollateralAccount(user, 1),
				Direction:   ledger.Increase,
				Amount:      units(n),
				JournalType: ledger.JournalTypeDeposit,
				Timestamp:   ts.UnixMicro(),
			}},
			Transfers: []ledger.Transfer{{
				Kind:    ledger.TransferAssetPull,
				UserID:  user,
				AssetID: 1,
				Amount:  units(n),
			}},
		},
	}
}

// ============================================================================
// Row mapping
// ============================================================================

func TestRowsFromOutput(t *testing.T) {
	user := uuid.New()
	out := makeDeposit(7, core.GenesisHash(), user, 5)

	rows := persistence.RowsFromOutput(out)

	assert.Equal(t, int64(7), rows.Event.Sequence)
	assert.Equal(t, "Deposit", rows.Event.EventType)
	assert.Equal(t, out.Envelope.StateHash[:], rows.Event.StateHash)
	assert.Equal(t, out.Envelope.PrevHash[:], rows.Event.PrevHash)

	require.Len(t, rows.Journals, 1)
	j := rows.Journals[0]
	assert.Equal(t, user, j.UserID)
	assert.Equal(t, int16(ledger.AccountKindCollateral), j.AccountKind)
	assert.Equal(t, int16(1), j.Direction)
	assert.Equal(t, "5000000000000000000", j.Amount)
	assert.Equal(t, 0, j.Ordinal)

	require.Len(t, rows.Transfers, 1)
	assert.Equal(t, int16(ledger.TransferAssetPull), rows.Transfers[0].Kind)
	assert.Nil(t, rows.Liquidation)
}

func TestRowsFromOutputCarriesLiquidation(t *testing.T) {
	out := makeDeposit(3, core.GenesisHash(), uuid.New(), 1)
	out.Liquidation = &state.LiquidationRecord{
		LiquidationID: uuid.New(),
		Sequence:      3,
		Liquidator:    uuid.New(),
		Debtor:        uuid.New(),
		AssetID:       1,
		Repaid:        units(4000),
		BaseSeize:     uint256.NewInt(3389830508474576271),
		Bonus:         uint256.NewInt(338983050847457627),
		TotalSeize:    uint256.NewInt(3728813559322033898),
		Price:         units(1180),
		RatioBefore:   uint256.NewInt(737500000000000000),
	}

	rows := persistence.RowsFromOutput(out)

	require.NotNil(t, rows.Liquidation)
	assert.Equal(t, "4000000000000000000000", rows.Liquidation.Repaid)
	assert.Equal(t, "3728813559322033898", rows.Liquidation.TotalSeize)
}

// ============================================================================
// Snapshot encoding
// ============================================================================

func TestSnapshotDataPreservesState(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	in := &core.SnapshotState{
		Sequence:  42,
		StateHash: sha256.Sum256([]byte("tip")),
		Accounts: []ledger.AccountBalance{
			{Account: ledger.CollateralAccount(alice, 1), Amount: units(5)},
			{Account: ledger.DebtAccount(alice, 1), Amount: units(8000)},
			{Account: ledger.CollateralAccount(bob, 2), Amount: uint256.NewInt(0)},
		},
		Users:           []uuid.UUID{alice, bob},
		IdempotencyKeys: []string{"Mint:b", "Deposit:a"},
		TokenBalances: []core.TokenBalance{
			{UserID: alice, Amount: units(4000)},
			{UserID: bob, Amount: units(4000)},
		},
	}

	data := persistence.NewSnapshotData(in, time.Now())
	assert.Equal(t, "8000000000000000000000", data.Accounts[1].Amount)
	require.Len(t, data.TokenBalances, 2)
	assert.Equal(t, "4000000000000000000000", data.TokenBalances[1].Amount)

	out, err := data.State()
	require.NoError(t, err)
	assert.Equal(t, in.Sequence, out.Sequence)
	assert.Equal(t, in.StateHash, out.StateHash)
	assert.Equal(t, in.Users, out.Users)
	assert.Equal(t, in.IdempotencyKeys, out.IdempotencyKeys)
	require.Len(t, out.Accounts, 3)
	for i := range in.Accounts {
		assert.Equal(t, in.Accounts[i].Account, out.Accounts[i].Account)
		assert.True(t, in.Accounts[i].Amount.Eq(out.Accounts[i].Amount), "account %d amount", i)
	}
	require.Len(t, out.TokenBalances, 2)
	for i := range in.TokenBalances {
		assert.Equal(t, in.TokenBalances[i].UserID, out.TokenBalances[i].UserID)
		assert.True(t, in.TokenBalances[i].Amount.Eq(out.TokenBalances[i].Amount), "token balance %d", i)
	}
}

func TestSnapshotDataRejectsCorruption(t *testing.T) {
	data := &persistence.SnapshotData{Sequence: 1, StateHash: []byte{1, 2, 3}}
	_, err := data.State()
	assert.Error(t, err)

	data.StateHash = make([]byte, 32)
	data.Accounts = []persistence.AccountSnapshot{{UserID: uuid.NewString(), Amount: "not-a-number"}}
	_, err = data.State()
	assert.Error(t, err)

	data.Accounts = nil
	data.TokenBalances = []persistence.TokenSnapshot{{UserID: uuid.NewString(), Amount: "lots"}}
	_, err = data.State()
	assert.Error(t, err)
}

// ============================================================================
// Postgres integration (skipped without STABLE_TEST_POSTGRES_DSN)
// ============================================================================

func TestWorkerPersistsAndReplayLoads(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	user := uuid.New()
	first := makeDeposit(1, core.GenesisHash(), user, 5)
	second := makeDeposit(2, first.Envelope.StateHash, user, 2)

	in := make(chan core.CoreOutput, 2)
	in <- first
	in <- second
	close(in)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	worker := persistence.NewPersistenceWorker(db, in, 10, time.Millisecond, metrics, zerolog.Nop())
	require.NoError(t, worker.Run(ctx))

	snaps := persistence.NewSnapshotManager(db)
	latest, err := snaps.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)

	records, err := snaps.LoadEventsFrom(ctx, 2, 100)
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, second.Envelope.IdempotencyKey, rec.Envelope.IdempotencyKey)
	assert.Equal(t, event.EventTypeDeposit, rec.Envelope.EventType)
	assert.Equal(t, second.Envelope.PrevHash, rec.Envelope.PrevHash)
	assert.Equal(t, second.Envelope.StateHash, rec.Envelope.StateHash)
	require.NotNil(t, rec.Batch)
	require.Len(t, rec.Batch.Journals, 1)
	assert.Equal(t, second.Batch.BatchID, rec.Batch.BatchID)
	assert.True(t, units(2).Eq(rec.Batch.Journals[0].Amount))
	assert.Equal(t, ledger.CollateralAccount(user, 1), rec.Batch.Journals[0].Account)
	require.Len(t, rec.Batch.Transfers, 1)
	assert.Equal(t, ledger.TransferAssetPull, rec.Batch.Transfers[0].Kind)
	assert.Equal(t, user, rec.Batch.Transfers[0].UserID)
	assert.True(t, units(2).Eq(rec.Batch.Transfers[0].Amount))

	// Rewriting the same outputs is a no-op
	again := make(chan core.CoreOutput, 1)
	again <- first
	close(again)
	require.NoError(t, persistence.NewPersistenceWorker(db, again, 10, time.Millisecond, nil, zerolog.Nop()).Run(ctx))
}

func TestPostgresIdempotencyChecker(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	out := makeDeposit(1, core.GenesisHash(), uuid.New(), 1)
	require.NoError(t, persistence.NewEventLogWriter(db).WriteOutputs(ctx, []persistence.OutputRows{persistence.RowsFromOutput(out)}))

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate(ctx, "Deposit", out.Envelope.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = checker.IsDuplicate(ctx, "Mint", out.Envelope.IdempotencyKey)
	require.NoError(t, err)
	assert.False(t, dup, "keys are scoped by command type")

	keys, err := checker.RecentKeys(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{core.CompositeKey("Deposit", out.Envelope.IdempotencyKey)}, keys)
}

func TestSnapshotSaveLoadVerified(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	snaps := persistence.NewSnapshotManager(db)

	none, err := snaps.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	data := persistence.NewSnapshotData(&core.SnapshotState{
		Sequence:  9,
		StateHash: sha256.Sum256([]byte("nine")),
		Users:     []uuid.UUID{uuid.New()},
	}, time.Now())
	size, err := snaps.SaveSnapshot(ctx, data)
	require.NoError(t, err)
	assert.Positive(t, size)

	unverified, err := snaps.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, unverified, "unverified snapshots are not used for recovery")

	require.NoError(t, snaps.MarkVerified(ctx, 9))
	loaded, err := snaps.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(9), loaded.Sequence)
	assert.Equal(t, data.Users, loaded.Users)
}

func TestLoadLiquidations(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	out := makeDeposit(1, core.GenesisHash(), uuid.New(), 1)
	out.Liquidation = &state.LiquidationRecord{
		LiquidationID: uuid.New(),
		EventRef:      out.Envelope.IdempotencyKey,
		Sequence:      1,
		Liquidator:    uuid.New(),
		Debtor:        uuid.New(),
		AssetID:       1,
		Repaid:        units(4000),
		BaseSeize:     uint256.NewInt(3389830508474576271),
		Bonus:         uint256.NewInt(338983050847457627),
		TotalSeize:    uint256.NewInt(3728813559322033898),
		Price:         units(1180),
		RatioBefore:   uint256.NewInt(737500000000000000),
	}
	require.NoError(t, persistence.NewEventLogWriter(db).WriteOutputs(ctx, []persistence.OutputRows{persistence.RowsFromOutput(out)}))

	recs, err := persistence.NewSnapshotManager(db).LoadLiquidations(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, out.Liquidation.Debtor, recs[0].Debtor)
	assert.True(t, out.Liquidation.TotalSeize.Eq(recs[0].TotalSeize))
	assert.True(t, out.Liquidation.RatioBefore.Eq(recs[0].RatioBefore))
}
