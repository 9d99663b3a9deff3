package persistence

import (
	"StableLedger/internal/core"
	"StableLedger/internal/event"
	"StableLedger/internal/ledger"
	"StableLedger/internal/state"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// snapshotFormatVersion v1: JSON-encoded SnapshotData
const snapshotFormatVersion = 1

// SnapshotManager creates and loads state snapshots and reads the event
// log back for recovery.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the stored form of core.SnapshotState
type SnapshotData struct {
	Sequence        int64             `json:"sequence"`
	StateHash       []byte            `json:"state_hash"`
	Accounts        []AccountSnapshot `json:"accounts"`
	Users           []string          `json:"users"`            // registration order
	IdempotencyKeys []string          `json:"idempotency_keys"` // most recent first
	TokenBalances   []TokenSnapshot   `json:"token_balances"`
	CreatedAt       time.Time         `json:"created_at"`
}

// TokenSnapshot is one debt token holder; Amount is base units in decimal
type TokenSnapshot struct {
	UserID string `json:"user_id"`
	Amount string `json:"amount"`
}

// AccountSnapshot is one ledger account; Amount is base units in decimal
type AccountSnapshot struct {
	UserID  string `json:"user_id"`
	Kind    uint8  `json:"kind"`
	AssetID uint16 `json:"asset_id"`
	Amount  string `json:"amount"`
}

// NewSnapshotData converts the engine's snapshot into its stored form
func NewSnapshotData(s *core.SnapshotState, createdAt time.Time) *SnapshotData {
	data := &SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       append([]byte(nil), s.StateHash[:]...),
		Accounts:        make([]AccountSnapshot, 0, len(s.Accounts)),
		Users:           make([]string, 0, len(s.Users)),
		IdempotencyKeys: s.IdempotencyKeys,
		TokenBalances:   make([]TokenSnapshot, 0, len(s.TokenBalances)),
		CreatedAt:       createdAt,
	}
	for _, a := range s.Accounts {
		data.Accounts = append(data.Accounts, AccountSnapshot{
			UserID:  a.Account.UserID.String(),
			Kind:    uint8(a.Account.Kind),
			AssetID: uint16(a.Account.AssetID),
			Amount:  a.Amount.Dec(),
		})
	}
	for _, u := range s.Users {
		data.Users = append(data.Users, u.String())
	}
	for _, b := range s.TokenBalances {
		data.TokenBalances = append(data.TokenBalances, TokenSnapshot{
			UserID: b.UserID.String(),
			Amount: b.Amount.Dec(),
		})
	}
	return data
}

// State converts the stored form back into an engine snapshot
func (d *SnapshotData) State() (*core.SnapshotState, error) {
	if len(d.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", d.Sequence, len(d.StateHash))
	}

	s := &core.SnapshotState{
		Sequence:        d.Sequence,
		Accounts:        make([]ledger.AccountBalance, 0, len(d.Accounts)),
		Users:           make([]uuid.UUID, 0, len(d.Users)),
		IdempotencyKeys: d.IdempotencyKeys,
	}
	copy(s.StateHash[:], d.StateHash)

	for _, a := range d.Accounts {
		userID, err := uuid.Parse(a.UserID)
		if err != nil {
			return nil, fmt.Errorf("snapshot account user %q: %w", a.UserID, err)
		}
		amount, err := uint256.FromDecimal(a.Amount)
		if err != nil {
			return nil, fmt.Errorf("snapshot account amount %q: %w", a.Amount, err)
		}
		s.Accounts = append(s.Accounts, ledger.AccountBalance{
			Account: ledger.AccountKey{
				UserID:  userID,
				Kind:    ledger.AccountKind(a.Kind),
				AssetID: ledger.AssetID(a.AssetID),
			},
			Amount: amount,
		})
	}
	for _, u := range d.Users {
		id, err := uuid.Parse(u)
		if err != nil {
			return nil, fmt.Errorf("snapshot user %q: %w", u, err)
		}
		s.Users = append(s.Users, id)
	}
	for _, b := range d.TokenBalances {
		userID, err := uuid.Parse(b.UserID)
		if err != nil {
			return nil, fmt.Errorf("snapshot token holder %q: %w", b.UserID, err)
		}
		amount, err := uint256.FromDecimal(b.Amount)
		if err != nil {
			return nil, fmt.Errorf("snapshot token balance %q: %w", b.Amount, err)
		}
		s.TokenBalances = append(s.TokenBalances, core.TokenBalance{UserID: userID, Amount: amount})
	}
	return s, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, string(data), snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, snapshotFormatVersion)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as usable for recovery.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// ReplayRecord is one persisted command rebuilt for core.Engine.Replay
type ReplayRecord struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
}

// LoadEventsFrom loads up to limit committed commands with sequence >=
// fromSequence, each with its journal batch and the collaborator transfers
// executed alongside it.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]ReplayRecord, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, asset, payload,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var records []ReplayRecord
	for rows.Next() {
		var (
			eventType           string
			stateHash, prevHash []byte
			env                 event.EventEnvelope
		)
		if err := rows.Scan(
			&env.Sequence, &eventType, &env.IdempotencyKey, &env.Asset, &env.Payload,
			&stateHash, &prevHash, &env.Timestamp,
		); err != nil {
			return nil, err
		}
		et, ok := event.ParseEventType(eventType)
		if !ok {
			return nil, fmt.Errorf("sequence %d: unknown event type %q", env.Sequence, eventType)
		}
		if len(stateHash) != 32 || len(prevHash) != 32 {
			return nil, fmt.Errorf("sequence %d: malformed hash", env.Sequence)
		}
		env.EventType = et
		copy(env.StateHash[:], stateHash)
		copy(env.PrevHash[:], prevHash)
		records = append(records, ReplayRecord{Envelope: &env})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	batches, err := sm.loadBatches(ctx, records[0].Envelope.Sequence, records[len(records)-1].Envelope.Sequence)
	if err != nil {
		return nil, err
	}
	for i := range records {
		records[i].Batch = batches[records[i].Envelope.Sequence]
	}
	return records, nil
}

func (sm *SnapshotManager) loadBatches(ctx context.Context, from, to int64) (map[int64]*ledger.Batch, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT journal_id, batch_id, event_ref, sequence, user_id, account_kind,
		       asset_id, direction, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE sequence BETWEEN $1 AND $2
		ORDER BY sequence ASC, ordinal ASC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query journals: %w", err)
	}
	defer rows.Close()

	batches := make(map[int64]*ledger.Batch)
	for rows.Next() {
		var (
			j         ledger.Journal
			kind      int16
			assetID   int16
			direction int16
			amount    string
			jtype     int32
		)
		if err := rows.Scan(
			&j.JournalID, &j.BatchID, &j.EventRef, &j.Sequence, &j.Account.UserID, &kind,
			&assetID, &direction, &amount, &jtype, &j.Timestamp,
		); err != nil {
			return nil, err
		}
		amt, err := uint256.FromDecimal(amount)
		if err != nil {
			return nil, fmt.Errorf("journal %s amount %q: %w", j.JournalID, amount, err)
		}
		j.Account.Kind = ledger.AccountKind(kind)
		j.Account.AssetID = ledger.AssetID(assetID)
		j.Direction = ledger.Direction(direction)
		j.Amount = amt
		j.JournalType = ledger.JournalType(jtype)

		b, ok := batches[j.Sequence]
		if !ok {
			b = &ledger.Batch{
				BatchID:   j.BatchID,
				EventRef:  j.EventRef,
				Sequence:  j.Sequence,
				Timestamp: j.Timestamp,
			}
			batches[j.Sequence] = b
		}
		b.Journals = append(b.Journals, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := sm.loadTransfers(ctx, from, to, batches); err != nil {
		return nil, err
	}
	return batches, nil
}

func (sm *SnapshotManager) loadTransfers(ctx context.Context, from, to int64, batches map[int64]*ledger.Batch) error {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, kind, user_id, asset_id, amount
		FROM event_log.transfers
		WHERE sequence BETWEEN $1 AND $2
		ORDER BY sequence ASC, ordinal ASC
	`, from, to)
	if err != nil {
		return fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int64
			kind    int16
			tr      ledger.Transfer
			assetID int16
			amount  string
		)
		if err := rows.Scan(&seq, &kind, &tr.UserID, &assetID, &amount); err != nil {
			return err
		}
		b, ok := batches[seq]
		if !ok {
			return fmt.Errorf("sequence %d: transfer without journal batch", seq)
		}
		amt, err := uint256.FromDecimal(amount)
		if err != nil {
			return fmt.Errorf("sequence %d transfer amount %q: %w", seq, amount, err)
		}
		tr.Kind = ledger.TransferKind(kind)
		tr.AssetID = ledger.AssetID(assetID)
		tr.Amount = amt
		b.Transfers = append(b.Transfers, tr)
	}
	return rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// LoadLiquidations returns the full liquidation history, oldest first
func (sm *SnapshotManager) LoadLiquidations(ctx context.Context) ([]state.LiquidationRecord, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT liquidation_id, event_ref, sequence, timestamp, liquidator, debtor, asset_id,
		       repaid, base_seize, bonus, total_seize, price, ratio_before
		FROM event_log.liquidations
		ORDER BY sequence ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query liquidations: %w", err)
	}
	defer rows.Close()

	var out []state.LiquidationRecord
	for rows.Next() {
		var (
			rec     state.LiquidationRecord
			assetID int16
			amounts [6]string
		)
		if err := rows.Scan(
			&rec.LiquidationID, &rec.EventRef, &rec.Sequence, &rec.Timestamp, &rec.Liquidator, &rec.Debtor, &assetID,
			&amounts[0], &amounts[1], &amounts[2], &amounts[3], &amounts[4], &amounts[5],
		); err != nil {
			return nil, err
		}
		rec.AssetID = ledger.AssetID(assetID)

		targets := []**uint256.Int{&rec.Repaid, &rec.BaseSeize, &rec.Bonus, &rec.TotalSeize, &rec.Price, &rec.RatioBefore}
		for i, s := range amounts {
			v, err := uint256.FromDecimal(s)
			if err != nil {
				return nil, fmt.Errorf("liquidation %s: %w", rec.LiquidationID, err)
			}
			*targets[i] = v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
