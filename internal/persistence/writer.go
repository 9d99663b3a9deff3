package persistence

import (
	"StableLedger/internal/core"
	"StableLedger/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes committed commands to Postgres using multi-row
// INSERTs. Every statement is ON CONFLICT DO NOTHING so a retried batch
// that partially landed is harmless.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Asset          string
	Payload        []byte // JSON-encoded command
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID   uuid.UUID
	BatchID     uuid.UUID
	EventRef    string
	Sequence    int64
	Ordinal     int
	UserID      uuid.UUID
	AccountKind int16
	AssetID     int16
	Direction   int16
	Amount      string // base units, decimal
	JournalType int32
	Timestamp   int64
}

// TransferRow represents a row in event_log.transfers
type TransferRow struct {
	BatchID  uuid.UUID
	Ordinal  int
	Sequence int64
	Kind     int16
	UserID   uuid.UUID
	AssetID  int16
	Amount   string
}

// LiquidationRow represents a row in event_log.liquidations
type LiquidationRow struct {
	LiquidationID uuid.UUID
	EventRef      string
	Sequence      int64
	Timestamp     int64
	Liquidator    uuid.UUID
	Debtor        uuid.UUID
	AssetID       int16
	Repaid        string
	BaseSeize     string
	Bonus         string
	TotalSeize    string
	Price         string
	RatioBefore   string
}

// OutputRows is the flattened form of one core.CoreOutput
type OutputRows struct {
	Event       EventRow
	Journals    []JournalRow
	Transfers   []TransferRow
	Liquidation *LiquidationRow
}

// RowsFromOutput flattens a committed command into table rows
func RowsFromOutput(out core.CoreOutput) OutputRows {
	env := out.Envelope
	rows := OutputRows{
		Event: EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Asset:          env.Asset,
			Payload:        env.Payload,
			StateHash:      append([]byte(nil), env.StateHash[:]...),
			PrevHash:       append([]byte(nil), env.PrevHash[:]...),
			Timestamp:      env.Timestamp,
		},
	}

	if b := out.Batch; b != nil {
		rows.Journals = make([]JournalRow, 0, len(b.Journals))
		for i, j := range b.Journals {
			rows.Journals = append(rows.Journals, JournalRow{
				JournalID:   j.JournalID,
				BatchID:     j.BatchID,
				EventRef:    j.EventRef,
				Sequence:    env.Sequence,
				Ordinal:     i,
				UserID:      j.Account.UserID,
				AccountKind: int16(j.Account.Kind),
				AssetID:     int16(j.Account.AssetID),
				Direction:   int16(j.Direction),
				Amount:      j.Amount.Dec(),
				JournalType: int32(j.JournalType),
				Timestamp:   j.Timestamp,
			})
		}
		for i, tr := range b.Transfers {
			rows.Transfers = append(rows.Transfers, TransferRow{
				BatchID:  b.BatchID,
				Ordinal:  i,
				Sequence: env.Sequence,
				Kind:     int16(tr.Kind),
				UserID:   tr.UserID,
				AssetID:  int16(tr.AssetID),
				Amount:   tr.Amount.Dec(),
			})
		}
	}

	if rec := out.Liquidation; rec != nil {
		rows.Liquidation = liquidationRow(rec)
	}
	return rows
}

func liquidationRow(rec *state.LiquidationRecord) *LiquidationRow {
	return &LiquidationRow{
		LiquidationID: rec.LiquidationID,
		EventRef:      rec.EventRef,
		Sequence:      rec.Sequence,
		Timestamp:     rec.Timestamp,
		Liquidator:    rec.Liquidator,
		Debtor:        rec.Debtor,
		AssetID:       int16(rec.AssetID),
		Repaid:        rec.Repaid.Dec(),
		BaseSeize:     rec.BaseSeize.Dec(),
		Bonus:         rec.Bonus.Dec(),
		TotalSeize:    rec.TotalSeize.Dec(),
		Price:         rec.Price.Dec(),
		RatioBefore:   rec.RatioBefore.Dec(),
	}
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteOutputs writes a batch of committed commands in one transaction
func (w *EventLogWriter) WriteOutputs(ctx context.Context, batch []OutputRows) error {
	if len(batch) == 0 {
		return nil
	}

	events := make([]EventRow, 0, len(batch))
	var journals []JournalRow
	var transfers []TransferRow
	var liquidations []LiquidationRow
	for _, r := range batch {
		events = append(events, r.Event)
		journals = append(journals, r.Journals...)
		transfers = append(transfers, r.Transfers...)
		if r.Liquidation != nil {
			liquidations = append(liquidations, *r.Liquidation)
		}
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return &WriteError{Stage: "tx_begin", Err: err}
	}
	defer tx.Rollback()

	if err := w.WriteEventBatch(ctx, tx, events); err != nil {
		return &WriteError{Stage: "write_events", Err: err}
	}
	if err := w.WriteJournalBatch(ctx, tx, journals); err != nil {
		return &WriteError{Stage: "write_journals", Err: err}
	}
	if err := w.WriteTransferBatch(ctx, tx, transfers); err != nil {
		return &WriteError{Stage: "write_transfers", Err: err}
	}
	if err := w.WriteLiquidationBatch(ctx, tx, liquidations); err != nil {
		return &WriteError{Stage: "write_liquidations", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &WriteError{Stage: "tx_commit", Err: err}
	}
	return nil
}

// WriteEventBatch writes a batch of events to event_log.events using multi-row INSERT.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 8
	args := make([]any, 0, len(events)*cols)
	for _, e := range events {
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Asset,
			string(e.Payload), e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, asset, payload, state_hash, prev_hash, timestamp)
		VALUES ` + placeholders(len(events), cols) + ` ON CONFLICT DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	const cols = 12
	args := make([]any, 0, len(journals)*cols)
	for _, j := range journals {
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence, j.Ordinal,
			j.UserID, j.AccountKind, j.AssetID, j.Direction, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, ordinal, user_id, account_kind, asset_id, direction, amount, journal_type, timestamp)
		VALUES ` + placeholders(len(journals), cols) + ` ON CONFLICT (journal_id) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteTransferBatch writes collaborator transfers to event_log.transfers.
func (w *EventLogWriter) WriteTransferBatch(ctx context.Context, ex execer, transfers []TransferRow) error {
	if len(transfers) == 0 {
		return nil
	}

	const cols = 7
	args := make([]any, 0, len(transfers)*cols)
	for _, t := range transfers {
		args = append(args, t.BatchID, t.Ordinal, t.Sequence, t.Kind, t.UserID, t.AssetID, t.Amount)
	}

	query := `INSERT INTO event_log.transfers
		(batch_id, ordinal, sequence, kind, user_id, asset_id, amount)
		VALUES ` + placeholders(len(transfers), cols) + ` ON CONFLICT (batch_id, ordinal) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteLiquidationBatch writes liquidation records to event_log.liquidations.
func (w *EventLogWriter) WriteLiquidationBatch(ctx context.Context, ex execer, recs []LiquidationRow) error {
	if len(recs) == 0 {
		return nil
	}

	const cols = 13
	args := make([]any, 0, len(recs)*cols)
	for _, r := range recs {
		args = append(args,
			r.LiquidationID, r.EventRef, r.Sequence, r.Timestamp, r.Liquidator, r.Debtor, r.AssetID,
			r.Repaid, r.BaseSeize, r.Bonus, r.TotalSeize, r.Price, r.RatioBefore,
		)
	}

	query := `INSERT INTO event_log.liquidations
		(liquidation_id, event_ref, sequence, timestamp, liquidator, debtor, asset_id,
		 repaid, base_seize, bonus, total_seize, price, ratio_before)
		VALUES ` + placeholders(len(recs), cols) + ` ON CONFLICT (liquidation_id) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($1, $2), ($3, $4)" for rows × cols parameters
func placeholders(rows, cols int) string {
	var sb strings.Builder
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", n)
			n++
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

// WriteError tags a failed write with the stage that failed
type WriteError struct {
	Stage string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// errorLabel returns a metric label for a write failure: the stage plus
// the Postgres condition name when the server reported one.
func errorLabel(err error) string {
	label := "unknown"
	var we *WriteError
	if errors.As(err, &we) {
		label = we.Stage
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		label += ":" + pqErr.Code.Name()
	}
	return label
}
