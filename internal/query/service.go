package query

import (
	"StableLedger/internal/ledger"
	fpmath "StableLedger/internal/math"
	"StableLedger/internal/observability"
	"StableLedger/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

var ErrNoDatabase = errors.New("query: no database configured")

// Reader is the read side of *core.Engine. Every call takes the engine
// lock, so each view is consistent on its own.
type Reader interface {
	Sequence() int64
	Assets() *ledger.AssetRegistry
	Position(ctx context.Context, userID uuid.UUID, symbol string) (state.PositionView, error)
	UserDebt(userID uuid.UUID) *uint256.Int
	Protocol(ctx context.Context) (state.ProtocolView, error)
	Liquidations(limit int) []state.LiquidationRecord
	Validate() error
}

// Service provides read-only access to the ledger. Live views come from
// the engine; journal history and hash chain checks read the event log.
type Service struct {
	engine  Reader
	db      *sql.DB // optional
	metrics *observability.Metrics
}

func NewService(engine Reader, db *sql.DB, metrics *observability.Metrics) *Service {
	return &Service{engine: engine, db: db, metrics: metrics}
}

func (s *Service) observe(endpoint string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status, _ = state.Reason(err)
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// GetPosition returns the (user, asset) view. An unknown asset symbol
// fails with ErrDisallowedAsset.
func (s *Service) GetPosition(ctx context.Context, userID uuid.UUID, asset string) (resp *PositionResponse, err error) {
	defer func(start time.Time) { s.observe("position", start, err) }(time.Now())

	view, err := s.engine.Position(ctx, userID, asset)
	if err != nil {
		return nil, err
	}

	resp = &PositionResponse{
		UserID:          userID,
		Asset:           asset,
		Collateral:      amount(view.Collateral),
		Debt:            amount(view.Debt),
		CollateralValue: amount(view.CollateralValue),
		AsOfSequence:    s.engine.Sequence(),
	}
	if view.HasDebt() {
		resp.RatioPct = fpmath.FormatPercent(view.Ratio)
		resp.Status = view.Status.String()
	}
	return resp, nil
}

// GetUserDebt returns the user's debt summed across assets.
func (s *Service) GetUserDebt(_ context.Context, userID uuid.UUID) (*DebtResponse, error) {
	defer func(start time.Time) { s.observe("user_debt", start, nil) }(time.Now())

	return &DebtResponse{
		UserID:       userID,
		Debt:         amount(s.engine.UserDebt(userID)),
		AsOfSequence: s.engine.Sequence(),
	}, nil
}

// GetProtocol returns collateral value, debt supply and the solvency ratio.
func (s *Service) GetProtocol(ctx context.Context) (resp *ProtocolResponse, err error) {
	defer func(start time.Time) { s.observe("protocol", start, err) }(time.Now())

	pv, err := s.engine.Protocol(ctx)
	if err != nil {
		return nil, err
	}

	resp = &ProtocolResponse{
		CollateralValue: amount(pv.CollateralValue),
		DebtSupply:      amount(pv.DebtSupply),
		Solvent:         pv.Solvent,
		Users:           pv.Users,
		AsOfSequence:    s.engine.Sequence(),
	}
	if pv.Ratio != nil {
		resp.RatioPct = fpmath.FormatPercent(pv.Ratio)
	}
	return resp, nil
}

// GetLiquidations returns up to limit records, newest first.
func (s *Service) GetLiquidations(_ context.Context, limit int) ([]LiquidationResponse, error) {
	defer func(start time.Time) { s.observe("liquidations", start, nil) }(time.Now())

	assets := s.engine.Assets()
	records := s.engine.Liquidations(clampLimit(limit))

	out := make([]LiquidationResponse, 0, len(records))
	for _, r := range records {
		out = append(out, LiquidationResponse{
			LiquidationID:  r.LiquidationID,
			EventRef:       r.EventRef,
			Sequence:       r.Sequence,
			Timestamp:      r.Timestamp,
			Liquidator:     r.Liquidator,
			Debtor:         r.Debtor,
			Asset:          assets.Symbol(r.AssetID),
			Repaid:         amount(r.Repaid),
			BaseSeize:      amount(r.BaseSeize),
			Bonus:          amount(r.Bonus),
			TotalSeize:     amount(r.TotalSeize),
			Price:          amount(r.Price),
			RatioBeforePct: fpmath.FormatPercent(r.RatioBefore),
		})
	}
	return out, nil
}

// GetJournalHistory returns persisted journal entries for a user, newest
// first. beforeSequence pages backwards; zero starts at the tip.
func (s *Service) GetJournalHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	beforeSequence int64,
) (entries []JournalHistoryEntry, err error) {
	defer func(start time.Time) { s.observe("journal", start, err) }(time.Now())

	if s.db == nil {
		return nil, ErrNoDatabase
	}

	query := `
		SELECT journal_id, batch_id, event_ref, sequence, account_kind,
		       asset_id, direction, amount::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE user_id = $1`
	args := []any{userID}

	if beforeSequence > 0 {
		query += " AND sequence < $2"
		args = append(args, beforeSequence)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC, ordinal DESC LIMIT $%d", len(args)+1)
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	assets := s.engine.Assets()
	for rows.Next() {
		var (
			e           JournalHistoryEntry
			kind        int16
			assetID     int16
			journalType int32
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence, &kind,
			&assetID, &e.Direction, &e.Amount, &journalType, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		e.Account = ledger.AccountKind(kind).String()
		e.Asset = assets.Symbol(ledger.AssetID(assetID))
		e.JournalType = ledger.JournalType(journalType).String()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// VerifyIntegrity checks the persisted hash chain linkage, the in-memory
// ledger invariants and protocol solvency.
func (s *Service) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer func(start time.Time) { s.observe("integrity", start, err) }(time.Now())

	report = &IntegrityReport{Sequence: s.engine.Sequence()}

	if s.db != nil {
		breaks, err := s.hashChainBreaks(ctx)
		if err != nil {
			return nil, err
		}
		report.HashChainBreaks = breaks
	}

	if err := s.engine.Validate(); err != nil {
		report.LedgerError = err.Error()
	}

	pv, err := s.engine.Protocol(ctx)
	if err != nil {
		return nil, err
	}
	report.Solvent = pv.Solvent

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.LedgerError == "" && report.Solvent
	return report, nil
}

// hashChainBreaks lists sequences whose prev_hash does not match the
// previous event's state_hash, or whose predecessor is missing.
func (s *Service) hashChainBreaks(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 1
		  AND (e2.sequence IS NULL OR e1.prev_hash != e2.state_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("check hash chain: %w", err)
	}
	defer rows.Close()

	var breaks []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		breaks = append(breaks, seq)
	}
	return breaks, rows.Err()
}

func amount(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return fpmath.ToDecimal(x).String()
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}
