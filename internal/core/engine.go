package core

import (
	"StableLedger/internal/event"
	"StableLedger/internal/ledger"
	fpmath "StableLedger/internal/math"
	"StableLedger/internal/observability"
	"StableLedger/internal/oracle"
	"StableLedger/internal/state"
	"StableLedger/internal/token"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	ErrSequenceGap  = errors.New("replay sequence gap")
	ErrHashMismatch = errors.New("state hash mismatch")
)

// Deps are the collaborators and settings of an Engine
type Deps struct {
	Assets    *ledger.AssetRegistry
	Oracle    oracle.PriceOracle
	Params    state.RiskParams
	DebtToken token.DebtToken
	Vaults    map[ledger.AssetID]token.CollateralAsset

	DedupDB       DBIdempotencyChecker
	DedupCapacity int

	Metrics *observability.Metrics // optional
	Logger  zerolog.Logger
}

// Engine is the single serialization point of the ledger. Commands run
// one at a time under mu; every commit extends the state hash chain and is
// handed to the persist and publish channels.
type Engine struct {
	mu sync.Mutex

	sequence int64 // last committed
	hasher   *StateHasher

	ledger       *ledger.Ledger
	assets       *ledger.AssetRegistry
	debtToken    token.DebtToken
	health       *state.HealthEngine
	positions    *state.PositionManager
	liquidations *state.LiquidationEngine
	validator    *ledger.InvariantValidator
	idempotency  *IdempotencyChecker

	metrics *observability.Metrics
	logger  zerolog.Logger

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput
}

// CoreOutput is one committed command
type CoreOutput struct {
	Envelope    *event.EventEnvelope
	Batch       *ledger.Batch
	Liquidation *state.LiquidationRecord // set for Liquidate only
}

// Result is returned to the submitter of a command
type Result struct {
	Sequence    int64
	StateHash   [32]byte
	Batch       *ledger.Batch
	Liquidation *state.LiquidationRecord
	Duplicate   bool
}

func NewEngine(deps Deps, persistChan, publishChan chan<- CoreOutput) (*Engine, error) {
	if deps.Assets == nil || deps.Oracle == nil || deps.DebtToken == nil {
		return nil, fmt.Errorf("engine: assets, oracle and debt token are required")
	}

	health, err := state.NewHealthEngine(deps.Oracle, deps.Assets, deps.Params)
	if err != nil {
		return nil, err
	}

	capacity := deps.DedupCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}

	l := ledger.NewLedger()
	positions := state.NewPositionManager(l, deps.Assets, health, deps.DebtToken, deps.Vaults)

	return &Engine{
		hasher:       NewStateHasher(),
		ledger:       l,
		assets:       deps.Assets,
		debtToken:    deps.DebtToken,
		health:       health,
		positions:    positions,
		liquidations: state.NewLiquidationEngine(positions),
		validator:    ledger.NewInvariantValidator(l, deps.DebtToken),
		idempotency:  NewIdempotencyChecker(capacity, deps.DedupDB, deps.Metrics, deps.Logger),
		metrics:      deps.Metrics,
		logger:       deps.Logger,
		persistChan:  persistChan,
		publishChan:  publishChan,
	}, nil
}

// Process is the main command pipeline. A rejected command changes nothing
// and is not written to the event log; a duplicate returns Duplicate=true.
func (e *Engine) Process(ctx context.Context, evt event.Event) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	commandType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	if e.idempotency.IsDuplicate(ctx, commandType, idempotencyKey) {
		e.logger.Debug().Str("command", commandType).Str("key", idempotencyKey).Msg("duplicate command skipped")
		return Result{Duplicate: true, Sequence: e.sequence, StateHash: e.hasher.GetPrevHash()}, nil
	}

	// Step 2: Encode the payload before anything can commit
	if evt.OccurredAt().IsZero() {
		return Result{}, e.reject(commandType, idempotencyKey, fmt.Errorf("%w: missing timestamp", state.ErrInvalidCommand))
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return Result{}, e.reject(commandType, idempotencyKey, fmt.Errorf("%w: encode payload: %v", state.ErrInvalidCommand, err))
	}

	// Step 3: Dispatch. Checks, collaborator transfers and the ledger
	// commit all happen inside the managers.
	seq := e.sequence + 1
	op := state.Op{
		Ctx:       ctx,
		Ref:       idempotencyKey,
		Sequence:  seq,
		Timestamp: evt.OccurredAt().UnixMicro(),
	}
	batch, rec, err := e.dispatch(op, evt)
	if err != nil {
		return Result{}, e.reject(commandType, idempotencyKey, err)
	}

	// Step 4: Post-checks
	if err := e.validator.ValidateAll(); err != nil {
		e.logger.Error().Err(err).Int64("sequence", seq).Str("command", commandType).Msg("invariant violated")
		panic(fmt.Sprintf("FATAL: invariant violated at sequence %d: %v", seq, err))
	}

	// Step 5: State hash chain
	hashStart := time.Now()
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(seq, computeStateDigest(e.ledger, batch))
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}
	e.sequence = seq

	envelope := &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Asset:          evt.Asset(),
		Timestamp:      evt.OccurredAt(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	out := CoreOutput{Envelope: envelope, Batch: batch, Liquidation: rec}

	// Step 6: Emit. Persistence is a blocking send so no commit is lost;
	// publishing drops when the channel is full.
	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}

	// Step 7: Mark as processed
	e.idempotency.MarkProcessed(commandType, idempotencyKey)

	e.recordCommit(commandType, batch, rec, time.Since(start))
	e.logger.Info().
		Int64("sequence", seq).
		Str("command", commandType).
		Str("key", idempotencyKey).
		Int("journals", len(batch.Journals)).
		Msg("command committed")

	return Result{
		Sequence:    seq,
		StateHash:   stateHash,
		Batch:       batch,
		Liquidation: rec,
	}, nil
}

func (e *Engine) dispatch(op state.Op, evt event.Event) (*ledger.Batch, *state.LiquidationRecord, error) {
	asset, ok := e.assets.Lookup(evt.Asset())
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown asset %q", state.ErrDisallowedAsset, evt.Asset())
	}

	var batch *ledger.Batch
	var err error

	switch c := evt.(type) {
	case *event.Deposit:
		batch, err = e.positions.Deposit(op, c.UserID, asset.ID, c.Amount)
	case *event.Mint:
		batch, err = e.positions.Mint(op, c.UserID, asset.ID, c.Amount)
	case *event.Withdraw:
		batch, err = e.positions.Withdraw(op, c.UserID, asset.ID, c.Amount)
	case *event.Burn:
		batch, err = e.positions.Burn(op, c.UserID, asset.ID, c.Amount)
	case *event.DepositAndMint:
		batch, err = e.positions.DepositThenMint(op, c.UserID, asset.ID, c.DepositAmount, c.MintAmount)
	case *event.BurnAndRedeem:
		batch, err = e.positions.BurnThenRedeem(op, c.UserID, asset.ID, c.BurnAmount, c.RedeemAmount)
	case *event.Liquidate:
		rec, b, lerr := e.liquidations.Liquidate(op, c.Liquidator, c.Debtor, asset.ID, c.DebtToRepay)
		return b, rec, lerr
	default:
		return nil, nil, fmt.Errorf("%w: unsupported command %T", state.ErrInvalidCommand, evt)
	}
	return batch, nil, err
}

func (e *Engine) reject(commandType, key string, err error) error {
	reason, class := state.Reason(err)
	if e.metrics != nil {
		e.metrics.CoreCommandsRejected.WithLabelValues(commandType, reason, class.String()).Inc()
	}
	e.logger.Debug().Err(err).Str("command", commandType).Str("key", key).Str("reason", reason).Msg("command rejected")
	return err
}

func (e *Engine) recordCommit(commandType string, batch *ledger.Batch, rec *state.LiquidationRecord, elapsed time.Duration) {
	m := e.metrics
	if m == nil {
		return
	}

	m.CoreCommandsApplied.WithLabelValues(commandType).Inc()
	m.CoreCommandDuration.WithLabelValues(commandType).Observe(elapsed.Seconds())
	m.CoreSequence.Set(float64(e.sequence))
	for _, j := range batch.Journals {
		m.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}

	m.DebtSupply.Set(fpmath.Float64(e.debtToken.TotalSupply()))
	m.RegisteredUsers.Set(float64(e.ledger.Registry().Len()))
	for _, a := range e.assets.Allowed() {
		m.CustodyBalance.WithLabelValues(a.Symbol).Set(fpmath.Float64(e.ledger.Custody(a.ID)))
	}

	if rec != nil {
		symbol := e.assets.Symbol(rec.AssetID)
		m.LiquidationsExecuted.WithLabelValues(symbol).Inc()
		m.LiquidationRepaid.WithLabelValues(symbol).Add(fpmath.Float64(rec.Repaid))
		m.LiquidationSeized.WithLabelValues(symbol).Add(fpmath.Float64(rec.TotalSeize))
	}
}

// === Replay ===

// Replay re-applies one persisted command on startup. The debt token is
// process-local and starts empty, so the batch's mint and burn transfers
// are re-applied to it too. Collateral custody is reseeded from the ledger
// after replay. The recomputed hash must match the persisted one.
func (e *Engine) Replay(env *event.EventEnvelope, batch *ledger.Batch) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if env.Sequence != e.sequence+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrSequenceGap, e.sequence, env.Sequence)
	}
	if prev := e.hasher.GetPrevHash(); env.PrevHash != prev {
		return fmt.Errorf("%w: sequence %d prev hash %x, chain tip %x", ErrHashMismatch, env.Sequence, env.PrevHash, prev)
	}

	if batch != nil {
		if err := e.ledger.ApplyBatch(batch); err != nil {
			return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
		}
		if err := e.replayTokenTransfers(batch); err != nil {
			return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
		}
	}

	hash := chainHash(e.hasher.GetPrevHash(), env.Sequence, computeStateDigest(e.ledger, batch))
	if hash != env.StateHash {
		return fmt.Errorf("%w: sequence %d computed %x, persisted %x", ErrHashMismatch, env.Sequence, hash, env.StateHash)
	}
	e.hasher.SetPrevHash(hash)
	e.sequence = env.Sequence
	e.idempotency.MarkProcessed(env.EventType.String(), env.IdempotencyKey)

	if e.metrics != nil {
		e.metrics.ReplayEventsTotal.Inc()
		e.metrics.CoreSequence.Set(float64(e.sequence))
	}
	return nil
}

func (e *Engine) replayTokenTransfers(batch *ledger.Batch) error {
	for _, tr := range batch.Transfers {
		switch tr.Kind {
		case ledger.TransferTokenMint:
			if err := e.debtToken.Mint(tr.UserID, tr.Amount); err != nil {
				return fmt.Errorf("token mint to %s: %w", tr.UserID, err)
			}
		case ledger.TransferTokenBurn:
			if err := e.debtToken.Burn(tr.UserID, tr.Amount); err != nil {
				return fmt.Errorf("token burn from %s: %w", tr.UserID, err)
			}
		}
	}
	return nil
}

// ValidateStructure runs the ledger-only invariants. Debt reconciliation
// against the token is left out since collaborators may not be seeded yet.
func (e *Engine) ValidateStructure() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validator.ValidateAggregateDebt(); err != nil {
		return err
	}
	if err := e.validator.ValidateCustody(); err != nil {
		return err
	}
	return e.validator.ValidateRegistry()
}

// Validate runs every invariant including debt reconciliation
func (e *Engine) Validate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.validator.ValidateAll()
}

// === Snapshot Restore & Startup ===

// SnapshotState holds the in-memory state needed for a warm restart
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Accounts        []ledger.AccountBalance
	Users           []uuid.UUID
	IdempotencyKeys []string
	TokenBalances   []TokenBalance
}

// TokenBalance is one holder's debt token balance at snapshot time
type TokenBalance struct {
	UserID uuid.UUID
	Amount *uint256.Int
}

// CreateSnapshotState captures the current in-memory state for persistence.
// Token holders are always registered users: tokens only enter circulation
// through a mint against a ledger position.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()

	users := e.ledger.Registry().Users()
	balances := make([]TokenBalance, 0, len(users))
	for _, u := range users {
		if bal := e.debtToken.BalanceOf(u); !bal.IsZero() {
			balances = append(balances, TokenBalance{UserID: u, Amount: bal})
		}
	}

	return &SnapshotState{
		Sequence:        e.sequence,
		StateHash:       e.hasher.GetPrevHash(),
		Accounts:        e.ledger.Snapshot(),
		Users:           users,
		IdempotencyKeys: e.idempotency.Keys(),
		TokenBalances:   balances,
	}
}

// RestoreFromSnapshot loads a snapshot into the ledger and mints the
// snapshot's token balances into the empty debt token. Events after
// snap.Sequence are then fed through Replay.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if supply := e.debtToken.TotalSupply(); !supply.IsZero() {
		return fmt.Errorf("restore snapshot %d: debt token already has supply %s", snap.Sequence, supply.Dec())
	}
	for _, b := range snap.TokenBalances {
		if err := e.debtToken.Mint(b.UserID, b.Amount); err != nil {
			return fmt.Errorf("restore snapshot %d: token balance of %s: %w", snap.Sequence, b.UserID, err)
		}
	}

	e.sequence = snap.Sequence
	e.hasher.SetPrevHash(snap.StateHash)
	e.ledger.Restore(snap.Accounts, snap.Users)
	e.idempotency.Warm(snap.IdempotencyKeys)
	return nil
}

// WarmIdempotency preloads composite dedup keys, most recent first
func (e *Engine) WarmIdempotency(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.Warm(keys)
}

// RestoreLiquidations replaces the liquidation history, oldest first
func (e *Engine) RestoreLiquidations(records []state.LiquidationRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.liquidations.Restore(records)
}

// === Read views ===

func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// StateHash returns the current chain tip
func (e *Engine) StateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}

func (e *Engine) Assets() *ledger.AssetRegistry {
	return e.assets
}

// Position returns the view of (user, asset symbol)
func (e *Engine) Position(ctx context.Context, userID uuid.UUID, symbol string) (state.PositionView, error) {
	asset, ok := e.assets.Lookup(symbol)
	if !ok {
		return state.PositionView{}, fmt.Errorf("%w: unknown asset %q", state.ErrDisallowedAsset, symbol)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions.Position(ctx, userID, asset.ID)
}

// UserDebt returns the user's aggregate debt across assets
func (e *Engine) UserDebt(userID uuid.UUID) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions.UserDebt(userID)
}

// Protocol returns system-wide totals and refreshes the solvency gauge
func (e *Engine) Protocol(ctx context.Context) (state.ProtocolView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pv, err := e.positions.Protocol(ctx)
	if err != nil {
		return pv, err
	}
	if e.metrics != nil && pv.Ratio != nil {
		e.metrics.ProtocolRatio.Set(fpmath.Float64(pv.Ratio))
	}
	return pv, nil
}

// Liquidations returns up to limit records, newest first
func (e *Engine) Liquidations(limit int) []state.LiquidationRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liquidations.History(limit)
}

// Users lists every registered user in registration order
func (e *Engine) Users() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Registry().Users()
}

// Custody returns the ledger's holding of assetID
func (e *Engine) Custody(assetID ledger.AssetID) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Custody(assetID)
}
