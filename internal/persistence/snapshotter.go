package persistence

import (
	"StableLedger/internal/core"
	"StableLedger/internal/observability"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SnapshotSource is satisfied by *core.Engine
type SnapshotSource interface {
	Sequence() int64
	CreateSnapshotState() *core.SnapshotState
}

// snapshotStore is the subset of *SnapshotManager the Snapshotter needs
type snapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error)
	MarkVerified(ctx context.Context, sequence int64) error
	GetLatestSequence(ctx context.Context) (int64, error)
}

// Snapshotter captures engine state every interval commands. A snapshot
// is only marked verified once the event log has persisted its sequence,
// so recovery never starts from state the log cannot back.
type Snapshotter struct {
	mu sync.Mutex

	source   SnapshotSource
	store    snapshotStore
	interval int64
	metrics  *observability.Metrics
	logger   zerolog.Logger

	lastSeq    int64 // last snapshot saved
	pendingSeq int64 // saved but not yet verified
}

func NewSnapshotter(source SnapshotSource, store snapshotStore, interval int64, metrics *observability.Metrics, logger zerolog.Logger) *Snapshotter {
	if interval <= 0 {
		interval = 100_000
	}
	return &Snapshotter{
		source:   source,
		store:    store,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
		lastSeq:  source.Sequence(),
	}
}

// Run checks every tick whether a snapshot is due and retries verification
// of a pending one.
func (s *Snapshotter) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.verifyPending(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("snapshot verification failed")
			}

			s.mu.Lock()
			due := s.source.Sequence()-s.lastSeq >= s.interval
			s.mu.Unlock()
			if !due {
				continue
			}
			if _, err := s.Take(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

// Take saves a snapshot of the current state and returns its sequence.
// An empty ledger is not snapshotted.
func (s *Snapshotter) Take(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.source.CreateSnapshotState()
	if state.Sequence == 0 {
		return 0, nil
	}

	data := NewSnapshotData(state, time.Now().UTC())
	size, err := s.store.SaveSnapshot(ctx, data)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}

	s.lastSeq = state.Sequence
	s.pendingSeq = state.Sequence
	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotSizeBytes.Set(float64(size))
	}
	s.logger.Info().Int64("sequence", state.Sequence).Int("size_bytes", size).Msg("snapshot saved")

	if err := s.verifyLocked(ctx); err != nil {
		return state.Sequence, err
	}
	return state.Sequence, nil
}

func (s *Snapshotter) verifyPending(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifyLocked(ctx)
}

func (s *Snapshotter) verifyLocked(ctx context.Context) error {
	if s.pendingSeq == 0 {
		return nil
	}

	persisted, err := s.store.GetLatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("latest persisted sequence: %w", err)
	}
	if persisted < s.pendingSeq {
		s.logger.Debug().Int64("snapshot", s.pendingSeq).Int64("persisted", persisted).
			Msg("snapshot ahead of event log, verification deferred")
		return nil
	}

	if err := s.store.MarkVerified(ctx, s.pendingSeq); err != nil {
		return fmt.Errorf("mark snapshot %d verified: %w", s.pendingSeq, err)
	}
	if s.metrics != nil {
		s.metrics.SnapshotLastSeq.Set(float64(s.pendingSeq))
	}
	s.pendingSeq = 0
	return nil
}

// Pending returns the sequence of a saved but unverified snapshot, or 0
func (s *Snapshotter) Pending() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingSeq
}
