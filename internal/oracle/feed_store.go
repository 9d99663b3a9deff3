package oracle

import (
	"math/big"
	"sync"
	"time"
)

// Round is the latest answer for a feed. Answer is signed and in the
// feed's native decimals, as external aggregators report it.
type Round struct {
	Answer    *big.Int
	Sequence  int64
	UpdatedAt time.Time
}

// FeedStore holds the latest round per feed. Written by the price
// subscriber, read by StalenessGuard.
type FeedStore struct {
	mu     sync.RWMutex
	rounds map[string]Round
}

func NewFeedStore() *FeedStore {
	return &FeedStore{
		rounds: make(map[string]Round),
	}
}

// Update stores a new round. Stale or duplicate sequences are ignored and
// reported as false; gaps are accepted.
func (s *FeedStore) Update(feed string, answer *big.Int, sequence int64, updatedAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.rounds[feed]; ok && sequence <= current.Sequence {
		return false
	}

	s.rounds[feed] = Round{
		Answer:    new(big.Int).Set(answer),
		Sequence:  sequence,
		UpdatedAt: updatedAt,
	}
	return true
}

// Latest returns a copy of the latest round for feed
func (s *FeedStore) Latest(feed string) (Round, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rounds[feed]
	if !ok {
		return Round{}, false
	}
	r.Answer = new(big.Int).Set(r.Answer)
	return r, true
}

// Feeds returns the number of feeds with at least one round
func (s *FeedStore) Feeds() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rounds)
}
