package oracle_test

import (
	"StableLedger/internal/oracle"
	"context"
	"math/big"
	"testing"
	"time"
)

func TestFeedStore_IgnoresStaleSequence(t *testing.T) {
	s := oracle.NewFeedStore()
	now := time.Unix(1_700_000_000, 0)

	if !s.Update("ETH/USD", big.NewInt(340_000_000_000), 2, now) {
		t.Fatal("first update should be accepted")
	}
	if s.Update("ETH/USD", big.NewInt(1), 2, now) {
		t.Error("duplicate sequence should be ignored")
	}
	if s.Update("ETH/USD", big.NewInt(1), 1, now) {
		t.Error("older sequence should be ignored")
	}
	if !s.Update("ETH/USD", big.NewInt(118_000_000_000), 5, now) {
		t.Error("gapped sequence should be accepted")
	}

	r, _ := s.Latest("ETH/USD")
	if r.Answer.Int64() != 118_000_000_000 || r.Sequence != 5 {
		t.Errorf("latest: %v seq=%d", r.Answer, r.Sequence)
	}
}

func TestFeedStore_LatestIsCopy(t *testing.T) {
	s := oracle.NewFeedStore()
	s.Update("ETH/USD", big.NewInt(100), 1, time.Now())

	r, _ := s.Latest("ETH/USD")
	r.Answer.SetInt64(7)

	again, _ := s.Latest("ETH/USD")
	if again.Answer.Int64() != 100 {
		t.Error("mutating a returned round must not affect the store")
	}
}

func TestStalenessGuard_Freshness(t *testing.T) {
	s := oracle.NewFeedStore()
	base := time.Unix(1_700_000_000, 0)
	s.Update("ETH/USD", big.NewInt(340_000_000_000), 1, base)

	now := base.Add(30 * time.Second)
	g := oracle.NewStalenessGuard(s, time.Minute).WithClock(func() time.Time { return now })

	q, err := g.GetPrice(context.Background(), "ETH/USD")
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if !q.Fresh {
		t.Error("30s old price should be fresh with a 1m window")
	}

	now = base.Add(2 * time.Minute)
	q, _ = g.GetPrice(context.Background(), "ETH/USD")
	if q.Fresh {
		t.Error("2m old price should be stale with a 1m window")
	}
}

func TestStalenessGuard_UnknownFeed(t *testing.T) {
	g := oracle.NewStalenessGuard(oracle.NewFeedStore(), time.Minute)

	q, err := g.GetPrice(context.Background(), "XAU/USD")
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if q.Fresh {
		t.Error("unknown feed must not be reported fresh")
	}
}
