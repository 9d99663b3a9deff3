package oracle

import (
	"context"
	"math/big"
	"time"
)

// Quote is a price answer with a freshness verdict. Price is in the feed's
// native decimals and may be non-positive if the source misbehaves; the
// consumer decides what to do with it.
type Quote struct {
	Price     *big.Int
	Fresh     bool
	UpdatedAt time.Time
}

// PriceOracle returns the latest price for a feed
type PriceOracle interface {
	GetPrice(ctx context.Context, feed string) (Quote, error)
}

// RoundSource is anything that can report the latest round of a feed
type RoundSource interface {
	Latest(feed string) (Round, bool)
}

// StalenessGuard wraps a RoundSource with a maximum-age freshness check
type StalenessGuard struct {
	source RoundSource
	maxAge time.Duration
	now    func() time.Time
}

func NewStalenessGuard(source RoundSource, maxAge time.Duration) *StalenessGuard {
	return &StalenessGuard{
		source: source,
		maxAge: maxAge,
		now:    time.Now,
	}
}

// WithClock replaces the wall clock, for tests
func (g *StalenessGuard) WithClock(now func() time.Time) *StalenessGuard {
	g.now = now
	return g
}

// GetPrice reports a feed with no rounds as not fresh with a zero price
func (g *StalenessGuard) GetPrice(_ context.Context, feed string) (Quote, error) {
	r, ok := g.source.Latest(feed)
	if !ok {
		return Quote{Price: new(big.Int), Fresh: false}, nil
	}

	age := g.now().Sub(r.UpdatedAt)
	return Quote{
		Price:     r.Answer,
		Fresh:     age <= g.maxAge,
		UpdatedAt: r.UpdatedAt,
	}, nil
}
