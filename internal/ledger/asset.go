package ledger

import (
	"fmt"
	"sort"
)

// AssetID maps asset symbols to numeric IDs for compact keys
type AssetID uint16

// Asset is an accepted collateral kind. Set once at initialization.
type Asset struct {
	ID           AssetID
	Symbol       string
	PriceFeed    string // price source reference, e.g. "ETH/USD"
	FeedDecimals uint8
	Allowed      bool
}

// AssetRegistry is the immutable asset table.
type AssetRegistry struct {
	byID     map[AssetID]Asset
	bySymbol map[string]AssetID
	ordered  []AssetID
}

// NewAssetRegistry assigns IDs 1..n in the order given.
func NewAssetRegistry(assets []Asset) (*AssetRegistry, error) {
	r := &AssetRegistry{
		byID:     make(map[AssetID]Asset, len(assets)),
		bySymbol: make(map[string]AssetID, len(assets)),
	}

	for i, a := range assets {
		if a.Symbol == "" {
			return nil, fmt.Errorf("asset %d has empty symbol", i)
		}
		if _, dup := r.bySymbol[a.Symbol]; dup {
			return nil, fmt.Errorf("duplicate asset symbol %s", a.Symbol)
		}
		a.ID = AssetID(i + 1)
		r.byID[a.ID] = a
		r.bySymbol[a.Symbol] = a.ID
		r.ordered = append(r.ordered, a.ID)
	}

	return r, nil
}

// Get returns the asset by ID, allowed or not.
func (r *AssetRegistry) Get(id AssetID) (Asset, bool) {
	a, ok := r.byID[id]
	return a, ok
}

// Lookup resolves a symbol to its asset.
func (r *AssetRegistry) Lookup(symbol string) (Asset, bool) {
	id, ok := r.bySymbol[symbol]
	if !ok {
		return Asset{}, false
	}
	return r.byID[id], true
}

// RequireAllowed returns the asset or ErrDisallowedAsset.
func (r *AssetRegistry) RequireAllowed(id AssetID) (Asset, error) {
	a, ok := r.byID[id]
	if !ok || !a.Allowed {
		return Asset{}, fmt.Errorf("asset %d: %w", id, ErrDisallowedAsset)
	}
	return a, nil
}

// Allowed returns allow-listed assets in ID order.
func (r *AssetRegistry) Allowed() []Asset {
	out := make([]Asset, 0, len(r.ordered))
	for _, id := range r.ordered {
		if a := r.byID[id]; a.Allowed {
			out = append(out, a)
		}
	}
	return out
}

// Symbol returns the symbol for id, or "unknown".
func (r *AssetRegistry) Symbol(id AssetID) string {
	if a, ok := r.byID[id]; ok {
		return a.Symbol
	}
	return "unknown"
}

// Symbols returns all registered symbols, sorted.
func (r *AssetRegistry) Symbols() []string {
	out := make([]string, 0, len(r.bySymbol))
	for s := range r.bySymbol {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
