package executor

import (
	"sort"
	"sync"
)

// Balances is the local free-balance snapshot per venue and asset. It is
// seeded once at startup and afterwards changed only by the orchestrator
// when an order outcome is known.
type Balances struct {
	mu sync.RWMutex
	m  map[string]map[string]float64 // venue -> asset -> free
}

// NewBalances returns an empty snapshot.
func NewBalances() *Balances {
	return &Balances{m: make(map[string]map[string]float64)}
}

// Set replaces the venue's balances.
func (b *Balances) Set(venue string, free map[string]float64) {
	cp := make(map[string]float64, len(free))
	for k, v := range free {
		cp[k] = v
	}
	b.mu.Lock()
	b.m[venue] = cp
	b.mu.Unlock()
}

// Free returns the free amount of asset on venue, zero when unknown.
func (b *Balances) Free(venue, asset string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.m[venue][asset]
}

// Venues returns the venues with a snapshot, sorted.
func (b *Balances) Venues() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.m))
	for v := range b.m {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a deep copy.
func (b *Balances) Snapshot() map[string]map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]map[string]float64, len(b.m))
	for v, assets := range b.m {
		cp := make(map[string]float64, len(assets))
		for a, f := range assets {
			cp[a] = f
		}
		out[v] = cp
	}
	return out
}

// ApplyBuy books a filled buy: base increases by qty, quote decreases by
// the quote spent plus fee.
func (b *Balances) ApplyBuy(venue, base, quote string, qty, quoteQty, feeRate float64) {
	b.apply(venue, map[string]float64{
		base:  qty,
		quote: -quoteQty * (1 + feeRate),
	})
}

// ApplySell books a filled sell: base decreases by qty, quote increases by
// the proceeds net of fee.
func (b *Balances) ApplySell(venue, base, quote string, qty, quoteQty, feeRate float64) {
	b.apply(venue, map[string]float64{
		base:  -qty,
		quote: quoteQty * (1 - feeRate),
	})
}

func (b *Balances) apply(venue string, deltas map[string]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	assets, ok := b.m[venue]
	if !ok {
		assets = make(map[string]float64)
		b.m[venue] = assets
	}
	for a, d := range deltas {
		assets[a] += d
	}
}
