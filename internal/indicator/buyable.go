// Package indicator computes per-symbol EMA/RSI signals from the unified
// tick stream and maintains the shared buyable set the symbol manager and
// trader consult.
package indicator

import (
	"sort"
	"sync"
)

// BuyableSet is the set of symbols whose indicators currently signal a buy
// opportunity. It is written by the Worker and read concurrently by the
// symbol manager and the trader.
type BuyableSet struct {
	mu  sync.RWMutex
	set map[string]bool
}

// NewBuyableSet creates an empty set.
func NewBuyableSet() *BuyableSet {
	return &BuyableSet{set: make(map[string]bool)}
}

// Add marks a symbol buyable. Returns true if it was not already present.
func (b *BuyableSet) Add(symbol string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.set[symbol] {
		return false
	}
	b.set[symbol] = true
	return true
}

// Remove unmarks a symbol. Returns true if it was present.
func (b *BuyableSet) Remove(symbol string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.set[symbol] {
		return false
	}
	delete(b.set, symbol)
	return true
}

// Contains reports membership.
func (b *BuyableSet) Contains(symbol string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.set[symbol]
}

// Snapshot returns the members, sorted for deterministic logs.
func (b *BuyableSet) Snapshot() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.set))
	for s := range b.set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
