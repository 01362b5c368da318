package pairs

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/engine/pkg/app/core"
)

// Registry indexes pairs by id, market, and trader. Pair state is mutated
// only by the owning market worker; the registry lock covers the indexes and
// copy-out reads for queries.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*core.Pair
	byMarket map[string]map[string]*core.Pair
	byTrader map[common.Address]map[string]*core.Pair
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]*core.Pair),
		byMarket: make(map[string]map[string]*core.Pair),
		byTrader: make(map[common.Address]map[string]*core.Pair),
	}
}

// Add indexes a newly opened pair.
func (r *Registry) Add(p *core.Pair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[p.ID] = p
	if r.byMarket[p.Market] == nil {
		r.byMarket[p.Market] = make(map[string]*core.Pair)
	}
	r.byMarket[p.Market][p.ID] = p
	for _, addr := range []common.Address{p.LongTrader, p.ShortTrader} {
		if r.byTrader[addr] == nil {
			r.byTrader[addr] = make(map[string]*core.Pair)
		}
		r.byTrader[addr][p.ID] = p
	}
}

// Remove drops a terminal pair from the live indexes.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	delete(r.byMarket[p.Market], id)
	delete(r.byTrader[p.LongTrader], id)
	delete(r.byTrader[p.ShortTrader], id)
}

// Get returns the live pair pointer, or nil. Callers outside the owning
// worker must not mutate it.
func (r *Registry) Get(id string) *core.Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// ByMarket returns copies of every open pair in a market.
func (r *Registry) ByMarket(market string) []core.Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Pair, 0, len(r.byMarket[market]))
	for _, p := range r.byMarket[market] {
		out = append(out, *p)
	}
	return out
}

// ByTrader returns copies of every open pair the trader is on either side of.
func (r *Registry) ByTrader(addr common.Address) []core.Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Pair, 0, len(r.byTrader[addr]))
	for _, p := range r.byTrader[addr] {
		out = append(out, *p)
	}
	return out
}

// LivePairs returns the live pointers for a market, for the owning worker's
// risk tick. Only the worker may call this for mutation.
func (r *Registry) LivePairs(market string) []*core.Pair {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*core.Pair, 0, len(r.byMarket[market]))
	for _, p := range r.byMarket[market] {
		out = append(out, p)
	}
	return out
}

// Count returns the number of live pairs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
